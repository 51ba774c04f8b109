package cards

import "errors"

// CardType discriminates how a card came to exist.
type CardType string

const (
	CardTypeClipped   CardType = "clipped"
	CardTypeGenerated CardType = "generated"
	CardTypeNote      CardType = "note"
	CardTypeImage     CardType = "image"
)

var (
	// ErrNotFound is returned when no card or connection has the given id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCard is returned when a card breaks a model invariant.
	ErrInvalidCard = errors.New("invalid card")
	// ErrInvalidImport is returned when an import payload fails validation.
	ErrInvalidImport = errors.New("invalid import")
)

// Position is a canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a canvas extent.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CardMetadata describes where a card's content came from.
type CardMetadata struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Domain     string `json:"domain"`
	Favicon    string `json:"favicon,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Selector   string `json:"selector,omitempty"`
	TagName    string `json:"tagName,omitempty"`
	Text       string `json:"text,omitempty"`
	Dimensions *Size  `json:"dimensions,omitempty"`
}

// ChatMessage is one turn of a conversation attached to a card.
type ChatMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// GenerationContext records how an AI-produced card was made.
type GenerationContext struct {
	SourceMessageID string `json:"sourceMessageId,omitempty"`
	ButtonID        string `json:"buttonId,omitempty"`
	GenerationType  string `json:"generationType,omitempty"`
	UserPrompt      string `json:"userPrompt,omitempty"`
	SelectedText    string `json:"selectedText,omitempty"`
	ParentCardTitle string `json:"parentCardTitle,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// FillInEntry keeps the content a fill-in replaced.
type FillInEntry struct {
	Timestamp       int64    `json:"timestamp"`
	SourceCardIDs   []string `json:"sourceCardIds"`
	Strategy        string   `json:"strategy"`
	UserPrompt      string   `json:"userPrompt,omitempty"`
	PreviousContent string   `json:"previousContent"`
}

// Card is a unit of clipped or generated content. Timestamps are Unix
// milliseconds.
type Card struct {
	ID                 string             `json:"id"`
	Content            string             `json:"content"`
	Image              string             `json:"image,omitempty"`
	Metadata           CardMetadata       `json:"metadata"`
	Position           *Position          `json:"position,omitempty"`
	Size               *Size              `json:"size,omitempty"`
	Starred            bool               `json:"starred"`
	Tags               []string           `json:"tags"`
	CreatedAt          int64              `json:"createdAt"`
	UpdatedAt          int64              `json:"updatedAt"`
	Conversation       []ChatMessage      `json:"conversation,omitempty"`
	CardType           CardType           `json:"cardType,omitempty"`
	ParentCardID       string             `json:"parentCardId,omitempty"`
	GenerationContext  *GenerationContext `json:"generationContext,omitempty"`
	BeautifiedContent  string             `json:"beautifiedContent,omitempty"`
	OriginalHTML       string             `json:"originalHTML,omitempty"`
	BeautificationMode string             `json:"beautificationMode,omitempty"`
	BeautifiedAt       int64              `json:"beautifiedAt,omitempty"`
	FillInHistory      []FillInEntry      `json:"fillInHistory,omitempty"`
	Stashed            bool               `json:"stashed,omitempty"`
}

// Title returns the display title, falling back to the domain.
func (c *Card) Title() string {
	if c.Metadata.Title != "" {
		return c.Metadata.Title
	}
	if c.Metadata.Domain != "" {
		return c.Metadata.Domain
	}
	return "Untitled"
}

// Clone returns a deep copy of c.
func (c Card) Clone() Card {
	out := c
	if c.Position != nil {
		p := *c.Position
		out.Position = &p
	}
	if c.Size != nil {
		s := *c.Size
		out.Size = &s
	}
	if c.Metadata.Dimensions != nil {
		d := *c.Metadata.Dimensions
		out.Metadata.Dimensions = &d
	}
	if c.GenerationContext != nil {
		g := *c.GenerationContext
		out.GenerationContext = &g
	}
	out.Tags = append([]string{}, c.Tags...)
	if c.Conversation != nil {
		out.Conversation = append([]ChatMessage(nil), c.Conversation...)
	}
	if c.FillInHistory != nil {
		out.FillInHistory = make([]FillInEntry, len(c.FillInHistory))
		for i, e := range c.FillInHistory {
			e.SourceCardIDs = append([]string(nil), e.SourceCardIDs...)
			out.FillInHistory[i] = e
		}
	}
	return out
}

// ConnectionType is the relation a connection expresses.
type ConnectionType string

const (
	ConnGeneratedFrom ConnectionType = "generated-from"
	ConnReferences    ConnectionType = "references"
	ConnRelated       ConnectionType = "related"
	ConnContradicts   ConnectionType = "contradicts"
	ConnCustom        ConnectionType = "custom"
)

// ConnectionTypes lists every known relation.
var ConnectionTypes = []ConnectionType{
	ConnGeneratedFrom, ConnReferences, ConnRelated, ConnContradicts, ConnCustom,
}

// Valid reports whether t is a known relation.
func (t ConnectionType) Valid() bool {
	for _, k := range ConnectionTypes {
		if k == t {
			return true
		}
	}
	return false
}

// ConnectionMetadata records who made a connection and when.
type ConnectionMetadata struct {
	CreatedAt int64  `json:"createdAt"`
	CreatedBy string `json:"createdBy"`
}

// Connection is a typed, directed edge between two cards.
type Connection struct {
	ID             string             `json:"id"`
	SourceCardID   string             `json:"sourceCardId"`
	TargetCardID   string             `json:"targetCardId"`
	ConnectionType ConnectionType     `json:"connectionType"`
	Label          string             `json:"label,omitempty"`
	Metadata       ConnectionMetadata `json:"metadata"`
}

// Direction selects which connections of a card to follow.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionBoth     Direction = "both"
)

// Stats summarizes the card collection.
type Stats struct {
	Total       int            `json:"total"`
	Visible     int            `json:"visible"`
	Starred     int            `json:"starred"`
	Stashed     int            `json:"stashed"`
	Generated   int            `json:"generated"`
	Connections int            `json:"connections"`
	Domains     map[string]int `json:"domains"`
	Tags        map[string]int `json:"tags"`
}
