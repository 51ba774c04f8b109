package chatwindow

import (
	"errors"
	"fmt"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrAnchorMissing is returned when a window's anchor element cannot be
// located on the page.
var ErrAnchorMissing = errors.New("anchor element missing")

// ChatIDAttr marks an element that has a chat attached.
const ChatIDAttr = "data-nabokov-chat-id"

const maxTextPreview = 100

// Rect is an element's page-relative bounding box.
type Rect struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a page or offset coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Descriptor records enough about an element to find it again after the
// page reloads.
type Descriptor struct {
	ChatID      string   `json:"chatId" validate:"required"`
	TagName     string   `json:"tagName" validate:"required"`
	ID          string   `json:"id,omitempty"`
	Classes     []string `json:"classes"`
	CSSSelector string   `json:"cssSelector"`
	XPath       string   `json:"xpath"`
	TextPreview string   `json:"textPreview" validate:"max=103"`
	Rect        Rect     `json:"boundingRect"`
}

// Strategy is one way of finding an element.
type Strategy string

const (
	StrategyChatID Strategy = "chat-id"
	StrategyID     Strategy = "id"
	StrategyCSS    Strategy = "css-selector"
	StrategyXPath  Strategy = "xpath"
)

// DefaultStrategies is the resolution order, most reliable first.
var DefaultStrategies = []Strategy{StrategyChatID, StrategyID, StrategyCSS, StrategyXPath}

// Locator answers whether an element matching value exists under one
// strategy, and where it is.
type Locator interface {
	Locate(s Strategy, value string) (Rect, bool)
}

// Resolver finds a descriptor's element by trying strategies in order.
type Resolver struct {
	strategies []Strategy
}

// NewResolver creates a resolver. With no strategies the defaults are used.
func NewResolver(strategies ...Strategy) *Resolver {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	return &Resolver{strategies: strategies}
}

// Resolve returns the element's rect and the strategy that found it.
func (r *Resolver) Resolve(loc Locator, d Descriptor) (Rect, Strategy, bool) {
	for _, s := range r.strategies {
		value := d.value(s)
		if value == "" {
			continue
		}
		if rect, ok := loc.Locate(s, value); ok {
			return rect, s, true
		}
	}
	return Rect{}, "", false
}

func (d Descriptor) value(s Strategy) string {
	switch s {
	case StrategyChatID:
		return d.ChatID
	case StrategyID:
		return d.ID
	case StrategyCSS:
		return d.CSSSelector
	case StrategyXPath:
		return d.XPath
	}
	return ""
}

// Element is one element a page reports on a layout tick.
type Element struct {
	ChatID      string `json:"chatId,omitempty"`
	ID          string `json:"id,omitempty"`
	CSSSelector string `json:"cssSelector,omitempty"`
	XPath       string `json:"xpath,omitempty"`
	Rect        Rect   `json:"rect"`
}

// Layout is a Locator over the elements a page reported. The first element
// matching a value wins.
type Layout []Element

// Locate implements Locator.
func (l Layout) Locate(s Strategy, value string) (Rect, bool) {
	for _, e := range l {
		if e.value(s) == value {
			return e.Rect, true
		}
	}
	return Rect{}, false
}

func (e Element) value(s Strategy) string {
	switch s {
	case StrategyChatID:
		return e.ChatID
	case StrategyID:
		return e.ID
	case StrategyCSS:
		return e.CSSSelector
	case StrategyXPath:
		return e.XPath
	}
	return ""
}

// DescribeHTML builds a descriptor from an element's outer HTML. chatID is
// used when the markup carries no chat id attribute of its own. Selector
// and path can only be derived from the element's own id; callers that
// know the element's position in the page should set them afterwards.
func DescribeHTML(outerHTML, chatID string, rect Rect) (Descriptor, error) {
	body := &xhtml.Node{Type: xhtml.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := xhtml.ParseFragment(strings.NewReader(outerHTML), body)
	if err != nil {
		return Descriptor{}, fmt.Errorf("parsing element: %w", err)
	}
	var el *xhtml.Node
	for _, n := range nodes {
		if n.Type == xhtml.ElementNode {
			el = n
			break
		}
	}
	if el == nil {
		return Descriptor{}, fmt.Errorf("no element in markup")
	}

	d := Descriptor{
		ChatID:  chatID,
		TagName: strings.ToLower(el.Data),
		Classes: []string{},
		Rect:    rect,
	}
	for _, a := range el.Attr {
		switch a.Key {
		case "id":
			d.ID = a.Val
		case "class":
			d.Classes = strings.Fields(a.Val)
		case ChatIDAttr:
			if a.Val != "" {
				d.ChatID = a.Val
			}
		}
	}
	if d.ChatID == "" {
		return Descriptor{}, fmt.Errorf("element has no chat id")
	}
	if d.ID != "" {
		d.CSSSelector = "#" + d.ID
		d.XPath = fmt.Sprintf(`//*[@id=%q]`, d.ID)
	} else {
		d.CSSSelector = d.TagName
		if len(d.Classes) > 0 {
			d.CSSSelector += "." + strings.Join(d.Classes, ".")
		}
	}
	d.TextPreview = preview(textContent(el))
	return d, nil
}

func textContent(n *xhtml.Node) string {
	var b strings.Builder
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= maxTextPreview {
		return text
	}
	return string(r[:maxTextPreview]) + "..."
}
