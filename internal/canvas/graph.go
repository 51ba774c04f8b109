// Package canvas keeps an in-memory node and edge graph consistent with the
// stored cards and connections while interactive edits are coalesced into
// occasional writes.
package canvas

import (
	"github.com/ziadkadry99/nabokov/internal/cards"
)

// Grid layout for cards that have never been placed.
const (
	gridColumns = 4
	gridSpacing = 40
	gridOffset  = 100

	DefaultCardWidth  = 320
	DefaultCardHeight = 240
)

// Node is one card on the canvas.
type Node struct {
	ID       string         `json:"id"`
	Position cards.Position `json:"position"`
	Size     cards.Size     `json:"size"`
	Card     cards.Card     `json:"card"`
}

// EdgeStyle is how an edge is drawn.
type EdgeStyle struct {
	Color    string `json:"color"`
	Dash     string `json:"dash,omitempty"`
	Width    int    `json:"width"`
	Animated bool   `json:"animated"`
}

// Edge is one connection between two visible nodes.
type Edge struct {
	ID     string               `json:"id"`
	Source string               `json:"source"`
	Target string               `json:"target"`
	Type   cards.ConnectionType `json:"type"`
	Label  string               `json:"label,omitempty"`
	Style  EdgeStyle            `json:"style"`
}

// Graph is a loaded canvas. Empty is set when there are no visible cards.
type Graph struct {
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
	Empty   bool   `json:"empty"`
	Version uint64 `json:"version"`
}

// Geometry is a pending position and/or size change for one card.
type Geometry struct {
	Position *cards.Position `json:"position,omitempty"`
	Size     *cards.Size     `json:"size,omitempty"`
}

func mergeGeometry(older, newer Geometry) Geometry {
	if newer.Position == nil {
		newer.Position = older.Position
	}
	if newer.Size == nil {
		newer.Size = older.Size
	}
	return newer
}

var edgeStyles = map[cards.ConnectionType]EdgeStyle{
	cards.ConnGeneratedFrom: {Color: "#D4AF37", Width: 2, Animated: true},
	cards.ConnReferences:    {Color: "#8B7355", Dash: "6 4", Width: 2},
	cards.ConnRelated:       {Color: "#B89C82", Width: 1},
	cards.ConnContradicts:   {Color: "#C0392B", Dash: "2 4", Width: 2},
	cards.ConnCustom:        {Color: "#5C4D42", Dash: "8 2 2 2", Width: 1},
}

// StyleFor returns the edge style for a connection type. Unknown types are
// drawn like related.
func StyleFor(t cards.ConnectionType) EdgeStyle {
	if s, ok := edgeStyles[t]; ok {
		return s
	}
	return edgeStyles[cards.ConnRelated]
}

// GridPosition is where the index-th unplaced card goes.
func GridPosition(index int) cards.Position {
	row, col := index/gridColumns, index%gridColumns
	return cards.Position{
		X: float64(col*(DefaultCardWidth+gridSpacing) + gridOffset),
		Y: float64(row*(DefaultCardHeight+gridSpacing) + gridOffset),
	}
}

// Build turns stored cards and connections into a graph. Stashed cards are
// left out, and so are edges touching them. Pending geometry wins over the
// stored values.
func Build(all []cards.Card, conns []cards.Connection, pending map[string]Geometry) *Graph {
	g := &Graph{Nodes: []Node{}, Edges: []Edge{}}
	visible := make(map[string]bool, len(all))

	for _, c := range all {
		if c.Stashed {
			continue
		}
		n := Node{
			ID:   c.ID,
			Size: cards.Size{Width: DefaultCardWidth, Height: DefaultCardHeight},
			Card: c.Clone(),
		}
		if c.Position != nil {
			n.Position = *c.Position
		} else {
			n.Position = GridPosition(len(g.Nodes))
		}
		if c.Size != nil && c.Size.Width > 0 && c.Size.Height > 0 {
			n.Size = *c.Size
		}
		if p, ok := pending[c.ID]; ok {
			n.apply(p)
		}
		visible[c.ID] = true
		g.Nodes = append(g.Nodes, n)
	}

	for _, conn := range conns {
		if !visible[conn.SourceCardID] || !visible[conn.TargetCardID] {
			continue
		}
		g.Edges = append(g.Edges, Edge{
			ID:     conn.ID,
			Source: conn.SourceCardID,
			Target: conn.TargetCardID,
			Type:   conn.ConnectionType,
			Label:  conn.Label,
			Style:  StyleFor(conn.ConnectionType),
		})
	}
	g.Empty = len(g.Nodes) == 0
	return g
}

func (n *Node) apply(p Geometry) {
	if p.Position != nil {
		n.Position = *p.Position
	}
	if p.Size != nil {
		n.Size = *p.Size
	}
}

func (g *Graph) clone() *Graph {
	out := *g
	out.Nodes = make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		n.Card = n.Card.Clone()
		out.Nodes[i] = n
	}
	out.Edges = append([]Edge{}, g.Edges...)
	return &out
}

func (g *Graph) node(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}
