package chatwindow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeHTML(t *testing.T) {
	rect := Rect{Top: 10, Left: 20, Width: 300, Height: 40}
	d, err := DescribeHTML(`<p id="intro" class="lead big" data-nabokov-chat-id="c1">Hello <b>world</b></p>`, "", rect)
	require.NoError(t, err)

	assert.Equal(t, "c1", d.ChatID)
	assert.Equal(t, "p", d.TagName)
	assert.Equal(t, "intro", d.ID)
	assert.Equal(t, []string{"lead", "big"}, d.Classes)
	assert.Equal(t, "#intro", d.CSSSelector)
	assert.Equal(t, `//*[@id="intro"]`, d.XPath)
	assert.Equal(t, "Hello world", d.TextPreview)
	assert.Equal(t, rect, d.Rect)
}

func TestDescribeHTMLWithoutID(t *testing.T) {
	d, err := DescribeHTML(`<div class="card  note">text</div>`, "chat-1", Rect{})
	require.NoError(t, err)
	assert.Equal(t, "chat-1", d.ChatID)
	assert.Equal(t, "div.card.note", d.CSSSelector)
	assert.Empty(t, d.XPath)

	d, err = DescribeHTML(`<section>text</section>`, "chat-1", Rect{})
	require.NoError(t, err)
	assert.Equal(t, "section", d.CSSSelector)
	assert.Equal(t, []string{}, d.Classes)
}

func TestDescribeHTMLTruncatesPreview(t *testing.T) {
	long := strings.Repeat("é", 150)
	d, err := DescribeHTML("<p>"+long+"</p>", "c", Rect{})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 100)+"...", d.TextPreview)
}

func TestDescribeHTMLErrors(t *testing.T) {
	_, err := DescribeHTML(`just text`, "c", Rect{})
	assert.Error(t, err)

	_, err = DescribeHTML(`<p>no chat id</p>`, "", Rect{})
	assert.Error(t, err)
}

func TestResolverOrder(t *testing.T) {
	d := Descriptor{ChatID: "c1", ID: "intro", CSSSelector: "#intro", XPath: `//*[@id="intro"]`}
	byCSS := Rect{Top: 1}
	byID := Rect{Top: 2}
	byChat := Rect{Top: 3}

	tests := []struct {
		name   string
		layout Layout
		want   Rect
		via    Strategy
		found  bool
	}{
		{"chat id wins", Layout{{CSSSelector: "#intro", Rect: byCSS}, {ChatID: "c1", Rect: byChat}}, byChat, StrategyChatID, true},
		{"falls back to id", Layout{{CSSSelector: "#intro", Rect: byCSS}, {ID: "intro", Rect: byID}}, byID, StrategyID, true},
		{"falls back to selector", Layout{{CSSSelector: "#intro", Rect: byCSS}}, byCSS, StrategyCSS, true},
		{"falls back to xpath", Layout{{XPath: `//*[@id="intro"]`, Rect: byID}}, byID, StrategyXPath, true},
		{"missing", Layout{{ID: "other"}}, Rect{}, "", false},
	}
	r := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, via, ok := r.Resolve(tt.layout, d)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.via, via)
		})
	}
}

func TestResolverSkipsEmptyValues(t *testing.T) {
	// An element reporting no id must not match a descriptor with no id.
	d := Descriptor{ChatID: "c1", CSSSelector: "div.x"}
	_, via, ok := NewResolver().Resolve(Layout{{CSSSelector: "div.x", Rect: Rect{Top: 5}}}, d)
	require.True(t, ok)
	assert.Equal(t, StrategyCSS, via)
}

func TestTrackerFollowsAnchor(t *testing.T) {
	d := Descriptor{ChatID: "c1", Rect: Rect{Top: 100, Left: 50}}
	tr := NewTracker(d, Point{X: 10, Y: -20}, nil)
	assert.Equal(t, Point{X: 60, Y: 80}, tr.Placement().Position)

	p := tr.Tick(Layout{{ChatID: "c1", Rect: Rect{Top: 40, Left: 50}}})
	assert.Equal(t, Point{X: 60, Y: 20}, p.Position)
	assert.Equal(t, StrategyChatID, p.Strategy)
	assert.False(t, p.AnchorMissing)
}

func TestTrackerDrag(t *testing.T) {
	d := Descriptor{ChatID: "c1", Rect: Rect{Top: 100, Left: 100}}
	tr := NewTracker(d, Point{X: 0, Y: 0}, nil)

	tr.BeginDrag()
	tr.Drag(Point{X: 300, Y: 300})
	// Scrolling during the drag must not yank the window back.
	p := tr.Tick(Layout{{ChatID: "c1", Rect: Rect{Top: 50, Left: 100}}})
	assert.Equal(t, Point{X: 300, Y: 300}, p.Position)

	p = tr.EndDrag(Point{X: 320, Y: 310})
	assert.False(t, p.Dragging)
	assert.Equal(t, Point{X: 220, Y: 260}, p.Offset)

	p = tr.Tick(Layout{{ChatID: "c1", Rect: Rect{Top: 0, Left: 100}}})
	assert.Equal(t, Point{X: 320, Y: 260}, p.Position)
}

func TestTrackerAnchorMissing(t *testing.T) {
	d := Descriptor{ChatID: "c1", ID: "x", Rect: Rect{Top: 10, Left: 10}}
	tr := NewTracker(d, Point{X: 5, Y: 5}, nil)

	p := tr.Tick(Layout{})
	assert.True(t, p.AnchorMissing)
	frozen := p.Position

	// Frozen even when the element comes back, until repositioned.
	p = tr.Tick(Layout{{ChatID: "c1", Rect: Rect{Top: 500, Left: 500}}})
	assert.True(t, p.AnchorMissing)
	assert.Equal(t, frozen, p.Position)

	p, err := tr.Reposition(Layout{}, Point{X: 1, Y: 1})
	assert.ErrorIs(t, err, ErrAnchorMissing)
	assert.True(t, p.AnchorMissing)
	assert.Equal(t, Point{X: 1, Y: 1}, p.Position)

	p, err = tr.Reposition(Layout{{ID: "x", Rect: Rect{Top: 500, Left: 500}}}, Point{X: 520, Y: 480})
	require.NoError(t, err)
	assert.False(t, p.AnchorMissing)
	assert.Equal(t, Point{X: 20, Y: -20}, p.Offset)
	assert.Equal(t, StrategyID, p.Strategy)

	p = tr.Tick(Layout{{ID: "x", Rect: Rect{Top: 400, Left: 500}}})
	assert.Equal(t, Point{X: 520, Y: 380}, p.Position)
}
