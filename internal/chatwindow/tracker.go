package chatwindow

import "sync"

// Placement is where a tracked window sits on the page.
type Placement struct {
	Position      Point `json:"position"`
	Offset        Point `json:"anchorOffset"`
	Dragging      bool  `json:"dragging"`
	AnchorMissing bool  `json:"anchorMissing"`
	// Strategy is the one that last found the anchor.
	Strategy Strategy `json:"strategy,omitempty"`
}

// Tracker keeps a window glued to its anchor element. The page drives it
// with Tick whenever layout may have changed (scroll, resize, mutation).
type Tracker struct {
	resolver *Resolver

	mu     sync.Mutex
	desc   Descriptor
	anchor Rect
	p      Placement
}

// NewTracker starts tracking d with the window offset from the anchor's
// top-left corner.
func NewTracker(d Descriptor, offset Point, r *Resolver) *Tracker {
	if r == nil {
		r = NewResolver()
	}
	t := &Tracker{resolver: r, desc: d, anchor: d.Rect}
	t.p.Offset = offset
	t.p.Position = t.place()
	return t
}

func (t *Tracker) place() Point {
	return Point{X: t.anchor.Left + t.p.Offset.X, Y: t.anchor.Top + t.p.Offset.Y}
}

// Tick re-resolves the anchor and recomputes the window position. While the
// user drags, or after the anchor went missing, the position is left alone.
func (t *Tracker) Tick(loc Locator) Placement {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.p.AnchorMissing {
		return t.p
	}
	rect, s, ok := t.resolver.Resolve(loc, t.desc)
	if !ok {
		t.p.AnchorMissing = true
		t.p.Strategy = ""
		return t.p
	}
	t.anchor = rect
	t.desc.Rect = rect
	t.p.Strategy = s
	if !t.p.Dragging {
		t.p.Position = t.place()
	}
	return t.p
}

// BeginDrag stops the window from following its anchor.
func (t *Tracker) BeginDrag() Placement {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Dragging = true
	return t.p
}

// Drag moves the window while dragging.
func (t *Tracker) Drag(pos Point) Placement {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Position = pos
	return t.p
}

// EndDrag drops the window at pos and recaptures the offset from the
// anchor, so later ticks keep it where the user left it.
func (t *Tracker) EndDrag(pos Point) Placement {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Dragging = false
	t.p.Position = pos
	if !t.p.AnchorMissing {
		t.p.Offset = Point{X: pos.X - t.anchor.Left, Y: pos.Y - t.anchor.Top}
	}
	return t.p
}

// Reposition re-attaches a window whose anchor went missing. The anchor is
// looked up again and the window lands at pos; if the anchor still cannot
// be found the window stays detached at pos and ErrAnchorMissing is
// returned.
func (t *Tracker) Reposition(loc Locator, pos Point) (Placement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Dragging = false
	t.p.Position = pos

	rect, s, ok := t.resolver.Resolve(loc, t.desc)
	if !ok {
		t.p.AnchorMissing = true
		t.p.Strategy = ""
		return t.p, ErrAnchorMissing
	}
	t.anchor = rect
	t.desc.Rect = rect
	t.p.AnchorMissing = false
	t.p.Strategy = s
	t.p.Offset = Point{X: pos.X - rect.Left, Y: pos.Y - rect.Top}
	return t.p, nil
}

// Placement returns the current placement.
func (t *Tracker) Placement() Placement {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}

// Descriptor returns the anchor descriptor with its last known rect.
func (t *Tracker) Descriptor() Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc
}
