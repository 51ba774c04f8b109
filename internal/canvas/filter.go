package canvas

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// DateRange limits cards by creation time.
type DateRange string

const (
	RangeAll        DateRange = "all"
	RangeLast7Days  DateRange = "last7days"
	RangeLast30Days DateRange = "last30days"
)

const day = 24 * time.Hour

// FilterState selects the visible subset of cards. Domains may hold
// doublestar patterns such as "*.wikipedia.org".
type FilterState struct {
	Query       string    `json:"searchQuery" validate:"max=500"`
	StarredOnly bool      `json:"starredOnly"`
	Domains     []string  `json:"selectedDomains"`
	Tags        []string  `json:"selectedTags"`
	DateRange   DateRange `json:"dateRange" validate:"omitempty,oneof=all last7days last30days"`
}

// DefaultFilters shows everything.
func DefaultFilters() FilterState {
	return FilterState{Domains: []string{}, Tags: []string{}, DateRange: RangeAll}
}

// Apply returns the cards that pass every active filter. The input is not
// modified.
func Apply(in []cards.Card, f FilterState, now time.Time) []cards.Card {
	query := strings.ToLower(strings.TrimSpace(f.Query))
	var cutoff int64
	switch f.DateRange {
	case RangeLast7Days:
		cutoff = now.Add(-7 * day).UnixMilli()
	case RangeLast30Days:
		cutoff = now.Add(-30 * day).UnixMilli()
	}

	out := make([]cards.Card, 0, len(in))
	for _, c := range in {
		if query != "" && !matchesQuery(&c, query) {
			continue
		}
		if f.StarredOnly && !c.Starred {
			continue
		}
		if len(f.Domains) > 0 && !matchesDomain(c.Metadata.Domain, f.Domains) {
			continue
		}
		if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, func(t string) bool { return slices.Contains(c.Tags, t) }) {
			continue
		}
		if cutoff > 0 && c.CreatedAt < cutoff {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchesQuery(c *cards.Card, q string) bool {
	if strings.Contains(strings.ToLower(c.Metadata.Title), q) ||
		strings.Contains(strings.ToLower(c.Metadata.Domain), q) ||
		strings.Contains(strings.ToLower(c.Content), q) {
		return true
	}
	for _, t := range c.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func matchesDomain(domain string, patterns []string) bool {
	for _, p := range patterns {
		if p == domain {
			return true
		}
		if ok, err := doublestar.Match(p, domain); err == nil && ok {
			return true
		}
	}
	return false
}

// Domains lists the distinct domains of cs, sorted.
func Domains(cs []cards.Card) []string {
	return distinct(cs, func(c cards.Card) []string { return []string{c.Metadata.Domain} })
}

// Tags lists the distinct tags of cs, sorted.
func Tags(cs []cards.Card) []string {
	return distinct(cs, func(c cards.Card) []string { return c.Tags })
}

func distinct(cs []cards.Card, values func(cards.Card) []string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, c := range cs {
		for _, v := range values(c) {
			if v != "" && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	sort.Strings(out)
	return out
}

// KV is the part of a key-value store the filter store needs.
type KV interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// FilterStore keeps the filter state for the current run. It is backed by
// the session area, so filters reset on restart.
type FilterStore struct {
	kv KV
}

// NewFilterStore creates a filter store over the session area.
func NewFilterStore(kv KV) *FilterStore {
	return &FilterStore{kv: kv}
}

// Load returns the saved filters, or the defaults.
func (s *FilterStore) Load(ctx context.Context) (FilterState, error) {
	f := DefaultFilters()
	if _, err := s.kv.Get(ctx, storage.KeyFilters, &f); err != nil {
		return DefaultFilters(), fmt.Errorf("loading filters: %w", err)
	}
	return f, nil
}

// Save validates and stores f.
func (s *FilterStore) Save(ctx context.Context, f FilterState) error {
	if err := api.Validate(&f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	for _, p := range f.Domains {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: domain pattern %q", ErrInvalidFilter, p)
		}
	}
	if f.DateRange == "" {
		f.DateRange = RangeAll
	}
	if f.Domains == nil {
		f.Domains = []string{}
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}
	return s.kv.Set(ctx, storage.KeyFilters, f)
}
