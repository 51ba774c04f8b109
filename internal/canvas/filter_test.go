package canvas

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

var now = time.UnixMilli(1_750_000_000_000)

func sample() []cards.Card {
	return []cards.Card{
		{ID: "1", Content: "<p>Goroutines</p>", Starred: true, Tags: []string{"go"},
			Metadata: cards.CardMetadata{Title: "Concurrency", Domain: "go.dev"}, CreatedAt: now.Add(-time.Hour).UnixMilli()},
		{ID: "2", Content: "<p>Byzantium</p>", Tags: []string{"history", "empire"},
			Metadata: cards.CardMetadata{Title: "Rome", Domain: "en.wikipedia.org"}, CreatedAt: now.Add(-10 * day).UnixMilli()},
		{ID: "3", Content: "<p>Tides</p>", Tags: []string{},
			Metadata: cards.CardMetadata{Title: "Moon", Domain: "de.wikipedia.org"}, CreatedAt: now.Add(-40 * day).UnixMilli()},
	}
}

func ids(cs []cards.Card) []string {
	out := []string{}
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		f    FilterState
		want []string
	}{
		{"defaults", DefaultFilters(), []string{"1", "2", "3"}},
		{"query title", FilterState{Query: "ROME"}, []string{"2"}},
		{"query content", FilterState{Query: "tides"}, []string{"3"}},
		{"query tag", FilterState{Query: "emp"}, []string{"2"}},
		{"starred", FilterState{StarredOnly: true}, []string{"1"}},
		{"exact domain", FilterState{Domains: []string{"go.dev"}}, []string{"1"}},
		{"glob domain", FilterState{Domains: []string{"*.wikipedia.org"}}, []string{"2", "3"}},
		{"tags any", FilterState{Tags: []string{"go", "history"}}, []string{"1", "2"}},
		{"last 7 days", FilterState{DateRange: RangeLast7Days}, []string{"1"}},
		{"last 30 days", FilterState{DateRange: RangeLast30Days}, []string{"1", "2"}},
		{"combined", FilterState{Domains: []string{"*.wikipedia.org"}, DateRange: RangeLast30Days}, []string{"2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Apply(sample(), tt.f, now)))
		})
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	in := sample()
	Apply(in, FilterState{StarredOnly: true, Query: "go"}, now)
	assert.Equal(t, sample(), in)
}

func TestStarredOnlySingleCard(t *testing.T) {
	in := []cards.Card{{ID: "only", Starred: true}}
	assert.Equal(t, []string{"only"}, ids(Apply(in, FilterState{StarredOnly: true}, now)))
}

func TestFacets(t *testing.T) {
	assert.Equal(t, []string{"de.wikipedia.org", "en.wikipedia.org", "go.dev"}, Domains(sample()))
	assert.Equal(t, []string{"empire", "go", "history"}, Tags(sample()))
}

func TestFilterStore(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	fs := NewFilterStore(storage.NewStore(database, storage.AreaSession))
	ctx := context.Background()

	f, err := fs.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultFilters(), f)

	require.NoError(t, fs.Save(ctx, FilterState{Query: "go", StarredOnly: true}))
	f, err = fs.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, FilterState{Query: "go", StarredOnly: true, Domains: []string{}, Tags: []string{}, DateRange: RangeAll}, f)

	assert.ErrorIs(t, fs.Save(ctx, FilterState{Domains: []string{"[bad"}}), ErrInvalidFilter)
	assert.ErrorIs(t, fs.Save(ctx, FilterState{DateRange: "forever"}), ErrInvalidFilter)
}
