// Package search keeps a semantic index of cards for free-text search and
// related-card suggestions. The index lives in memory and follows the card
// store through the event bus.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/embeddings"
	"github.com/ziadkadry99/nabokov/internal/events"
)

const (
	collectionName = "cards"
	indexFile      = "search.gob.gz"
	defaultLimit   = 10
	snippetLen     = 160
)

// ErrNotIndexed is returned by Related for a card the index does not hold.
var ErrNotIndexed = errors.New("card not indexed")

// CardSource is the slice of the card store the index reads.
type CardSource interface {
	List(ctx context.Context) ([]cards.Card, error)
	Get(ctx context.Context, id string) (*cards.Card, error)
}

// Filter narrows a search.
type Filter struct {
	Domain         string
	CardType       cards.CardType
	IncludeStashed bool
}

// Hit is one search result.
type Hit struct {
	CardID     string         `json:"cardId"`
	Title      string         `json:"title"`
	Domain     string         `json:"domain,omitempty"`
	CardType   cards.CardType `json:"cardType"`
	Snippet    string         `json:"snippet"`
	Similarity float32        `json:"similarity"`
}

// Index is a chromem-go collection of card documents.
type Index struct {
	source    CardSource
	embedder  embeddings.Embedder
	embedFunc chromem.EmbeddingFunc
	logger    *zap.Logger

	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection

	events chan events.Event
	done   chan struct{}
	once   sync.Once
	// OnIndexed, when set, is called after each background update.
	OnIndexed func(count int)
}

// NewIndex creates an empty index over source.
func NewIndex(source CardSource, embedder embeddings.Embedder, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &Index{
		source:    source,
		embedder:  embedder,
		embedFunc: embeddings.ToChromemFunc(embedder),
		logger:    logger,
		events:    make(chan events.Event, 256),
		done:      make(chan struct{}),
	}
	db, col, err := ix.newCollection()
	if err != nil {
		return nil, err
	}
	ix.db, ix.col = db, col
	return ix, nil
}

func (ix *Index) newCollection() (*chromem.DB, *chromem.Collection, error) {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collectionName, nil, ix.embedFunc)
	if err != nil {
		return nil, nil, fmt.Errorf("create collection: %w", err)
	}
	return db, col, nil
}

// Embedder returns the embedder name, for status output.
func (ix *Index) Embedder() string { return ix.embedder.Name() }

// Count returns the number of indexed cards.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.col.Count()
}

// Index adds or replaces the document for c.
func (ix *Index) Index(ctx context.Context, c cards.Card) error {
	doc := document(c)
	ix.mu.RLock()
	col := ix.col
	ix.mu.RUnlock()

	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("indexing card %s: %w", c.ID, err)
	}
	return nil
}

// Remove drops the card's document. Unknown ids are ignored.
func (ix *Index) Remove(ctx context.Context, id string) error {
	ix.mu.RLock()
	col := ix.col
	ix.mu.RUnlock()
	return col.Delete(ctx, nil, nil, id)
}

// Rebuild replaces the index with every card in the source.
func (ix *Index) Rebuild(ctx context.Context) (int, error) {
	all, err := ix.source.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing cards: %w", err)
	}
	db, col, err := ix.newCollection()
	if err != nil {
		return 0, err
	}
	docs := make([]chromem.Document, 0, len(all))
	for _, c := range all {
		docs = append(docs, document(c))
	}
	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, 1); err != nil {
			return 0, fmt.Errorf("indexing cards: %w", err)
		}
	}

	ix.mu.Lock()
	ix.db, ix.col = db, col
	ix.mu.Unlock()

	ix.logger.Info("search index rebuilt", zap.Int("cards", len(docs)), zap.String("embedder", ix.embedder.Name()))
	return len(docs), nil
}

// Search returns the cards closest to query, best first.
func (ix *Index) Search(ctx context.Context, query string, limit int, f Filter) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Hit{}, nil
	}
	vec, err := ix.embedFunc(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return ix.query(ctx, vec, limit, f, "")
}

// Related returns the cards most similar to cardID, excluding itself.
func (ix *Index) Related(ctx context.Context, cardID string, limit int) ([]Hit, error) {
	ix.mu.RLock()
	col := ix.col
	ix.mu.RUnlock()

	doc, err := col.GetByID(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cardID, ErrNotIndexed)
	}
	return ix.query(ctx, doc.Embedding, limit, Filter{}, cardID)
}

func (ix *Index) query(ctx context.Context, vec []float32, limit int, f Filter, skip string) ([]Hit, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	ix.mu.RLock()
	col := ix.col
	ix.mu.RUnlock()

	where := f.where()
	n := limit
	if skip != "" {
		n++
	}
	// chromem rejects nResults above the document count.
	if count := col.Count(); count == 0 {
		return []Hit{}, nil
	} else if n > count {
		n = count
	}

	res, err := col.QueryEmbedding(ctx, vec, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]Hit, 0, len(res))
	for _, r := range res {
		if r.ID == skip {
			continue
		}
		hits = append(hits, hitFrom(r))
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (f Filter) where() map[string]string {
	w := map[string]string{}
	if !f.IncludeStashed {
		w["stashed"] = "false"
	}
	if f.Domain != "" {
		w["domain"] = f.Domain
	}
	if f.CardType != "" {
		w["card_type"] = string(f.CardType)
	}
	if len(w) == 0 {
		return nil
	}
	return w
}

// Persist writes the index to dir so the next start can skip embedding.
func (ix *Index) Persist(dir string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return ix.db.ExportToFile(filepath.Join(dir, indexFile), true, "")
}

// Load restores an index written by Persist. A missing file is reported as
// os.ErrNotExist.
func (ix *Index) Load(dir string) error {
	path := filepath.Join(dir, indexFile)
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db := chromem.NewDB()
	if err := db.ImportFromFile(path, ""); err != nil {
		return fmt.Errorf("import from file: %w", err)
	}
	col := db.GetCollection(collectionName, ix.embedFunc)
	if col == nil {
		return fmt.Errorf("collection %q not found after import", collectionName)
	}
	ix.mu.Lock()
	ix.db, ix.col = db, col
	ix.mu.Unlock()
	return nil
}

func document(c cards.Card) chromem.Document {
	text := plainText(c.Content)
	if c.BeautifiedContent != "" {
		text = plainText(c.BeautifiedContent)
	}
	content := strings.TrimSpace(c.Title() + "\n" + text)
	return chromem.Document{
		ID:      c.ID,
		Content: content,
		Metadata: map[string]string{
			"title":     c.Title(),
			"domain":    c.Metadata.Domain,
			"card_type": string(c.CardType),
			"stashed":   strconv.FormatBool(c.Stashed),
		},
	}
}

func hitFrom(r chromem.Result) Hit {
	body := r.Content
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}
	if rs := []rune(body); len(rs) > snippetLen {
		body = string(rs[:snippetLen]) + "..."
	}
	return Hit{
		CardID:     r.ID,
		Title:      r.Metadata["title"],
		Domain:     r.Metadata["domain"],
		CardType:   cards.CardType(r.Metadata["card_type"]),
		Snippet:    body,
		Similarity: r.Similarity,
	}
}

// plainText returns the visible text of an HTML fragment with whitespace
// collapsed. Plain text passes through unchanged apart from whitespace.
func plainText(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isHidden(name) {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if name, _ := z.TagName(); isHidden(name) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isHidden(tag []byte) bool {
	switch string(tag) {
	case "script", "style", "noscript", "template":
		return true
	}
	return false
}
