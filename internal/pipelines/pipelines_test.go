package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/llm"
	"github.com/ziadkadry99/nabokov/internal/prompts"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// scriptedGateway answers every call with reply, streamed in 4-byte chunks.
type scriptedGateway struct {
	mu     sync.Mutex
	reply  string
	err    error
	calls  []llm.Options
	prompt []string
	// cancel, when set, is called after the first chunk or on SendMessage.
	cancel context.CancelFunc
}

func (g *scriptedGateway) record(msgs []llm.Message, opts llm.Options) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, opts)
	g.prompt = append(g.prompt, msgs[len(msgs)-1].Content)
}

func (g *scriptedGateway) SendMessage(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	g.record(msgs, opts)
	if g.cancel != nil {
		g.cancel()
	}
	if ctx.Err() != nil {
		return "", llm.ErrCancelled
	}
	return g.reply, g.err
}

func (g *scriptedGateway) Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, onChunk func(string)) (string, error) {
	g.record(msgs, opts)
	if g.err != nil {
		return "", g.err
	}
	var sent strings.Builder
	for i := 0; i < len(g.reply); i += 4 {
		if ctx.Err() != nil {
			return sent.String(), llm.ErrCancelled
		}
		chunk := g.reply[i:min(i+4, len(g.reply))]
		sent.WriteString(chunk)
		onChunk(chunk)
		if g.cancel != nil {
			g.cancel()
		}
	}
	return g.reply, nil
}

func setup(t *testing.T, gw Gateway) (*Service, *cards.Store, *prompts.ButtonStore) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	kv := storage.NewStore(database, storage.AreaLocal)
	store := cards.NewStore(kv, nil)
	buttons := prompts.NewButtonStore(kv)
	clock := func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return New(store, buttons, gw, WithClock(clock)), store, buttons
}

func saveSource(t *testing.T, store *cards.Store) *cards.Card {
	t.Helper()
	c, err := store.Save(context.Background(), cards.Card{
		Content:  "<p>Goroutines are lightweight threads managed by the Go runtime.</p>",
		Metadata: cards.CardMetadata{Title: "Goroutines", Domain: "go.dev", URL: "https://go.dev/tour"},
		Position: &cards.Position{X: 100, Y: 200},
		Size:     &cards.Size{Width: 320, Height: 240},
		Tags:     []string{"go"},
	})
	require.NoError(t, err)
	return c
}

func collect() (*[]string, func(string)) {
	var chunks []string
	return &chunks, func(s string) { chunks = append(chunks, s) }
}

func TestGenerateFromButton(t *testing.T) {
	gw := &scriptedGateway{reply: "First paragraph.\n\nSecond paragraph."}
	svc, store, _ := setup(t, gw)
	src := saveSource(t, store)
	chunks, onChunk := collect()

	res, err := svc.GenerateFromButton(context.Background(),
		ButtonRequest{CardID: src.ID, ButtonID: "summarize", CustomContext: "scheduling"}, onChunk)
	require.NoError(t, err)

	assert.Equal(t, gw.reply, strings.Join(*chunks, ""))
	assert.Contains(t, gw.prompt[0], "focusing on scheduling")
	assert.Contains(t, gw.prompt[0], "Title: Goroutines")
	assert.Contains(t, gw.calls[0].System, "Goroutines")

	card := res.Card
	assert.Equal(t, cards.CardTypeGenerated, card.CardType)
	assert.Equal(t, "Summarize: Goroutines", card.Metadata.Title)
	assert.Equal(t, "ai-generated", card.Metadata.Domain)
	assert.Equal(t, &cards.Position{X: 480, Y: 200}, card.Position)
	assert.Equal(t, &cards.Size{Width: 400, Height: 300}, card.Size)
	assert.Equal(t, []string{"ai-generated", "summarize"}, card.Tags)
	assert.Equal(t, src.ID, card.ParentCardID)
	assert.Equal(t, "<p>First paragraph.</p><p>Second paragraph.</p>", card.Content)
	require.Len(t, card.Conversation, 2)
	assert.Equal(t, "assistant", card.Conversation[1].Role)
	require.NotNil(t, card.GenerationContext)
	assert.Equal(t, "summarize", card.GenerationContext.ButtonID)
	assert.Equal(t, card.Conversation[0].ID, card.GenerationContext.SourceMessageID)

	conn := res.Connection
	assert.Equal(t, src.ID, conn.SourceCardID)
	assert.Equal(t, card.ID, conn.TargetCardID)
	assert.Equal(t, cards.ConnGeneratedFrom, conn.ConnectionType)
	assert.Equal(t, "Summarize: scheduling", conn.Label)
	assert.Equal(t, "user", conn.Metadata.CreatedBy)
}

func TestGenerateFromButtonUnknownButton(t *testing.T) {
	svc, store, _ := setup(t, &scriptedGateway{reply: "x"})
	src := saveSource(t, store)

	_, err := svc.GenerateFromButton(context.Background(), ButtonRequest{CardID: src.ID, ButtonID: "nope"}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancelledGenerationWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &scriptedGateway{reply: "a long answer that never finishes", cancel: cancel}
	svc, store, _ := setup(t, gw)
	src := saveSource(t, store)

	_, err := svc.GenerateFromButton(ctx, ButtonRequest{CardID: src.ID, ButtonID: "expand"}, func(string) {})
	assert.ErrorIs(t, err, llm.ErrCancelled)

	all, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	conns, err := store.ListConnections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestParseChild(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		title string
		tags  []string
	}{
		{"fenced", "Here you go:\n```json\n{\"title\":\"Channels\",\"content\":\"<p>pipes</p>\",\"tags\":[\"go\"]}\n```", "Channels", []string{"go"}},
		{"bare", `Sure. {"title":"Select","content":"<p>waits</p>","tags":[]} Done.`, "Select", []string{}},
		{"missing title", `{"content":"<p>x</p>"}`, fallbackChildTitle, []string{}},
		{"not json", "just prose", fallbackChildTitle, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseChild(tt.raw)
			assert.Equal(t, tt.title, got.Title)
			assert.Equal(t, tt.tags, got.Tags)
			assert.NotEmpty(t, got.Content)
		})
	}
	assert.Equal(t, "<p>just prose</p>", parseChild("just prose").Content)
}

func TestGenerateChild(t *testing.T) {
	gw := &scriptedGateway{reply: "```json\n{\"title\":\"Runtime\",\"content\":\"<p>The scheduler.</p>\",\"tags\":[\"go\",\"runtime\"]}\n```"}
	svc, store, _ := setup(t, gw)
	parent := saveSource(t, store)

	res, err := svc.GenerateChild(context.Background(), ChildRequest{
		ParentID:  parent.ID,
		Selection: prompts.Selection{Text: "Go runtime"},
		Type:      prompts.ChildExplanation,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Runtime", res.Card.Metadata.Title)
	assert.Equal(t, "<p>The scheduler.</p>", res.Card.Content)
	assert.Equal(t, []string{"ai-generated", "explanation", "go", "runtime"}, res.Card.Tags)
	assert.Equal(t, "Go runtime", res.Card.GenerationContext.SelectedText)
	assert.Equal(t, cards.ConnGeneratedFrom, res.Connection.ConnectionType)
	assert.Equal(t, "ai", res.Connection.Metadata.CreatedBy)
	assert.Contains(t, gw.prompt[0], "Go runtime")
}

func TestGenerateChildRejectsBadType(t *testing.T) {
	svc, store, _ := setup(t, &scriptedGateway{reply: "{}"})
	parent := saveSource(t, store)

	_, err := svc.GenerateChild(context.Background(), ChildRequest{
		ParentID: parent.ID, Selection: prompts.Selection{Text: "x"}, Type: "poem",
	}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func connect(t *testing.T, store *cards.Store, from, to string) {
	t.Helper()
	_, err := store.AddConnection(context.Background(), cards.Connection{SourceCardID: from, TargetCardID: to})
	require.NoError(t, err)
}

func TestReadiness(t *testing.T) {
	svc, store, _ := setup(t, &scriptedGateway{})
	ctx := context.Background()
	target, err := store.Save(ctx, cards.Card{Metadata: cards.CardMetadata{Title: "Empty note"}, CardType: cards.CardTypeNote})
	require.NoError(t, err)

	r, err := svc.Readiness(ctx, target.ID, "", "")
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, "Connect this card to other notes first", r.Message)

	blank, err := store.Save(ctx, cards.Card{Content: "<p> </p>", Metadata: cards.CardMetadata{Title: "Blank"}})
	require.NoError(t, err)
	connect(t, store, blank.ID, target.ID)
	r, err = svc.Readiness(ctx, target.ID, cards.DirectionIncoming, "")
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, "Connected cards have no content", r.Message)

	src := saveSource(t, store)
	connect(t, store, src.ID, target.ID)
	r, err = svc.Readiness(ctx, target.ID, cards.DirectionIncoming, prompts.StrategyMerge)
	require.NoError(t, err)
	assert.True(t, r.Ready)
	assert.Equal(t, 1, r.ConnectedCount)
	assert.Equal(t, "Will merge synthesis with existing content using 1 connected card.", r.Preview)

	r, err = svc.Readiness(ctx, target.ID, cards.DirectionOutgoing, "")
	require.NoError(t, err)
	assert.False(t, r.Ready)
}

func TestFillInStrategies(t *testing.T) {
	tests := []struct {
		strategy prompts.Strategy
		want     string
	}{
		{prompts.StrategyReplace, "<h2>Synthesis</h2>\n"},
		{prompts.StrategyMerge, "<h2>Synthesis</h2>\n"},
		{prompts.StrategyAppend, "<p>Existing.</p>\n<h2>Synthesis</h2>\n"},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			gw := &scriptedGateway{reply: "## Synthesis"}
			svc, store, _ := setup(t, gw)
			ctx := context.Background()
			target, err := store.Save(ctx, cards.Card{Content: "<p>Existing.</p>", Metadata: cards.CardMetadata{Title: "Target"}})
			require.NoError(t, err)
			src := saveSource(t, store)
			connect(t, store, target.ID, src.ID)

			updated, err := svc.FillIn(ctx, FillInRequest{CardID: target.ID, Strategy: tt.strategy, Guidance: "be brief"}, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.want, updated.Content)
			require.Len(t, updated.FillInHistory, 1)
			h := updated.FillInHistory[0]
			assert.Equal(t, []string{src.ID}, h.SourceCardIDs)
			assert.Equal(t, string(tt.strategy), h.Strategy)
			assert.Equal(t, "be brief", h.UserPrompt)
			assert.Equal(t, "<p>Existing.</p>", h.PreviousContent)

			assert.Equal(t, prompts.FillInSystemPrompt(tt.strategy), gw.calls[0].System)
			assert.Contains(t, gw.prompt[0], "[Connected Card 1: \"Goroutines\"]")
			assert.Contains(t, gw.prompt[0], `"be brief"`)
		})
	}
}

func TestFillInNotReady(t *testing.T) {
	svc, store, _ := setup(t, &scriptedGateway{reply: "x"})
	target := saveSource(t, store)

	_, err := svc.FillIn(context.Background(), FillInRequest{CardID: target.ID}, nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestBeautifyAndRevert(t *testing.T) {
	gw := &scriptedGateway{reply: "```markdown\n## Goroutines\n\n- **cheap**\n```"}
	svc, store, _ := setup(t, gw)
	src := saveSource(t, store)
	ctx := context.Background()

	card, err := svc.Beautify(ctx, BeautifyRequest{CardID: src.ID})
	require.NoError(t, err)
	assert.Equal(t, src.Content, card.Content)
	assert.Equal(t, src.Content, card.OriginalHTML)
	assert.Contains(t, card.BeautifiedContent, "<h2")
	assert.Contains(t, card.BeautifiedContent, "<strong>cheap</strong>")
	assert.Equal(t, string(prompts.ModeOrganizeContent), card.BeautificationMode)
	require.NotNil(t, gw.calls[0].Temperature)
	assert.Equal(t, 0.7, *gw.calls[0].Temperature)
	assert.Equal(t, src.Content, strings.TrimPrefix(gw.prompt[0], "Please beautify the following HTML content into clean GitHub-flavored Markdown:\n\n"))

	// Beautifying again works from the original, not the previous rendition.
	card, err = svc.Beautify(ctx, BeautifyRequest{CardID: src.ID})
	require.NoError(t, err)
	assert.Equal(t, src.Content, card.OriginalHTML)
	assert.Contains(t, gw.prompt[1], src.Content)

	card, err = svc.Revert(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, src.Content, card.Content)
	assert.Empty(t, card.BeautifiedContent)
	assert.Empty(t, card.OriginalHTML)
	assert.Zero(t, card.BeautifiedAt)

	_, err = svc.Revert(ctx, src.ID)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestBeautifyFallsBackOnGatewayError(t *testing.T) {
	gw := &scriptedGateway{err: &llm.APIError{Status: 500, Message: "boom"}}
	svc, store, _ := setup(t, gw)
	src := saveSource(t, store)

	card, err := svc.Beautify(context.Background(), BeautifyRequest{CardID: src.ID})
	require.NoError(t, err)
	assert.Contains(t, card.BeautifiedContent, "<h2>Overview</h2>")
}

func TestBeautifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, store, _ := setup(t, &scriptedGateway{reply: "## x", cancel: cancel})
	src := saveSource(t, store)

	_, err := svc.Beautify(ctx, BeautifyRequest{CardID: src.ID})
	assert.ErrorIs(t, err, llm.ErrCancelled)

	stored, err := store.Get(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.BeautifiedContent)
}

func TestMockFallbackWithoutKey(t *testing.T) {
	provider := llm.NewAnthropicProvider("http://127.0.0.1:0", llm.StaticKey(""), "")
	gw := llm.NewGateway(provider, llm.WithKeys(llm.StaticKey("")), llm.WithMock(llm.NewMockGenerator()))
	svc, store, _ := setup(t, gw)
	src := saveSource(t, store)

	chunks, onChunk := collect()
	started := time.Now()
	res, err := svc.GenerateFromButton(context.Background(), ButtonRequest{CardID: src.ID, ButtonID: "summarize"}, onChunk)
	require.NoError(t, err)
	elapsed := time.Since(started)

	assert.NotEmpty(t, res.Card.Content)
	require.Greater(t, len(*chunks), 1)
	assert.GreaterOrEqual(t, elapsed, time.Duration(len(*chunks))*30*time.Millisecond)
	assert.Less(t, elapsed, time.Duration(len(*chunks))*80*time.Millisecond+time.Second)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusRequestTimeout, StatusFor(llm.ErrCancelled))
	assert.Equal(t, http.StatusBadRequest, StatusFor(ErrNotReady))
	assert.Equal(t, http.StatusBadGateway, StatusFor(&llm.APIError{Status: 500}))
	assert.Equal(t, http.StatusNotFound, StatusFor(cards.ErrNotFound))
	assert.Equal(t, http.StatusInsufficientStorage, StatusFor(storage.ErrQuotaExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("x")))
}

func setupRouter(t *testing.T, gw Gateway) (chi.Router, *cards.Store) {
	t.Helper()
	svc, store, buttons := setup(t, gw)
	r := chi.NewRouter()
	RegisterRoutes(r, svc, buttons)
	return r, store
}

func TestButtonRoutes(t *testing.T) {
	r, _ := setupRouter(t, &scriptedGateway{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/buttons/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []prompts.Button
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 5)

	body := `[{"id":"quiz","label":"Quiz","icon":"?","prompt":"Quiz me on {{title}}","connectionType":"related","enabled":true}]`
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/api/buttons/", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/api/buttons/", strings.NewReader(`[{"id":"x"}]`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/buttons/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestButtonRouteJSONAndStream(t *testing.T) {
	r, store := setupRouter(t, &scriptedGateway{reply: "Short answer."})
	src := saveSource(t, store)
	body := `{"cardId":"` + src.ID + `","buttonId":"eli5"}`

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/pipelines/button", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "ELI5: Goroutines", res.Card.Metadata.Title)

	req := httptest.NewRequest("POST", "/api/pipelines/button", strings.NewReader(body))
	req.Header.Set("Accept", "text/event-stream")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, `data: {"delta":{"text":"Shor"}}`)
	assert.Contains(t, out, `data: {"result":`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestPipelineRouteValidation(t *testing.T) {
	r, _ := setupRouter(t, &scriptedGateway{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/pipelines/child", strings.NewReader(`{"parentId":"x","generationType":"poem","selection":{"text":"a"}}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/pipelines/fill-in/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
