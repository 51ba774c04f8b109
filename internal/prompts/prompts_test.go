package prompts

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{"plain", "Title: {{title}}", map[string]string{"title": "Go"}, "Title: Go"},
		{"default used", "about {{customContext || 'the main topic'}}", map[string]string{}, "about the main topic"},
		{"default double quotes", `about {{customContext || "x"}}`, map[string]string{"customContext": ""}, "about x"},
		{"default overridden", "about {{customContext || 'the main topic'}}", map[string]string{"customContext": "goroutines"}, "about goroutines"},
		{"unknown renders empty", "[{{missing}}]", nil, "[]"},
		{"repeated", "{{a}}-{{a}}", map[string]string{"a": "1"}, "1-1"},
		{"default before plain", "{{a || 'd'}} {{a}}", map[string]string{}, "d "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tmpl, tt.vars))
		})
	}
}

func TestVariables(t *testing.T) {
	got := Variables(DefaultButtons()[0].Prompt)
	assert.ElementsMatch(t, []string{"customContext", "content", "title"}, got)
}

func TestDefaultButtonsRenderCompletely(t *testing.T) {
	source := &cards.Card{Content: "<p>Goroutines are cheap.</p>", Metadata: cards.CardMetadata{Title: "Concurrency"}}
	for _, b := range DefaultButtons() {
		out := Render(b.Prompt, ButtonVars(source, ""))
		assert.NotContains(t, out, "{{", b.ID)
		assert.Contains(t, out, "Concurrency", b.ID)
	}
}

func TestPlainText(t *testing.T) {
	in := `<div><h3>Heading</h3><p>First <strong>bold</strong> line<br>second</p><script>alert(1)</script><ul><li>a</li><li>b</li></ul></div>`
	got := PlainText(in)
	assert.Equal(t, "Heading\nFirst bold line\nsecond\na\nb", got)
}

func TestParagraphsHTML(t *testing.T) {
	got := ParagraphsHTML("one\ntwo\n\nthree <x>")
	assert.Equal(t, "<p>one<br>two</p><p>three &lt;x&gt;</p>", got)
}

func TestSuggestedTitle(t *testing.T) {
	long := strings.Repeat("a", 60)
	assert.Equal(t, "Definition of: entropy", SuggestedTitle("entropy", ChildDefinition))
	assert.Equal(t, "Deep Dive into: "+strings.Repeat("a", 50)+"...", SuggestedTitle(long, ChildDeepDive))
}

func TestChildPromptAsksForJSON(t *testing.T) {
	parent := &cards.Card{Metadata: cards.CardMetadata{Title: "Physics", Domain: "example.org"}}
	p := ChildPrompt(Selection{Text: "entropy", ContextBefore: "the", ContextAfter: "rises"}, parent, ChildExamples)
	assert.True(t, strings.HasPrefix(p, `Give practical use cases and applications of "entropy".`))
	assert.Contains(t, p, "...the [entropy] rises...")
	assert.Contains(t, p, "- Tags: none")
	assert.Contains(t, p, `"title"`)
}

func TestFillInPrompts(t *testing.T) {
	connected := []cards.Card{
		{Content: "<p>alpha</p>", Metadata: cards.CardMetadata{Title: "A", URL: "https://a"}, Tags: []string{"x"}},
		{Content: "<p>beta</p>", Metadata: cards.CardMetadata{Title: "B"}, CardType: cards.CardTypeNote},
	}
	ctx := FillInContext(connected)
	assert.Contains(t, ctx, "[Connected Card 1: \"A\"]\nType: clipped\nSource: https://a\nTags: x\n\nalpha")
	assert.Contains(t, ctx, "[Connected Card 2: \"B\"]\nType: note")

	target := &cards.Card{Metadata: cards.CardMetadata{Title: "T"}}
	user := FillInUserPrompt(target, ctx, "  keep it short ")
	assert.Contains(t, user, "[Empty - needs filling]")
	assert.Contains(t, user, `with the following guidance: "keep it short"`)

	assert.Contains(t, FillInSystemPrompt(StrategyAppend), "appended to the existing content")
	assert.Equal(t, "Will merge synthesis with existing content using 1 connected card.", FillInPreview(StrategyMerge, 1))
	assert.Equal(t, "Will replace content with synthesis using 3 connected cards.", FillInPreview(StrategyReplace, 3))
}

func TestButtonStore(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	store := NewButtonStore(storage.NewStore(database, storage.AreaLocal))
	ctx := context.Background()

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5, "defaults until saved")

	custom := []Button{
		{ID: "quiz", Label: "Quiz", Prompt: "Quiz me on {{content}}", ConnectionType: cards.ConnRelated, Enabled: true},
		{ID: "hidden", Label: "Hidden", Prompt: "x", ConnectionType: cards.ConnCustom},
	}
	require.NoError(t, store.Save(ctx, custom))

	enabled, err := store.Enabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "quiz", enabled[0].ID)

	_, err = store.Get(ctx, "summarize")
	assert.ErrorIs(t, err, ErrUnknownButton)

	bad := []Button{{ID: "x", Label: "X", Prompt: "p", ConnectionType: "loves"}}
	assert.ErrorIs(t, store.Save(ctx, bad), ErrInvalidButton)
	dup := []Button{custom[0], custom[0]}
	assert.ErrorIs(t, store.Save(ctx, dup), ErrInvalidButton)

	require.NoError(t, store.Reset(ctx))
	b, err := store.Get(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, cards.ConnGeneratedFrom, b.ConnectionType)
}

func TestPageChatSystemPrompt(t *testing.T) {
	headings := make([]string, 12)
	for i := range headings {
		headings[i] = "Section " + string(rune('A'+i))
	}
	got := PageChatSystemPrompt(PageContext{
		URL:         "https://example.com/tides",
		Title:       "Tides",
		Description: "How the moon moves water",
		Content:     "Tides rise twice a day.",
		Headings:    headings,
		Metadata:    map[string]string{"og:type": "article", "author": "Ada"},
	})

	assert.True(t, strings.HasPrefix(got, "You are helping the user understand and interact with a web page.\n\n## Page Details\n"))
	assert.Contains(t, got, "- **URL**: https://example.com/tides\n- **Title**: Tides\n- **Description**: How the moon moves water\n")
	assert.Contains(t, got, "- Section J\n")
	assert.NotContains(t, got, "Section K")
	assert.Contains(t, got, "## Metadata\n- **author**: Ada\n- **og:type**: article\n")
	assert.Contains(t, got, "## Page Content\nTides rise twice a day.\n\nAnswer questions about this page")

	bare := PageChatSystemPrompt(PageContext{URL: "https://example.com", Title: "Bare"})
	assert.NotContains(t, bare, "Description")
	assert.NotContains(t, bare, "## Main Headings")
	assert.NotContains(t, bare, "## Metadata")

	long := PageChatSystemPrompt(PageContext{URL: "https://example.com", Content: strings.Repeat("x", MaxPageContent+5)})
	assert.Contains(t, long, strings.Repeat("x", MaxPageContent)+"\n\n[Content truncated...]")
	assert.NotContains(t, long, strings.Repeat("x", MaxPageContent+1))
}
