package llm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
)

// MockGenerator answers without a network call. It backs the "mock" provider
// type and the gateway fallback when no key is set or a call fails.
type MockGenerator struct {
	minDelay time.Duration
	maxDelay time.Duration
}

// MockOption configures a MockGenerator.
type MockOption func(*MockGenerator)

// WithMockDelays sets the per-chunk delay range used when streaming.
func WithMockDelays(min, max time.Duration) MockOption {
	return func(m *MockGenerator) {
		if max < min {
			max = min
		}
		m.minDelay, m.maxDelay = min, max
	}
}

// NewMockGenerator returns a generator streaming word chunks 30-80ms apart.
func NewMockGenerator(opts ...MockOption) *MockGenerator {
	m := &MockGenerator{minDelay: 30 * time.Millisecond, maxDelay: 80 * time.Millisecond}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MockGenerator) Name() string { return "mock" }

// Complete implements Provider with a canned, context-aware answer.
func (m *MockGenerator) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}
	text := m.Respond(req)
	return &CompletionResponse{
		Content:      text,
		InputTokens:  EstimateRequestTokens(req),
		OutputTokens: EstimateTokens(text),
		Model:        "mock",
		FinishReason: "end_turn",
	}, nil
}

// Stream yields text word by word, sleeping between chunks. It returns
// ErrCancelled as soon as ctx is done.
func (m *MockGenerator) Stream(ctx context.Context, text string, onChunk func(string)) error {
	for i, word := range strings.Split(text, " ") {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if i > 0 {
			word = " " + word
		}
		if onChunk != nil {
			onChunk(word)
		}
		if err := sleepCtx(ctx, m.delay()); err != nil {
			return ErrCancelled
		}
	}
	return nil
}

func (m *MockGenerator) delay() time.Duration {
	if m.maxDelay <= m.minDelay {
		return m.minDelay
	}
	return m.minDelay + rand.N(m.maxDelay-m.minDelay)
}

type mockTemplate struct {
	keywords []string
	text     string
}

var mockTemplates = []mockTemplate{
	{
		keywords: []string{"summarize", "summary", "tldr", "overview"},
		text:     "Here is a brief summary of %s. The main idea is stated up front, the supporting points follow, and the closing section ties them back to the page it came from.",
	},
	{
		keywords: []string{"critique", "critical", "weakness", "counterargument"},
		text:     "A critical look at %s: the central claim is plausible but leans on assumptions that are not examined. Stronger evidence and a fair treatment of the opposing view would make it more convincing.",
	},
	{
		keywords: []string{"eli5", "explain like", "simple terms", "five year"},
		text:     "Imagine %s as a toy box. Each idea is one toy, and the explanation is how you decide which toy goes on which shelf so you can find it again later.",
	},
	{
		keywords: []string{"expand", "elaborate", "more detail"},
		text:     "Expanding on %s: there is useful background worth adding, a few concrete examples that make the idea tangible, and some open questions that point at where to read next.",
	},
	{
		keywords: []string{"explain", "how", "why", "learn more"},
		text:     "Let me explain %s in more depth. It builds on a small set of core concepts, and once those are clear the rest follows from how they interact in practice.",
	},
}

var titleLine = regexp.MustCompile(`(?mi)^(?:title|topic|card title):\s*(.+)$`)

// Respond builds the canned answer for req.
func (m *MockGenerator) Respond(req CompletionRequest) string {
	prompt := lastUserText(req.Messages)
	lower := strings.ToLower(req.System + "\n" + prompt)
	subject := mockSubject(prompt)

	switch {
	case strings.Contains(lower, "json") && strings.Contains(lower, `"title"`):
		return fmt.Sprintf("```json\n{\"title\": %q, \"content\": %q, \"tags\": [\"mock\"]}\n```",
			truncateRunes("About "+subject, 50),
			fmt.Sprintf("This is generated placeholder content about %s. Configure an API key for real answers.", subject))
	case strings.Contains(lower, "markdown"):
		return fmt.Sprintf("## %s\n\n- The key point, restated clearly\n- Supporting details grouped together\n\n**Takeaway:** configure an API key for a real rewrite.", subject)
	}

	for _, t := range mockTemplates {
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				return fmt.Sprintf(t.text, subject)
			}
		}
	}
	return fmt.Sprintf("This is a mock response about %s. With an API key configured the model would analyze the content and answer your question directly.", subject)
}

func lastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func mockSubject(prompt string) string {
	if m := titleLine.FindStringSubmatch(prompt); m != nil {
		return strings.TrimSpace(m[1])
	}
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(prompt), "\n", 2)[0])
	if line == "" {
		return "this content"
	}
	return fmt.Sprintf("%q", truncateRunes(line, 60))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
