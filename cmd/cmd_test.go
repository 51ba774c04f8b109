package cmd

import (
	"testing"
)

func TestTopCounts(t *testing.T) {
	m := map[string]int{"go.dev": 3, "example.com": 1, "wikipedia.org": 3, "news.ycombinator.com": 2}

	got := topCounts(m, 3)
	want := []string{"go.dev", "wikipedia.org", "news.ycombinator.com"}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"server", "init", "import", "export", "stats", "chats", "mcp", "reindex", "activity", "version"} {
		if _, _, err := rootCmd.Find([]string{name}); err != nil {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
}
