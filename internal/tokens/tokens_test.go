package tokens

import (
	"strings"
	"testing"
)

func TestCountEmpty(t *testing.T) {
	e := NewEstimator()
	if got := e.Count(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty text, got %d", got)
	}
}

func TestCountShortTextAtLeastOne(t *testing.T) {
	e := NewEstimator()
	if got := e.Count("hi"); got < 1 {
		t.Fatalf("expected >=1 token, got %d", got)
	}
}

func TestCountScalesWithLength(t *testing.T) {
	e := NewEstimator()
	short := e.Count("one two three")
	long := e.Count(strings.Repeat("one two three ", 50))
	if long <= short {
		t.Fatalf("expected longer text to count more tokens: short=%d long=%d", short, long)
	}
}

func TestCountCyrillicByRunes(t *testing.T) {
	e := NewEstimator()
	// 20 Cyrillic characters are 40 bytes; the estimate must follow runes.
	text := strings.Repeat("п", 20)
	if got := e.Count(text); got > 20 {
		t.Fatalf("byte-based estimate suspected: %d tokens for 20 runes", got)
	}
}

func TestTruncateKeepsShortText(t *testing.T) {
	if got := Truncate("short text", 100); got != "short text" {
		t.Fatalf("unexpected truncation: %q", got)
	}
}

func TestTruncateCutsAtWordBoundary(t *testing.T) {
	text := strings.Repeat("word ", 100)
	got := Truncate(text, 10)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
	if strings.Contains(strings.TrimSuffix(got, "..."), "wor ") {
		t.Fatalf("cut mid-word: %q", got)
	}
	if len(got) >= len(text) {
		t.Fatalf("nothing was truncated")
	}
}
