package chunk

import (
	"errors"
	"strings"
	"testing"
)

func TestSplitWhitespaceOnly(t *testing.T) {
	c := New(DefaultConfig(), nil)
	if _, err := c.Split("   \n\t ", "[hdr]"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	c := New(DefaultConfig(), nil)
	chunks, err := c.Split("hello world", "[2023-09-26 20:10 • @ira]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].FullText != "[2023-09-26 20:10 • @ira]\n\nhello world" {
		t.Fatalf("unexpected full text: %q", chunks[0].FullText)
	}
	if chunks[0].Lexical != "hello world" {
		t.Fatalf("lexical text must not carry the header: %q", chunks[0].Lexical)
	}
}

func TestSplitNoHeader(t *testing.T) {
	c := New(DefaultConfig(), nil)
	chunks, err := c.Split("just text", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks[0].FullText != "just text" {
		t.Fatalf("unexpected full text: %q", chunks[0].FullText)
	}
}

func TestSplitLongTextOverlappingWindows(t *testing.T) {
	c := New(Config{TargetTokens: 50, OverlapTokens: 10}, nil)
	text := strings.TrimSpace(strings.Repeat("abcd ", 100))
	chunks, err := c.Split(text, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// Overlap: the head of each later window re-covers the tail of the
	// previous advance, so concatenated coverage has no gaps.
	last := chunks[len(chunks)-1]
	if !strings.HasSuffix(text, strings.TrimSpace(last.Lexical[len(last.Lexical)-9:])) {
		t.Fatalf("final chunk does not reach the end of the text")
	}
	for i, ch := range chunks {
		if ch.Lexical == "" {
			t.Fatalf("chunk %d is empty", i)
		}
	}
}

func TestSplitHeaderOnEveryChunk(t *testing.T) {
	c := New(Config{TargetTokens: 50, OverlapTokens: 10}, nil)
	header := "[hdr]"
	chunks, err := c.Split(strings.Repeat("abcd ", 100), header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if !strings.HasPrefix(ch.FullText, header+"\n\n") {
			t.Fatalf("chunk %d missing header: %q", i, ch.FullText[:20])
		}
		if strings.HasPrefix(ch.Lexical, header) {
			t.Fatalf("chunk %d lexical text carries the header", i)
		}
	}
}

func TestSnapAtSentenceBoundary(t *testing.T) {
	// Window is 200 runes (50 tokens × 4); the ". " at byte 170 sits past
	// the 80% threshold so the first chunk must end there.
	c := New(Config{TargetTokens: 50, OverlapTokens: 10}, nil)
	text := strings.Repeat("x", 170) + ". " + strings.Repeat("y", 400)
	chunks, err := c.Split(text, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0].Lexical, ". ") {
		t.Fatalf("first chunk not snapped to sentence end: %q", tail(chunks[0].Lexical))
	}
}

func TestSnapIgnoresEarlyDelimiter(t *testing.T) {
	// The only ". " sits at 50% of the window; snapping there would lose
	// too much, so the window stays unsnapped.
	c := New(Config{TargetTokens: 50, OverlapTokens: 10}, nil)
	text := strings.Repeat("x", 100) + ". " + strings.Repeat("y", 500)
	chunks, err := c.Split(text, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.HasSuffix(chunks[0].Lexical, ". ") {
		t.Fatalf("snapped to a delimiter below the threshold")
	}
}

func TestSnapKeepsLinkIntact(t *testing.T) {
	c := New(Config{TargetTokens: 50, OverlapTokens: 15}, nil)
	url := "https://example.com/" + strings.Repeat("p", 80)
	text := strings.Repeat("w", 150) + " " + url + " " + strings.Repeat("word ", 100)
	chunks, err := c.Split(text, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(chunks[0].Lexical, "https://") {
		t.Fatalf("first window split the link: %q", tail(chunks[0].Lexical))
	}
	joined := ""
	for _, ch := range chunks {
		joined += ch.Lexical
	}
	if !strings.Contains(joined, url) {
		t.Fatalf("link lost across windows")
	}
}

func tail(s string) string {
	if len(s) <= 40 {
		return s
	}
	return s[len(s)-40:]
}
