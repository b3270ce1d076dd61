// Package chunk splits normalised message text into overlapping,
// token-bounded windows suitable for embedding and indexing.
package chunk

import (
	"errors"
	"strings"

	"github.com/rtyshyk/telegram-rag/internal/tokens"
)

// ErrEmpty reports that the input contained no indexable text.
var ErrEmpty = errors.New("chunking: input is empty")

// runesPerToken converts the token window into a rune window. The chunker
// slices the original string rather than a token stream so newlines and code
// fences survive into the boundary snap.
const runesPerToken = 4

// Config controls chunk sizing.
type Config struct {
	TargetTokens  int // window size including the header
	OverlapTokens int // carried between consecutive windows
}

// DefaultConfig returns the production chunk sizing.
func DefaultConfig() Config {
	return Config{TargetTokens: 1000, OverlapTokens: 150}
}

// Chunk is one emitted window. FullText carries the message header; Lexical
// is the body alone and feeds the BM25 field.
type Chunk struct {
	FullText string
	Lexical  string
}

// Chunker splits text into overlapping windows.
type Chunker struct {
	target  int
	overlap int
	counter tokens.Counter
}

// New creates a Chunker, applying defaults for non-positive sizes.
func New(cfg Config, counter tokens.Counter) *Chunker {
	def := DefaultConfig()
	if cfg.TargetTokens <= 0 {
		cfg.TargetTokens = def.TargetTokens
	}
	if cfg.OverlapTokens <= 0 {
		cfg.OverlapTokens = def.OverlapTokens
	}
	if counter == nil {
		counter = tokens.NewEstimator()
	}
	return &Chunker{target: cfg.TargetTokens, overlap: cfg.OverlapTokens, counter: counter}
}

// Split chunks text into windows of at most TargetTokens tokens including
// the header, advancing by TargetTokens−header−OverlapTokens. Non-final
// windows are snapped to a nearby sentence or word boundary.
func (c *Chunker) Split(text, header string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmpty
	}

	joined := text
	if header != "" {
		joined = header + "\n\n" + text
	}
	if c.counter.Count(joined) <= c.target {
		return []Chunk{{FullText: joined, Lexical: text}}, nil
	}

	headerTokens := 0
	if header != "" {
		headerTokens = c.counter.Count(header + "\n\n")
	}
	available := c.target - headerTokens
	if available <= c.overlap {
		// Oversized header; keep the window advancing.
		available = c.overlap + 1
	}

	windowRunes := available * runesPerToken
	advanceRunes := (available - c.overlap) * runesPerToken
	if advanceRunes < 1 {
		advanceRunes = 1
	}

	runes := []rune(text)
	var out []Chunk
	for start := 0; start < len(runes); start += advanceRunes {
		end := start + windowRunes
		if end > len(runes) {
			end = len(runes)
		}
		body := string(runes[start:end])
		if end < len(runes) {
			body = snapBoundary(body)
		}
		full := body
		if header != "" {
			full = header + "\n\n" + body
		}
		out = append(out, Chunk{FullText: full, Lexical: body})
		if end >= len(runes) {
			break
		}
	}
	return out, nil
}

// CountTokens reports the estimated token count for text.
func (c *Chunker) CountTokens(text string) int {
	return c.counter.Count(text)
}

var sentenceDelims = []string{". ", "! ", "? ", "\n\n"}

// snapBoundary trims a non-final window so it ends at a natural break:
// the last sentence delimiter in the final fifth, else the last space in the
// final tenth, else the last code fence or link start in the final third.
func snapBoundary(text string) string {
	n := len(text)

	for _, d := range sentenceDelims {
		if pos := strings.LastIndex(text, d); pos >= 0 && pos*10 > n*8 {
			return text[:pos+len(d)]
		}
	}

	if pos := strings.LastIndexByte(text, ' '); pos >= 0 && pos*10 > n*9 {
		return text[:pos]
	}

	if pos := strings.LastIndex(text, "```"); pos >= 0 && pos*10 > n*7 {
		return text[:pos]
	}

	if pos := trailingLinkStart(text); pos >= 0 && pos*10 > n*7 {
		return text[:pos]
	}

	return text
}

// trailingLinkStart returns the start of an http(s) URL that runs into the
// window edge, or -1. Cutting there keeps the link intact in the next window.
func trailingLinkStart(text string) int {
	tokStart := strings.LastIndexAny(text, " \t\n") + 1
	tail := text[tokStart:]
	lower := strings.ToLower(tail)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return tokStart
	}
	return -1
}
