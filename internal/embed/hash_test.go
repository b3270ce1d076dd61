package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextHashGolden(t *testing.T) {
	// Pinned so existing cache rows stay addressable across releases.
	got := TextHash("hello", "text-embedding-3-large", 1, 1, "")
	assert.Equal(t, "0ef1263e9054037054c800614e041a7056ee6cb4c03679b49c3117d3460db8d9", got)
}

func TestTextHashSensitivity(t *testing.T) {
	base := TextHash("hello", "text-embedding-3-large", 1, 1, "")
	assert.Len(t, base, 64)

	assert.NotEqual(t, base, TextHash("hello!", "text-embedding-3-large", 1, 1, ""))
	assert.NotEqual(t, base, TextHash("hello", "text-embedding-3-small", 1, 1, ""))
	assert.NotEqual(t, base, TextHash("hello", "text-embedding-3-large", 2, 1, ""))
	assert.NotEqual(t, base, TextHash("hello", "text-embedding-3-large", 1, 2, ""))
	assert.NotEqual(t, base, TextHash("hello", "text-embedding-3-large", 1, 1, "uk"))

	assert.Equal(t, base, TextHash("hello", "text-embedding-3-large", 1, 1, ""))
}
