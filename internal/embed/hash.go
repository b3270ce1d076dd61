package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// TextHash is the content address of one chunk text under a fixed embedding
// model and pipeline version. Any change to the model or to the chunking or
// preprocessing versions produces new hashes, so stale cache rows are never
// reused. The lang segment is present even when empty so the key shape is
// stable.
func TextHash(text, model string, chunkingVersion, preprocessVersion int, lang string) string {
	key := fmt.Sprintf("%s|%s|%d|%d|%s", text, model, chunkingVersion, preprocessVersion, lang)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
