package transform

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/zeebo/xxh3"
)

// FingerprintColumn is the column the fingerprint is stored in.
const FingerprintColumn = "record_hash"

// Fingerprint returns the 32-char hex xxh3-128 digest of rec's sorted-key
// JSON, ignoring the exclude columns and any existing fingerprint.
func Fingerprint(rec Record, exclude []string) string {
	content := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == FingerprintColumn || slices.Contains(exclude, k) {
			continue
		}
		content[k] = v
	}

	// encoding/json sorts map keys, which makes the output canonical.
	b, err := json.Marshal(content)
	if err != nil {
		b = fmt.Appendf(nil, "%v", content)
	}
	h := xxh3.Hash128(b)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}
