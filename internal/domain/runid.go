package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RunID derives the deterministic run identifier for a product, source ref
// and config hash.
func RunID(product, sourceRef, configHash string) string {
	h := sha256.New()
	h.Write([]byte(product))
	h.Write([]byte{0})
	h.Write([]byte(sourceRef))
	h.Write([]byte{0})
	h.Write([]byte(configHash))
	return Slug(product) + "-" + hex.EncodeToString(h.Sum(nil))[:12]
}

// Slug lowercases s and replaces runs of non [a-z0-9] characters with a
// single dash.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "run"
	}
	return out
}
