package secrets

import (
	"math"
	"regexp"
	"strings"
)

// assignmentPattern finds values assigned to secret-like names, e.g.
// `client_token = "..."` or `"signingKey": "..."`.
var assignmentPattern = regexp.MustCompile(`(?i)([A-Za-z0-9_.\-]*(?:key|token|secret|passw(?:or)?d|credential|auth)[A-Za-z0-9_.\-]*)["']?\s*[:=]\s*["']?([A-Za-z0-9+/=_\-.]+)`)

// ShannonEntropy returns the entropy of s in bits per character.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	n := 0
	for _, r := range s {
		counts[r]++
		n++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

// sensitiveKeys are JSON object keys whose string values are always redacted.
var sensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"access_key", "private_key", "client_secret", "authorization", "credentials",
}

// IsSensitiveKey reports whether a JSON key names a credential.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.ReplaceAll(key, "-", "_"))
	for _, s := range sensitiveKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

// entropyRedactions returns the value spans of high-entropy assignments.
func (s *Scrubber) entropyRedactions(content string) []redaction {
	if s.config.EntropyThreshold <= 0 {
		return nil
	}
	var out []redaction
	for _, m := range assignmentPattern.FindAllStringSubmatchIndex(content, -1) {
		start, end := m[4], m[5]
		value := content[start:end]
		if len(value) < s.config.EntropyMinLength {
			continue
		}
		if ShannonEntropy(value) < s.config.EntropyThreshold {
			continue
		}
		out = append(out, redaction{start: start, end: end, ruleID: "high-entropy-assignment"})
	}
	return out
}
