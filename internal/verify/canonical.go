// Package verify proves that two runs of the same input produce the same
// artifacts, either by running the pipeline twice or by diffing a run
// against a captured golden baseline.
package verify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/state"
)

// Canonicalize returns the normalized form of an artifact. JSON is
// re-encoded with sorted keys and no HTML escaping; everything else has its
// line endings normalized to LF and trailing whitespace stripped per line.
func Canonicalize(rel string, data []byte) ([]byte, error) {
	if strings.EqualFold(path.Ext(rel), ".json") {
		return canonicalJSON(data)
	}
	return canonicalText(data), nil
}

func canonicalJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decoding: trailing data after the top-level value")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	return buf.Bytes(), nil
}

func canonicalText(data []byte) []byte {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return []byte(strings.Join(lines, "\n"))
}

// Hash returns the "sha256:<hex>" of the canonical form of an artifact. A
// .json artifact that does not parse is hashed as text.
func Hash(rel string, data []byte) string {
	c, err := Canonicalize(rel, data)
	if err != nil {
		c = canonicalText(data)
	}
	return state.ChecksumBytes(c)
}
