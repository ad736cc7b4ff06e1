package guard

import (
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Matcher matches slash-separated paths relative to a root against glob
// patterns. Each segment is matched with path.Match semantics and "**"
// spans any number of segments. Patterns are anchored at the root; a
// pattern naming a directory also covers everything beneath it.
type Matcher struct {
	patterns []string
	m        gitignore.Matcher
}

// NewMatcher compiles patterns.
func NewMatcher(patterns []string) *Matcher {
	ps := make([]gitignore.Pattern, 0, len(patterns))
	kept := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
		p = strings.TrimPrefix(p, "./")
		if p == "" || strings.HasPrefix(p, "!") {
			continue
		}
		kept = append(kept, p)
		ps = append(ps, gitignore.ParsePattern("/"+strings.TrimPrefix(p, "/"), nil))
	}
	return &Matcher{patterns: kept, m: gitignore.NewMatcher(ps)}
}

// Patterns returns the compiled patterns.
func (m *Matcher) Patterns() []string { return m.patterns }

// Match reports whether rel is covered by any pattern.
func (m *Matcher) Match(rel string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
		return false
	}
	return m.m.Match(strings.Split(strings.TrimPrefix(rel, "/"), "/"), false)
}

// HasMeta reports whether p contains glob metacharacters.
func HasMeta(p string) bool { return strings.ContainsAny(p, "*?[") }

// CoversPattern reports whether every path matched by pattern is matched by
// one of m's patterns. It is conservative: a grant using "?" or character
// classes covers only an identical segment.
func (m *Matcher) CoversPattern(pattern string) bool {
	if m == nil {
		return false
	}
	want := splitPattern(pattern)
	for _, g := range m.patterns {
		if g == pattern || coversSegments(splitPattern(g), want) {
			return true
		}
	}
	return false
}

func splitPattern(p string) []string {
	p = strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func coversSegments(grant, want []string) bool {
	if len(grant) == 0 {
		return true
	}
	if grant[0] == "**" {
		for i := 0; i <= len(want); i++ {
			if coversSegments(grant[1:], want[i:]) {
				return true
			}
		}
		return false
	}
	if len(want) == 0 || want[0] == "**" {
		return false
	}
	return coversSegment(grant[0], want[0]) && coversSegments(grant[1:], want[1:])
}

// coversSegment matches the wanted segment literally against the grant.
// When the grant's only metacharacter is "*", any metacharacter in want is
// absorbed by one of the grant's stars.
func coversSegment(grant, want string) bool {
	if grant == want {
		return true
	}
	if strings.ContainsAny(grant, "?[") {
		return false
	}
	ok, err := path.Match(grant, want)
	return err == nil && ok
}
