package secrets

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Scrubber detects and redacts secrets in worker outputs, logs and event
// payloads. A nil *Scrubber passes content through unchanged.
type Scrubber struct {
	config *Config
	mu     sync.RWMutex
}

// redaction tracks a span to redact.
type redaction struct {
	start, end  int
	ruleID      string
	description string
	severity    string
}

// New creates a Scrubber. A nil config uses DefaultConfig. When the config
// names an allowlist file its regexes are merged into the allow list.
func New(cfg *Config) (*Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.AllowlistFile != "" {
		al, err := LoadAllowlist(cfg.AllowlistFile)
		if err != nil {
			return nil, err
		}
		cfg.AllowList = append(cfg.AllowList, al.Regexes...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scrubber{config: cfg}, nil
}

// MustNew creates a Scrubber, panicking on error.
func MustNew(cfg *Config) *Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// IsEnabled reports whether scrubbing is enabled.
func (s *Scrubber) IsEnabled() bool {
	return s != nil && s.config.Enabled
}

// Scrub redacts secrets from content.
func (s *Scrubber) Scrub(content string) *Result {
	result := &Result{
		Original: content,
		Scrubbed: content,
		Findings: make([]Finding, 0),
		ByRule:   make(map[string]int),
	}
	if !s.IsEnabled() {
		return result
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var redactions []redaction
	for _, rule := range s.config.compiledRules {
		if len(rule.keywords) > 0 && !anyMatch(rule.keywords, content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.isAllowed(content[m[0]:m[1]]) {
				continue
			}
			redactions = append(redactions, redaction{
				start:       m[0],
				end:         m[1],
				ruleID:      rule.ID,
				description: rule.Description,
				severity:    rule.Severity,
			})
		}
	}
	for _, r := range s.entropyRedactions(content) {
		if s.isAllowed(content[r.start:r.end]) {
			continue
		}
		r.description = "High-entropy value assigned to a credential name"
		r.severity = "high"
		redactions = append(redactions, r)
	}
	if s.config.Gitleaks {
		for _, r := range s.gitleaksRedactions(content) {
			r.severity = "high"
			redactions = append(redactions, r)
		}
	}

	for _, r := range redactions {
		result.Findings = append(result.Findings, Finding{
			RuleID:      r.ruleID,
			Description: r.description,
			Severity:    r.severity,
			StartIndex:  r.start,
			EndIndex:    r.end,
			Line:        strings.Count(content[:r.start], "\n") + 1,
		})
		result.ByRule[r.ruleID]++
	}
	sort.SliceStable(result.Findings, func(i, j int) bool {
		return result.Findings[i].StartIndex < result.Findings[j].StartIndex
	})
	result.TotalFindings = len(result.Findings)

	if len(redactions) > 0 {
		sort.Slice(redactions, func(i, j int) bool { return redactions[i].start < redactions[j].start })
		merged := mergeRedactions(redactions)
		var b strings.Builder
		last := 0
		for _, r := range merged {
			b.WriteString(content[last:r.start])
			b.WriteString(s.config.RedactionString)
			last = r.end
		}
		b.WriteString(content[last:])
		result.Scrubbed = b.String()
	}
	return result
}

// Check detects secrets without redacting.
func (s *Scrubber) Check(content string) *Result {
	result := s.Scrub(content)
	result.Scrubbed = result.Original
	return result
}

// ScrubString returns content with every secret redacted.
func (s *Scrubber) ScrubString(content string) string {
	if !s.IsEnabled() {
		return content
	}
	return s.Scrub(content).Scrubbed
}

// ScrubJSON redacts a JSON document. String values are scrubbed and values
// under credential-named keys are replaced outright. Input that is not JSON
// is scrubbed as text.
func (s *Scrubber) ScrubJSON(data []byte) []byte {
	if !s.IsEnabled() {
		return data
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return []byte(s.ScrubString(string(data)))
	}
	out, err := json.Marshal(s.scrubTree(v))
	if err != nil {
		return []byte(s.ScrubString(string(data)))
	}
	return out
}

// ScrubValue returns a redacted copy of v as a generic JSON tree. Values that
// cannot be marshaled are returned unchanged.
func (s *Scrubber) ScrubValue(v any) any {
	if !s.IsEnabled() || v == nil {
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return v
	}
	return s.scrubTree(tree)
}

func (s *Scrubber) scrubTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if str, ok := child.(string); ok && IsSensitiveKey(k) && str != "" {
				t[k] = s.config.RedactionString
				continue
			}
			t[k] = s.scrubTree(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = s.scrubTree(child)
		}
		return t
	case string:
		return s.ScrubString(t)
	default:
		return v
	}
}

func (s *Scrubber) isAllowed(match string) bool {
	for _, pattern := range s.config.compiledAllowList {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}

func anyMatch(res []*regexp.Regexp, content string) bool {
	for _, re := range res {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// mergeRedactions merges overlapping or adjacent spans. Input must be sorted
// by start ascending.
func mergeRedactions(redactions []redaction) []redaction {
	if len(redactions) == 0 {
		return redactions
	}
	merged := []redaction{redactions[0]}
	for _, curr := range redactions[1:] {
		last := &merged[len(merged)-1]
		if curr.start <= last.end {
			if curr.end > last.end {
				last.end = curr.end
			}
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}
