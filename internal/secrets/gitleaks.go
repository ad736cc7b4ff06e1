package secrets

import (
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksDetector lazily builds the gitleaks detector with its default
// rule set. Building it parses several hundred rules, so it is shared.
var gitleaksDetector = sync.OnceValues(func() (*detect.Detector, error) {
	return detect.NewDetectorDefaultConfig()
})

// gitleaksRedactions returns spans of every occurrence of each secret
// gitleaks reports in content.
func (s *Scrubber) gitleaksRedactions(content string) []redaction {
	d, err := gitleaksDetector()
	if err != nil || d == nil {
		return nil
	}
	var out []redaction
	seen := map[string]bool{}
	for _, f := range d.DetectString(content) {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || seen[secret] || s.isAllowed(secret) {
			continue
		}
		seen[secret] = true
		for from := 0; ; {
			i := strings.Index(content[from:], secret)
			if i < 0 {
				break
			}
			start := from + i
			out = append(out, redaction{
				start:       start,
				end:         start + len(secret),
				ruleID:      "gitleaks:" + f.RuleID,
				description: f.Description,
			})
			from = start + len(secret)
		}
	}
	return out
}
