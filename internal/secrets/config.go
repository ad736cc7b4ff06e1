package secrets

import (
	"fmt"
	"regexp"
)

// Rule is one regex-based detection rule. When Keywords are set the rule
// only runs on content containing at least one of them.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	Keywords    []string
	Severity    string
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// Config configures a Scrubber.
//
// EntropyThreshold is the Shannon entropy (bits per char) above which a value
// assigned to a secret-like name is treated as a credential. Gitleaks
// additionally runs the gitleaks default rule set. AllowlistFile is an
// optional gitleaks-format TOML allowlist merged into AllowList.
type Config struct {
	Enabled          bool
	RedactionString  string
	AllowList        []string
	EntropyThreshold float64
	EntropyMinLength int
	Gitleaks         bool
	AllowlistFile    string
	Rules            []Rule

	compiledRules     []compiledRule
	compiledAllowList []*regexp.Regexp
}

// DefaultConfig enables the built-in rules and entropy detection.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		RedactionString:  "[REDACTED]",
		EntropyThreshold: 4.0,
		EntropyMinLength: 20,
		Rules:            DefaultRules(),
	}
}

// Validate compiles rules and the allow list.
func (c *Config) Validate() error {
	if c.RedactionString == "" {
		c.RedactionString = "[REDACTED]"
	}
	if c.EntropyMinLength <= 0 {
		c.EntropyMinLength = 20
	}
	if c.Rules == nil {
		c.Rules = DefaultRules()
	}
	c.compiledRules = c.compiledRules[:0]
	for _, r := range c.Rules {
		if r.ID == "" || r.Pattern == "" {
			return fmt.Errorf("secrets: rule requires id and pattern (id=%q)", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("secrets: rule %q: %w", r.ID, err)
		}
		cr := compiledRule{Rule: r, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(kw)))
		}
		c.compiledRules = append(c.compiledRules, cr)
	}
	c.compiledAllowList = c.compiledAllowList[:0]
	for _, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("secrets: allow list pattern %q: %w", p, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, re)
	}
	return nil
}
