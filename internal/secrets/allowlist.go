package secrets

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds path and content regexes excluded from detection, read
// from a gitleaks-format TOML file:
//
//	[allowlist]
//	paths = ['''^drafts/examples/''']
//	regexes = ['''EXAMPLE_[A-Z]+''']
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlist reads an allowlist file. A missing file yields an empty
// allowlist; invalid TOML or regexes are errors.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}
	var cfg struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("secrets: invalid allowlist %s: %w", path, err)
	}
	for _, p := range append(append([]string{}, cfg.Allowlist.Paths...), cfg.Allowlist.Regexes...) {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("secrets: invalid pattern %q in %s: %w", p, path, err)
		}
	}
	return &Allowlist{Paths: cfg.Allowlist.Paths, Regexes: cfg.Allowlist.Regexes}, nil
}

// PathAllowed reports whether rel matches any path pattern.
func (a *Allowlist) PathAllowed(rel string) bool {
	if a == nil {
		return false
	}
	for _, p := range a.Paths {
		if re, err := regexp.Compile(p); err == nil && re.MatchString(rel) {
			return true
		}
	}
	return false
}
