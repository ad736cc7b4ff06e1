package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
)

const (
	DefaultMaxElapsed    = 30 * time.Minute
	DefaultWorkerTimeout = 10 * time.Minute
)

var validLLMProviders = map[string]bool{
	"offline": true,
}

var refRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/\-]*$`)

func invalid(format string, args ...any) error {
	return errs.New(errs.KindConfig, errs.CodeConfigInvalid, format, args...)
}

// Validate checks the config for errors. Defaults are applied by Parse
// before it runs.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Product) == "" {
		return invalid("config: 'product' is required")
	}
	if strings.TrimSpace(cfg.SourceRef) == "" {
		return invalid("config: 'source_ref' is required")
	}
	if !refRe.MatchString(cfg.SourceRef) || strings.Contains(cfg.SourceRef, "..") {
		return invalid("config: 'source_ref' %q is not a valid git revision", cfg.SourceRef)
	}
	if strings.TrimSpace(cfg.SourceRepo) == "" {
		return invalid("config: 'source_repo' is required")
	}
	if _, err := domain.ParseProfile(string(cfg.Profile)); err != nil {
		return invalid("config: 'profile': %v", err)
	}
	if cfg.MaxFixAttempts < 0 {
		return invalid("config: 'max_fix_attempts' must be >= 0")
	}

	b := cfg.Budget
	for name, v := range map[string]int{
		"max_llm_calls":      b.MaxLLMCalls,
		"max_llm_tokens":     b.MaxLLMTokens,
		"max_file_writes":    b.MaxFileWrites,
		"max_patch_attempts": b.MaxPatchAttempts,
	} {
		if v < 0 {
			return invalid("config: budget.%s must be >= 0", name)
		}
	}
	if b.MaxElapsed < 0 {
		return invalid("config: budget.max_elapsed must be >= 0")
	}

	g := cfg.Gates
	if g.MaxPageBytes <= 0 || g.MaxImageBytes <= 0 || g.MaxBuildSeconds <= 0 {
		return invalid("config: gates size and time ceilings must be > 0")
	}
	if g.MinClaimCoverage < 0 || g.MinClaimCoverage > 1 {
		return invalid("config: gates.min_claim_coverage must be between 0 and 1")
	}
	if g.MinWordsPerPage < 0 {
		return invalid("config: gates.min_words_per_page must be >= 0")
	}
	seen := make(map[string]bool)
	for _, id := range g.Disabled {
		if strings.TrimSpace(id) == "" {
			return invalid("config: 'gates.disabled' entries must be non-empty")
		}
		if seen[id] {
			return invalid("config: gates.disabled: duplicate gate %q", id)
		}
		seen[id] = true
	}

	if cfg.Secrets.EntropyThreshold < 0 {
		return invalid("config: secrets.entropy_threshold must be >= 0")
	}

	for id, cmd := range cfg.Workers.External {
		if strings.TrimSpace(cmd) == "" {
			return invalid("config: workers.external.%s: command must be non-empty", id)
		}
	}
	if cfg.Workers.Timeout < 0 {
		return invalid("config: workers.timeout must be >= 0")
	}
	if !validLLMProviders[cfg.Workers.LLM.Provider] {
		return invalid("config: workers.llm.provider: unknown provider %q (must be offline)", cfg.Workers.LLM.Provider)
	}

	if err := cfg.Log.Validate(); err != nil {
		return invalid("config: log: %v", err)
	}

	if cfg.Profile.Enforcing() && strings.TrimSpace(cfg.Taskcard) == "" {
		return errs.New(errs.KindConfig, errs.CodeAuthzMissing, "config: 'taskcard' is required under the production profile").
			WithFix("set 'taskcard' to an In-Progress authorization record id")
	}
	return nil
}

// Describe renders the resolved configuration for display.
func (c *Config) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "product:     %s\n", c.Product)
	fmt.Fprintf(&b, "source_ref:  %s\n", c.SourceRef)
	fmt.Fprintf(&b, "source_repo: %s\n", c.SourceRepo)
	fmt.Fprintf(&b, "profile:     %s\n", c.Profile)
	fmt.Fprintf(&b, "run_id:      %s\n", c.RunID())
	fmt.Fprintf(&b, "config_hash: %s\n", c.Hash())
	return b.String()
}
