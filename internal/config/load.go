package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

const (
	envPrefix         = "DOCPIPE_"
	maxConfigFileSize = 1024 * 1024
)

// envAliases maps flat environment names onto nested keys.
var envAliases = map[string]string{
	"log_level":  "log.level",
	"log_format": "log.format",
}

// envKey maps DOCPIPE_BUDGET__MAX_LLM_CALLS to budget.max_llm_calls.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if alias, ok := envAliases[key]; ok {
		return alias
	}
	return strings.ReplaceAll(key, "__", ".")
}

// Load reads the YAML file at path, applies DOCPIPE_* environment overrides
// and defaults, and validates the result. Relative paths in the file are
// resolved against the file's directory.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.KindConfig, errs.CodeConfigMissing, "config file %s not found", path).
				WithFiles(path).WithFix("run 'docpipe init' to create one")
		}
		return nil, errs.Wrap(err, errs.KindConfig, errs.CodeConfigMissing, "reading config").WithFiles(path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, errs.New(errs.KindConfig, errs.CodeConfigInvalid, "config file %s exceeds %d bytes", path, maxConfigFileSize).WithFiles(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindConfig, errs.CodeConfigMissing, "reading config").WithFiles(path)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}
	cfg, err := Parse(data, abs)
	if err != nil {
		if e, ok := errs.As(err); ok && len(e.Files) == 0 {
			e.WithFiles(path)
		}
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from YAML bytes. dir anchors relative paths.
func Parse(data []byte, dir string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, errs.Wrap(err, errs.KindConfig, errs.CodeConfigInvalid, "config: invalid YAML")
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, errs.Wrap(err, errs.KindConfig, errs.CodeConfigInvalid, "config: reading environment")
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errs.Wrap(err, errs.KindConfig, errs.CodeConfigInvalid, "config: decoding")
	}
	cfg.Dir = dir
	applyDefaults(k, &cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills settings absent from every source. An explicit zero
// budget limit is kept and means unlimited.
func applyDefaults(k *koanf.Koanf, cfg *Config) {
	setInt := func(key string, dst *int, def int) {
		if !k.Exists(key) {
			*dst = def
		}
	}
	if cfg.Profile == "" {
		cfg.Profile = "local"
	}
	if cfg.RunsRoot == "" {
		cfg.RunsRoot = filepath.Join(".docpipe", "runs")
	}
	if cfg.GoldenRoot == "" {
		cfg.GoldenRoot = filepath.Join(".docpipe", "golden")
	}
	if cfg.AuthzRegistry == "" {
		cfg.AuthzRegistry = filepath.Join(".docpipe", "taskcards")
	}
	setInt("max_fix_attempts", &cfg.MaxFixAttempts, 2)

	setInt("budget.max_llm_calls", &cfg.Budget.MaxLLMCalls, 50)
	setInt("budget.max_llm_tokens", &cfg.Budget.MaxLLMTokens, 200000)
	setInt("budget.max_file_writes", &cfg.Budget.MaxFileWrites, 500)
	setInt("budget.max_patch_attempts", &cfg.Budget.MaxPatchAttempts, 5)
	if !k.Exists("budget.max_elapsed") {
		cfg.Budget.MaxElapsed = DefaultMaxElapsed
	}

	setInt("gates.max_page_bytes", &cfg.Gates.MaxPageBytes, 200000)
	setInt("gates.max_image_bytes", &cfg.Gates.MaxImageBytes, 1000000)
	setInt("gates.max_build_seconds", &cfg.Gates.MaxBuildSeconds, 300)
	setInt("gates.min_words_per_page", &cfg.Gates.MinWordsPerPage, 20)
	if !k.Exists("gates.min_claim_coverage") {
		cfg.Gates.MinClaimCoverage = 0.5
	}

	if !k.Exists("secrets.entropy_threshold") {
		cfg.Secrets.EntropyThreshold = 4.0
	}

	if cfg.Workers.Timeout == 0 {
		cfg.Workers.Timeout = DefaultWorkerTimeout
	}
	if cfg.Workers.LLM.Provider == "" {
		cfg.Workers.LLM.Provider = "offline"
	}
	setInt("workers.llm.max_tokens_per_call", &cfg.Workers.LLM.MaxTokensPerCall, 2000)

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "docpipe"
	}

	cfg.SourceRepo = cfg.resolve(cfg.SourceRepo)
	cfg.RunsRoot = cfg.resolve(cfg.RunsRoot)
	cfg.GoldenRoot = cfg.resolve(cfg.GoldenRoot)
	cfg.AuthzRegistry = cfg.resolve(cfg.AuthzRegistry)
	cfg.Secrets.AllowlistFile = cfg.resolve(cfg.Secrets.AllowlistFile)
}
