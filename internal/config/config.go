package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/logging"
	"github.com/jorge-barreto/docpipe/internal/telemetry"
)

// FileName is the conventional run configuration file.
const FileName = "docpipe.yaml"

type GatesConfig struct {
	MaxPageBytes     int      `koanf:"max_page_bytes" json:"max_page_bytes"`
	MaxImageBytes    int      `koanf:"max_image_bytes" json:"max_image_bytes"`
	MaxBuildSeconds  int      `koanf:"max_build_seconds" json:"max_build_seconds"`
	MinClaimCoverage float64  `koanf:"min_claim_coverage" json:"min_claim_coverage"`
	MinWordsPerPage  int      `koanf:"min_words_per_page" json:"min_words_per_page"`
	Disabled         []string `koanf:"disabled" json:"disabled"`
}

type SecretsConfig struct {
	AllowlistFile    string  `koanf:"allowlist_file" json:"-"`
	EntropyThreshold float64 `koanf:"entropy_threshold" json:"entropy_threshold"`
	Gitleaks         bool    `koanf:"gitleaks" json:"gitleaks"`
}

type LLMConfig struct {
	Provider         string `koanf:"provider" json:"provider"`
	Model            string `koanf:"model" json:"model"`
	MaxTokensPerCall int    `koanf:"max_tokens_per_call" json:"max_tokens_per_call"`
}

// WorkersConfig overrides built-in workers with external commands, keyed by
// worker id. Commands run via bash -c inside the run's staging directory.
type WorkersConfig struct {
	External map[string]string `koanf:"external" json:"external"`
	Timeout  time.Duration     `koanf:"timeout" json:"timeout"`
	LLM      LLMConfig         `koanf:"llm" json:"llm"`
}

// Config is the immutable input of a run. It is loaded once; the
// orchestrator never mutates it.
type Config struct {
	Product        string         `koanf:"product"`
	SourceRef      string         `koanf:"source_ref"`
	SourceRepo     string         `koanf:"source_repo"`
	Profile        domain.Profile `koanf:"profile"`
	RunsRoot       string         `koanf:"runs_root"`
	GoldenRoot     string         `koanf:"golden_root"`
	Taskcard       string         `koanf:"taskcard"`
	AuthzRegistry  string         `koanf:"authz_registry"`
	MaxFixAttempts int            `koanf:"max_fix_attempts"`

	Budget    budget.Limits    `koanf:"budget"`
	Gates     GatesConfig      `koanf:"gates"`
	Secrets   SecretsConfig    `koanf:"secrets"`
	Workers   WorkersConfig    `koanf:"workers"`
	Log       logging.Config   `koanf:"log"`
	Telemetry telemetry.Config `koanf:"telemetry"`

	// Dir is the directory relative paths are resolved against.
	Dir string `koanf:"-"`
}

// hashView holds the fields that decide what a run produces. Output
// locations, logging and telemetry are excluded so the same input hashes the
// same wherever it runs.
type hashView struct {
	Product        string         `json:"product"`
	SourceRef      string         `json:"source_ref"`
	Profile        domain.Profile `json:"profile"`
	Taskcard       string         `json:"taskcard"`
	MaxFixAttempts int            `json:"max_fix_attempts"`
	Budget         budget.Limits  `json:"budget"`
	Gates          GatesConfig    `json:"gates"`
	Secrets        SecretsConfig  `json:"secrets"`
	Workers        WorkersConfig  `json:"workers"`
}

// Hash returns the sha256 of the canonical JSON of the execution-relevant
// fields, prefixed "sha256:".
func (c *Config) Hash() string {
	raw, err := json.Marshal(hashView{
		Product:        c.Product,
		SourceRef:      c.SourceRef,
		Profile:        c.Profile,
		Taskcard:       c.Taskcard,
		MaxFixAttempts: c.MaxFixAttempts,
		Budget:         c.Budget,
		Gates:          c.Gates,
		Secrets:        c.Secrets,
		Workers:        c.Workers,
	})
	if err != nil {
		panic("config: hashing: " + err.Error())
	}
	var tree any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		panic("config: hashing: " + err.Error())
	}
	canonical, _ := json.Marshal(tree)
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// RunID returns the deterministic run id for this configuration.
func (c *Config) RunID() string {
	return domain.RunID(c.Product, c.SourceRef, c.Hash())
}

// RunDir returns the run directory for this configuration.
func (c *Config) RunDir() string {
	return filepath.Join(c.RunsRoot, c.RunID())
}

// WithRunsRoot returns a copy of c writing runs under root. The run id is
// unchanged.
func (c *Config) WithRunsRoot(root string) *Config {
	cp := *c
	cp.RunsRoot = root
	return &cp
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
