package scaffold

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jorge-barreto/docpipe/internal/authz"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/guard"
	"github.com/jorge-barreto/docpipe/internal/ux"
)

// ConfigFile is the name of the run configuration written by Init.
const ConfigFile = "docpipe.yaml"

// ExampleRecord is the id of the authorization record written by Init.
const ExampleRecord = "DOC-1"

const configHeader = `# docpipe run configuration. See 'docpipe docs config'.
# The run id is derived from product, source_ref and the settings below, so
# changing any of them starts a new run.
`

// fileConfig is the subset of the configuration Init writes, in file order.
type fileConfig struct {
	Product        string      `yaml:"product"`
	SourceRef      string      `yaml:"source_ref"`
	SourceRepo     string      `yaml:"source_repo"`
	Profile        string      `yaml:"profile"`
	Taskcard       string      `yaml:"taskcard"`
	MaxFixAttempts int         `yaml:"max_fix_attempts"`
	Budget         fileBudget  `yaml:"budget"`
	Workers        fileWorkers `yaml:"workers"`
}

type fileBudget struct {
	MaxLLMCalls      int    `yaml:"max_llm_calls"`
	MaxLLMTokens     int    `yaml:"max_llm_tokens"`
	MaxFileWrites    int    `yaml:"max_file_writes"`
	MaxPatchAttempts int    `yaml:"max_patch_attempts"`
	MaxElapsed       string `yaml:"max_elapsed"`
}

type fileWorkers struct {
	LLM fileLLM `yaml:"llm"`
}

type fileLLM struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model,omitempty"`
}

// Init writes docpipe.yaml and an example authorization record into
// targetDir. sourceRepo is the repository to document; it defaults to
// targetDir.
func Init(targetDir, sourceRepo string, w io.Writer) error {
	cfgPath := filepath.Join(targetDir, ConfigFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return errs.New(errs.KindConfig, errs.CodeConfigInvalid, "%s already exists in %s", ConfigFile, targetDir).
			WithFiles(cfgPath)
	}
	if sourceRepo == "" {
		sourceRepo = targetDir
	}
	det := Detect(sourceRepo)

	repoField := sourceRepo
	if rel, err := filepath.Rel(targetDir, sourceRepo); err == nil && filepath.IsLocal(rel) {
		repoField = rel
	}
	cfg := fileConfig{
		Product:        det.Product,
		SourceRef:      det.SourceRef,
		SourceRepo:     repoField,
		Profile:        "local",
		Taskcard:       ExampleRecord,
		MaxFixAttempts: 2,
		Budget: fileBudget{
			MaxLLMCalls:      50,
			MaxLLMTokens:     200000,
			MaxFileWrites:    500,
			MaxPatchAttempts: 5,
			MaxElapsed:       "30m",
		},
		Workers: fileWorkers{LLM: fileLLM{Provider: "offline"}},
	}
	var buf bytes.Buffer
	buf.WriteString(configHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding %s: %w", ConfigFile, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding %s: %w", ConfigFile, err)
	}

	record, err := exampleRecord()
	if err != nil {
		return err
	}
	files := []struct{ rel, content string }{
		{ConfigFile, buf.String()},
		{filepath.Join(".docpipe", "taskcards", ExampleRecord+".md"), record},
		{filepath.Join(".docpipe", ".gitignore"), "runs/\n"},
	}
	for _, f := range files {
		p := filepath.Join(targetDir, f.rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", f.rel, err)
		}
		if err := os.WriteFile(p, []byte(f.content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", f.rel, err)
		}
	}

	fmt.Fprintf(w, "\n%s%s✓ Initialized docpipe for %s%s\n\n", ux.Bold, ux.Green, det.Product, ux.Reset)
	fmt.Fprintf(w, "  Created:\n")
	fmt.Fprintf(w, "    %s%s%s                      run configuration\n", ux.Cyan, ConfigFile, ux.Reset)
	fmt.Fprintf(w, "    %s.docpipe/taskcards/%s.md%s      example authorization record\n\n", ux.Cyan, ExampleRecord, ux.Reset)
	fmt.Fprintf(w, "  Next steps:\n")
	fmt.Fprintf(w, "    1. Check %sproduct%s and %ssource_ref%s in %s\n", ux.Cyan, ux.Reset, ux.Cyan, ux.Reset, ConfigFile)
	fmt.Fprintf(w, "    2. Run %sdocpipe run%s\n\n", ux.Cyan, ux.Reset)
	return nil
}

// exampleRecord renders an active record granting the default write paths.
func exampleRecord() (string, error) {
	rec := authz.Record{
		ID:           ExampleRecord,
		Status:       authz.StatusInProgress,
		Title:        "Generate product documentation",
		AllowedPaths: []string{guard.DefaultAllow[0], guard.DefaultAllow[1]},
	}
	head, err := yaml.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding authorization record: %w", err)
	}
	return "---\n" + string(head) + "---\n\nScope: documentation drafts and pipeline artifacts only.\n", nil
}
