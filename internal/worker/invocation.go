package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/config"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/llm"
	"github.com/jorge-barreto/docpipe/internal/logging"
	"github.com/jorge-barreto/docpipe/internal/source"
	"github.com/jorge-barreto/docpipe/internal/state"
)

// Invocation is everything one worker attempt may use.
type Invocation struct {
	RunID   string
	Worker  ID
	Attempt int
	RunDir  string
	Config  *config.Config
	Inputs  map[string]domain.ArtifactEntry
	Stage   *Stage
	Source  *source.Repo
	LLM     llm.Client
	Logger  *logging.Logger
}

// ReadInput returns the content of a declared input after checking it still
// matches its indexed checksum.
func (inv *Invocation) ReadInput(name string) ([]byte, error) {
	e, ok := inv.Inputs[name]
	if !ok {
		return nil, errs.New(errs.KindWorker, errs.CodeWorkerInputMissing, "%s: %q is not a declared input", inv.Worker, name)
	}
	return inv.read(e)
}

func (inv *Invocation) read(e domain.ArtifactEntry) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(inv.RunDir, filepath.FromSlash(e.Path)))
	if err != nil {
		return nil, errs.Wrap(err, errs.KindWorker, errs.CodeWorkerInputMissing, "reading "+e.Path).WithFiles(e.Path)
	}
	if got := state.ChecksumBytes(data); got != e.Checksum {
		return nil, errs.New(errs.KindPolicy, errs.CodeArtifactChecksum, "%s changed after it was published (index %s, file %s)", e.Path, e.Checksum, got).
			WithFiles(e.Path)
	}
	return data, nil
}

// DecodeInput reads a JSON input into v.
func (inv *Invocation) DecodeInput(name string, v any) error {
	data, err := inv.ReadInput(name)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(err, errs.KindWorker, errs.CodeJSONInvalid, "decoding "+name).WithFiles(inv.Inputs[name].Path)
	}
	return nil
}

// InputsUnder returns the inputs whose name starts with prefix+"/", sorted
// by path.
func (inv *Invocation) InputsUnder(prefix string) []domain.ArtifactEntry {
	var out []domain.ArtifactEntry
	for name, e := range inv.Inputs {
		if strings.HasPrefix(name, prefix+"/") {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ReadPath returns the content of the input published at rel.
func (inv *Invocation) ReadPath(rel string) ([]byte, error) {
	for _, e := range inv.Inputs {
		if e.Path == rel {
			return inv.read(e)
		}
	}
	return nil, errs.New(errs.KindWorker, errs.CodeWorkerInputMissing, "%s: %s is not among the declared inputs", inv.Worker, rel).WithFiles(rel)
}

// Vars returns the DOCPIPE_* variables describing the invocation.
func (inv *Invocation) Vars() map[string]string {
	m := map[string]string{
		"DOCPIPE_RUN_ID":     inv.RunID,
		"DOCPIPE_RUN_DIR":    inv.RunDir,
		"DOCPIPE_WORKER":     string(inv.Worker),
		"DOCPIPE_ATTEMPT":    fmt.Sprint(inv.Attempt),
		"DOCPIPE_STAGE_DIR":  inv.Stage.Dir(),
		"DOCPIPE_PRODUCT":    "",
		"DOCPIPE_SOURCE_REF": "",
	}
	if inv.Config != nil {
		m["DOCPIPE_PRODUCT"] = inv.Config.Product
		m["DOCPIPE_SOURCE_REF"] = inv.Config.SourceRef
		m["DOCPIPE_SOURCE_REPO"] = inv.Config.SourceRepo
	}
	for name, e := range inv.Inputs {
		key := "DOCPIPE_INPUT_" + strings.ToUpper(strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name))
		m[key] = filepath.Join(inv.RunDir, filepath.FromSlash(e.Path))
	}
	return m
}
