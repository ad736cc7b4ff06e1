package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/guard"
	"github.com/jorge-barreto/docpipe/internal/state"
)

// Stage is the private output area of one worker attempt. Paths written to
// it mirror their final location under run_dir and pass the same allow-list.
type Stage struct {
	dir   string
	guard *guard.Guard
}

// NewStage creates an empty staging directory for (id, attempt). Leftovers
// of an interrupted attempt are removed first.
func NewStage(runDir string, id ID, attempt int, allow []string, gov *budget.Governor) (*Stage, error) {
	dir := state.StageDir(runDir, string(id), attempt)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing stage %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating stage %s: %w", dir, err)
	}
	g, err := guard.New(dir, allow, gov)
	if err != nil {
		return nil, err
	}
	return &Stage{dir: g.Boundary(), guard: g}, nil
}

// Dir returns the staging directory.
func (s *Stage) Dir() string { return s.dir }

// WriteFile stages data at rel.
func (s *Stage) WriteFile(rel string, data []byte) error {
	_, err := s.guard.WriteFile(rel, data)
	return err
}

// WriteJSON stages v as indented JSON with a trailing newline.
func (s *Stage) WriteJSON(rel string, v any) error {
	data, err := EncodeJSON(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", rel, err)
	}
	return s.WriteFile(rel, data)
}

// Files lists the staged files as sorted slash paths, including files an
// external command wrote directly.
func (s *Stage) Files() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing stage: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Discard removes the staging directory.
func (s *Stage) Discard() error {
	return os.RemoveAll(s.dir)
}

// EncodeJSON renders v the way every JSON artifact is written: keys sorted,
// two-space indent, no HTML escaping, trailing newline.
func EncodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Publish moves the staged files of spec into run_dir through runGuard and
// returns their index entries sorted by path. Every file is checked before
// the first one moves, so a rejected output publishes nothing.
func Publish(runGuard *guard.Guard, stage *Stage, spec Spec) ([]domain.ArtifactEntry, error) {
	files, err := stage.Files()
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(files))
	for _, f := range files {
		if !spec.Declares(f) {
			return nil, errs.New(errs.KindWorker, errs.CodeWorkerUndeclaredOutput, "%s wrote undeclared output %s", spec.ID, f).
				WithFiles(f).WithFix(fmt.Sprintf("declared outputs are %v", spec.Outputs))
		}
		if err := runGuard.Check(f).Err(); err != nil {
			return nil, err
		}
		have[f] = true
	}
	for _, req := range spec.Required() {
		if !have[req] {
			return nil, errs.New(errs.KindWorker, errs.CodeWorkerOutputMissing, "%s did not produce %s", spec.ID, req).
				WithFiles(req).AsFixable()
		}
	}

	entries := make([]domain.ArtifactEntry, 0, len(files))
	for _, f := range files {
		src := filepath.Join(stage.Dir(), filepath.FromSlash(f))
		sum, err := state.Checksum(src)
		if err != nil {
			return nil, fmt.Errorf("checksumming %s: %w", f, err)
		}
		rel, err := runGuard.Publish(src, f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, domain.ArtifactEntry{
			Name:         domain.ArtifactName(rel),
			Path:         rel,
			Checksum:     sum,
			Schema:       domain.SchemaID(rel),
			WriterWorker: string(spec.ID),
		})
	}
	if err := stage.Discard(); err != nil {
		return nil, err
	}
	return entries, nil
}
