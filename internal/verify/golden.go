package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/state"
)

// GoldenPath returns the baseline file for a product and source ref.
func GoldenPath(goldenRoot, product, sourceRef string) string {
	return filepath.Join(goldenRoot, domain.Slug(product), domain.Slug(sourceRef)+".json")
}

// CaptureGolden records the artifact hashes of a finished run as the
// baseline for its product and source ref, replacing any previous one.
func CaptureGolden(goldenRoot, runDir string) (*domain.GoldenRunMetadata, string, error) {
	snap, err := state.LoadSnapshot(runDir)
	if err != nil {
		return nil, "", err
	}
	if snap.RunState != domain.StateDone {
		return nil, "", errs.New(errs.KindConfig, errs.CodeConfigInvalid, "run %s is %s; only DONE runs can become a golden baseline", snap.RunID, snap.RunState).
			WithFix("fix the run until `docpipe run` reports DONE, then capture again")
	}
	h, err := HashRun(runDir)
	if err != nil {
		return nil, "", err
	}
	meta := &domain.GoldenRunMetadata{
		Product:       h.Product,
		SourceRef:     h.SourceRef,
		RunID:         h.RunID,
		GitSHA:        h.GitSHA,
		RunConfigHash: h.ConfigHash,
		Artifacts:     h.Artifacts,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encoding golden metadata: %w", err)
	}
	p := GoldenPath(goldenRoot, h.Product, h.SourceRef)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, "", fmt.Errorf("creating golden directory: %w", err)
	}
	if err := state.WriteFileAtomic(p, append(data, '\n'), 0644); err != nil {
		return nil, "", fmt.Errorf("writing %s: %w", p, err)
	}
	return meta, p, nil
}

// LoadGolden reads the baseline for a product and source ref.
func LoadGolden(goldenRoot, product, sourceRef string) (*domain.GoldenRunMetadata, error) {
	p := GoldenPath(goldenRoot, product, sourceRef)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.New(errs.KindConfig, errs.CodeConfigMissing, "no golden baseline for %s @ %s", product, sourceRef).
			WithFiles(p).
			WithFix("capture one with `docpipe golden capture <run-id>`")
	}
	if err != nil {
		return nil, err
	}
	var meta domain.GoldenRunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errs.Wrap(err, errs.KindConfig, errs.CodeConfigInvalid, "decoding "+p).WithFiles(p)
	}
	if meta.Artifacts == nil {
		meta.Artifacts = map[string]string{}
	}
	return &meta, nil
}

// DiffGolden compares the run in runDir to the baseline of its product and
// source ref. When outDir is not empty the report is written there.
func DiffGolden(goldenRoot, runDir, outDir string) (*Report, error) {
	h, err := HashRun(runDir)
	if err != nil {
		return nil, err
	}
	meta, err := LoadGolden(goldenRoot, h.Product, h.SourceRef)
	if err != nil {
		return nil, err
	}
	r := Compare(meta.Artifacts, h.Artifacts)
	r.RunA = "golden:" + meta.RunID
	r.RunB = runDir
	r.Notes = metadataNotes(meta.GitSHA, h.GitSHA, meta.RunConfigHash, h.ConfigHash)
	if outDir == "" {
		return r, nil
	}
	g, err := reportGuard(outDir)
	if err != nil {
		return nil, err
	}
	for i, m := range r.Mismatches {
		if r.Mismatches[i].EvidenceB, err = copyEvidence(g, runDir, m.Path, "b"); err != nil {
			return nil, err
		}
	}
	return r, writeReport(g, r)
}
