package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/guard"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

// ReportFile is the name of the determinism report written by CompareRuns.
const ReportFile = "determinism_report.json"

// MismatchDir holds copies of both versions of every mismatched artifact.
const MismatchDir = "mismatches"

// RunHashes is the canonical hash of every artifact of one run.
type RunHashes struct {
	RunDir     string            `json:"run_dir"`
	RunID      string            `json:"run_id"`
	Product    string            `json:"product"`
	SourceRef  string            `json:"source_ref"`
	GitSHA     string            `json:"git_sha,omitempty"`
	ConfigHash string            `json:"config_hash"`
	Artifacts  map[string]string `json:"artifacts"`
}

// excluded reports paths that legitimately differ between runs.
func excluded(rel string) bool {
	return rel == state.EventsFile || rel == "snapshot.json" ||
		strings.HasPrefix(rel, state.LogsDir+"/") || strings.HasPrefix(rel, ".")
}

// HashRun hashes every indexed artifact of the run in runDir, plus the
// validation report.
func HashRun(runDir string) (*RunHashes, error) {
	snap, err := state.LoadSnapshot(runDir)
	if err != nil {
		return nil, err
	}
	h := &RunHashes{
		RunDir:     runDir,
		RunID:      snap.RunID,
		Product:    snap.Product,
		SourceRef:  snap.SourceRef,
		GitSHA:     snap.GitSHA,
		ConfigHash: snap.ConfigHash,
		Artifacts:  map[string]string{},
	}
	paths := map[string]bool{}
	for _, e := range snap.ArtifactsIndex {
		paths[e.Path] = true
	}
	if _, err := os.Stat(filepath.Join(runDir, worker.ValidationReportPath)); err == nil {
		paths[worker.ValidationReportPath] = true
	}
	for rel := range paths {
		if excluded(rel) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, errs.Wrap(err, errs.KindInternal, errs.CodeRequiredPathMissing, rel+" is indexed but cannot be read").
				WithFiles(rel)
		}
		h.Artifacts[rel] = Hash(rel, data)
	}
	return h, nil
}

// Mismatch is one artifact whose canonical hashes differ.
type Mismatch struct {
	Path      string `json:"path"`
	HashA     string `json:"hash_a"`
	HashB     string `json:"hash_b"`
	EvidenceA string `json:"evidence_a,omitempty"`
	EvidenceB string `json:"evidence_b,omitempty"`
}

// Report is the outcome of a determinism comparison.
type Report struct {
	Equal      bool       `json:"equal"`
	RunA       string     `json:"run_a"`
	RunB       string     `json:"run_b"`
	Compared   int        `json:"compared"`
	Mismatches []Mismatch `json:"mismatches"`
	MissingInA []string   `json:"missing_in_a"`
	MissingInB []string   `json:"missing_in_b"`
	Notes      []string   `json:"notes,omitempty"`
}

// Err returns a GATE_BLOCKED error describing the differences, or nil.
func (r *Report) Err() error {
	if r.Equal {
		return nil
	}
	var files []string
	for _, m := range r.Mismatches {
		files = append(files, m.Path)
	}
	files = append(files, r.MissingInA...)
	files = append(files, r.MissingInB...)
	return errs.New(errs.KindWorker, errs.CodeGateBlocked,
		"runs differ: %d mismatched, %d missing in %s, %d missing in %s",
		len(r.Mismatches), len(r.MissingInA), r.RunA, len(r.MissingInB), r.RunB).
		WithFiles(files...).
		WithFix("diff the copies under " + MismatchDir + "/ to find the nondeterministic worker")
}

// Compare checks the per-path set equality of two hash maps.
func Compare(a, b map[string]string) *Report {
	r := &Report{Mismatches: []Mismatch{}, MissingInA: []string{}, MissingInB: []string{}}
	for p, ha := range a {
		hb, ok := b[p]
		switch {
		case !ok:
			r.MissingInB = append(r.MissingInB, p)
		case ha != hb:
			r.Mismatches = append(r.Mismatches, Mismatch{Path: p, HashA: ha, HashB: hb})
		default:
			r.Compared++
		}
	}
	for p := range b {
		if _, ok := a[p]; !ok {
			r.MissingInA = append(r.MissingInA, p)
		}
	}
	sort.Slice(r.Mismatches, func(i, j int) bool { return r.Mismatches[i].Path < r.Mismatches[j].Path })
	sort.Strings(r.MissingInA)
	sort.Strings(r.MissingInB)
	r.Compared += len(r.Mismatches)
	r.Equal = len(r.Mismatches) == 0 && len(r.MissingInA) == 0 && len(r.MissingInB) == 0
	return r
}

// CompareRuns compares two finished runs. When outDir is not empty both
// versions of every mismatched artifact are copied under outDir/mismatches
// and the report is written to outDir/determinism_report.json.
func CompareRuns(runA, runB, outDir string) (*Report, error) {
	ha, err := HashRun(runA)
	if err != nil {
		return nil, err
	}
	hb, err := HashRun(runB)
	if err != nil {
		return nil, err
	}
	r := Compare(ha.Artifacts, hb.Artifacts)
	r.RunA, r.RunB = runA, runB
	r.Notes = metadataNotes(ha.GitSHA, hb.GitSHA, ha.ConfigHash, hb.ConfigHash)
	if outDir == "" {
		return r, nil
	}
	g, err := reportGuard(outDir)
	if err != nil {
		return nil, err
	}
	for i, m := range r.Mismatches {
		if r.Mismatches[i].EvidenceA, err = copyEvidence(g, runA, m.Path, "a"); err != nil {
			return nil, err
		}
		if r.Mismatches[i].EvidenceB, err = copyEvidence(g, runB, m.Path, "b"); err != nil {
			return nil, err
		}
	}
	return r, writeReport(g, r)
}

func metadataNotes(shaA, shaB, cfgA, cfgB string) []string {
	var notes []string
	if shaA != shaB {
		notes = append(notes, fmt.Sprintf("source commit differs: %q vs %q", shaA, shaB))
	}
	if cfgA != cfgB {
		notes = append(notes, fmt.Sprintf("run config hash differs: %s vs %s", cfgA, cfgB))
	}
	return notes
}

// reportGuard confines report and evidence writes to outDir. Artifact paths
// come from the snapshot, so they are checked like any other write.
func reportGuard(outDir string) (*guard.Guard, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", outDir, err)
	}
	return guard.New(outDir, []string{MismatchDir + "/**", ReportFile}, nil)
}

func copyEvidence(g *guard.Guard, runDir, rel, suffix string) (string, error) {
	data, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(rel)))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	return g.WriteFile(MismatchDir+"/"+rel+"."+suffix, data)
}

func writeReport(g *guard.Guard, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding determinism report: %w", err)
	}
	_, err = g.WriteFile(ReportFile, append(data, '\n'))
	return err
}
