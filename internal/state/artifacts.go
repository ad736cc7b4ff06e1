package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Run directory layout.
const (
	SnapshotFile    = "snapshot.json"
	EventsFile      = "events.ndjson"
	LockFile        = ".lock"
	CancelFile      = "cancel.request"
	StagingDir      = ".staging"
	ArtifactsDir    = "artifacts"
	DraftsDir       = "drafts"
	LogsDir         = "logs"
	SchemasDir      = "schemas"
	ReportFile      = "artifacts/validation_report.json"
	OrchestratorLog = "logs/orchestrator.log"
	MetricsFile     = "logs/metrics.prom"
)

// EnsureDir creates the run directory structure.
func EnsureDir(runDir string) error {
	dirs := []string{
		runDir,
		filepath.Join(runDir, ArtifactsDir),
		filepath.Join(runDir, DraftsDir),
		filepath.Join(runDir, LogsDir),
		filepath.Join(runDir, SchemasDir),
		filepath.Join(runDir, StagingDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating run dir %s: %w", d, err)
		}
	}
	return nil
}

// StageDir returns the staging directory of one worker attempt.
func StageDir(runDir, worker string, attempt int) string {
	return filepath.Join(runDir, StagingDir, fmt.Sprintf("%s-%d", worker, attempt))
}

// GateLogPath returns the per-gate log path relative to run_dir.
func GateLogPath(gate string) string {
	return filepath.ToSlash(filepath.Join(LogsDir, fmt.Sprintf("gate_%s.log", gate)))
}

// CheckOutputs returns the expected outputs (relative to dir) that are missing.
func CheckOutputs(dir string, outputs []string) []string {
	var missing []string
	for _, o := range outputs {
		if _, err := os.Stat(filepath.Join(dir, o)); err != nil {
			missing = append(missing, o)
		}
	}
	return missing
}

// Checksum returns "sha256:<hex>" of the file content.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes returns "sha256:<hex>" of data.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// RunSummary is one entry of ListRuns.
type RunSummary struct {
	RunID     string
	Dir       string
	State     string
	Product   string
	SourceRef string
	Locked    bool
	Err       error
}

// ListRuns lists the run directories under runsRoot sorted by run id. A run
// whose snapshot cannot be read is reported with Err set.
func ListRuns(runsRoot string) ([]RunSummary, error) {
	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)

	out := make([]RunSummary, 0, len(ids))
	for _, id := range ids {
		dir := filepath.Join(runsRoot, id)
		if _, err := os.Stat(filepath.Join(dir, SnapshotFile)); err != nil {
			continue
		}
		sum := RunSummary{RunID: id, Dir: dir, Locked: IsLocked(dir)}
		snap, err := LoadSnapshot(dir)
		if err != nil {
			sum.Err = err
		} else {
			sum.State = string(snap.RunState)
			sum.Product = snap.Product
			sum.SourceRef = snap.SourceRef
		}
		out = append(out, sum)
	}
	return out, nil
}
