// Package state owns the physical persistence of a run: the append-only
// event log and the atomically rewritten snapshot.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
)

// SchemaVersion of snapshot.json.
const SchemaVersion = 1

// Failure records why a run reached FAILED or CANCELLED.
type Failure struct {
	Code         string   `json:"error_code"`
	Message      string   `json:"message"`
	Files        []string `json:"files,omitempty"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

// Snapshot is the durable, compacted projection of a run.
type Snapshot struct {
	SchemaVersion  int                             `json:"schema_version"`
	RunID          string                          `json:"run_id"`
	RunState       domain.RunState                 `json:"run_state"`
	SectionStates  map[string]domain.SectionState  `json:"section_states"`
	ArtifactsIndex map[string]domain.ArtifactEntry `json:"artifacts_index"`
	WorkItems      []domain.WorkItem               `json:"work_items"`
	Issues         []domain.Issue                  `json:"issues"`
	FixAttempts    int                             `json:"fix_attempts"`
	FixTarget      string                          `json:"fix_target,omitempty"`
	Budget         budget.Usage                    `json:"budget"`
	Product        string                          `json:"product"`
	SourceRef      string                          `json:"source_ref"`
	GitSHA         string                          `json:"git_sha,omitempty"`
	ConfigHash     string                          `json:"config_hash"`
	Profile        domain.Profile                  `json:"profile"`
	Failure        *Failure                        `json:"failure,omitempty"`
	CreatedAt      time.Time                       `json:"created_at"`
	UpdatedAt      time.Time                       `json:"updated_at"`
}

// NewSnapshot returns a CREATED snapshot.
func NewSnapshot(runID string) *Snapshot {
	return &Snapshot{
		SchemaVersion:  SchemaVersion,
		RunID:          runID,
		RunState:       domain.StateCreated,
		SectionStates:  map[string]domain.SectionState{},
		ArtifactsIndex: map[string]domain.ArtifactEntry{},
		WorkItems:      []domain.WorkItem{},
		Issues:         []domain.Issue{},
	}
}

func snapshotPath(runDir string) string {
	return filepath.Join(runDir, SnapshotFile)
}

// LoadSnapshot reads run_dir/snapshot.json.
func LoadSnapshot(runDir string) (*Snapshot, error) {
	data, err := os.ReadFile(snapshotPath(runDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.KindConfig, errs.CodeRunNotFound, "no snapshot in %s", runDir)
		}
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, errs.CodeSnapshotCorrupt, "decoding "+snapshotPath(runDir)).
			WithFiles(snapshotPath(runDir))
	}
	if !s.RunState.Valid() {
		return nil, errs.New(errs.KindInternal, errs.CodeSnapshotCorrupt, "unknown run_state %q", s.RunState).
			WithFiles(snapshotPath(runDir))
	}
	s.normalize()
	return &s, nil
}

// Save writes the snapshot atomically with stable key ordering.
func (s *Snapshot) Save(runDir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(snapshotPath(runDir), append(data, '\n'), 0644)
}

func (s *Snapshot) normalize() {
	if s.SectionStates == nil {
		s.SectionStates = map[string]domain.SectionState{}
	}
	if s.ArtifactsIndex == nil {
		s.ArtifactsIndex = map[string]domain.ArtifactEntry{}
	}
	if s.WorkItems == nil {
		s.WorkItems = []domain.WorkItem{}
	}
	if s.Issues == nil {
		s.Issues = []domain.Issue{}
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("state: snapshot not serializable: %v", err))
	}
	var c Snapshot
	if err := json.Unmarshal(data, &c); err != nil {
		panic(fmt.Sprintf("state: snapshot round trip: %v", err))
	}
	c.normalize()
	return &c
}

// AddIssues appends issues; existing issues are never removed.
func (s *Snapshot) AddIssues(issues ...domain.Issue) {
	s.Issues = append(s.Issues, issues...)
}

// ResolveIssues marks every open issue raised by gate as RESOLVED.
func (s *Snapshot) ResolveIssues(gate string) int {
	n := 0
	for i := range s.Issues {
		if s.Issues[i].Gate == gate && s.Issues[i].Open() {
			s.Issues[i].Resolve()
			n++
		}
	}
	return n
}

// OpenIssues returns the unresolved issues.
func (s *Snapshot) OpenIssues() []domain.Issue {
	var out []domain.Issue
	for _, is := range s.Issues {
		if is.Open() {
			out = append(out, is)
		}
	}
	return out
}

// IndexArtifact adds or replaces an artifact index entry.
func (s *Snapshot) IndexArtifact(e domain.ArtifactEntry) {
	s.ArtifactsIndex[e.Name] = e
}

// ArtifactByPath finds the index entry for a run-relative path.
func (s *Snapshot) ArtifactByPath(rel string) (domain.ArtifactEntry, bool) {
	e, ok := s.ArtifactsIndex[domain.ArtifactName(rel)]
	if ok && e.Path == rel {
		return e, true
	}
	for _, e := range s.ArtifactsIndex {
		if e.Path == rel {
			return e, true
		}
	}
	return domain.ArtifactEntry{}, false
}
