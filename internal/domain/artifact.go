package domain

import (
	"path"
	"strings"
	"time"
)

// WorkItemStatus of a single worker attempt.
type WorkItemStatus string

const (
	WorkQueued   WorkItemStatus = "queued"
	WorkRunning  WorkItemStatus = "running"
	WorkFinished WorkItemStatus = "finished"
	WorkFailed   WorkItemStatus = "failed"
)

// WorkItem is one worker execution attempt keyed by (worker, attempt).
type WorkItem struct {
	Worker     string         `json:"worker"`
	Attempt    int            `json:"attempt"`
	Status     WorkItemStatus `json:"status"`
	Inputs     []string       `json:"inputs"`
	Outputs    []string       `json:"outputs"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
}

// Duration returns the elapsed time of a finished item, or 0.
func (w WorkItem) Duration() time.Duration {
	if w.StartedAt == nil || w.FinishedAt == nil {
		return 0
	}
	return w.FinishedAt.Sub(*w.StartedAt)
}

// ArtifactEntry is one artifact index row.
type ArtifactEntry struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Checksum     string `json:"checksum"`
	Schema       string `json:"schema,omitempty"`
	WriterWorker string `json:"writer_worker"`
}

// ArtifactName derives the logical name of an artifact from its path
// relative to run_dir: artifacts/page_plan.json is "page_plan", drafts/intro.md
// is "drafts/intro".
func ArtifactName(rel string) string {
	rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if strings.HasPrefix(rel, "artifacts/") && strings.HasSuffix(rel, ".json") {
		return strings.TrimSuffix(strings.TrimPrefix(rel, "artifacts/"), ".json")
	}
	return strings.TrimSuffix(rel, path.Ext(rel))
}

// SchemaID returns the schema identifier for a JSON artifact by filename
// convention (<name>.json -> <name>.schema.json), or "" for non-JSON files.
func SchemaID(rel string) string {
	base := path.Base(rel)
	if !strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".schema.json") {
		return ""
	}
	return strings.TrimSuffix(base, ".json") + ".schema.json"
}

// GoldenRunMetadata is a per (product, source_ref) baseline of canonical
// artifact hashes.
type GoldenRunMetadata struct {
	Product       string            `json:"product"`
	SourceRef     string            `json:"source_ref"`
	RunID         string            `json:"run_id"`
	GitSHA        string            `json:"git_sha"`
	RunConfigHash string            `json:"run_config_hash"`
	Artifacts     map[string]string `json:"artifacts"`
}
