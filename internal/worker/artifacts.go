package worker

import (
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/source"
)

// Artifact paths relative to run_dir.
const (
	RepoInventoryPath    = "artifacts/repo_inventory.json"
	ProductFactsPath     = "artifacts/product_facts.json"
	EvidenceMapPath      = "artifacts/evidence_map.json"
	PagePlanPath         = "artifacts/page_plan.json"
	DraftManifestPath    = "artifacts/draft_manifest.json"
	ReviewReportPath     = "artifacts/review_report.json"
	SiteManifestPath     = "artifacts/site_manifest.json"
	PatchBundlePath      = "artifacts/patch_bundle.json"
	ValidationReportPath = "artifacts/validation_report.json"
	DraftsPattern        = "drafts/*.md"
)

// ValidationWriter is the writer_worker recorded for the gate engine's
// report so the fixer can declare it as an input.
const ValidationWriter = "validation_gate"

// RepoInventory is written by repo_scout.
type RepoInventory struct {
	Product   string         `json:"product"`
	SourceRef string         `json:"source_ref"`
	GitSHA    string         `json:"git_sha"`
	Files     []source.File  `json:"files"`
	Languages map[string]int `json:"languages"`
	TopLevel  []string       `json:"top_level"`
	KeyFiles  []string       `json:"key_files"`
	Commits   []string       `json:"commits"`
}

// Fact kinds.
const (
	FactOverview = "overview"
	FactLanguage = "language"
	FactLicense  = "license"
	FactModule   = "module"
	FactBuild    = "build"
	FactLayout   = "layout"
	FactHistory  = "history"
)

// Fact is one statement about the product backed by a source file.
type Fact struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Statement string `json:"statement"`
	Source    string `json:"source"`
}

// ProductFacts is written by facts_builder.
type ProductFacts struct {
	Product   string `json:"product"`
	SourceRef string `json:"source_ref"`
	Facts     []Fact `json:"facts"`
}

// ByID indexes the facts.
func (p *ProductFacts) ByID() map[string]Fact {
	m := make(map[string]Fact, len(p.Facts))
	for _, f := range p.Facts {
		m[f.ID] = f
	}
	return m
}

// Evidence ties a fact to the excerpt of the source it came from.
type Evidence struct {
	FactID   string `json:"fact_id"`
	Source   string `json:"source"`
	Excerpt  string `json:"excerpt"`
	Checksum string `json:"checksum"`
}

// EvidenceMap is written by facts_builder.
type EvidenceMap struct {
	GitSHA   string     `json:"git_sha"`
	Evidence []Evidence `json:"evidence"`
}

// Supported returns the fact ids that have evidence.
func (e *EvidenceMap) Supported() map[string]bool {
	m := make(map[string]bool, len(e.Evidence))
	for _, ev := range e.Evidence {
		m[ev.FactID] = true
	}
	return m
}

// Page is one planned documentation page.
type Page struct {
	Slug  string   `json:"slug"`
	Title string   `json:"title"`
	Path  string   `json:"path"`
	Order int      `json:"order"`
	Facts []string `json:"facts"`
	Links []string `json:"links"`
}

// PagePlan is written by ia_planner.
type PagePlan struct {
	Product string `json:"product"`
	Pages   []Page `json:"pages"`
}

// DraftEntry describes one written page.
type DraftEntry struct {
	Slug     string `json:"slug"`
	Path     string `json:"path"`
	Title    string `json:"title"`
	Checksum string `json:"checksum"`
	Words    int    `json:"words"`
}

// DraftManifest is written by section_writer and rewritten by the fixer.
type DraftManifest struct {
	Drafts []DraftEntry `json:"drafts"`
}

// PageReview is content_reviewer's verdict on one page.
type PageReview struct {
	Path      string   `json:"path"`
	Words     int      `json:"words"`
	Claims    int      `json:"claims"`
	Supported int      `json:"supported"`
	Findings  []string `json:"findings"`
}

// ReviewReport is written by content_reviewer.
type ReviewReport struct {
	Pages []PageReview `json:"pages"`
}

// NavEntry is one navigation item of the published site.
type NavEntry struct {
	Title string `json:"title"`
	Path  string `json:"path"`
	Order int    `json:"order"`
}

// SiteManifest is written by publisher.
type SiteManifest struct {
	Product      string     `json:"product"`
	SourceRef    string     `json:"source_ref"`
	Nav          []NavEntry `json:"nav"`
	Pages        []string   `json:"pages"`
	Assets       []string   `json:"assets"`
	BuildSeconds int        `json:"build_seconds"`
}

// Patch records one applied fix.
type Patch struct {
	Path           string `json:"path"`
	IssueID        string `json:"issue_id"`
	IssueCode      string `json:"issue_code"`
	Location       string `json:"location,omitempty"`
	BeforeChecksum string `json:"before_checksum"`
	AfterChecksum  string `json:"after_checksum"`
}

// SkippedIssue is a fixable issue the fixer could not apply.
type SkippedIssue struct {
	IssueID string `json:"issue_id"`
	Reason  string `json:"reason"`
}

// PatchBundle is written by the fixer.
type PatchBundle struct {
	Attempt int            `json:"attempt"`
	Patches []Patch        `json:"patches"`
	Skipped []SkippedIssue `json:"skipped"`
}

// GateSummary is one gate's line in the validation report.
type GateSummary struct {
	ID         string `json:"id"`
	Passed     bool   `json:"passed"`
	IssueCount int    `json:"issue_count"`
}

// ValidationReport is the gate engine's aggregate verdict.
type ValidationReport struct {
	OK      bool           `json:"ok"`
	Profile domain.Profile `json:"profile"`
	Gates   []GateSummary  `json:"gates"`
	Issues  []domain.Issue `json:"issues"`
}
