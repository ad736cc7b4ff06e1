package worker

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/frontmatter"
	"github.com/jorge-barreto/docpipe/internal/state"
)

// placeholderRe matches the placeholder tokens the content gate rejects and
// the fixer strips.
var placeholderRe = regexp.MustCompile(`(?i)\b(?:TODO|TBD|FIXME|lorem ipsum|XXX)\b`)

// HasPlaceholder returns the placeholder found on line, or "".
func HasPlaceholder(line string) string {
	return placeholderRe.FindString(line)
}

// LinkLocation formats the location of a link issue.
func LinkLocation(line int, target string) string {
	return strconv.Itoa(line) + ":" + target
}

// ParseLinkLocation splits a link issue location into line and target.
func ParseLinkLocation(loc string) (int, string, bool) {
	l, target, ok := strings.Cut(loc, ":")
	if !ok {
		return 0, "", false
	}
	n, err := strconv.Atoi(l)
	if err != nil {
		return 0, "", false
	}
	return n, target, true
}

// FrontmatterLocation formats the location of a missing frontmatter key.
func FrontmatterLocation(key string) string { return "frontmatter." + key }

// fixer applies deterministic patches for the fixable issues of the last
// validation report.
type fixer struct{}

func (fixer) Spec() Spec {
	return Spec{
		ID:      Fixer,
		Inputs:  []string{"validation_report", "draft_manifest", "drafts/*"},
		Outputs: []string{PatchBundlePath, DraftManifestPath, DraftsPattern},
	}
}

func (w fixer) Run(ctx context.Context, inv *Invocation) (*Output, error) {
	var report ValidationReport
	if err := inv.DecodeInput("validation_report", &report); err != nil {
		return nil, err
	}
	var dm DraftManifest
	if err := inv.DecodeInput("draft_manifest", &dm); err != nil {
		return nil, err
	}
	entries := map[string]int{}
	for i, d := range dm.Drafts {
		entries[d.Path] = i
	}

	byFile := map[string][]domain.Issue{}
	bundle := PatchBundle{Attempt: inv.Attempt, Patches: []Patch{}, Skipped: []SkippedIssue{}}
	for _, is := range report.Issues {
		if !is.Fixable || !is.Open() {
			continue
		}
		f := is.File()
		if _, ok := entries[f]; !ok {
			bundle.Skipped = append(bundle.Skipped, SkippedIssue{IssueID: is.ID, Reason: "target is not a draft: " + f})
			continue
		}
		byFile[f] = append(byFile[f], is)
	}
	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := inv.ReadPath(f)
		if err != nil {
			return nil, err
		}
		d := dm.Drafts[entries[f]]
		for _, is := range byFile[f] {
			before := state.ChecksumBytes(data)
			patched, err := applyFix(data, is, d, entries[f]+1)
			if err != nil {
				bundle.Skipped = append(bundle.Skipped, SkippedIssue{IssueID: is.ID, Reason: err.Error()})
				continue
			}
			after := state.ChecksumBytes(patched)
			if after == before {
				bundle.Skipped = append(bundle.Skipped, SkippedIssue{IssueID: is.ID, Reason: "patch changed nothing"})
				continue
			}
			data = patched
			bundle.Patches = append(bundle.Patches, Patch{
				Path:           f,
				IssueID:        is.ID,
				IssueCode:      is.ErrorCode,
				Location:       is.Location,
				BeforeChecksum: before,
				AfterChecksum:  after,
			})
		}
		if err := inv.Stage.WriteFile(f, data); err != nil {
			return nil, err
		}
		_, body, _ := frontmatter.Split(data)
		dm.Drafts[entries[f]].Checksum = state.ChecksumBytes(data)
		dm.Drafts[entries[f]].Words = Words(string(body))
	}

	if len(bundle.Patches) == 0 {
		return nil, errs.New(errs.KindWorker, errs.CodeWorkerFailed, "fixer: none of the %d fixable issues could be patched", len(report.Issues)).
			WithFix("inspect artifacts/validation_report.json and correct the drafts by hand")
	}
	inv.Logger.Info(ctx, "applied patches", zap.Int("patches", len(bundle.Patches)), zap.Int("skipped", len(bundle.Skipped)))
	if err := inv.Stage.WriteJSON(DraftManifestPath, dm); err != nil {
		return nil, err
	}
	if err := inv.Stage.WriteJSON(PatchBundlePath, bundle); err != nil {
		return nil, err
	}
	return &Output{}, nil
}

// applyFix returns data with the fix for is applied.
func applyFix(data []byte, is domain.Issue, d DraftEntry, order int) ([]byte, error) {
	switch errs.Code(is.ErrorCode) {
	case errs.CodeFrontmatterIncomplete:
		key := strings.TrimPrefix(is.Location, "frontmatter.")
		v, ok := defaultFrontmatter(key, d, order)
		if !ok {
			return nil, fmt.Errorf("no default for frontmatter key %q", key)
		}
		return frontmatter.Set(data, key, v)
	case errs.CodeLinkBroken:
		_, target, ok := ParseLinkLocation(is.Location)
		if !ok {
			return nil, fmt.Errorf("malformed link location %q", is.Location)
		}
		return rewriteLinks(data, target, func(text, _ string) string { return text }), nil
	case errs.CodeInsecureLink:
		_, target, ok := ParseLinkLocation(is.Location)
		if !ok || !strings.HasPrefix(target, "http://") {
			return nil, fmt.Errorf("malformed link location %q", is.Location)
		}
		secure := "https://" + strings.TrimPrefix(target, "http://")
		return rewriteLinks(data, target, func(text, title string) string {
			return "[" + text + "](" + secure + title + ")"
		}), nil
	case errs.CodeContentPlaceholder:
		return dropPlaceholderLines(data), nil
	}
	return nil, fmt.Errorf("no automatic fix for %s", is.ErrorCode)
}

func defaultFrontmatter(key string, d DraftEntry, order int) (any, bool) {
	title := d.Title
	if title == "" {
		title = strings.ReplaceAll(strings.TrimSuffix(path.Base(d.Path), ".md"), "-", " ")
	}
	switch key {
	case "title":
		return title, true
	case "description":
		return title + ".", true
	case "slug":
		if d.Slug != "" {
			return d.Slug, true
		}
		return strings.TrimSuffix(path.Base(d.Path), ".md"), true
	case "order":
		return order, true
	}
	return nil, false
}

// rewriteLinks replaces every non-image link to target with repl(text, title).
func rewriteLinks(data []byte, target string, repl func(text, title string) string) []byte {
	re := regexp.MustCompile(`\[([^\]]*)\]\(` + regexp.QuoteMeta(target) + `(\s+"[^"]*")?\)`)
	s := string(data)
	var b strings.Builder
	last := 0
	for _, m := range re.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > 0 && s[m[0]-1] == '!' {
			continue
		}
		b.WriteString(s[last:m[0]])
		title := ""
		if m[4] >= 0 {
			title = s[m[4]:m[5]]
		}
		b.WriteString(repl(s[m[2]:m[3]], title))
		last = m[1]
	}
	b.WriteString(s[last:])
	return []byte(b.String())
}

func dropPlaceholderLines(data []byte) []byte {
	header, body, ok := frontmatter.Split(data)
	lines := strings.SplitAfter(string(body), "\n")
	var b strings.Builder
	if ok {
		b.WriteString("---\n")
		b.Write(header)
		b.WriteString("---\n")
	}
	for _, line := range lines {
		if HasPlaceholder(line) != "" {
			continue
		}
		b.WriteString(line)
	}
	return []byte(b.String())
}
