package gates

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

func checkFrontmatter(_ context.Context, c *Context) []domain.Issue {
	var out []domain.Issue
	for _, d := range c.readable() {
		if d.HeaderErr != nil {
			out = append(out, withFix(
				newIssue(Frontmatter, domain.SeverityBlocker, errs.CodeFrontmatterInvalid, d.Path(), "frontmatter", "%v", d.HeaderErr),
				"fix the YAML between the leading --- lines", false))
			continue
		}
		for _, key := range worker.RequiredFrontmatter {
			if present(d.Fields[key]) {
				continue
			}
			out = append(out, withFix(
				newIssue(Frontmatter, domain.SeverityError, errs.CodeFrontmatterIncomplete, d.Path(), worker.FrontmatterLocation(key),
					"frontmatter is missing %q", key),
				"add '"+key+"' to the frontmatter", true))
		}
		if v, ok := d.Fields["order"]; ok && present(v) {
			if _, isInt := v.(int); !isInt {
				out = append(out, withFix(
					newIssue(Frontmatter, domain.SeverityError, errs.CodeFrontmatterInvalid, d.Path(), worker.FrontmatterLocation("order"),
						"frontmatter order must be an integer, got %v", v),
					"set order to the page's position in the navigation", false))
			}
		}
		if slug, ok := d.Fields["slug"].(string); ok && slug != "" {
			if base := strings.TrimSuffix(filepath.Base(d.Path()), ".md"); slug != base {
				out = append(out, newIssue(Frontmatter, domain.SeverityWarn, "", d.Path(), worker.FrontmatterLocation("slug"),
					"slug %q does not match the file name %s", slug, base))
			}
		}
	}
	return out
}

func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	}
	return true
}

func checkContentQuality(_ context.Context, c *Context) []domain.Issue {
	var out []domain.Issue
	minWords := c.Gates().MinWordsPerPage
	for _, d := range c.readable() {
		words := worker.Words(d.Body)
		switch {
		case words == 0:
			out = append(out, withFix(
				newIssue(ContentQuality, domain.SeverityBlocker, errs.CodeContentEmpty, d.Path(), "", "%s has no prose", d.Path()),
				"re-run section_writer or remove the page from the plan", false))
		case words < minWords:
			out = append(out, newIssue(ContentQuality, domain.SeverityWarn, errs.CodeContentThin, d.Path(), "",
				"%s has %d words, below the minimum of %d", d.Path(), words, minWords))
		}
		for i, line := range worker.ProseLines(d.Body) {
			tok := worker.HasPlaceholder(line)
			if tok == "" {
				continue
			}
			out = append(out, withFix(
				newIssue(ContentQuality, domain.SeverityError, errs.CodeContentPlaceholder, d.Path(), worker.LinkLocation(d.Line(i+1), tok),
					"placeholder %q left in the page", tok),
				"remove the placeholder line", true))
		}
	}
	return out
}

func checkClaimCoverage(_ context.Context, c *Context) []domain.Issue {
	var em worker.EvidenceMap
	found, err := c.Decode(worker.EvidenceMapPath, &em)
	if !found || err != nil {
		return []domain.Issue{unavailable(ClaimCoverage, worker.EvidenceMapPath, err)}
	}
	var out []domain.Issue
	supported := map[string]bool{}
	for _, ev := range em.Evidence {
		if state.ChecksumBytes([]byte(ev.Excerpt)) != ev.Checksum {
			out = append(out, newIssue(ClaimCoverage, domain.SeverityError, errs.CodeClaimUnsupported, worker.EvidenceMapPath, "fact:"+ev.FactID,
				"evidence for %s does not match its checksum", ev.FactID))
			continue
		}
		supported[ev.FactID] = true
	}

	total, backed := 0, 0
	for _, d := range c.readable() {
		for _, cl := range worker.Claims(d.Body) {
			total++
			if len(cl.Facts) == 0 {
				continue
			}
			ok := true
			for _, f := range cl.Facts {
				if supported[f] {
					continue
				}
				ok = false
				out = append(out, withFix(
					newIssue(ClaimCoverage, domain.SeverityError, errs.CodeClaimUnsupported, d.Path(), worker.LinkLocation(d.Line(cl.Line), "fact:"+f),
						"claim cites fact %s, which has no evidence", f),
					"cite a fact from "+worker.EvidenceMapPath+" or drop the claim", false))
			}
			if ok {
				backed++
			}
		}
	}
	if total == 0 {
		return append(out, newIssue(ClaimCoverage, domain.SeverityInfo, "", "", "", "no claims to check"))
	}
	coverage := float64(backed) / float64(total)
	if minCoverage := c.Gates().MinClaimCoverage; coverage < minCoverage {
		out = append(out, withFix(
			newIssue(ClaimCoverage, domain.SeverityError, errs.CodeClaimCoverageLow, "", "",
				"claim coverage %.2f is below the minimum %.2f (%d of %d claims backed by evidence)", floor2(coverage), minCoverage, backed, total),
			"add fact markers to the unbacked claims", false))
	}
	return out
}

// floor2 truncates to two decimals so a report never rounds up to the
// threshold it failed.
func floor2(f float64) float64 { return math.Floor(f*100) / 100 }

func checkNavigation(_ context.Context, c *Context) []domain.Issue {
	var sm worker.SiteManifest
	found, err := c.Decode(worker.SiteManifestPath, &sm)
	if !found || err != nil {
		return []domain.Issue{unavailable(Navigation, worker.SiteManifestPath, err)}
	}
	drafts := c.draftPaths()
	var out []domain.Issue
	inNav := map[string]bool{}
	orders := map[int]string{}
	for _, n := range sm.Nav {
		if !drafts[n.Path] {
			out = append(out, withFix(
				newIssue(Navigation, domain.SeverityBlocker, errs.CodeNavDangling, n.Path, "",
					"navigation entry %q points to %s, which is not an indexed draft", n.Title, n.Path),
				"re-run publisher", false))
		}
		if prev, dup := orders[n.Order]; dup {
			out = append(out, newIssue(Navigation, domain.SeverityError, errs.CodeNavDuplicateOrder, n.Path, fmt.Sprintf("order:%d", n.Order),
				"%s and %s share navigation order %d", prev, n.Path, n.Order))
		} else {
			orders[n.Order] = n.Path
		}
		inNav[n.Path] = true
	}
	for _, p := range sm.Pages {
		if !drafts[p] {
			out = append(out, newIssue(Navigation, domain.SeverityBlocker, errs.CodeNavDangling, p, "",
				"site manifest lists %s, which is not an indexed draft", p))
		}
	}
	paths := make([]string, 0, len(drafts))
	for p := range drafts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if !inNav[p] {
			out = append(out, withFix(
				newIssue(Navigation, domain.SeverityError, errs.CodeNavOrphan, p, "", "%s is not reachable from the navigation", p),
				"add the page to the page plan", false))
		}
	}
	return out
}

func checkPerformance(_ context.Context, c *Context) []domain.Issue {
	g := c.Gates()
	var out []domain.Issue
	images := map[string]bool{}
	for _, d := range c.readable() {
		if n := len(d.Raw); n > g.MaxPageBytes {
			out = append(out, withFix(
				newIssue(Performance, domain.SeverityError, errs.CodePerfPageSize, d.Path(), "", "%s is %d bytes, above the ceiling of %d", d.Path(), n, g.MaxPageBytes),
				"split the page", false))
		}
		for _, l := range worker.Links(string(d.Raw)) {
			if !l.Image || linkScheme(l.Target) != "" {
				continue
			}
			if rel, ok := resolveLocal(d.Path(), l.Target); ok {
				images[rel] = true
			}
		}
	}

	var sm worker.SiteManifest
	found, err := c.Decode(worker.SiteManifestPath, &sm)
	if found && err == nil {
		for _, a := range sm.Assets {
			images[a] = true
		}
		if sm.BuildSeconds > g.MaxBuildSeconds {
			out = append(out, newIssue(Performance, domain.SeverityError, errs.CodePerfBuildTime, worker.SiteManifestPath, "",
				"site build took %ds, above the ceiling of %ds", sm.BuildSeconds, g.MaxBuildSeconds))
		}
	}

	paths := make([]string, 0, len(images))
	for p := range images {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		info, err := os.Stat(filepath.Join(c.RunDir, filepath.FromSlash(p)))
		if err != nil {
			continue
		}
		if info.Size() > int64(g.MaxImageBytes) {
			out = append(out, withFix(
				newIssue(Performance, domain.SeverityError, errs.CodePerfImageSize, p, "", "%s is %d bytes, above the ceiling of %d", p, info.Size(), g.MaxImageBytes),
				"compress or resize the image", false))
		}
	}
	return out
}
