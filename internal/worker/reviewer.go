package worker

import (
	"context"
	"fmt"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/frontmatter"
)

// contentReviewer checks every draft's claims against the evidence map and
// reports per-page findings. Findings are advisory; the gates decide.
type contentReviewer struct{}

func (contentReviewer) Spec() Spec {
	return Spec{
		ID:      ContentReviewer,
		Inputs:  []string{"draft_manifest", "evidence_map", "drafts/*"},
		Outputs: []string{ReviewReportPath},
	}
}

func (w contentReviewer) Run(ctx context.Context, inv *Invocation) (*Output, error) {
	var dm DraftManifest
	if err := inv.DecodeInput("draft_manifest", &dm); err != nil {
		return nil, err
	}
	var em EvidenceMap
	if err := inv.DecodeInput("evidence_map", &em); err != nil {
		return nil, err
	}
	supported := em.Supported()
	minWords := inv.Config.Gates.MinWordsPerPage

	report := ReviewReport{Pages: []PageReview{}}
	out := &Output{}
	for _, d := range dm.Drafts {
		data, err := inv.ReadPath(d.Path)
		if err != nil {
			return nil, err
		}
		_, body, _ := frontmatter.Split(data)
		pr := PageReview{Path: d.Path, Words: Words(string(body)), Findings: []string{}}
		for _, c := range Claims(string(body)) {
			pr.Claims++
			backed := false
			for _, id := range c.Facts {
				if supported[id] {
					backed = true
				} else {
					pr.Findings = append(pr.Findings, fmt.Sprintf("line %d cites fact %s which has no evidence", c.Line, id))
				}
			}
			if backed {
				pr.Supported++
			} else if len(c.Facts) == 0 {
				pr.Findings = append(pr.Findings, fmt.Sprintf("line %d states a claim without a fact marker", c.Line))
			}
		}
		if pr.Words < minWords {
			pr.Findings = append(pr.Findings, fmt.Sprintf("%d words, below the %d word minimum", pr.Words, minWords))
		}
		for _, f := range pr.Findings {
			out.Issues = append(out.Issues, domain.Issue{
				Gate:     string(ContentReviewer),
				Severity: domain.SeverityWarn,
				Message:  f,
				Status:   domain.IssueOpen,
				Files:    []string{d.Path},
			})
		}
		report.Pages = append(report.Pages, pr)
	}
	if err := inv.Stage.WriteJSON(ReviewReportPath, report); err != nil {
		return nil, err
	}
	return out, nil
}
