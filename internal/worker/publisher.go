package worker

import (
	"context"
	"sort"
)

// publisher assembles the site manifest: navigation in plan order over the
// pages that were actually drafted.
type publisher struct{}

func (publisher) Spec() Spec {
	return Spec{
		ID:      Publisher,
		Inputs:  []string{"draft_manifest", "review_report", "page_plan"},
		Outputs: []string{SiteManifestPath},
	}
}

func (w publisher) Run(ctx context.Context, inv *Invocation) (*Output, error) {
	var dm DraftManifest
	if err := inv.DecodeInput("draft_manifest", &dm); err != nil {
		return nil, err
	}
	var rr ReviewReport
	if err := inv.DecodeInput("review_report", &rr); err != nil {
		return nil, err
	}
	var plan PagePlan
	if err := inv.DecodeInput("page_plan", &plan); err != nil {
		return nil, err
	}
	drafted := map[string]bool{}
	for _, d := range dm.Drafts {
		drafted[d.Path] = true
	}

	site := SiteManifest{
		Product:   inv.Config.Product,
		SourceRef: inv.Config.SourceRef,
		Nav:       []NavEntry{},
		Pages:     []string{},
		Assets:    []string{},
	}
	for _, p := range plan.Pages {
		if !drafted[p.Path] {
			continue
		}
		site.Nav = append(site.Nav, NavEntry{Title: p.Title, Path: p.Path, Order: p.Order})
	}
	sort.SliceStable(site.Nav, func(i, j int) bool { return site.Nav[i].Order < site.Nav[j].Order })
	for _, d := range dm.Drafts {
		site.Pages = append(site.Pages, d.Path)
	}
	sort.Strings(site.Pages)
	return &Output{}, inv.Stage.WriteJSON(SiteManifestPath, site)
}
