package worker

import (
	"context"
)

// pageTemplate is one page the planner may emit and the fact kinds it
// collects.
type pageTemplate struct {
	slug  string
	title string
	kinds []string
}

var pageTemplates = []pageTemplate{
	{"index", "Overview", []string{FactOverview, FactLanguage, FactLicense, FactHistory}},
	{"getting-started", "Getting started", []string{FactModule, FactBuild}},
	{"architecture", "Architecture", []string{FactLayout}},
}

// iaPlanner groups facts into pages. The index page is always planned;
// other pages only when they have facts to carry.
type iaPlanner struct{}

func (iaPlanner) Spec() Spec {
	return Spec{
		ID:      IAPlanner,
		Inputs:  []string{"product_facts"},
		Outputs: []string{PagePlanPath},
	}
}

func (w iaPlanner) Run(ctx context.Context, inv *Invocation) (*Output, error) {
	var pf ProductFacts
	if err := inv.DecodeInput("product_facts", &pf); err != nil {
		return nil, err
	}
	byKind := map[string][]string{}
	for _, f := range pf.Facts {
		byKind[f.Kind] = append(byKind[f.Kind], f.ID)
	}

	var pages []Page
	for _, t := range pageTemplates {
		var ids []string
		for _, k := range t.kinds {
			ids = append(ids, byKind[k]...)
		}
		if len(ids) == 0 && t.slug != "index" {
			continue
		}
		pages = append(pages, Page{
			Slug:  t.slug,
			Title: t.title,
			Path:  "drafts/" + t.slug + ".md",
			Order: len(pages) + 1,
			Facts: nonNil(ids),
		})
	}
	for i := range pages {
		var links []string
		if pages[i].Slug == "index" {
			for _, p := range pages[1:] {
				links = append(links, p.Slug)
			}
		} else {
			links = []string{"index"}
		}
		pages[i].Links = nonNil(links)
	}
	return &Output{}, inv.Stage.WriteJSON(PagePlanPath, PagePlan{Product: pf.Product, Pages: pages})
}
