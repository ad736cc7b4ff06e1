package worker

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/fileblocks"
	"github.com/jorge-barreto/docpipe/internal/frontmatter"
	"github.com/jorge-barreto/docpipe/internal/llm"
	"github.com/jorge-barreto/docpipe/internal/state"
)

const writerSystemPrompt = `You write one page of product documentation.
Expand the outline under each "### file:" heading into the final page.
Keep every <!-- fact:ID --> marker on the line of the statement it supports.
Answer with one fenced block per file: ` + "```markdown file=<path>"

// DraftMeta is the frontmatter every draft carries.
type DraftMeta struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Slug        string `yaml:"slug"`
	Order       int    `yaml:"order"`
}

// RequiredFrontmatter lists the keys a draft must define.
var RequiredFrontmatter = []string{"title", "description", "slug", "order"}

var pageIntros = map[string]string{
	"index":           "This page introduces %s.",
	"getting-started": "This page explains how to obtain and build %s.",
	"architecture":    "This page describes how the %s repository is organized.",
}

// sectionWriter drafts one page per planned page through the model client.
type sectionWriter struct{}

func (sectionWriter) Spec() Spec {
	return Spec{
		ID:      SectionWriter,
		Inputs:  []string{"page_plan", "product_facts"},
		Outputs: []string{DraftsPattern, DraftManifestPath},
		UsesLLM: true,
	}
}

func (w sectionWriter) Run(ctx context.Context, inv *Invocation) (*Output, error) {
	var plan PagePlan
	if err := inv.DecodeInput("page_plan", &plan); err != nil {
		return nil, err
	}
	var pf ProductFacts
	if err := inv.DecodeInput("product_facts", &pf); err != nil {
		return nil, err
	}
	if inv.LLM == nil {
		return nil, errs.New(errs.KindInternal, errs.CodeInternal, "section_writer: no model client")
	}
	facts := pf.ByID()
	titles := map[string]string{}
	for _, p := range plan.Pages {
		titles[p.Slug] = p.Title
	}

	manifest := DraftManifest{Drafts: []DraftEntry{}}
	for _, page := range plan.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := inv.LLM.Complete(ctx, llm.Request{
			Worker:    string(SectionWriter),
			Purpose:   "draft " + page.Slug,
			System:    writerSystemPrompt,
			Prompt:    outline(page, pf.Product, facts, titles),
			MaxTokens: inv.Config.Workers.LLM.MaxTokensPerCall,
		})
		if err != nil {
			return nil, err
		}
		blocks, err := fileblocks.Under(fileblocks.Parse(resp.Text), state.DraftsDir)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindWorker, errs.CodeWorkerFailed, "model response for "+page.Slug).AsFixable()
		}
		body, ok := blockFor(blocks, page.Path)
		if !ok {
			return nil, errs.New(errs.KindWorker, errs.CodeWorkerOutputMissing, "model response has no block for %s", page.Path).
				WithFiles(page.Path).AsFixable()
		}
		meta := DraftMeta{
			Title:       page.Title,
			Description: fmt.Sprintf("%s of %s.", page.Title, pf.Product),
			Slug:        page.Slug,
			Order:       page.Order,
		}
		data, err := frontmatter.Render(meta, []byte(body))
		if err != nil {
			return nil, fmt.Errorf("rendering %s: %w", page.Path, err)
		}
		if err := inv.Stage.WriteFile(page.Path, data); err != nil {
			return nil, err
		}
		manifest.Drafts = append(manifest.Drafts, DraftEntry{
			Slug:     page.Slug,
			Path:     page.Path,
			Title:    page.Title,
			Checksum: state.ChecksumBytes(data),
			Words:    Words(body),
		})
		inv.Logger.Debug(ctx, "drafted page", zap.String("path", page.Path), zap.Int("tokens", resp.Tokens()))
	}
	return &Output{}, inv.Stage.WriteJSON(DraftManifestPath, manifest)
}

// outline builds the per-page prompt: heading, intro, one list item per
// fact with its marker, and the related-page links.
func outline(page Page, product string, facts map[string]Fact, titles map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s\n", llm.FileMarker, page.Path)
	fmt.Fprintf(&b, "# %s\n\n", page.Title)
	intro, ok := pageIntros[page.Slug]
	if !ok {
		intro = "This page covers %s."
	}
	fmt.Fprintf(&b, intro+"\n\n", product)
	for _, id := range page.Facts {
		f, ok := facts[id]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s <!-- fact:%s -->\n", f.Statement, f.ID)
	}
	if len(page.Links) > 0 {
		b.WriteString("\n## See also\n\n")
		for _, slug := range page.Links {
			fmt.Fprintf(&b, "- [%s](%s.md)\n", titles[slug], slug)
		}
	}
	return b.String()
}

func blockFor(blocks []fileblocks.Block, p string) (string, bool) {
	for _, bl := range blocks {
		if path.Clean(bl.Path) == p {
			content := bl.Content
			if !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			return content, true
		}
	}
	return "", false
}
