package worker

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

// repoScout inventories the source repository at source_ref.
type repoScout struct{}

func (repoScout) Spec() Spec {
	return Spec{ID: RepoScout, Outputs: []string{RepoInventoryPath}}
}

func (w repoScout) Run(ctx context.Context, inv *Invocation) (*Output, error) {
	if inv.Source == nil {
		return nil, errs.New(errs.KindConfig, errs.CodeConfigInvalid, "repo_scout: no source repository")
	}
	src := inv.Source
	keys := src.KeyFiles()
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	out := RepoInventory{
		Product:   inv.Config.Product,
		SourceRef: inv.Config.SourceRef,
		GitSHA:    src.GitSHA,
		Files:     src.Files,
		Languages: src.Languages(),
		TopLevel:  src.TopLevel(),
		KeyFiles:  names,
		Commits:   src.Commits,
	}
	out.Files = nonNil(out.Files)
	out.TopLevel = nonNil(out.TopLevel)
	out.Commits = nonNil(out.Commits)
	inv.Logger.Debug(ctx, "inventoried source", zap.Int("files", len(out.Files)), zap.String("git_sha", out.GitSHA))
	return &Output{}, inv.Stage.WriteJSON(RepoInventoryPath, out)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
