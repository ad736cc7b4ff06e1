package verify

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/jorge-barreto/docpipe/internal/config"
)

// RunFunc executes one pipeline for cfg and returns its run directory. It
// returns an error unless the run reached DONE.
type RunFunc func(ctx context.Context, cfg *config.Config) (runDir string, err error)

// TwoRun executes the pipeline twice with identical configuration under
// root/a and root/b, concurrently, and compares the results. Evidence and
// the report are written to root.
func TwoRun(ctx context.Context, cfg *config.Config, root string, run RunFunc) (*Report, error) {
	roots := [2]string{filepath.Join(root, "a"), filepath.Join(root, "b")}
	var dirs [2]string

	g, gctx := errgroup.WithContext(ctx)
	for i := range roots {
		g.Go(func() error {
			dir, err := run(gctx, cfg.WithRunsRoot(roots[i]))
			if err != nil {
				return fmt.Errorf("run %s: %w", filepath.Base(roots[i]), err)
			}
			dirs[i] = dir
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return CompareRuns(dirs[0], dirs[1], root)
}
