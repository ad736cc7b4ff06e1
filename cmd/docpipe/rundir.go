package main

import (
	"path/filepath"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/config"
	"github.com/jorge-barreto/docpipe/internal/errs"
)

// resolveRunDir maps a run id argument to its directory under runs_root.
// An empty id selects the run the configuration describes.
func resolveRunDir(cfg *config.Config, id string) (string, error) {
	if id == "" {
		return cfg.RunDir(), nil
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", errs.New(errs.KindConfig, errs.CodeConfigInvalid, "invalid run id %q", id).
			WithFix("pass a run id as printed by 'docpipe list'")
	}
	return filepath.Join(cfg.RunsRoot, id), nil
}
