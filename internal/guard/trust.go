package guard

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

// TrustBoundary forbids spawning subprocesses whose working directory lies
// inside an untrusted tree (the checked-out source repository). Trusted
// roots, when set, further restrict spawns to those trees.
type TrustBoundary struct {
	untrusted []string
	trusted   []string
}

// NewTrustBoundary resolves the given roots. Roots that do not exist are
// kept as cleaned absolute paths.
func NewTrustBoundary(untrusted, trusted []string) *TrustBoundary {
	return &TrustBoundary{untrusted: resolveAll(untrusted), trusted: resolveAll(trusted)}
}

func resolveAll(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		if real, err := resolve(abs); err == nil {
			abs = real
		}
		out = append(out, abs)
	}
	return out
}

// CheckSpawn validates a subprocess working directory. The directory is
// symlink-resolved first, so a trusted-looking path that links into an
// untrusted tree is rejected.
func (tb *TrustBoundary) CheckSpawn(dir string) Verdict {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return reject(dir, errs.CodeUntrustedExec, fmt.Sprintf("cannot resolve working directory: %v", err))
	}
	real, err := resolve(abs)
	if err != nil {
		return reject(dir, errs.CodeUntrustedExec, fmt.Sprintf("cannot resolve working directory: %v", err))
	}
	for _, u := range tb.untrusted {
		if _, inside := within(u, real); inside {
			return reject(dir, errs.CodeUntrustedExec, fmt.Sprintf("working directory %s is inside untrusted tree %s", real, u))
		}
	}
	if len(tb.trusted) > 0 {
		for _, t := range tb.trusted {
			if _, inside := within(t, real); inside {
				return Verdict{Allowed: true, Target: dir, Resolved: real}
			}
		}
		return reject(dir, errs.CodeUntrustedExec, fmt.Sprintf("working directory %s is outside the trusted roots", real))
	}
	return Verdict{Allowed: true, Target: dir, Resolved: real}
}

// Command builds an *exec.Cmd rooted at dir only after CheckSpawn allows it.
func (tb *TrustBoundary) Command(ctx context.Context, dir, name string, args ...string) (*exec.Cmd, error) {
	v := tb.CheckSpawn(dir)
	if err := v.Err(); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = v.Resolved
	return cmd, nil
}
