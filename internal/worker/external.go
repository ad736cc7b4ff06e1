package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

// maxCapturedOutput bounds the command output kept for the worker log.
const maxCapturedOutput = 1 << 20

// CommandRunner builds subprocesses. *guard.TrustBoundary satisfies it and
// refuses working directories inside the source repository.
type CommandRunner interface {
	Command(ctx context.Context, dir, name string, args ...string) (*exec.Cmd, error)
}

// External runs a configured shell command in place of a built-in worker.
// The command runs in the stage directory and must write its declared
// outputs there.
type External struct {
	spec    Spec
	command string
	runner  CommandRunner
}

// NewExternal returns a command worker with the declared interface of spec.
func NewExternal(spec Spec, command string, runner CommandRunner) *External {
	spec.UsesLLM = false
	return &External{spec: spec, command: command, runner: runner}
}

func (e *External) Spec() Spec { return e.spec }

// Command returns the configured command line.
func (e *External) Command() string { return e.command }

func (e *External) Run(ctx context.Context, inv *Invocation) (*Output, error) {
	if timeout := inv.Config.Workers.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	vars := inv.Vars()
	expanded := ExpandVars(e.command, vars)
	cmd, err := e.runner.Command(ctx, inv.Stage.Dir(), "bash", "-c", expanded)
	if err != nil {
		return nil, err
	}
	cmd.Env = BuildEnv(vars)

	captured := &limitedBuffer{max: maxCapturedOutput}
	cmd.Stdout = captured
	cmd.Stderr = captured

	start := time.Now()
	code, runErr := exitCode(cmd.Run())
	out := &Output{Log: captured.Bytes()}
	inv.Logger.Debug(ctx, "external worker exited",
		zap.String("command", e.command), zap.Int("exit_code", code), zap.Duration("elapsed", time.Since(start)))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, errs.New(errs.KindWorker, errs.CodeWorkerFailed, "%s: command timed out after %s", e.spec.ID, inv.Config.Workers.Timeout).
			WithFix("raise workers.timeout or speed up the command").AsFixable()
	}
	if runErr != nil {
		return out, errs.Wrap(runErr, errs.KindWorker, errs.CodeWorkerFailed, fmt.Sprintf("%s: starting command", e.spec.ID))
	}
	if code != 0 {
		return out, errs.New(errs.KindWorker, errs.CodeWorkerFailed, "%s: command exited with code %d", e.spec.ID, code).
			WithFix("see " + LogPath(e.spec.ID, inv.Attempt)).AsFixable()
	}
	return out, nil
}

// LogPath returns the run-relative log file of a worker attempt.
func LogPath(id ID, attempt int) string {
	return fmt.Sprintf("logs/worker_%s-%d.log", id, attempt)
}

// ExpandVars substitutes ${VAR} and $VAR in template from vars, falling back
// to the process environment.
func ExpandVars(template string, vars map[string]string) string {
	return os.Expand(template, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return os.Getenv(key)
	})
}

// BuildEnv returns the child environment: the current environment without
// any inherited DOCPIPE_ variables, plus vars in sorted order.
func BuildEnv(vars map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "DOCPIPE_") {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// Preflight checks that the binaries external workers need are on PATH.
func Preflight(external map[string]string) error {
	if len(external) == 0 {
		return nil
	}
	if _, err := exec.LookPath("bash"); err != nil {
		return errs.New(errs.KindConfig, errs.CodeConfigInvalid, "workers.external requires bash, which is not in PATH")
	}
	return nil
}

// exitCode extracts an exit code from a command error.
// Returns (code, nil) for ExitError, (0, err) for other errors, (0, nil) for nil.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) Bytes() []byte { return l.buf.Bytes() }
