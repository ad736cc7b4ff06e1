package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_MessageIncludesCodeAndCause(t *testing.T) {
	err := Wrap(errors.New("disk full"), KindInternal, CodeInternal, "writing snapshot")
	got := err.Error()
	if !strings.Contains(got, "INTERNAL") || !strings.Contains(got, "writing snapshot") || !strings.Contains(got, "disk full") {
		t.Fatalf("got %q", got)
	}
}

func TestCodeOf_ThroughWrapping(t *testing.T) {
	inner := New(KindBudget, CodeBudgetLLMCalls, "limit %d reached", 3)
	wrapped := fmt.Errorf("invoking worker: %w", inner)
	if CodeOf(wrapped) != CodeBudgetLLMCalls {
		t.Fatalf("CodeOf = %q", CodeOf(wrapped))
	}
	if KindOf(wrapped) != KindBudget {
		t.Fatalf("KindOf = %q", KindOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatal("untyped error should map to INTERNAL")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"fixable worker", New(KindWorker, CodeWorkerFailed, "x").AsFixable(), true},
		{"plain worker", New(KindWorker, CodeWorkerFailed, "x"), false},
		{"fixable budget", New(KindBudget, CodeBudgetElapsed, "x").AsFixable(), false},
		{"policy", New(KindPolicy, CodePathEscape, "x"), false},
		{"untyped", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("%s: Retryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != ExitOK {
		t.Fatal("nil should be 0")
	}
	if ExitCode(New(KindConfig, CodeConfigInvalid, "bad")) != ExitUserError {
		t.Fatal("config error should be 1")
	}
	if ExitCode(New(KindInternal, CodeRunLocked, "busy")) != ExitUserError {
		t.Fatal("locked run should be 1")
	}
	if ExitCode(New(KindPolicy, CodePathEscape, "escape")) != ExitExecution {
		t.Fatal("policy error should be 2")
	}
	if ExitCode(errors.New("boom")) != ExitExecution {
		t.Fatal("untyped error should be 2")
	}
}

func TestWithFilesAndFix(t *testing.T) {
	err := New(KindPolicy, CodePathEscape, "outside boundary").WithFiles("a", "b").WithFix("write under run_dir")
	if len(err.Files) != 2 || err.SuggestedFix == "" {
		t.Fatalf("got %+v", err)
	}
}
