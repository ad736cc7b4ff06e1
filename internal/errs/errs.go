// Package errs defines the typed error taxonomy shared by every docpipe
// component. Each error carries a machine-actionable Code, the Kind that
// decides how the orchestrator reacts to it, and the files and suggested fix
// shown to the user.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for the orchestrator's recovery policy.
type Kind string

const (
	KindConfig   Kind = "config"
	KindBudget   Kind = "budget"
	KindPolicy   Kind = "policy"
	KindWorker   Kind = "worker"
	KindInternal Kind = "internal"
)

// Code is a stable, machine-actionable error identifier.
type Code string

// Configuration and authorization.
const (
	CodeConfigInvalid        Code = "CONFIG_INVALID"
	CodeConfigMissing        Code = "CONFIG_MISSING"
	CodeAuthzMissing         Code = "AUTHZ_MISSING"
	CodeAuthzUnknown         Code = "AUTHZ_UNKNOWN"
	CodeAuthzInactive        Code = "AUTHZ_INACTIVE"
	CodeAuthzPathNotGranted  Code = "AUTHZ_PATH_NOT_GRANTED"
	CodeAuthzRecordMalformed Code = "AUTHZ_RECORD_MALFORMED"
)

// Budget ceilings, one per governed dimension.
const (
	CodeBudgetLLMCalls      Code = "BUDGET_EXCEEDED_LLM_CALLS"
	CodeBudgetLLMTokens     Code = "BUDGET_EXCEEDED_LLM_TOKENS"
	CodeBudgetFileWrites    Code = "BUDGET_EXCEEDED_FILE_WRITES"
	CodeBudgetPatchAttempts Code = "BUDGET_EXCEEDED_PATCH_ATTEMPTS"
	CodeBudgetElapsed       Code = "BUDGET_EXCEEDED_ELAPSED"
)

// Policy and security.
const (
	CodePathEscape     Code = "POLICY_PATH_ESCAPE"
	CodePathTraversal  Code = "POLICY_PATH_TRAVERSAL"
	CodePathMetachar   Code = "POLICY_PATH_METACHAR"
	CodePathNotAllowed Code = "POLICY_PATH_NOT_ALLOWED"
	CodeUntrustedExec  Code = "POLICY_UNTRUSTED_EXEC"
)

// Workers.
const (
	CodeWorkerFailed           Code = "WORKER_FAILED"
	CodeWorkerInputMissing     Code = "WORKER_INPUT_MISSING"
	CodeWorkerOutputMissing    Code = "WORKER_OUTPUT_MISSING"
	CodeWorkerUndeclaredOutput Code = "WORKER_UNDECLARED_OUTPUT"
	CodeWorkerUnknown          Code = "WORKER_UNKNOWN"
	CodeWorkerInterrupted      Code = "WORKER_INTERRUPTED"
	CodeArtifactChecksum       Code = "ARTIFACT_CHECKSUM_MISMATCH"
	CodeLLMCallFailed          Code = "LLM_CALL_FAILED"
)

// Run lifecycle and persistence.
const (
	CodeRunLocked         Code = "RUN_LOCKED"
	CodeRunCancelled      Code = "RUN_CANCELLED"
	CodeRunNotFound       Code = "RUN_NOT_FOUND"
	CodeSnapshotCorrupt   Code = "SNAPSHOT_CORRUPT"
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"
	CodeGateBlocked       Code = "GATE_BLOCKED"
	CodeInternal          Code = "INTERNAL"
)

// Gate issue codes.
const (
	CodeGateNotImplemented    Code = "GATE_NOT_IMPLEMENTED"
	CodeRequiredPathMissing   Code = "REQUIRED_PATH_MISSING"
	CodeSchemaMissing         Code = "SCHEMA_MISSING"
	CodeSchemaViolation       Code = "SCHEMA_VIOLATION"
	CodeJSONInvalid           Code = "JSON_INVALID"
	CodeFrontmatterIncomplete Code = "FRONTMATTER_INCOMPLETE"
	CodeFrontmatterInvalid    Code = "FRONTMATTER_INVALID"
	CodeLinkBroken            Code = "LINK_BROKEN"
	CodeA11yImageAlt          Code = "A11Y_IMAGE_ALT"
	CodeA11yHeadingSkip       Code = "A11Y_HEADING_SKIP"
	CodeContentPlaceholder    Code = "CONTENT_PLACEHOLDER"
	CodeContentEmpty          Code = "CONTENT_EMPTY"
	CodeContentThin           Code = "CONTENT_THIN"
	CodeClaimCoverageLow      Code = "CLAIM_COVERAGE_LOW"
	CodeClaimUnsupported      Code = "CLAIM_UNSUPPORTED"
	CodeNavOrphan             Code = "NAV_ORPHAN_PAGE"
	CodeNavDangling           Code = "NAV_DANGLING_ENTRY"
	CodeNavDuplicateOrder     Code = "NAV_DUPLICATE_ORDER"
	CodePerfPageSize          Code = "PERF_PAGE_SIZE"
	CodePerfImageSize         Code = "PERF_IMAGE_SIZE"
	CodePerfBuildTime         Code = "PERF_BUILD_TIME"
	CodeXSS                   Code = "XSS_SCRIPT_INJECTION"
	CodeSecretLeak            Code = "SECRET_LEAK"
	CodeInsecureLink          Code = "INSECURE_LINK"
	CodeUnsafeLinkScheme      Code = "UNSAFE_LINK_SCHEME"
	CodePatchConflict         Code = "PATCH_CONFLICT"
	CodePatchTargetMissing    Code = "PATCH_TARGET_MISSING"
	CodeAuthzAuditUncovered   Code = "AUTHZ_AUDIT_UNCOVERED"
	CodeAuthzAuditAdvisory    Code = "AUTHZ_AUDIT_ADVISORY"
)

// Error is the typed error raised by governed operations and workers.
type Error struct {
	Code         Code
	Kind         Kind
	Message      string
	Files        []string
	SuggestedFix string
	// Fixable marks worker errors the orchestrator may retry via FIXING.
	Fixable bool
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted message.
func New(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and kind to an underlying error.
func Wrap(err error, kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// WithFiles returns e with the affected files set.
func (e *Error) WithFiles(files ...string) *Error {
	e.Files = append(e.Files, files...)
	return e
}

// WithFix returns e with a suggested fix.
func (e *Error) WithFix(fix string) *Error {
	e.SuggestedFix = fix
	return e
}

// AsFixable marks e as eligible for the fix-retry loop.
func (e *Error) AsFixable() *Error {
	e.Fixable = true
	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns err's code, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// KindOf returns err's kind, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether err is a worker error tagged auto-fixable.
// Budget, policy and configuration errors are never retryable.
func Retryable(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindWorker && e.Fixable
}

// IsFatal reports whether err must end the run in FAILED.
func IsFatal(err error) bool {
	return err != nil && !Retryable(err)
}

// Exit codes for the CLI surfaces.
const (
	ExitOK        = 0
	ExitUserError = 1
	ExitExecution = 2
)

// ExitCode maps an error to the CLI exit code: configuration and lock
// conflicts are user errors, everything else is an execution failure.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	e, ok := As(err)
	if !ok {
		return ExitExecution
	}
	switch {
	case e.Kind == KindConfig:
		return ExitUserError
	case e.Code == CodeRunLocked, e.Code == CodeRunNotFound, e.Code == CodeGateBlocked:
		return ExitUserError
	default:
		return ExitExecution
	}
}
