package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Severity of an issue.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarn    Severity = "warn"
	SeverityError   Severity = "error"
	SeverityBlocker Severity = "blocker"
)

// IssueStatus is the resolution status of an issue.
type IssueStatus string

const (
	IssueOpen       IssueStatus = "OPEN"
	IssueInProgress IssueStatus = "IN_PROGRESS"
	IssueResolved   IssueStatus = "RESOLVED"
)

// Issue is a gate- or policy-raised finding. Issues are append-only within a
// run; resolution is a status change.
type Issue struct {
	ID           string      `json:"issue_id"`
	Gate         string      `json:"gate"`
	Severity     Severity    `json:"severity"`
	Message      string      `json:"message"`
	Status       IssueStatus `json:"status"`
	ErrorCode    string      `json:"error_code,omitempty"`
	Files        []string    `json:"files,omitempty"`
	Location     string      `json:"location,omitempty"`
	SuggestedFix string      `json:"suggested_fix,omitempty"`
	Fixable      bool        `json:"fixable,omitempty"`
}

// Validate enforces that error and blocker issues carry an error code.
func (i Issue) Validate() error {
	switch i.Severity {
	case SeverityInfo, SeverityWarn:
	case SeverityError, SeverityBlocker:
		if strings.TrimSpace(i.ErrorCode) == "" {
			return fmt.Errorf("issue %q: severity %s requires an error_code", i.Message, i.Severity)
		}
	default:
		return fmt.Errorf("issue %q: unknown severity %q", i.Message, i.Severity)
	}
	if i.Gate == "" {
		return fmt.Errorf("issue %q: gate is required", i.Message)
	}
	return nil
}

// Resolve moves the issue to RESOLVED.
func (i *Issue) Resolve() { i.Status = IssueResolved }

// Reopen moves a resolved issue back to OPEN.
func (i *Issue) Reopen() { i.Status = IssueOpen }

// Open reports whether the issue is not yet resolved.
func (i Issue) Open() bool { return i.Status != IssueResolved }

// File returns the first affected file, or "".
func (i Issue) File() string {
	if len(i.Files) == 0 {
		return ""
	}
	return i.Files[0]
}

// SortIssues orders issues by gate, code, file, location and message.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(a, b int) bool {
		x, y := issues[a], issues[b]
		if x.Gate != y.Gate {
			return x.Gate < y.Gate
		}
		if x.ErrorCode != y.ErrorCode {
			return x.ErrorCode < y.ErrorCode
		}
		if x.File() != y.File() {
			return x.File() < y.File()
		}
		if x.Location != y.Location {
			return x.Location < y.Location
		}
		return x.Message < y.Message
	})
}

// Blocking returns the open issues that block under profile p.
func Blocking(p Profile, issues []Issue) []Issue {
	var out []Issue
	for _, is := range issues {
		if is.Open() && p.Blocks(is.Severity) {
			out = append(out, is)
		}
	}
	return out
}
