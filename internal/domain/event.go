package domain

import (
	"encoding/json"
	"time"
)

// EventType names an audit-trail fact.
type EventType string

const (
	EventRunCreated        EventType = "RUN_CREATED"
	EventRunResumed        EventType = "RUN_RESUMED"
	EventRunStateChanged   EventType = "RUN_STATE_CHANGED"
	EventRunCancelled      EventType = "RUN_CANCELLED"
	EventCancelRequested   EventType = "CANCEL_REQUESTED"
	EventWorkerStarted     EventType = "WORKER_STARTED"
	EventWorkerFinished    EventType = "WORKER_FINISHED"
	EventWorkerFailed      EventType = "WORKER_FAILED"
	EventArtifactPublished EventType = "ARTIFACT_PUBLISHED"
	EventLLMCallStarted    EventType = "LLM_CALL_STARTED"
	EventLLMCallFinished   EventType = "LLM_CALL_FINISHED"
	EventGateEvaluated     EventType = "GATE_EVALUATED"
	EventIssueRaised       EventType = "ISSUE_RAISED"
	EventFixAttemptStarted EventType = "FIX_ATTEMPT_STARTED"
	EventBudgetExceeded    EventType = "BUDGET_EXCEEDED"
	EventPolicyViolation   EventType = "POLICY_VIOLATION"
	EventAuthzChecked      EventType = "AUTHZ_CHECKED"
)

// Event is one line of events.ndjson. Events are never mutated.
type Event struct {
	ID      string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TraceID string          `json:"trace_id"`
	SpanID  string          `json:"span_id"`
}
