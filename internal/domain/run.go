// Package domain holds the data model shared by the orchestrator, the
// snapshot store, the gate engine and the determinism verifier.
package domain

import "fmt"

// RunState is the orchestrator's lifecycle state.
type RunState string

const (
	StateCreated          RunState = "CREATED"
	StateValidatingConfig RunState = "VALIDATING_CONFIG"
	StateRunning          RunState = "RUNNING"
	StateFixing           RunState = "FIXING"
	StateValidatingOutput RunState = "VALIDATING_OUTPUT"
	StateDone             RunState = "DONE"
	StateFailed           RunState = "FAILED"
	StateCancelled        RunState = "CANCELLED"
)

var transitions = map[RunState][]RunState{
	StateCreated:          {StateValidatingConfig, StateFailed, StateCancelled},
	StateValidatingConfig: {StateRunning, StateFailed, StateCancelled},
	StateRunning:          {StateFixing, StateValidatingOutput, StateFailed, StateCancelled},
	StateFixing:           {StateRunning, StateValidatingOutput, StateFailed, StateCancelled},
	StateValidatingOutput: {StateDone, StateFixing, StateFailed, StateCancelled},
}

// Terminal reports whether s is final.
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether s -> to is a legal edge.
func (s RunState) CanTransition(to RunState) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s RunState) Valid() bool {
	switch s {
	case StateCreated, StateValidatingConfig, StateRunning, StateFixing,
		StateValidatingOutput, StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Profile selects the severity policy and authorization enforcement.
type Profile string

const (
	ProfileLocal      Profile = "local"
	ProfileCI         Profile = "ci"
	ProfileProduction Profile = "production"
)

// ParseProfile returns the profile named by s.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(s); p {
	case ProfileLocal, ProfileCI, ProfileProduction:
		return p, nil
	}
	return "", fmt.Errorf("unknown profile %q (want local, ci or production)", s)
}

// Enforcing reports whether authorization failures are fatal.
func (p Profile) Enforcing() bool { return p == ProfileProduction }

// Blocks reports whether an issue of severity sev blocks the run under p.
// warn and info never block; blocker always blocks; error blocks only in
// production.
func (p Profile) Blocks(sev Severity) bool {
	switch sev {
	case SeverityBlocker:
		return true
	case SeverityError:
		return p == ProfileProduction
	default:
		return false
	}
}

// SectionState tracks one pipeline stage in the snapshot.
type SectionState string

const (
	SectionPending SectionState = "pending"
	SectionDone    SectionState = "done"
	SectionFailed  SectionState = "failed"
)
