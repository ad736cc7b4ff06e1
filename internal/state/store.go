package state

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/telemetry"
)

// Store is the single writer of a run's snapshot and event log.
type Store struct {
	mu     sync.Mutex
	dir    string
	snap   *Snapshot
	events *EventLog
	scrub  func(any) any
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPayloadScrubber redacts event payloads before they are persisted.
func WithPayloadScrubber(fn func(any) any) Option {
	return func(s *Store) { s.scrub = fn }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Create initializes run_dir with the given CREATED snapshot.
func Create(runDir string, snap *Snapshot, opts ...Option) (*Store, error) {
	if err := EnsureDir(runDir); err != nil {
		return nil, err
	}
	s := newStore(runDir, opts)
	now := s.now().UTC()
	snap.CreatedAt, snap.UpdatedAt = now, now
	snap.normalize()
	if err := snap.Save(runDir); err != nil {
		return nil, fmt.Errorf("writing initial snapshot: %w", err)
	}
	if err := s.openEvents(); err != nil {
		return nil, err
	}
	s.snap = snap.Clone()
	return s, nil
}

// Open loads an existing run.
func Open(runDir string, opts ...Option) (*Store, error) {
	snap, err := LoadSnapshot(runDir)
	if err != nil {
		return nil, err
	}
	s := newStore(runDir, opts)
	if err := s.openEvents(); err != nil {
		return nil, err
	}
	s.snap = snap
	return s, nil
}

func newStore(runDir string, opts []Option) *Store {
	s := &Store{dir: runDir, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) openEvents() error {
	log, err := OpenEventLog(filepath.Join(s.dir, EventsFile))
	if err != nil {
		return err
	}
	s.events = log
	return nil
}

// Dir returns the run directory.
func (s *Store) Dir() string { return s.dir }

// Snapshot returns a deep copy of the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Update applies fn to a copy of the current snapshot and atomically
// persists the result. When fn or the write fails, the in-memory and
// on-disk snapshots are unchanged.
func (s *Store) Update(fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = s.now().UTC()
	if err := next.Save(s.dir); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	s.snap = next
	return nil
}

// Transition moves the run to state `to`, appending RUN_STATE_CHANGED before
// the snapshot is rewritten. Terminal states are final.
func (s *Store) Transition(ctx context.Context, to domain.RunState, reason string) error {
	from := s.State()
	if !from.CanTransition(to) {
		return errs.New(errs.KindInternal, errs.CodeIllegalTransition, "%s -> %s is not a legal transition", from, to)
	}
	if _, err := s.Append(ctx, domain.EventRunStateChanged, map[string]any{
		"from": from, "to": to, "reason": reason,
	}); err != nil {
		return err
	}
	return s.Update(func(snap *Snapshot) error {
		if snap.RunState != from {
			return errs.New(errs.KindInternal, errs.CodeIllegalTransition, "state changed concurrently from %s to %s", from, snap.RunState)
		}
		snap.RunState = to
		return nil
	})
}

// State returns the current run state.
func (s *Store) State() domain.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.RunState
}

// Append writes one event carrying the trace and span ids found in ctx.
func (s *Store) Append(ctx context.Context, typ domain.EventType, payload any) (domain.Event, error) {
	if s.scrub != nil && payload != nil {
		payload = s.scrub(payload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	if payload == nil {
		raw = json.RawMessage("{}")
	}
	traceID, spanID := telemetry.IDs(ctx)
	e := domain.Event{
		ID:      uuid.NewString(),
		RunID:   s.runID(),
		TS:      s.now().UTC(),
		Type:    typ,
		Payload: raw,
		TraceID: traceID,
		SpanID:  spanID,
	}
	if err := s.events.Append(&e); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

func (s *Store) runID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.RunID
}

// Events reads the full event log.
func (s *Store) Events() ([]domain.Event, error) {
	return ReadEvents(filepath.Join(s.dir, EventsFile))
}

// Close closes the event log.
func (s *Store) Close() error {
	if s.events == nil {
		return nil
	}
	return s.events.Close()
}
