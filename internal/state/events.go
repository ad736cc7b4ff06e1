package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jorge-barreto/docpipe/internal/domain"
)

// EventLog appends events to events.ndjson. Lines are never rewritten; a
// trailing partial line left by a crash is truncated on open.
type EventLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
	seq  int64
}

// OpenEventLog opens or creates the log at path and restores the sequence.
func OpenEventLog(path string) (*EventLog, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	complete := len(data)
	if i := bytes.LastIndexByte(data, '\n'); i+1 != len(data) {
		complete = i + 1
	}
	if complete != len(data) {
		if err := os.Truncate(path, int64(complete)); err != nil {
			return nil, fmt.Errorf("truncating partial event: %w", err)
		}
	}
	seq := int64(bytes.Count(data[:complete], []byte{'\n'}))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &EventLog{f: f, path: path, seq: seq}, nil
}

// Seq returns the sequence number of the last appended event.
func (l *EventLog) Seq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append assigns the next sequence number, writes e as one line and fsyncs.
func (l *EventLog) Append(e *domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Seq = l.seq + 1
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.Type, err)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("appending event %s: %w", e.Type, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing event log: %w", err)
	}
	l.seq = e.Seq
	return nil
}

// Close closes the file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadEvents decodes every complete line of the log at path.
func ReadEvents(path string) ([]domain.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []domain.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal(line, &e); err != nil {
			// Only a trailing partial line can be malformed.
			break
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
