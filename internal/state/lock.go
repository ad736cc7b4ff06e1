package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

// Lock is an exclusive advisory lock on a run directory. Two processes
// computing the same run id cannot both drive it.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the run lock without blocking. A held lock yields
// RUN_LOCKED.
func AcquireLock(runDir string) (*Lock, error) {
	path := filepath.Join(runDir, LockFile)
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking run: %w", err)
	}
	if !locked {
		return nil, errs.New(errs.KindConfig, errs.CodeRunLocked,
			"run %s is being driven by another process", filepath.Base(runDir)).
			WithFiles(path).
			WithFix("wait for the other run to finish or cancel it with 'docpipe cancel'")
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return err
}

// IsLocked reports whether another process holds the run lock.
func IsLocked(runDir string) bool {
	path := filepath.Join(runDir, LockFile)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil || !locked {
		return true
	}
	_ = fl.Unlock()
	return false
}

// CancelRequest is the content of cancel.request.
type CancelRequest struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// RequestCancel records an external cancel request for the orchestrator to
// honor at its next checkpoint.
func RequestCancel(runDir, reason string, now time.Time) error {
	data, err := json.Marshal(CancelRequest{Reason: reason, RequestedAt: now.UTC()})
	if err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(runDir, CancelFile), append(data, '\n'), 0644)
}

// CancelRequested returns the pending cancel request, if any.
func CancelRequested(runDir string) (*CancelRequest, bool) {
	data, err := os.ReadFile(filepath.Join(runDir, CancelFile))
	if err != nil {
		return nil, false
	}
	var req CancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		req.Reason = "cancel requested"
	}
	return &req, true
}
