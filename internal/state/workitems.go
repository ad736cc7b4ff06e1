package state

import (
	"fmt"
	"time"

	"github.com/jorge-barreto/docpipe/internal/domain"
)

// NextAttempt returns the attempt number for the next execution of worker.
func (s *Snapshot) NextAttempt(worker string) int {
	max := 0
	for _, w := range s.WorkItems {
		if w.Worker == worker && w.Attempt > max {
			max = w.Attempt
		}
	}
	return max + 1
}

// StartWorkItem appends a running work item for the next attempt of worker.
func (s *Snapshot) StartWorkItem(worker string, inputs, outputs []string, now time.Time) domain.WorkItem {
	t := now.UTC()
	w := domain.WorkItem{
		Worker:    worker,
		Attempt:   s.NextAttempt(worker),
		Status:    domain.WorkRunning,
		Inputs:    append([]string{}, inputs...),
		Outputs:   append([]string{}, outputs...),
		StartedAt: &t,
	}
	s.WorkItems = append(s.WorkItems, w)
	return w
}

// FinishWorkItem records the end of the (worker, attempt) slot.
func (s *Snapshot) FinishWorkItem(worker string, attempt int, status domain.WorkItemStatus, code string, outputs []string, now time.Time) {
	t := now.UTC()
	for i := len(s.WorkItems) - 1; i >= 0; i-- {
		w := &s.WorkItems[i]
		if w.Worker == worker && w.Attempt == attempt {
			w.Status = status
			w.FinishedAt = &t
			w.ErrorCode = code
			if outputs != nil {
				w.Outputs = append([]string{}, outputs...)
			}
			return
		}
	}
}

// LatestWorkItem returns the highest attempt of worker.
func (s *Snapshot) LatestWorkItem(worker string) (domain.WorkItem, bool) {
	var latest domain.WorkItem
	found := false
	for _, w := range s.WorkItems {
		if w.Worker == worker && (!found || w.Attempt > latest.Attempt) {
			latest = w
			found = true
		}
	}
	return latest, found
}

// InterruptedWorkItems returns items left running by a crashed process.
func (s *Snapshot) InterruptedWorkItems() []domain.WorkItem {
	var out []domain.WorkItem
	for _, w := range s.WorkItems {
		if w.Status == domain.WorkRunning || w.Status == domain.WorkQueued {
			out = append(out, w)
		}
	}
	return out
}

// FormatDuration renders d as "Xm YYs".
func FormatDuration(d time.Duration) string {
	m := int(d.Minutes())
	sec := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %02ds", m, sec)
}
