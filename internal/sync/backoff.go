package sync

import (
	"time"

	"altimeter-sync-service/internal/store"
)

const maxBackoff = 24 * time.Hour

// Backoff is a geometric retry schedule: Base for the first retry, then
// multiplied by Factor per further retry.
type Backoff struct {
	Base   time.Duration
	Factor int
}

// Delay returns the wait after retryCount failed attempts. A zero count
// yields Base.
func (b Backoff) Delay(retryCount int) time.Duration {
	d := b.Base
	for i := 1; i < retryCount; i++ {
		d *= time.Duration(b.Factor)
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// DueAt reports when item may next be processed. Items without a previous
// attempt, and anything not in retry, are due immediately.
func (b Backoff) DueAt(item *store.SyncQueueItem) time.Time {
	if item.Status != store.QueueStatusRetry || !item.LastAttempt.Valid {
		return time.Time{}
	}
	return item.LastAttempt.Time.Add(b.Delay(item.RetryCount))
}

func (b Backoff) IsDue(item *store.SyncQueueItem, now time.Time) bool {
	return !now.Before(b.DueAt(item))
}
