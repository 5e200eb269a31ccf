package payout

import (
	"time"

	"ms-payouts/internal/models"
)

// RetryDelays is the wait before retry n+1 after the n-th failure.
var RetryDelays = []time.Duration{
	time.Hour,
	4 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	48 * time.Hour,
}

// FailureDecision is what an attempt failure does to a queue item.
type FailureDecision struct {
	RetryCount  int
	NextRetryAt *time.Time
	Abandon     bool
}

// NextFailure applies the failure rule to an item that has failed
// retryCount times before this attempt.
func NextFailure(retryCount int, retryable bool, now time.Time) FailureDecision {
	d := FailureDecision{RetryCount: retryCount + 1}
	if !retryable || d.RetryCount >= models.MaxPayoutRetries {
		d.Abandon = true
		return d
	}
	idx := d.RetryCount - 1
	if idx >= len(RetryDelays) {
		idx = len(RetryDelays) - 1
	}
	next := now.Add(RetryDelays[idx])
	d.NextRetryAt = &next
	return d
}
