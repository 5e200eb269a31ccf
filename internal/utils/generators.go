package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns prefix_<uuid without dashes>, e.g. "bat_3f2b...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PayoutReference is the idempotency key for a payout: one per payout
// request, reused on every transfer attempt.
func PayoutReference(organizerID, eventID string, at time.Time) string {
	scope := eventID
	if scope == "" {
		scope = "all"
	}
	return fmt.Sprintf("po_%s_%s_%d", organizerID, scope, at.UnixMilli())
}

// BatchPayoutReference is the idempotency key of one organizer's item in
// a payout batch. The prefix keeps it apart from queued payouts.
func BatchPayoutReference(organizerID string, at time.Time) string {
	return fmt.Sprintf("bp_%s_%d", organizerID, at.UnixMilli())
}

// FastPayoutReference is the idempotency key of an advance for one event.
func FastPayoutReference(organizerID, eventID string, at time.Time) string {
	return fmt.Sprintf("fp_%s_%s_%d", organizerID, eventID, at.UnixMilli())
}
