package models

import (
	"time"

	"github.com/uptrace/bun"
)

type FastPayoutStatus string

const (
	FastPayoutApproved   FastPayoutStatus = "approved"
	FastPayoutProcessing FastPayoutStatus = "processing"
	FastPayoutCompleted  FastPayoutStatus = "completed"
	FastPayoutFailed     FastPayoutStatus = "failed"
	FastPayoutDenied     FastPayoutStatus = "denied"
)

// FastPayoutRequest is an advance against an event's unsettled earnings.
// SettledPayoutReference is set once a regular payout has deducted it.
type FastPayoutRequest struct {
	bun.BaseModel `bun:"table:fast_payout_requests"`

	ID                     string           `bun:"id,pk" json:"id"`
	OrganizerID            string           `bun:"organizer_id,notnull" json:"organizer_id"`
	EventID                string           `bun:"event_id,notnull" json:"event_id"`
	GrossAmount            int64            `bun:"gross_amount,notnull" json:"gross_amount"`
	FeePercentage          float64          `bun:"fee_percentage,notnull" json:"fee_percentage"`
	FeeAmount              int64            `bun:"fee_amount,notnull" json:"fee_amount"`
	NetAmount              int64            `bun:"net_amount,notnull" json:"net_amount"`
	Currency               string           `bun:"currency,notnull" json:"currency"`
	Status                 FastPayoutStatus `bun:"status,notnull" json:"status"`
	DenialReason           string           `bun:"denial_reason" json:"denial_reason,omitempty"`
	PayoutItemID           string           `bun:"payout_item_id" json:"payout_item_id,omitempty"`
	SettledPayoutReference string           `bun:"settled_payout_reference" json:"settled_payout_reference,omitempty"`
	CreatedAt              time.Time        `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt              time.Time        `bun:"updated_at,notnull" json:"updated_at"`
}
