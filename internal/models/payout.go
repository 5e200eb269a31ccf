package models

import (
	"time"

	"github.com/uptrace/bun"
)

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueFailed     QueueStatus = "failed"
	QueueCompleted  QueueStatus = "completed"
)

// MaxPayoutRetries is the number of failed attempts after which a payout
// is abandoned.
const MaxPayoutRetries = 5

// PayoutQueueItem is one organizer payout moving through the retry queue.
// TransferReference is the provider idempotency key; it is fixed when the
// item is created and reused on every attempt.
type PayoutQueueItem struct {
	bun.BaseModel `bun:"table:payout_queue"`

	ID                  string      `bun:"id,pk" json:"id"`
	OrganizerID         string      `bun:"organizer_id,notnull" json:"organizer_id"`
	EventID             string      `bun:"event_id" json:"event_id,omitempty"`
	Provider            string      `bun:"provider,notnull" json:"provider"`
	Amount              int64       `bun:"amount,notnull" json:"amount"`
	Currency            string      `bun:"currency,notnull" json:"currency"`
	GrossSales          int64       `bun:"gross_sales,notnull" json:"gross_sales"`
	PlatformFees        int64       `bun:"platform_fees,notnull" json:"platform_fees"`
	Commissions         int64       `bun:"commissions,notnull" json:"commissions"`
	Advances            int64       `bun:"advances,notnull" json:"advances"`
	Status              QueueStatus `bun:"status,notnull" json:"status"`
	RetryCount          int         `bun:"retry_count,notnull" json:"retry_count"`
	NextRetryAt         *time.Time  `bun:"next_retry_at" json:"next_retry_at,omitempty"`
	AbandonedAt         *time.Time  `bun:"abandoned_at" json:"abandoned_at,omitempty"`
	TransferReference   string      `bun:"transfer_reference,notnull,unique" json:"transfer_reference"`
	ProviderTransferID  string      `bun:"provider_transfer_id" json:"provider_transfer_id,omitempty"`
	OrderIDs            []string    `bun:"order_ids" json:"order_ids"`
	FailureReason       string      `bun:"failure_reason" json:"failure_reason,omitempty"`
	TriggeredBy         string      `bun:"triggered_by" json:"triggered_by,omitempty"`
	IsDonation          bool        `bun:"is_donation,notnull" json:"is_donation"`
	FastPayoutRequestID string      `bun:"fast_payout_request_id" json:"fast_payout_request_id,omitempty"`
	CreatedAt           time.Time   `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt           time.Time   `bun:"updated_at,notnull" json:"updated_at"`
	CompletedAt         *time.Time  `bun:"completed_at" json:"completed_at,omitempty"`
}

func (p *PayoutQueueItem) Abandoned() bool {
	return p.AbandonedAt != nil
}
