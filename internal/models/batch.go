package models

import (
	"time"

	"github.com/uptrace/bun"
)

type BatchStatus string

const (
	BatchPending            BatchStatus = "pending"
	BatchProcessing         BatchStatus = "processing"
	BatchCompleted          BatchStatus = "completed"
	BatchPartiallyCompleted BatchStatus = "partially_completed"
	BatchFailed             BatchStatus = "failed"
)

type BatchItemStatus string

const (
	BatchItemQueued     BatchItemStatus = "queued"
	BatchItemProcessing BatchItemStatus = "processing"
	// BatchItemPending means the transfer was accepted and awaits confirmation.
	BatchItemPending   BatchItemStatus = "pending"
	BatchItemCompleted BatchItemStatus = "completed"
	BatchItemFailed    BatchItemStatus = "failed"
	// BatchItemUnknown means the transfer call gave no answer. The orders
	// stay claimed until a webhook or a lookup settles it.
	BatchItemUnknown BatchItemStatus = "unknown"
)

type PayoutBatch struct {
	bun.BaseModel `bun:"table:payout_batches"`

	ID           string      `bun:"id,pk" json:"id"`
	Provider     string      `bun:"provider,notnull" json:"provider"`
	Status       BatchStatus `bun:"status,notnull" json:"status"`
	Currency     string      `bun:"currency" json:"currency"`
	TotalAmount  int64       `bun:"total_amount,notnull" json:"total_amount"`
	ItemCount    int         `bun:"item_count,notnull" json:"item_count"`
	SuccessCount int         `bun:"success_count,notnull" json:"success_count"`
	FailedCount  int         `bun:"failed_count,notnull" json:"failed_count"`
	CreatedBy    string      `bun:"created_by" json:"created_by,omitempty"`
	CreatedAt    time.Time   `bun:"created_at,notnull" json:"created_at"`
	ProcessedAt  *time.Time  `bun:"processed_at" json:"processed_at,omitempty"`
}

type PayoutBatchItem struct {
	bun.BaseModel `bun:"table:payout_batch_items"`

	ID                 string          `bun:"id,pk" json:"id"`
	BatchID            string          `bun:"batch_id,notnull" json:"batch_id"`
	OrganizerID        string          `bun:"organizer_id,notnull" json:"organizer_id"`
	Provider           string          `bun:"provider,notnull" json:"provider"`
	Amount             int64           `bun:"amount,notnull" json:"amount"`
	Currency           string          `bun:"currency,notnull" json:"currency"`
	Status             BatchItemStatus `bun:"status,notnull" json:"status"`
	Reference          string          `bun:"reference,notnull,unique" json:"reference"`
	OrderIDs           []string        `bun:"order_ids" json:"order_ids"`
	ProviderTransferID string          `bun:"provider_transfer_id" json:"provider_transfer_id,omitempty"`
	FailureReason      string          `bun:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt          time.Time       `bun:"updated_at,notnull" json:"updated_at"`
}
