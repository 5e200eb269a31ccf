package kafka

import "time"

// Event payloads published by the payout service.

type OrderCompleted struct {
	OrderID          string    `json:"order_id"`
	EventID          string    `json:"event_id"`
	OrganizerID      string    `json:"organizer_id"`
	PaymentReference string    `json:"payment_reference"`
	Provider         string    `json:"provider"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Tickets          int       `json:"tickets"`
	PaidAt           time.Time `json:"paid_at"`
}

type TransferEvent struct {
	PayoutID           string    `json:"payout_id"`
	BatchID            string    `json:"batch_id,omitempty"`
	OrganizerID        string    `json:"organizer_id"`
	Provider           string    `json:"provider"`
	Reference          string    `json:"reference"`
	ProviderTransferID string    `json:"provider_transfer_id,omitempty"`
	Amount             int64     `json:"amount"`
	Currency           string    `json:"currency"`
	RetryCount         int       `json:"retry_count"`
	Reason             string    `json:"reason,omitempty"`
	At                 time.Time `json:"at"`
}

type SettlementImported struct {
	Provider      string    `json:"provider"`
	Synced        int       `json:"synced"`
	Skipped       int       `json:"skipped"`
	Errors        int       `json:"errors"`
	ImportedGross int64     `json:"imported_gross"`
	InternalGross int64     `json:"internal_gross"`
	Discrepancy   int64     `json:"discrepancy"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
}

// TriggerCommand asks the worker to build and run a payout.
type TriggerCommand struct {
	OrganizerID string `json:"organizer_id"`
	EventID     string `json:"event_id,omitempty"`
	IsDonation  bool   `json:"is_donation"`
	Provider    string `json:"provider,omitempty"`
	TriggeredBy string `json:"triggered_by"`
}
