package models

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderExpired   OrderStatus = "expired"
)

// PayoutStatus tracks where an order's proceeds are in the payout pipeline.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusFastPayout PayoutStatus = "fast_payout"
	PayoutStatusCompleted  PayoutStatus = "completed"
)

// Order is a ticket purchase. Amounts are in the currency's minor unit.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID               string       `bun:"id,pk" json:"id"`
	EventID          string       `bun:"event_id,notnull" json:"event_id"`
	OrganizerID      string       `bun:"organizer_id,notnull" json:"organizer_id"`
	BuyerEmail       string       `bun:"buyer_email" json:"buyer_email"`
	BuyerName        string       `bun:"buyer_name" json:"buyer_name"`
	Quantity         int          `bun:"quantity,notnull" json:"quantity"`
	Status           OrderStatus  `bun:"status,notnull" json:"status"`
	TotalAmount      int64        `bun:"total_amount,notnull" json:"total_amount"`
	PlatformFee      int64        `bun:"platform_fee,notnull" json:"platform_fee"`
	Currency         string       `bun:"currency,notnull" json:"currency"`
	PaymentReference string       `bun:"payment_reference,notnull,unique" json:"payment_reference"`
	PaymentProvider  string       `bun:"payment_provider" json:"payment_provider"`
	PayoutStatus     PayoutStatus `bun:"payout_status,notnull" json:"payout_status"`
	PayoutReference  string       `bun:"payout_reference" json:"payout_reference,omitempty"`
	IsDonation       bool         `bun:"is_donation,notnull" json:"is_donation"`
	PaidAt           *time.Time   `bun:"paid_at" json:"paid_at,omitempty"`
	CreatedAt        time.Time    `bun:"created_at,notnull" json:"created_at"`
}

// Net is what the organizer earns from the order before commissions.
func (o Order) Net() int64 {
	return o.TotalAmount - o.PlatformFee
}
