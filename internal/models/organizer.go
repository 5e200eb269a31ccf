package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TrustTier string

const (
	TierBronze  TrustTier = "bronze"
	TierSilver  TrustTier = "silver"
	TierGold    TrustTier = "gold"
	TierTrusted TrustTier = "trusted"
)

type Organizer struct {
	bun.BaseModel `bun:"table:organizers"`

	ID                string    `bun:"id,pk" json:"id"`
	Name              string    `bun:"name,notnull" json:"name"`
	Email             string    `bun:"email,notnull" json:"email"`
	Phone             string    `bun:"phone" json:"phone,omitempty"`
	CountryCode       string    `bun:"country_code" json:"country_code"`
	BankAccountNumber string    `bun:"bank_account_number" json:"bank_account_number,omitempty"`
	BankCode          string    `bun:"bank_code" json:"bank_code,omitempty"`
	BankAccountName   string    `bun:"bank_account_name" json:"bank_account_name,omitempty"`
	KYCVerified       bool      `bun:"kyc_verified,notnull" json:"kyc_verified"`
	BankVerified      bool      `bun:"bank_verified,notnull" json:"bank_verified"`
	TrustTier         TrustTier `bun:"trust_tier" json:"trust_tier"`
	PayoutProvider    string    `bun:"payout_provider" json:"payout_provider"`
	StripeAccountID   string    `bun:"stripe_account_id" json:"stripe_account_id,omitempty"`
	PayPalEmail       string    `bun:"paypal_email" json:"paypal_email,omitempty"`
	// FastPayoutVersion is bumped by every approved fast payout.
	FastPayoutVersion int64     `bun:"fast_payout_version,notnull,default:0" json:"-"`
	CreatedAt         time.Time `bun:"created_at,notnull" json:"created_at"`
}

// TransferRecipient is the provider-side payee handle for an organizer.
// Once stored for (organizer_id, provider) it is never overwritten.
type TransferRecipient struct {
	bun.BaseModel `bun:"table:transfer_recipients"`

	ID                string    `bun:"id,pk" json:"id"`
	OrganizerID       string    `bun:"organizer_id,notnull,unique:organizer_provider" json:"organizer_id"`
	Provider          string    `bun:"provider,notnull,unique:organizer_provider" json:"provider"`
	RecipientCode     string    `bun:"recipient_code,notnull" json:"recipient_code"`
	BankAccountNumber string    `bun:"bank_account_number" json:"bank_account_number,omitempty"`
	BankCode          string    `bun:"bank_code" json:"bank_code,omitempty"`
	CreatedAt         time.Time `bun:"created_at,notnull" json:"created_at"`
}

// PromoterSale attributes an order to a promoter who earns a commission on it.
type PromoterSale struct {
	bun.BaseModel `bun:"table:promoter_sales"`

	ID               string    `bun:"id,pk" json:"id"`
	PromoterID       string    `bun:"promoter_id,notnull" json:"promoter_id"`
	EventID          string    `bun:"event_id,notnull" json:"event_id"`
	OrganizerID      string    `bun:"organizer_id,notnull" json:"organizer_id"`
	OrderID          string    `bun:"order_id,notnull" json:"order_id"`
	SaleAmount       int64     `bun:"sale_amount,notnull" json:"sale_amount"`
	CommissionAmount int64     `bun:"commission_amount,notnull" json:"commission_amount"`
	CreatedAt        time.Time `bun:"created_at,notnull" json:"created_at"`
}
