package models

import (
	"time"

	"github.com/uptrace/bun"
)

// SettlementRecord is one provider settlement report row.
type SettlementRecord struct {
	bun.BaseModel `bun:"table:settlement_records"`

	ID           string     `bun:"id,pk" json:"id"`
	Provider     string     `bun:"provider,notnull,unique:provider_settlement" json:"provider"`
	SettlementID string     `bun:"settlement_id,notnull,unique:provider_settlement" json:"settlement_id"`
	PeriodStart  *time.Time `bun:"period_start" json:"period_start,omitempty"`
	PeriodEnd    *time.Time `bun:"period_end" json:"period_end,omitempty"`
	GrossAmount  int64      `bun:"gross_amount,notnull" json:"gross_amount"`
	FeeAmount    int64      `bun:"fee_amount,notnull" json:"fee_amount"`
	NetAmount    int64      `bun:"net_amount,notnull" json:"net_amount"`
	Currency     string     `bun:"currency" json:"currency"`
	Status       string     `bun:"status" json:"status"`
	CountryCode  string     `bun:"country_code" json:"country_code,omitempty"`
	SettledAt    *time.Time `bun:"settled_at" json:"settled_at,omitempty"`
	Raw          string     `bun:"raw" json:"-"`
	ImportedAt   time.Time  `bun:"imported_at,notnull" json:"imported_at"`
}

// SettlementSyncStatus is the per-provider sync watermark.
type SettlementSyncStatus struct {
	bun.BaseModel `bun:"table:settlement_sync_status"`

	Provider      string     `bun:"provider,pk" json:"provider"`
	LastSyncAt    *time.Time `bun:"last_sync_at" json:"last_sync_at,omitempty"`
	NextSyncDate  *time.Time `bun:"next_sync_date" json:"next_sync_date,omitempty"`
	LastStatus    string     `bun:"last_status" json:"last_status"`
	LastError     string     `bun:"last_error" json:"last_error,omitempty"`
	RecordsSynced int        `bun:"records_synced,notnull" json:"records_synced"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}
