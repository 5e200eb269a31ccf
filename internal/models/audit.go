package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AdminAuditLog is append-only.
type AdminAuditLog struct {
	bun.BaseModel `bun:"table:admin_audit_logs"`

	ID         string    `bun:"id,pk" json:"id"`
	Action     string    `bun:"action,notnull" json:"action"`
	EntityType string    `bun:"entity_type,notnull" json:"entity_type"`
	EntityID   string    `bun:"entity_id,notnull" json:"entity_id"`
	Actor      string    `bun:"actor" json:"actor"`
	Details    string    `bun:"details" json:"details,omitempty"`
	CreatedAt  time.Time `bun:"created_at,notnull" json:"created_at"`
}
