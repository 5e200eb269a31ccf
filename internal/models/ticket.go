package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Ticket is one admitted unit of an order. (order_id, unit_index) is unique
// so a replayed completion can never issue a second ticket for a unit.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID         string    `bun:"id,pk" json:"id"`
	OrderID    string    `bun:"order_id,notnull,unique:order_unit" json:"order_id"`
	UnitIndex  int       `bun:"unit_index,notnull,unique:order_unit" json:"unit_index"`
	EventID    string    `bun:"event_id,notnull" json:"event_id"`
	TicketCode string    `bun:"ticket_code,notnull,unique" json:"ticket_code"`
	QRCode     []byte    `bun:"qr_code" json:"-"`
	IssuedAt   time.Time `bun:"issued_at,notnull" json:"issued_at"`
}
