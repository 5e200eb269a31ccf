package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Event is the read model of a ticketed event owned by an organizer.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID             string    `bun:"id,pk" json:"id"`
	OrganizerID    string    `bun:"organizer_id,notnull" json:"organizer_id"`
	Title          string    `bun:"title,notnull" json:"title"`
	TicketCapacity int       `bun:"ticket_capacity,notnull" json:"ticket_capacity"`
	StartsAt       time.Time `bun:"starts_at" json:"starts_at"`
	CreatedAt      time.Time `bun:"created_at,notnull" json:"created_at"`
}
