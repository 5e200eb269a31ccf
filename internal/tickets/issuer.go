// Package tickets builds the tickets issued when an order completes.
package tickets

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ms-payouts/internal/models"
)

// ErrNoUnits is returned for an order whose quantity is not positive.
// Retrying cannot fix it.
var ErrNoUnits = errors.New("tickets: order has no units to issue")

// Issuer builds one ticket per purchased unit. It does not persist them;
// the caller inserts them in the completion transaction, where the
// (order_id, unit_index) constraint rejects a second set.
type Issuer struct {
	qr  *QRGenerator
	now func() time.Time
}

func NewIssuer(qrSecret string) *Issuer {
	return &Issuer{qr: NewQRGenerator(qrSecret), now: time.Now}
}

func (i *Issuer) Issue(order *models.Order) ([]models.Ticket, error) {
	if order.Quantity <= 0 {
		return nil, fmt.Errorf("order %s quantity %d: %w", order.ID, order.Quantity, ErrNoUnits)
	}
	issuedAt := i.now().UTC()
	tickets := make([]models.Ticket, 0, order.Quantity)
	for unit := 0; unit < order.Quantity; unit++ {
		code := ticketCode()
		png, err := i.qr.Generate(Payload{TicketCode: code, OrderID: order.ID, EventID: order.EventID, Unit: unit})
		if err != nil {
			return nil, fmt.Errorf("qr for order %s unit %d: %w", order.ID, unit, err)
		}
		tickets = append(tickets, models.Ticket{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			UnitIndex:  unit,
			EventID:    order.EventID,
			TicketCode: code,
			QRCode:     png,
			IssuedAt:   issuedAt,
		})
	}
	return tickets, nil
}

func ticketCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TKT-" + strings.ToUpper(id[:12])
}
