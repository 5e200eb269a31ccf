package storage

import (
	"context"
	"fmt"

	"ms-payouts/internal/models"
)

func (s *Store) InsertTickets(ctx context.Context, tickets []models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	if _, err := s.db.NewInsert().Model(&tickets).Exec(ctx); err != nil {
		return fmt.Errorf("insert %d tickets for order %s: %w", len(tickets), tickets[0].OrderID, err)
	}
	return nil
}

func (s *Store) ListTicketsByOrder(ctx context.Context, orderID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.NewSelect().Model(&tickets).Where("order_id = ?", orderID).Order("unit_index ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tickets for order %s: %w", orderID, err)
	}
	return tickets, nil
}

func (s *Store) CountTicketsByEvent(ctx context.Context, eventID string) (int, error) {
	n, err := s.db.NewSelect().Model((*models.Ticket)(nil)).Where("event_id = ?", eventID).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count tickets for event %s: %w", eventID, err)
	}
	return n, nil
}
