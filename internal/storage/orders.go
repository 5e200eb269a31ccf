package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-payouts/internal/models"
)

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.PayoutStatus == "" {
		o.PayoutStatus = models.PayoutStatusPending
	}
	if _, err := s.db.NewInsert().Model(o).Exec(ctx); err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o := new(models.Order)
	if err := s.db.NewSelect().Model(o).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func (s *Store) GetOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error) {
	o := new(models.Order)
	if err := s.db.NewSelect().Model(o).Where("payment_reference = ?", ref).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

// CompleteOrder moves a pending order to completed. It reports false when
// the order was already completed or expired, which callers treat as a
// duplicate delivery.
func (s *Store) CompleteOrder(ctx context.Context, paymentReference string, paidAt time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", models.OrderCompleted).
		Set("paid_at = ?", paidAt).
		Where("payment_reference = ?", paymentReference).
		Where("status = ?", models.OrderPending).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("complete order %s: %w", paymentReference, err)
	}
	return affected(res) == 1, nil
}

type PayableFilter struct {
	OrganizerID string
	EventID     string
	IsDonation  bool
}

// ListPayableOrders returns completed orders whose proceeds have not been
// paid out, oldest payment first.
func (s *Store) ListPayableOrders(ctx context.Context, f PayableFilter) ([]models.Order, error) {
	var orders []models.Order
	q := s.db.NewSelect().Model(&orders).
		Where("organizer_id = ?", f.OrganizerID).
		Where("status = ?", models.OrderCompleted).
		Where("payout_status IN (?)", bun.In([]models.PayoutStatus{models.PayoutStatusPending, models.PayoutStatusFastPayout})).
		Where("is_donation = ?", f.IsDonation).
		Order("paid_at ASC", "id ASC")
	if f.EventID != "" {
		q = q.Where("event_id = ?", f.EventID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list payable orders for %s: %w", f.OrganizerID, err)
	}
	return orders, nil
}

// ClaimOrders moves exactly ids from one of the allowed payout states to
// the target, tagging them with reference. A partial match means another
// payout raced for the same orders and is reported as ErrConflict; callers
// run this inside a transaction so the partial update rolls back.
func (s *Store) ClaimOrders(ctx context.Context, ids []string, from []models.PayoutStatus, to models.PayoutStatus, reference string) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := s.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payout_status = ?", to).
		Set("payout_reference = ?", reference).
		Where("id IN (?)", bun.In(ids)).
		Where("payout_status IN (?)", bun.In(from)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("claim orders for %s: %w", reference, err)
	}
	if n := affected(res); n != int64(len(ids)) {
		return fmt.Errorf("claim orders for %s: %d of %d updated: %w", reference, n, len(ids), ErrConflict)
	}
	return nil
}

// SetOrdersPayoutStatus sets the payout state of ids unconditionally.
// An empty reference clears payout_reference.
func (s *Store) SetOrdersPayoutStatus(ctx context.Context, ids []string, to models.PayoutStatus, reference string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payout_status = ?", to).
		Set("payout_reference = ?", reference).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("set payout status %s: %w", to, err)
	}
	return affected(res), nil
}

// MarkEventOrdersFastPayout flags the event's unpaid orders as advanced.
func (s *Store) MarkEventOrdersFastPayout(ctx context.Context, organizerID, eventID string) (int64, error) {
	res, err := s.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payout_status = ?", models.PayoutStatusFastPayout).
		Where("organizer_id = ?", organizerID).
		Where("event_id = ?", eventID).
		Where("status = ?", models.OrderCompleted).
		Where("payout_status = ?", models.PayoutStatusPending).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("mark fast payout orders for event %s: %w", eventID, err)
	}
	return affected(res), nil
}

type OrderTotals struct {
	Count int64 `bun:"order_count"`
	Gross int64 `bun:"gross"`
	Fees  int64 `bun:"fees"`
}

// SumPaidOrders totals completed orders paid through provider with paid_at
// in [start, end).
func (s *Store) SumPaidOrders(ctx context.Context, provider string, start, end time.Time) (OrderTotals, error) {
	var t OrderTotals
	err := s.db.NewSelect().
		Model((*models.Order)(nil)).
		ColumnExpr("COUNT(*) AS order_count").
		ColumnExpr("COALESCE(SUM(total_amount), 0) AS gross").
		ColumnExpr("COALESCE(SUM(platform_fee), 0) AS fees").
		Where("payment_provider = ?", provider).
		Where("status = ?", models.OrderCompleted).
		Where("paid_at >= ?", start).
		Where("paid_at < ?", end).
		Scan(ctx, &t)
	if err != nil {
		return t, fmt.Errorf("sum paid orders for %s: %w", provider, err)
	}
	return t, nil
}
