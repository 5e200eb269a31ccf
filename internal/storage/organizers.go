package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-payouts/internal/models"
)

func (s *Store) CreateOrganizer(ctx context.Context, o *models.Organizer) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NewInsert().Model(o).Exec(ctx); err != nil {
		return fmt.Errorf("insert organizer %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) GetOrganizer(ctx context.Context, id string) (*models.Organizer, error) {
	o := new(models.Organizer)
	if err := s.db.NewSelect().Model(o).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

// ClaimFastPayoutSlot moves the organizer's fast payout version from seen
// to seen+1. False means another request was approved since seen was read.
func (s *Store) ClaimFastPayoutSlot(ctx context.Context, organizerID string, seen int64) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.Organizer)(nil)).
		Set("fast_payout_version = fast_payout_version + 1").
		Where("id = ?", organizerID).
		Where("fast_payout_version = ?", seen).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim fast payout slot for %s: %w", organizerID, err)
	}
	return affected(res) == 1, nil
}

func (s *Store) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NewInsert().Model(e).Exec(ctx); err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	e := new(models.Event)
	if err := s.db.NewSelect().Model(e).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (s *Store) GetRecipient(ctx context.Context, organizerID, provider string) (*models.TransferRecipient, error) {
	r := new(models.TransferRecipient)
	err := s.db.NewSelect().Model(r).
		Where("organizer_id = ?", organizerID).
		Where("provider = ?", provider).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// InsertRecipientIfAbsent stores r unless a recipient already exists for
// the organizer and provider. It reports whether r was the one stored.
func (s *Store) InsertRecipientIfAbsent(ctx context.Context, r *models.TransferRecipient) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.NewInsert().Model(r).
		On("CONFLICT (organizer_id, provider) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("insert recipient for %s/%s: %w", r.OrganizerID, r.Provider, err)
	}
	return affected(res) == 1, nil
}

func (s *Store) CreatePromoterSale(ctx context.Context, p *models.PromoterSale) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NewInsert().Model(p).Exec(ctx); err != nil {
		return fmt.Errorf("insert promoter sale: %w", err)
	}
	return nil
}

// SumCommissions totals promoter commissions attributed to orderIDs only.
func (s *Store) SumCommissions(ctx context.Context, orderIDs []string) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	var total int64
	err := s.db.NewSelect().
		Model((*models.PromoterSale)(nil)).
		ColumnExpr("COALESCE(SUM(commission_amount), 0)").
		Where("order_id IN (?)", bun.In(orderIDs)).
		Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("sum commissions: %w", err)
	}
	return total, nil
}
