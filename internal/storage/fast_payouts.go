package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-payouts/internal/models"
)

// outstandingAdvance is every state in which an advance has left, or is
// about to leave, the platform.
var outstandingAdvance = []models.FastPayoutStatus{
	models.FastPayoutApproved,
	models.FastPayoutProcessing,
	models.FastPayoutCompleted,
}

func (s *Store) InsertFastPayout(ctx context.Context, r *models.FastPayoutRequest) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt
	if _, err := s.db.NewInsert().Model(r).Exec(ctx); err != nil {
		return fmt.Errorf("insert fast payout %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetFastPayout(ctx context.Context, id string) (*models.FastPayoutRequest, error) {
	r := new(models.FastPayoutRequest)
	if err := s.db.NewSelect().Model(r).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// CountFastPayouts counts non-denied requests for an event.
func (s *Store) CountFastPayouts(ctx context.Context, organizerID, eventID string) (int, error) {
	n, err := s.db.NewSelect().Model((*models.FastPayoutRequest)(nil)).
		Where("organizer_id = ?", organizerID).
		Where("event_id = ?", eventID).
		Where("status <> ?", models.FastPayoutDenied).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count fast payouts: %w", err)
	}
	return n, nil
}

// LastFastPayoutAt returns when the organizer last made a non-denied request.
func (s *Store) LastFastPayoutAt(ctx context.Context, organizerID string) (*time.Time, error) {
	r := new(models.FastPayoutRequest)
	err := s.db.NewSelect().Model(r).
		Column("created_at").
		Where("organizer_id = ?", organizerID).
		Where("status <> ?", models.FastPayoutDenied).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("last fast payout for %s: %w", organizerID, err)
	}
	t := r.CreatedAt
	return &t, nil
}

func (s *Store) UpdateFastPayoutStatus(ctx context.Context, id string, from []models.FastPayoutStatus, to models.FastPayoutStatus, payoutItemID string) (bool, error) {
	q := s.db.NewUpdate().
		Model((*models.FastPayoutRequest)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from))
	if payoutItemID != "" {
		q = q.Set("payout_item_id = ?", payoutItemID)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("update fast payout %s: %w", id, err)
	}
	return affected(res) == 1, nil
}

// ListOutstandingAdvances returns advances not yet deducted from a regular
// payout. An empty eventID matches every event of the organizer.
func (s *Store) ListOutstandingAdvances(ctx context.Context, organizerID, eventID string) ([]models.FastPayoutRequest, error) {
	var out []models.FastPayoutRequest
	q := s.db.NewSelect().Model(&out).
		Where("organizer_id = ?", organizerID).
		Where("status IN (?)", bun.In(outstandingAdvance)).
		Where("(settled_payout_reference IS NULL OR settled_payout_reference = '')")
	if eventID != "" {
		q = q.Where("event_id = ?", eventID)
	}
	if err := q.Order("created_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list advances for %s: %w", organizerID, err)
	}
	return out, nil
}

// SettleAdvances records that reference deducted the given advances.
func (s *Store) SettleAdvances(ctx context.Context, ids []string, reference string) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := s.db.NewUpdate().
		Model((*models.FastPayoutRequest)(nil)).
		Set("settled_payout_reference = ?", reference).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id IN (?)", bun.In(ids)).
		Where("(settled_payout_reference IS NULL OR settled_payout_reference = '')").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("settle advances for %s: %w", reference, err)
	}
	if n := affected(res); n != int64(len(ids)) {
		return fmt.Errorf("settle advances for %s: %d of %d updated: %w", reference, n, len(ids), ErrConflict)
	}
	return nil
}

// ReleaseAdvances undoes SettleAdvances for a payout that will not be paid.
func (s *Store) ReleaseAdvances(ctx context.Context, reference string) (int64, error) {
	res, err := s.db.NewUpdate().
		Model((*models.FastPayoutRequest)(nil)).
		Set("settled_payout_reference = ''").
		Set("updated_at = ?", time.Now().UTC()).
		Where("settled_payout_reference = ?", reference).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("release advances for %s: %w", reference, err)
	}
	return affected(res), nil
}
