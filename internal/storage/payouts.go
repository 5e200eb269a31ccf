package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-payouts/internal/models"
)

func (s *Store) InsertPayoutItem(ctx context.Context, item *models.PayoutQueueItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = item.CreatedAt
	if _, err := s.db.NewInsert().Model(item).Exec(ctx); err != nil {
		return fmt.Errorf("insert payout item %s: %w", item.TransferReference, err)
	}
	return nil
}

func (s *Store) GetPayoutItem(ctx context.Context, id string) (*models.PayoutQueueItem, error) {
	item := new(models.PayoutQueueItem)
	if err := s.db.NewSelect().Model(item).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return item, nil
}

func (s *Store) GetPayoutItemByReference(ctx context.Context, ref string) (*models.PayoutQueueItem, error) {
	item := new(models.PayoutQueueItem)
	if err := s.db.NewSelect().Model(item).Where("transfer_reference = ?", ref).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return item, nil
}

func (s *Store) ListPayoutItemsByOrganizer(ctx context.Context, organizerID string, limit int) ([]models.PayoutQueueItem, error) {
	var items []models.PayoutQueueItem
	q := s.db.NewSelect().Model(&items).Where("organizer_id = ?", organizerID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list payouts for %s: %w", organizerID, err)
	}
	return items, nil
}

// ClaimPayoutItem moves a fresh item from pending to processing.
func (s *Store) ClaimPayoutItem(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.PayoutQueueItem)(nil)).
		Set("status = ?", models.QueueProcessing).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.QueuePending).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim payout item %s: %w", id, err)
	}
	return affected(res) == 1, nil
}

const (
	retryableWhere = "status = 'failed' AND abandoned_at IS NULL AND retry_count < ?"
	dueWhere       = "(next_retry_at IS NULL OR next_retry_at <= ?)"
)

// ListDueRetries returns ids of failed, non-abandoned items whose retry
// time has passed.
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	q := s.db.NewSelect().Model((*models.PayoutQueueItem)(nil)).Column("id").
		Where(retryableWhere, models.MaxPayoutRetries).
		Where(dueWhere, now).
		Order("next_retry_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	return ids, nil
}

// ClaimRetry moves a due failed item to processing. Only one concurrent
// sweep can win the claim.
func (s *Store) ClaimRetry(ctx context.Context, id string, now time.Time, ignoreSchedule bool) (bool, error) {
	q := s.db.NewUpdate().
		Model((*models.PayoutQueueItem)(nil)).
		Set("status = ?", models.QueueProcessing).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where(retryableWhere, models.MaxPayoutRetries)
	if !ignoreSchedule {
		q = q.Where(dueWhere, now)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim retry %s: %w", id, err)
	}
	return affected(res) == 1, nil
}

func (s *Store) RecordTransferInitiated(ctx context.Context, id, providerTransferID string, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*models.PayoutQueueItem)(nil)).
		Set("provider_transfer_id = ?", providerTransferID).
		Set("failure_reason = ''").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.QueueProcessing).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("record transfer for %s: %w", id, err)
	}
	return nil
}

type PayoutFailure struct {
	RetryCount  int
	NextRetryAt *time.Time
	AbandonedAt *time.Time
	Reason      string
}

// RecordPayoutFailure applies a failure to an item that is processing.
func (s *Store) RecordPayoutFailure(ctx context.Context, id string, f PayoutFailure, now time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.PayoutQueueItem)(nil)).
		Set("status = ?", models.QueueFailed).
		Set("retry_count = ?", f.RetryCount).
		Set("next_retry_at = ?", f.NextRetryAt).
		Set("abandoned_at = ?", f.AbandonedAt).
		Set("failure_reason = ?", f.Reason).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.QueueProcessing).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("record failure for %s: %w", id, err)
	}
	return affected(res) == 1, nil
}

// CompletePayoutByReference marks the item completed unless it already is.
// A late success overrides an earlier failure.
func (s *Store) CompletePayoutByReference(ctx context.Context, ref, providerTransferID string, now time.Time) (bool, error) {
	q := s.db.NewUpdate().
		Model((*models.PayoutQueueItem)(nil)).
		Set("status = ?", models.QueueCompleted).
		Set("next_retry_at = NULL").
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("transfer_reference = ?", ref).
		Where("status <> ?", models.QueueCompleted)
	if providerTransferID != "" {
		q = q.Set("provider_transfer_id = ?", providerTransferID)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("complete payout %s: %w", ref, err)
	}
	return affected(res) == 1, nil
}

// CompletePayoutOrders marks ids paid out. Orders already claimed by a
// different payout are left alone.
func (s *Store) CompletePayoutOrders(ctx context.Context, ids []string, ref string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payout_status = ?", models.PayoutStatusCompleted).
		Set("payout_reference = ?", ref).
		Where("id IN (?)", bun.In(ids)).
		Where("(payout_reference = ? OR payout_status IN (?))", ref,
			bun.In([]models.PayoutStatus{models.PayoutStatusPending, models.PayoutStatusFastPayout})).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("complete orders for %s: %w", ref, err)
	}
	return affected(res), nil
}
