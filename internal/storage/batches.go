package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-payouts/internal/models"
)

func (s *Store) InsertBatch(ctx context.Context, batch *models.PayoutBatch, items []models.PayoutBatchItem) error {
	if _, err := s.db.NewInsert().Model(batch).Exec(ctx); err != nil {
		return fmt.Errorf("insert batch %s: %w", batch.ID, err)
	}
	if len(items) == 0 {
		return nil
	}
	if _, err := s.db.NewInsert().Model(&items).Exec(ctx); err != nil {
		return fmt.Errorf("insert items for batch %s: %w", batch.ID, err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*models.PayoutBatch, error) {
	b := new(models.PayoutBatch)
	if err := s.db.NewSelect().Model(b).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (s *Store) ListBatchItems(ctx context.Context, batchID string) ([]models.PayoutBatchItem, error) {
	var items []models.PayoutBatchItem
	err := s.db.NewSelect().Model(&items).
		Where("batch_id = ?", batchID).
		Order("provider ASC", "created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items for batch %s: %w", batchID, err)
	}
	return items, nil
}

func (s *Store) ListPendingBatchIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.NewSelect().Model((*models.PayoutBatch)(nil)).
		Column("id").
		Where("status = ?", models.BatchPending).
		Order("created_at ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("list pending batches: %w", err)
	}
	return ids, nil
}

func (s *Store) ClaimBatch(ctx context.Context, id string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.PayoutBatch)(nil)).
		Set("status = ?", models.BatchProcessing).
		Where("id = ?", id).
		Where("status = ?", models.BatchPending).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim batch %s: %w", id, err)
	}
	return affected(res) == 1, nil
}

func (s *Store) FinishBatch(ctx context.Context, id string, status models.BatchStatus, success, failed int, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*models.PayoutBatch)(nil)).
		Set("status = ?", status).
		Set("success_count = ?", success).
		Set("failed_count = ?", failed).
		Set("processed_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("finish batch %s: %w", id, err)
	}
	return nil
}

func (s *Store) ClaimBatchItem(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.PayoutBatchItem)(nil)).
		Set("status = ?", models.BatchItemProcessing).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.BatchItemQueued).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim batch item %s: %w", id, err)
	}
	return affected(res) == 1, nil
}

// FinishBatchItem records the attempt result of a processing item.
func (s *Store) FinishBatchItem(ctx context.Context, id string, status models.BatchItemStatus, providerTransferID, reason string, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*models.PayoutBatchItem)(nil)).
		Set("status = ?", status).
		Set("provider_transfer_id = ?", providerTransferID).
		Set("failure_reason = ?", reason).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.BatchItemProcessing).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("finish batch item %s: %w", id, err)
	}
	return nil
}

// ListBatchItemsByStatus returns up to limit items in status, oldest
// first. limit <= 0 means no limit.
func (s *Store) ListBatchItemsByStatus(ctx context.Context, status models.BatchItemStatus, limit int) ([]models.PayoutBatchItem, error) {
	var items []models.PayoutBatchItem
	q := s.db.NewSelect().Model(&items).
		Where("status = ?", status).
		Order("updated_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list %s batch items: %w", status, err)
	}
	return items, nil
}

func (s *Store) GetBatchItemByReference(ctx context.Context, ref string) (*models.PayoutBatchItem, error) {
	item := new(models.PayoutBatchItem)
	if err := s.db.NewSelect().Model(item).Where("reference = ?", ref).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return item, nil
}

// TransitionBatchItem moves the item with ref from one of from to to.
func (s *Store) TransitionBatchItem(ctx context.Context, ref string, from []models.BatchItemStatus, to models.BatchItemStatus, reason string, now time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.PayoutBatchItem)(nil)).
		Set("status = ?", to).
		Set("failure_reason = ?", reason).
		Set("updated_at = ?", now).
		Where("reference = ?", ref).
		Where("status IN (?)", bun.In(from)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("transition batch item %s: %w", ref, err)
	}
	return affected(res) == 1, nil
}
