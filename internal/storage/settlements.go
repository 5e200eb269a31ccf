package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-payouts/internal/models"
)

// InsertSettlementIfAbsent reports false when (provider, settlement_id)
// was already imported.
func (s *Store) InsertSettlementIfAbsent(ctx context.Context, rec *models.SettlementRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = time.Now().UTC()
	}
	res, err := s.db.NewInsert().Model(rec).
		On("CONFLICT (provider, settlement_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("import settlement %s/%s: %w", rec.Provider, rec.SettlementID, err)
	}
	return affected(res) == 1, nil
}

func (s *Store) CountSettlements(ctx context.Context, provider string) (int, error) {
	n, err := s.db.NewSelect().Model((*models.SettlementRecord)(nil)).Where("provider = ?", provider).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count settlements for %s: %w", provider, err)
	}
	return n, nil
}

type SettlementTotals struct {
	Count int64 `bun:"record_count"`
	Gross int64 `bun:"gross"`
	Fees  int64 `bun:"fees"`
	Net   int64 `bun:"net"`
}

// SumSettlements totals a provider's settlements settled in [start, end).
func (s *Store) SumSettlements(ctx context.Context, provider string, start, end time.Time) (SettlementTotals, error) {
	var t SettlementTotals
	err := s.db.NewSelect().
		Model((*models.SettlementRecord)(nil)).
		ColumnExpr("COUNT(*) AS record_count").
		ColumnExpr("COALESCE(SUM(gross_amount), 0) AS gross").
		ColumnExpr("COALESCE(SUM(fee_amount), 0) AS fees").
		ColumnExpr("COALESCE(SUM(net_amount), 0) AS net").
		Where("provider = ?", provider).
		Where("settled_at >= ?", start).
		Where("settled_at < ?", end).
		Scan(ctx, &t)
	if err != nil {
		return t, fmt.Errorf("sum settlements for %s: %w", provider, err)
	}
	return t, nil
}

func (s *Store) GetSyncStatus(ctx context.Context, provider string) (*models.SettlementSyncStatus, error) {
	st := new(models.SettlementSyncStatus)
	if err := s.db.NewSelect().Model(st).Where("provider = ?", provider).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return st, nil
}

func (s *Store) SaveSyncStatus(ctx context.Context, st *models.SettlementSyncStatus) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.db.NewInsert().Model(st).
		On("CONFLICT (provider) DO UPDATE").
		Set("last_sync_at = EXCLUDED.last_sync_at").
		Set("next_sync_date = EXCLUDED.next_sync_date").
		Set("last_status = EXCLUDED.last_status").
		Set("last_error = EXCLUDED.last_error").
		Set("records_synced = EXCLUDED.records_synced").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save sync status for %s: %w", st.Provider, err)
	}
	return nil
}
