package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-payouts/internal/models"
)

type AuditEntry struct {
	Action     string
	EntityType string
	EntityID   string
	Actor      string
	Details    any
}

func (s *Store) Audit(ctx context.Context, e AuditEntry) error {
	row := &models.AdminAuditLog{
		ID:         uuid.NewString(),
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Actor:      e.Actor,
		CreatedAt:  time.Now().UTC(),
	}
	if row.Actor == "" {
		row.Actor = "system"
	}
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		row.Details = string(b)
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert audit %s: %w", e.Action, err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, entityType, entityID string) ([]models.AdminAuditLog, error) {
	var rows []models.AdminAuditLog
	err := s.db.NewSelect().Model(&rows).
		Where("entity_type = ?", entityType).
		Where("entity_id = ?", entityID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list audit for %s %s: %w", entityType, entityID, err)
	}
	return rows, nil
}
