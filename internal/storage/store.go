// Package storage is the relational ledger behind the payout subsystem.
// Every guard that protects a financial effect is a conditional UPDATE
// whose rows-affected result decides the outcome; nothing here reads a row
// and then writes it back.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflicting concurrent update")
)

type Store struct {
	db   bun.IDB
	root *bun.DB
	log  *logger.Logger
}

func New(db *bun.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{db: db, root: db, log: log}
}

// Bun exposes the root handle for migrations and health checks.
func (s *Store) Bun() *bun.DB { return s.root }

// InTx runs fn inside a transaction. Nested calls reuse the outer one.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.db.(bun.Tx); ok {
		return fn(s)
	}
	return s.root.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(&Store{db: tx, root: s.root, log: s.log})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.root.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.root.Close()
}

// Models lists every table owned by this service, parents first.
func Models() []any {
	return []any{
		(*models.Organizer)(nil),
		(*models.Event)(nil),
		(*models.Order)(nil),
		(*models.Ticket)(nil),
		(*models.TransferRecipient)(nil),
		(*models.PromoterSale)(nil),
		(*models.PayoutQueueItem)(nil),
		(*models.PayoutBatch)(nil),
		(*models.PayoutBatchItem)(nil),
		(*models.FastPayoutRequest)(nil),
		(*models.SettlementRecord)(nil),
		(*models.SettlementSyncStatus)(nil),
		(*models.AdminAuditLog)(nil),
	}
}

// CreateSchema creates the tables from the bun models. Production uses the
// SQL migrations instead; this backs tests and local sqlite runs.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	for _, m := range Models() {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*models.Order)(nil), "idx_orders_payable", []string{"organizer_id", "status", "payout_status"}},
		{(*models.PayoutQueueItem)(nil), "idx_payout_queue_retry", []string{"status", "next_retry_at"}},
		{(*models.PayoutBatchItem)(nil), "idx_batch_items_batch", []string{"batch_id"}},
		{(*models.FastPayoutRequest)(nil), "idx_fast_payout_event", []string{"organizer_id", "event_id"}},
		{(*models.PromoterSale)(nil), "idx_promoter_sales_order", []string{"order_id"}},
	}
	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.columns...).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DriverName is the database/sql driver OpenPostgres uses.
const DriverName = "postgres"

// OpenPostgres connects with lib/pq, retrying the first ping a few times.
func OpenPostgres(ctx context.Context, dsn string, opts PoolOptions, log *logger.Logger) (*bun.DB, error) {
	var (
		sqldb *sql.DB
		err   error
	)
	const maxRetries = 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open(DriverName, dsn)
		if err == nil {
			err = sqldb.PingContext(ctx)
			if err == nil {
				break
			}
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect postgres after %d attempts: %w", maxRetries, err)
	}

	if opts.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.MaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(opts.MaxLifetime)
	}

	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
