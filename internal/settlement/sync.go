// Package settlement imports provider settlement reports and reconciles them
// against the orders recorded here.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/kafka"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/storage"
)

const (
	defaultLookback = 7 * 24 * time.Hour

	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

type SyncParams struct {
	Provider    string    `json:"provider,omitempty"`
	Start       time.Time `json:"start_date,omitempty"`
	End         time.Time `json:"end_date,omitempty"`
	CountryCode string    `json:"country_code,omitempty"`
}

// Reconciliation compares what a provider says it settled with what the
// order ledger says it collected over the same window.
type Reconciliation struct {
	ImportedGross int64 `json:"imported_gross"`
	ImportedFees  int64 `json:"imported_fees"`
	InternalGross int64 `json:"internal_gross"`
	InternalCount int64 `json:"internal_orders"`
	Discrepancy   int64 `json:"discrepancy"`
}

type SyncResult struct {
	Provider       string         `json:"provider"`
	Status         string         `json:"status"`
	Synced         int            `json:"synced"`
	Skipped        int            `json:"skipped"`
	Errors         []string       `json:"errors,omitempty"`
	WindowStart    time.Time      `json:"window_start"`
	WindowEnd      time.Time      `json:"window_end"`
	Reconciliation Reconciliation `json:"reconciliation"`
}

type Syncer struct {
	store     *storage.Store
	providers *provider.Registry
	events    kafka.Publisher
	topic     string
	interval  time.Duration
	log       *logger.Logger
	now       func() time.Time
}

func NewSyncer(store *storage.Store, providers *provider.Registry, events kafka.Publisher, topic string, interval time.Duration, log *logger.Logger) *Syncer {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Syncer{
		store:     store,
		providers: providers,
		events:    events,
		topic:     topic,
		interval:  interval,
		log:       log,
		now:       time.Now,
	}
}

// Sync imports reports for one provider, or every provider that settles,
// and returns a result per provider. Row failures are collected on the
// result; only a bad request aborts the whole sync.
func (s *Syncer) Sync(ctx context.Context, p SyncParams) (map[string]*SyncResult, error) {
	targets, err := s.targets(p.Provider)
	if err != nil {
		return nil, err
	}
	if !p.Start.IsZero() && !p.End.IsZero() && !p.End.After(p.Start) {
		return nil, apperr.New(apperr.Validation, "end date must be after start date")
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*SyncResult, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, prov := range targets {
		g.Go(func() error {
			res := s.syncProvider(gctx, prov, p)
			mu.Lock()
			results[res.Provider] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (s *Syncer) targets(name string) ([]provider.PayoutProvider, error) {
	if name != "" {
		p, err := s.providers.Get(name)
		if err != nil {
			return nil, err
		}
		return []provider.PayoutProvider{p}, nil
	}
	var out []provider.PayoutProvider
	for _, n := range s.providers.Names() {
		if n == provider.Manual {
			continue
		}
		p, err := s.providers.Get(string(n))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Syncer) syncProvider(ctx context.Context, p provider.PayoutProvider, params SyncParams) *SyncResult {
	name := string(p.Name())
	now := s.now().UTC()
	res := &SyncResult{Provider: name, WindowEnd: now}
	if !params.End.IsZero() {
		res.WindowEnd = params.End.UTC()
	}
	res.WindowStart = s.windowStart(ctx, name, params.Start, now)

	reports, err := p.FetchSettlements(ctx, provider.SettlementQuery{
		Start:       res.WindowStart,
		End:         res.WindowEnd,
		CountryCode: params.CountryCode,
	})
	if err != nil {
		res.Status = StatusFailed
		res.Errors = append(res.Errors, err.Error())
		s.log.Error("SETTLEMENT", fmt.Sprintf("fetch %s settlements: %v", name, err))
		s.saveStatus(ctx, res, params, now)
		return res
	}

	for _, r := range reports {
		inserted, err := s.ImportSettlement(ctx, name, r)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", r.SettlementID, err))
		case inserted:
			res.Synced++
		default:
			res.Skipped++
		}
	}

	switch {
	case len(res.Errors) == 0:
		res.Status = StatusSuccess
	case res.Synced+res.Skipped > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}

	if rec, err := s.reconcile(ctx, name, res.WindowStart, res.WindowEnd); err != nil {
		s.log.Warn("SETTLEMENT", fmt.Sprintf("reconcile %s: %v", name, err))
	} else {
		res.Reconciliation = rec
		if rec.Discrepancy != 0 {
			s.log.LogSettlement(name, fmt.Sprintf("discrepancy %d between settled gross %d and order gross %d",
				rec.Discrepancy, rec.ImportedGross, rec.InternalGross))
		}
	}

	s.saveStatus(ctx, res, params, now)
	s.log.LogSettlement(name, fmt.Sprintf("synced %d, skipped %d, errors %d", res.Synced, res.Skipped, len(res.Errors)))
	s.publish(ctx, res)
	return res
}

// windowStart is the explicit start, else the last successful sync, else a
// week back.
func (s *Syncer) windowStart(ctx context.Context, name string, explicit, now time.Time) time.Time {
	if !explicit.IsZero() {
		return explicit.UTC()
	}
	st, err := s.store.GetSyncStatus(ctx, name)
	if err == nil && st.LastSyncAt != nil {
		return st.LastSyncAt.UTC()
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("SETTLEMENT", fmt.Sprintf("load %s watermark: %v", name, err))
	}
	return now.Add(-defaultLookback)
}

// ImportSettlement stores one report row and reports whether it was new.
// A row already imported for (provider, settlement id) is skipped.
func (s *Syncer) ImportSettlement(ctx context.Context, providerName string, r provider.SettlementReport) (bool, error) {
	if r.SettlementID == "" {
		return false, apperr.New(apperr.Validation, "settlement id is required")
	}
	inserted, err := s.store.InsertSettlementIfAbsent(ctx, &models.SettlementRecord{
		Provider:     providerName,
		SettlementID: r.SettlementID,
		PeriodStart:  r.PeriodStart,
		PeriodEnd:    r.PeriodEnd,
		GrossAmount:  r.Gross,
		FeeAmount:    r.Fee,
		NetAmount:    r.Net,
		Currency:     r.Currency,
		Status:       r.Status,
		CountryCode:  r.CountryCode,
		SettledAt:    r.SettledAt,
		Raw:          r.Raw,
		ImportedAt:   s.now().UTC(),
	})
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "import settlement")
	}
	if !inserted {
		s.log.Debug("SETTLEMENT", fmt.Sprintf("%s/%s already imported", providerName, r.SettlementID))
	}
	return inserted, nil
}

func (s *Syncer) reconcile(ctx context.Context, name string, start, end time.Time) (Reconciliation, error) {
	var rec Reconciliation
	settled, err := s.store.SumSettlements(ctx, name, start, end)
	if err != nil {
		return rec, err
	}
	orders, err := s.store.SumPaidOrders(ctx, name, start, end)
	if err != nil {
		return rec, err
	}
	rec.ImportedGross = settled.Gross
	rec.ImportedFees = settled.Fees
	rec.InternalGross = orders.Gross
	rec.InternalCount = orders.Count
	rec.Discrepancy = settled.Gross - orders.Gross
	return rec, nil
}

// saveStatus records the run. Only a fully successful scheduled run moves
// the watermark, and never backwards or past now. Explicit windows are
// backfills and leave both the watermark and the next sync date alone.
func (s *Syncer) saveStatus(ctx context.Context, res *SyncResult, params SyncParams, now time.Time) {
	st := &models.SettlementSyncStatus{
		Provider:      res.Provider,
		LastStatus:    res.Status,
		RecordsSynced: res.Synced,
	}
	prev, err := s.store.GetSyncStatus(ctx, res.Provider)
	switch {
	case err == nil:
		st.LastSyncAt = prev.LastSyncAt
		st.NextSyncDate = prev.NextSyncDate
	case !errors.Is(err, storage.ErrNotFound):
		// Writing without the previous row could drop its watermark.
		s.log.Error("SETTLEMENT", fmt.Sprintf("load %s sync status: %v", res.Provider, err))
		return
	}

	if explicitWindow(params) {
		s.log.LogSettlement(res.Provider, fmt.Sprintf("backfill %s..%s left the watermark unchanged",
			res.WindowStart.Format(time.RFC3339), res.WindowEnd.Format(time.RFC3339)))
	} else {
		next := now.Add(s.interval)
		st.NextSyncDate = &next
		if res.Status == StatusSuccess {
			st.LastSyncAt = advance(st.LastSyncAt, res.WindowEnd, now)
		}
	}
	if len(res.Errors) > 0 {
		st.LastError = res.Errors[0]
	}
	if err := s.store.SaveSyncStatus(ctx, st); err != nil {
		s.log.Error("SETTLEMENT", fmt.Sprintf("save %s sync status: %v", res.Provider, err))
	}
}

func explicitWindow(p SyncParams) bool {
	return !p.Start.IsZero() || !p.End.IsZero()
}

// advance returns max(prev, min(end, now)).
func advance(prev *time.Time, end, now time.Time) *time.Time {
	if end.After(now) {
		end = now
	}
	if prev != nil && !end.After(prev.UTC()) {
		return prev
	}
	return &end
}

func (s *Syncer) publish(ctx context.Context, res *SyncResult) {
	if s.events == nil || s.topic == "" {
		return
	}
	ev := kafka.SettlementImported{
		Provider:      res.Provider,
		Synced:        res.Synced,
		Skipped:       res.Skipped,
		Errors:        len(res.Errors),
		ImportedGross: res.Reconciliation.ImportedGross,
		InternalGross: res.Reconciliation.InternalGross,
		Discrepancy:   res.Reconciliation.Discrepancy,
		WindowStart:   res.WindowStart,
		WindowEnd:     res.WindowEnd,
	}
	if err := s.events.Publish(ctx, s.topic, res.Provider, ev); err != nil {
		s.log.Warn("KAFKA", fmt.Sprintf("publish settlement import for %s: %v", res.Provider, err))
	}
}

// Status returns the stored watermark for every provider that settles.
func (s *Syncer) Status(ctx context.Context) ([]models.SettlementSyncStatus, error) {
	targets, err := s.targets("")
	if err != nil {
		return nil, err
	}
	out := make([]models.SettlementSyncStatus, 0, len(targets))
	for _, p := range targets {
		st, err := s.store.GetSyncStatus(ctx, string(p.Name()))
		if errors.Is(err, storage.ErrNotFound) {
			out = append(out, models.SettlementSyncStatus{Provider: string(p.Name()), LastStatus: "never"})
			continue
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "load sync status")
		}
		out = append(out, *st)
	}
	return out, nil
}
