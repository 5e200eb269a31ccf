// Package payout turns an organizer's completed orders into transfers: it
// builds payout requests, resolves provider recipients, executes transfers
// with a stable idempotency reference and drives the retry queue and the
// batch processor.
package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/models"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/utils"
)

var ErrNoPendingPayouts = errors.New("payout: no pending payouts")

// MinimumPayout is the smallest net amount, in minor units, worth a
// transfer. Currencies not listed only need a positive net.
var MinimumPayout = map[string]int64{
	"NGN": 100000,
	"GHS": 5000,
	"KES": 50000,
	"ZAR": 10000,
	"USD": 500,
	"GBP": 500,
	"EUR": 500,
	"CAD": 500,
}

func MinimumFor(currency string) int64 {
	if m, ok := MinimumPayout[strings.ToUpper(currency)]; ok {
		return m
	}
	return 1
}

type BuildParams struct {
	OrganizerID string
	EventID     string
	IsDonation  bool
}

// Request is a computed payout. OrderIDs and AdvanceIDs are exactly what
// the figures were computed from; later steps act on these ids only.
type Request struct {
	OrganizerID  string
	EventID      string
	IsDonation   bool
	Currency     string
	GrossSales   int64
	PlatformFees int64
	Commissions  int64
	Advances     int64
	Net          int64
	OrderIDs     []string
	AdvanceIDs   []string
	Reference    string
}

type Builder struct {
	store *storage.Store
	now   func() time.Time
}

func NewBuilder(store *storage.Store) *Builder {
	return &Builder{store: store, now: time.Now}
}

// Build returns the payout owed for p, or ErrNoPendingPayouts when nothing
// is payable or the net is under the currency floor.
func (b *Builder) Build(ctx context.Context, p BuildParams) (*Request, error) {
	req, err := b.Preview(ctx, p)
	if err != nil {
		return nil, err
	}
	if req.Net < MinimumFor(req.Currency) {
		return nil, fmt.Errorf("net %d %s under minimum %d: %w", req.Net, req.Currency, MinimumFor(req.Currency), ErrNoPendingPayouts)
	}
	return req, nil
}

// Preview computes the same figures as Build without applying the floor.
func (b *Builder) Preview(ctx context.Context, p BuildParams) (*Request, error) {
	if p.OrganizerID == "" {
		return nil, apperr.New(apperr.Validation, "organizer id is required")
	}
	orders, err := b.store.ListPayableOrders(ctx, storage.PayableFilter{
		OrganizerID: p.OrganizerID,
		EventID:     p.EventID,
		IsDonation:  p.IsDonation,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list payable orders")
	}
	if len(orders) == 0 {
		return nil, ErrNoPendingPayouts
	}

	req := &Request{
		OrganizerID: p.OrganizerID,
		EventID:     p.EventID,
		IsDonation:  p.IsDonation,
		Currency:    strings.ToUpper(orders[0].Currency),
	}
	for _, o := range orders {
		if !strings.EqualFold(o.Currency, req.Currency) {
			continue
		}
		req.GrossSales += o.TotalAmount
		req.PlatformFees += o.PlatformFee
		req.OrderIDs = append(req.OrderIDs, o.ID)
	}

	if req.Commissions, err = b.store.SumCommissions(ctx, req.OrderIDs); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "sum commissions")
	}

	advances, err := b.store.ListOutstandingAdvances(ctx, p.OrganizerID, p.EventID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list fast payout advances")
	}
	for _, a := range advances {
		if !strings.EqualFold(a.Currency, req.Currency) {
			continue
		}
		req.Advances += a.GrossAmount
		req.AdvanceIDs = append(req.AdvanceIDs, a.ID)
	}

	req.Net = req.GrossSales - req.PlatformFees - req.Commissions - req.Advances
	req.Reference = utils.PayoutReference(p.OrganizerID, p.EventID, b.now().UTC())
	return req, nil
}

// Item converts the request into a queue item ready to enqueue.
func (r *Request) Item(providerName, triggeredBy string) *models.PayoutQueueItem {
	return &models.PayoutQueueItem{
		ID:                utils.NewID("pq"),
		OrganizerID:       r.OrganizerID,
		EventID:           r.EventID,
		Provider:          providerName,
		Amount:            r.Net,
		Currency:          r.Currency,
		GrossSales:        r.GrossSales,
		PlatformFees:      r.PlatformFees,
		Commissions:       r.Commissions,
		Advances:          r.Advances,
		Status:            models.QueuePending,
		TransferReference: r.Reference,
		OrderIDs:          r.OrderIDs,
		TriggeredBy:       triggeredBy,
		IsDonation:        r.IsDonation,
	}
}
