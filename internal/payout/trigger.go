package payout

import (
	"context"
	"errors"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/storage"
)

type TriggerParams struct {
	OrganizerID string
	EventID     string
	IsDonation  bool
	// Provider overrides the organizer's preferred provider.
	Provider    string
	TriggeredBy string
}

type TriggerResult struct {
	PayoutID   string  `json:"payoutId,omitempty"`
	Reference  string  `json:"reference"`
	Amount     int64   `json:"amount"`
	Currency   string  `json:"currency"`
	Provider   string  `json:"provider"`
	Status     Outcome `json:"status"`
	OrderCount int     `json:"orderCount"`
	// ErrorCode and Error describe a failed first attempt without provider
	// detail; that stays in the logs and on the stored payout.
	ErrorCode apperr.Code `json:"errorCode,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Trigger builds, queues and attempts one payout. ErrNoPendingPayouts is
// returned unwrapped when there is nothing to pay.
func Trigger(ctx context.Context, store *storage.Store, b *Builder, q *Queue, defaultProvider provider.Name, p TriggerParams) (*TriggerResult, error) {
	if p.OrganizerID == "" && p.EventID != "" {
		evt, err := store.GetEvent(ctx, p.EventID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Newf(apperr.NotFound, "event %s not found", p.EventID)
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "load event")
		}
		p.OrganizerID = evt.OrganizerID
	}
	if p.OrganizerID == "" {
		return nil, apperr.New(apperr.Validation, "organizerId or eventId is required")
	}

	name := p.Provider
	if name == "" {
		name = string(defaultProvider)
		org, err := store.GetOrganizer(ctx, p.OrganizerID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, apperr.Newf(apperr.NotFound, "organizer %s not found", p.OrganizerID)
		case err != nil:
			return nil, apperr.Wrap(apperr.Internal, err, "load organizer")
		case org.PayoutProvider != "":
			name = org.PayoutProvider
		}
	}

	req, err := b.Build(ctx, BuildParams{OrganizerID: p.OrganizerID, EventID: p.EventID, IsDonation: p.IsDonation})
	if err != nil {
		return nil, err
	}
	item, err := q.Enqueue(ctx, req, name, p.TriggeredBy)
	if err != nil {
		return nil, err
	}

	res := &TriggerResult{
		PayoutID:   item.ID,
		Reference:  item.TransferReference,
		Amount:     item.Amount,
		Currency:   item.Currency,
		Provider:   item.Provider,
		OrderCount: len(item.OrderIDs),
	}
	attempt, err := q.Process(ctx, item.ID)
	if err != nil {
		return res, err
	}
	res.Status = attempt.Outcome
	res.ErrorCode = attempt.ErrorCode
	res.Error = attempt.PublicError
	return res, nil
}
