package payout

import (
	"context"
	"errors"
	"fmt"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/storage"
)

// Transfer is one outbound money movement. Reference is the idempotency
// key and never changes between attempts.
type Transfer struct {
	OrganizerID string
	Provider    string
	Reference   string
	Amount      int64
	Currency    string
	Reason      string
	// Attempted is set when an earlier attempt may have reached the provider.
	Attempted bool
}

type Executor struct {
	store      *storage.Store
	providers  *provider.Registry
	recipients *RecipientResolver
	log        *logger.Logger
}

func NewExecutor(store *storage.Store, providers *provider.Registry, recipients *RecipientResolver, log *logger.Logger) *Executor {
	return &Executor{store: store, providers: providers, recipients: recipients, log: log}
}

// Execute sends the transfer for a queue item.
func (e *Executor) Execute(ctx context.Context, item *models.PayoutQueueItem) (*provider.TransferResult, error) {
	return e.Send(ctx, Transfer{
		OrganizerID: item.OrganizerID,
		Provider:    item.Provider,
		Reference:   item.TransferReference,
		Amount:      item.Amount,
		Currency:    item.Currency,
		Reason:      payoutReason(item.EventID),
		Attempted:   item.RetryCount > 0 || item.ProviderTransferID != "",
	})
}

// Send resolves the recipient and initiates t. A retried transfer first
// asks the provider whether the reference already exists and adopts it.
func (e *Executor) Send(ctx context.Context, t Transfer) (*provider.TransferResult, error) {
	if t.Amount <= 0 {
		return nil, apperr.Newf(apperr.Validation, "transfer %s has non-positive amount %d", t.Reference, t.Amount)
	}
	org, err := e.store.GetOrganizer(ctx, t.OrganizerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "organizer %s not found", t.OrganizerID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "load organizer")
	}

	p, err := e.providers.Get(t.Provider)
	if err != nil {
		return nil, err
	}

	code, err := e.recipients.Resolve(ctx, org, p)
	if err != nil {
		return nil, err
	}

	if t.Attempted {
		if res, err := e.lookup(ctx, p, t.Reference); err != nil || res != nil {
			return res, err
		}
	}

	res, err := p.InitiateTransfer(ctx, provider.TransferRequest{
		Reference:     t.Reference,
		RecipientCode: code,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Reason:        t.Reason,
		CountryCode:   org.CountryCode,
	})
	if errors.Is(err, provider.ErrDuplicateReference) {
		return e.duplicate(ctx, p, t.Reference, err)
	}
	if err != nil {
		e.log.LogPayout(t.Reference, fmt.Sprintf("%s transfer failed: %v", p.Name(), err))
		return nil, err
	}
	if res.State == provider.TransferFailure {
		return nil, apperr.Newf(apperr.PayoutFailed, "%s rejected transfer %s: %s", p.Name(), t.Reference, res.FailureReason)
	}
	e.log.LogPayout(t.Reference, fmt.Sprintf("%s transfer %s is %s", p.Name(), res.ProviderTransferID, res.State))
	return res, nil
}

// lookup returns the existing transfer for ref, or nil when the provider
// has none or cannot be asked.
func (e *Executor) lookup(ctx context.Context, p provider.PayoutProvider, ref string) (*provider.TransferResult, error) {
	tl, ok := p.(provider.TransferLookup)
	if !ok {
		return nil, nil
	}
	res, err := tl.LookupTransfer(ctx, ref)
	if errors.Is(err, provider.ErrTransferNotFound) {
		return nil, nil
	}
	if err != nil {
		// Sending again without knowing could pay twice on providers that
		// do not dedupe by reference. The earlier outcome is still unknown.
		return nil, apperr.Unknown(err, "look up previous transfer")
	}
	if res.State == provider.TransferFailure {
		e.log.LogPayout(ref, fmt.Sprintf("previous %s transfer failed (%s), sending again", p.Name(), res.FailureReason))
		return nil, nil
	}
	e.log.LogPayout(ref, fmt.Sprintf("adopting existing %s transfer %s (%s)", p.Name(), res.ProviderTransferID, res.State))
	return res, nil
}

// duplicate handles a provider refusing a reference it has seen before.
// A live transfer under it is adopted; a failed one can never be reused,
// so the payout fails for good and its orders go to a new payout.
func (e *Executor) duplicate(ctx context.Context, p provider.PayoutProvider, ref string, cause error) (*provider.TransferResult, error) {
	tl, ok := p.(provider.TransferLookup)
	if !ok {
		return nil, apperr.Wrap(apperr.Conflict, cause, "reference "+ref+" already used")
	}
	res, err := tl.LookupTransfer(ctx, ref)
	if err != nil && !errors.Is(err, provider.ErrTransferNotFound) {
		return nil, apperr.Unknown(err, "look up duplicate transfer")
	}
	if err == nil && res.State != provider.TransferFailure {
		e.log.LogPayout(ref, fmt.Sprintf("adopting existing %s transfer %s (%s)", p.Name(), res.ProviderTransferID, res.State))
		return res, nil
	}
	e.log.LogPayout(ref, fmt.Sprintf("%s refuses reused reference of a failed transfer", p.Name()))
	return nil, apperr.Wrap(apperr.Conflict, cause, "reference "+ref+" already used by a failed transfer")
}

func payoutReason(eventID string) string {
	if eventID == "" {
		return "Ticket sales payout"
	}
	return "Ticket sales payout for event " + eventID
}
