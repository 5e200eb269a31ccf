package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/lock"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/storage"
)

const (
	recipientLockTTL = 30 * time.Second
	recipientPolls   = 3
	recipientPollGap = 200 * time.Millisecond
)

// RecipientResolver returns the provider payee code for an organizer,
// creating it at most once per (organizer, provider).
type RecipientResolver struct {
	store   *storage.Store
	locker  lock.Locker
	log     *logger.Logger
	pollGap time.Duration
}

func NewRecipientResolver(store *storage.Store, locker lock.Locker, log *logger.Logger) *RecipientResolver {
	if locker == nil {
		locker = lock.Local{}
	}
	return &RecipientResolver{store: store, locker: locker, log: log, pollGap: recipientPollGap}
}

func (r *RecipientResolver) Resolve(ctx context.Context, org *models.Organizer, p provider.PayoutProvider) (string, error) {
	name := string(p.Name())
	if code, err := r.cached(ctx, org.ID, name); err != nil || code != "" {
		return code, err
	}

	release, ok, err := r.locker.TryLock(ctx, lock.RecipientKey(org.ID, name), recipientLockTTL)
	if err != nil {
		// Locks only narrow the race; the unique index still decides.
		r.log.Warn("PAYOUT", fmt.Sprintf("recipient lock for %s/%s unavailable: %v", org.ID, name, err))
	} else if !ok {
		return r.waitForOther(ctx, org.ID, name)
	} else {
		defer release()
	}

	if code, err := r.cached(ctx, org.ID, name); err != nil || code != "" {
		return code, err
	}

	code, err := p.CreateRecipient(ctx, provider.RecipientRequest{
		OrganizerID:     org.ID,
		Name:            org.BankAccountName,
		Email:           org.Email,
		AccountNumber:   org.BankAccountNumber,
		BankCode:        org.BankCode,
		Currency:        currencyForCountry(org.CountryCode),
		CountryCode:     org.CountryCode,
		StripeAccountID: org.StripeAccountID,
		PayPalEmail:     org.PayPalEmail,
	})
	if err != nil {
		if apperr.Is(err, apperr.Configuration) || apperr.Is(err, apperr.ServiceUnavailable) {
			return "", err
		}
		r.log.LogPayout(org.ID, fmt.Sprintf("recipient creation on %s failed: %v", name, err))
		return "", apperr.Wrap(apperr.InvalidAccount, err, "create transfer recipient")
	}

	stored, err := r.store.InsertRecipientIfAbsent(ctx, &models.TransferRecipient{
		OrganizerID:       org.ID,
		Provider:          name,
		RecipientCode:     code,
		BankAccountNumber: org.BankAccountNumber,
		BankCode:          org.BankCode,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "store transfer recipient")
	}
	if !stored {
		r.log.LogPayout(org.ID, fmt.Sprintf("recipient for %s created concurrently, using stored code", name))
	}

	existing, err := r.store.GetRecipient(ctx, org.ID, name)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "reload transfer recipient")
	}
	return existing.RecipientCode, nil
}

func (r *RecipientResolver) cached(ctx context.Context, organizerID, name string) (string, error) {
	rec, err := r.store.GetRecipient(ctx, organizerID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "load transfer recipient")
	}
	return rec.RecipientCode, nil
}

func (r *RecipientResolver) waitForOther(ctx context.Context, organizerID, name string) (string, error) {
	for i := 0; i < recipientPolls; i++ {
		select {
		case <-ctx.Done():
			return "", apperr.Wrap(apperr.ServiceUnavailable, ctx.Err(), "wait for recipient")
		case <-time.After(r.pollGap):
		}
		code, err := r.cached(ctx, organizerID, name)
		if err != nil || code != "" {
			return code, err
		}
	}
	return "", apperr.Newf(apperr.ServiceUnavailable, "recipient for %s/%s is being created elsewhere", organizerID, name)
}

var countryCurrency = map[string]string{
	"NG": "NGN",
	"GH": "GHS",
	"KE": "KES",
	"ZA": "ZAR",
	"US": "USD",
	"GB": "GBP",
	"CA": "CAD",
}

func currencyForCountry(cc string) string {
	if c, ok := countryCurrency[cc]; ok {
		return c
	}
	return "NGN"
}
