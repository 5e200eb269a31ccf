package fastpayout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/lock"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/notify"
	"ms-payouts/internal/payout"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/utils"
)

const requestLockTTL = 30 * time.Second

var errSlotTaken = errors.New("fast payout slot taken")

type Service struct {
	store    *storage.Store
	builder  *payout.Builder
	queue    *payout.Queue
	locker   lock.Locker
	notifier *notify.Notifier
	settings Settings
	// fallback provider for organizers without a preference
	provider provider.Name
	log      *logger.Logger
	now      func() time.Time
}

func NewService(store *storage.Store, builder *payout.Builder, queue *payout.Queue, locker lock.Locker, notifier *notify.Notifier,
	settings Settings, defaultProvider provider.Name, log *logger.Logger) *Service {
	if defaultProvider == "" {
		defaultProvider = provider.Paystack
	}
	if locker == nil {
		locker = lock.Local{}
	}
	return &Service{
		store:    store,
		builder:  builder,
		queue:    queue,
		locker:   locker,
		notifier: notifier,
		settings: settings,
		provider: defaultProvider,
		log:      log,
		now:      time.Now,
	}
}

type Result struct {
	Request  *models.FastPayoutRequest `json:"request"`
	Decision Decision                  `json:"decision"`
	Attempt  *payout.Attempt           `json:"attempt,omitempty"`
}

// Eligibility evaluates a prospective request without recording it.
func (s *Service) Eligibility(ctx context.Context, organizerID, eventID string, amount int64) (Decision, error) {
	_, snap, err := s.snapshot(ctx, organizerID, eventID)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(s.settings, snap, amount, s.now().UTC()), nil
}

// Request evaluates and, when eligible, pays an advance of amount less the
// fee. Denials are stored with their reason and returned as errors:
// RATE_LIMITED for the cooldown, VALIDATION otherwise. Requests for one
// organizer are serialized; a request that loses the race gets CONFLICT.
func (s *Service) Request(ctx context.Context, organizerID, eventID string, amount int64) (*Result, error) {
	unlock, err := s.lock(ctx, organizerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	org, snap, err := s.snapshot(ctx, organizerID, eventID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	d := Evaluate(s.settings, snap, amount, now)

	req := &models.FastPayoutRequest{
		ID:            utils.NewID("fp"),
		OrganizerID:   organizerID,
		EventID:       eventID,
		GrossAmount:   amount,
		FeePercentage: s.settings.FeePercentage,
		FeeAmount:     d.Fee,
		NetAmount:     d.Net,
		Currency:      snap.Currency,
		CreatedAt:     now,
	}
	result := &Result{Request: req, Decision: d}

	if !d.Eligible {
		req.Status = models.FastPayoutDenied
		req.DenialReason = string(d.Reason)
		if err := s.store.InsertFastPayout(ctx, req); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "store denied fast payout")
		}
		s.log.LogPayout(req.ID, fmt.Sprintf("fast payout for %s/%s denied: %s", organizerID, eventID, d.Reason))
		code := apperr.Validation
		if d.Reason == ReasonCooldown {
			code = apperr.RateLimited
		}
		return result, apperr.New(code, d.Message).WithPublic(d.Message)
	}

	req.Status = models.FastPayoutApproved
	err = s.store.InTx(ctx, func(tx *storage.Store) error {
		// The checks above read a snapshot; the version claim makes them hold.
		ok, err := tx.ClaimFastPayoutSlot(ctx, organizerID, org.FastPayoutVersion)
		if err != nil {
			return err
		}
		if !ok {
			return errSlotTaken
		}
		if err := tx.InsertFastPayout(ctx, req); err != nil {
			return err
		}
		_, err = tx.MarkEventOrdersFastPayout(ctx, organizerID, eventID)
		return err
	})
	if errors.Is(err, errSlotTaken) {
		return nil, apperr.Newf(apperr.Conflict, "another fast payout for organizer %s was approved meanwhile", organizerID).
			WithPublic("Another fast payout request was just approved, please retry")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "store fast payout")
	}
	unlock()

	name := s.provider
	if n, ok := provider.ParseName(org.PayoutProvider); ok {
		name = n
	}
	item := &models.PayoutQueueItem{
		ID:                  utils.NewID("pq"),
		OrganizerID:         organizerID,
		EventID:             eventID,
		Provider:            string(name),
		Amount:              d.Net,
		Currency:            snap.Currency,
		GrossSales:          amount,
		PlatformFees:        d.Fee,
		Status:              models.QueuePending,
		TransferReference:   utils.FastPayoutReference(organizerID, eventID, now),
		TriggeredBy:         "fast_payout",
		FastPayoutRequestID: req.ID,
	}
	if err := s.queue.EnqueueItem(ctx, item); err != nil {
		if _, uerr := s.store.UpdateFastPayoutStatus(ctx, req.ID, []models.FastPayoutStatus{models.FastPayoutApproved}, models.FastPayoutFailed, ""); uerr != nil {
			s.log.Error("PAYOUT", fmt.Sprintf("fast payout %s left approved: %v", req.ID, uerr))
		}
		return nil, err
	}
	req.PayoutItemID = item.ID

	s.notifier.Notify(ctx, notify.FastPayoutApproved, notify.Recipient{Name: org.Name, Email: org.Email}, map[string]any{
		"organizer_name": org.Name,
		"net_amount":     provider.FormatMajor(d.Net, snap.Currency),
		"fee_amount":     provider.FormatMajor(d.Fee, snap.Currency),
		"currency":       snap.Currency,
		"reference":      item.TransferReference,
	})

	attempt, err := s.queue.Process(ctx, item.ID)
	if err != nil {
		return result, err
	}
	result.Attempt = attempt
	if fresh, err := s.store.GetFastPayout(ctx, req.ID); err == nil {
		result.Request = fresh
	}
	return result, nil
}

// lock takes the organizer's request lock. Without Redis the version claim
// in Request is the only guard.
func (s *Service) lock(ctx context.Context, organizerID string) (func(), error) {
	release, ok, err := s.locker.TryLock(ctx, lock.FastPayoutKey(organizerID), requestLockTTL)
	switch {
	case err != nil:
		s.log.Warn("PAYOUT", fmt.Sprintf("fast payout lock for %s unavailable, relying on version claim: %v", organizerID, err))
		return func() {}, nil
	case !ok:
		return nil, apperr.Newf(apperr.Conflict, "a fast payout request for organizer %s is in progress", organizerID).
			WithPublic("A fast payout request is already in progress")
	}
	return sync.OnceFunc(release), nil
}

func (s *Service) snapshot(ctx context.Context, organizerID, eventID string) (*models.Organizer, Snapshot, error) {
	var snap Snapshot
	if organizerID == "" || eventID == "" {
		return nil, snap, apperr.New(apperr.Validation, "organizer id and event id are required")
	}
	org, err := s.store.GetOrganizer(ctx, organizerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, snap, apperr.Newf(apperr.NotFound, "organizer %s not found", organizerID)
	}
	if err != nil {
		return nil, snap, apperr.Wrap(apperr.Internal, err, "load organizer")
	}
	evt, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && evt.OrganizerID != organizerID) {
		return nil, snap, apperr.Newf(apperr.NotFound, "event %s not found for organizer %s", eventID, organizerID)
	}
	if err != nil {
		return nil, snap, apperr.Wrap(apperr.Internal, err, "load event")
	}

	sold, err := s.store.CountTicketsByEvent(ctx, eventID)
	if err != nil {
		return nil, snap, apperr.Wrap(apperr.Internal, err, "count tickets")
	}
	existing, err := s.store.CountFastPayouts(ctx, organizerID, eventID)
	if err != nil {
		return nil, snap, apperr.Wrap(apperr.Internal, err, "count fast payouts")
	}
	last, err := s.store.LastFastPayoutAt(ctx, organizerID)
	if err != nil {
		return nil, snap, apperr.Wrap(apperr.Internal, err, "load last fast payout")
	}

	snap = Snapshot{
		KYCVerified:      org.KYCVerified,
		BankVerified:     org.BankVerified,
		Tier:             org.TrustTier,
		TicketsSold:      sold,
		TicketCapacity:   evt.TicketCapacity,
		ExistingRequests: existing,
		LastRequestAt:    last,
	}
	preview, err := s.builder.Preview(ctx, payout.BuildParams{OrganizerID: organizerID, EventID: eventID})
	switch {
	case errors.Is(err, payout.ErrNoPendingPayouts):
	case err != nil:
		return nil, snap, err
	default:
		snap.AvailableEarnings = preview.Net
		snap.Currency = preview.Currency
	}
	return org, snap, nil
}
