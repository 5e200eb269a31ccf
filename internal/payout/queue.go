package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/kafka"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/notify"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/storage"
)

type Topics struct {
	Initiated string
	Completed string
	Abandoned string
}

type Outcome string

const (
	// OutcomeInitiated means the provider accepted the transfer and the
	// item waits for its status webhook.
	OutcomeInitiated Outcome = "initiated"
	OutcomeCompleted Outcome = "completed"
	// OutcomeManual means finance must send the money and confirm it.
	OutcomeManual         Outcome = "manual"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeAbandoned      Outcome = "abandoned"
	// OutcomeSuperseded means another writer changed the item mid-attempt.
	OutcomeSuperseded Outcome = "superseded"
)

type Attempt struct {
	ItemID             string     `json:"payout_id"`
	Reference          string     `json:"reference"`
	Outcome            Outcome    `json:"outcome"`
	ProviderTransferID string     `json:"provider_transfer_id,omitempty"`
	RetryCount         int        `json:"retry_count"`
	NextRetryAt        *time.Time `json:"next_retry_at,omitempty"`
	// Error is the failure detail for logs. Clients get ErrorCode and
	// PublicError only.
	Error       string      `json:"-"`
	ErrorCode   apperr.Code `json:"error_code,omitempty"`
	PublicError string      `json:"error,omitempty"`
}

func (a *Attempt) Succeeded() bool {
	switch a.Outcome {
	case OutcomeInitiated, OutcomeCompleted, OutcomeManual:
		return true
	}
	return false
}

type SweepResult struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Queue owns the payout_queue state machine:
// pending -> processing -> completed | failed, and failed -> processing on retry.
type Queue struct {
	store    *storage.Store
	exec     *Executor
	notifier *notify.Notifier
	events   kafka.Publisher
	topics   Topics
	log      *logger.Logger
	now      func() time.Time
}

func NewQueue(store *storage.Store, exec *Executor, notifier *notify.Notifier, events kafka.Publisher, topics Topics, log *logger.Logger) *Queue {
	if events == nil {
		events = kafka.NopPublisher{}
	}
	return &Queue{
		store:    store,
		exec:     exec,
		notifier: notifier,
		events:   events,
		topics:   topics,
		log:      log,
		now:      time.Now,
	}
}

// Enqueue stores req as a pending item and claims exactly its orders and
// advances. A concurrent payout for the same orders rolls the whole thing
// back with CONFLICT.
func (q *Queue) Enqueue(ctx context.Context, req *Request, providerName, triggeredBy string) (*models.PayoutQueueItem, error) {
	name, ok := provider.ParseName(providerName)
	if !ok {
		return nil, apperr.Newf(apperr.Validation, "unsupported provider %q", providerName)
	}
	item := req.Item(string(name), triggeredBy)
	return item, q.insert(ctx, item, req.AdvanceIDs)
}

// EnqueueItem stores an item built elsewhere, such as a fast payout.
func (q *Queue) EnqueueItem(ctx context.Context, item *models.PayoutQueueItem) error {
	return q.insert(ctx, item, nil)
}

func (q *Queue) insert(ctx context.Context, item *models.PayoutQueueItem, advanceIDs []string) error {
	err := q.store.InTx(ctx, func(tx *storage.Store) error {
		if err := tx.InsertPayoutItem(ctx, item); err != nil {
			return err
		}
		from := []models.PayoutStatus{models.PayoutStatusPending, models.PayoutStatusFastPayout}
		if err := tx.ClaimOrders(ctx, item.OrderIDs, from, models.PayoutStatusProcessing, item.TransferReference); err != nil {
			return err
		}
		if err := tx.SettleAdvances(ctx, advanceIDs, item.TransferReference); err != nil {
			return err
		}
		return tx.Audit(ctx, storage.AuditEntry{
			Action:     "payout.enqueued",
			EntityType: "payout",
			EntityID:   item.ID,
			Actor:      item.TriggeredBy,
			Details: map[string]any{
				"reference": item.TransferReference,
				"amount":    item.Amount,
				"currency":  item.Currency,
				"provider":  item.Provider,
				"orders":    len(item.OrderIDs),
			},
		})
	})
	if errors.Is(err, storage.ErrConflict) {
		return apperr.Wrap(apperr.Conflict, err, "orders already claimed by another payout")
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "enqueue payout")
	}
	q.log.LogPayout(item.TransferReference, fmt.Sprintf("queued %d %s for %s via %s (%d orders)",
		item.Amount, item.Currency, item.OrganizerID, item.Provider, len(item.OrderIDs)))
	return nil
}

// Process runs the first attempt of a pending item.
func (q *Queue) Process(ctx context.Context, itemID string) (*Attempt, error) {
	ok, err := q.store.ClaimPayoutItem(ctx, itemID, q.now().UTC())
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "claim payout")
	}
	if !ok {
		return nil, q.unclaimable(ctx, itemID, "not pending")
	}
	return q.runClaimed(ctx, itemID)
}

// RetryDue retries every failed item whose next_retry_at has passed. Items
// claimed by a concurrent sweep are skipped.
func (q *Queue) RetryDue(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := q.now().UTC()
	ids, err := q.store.ListDueRetries(ctx, now, 0)
	if err != nil {
		return res, apperr.Wrap(apperr.Internal, err, "list due retries")
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		ok, err := q.store.ClaimRetry(ctx, id, now, false)
		if err != nil {
			q.log.Error("PAYOUT", fmt.Sprintf("claim retry %s: %v", id, err))
			res.Failed++
			continue
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Claimed++
		attempt, err := q.runClaimed(ctx, id)
		if err != nil || !attempt.Succeeded() {
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	q.log.LogProcess("retry_sweep", fmt.Sprintf("claimed=%d succeeded=%d failed=%d skipped=%d",
		res.Claimed, res.Succeeded, res.Failed, res.Skipped))
	return res, nil
}

// RetryNow retries a failed, not abandoned item ahead of its schedule.
func (q *Queue) RetryNow(ctx context.Context, itemID string) (*Attempt, error) {
	ok, err := q.store.ClaimRetry(ctx, itemID, q.now().UTC(), true)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "claim retry")
	}
	if !ok {
		return nil, q.unclaimable(ctx, itemID, "not retryable")
	}
	return q.runClaimed(ctx, itemID)
}

func (q *Queue) unclaimable(ctx context.Context, itemID, why string) error {
	item, err := q.store.GetPayoutItem(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Newf(apperr.NotFound, "payout %s not found", itemID)
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "load payout")
	}
	if item.Abandoned() {
		return apperr.Newf(apperr.Conflict, "payout %s %s: abandoned", itemID, why)
	}
	return apperr.Newf(apperr.Conflict, "payout %s %s: status %s", itemID, why, item.Status)
}

// runClaimed attempts an item this caller has moved to processing. A panic
// is converted into a recorded failure so the item never stays claimed.
func (q *Queue) runClaimed(ctx context.Context, itemID string) (attempt *Attempt, err error) {
	item, err := q.store.GetPayoutItem(ctx, itemID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "load claimed payout")
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("PAYOUT", fmt.Sprintf("panic processing %s: %v", item.TransferReference, r))
			attempt, err = q.fail(ctx, item, apperr.Newf(apperr.Internal, "panic: %v", r))
		}
	}()
	return q.attempt(ctx, item)
}

func (q *Queue) attempt(ctx context.Context, item *models.PayoutQueueItem) (*Attempt, error) {
	if item.FastPayoutRequestID != "" {
		from := []models.FastPayoutStatus{models.FastPayoutApproved, models.FastPayoutFailed}
		if _, err := q.store.UpdateFastPayoutStatus(ctx, item.FastPayoutRequestID, from, models.FastPayoutProcessing, item.ID); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "mark fast payout processing")
		}
	}

	res, err := q.exec.Execute(ctx, item)
	if err != nil {
		return q.fail(ctx, item, err)
	}

	now := q.now().UTC()
	if err := q.store.RecordTransferInitiated(ctx, item.ID, res.ProviderTransferID, now); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "record transfer")
	}
	item.ProviderTransferID = res.ProviderTransferID
	q.publish(ctx, q.topics.Initiated, item, "")

	attempt := &Attempt{
		ItemID:             item.ID,
		Reference:          item.TransferReference,
		Outcome:            OutcomeInitiated,
		ProviderTransferID: res.ProviderTransferID,
		RetryCount:         item.RetryCount,
	}
	switch res.State {
	case provider.TransferSuccess:
		if _, err := q.complete(ctx, item, res.ProviderTransferID, "provider:"+item.Provider); err != nil {
			return nil, err
		}
		attempt.Outcome = OutcomeCompleted
	case provider.TransferAwaitsOps:
		q.notifier.NotifyFinance(ctx, notify.ManualPayoutRequired, q.payoutData(item, nil, ""))
		attempt.Outcome = OutcomeManual
	default:
		q.notifyOrganizer(ctx, notify.PayoutInitiated, item, "")
	}
	return attempt, nil
}

// fail applies the failure rule to a processing item.
func (q *Queue) fail(ctx context.Context, item *models.PayoutQueueItem, cause error) (*Attempt, error) {
	now := q.now().UTC()
	retryable := apperr.Retryable(cause)
	d := NextFailure(item.RetryCount, retryable, now)
	if apperr.IsUnknownOutcome(cause) {
		q.log.LogPayout(item.TransferReference, "outcome unknown; next attempt looks the transfer up before sending")
	}

	reason := failureReason(cause)
	failure := storage.PayoutFailure{RetryCount: d.RetryCount, NextRetryAt: d.NextRetryAt, Reason: reason}
	if d.Abandon {
		failure.AbandonedAt = &now
	}
	ok, err := q.store.RecordPayoutFailure(ctx, item.ID, failure, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "record payout failure")
	}
	attempt := &Attempt{
		ItemID:      item.ID,
		Reference:   item.TransferReference,
		RetryCount:  d.RetryCount,
		Error:       reason,
		ErrorCode:   apperr.CodeOf(cause),
		PublicError: publicError(cause),
	}
	if !ok {
		q.log.LogPayout(item.TransferReference, "failure not recorded: item is no longer processing")
		attempt.Outcome = OutcomeSuperseded
		return attempt, nil
	}
	item.RetryCount = d.RetryCount
	item.FailureReason = reason

	if !d.Abandon {
		q.log.LogPayout(item.TransferReference, fmt.Sprintf("attempt %d failed (%s), retry at %s",
			d.RetryCount, apperr.CodeOf(cause), d.NextRetryAt.Format(time.RFC3339)))
		attempt.Outcome = OutcomeRetryScheduled
		attempt.NextRetryAt = d.NextRetryAt
		return attempt, nil
	}

	if err := q.abandon(ctx, item, reason, retryable); err != nil {
		return nil, err
	}
	attempt.Outcome = OutcomeAbandoned
	return attempt, nil
}

// abandon releases the item's orders and advances so a later payout can
// include them, and escalates to finance.
func (q *Queue) abandon(ctx context.Context, item *models.PayoutQueueItem, reason string, retryable bool) error {
	err := q.store.InTx(ctx, func(tx *storage.Store) error {
		if _, err := tx.SetOrdersPayoutStatus(ctx, item.OrderIDs, models.PayoutStatusPending, ""); err != nil {
			return err
		}
		if _, err := tx.ReleaseAdvances(ctx, item.TransferReference); err != nil {
			return err
		}
		if item.FastPayoutRequestID != "" {
			from := []models.FastPayoutStatus{models.FastPayoutApproved, models.FastPayoutProcessing}
			if _, err := tx.UpdateFastPayoutStatus(ctx, item.FastPayoutRequestID, from, models.FastPayoutFailed, ""); err != nil {
				return err
			}
		}
		return tx.Audit(ctx, storage.AuditEntry{
			Action:     "payout.abandoned",
			EntityType: "payout",
			EntityID:   item.ID,
			Actor:      "system",
			Details: map[string]any{
				"reference":   item.TransferReference,
				"retry_count": item.RetryCount,
				"retryable":   retryable,
				"reason":      reason,
			},
		})
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "abandon payout")
	}

	q.log.LogPayout(item.TransferReference, fmt.Sprintf("abandoned after %d attempt(s): %s", item.RetryCount, reason))
	org := q.organizer(ctx, item.OrganizerID)
	q.notifier.NotifyFinance(ctx, notify.PayoutEscalation, q.payoutData(item, org, reason))
	if org != nil {
		q.notifier.Notify(ctx, notify.PayoutFailed, notify.Recipient{Name: org.Name, Email: org.Email}, q.payoutData(item, org, reason))
	}
	q.publish(ctx, q.topics.Abandoned, item, reason)
	return nil
}

// HandleTransferStatus applies a provider transfer webhook to the queue
// item with that reference. Duplicates are no-ops.
func (q *Queue) HandleTransferStatus(ctx context.Context, ev *provider.WebhookEvent) (bool, error) {
	item, err := q.store.GetPayoutItemByReference(ctx, ev.Reference)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return true, apperr.Wrap(apperr.Internal, err, "load payout for webhook")
	}

	switch ev.Kind {
	case provider.TransferSucceeded:
		_, err := q.complete(ctx, item, ev.ProviderTransferID, "webhook:"+string(ev.Provider))
		return true, err
	case provider.TransferFailed:
		if item.Status != models.QueueProcessing {
			q.log.LogPayout(item.TransferReference, fmt.Sprintf("failure webhook ignored, item is %s", item.Status))
			return true, nil
		}
		reason := ev.FailureReason
		if reason == "" {
			reason = "transfer failed at " + string(ev.Provider)
		}
		_, err := q.fail(ctx, item, apperr.New(apperr.PayoutFailed, reason))
		return true, err
	}
	return false, nil
}

// ConfirmManual records that finance sent a manual payout outside the
// platform.
func (q *Queue) ConfirmManual(ctx context.Context, itemID, externalRef, actor string) error {
	item, err := q.store.GetPayoutItem(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Newf(apperr.NotFound, "payout %s not found", itemID)
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "load payout")
	}
	if item.Provider != string(provider.Manual) {
		return apperr.Newf(apperr.Validation, "payout %s is paid through %s, not manually", itemID, item.Provider)
	}
	if item.Status == models.QueueCompleted {
		return nil
	}
	if item.Status != models.QueueProcessing {
		return apperr.Newf(apperr.Conflict, "payout %s is %s, process it before confirming", itemID, item.Status)
	}
	if externalRef == "" {
		externalRef = item.ProviderTransferID
	}
	_, err = q.complete(ctx, item, externalRef, actor)
	return err
}

// complete marks the item, its orders and its fast payout request done.
// It reports false when the item was already completed.
func (q *Queue) complete(ctx context.Context, item *models.PayoutQueueItem, providerTransferID, actor string) (bool, error) {
	now := q.now().UTC()
	completed := false
	err := q.store.InTx(ctx, func(tx *storage.Store) error {
		ok, err := tx.CompletePayoutByReference(ctx, item.TransferReference, providerTransferID, now)
		if err != nil || !ok {
			return err
		}
		completed = true
		n, err := tx.CompletePayoutOrders(ctx, item.OrderIDs, item.TransferReference)
		if err != nil {
			return err
		}
		if n != int64(len(item.OrderIDs)) {
			q.log.LogPayout(item.TransferReference, fmt.Sprintf("%d of %d orders were re-claimed before completion", int64(len(item.OrderIDs))-n, len(item.OrderIDs)))
		}
		if item.FastPayoutRequestID != "" {
			from := []models.FastPayoutStatus{models.FastPayoutApproved, models.FastPayoutProcessing, models.FastPayoutFailed}
			if _, err := tx.UpdateFastPayoutStatus(ctx, item.FastPayoutRequestID, from, models.FastPayoutCompleted, item.ID); err != nil {
				return err
			}
		}
		return tx.Audit(ctx, storage.AuditEntry{
			Action:     "payout.completed",
			EntityType: "payout",
			EntityID:   item.ID,
			Actor:      actor,
			Details: map[string]any{
				"reference":            item.TransferReference,
				"provider_transfer_id": providerTransferID,
				"was_abandoned":        item.Abandoned(),
			},
		})
	})
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "complete payout")
	}
	if !completed {
		q.log.LogPayout(item.TransferReference, "already completed")
		return false, nil
	}
	if item.Abandoned() {
		q.log.LogSecurity("late_payout_success", fmt.Sprintf("abandoned payout %s reported paid by %s", item.TransferReference, actor))
	}
	if providerTransferID != "" {
		item.ProviderTransferID = providerTransferID
	}
	q.log.LogPayout(item.TransferReference, "completed by "+actor)
	q.publish(ctx, q.topics.Completed, item, "")
	q.notifyOrganizer(ctx, notify.PayoutCompleted, item, "")
	return true, nil
}

func publicError(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.PublicError != "" {
		return e.PublicError
	}
	return apperr.PublicMessage(apperr.CodeOf(err))
}

func failureReason(err error) string {
	return fmt.Sprintf("%s: %v", apperr.CodeOf(err), err)
}

func (q *Queue) organizer(ctx context.Context, id string) *models.Organizer {
	org, err := q.store.GetOrganizer(ctx, id)
	if err != nil {
		q.log.Warn("PAYOUT", fmt.Sprintf("organizer %s unavailable for notification: %v", id, err))
		return nil
	}
	return org
}

func (q *Queue) notifyOrganizer(ctx context.Context, tmpl notify.Template, item *models.PayoutQueueItem, reason string) {
	org := q.organizer(ctx, item.OrganizerID)
	if org == nil {
		return
	}
	q.notifier.Notify(ctx, tmpl, notify.Recipient{Name: org.Name, Email: org.Email}, q.payoutData(item, org, reason))
}

func (q *Queue) payoutData(item *models.PayoutQueueItem, org *models.Organizer, reason string) map[string]any {
	data := map[string]any{
		"payout_id":    item.ID,
		"reference":    item.TransferReference,
		"amount":       provider.FormatMajor(item.Amount, item.Currency),
		"currency":     item.Currency,
		"provider":     item.Provider,
		"organizer_id": item.OrganizerID,
		"retry_count":  item.RetryCount,
		"reason":       reason,
	}
	if org != nil {
		data["organizer_name"] = org.Name
	}
	return data
}

func (q *Queue) publish(ctx context.Context, topic string, item *models.PayoutQueueItem, reason string) {
	if topic == "" {
		return
	}
	err := q.events.Publish(ctx, topic, item.OrganizerID, kafka.TransferEvent{
		PayoutID:           item.ID,
		OrganizerID:        item.OrganizerID,
		Provider:           item.Provider,
		Reference:          item.TransferReference,
		ProviderTransferID: item.ProviderTransferID,
		Amount:             item.Amount,
		Currency:           item.Currency,
		RetryCount:         item.RetryCount,
		Reason:             reason,
		At:                 q.now().UTC(),
	})
	if err != nil {
		q.log.Warn("PAYOUT", fmt.Sprintf("publish %s for %s: %v", topic, item.TransferReference, err))
	}
}
