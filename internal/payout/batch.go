package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/kafka"
	"ms-payouts/internal/lock"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/notify"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/utils"
)

const batchLockTTL = 15 * time.Minute

type BatchResult struct {
	BatchID        string             `json:"batch_id"`
	Status         models.BatchStatus `json:"status"`
	ItemsProcessed int                `json:"items_processed"`
	SuccessCount   int                `json:"success_count"`
	FailedCount    int                `json:"failed_count"`
	Errors         []string           `json:"errors"`
}

// BatchProcessor pays many organizers in one run. Items succeed or fail
// on their own; a failed item never undoes the ones before it.
type BatchProcessor struct {
	store       *storage.Store
	builder     *Builder
	exec        *Executor
	locker      lock.Locker
	notifier    *notify.Notifier
	events      kafka.Publisher
	topics      Topics
	log         *logger.Logger
	concurrency int
	now         func() time.Time
}

type BatchOptions struct {
	Topics Topics
	// Concurrency bounds how many batches ProcessPending runs at once.
	Concurrency int
}

func NewBatchProcessor(store *storage.Store, builder *Builder, exec *Executor, locker lock.Locker, notifier *notify.Notifier,
	events kafka.Publisher, opts BatchOptions, log *logger.Logger) *BatchProcessor {
	if locker == nil {
		locker = lock.Local{}
	}
	if events == nil {
		events = kafka.NopPublisher{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &BatchProcessor{
		store:       store,
		builder:     builder,
		exec:        exec,
		locker:      locker,
		notifier:    notifier,
		events:      events,
		topics:      opts.Topics,
		log:         log,
		concurrency: opts.Concurrency,
		now:         time.Now,
	}
}

// CreateBatch builds one item per organizer with something payable and
// claims their orders. Organizers with nothing to pay are skipped.
func (b *BatchProcessor) CreateBatch(ctx context.Context, providerName string, organizerIDs []string, createdBy string) (*models.PayoutBatch, []models.PayoutBatchItem, error) {
	name, ok := provider.ParseName(providerName)
	if !ok {
		return nil, nil, apperr.Newf(apperr.Validation, "unsupported provider %q", providerName)
	}
	if len(organizerIDs) == 0 {
		return nil, nil, apperr.New(apperr.Validation, "at least one organizer is required")
	}

	now := b.now().UTC()
	batch := &models.PayoutBatch{
		ID:        utils.NewID("bat"),
		Provider:  string(name),
		Status:    models.BatchPending,
		CreatedBy: createdBy,
		CreatedAt: now,
	}

	var items []models.PayoutBatchItem
	var advances [][]string
	seen := make(map[string]bool, len(organizerIDs))
	for _, orgID := range organizerIDs {
		if orgID == "" || seen[orgID] {
			continue
		}
		seen[orgID] = true
		req, err := b.builder.Build(ctx, BuildParams{OrganizerID: orgID})
		if errors.Is(err, ErrNoPendingPayouts) {
			b.log.LogPayout(batch.ID, fmt.Sprintf("organizer %s skipped: %v", orgID, err))
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		items = append(items, models.PayoutBatchItem{
			ID:          utils.NewID("bit"),
			BatchID:     batch.ID,
			OrganizerID: orgID,
			Provider:    string(name),
			Amount:      req.Net,
			Currency:    req.Currency,
			Status:      models.BatchItemQueued,
			Reference:   utils.BatchPayoutReference(orgID, now),
			OrderIDs:    req.OrderIDs,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		advances = append(advances, req.AdvanceIDs)
		batch.TotalAmount += req.Net
		// A batch mixing currencies has no single currency.
		if batch.ItemCount == 0 {
			batch.Currency = req.Currency
		} else if batch.Currency != req.Currency {
			batch.Currency = ""
		}
		batch.ItemCount++
	}
	if len(items) == 0 {
		return nil, nil, ErrNoPendingPayouts
	}

	err := b.store.InTx(ctx, func(tx *storage.Store) error {
		if err := tx.InsertBatch(ctx, batch, items); err != nil {
			return err
		}
		from := []models.PayoutStatus{models.PayoutStatusPending, models.PayoutStatusFastPayout}
		for i, it := range items {
			if err := tx.ClaimOrders(ctx, it.OrderIDs, from, models.PayoutStatusProcessing, it.Reference); err != nil {
				return err
			}
			if err := tx.SettleAdvances(ctx, advances[i], it.Reference); err != nil {
				return err
			}
		}
		return tx.Audit(ctx, storage.AuditEntry{
			Action:     "batch.created",
			EntityType: "payout_batch",
			EntityID:   batch.ID,
			Actor:      createdBy,
			Details:    map[string]any{"provider": batch.Provider, "items": batch.ItemCount, "total_amount": batch.TotalAmount},
		})
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, nil, apperr.Wrap(apperr.Conflict, err, "orders already claimed by another payout")
	}
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, err, "create batch")
	}
	b.log.LogPayout(batch.ID, fmt.Sprintf("batch created with %d item(s) on %s", batch.ItemCount, batch.Provider))
	return batch, items, nil
}

// ProcessBatch runs every queued item of a pending batch, one at a time.
func (b *BatchProcessor) ProcessBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	release, ok, err := b.locker.TryLock(ctx, lock.BatchKey(batchID), batchLockTTL)
	switch {
	case err != nil:
		b.log.Warn("BATCH", fmt.Sprintf("batch lock for %s unavailable, relying on status claim: %v", batchID, err))
	case !ok:
		return nil, apperr.Newf(apperr.Conflict, "batch %s is being processed", batchID)
	default:
		defer release()
	}

	claimed, err := b.store.ClaimBatch(ctx, batchID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "claim batch")
	}
	if !claimed {
		batch, err := b.store.GetBatch(ctx, batchID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Newf(apperr.NotFound, "batch %s not found", batchID)
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "load batch")
		}
		return nil, apperr.Newf(apperr.Conflict, "batch %s is %s", batchID, batch.Status)
	}

	items, err := b.store.ListBatchItems(ctx, batchID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list batch items")
	}

	result := &BatchResult{BatchID: batchID, Errors: []string{}}
	for i := range items {
		item := &items[i]
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("stopped before %s: %v", item.Reference, ctx.Err()))
			break
		}
		ok, err := b.store.ClaimBatchItem(ctx, item.ID, b.now().UTC())
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.OrganizerID, err))
			result.FailedCount++
			continue
		}
		if !ok {
			continue
		}
		result.ItemsProcessed++
		if err := b.processItem(ctx, batchID, item); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.OrganizerID, err))
			continue
		}
		result.SuccessCount++
	}

	switch {
	case result.FailedCount == 0:
		result.Status = models.BatchCompleted
	case result.SuccessCount == 0:
		result.Status = models.BatchFailed
	default:
		result.Status = models.BatchPartiallyCompleted
	}
	if err := b.store.FinishBatch(ctx, batchID, result.Status, result.SuccessCount, result.FailedCount, b.now().UTC()); err != nil {
		return result, apperr.Wrap(apperr.Internal, err, "finish batch")
	}
	b.log.LogPayout(batchID, fmt.Sprintf("batch %s: %d ok, %d failed", result.Status, result.SuccessCount, result.FailedCount))
	return result, nil
}

// processItem runs one claimed item. The returned error is the item's
// failure; its status has already been persisted.
func (b *BatchProcessor) processItem(ctx context.Context, batchID string, item *models.PayoutBatchItem) error {
	now := b.now().UTC()
	if item.Provider == string(provider.Manual) {
		if err := b.store.FinishBatchItem(ctx, item.ID, models.BatchItemPending, "manual:"+item.Reference, "", now); err != nil {
			return err
		}
		b.notifier.NotifyFinance(ctx, notify.ManualPayoutRequired, map[string]any{
			"reference":    item.Reference,
			"amount":       provider.FormatMajor(item.Amount, item.Currency),
			"currency":     item.Currency,
			"organizer_id": item.OrganizerID,
			"provider":     item.Provider,
		})
		return nil
	}
	return b.send(ctx, batchID, item, false)
}

// send initiates the item's transfer and records the result. An unknown
// outcome leaves the orders claimed under the item's reference; only a
// definitive failure releases them.
func (b *BatchProcessor) send(ctx context.Context, batchID string, item *models.PayoutBatchItem, attempted bool) error {
	res, sendErr := b.exec.Send(ctx, Transfer{
		OrganizerID: item.OrganizerID,
		Provider:    item.Provider,
		Reference:   item.Reference,
		Amount:      item.Amount,
		Currency:    item.Currency,
		Reason:      "Ticket sales payout",
		Attempted:   attempted,
	})
	now := b.now().UTC()
	if sendErr != nil && apperr.IsUnknownOutcome(sendErr) {
		if err := b.store.FinishBatchItem(ctx, item.ID, models.BatchItemUnknown, item.ProviderTransferID, sendErr.Error(), now); err != nil {
			return err
		}
		b.log.LogPayout(item.Reference, "outcome unknown; orders stay claimed until a webhook or lookup settles it")
		return sendErr
	}
	if sendErr != nil {
		if err := b.store.FinishBatchItem(ctx, item.ID, models.BatchItemFailed, "", sendErr.Error(), now); err != nil {
			return err
		}
		if err := b.release(ctx, item); err != nil {
			b.log.Error("BATCH", fmt.Sprintf("release orders of %s: %v", item.Reference, err))
		}
		return sendErr
	}

	if err := b.store.FinishBatchItem(ctx, item.ID, models.BatchItemPending, res.ProviderTransferID, "", now); err != nil {
		return err
	}
	item.ProviderTransferID = res.ProviderTransferID
	b.publish(ctx, b.topics.Initiated, batchID, item, "")
	if res.State == provider.TransferSuccess {
		if _, err := b.completeItem(ctx, item, res.ProviderTransferID, "provider:"+item.Provider); err != nil {
			return err
		}
	}
	return nil
}

type ResolveResult struct {
	Checked  int      `json:"checked"`
	Resolved int      `json:"resolved"`
	Unknown  int      `json:"unknown"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}

// ResolveUnknown settles items whose transfer outcome was never observed.
// Each one is looked up by reference and adopted when the provider has
// it; otherwise it is sent again under the same reference.
func (b *BatchProcessor) ResolveUnknown(ctx context.Context) (*ResolveResult, error) {
	items, err := b.store.ListBatchItemsByStatus(ctx, models.BatchItemUnknown, 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list unknown batch items")
	}
	res := &ResolveResult{Errors: []string{}}
	for i := range items {
		item := &items[i]
		if ctx.Err() != nil {
			break
		}
		ok, err := b.store.TransitionBatchItem(ctx, item.Reference, []models.BatchItemStatus{models.BatchItemUnknown},
			models.BatchItemProcessing, item.FailureReason, b.now().UTC())
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", item.Reference, err))
			continue
		}
		if !ok {
			continue
		}
		res.Checked++
		err = b.send(ctx, item.BatchID, item, true)
		switch {
		case err == nil:
			res.Resolved++
		case apperr.IsUnknownOutcome(err):
			res.Unknown++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", item.Reference, err))
		default:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", item.Reference, err))
		}
	}
	if res.Checked > 0 {
		b.log.LogProcess("batch_resolve", fmt.Sprintf("checked=%d resolved=%d unknown=%d failed=%d",
			res.Checked, res.Resolved, res.Unknown, res.Failed))
	}
	return res, nil
}

// HandleTransferStatus applies a transfer webhook to the batch item with
// that reference.
func (b *BatchProcessor) HandleTransferStatus(ctx context.Context, ev *provider.WebhookEvent) (bool, error) {
	item, err := b.store.GetBatchItemByReference(ctx, ev.Reference)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return true, apperr.Wrap(apperr.Internal, err, "load batch item for webhook")
	}

	switch ev.Kind {
	case provider.TransferSucceeded:
		_, err := b.completeItem(ctx, item, ev.ProviderTransferID, "webhook:"+string(ev.Provider))
		return true, err
	case provider.TransferFailed:
		reason := ev.FailureReason
		if reason == "" {
			reason = "transfer failed at " + string(ev.Provider)
		}
		from := []models.BatchItemStatus{models.BatchItemPending, models.BatchItemUnknown}
		ok, err := b.store.TransitionBatchItem(ctx, item.Reference, from, models.BatchItemFailed, reason, b.now().UTC())
		if err != nil {
			return true, apperr.Wrap(apperr.Internal, err, "fail batch item")
		}
		if !ok {
			b.log.LogPayout(item.Reference, fmt.Sprintf("failure webhook ignored, batch item is %s", item.Status))
			return true, nil
		}
		if err := b.release(ctx, item); err != nil {
			return true, apperr.Wrap(apperr.Internal, err, "release batch item orders")
		}
		b.notifier.NotifyFinance(ctx, notify.PayoutEscalation, map[string]any{
			"payout_id":    item.ID,
			"reference":    item.Reference,
			"amount":       provider.FormatMajor(item.Amount, item.Currency),
			"currency":     item.Currency,
			"provider":     item.Provider,
			"organizer_id": item.OrganizerID,
			"retry_count":  1,
			"reason":       reason,
		})
		b.publish(ctx, b.topics.Abandoned, item.BatchID, item, reason)
		return true, nil
	}
	return false, nil
}

// ConfirmManual completes a pending manual batch item once finance has
// paid it.
func (b *BatchProcessor) ConfirmManual(ctx context.Context, reference, actor string) error {
	item, err := b.store.GetBatchItemByReference(ctx, reference)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Newf(apperr.NotFound, "batch item %s not found", reference)
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "load batch item")
	}
	if item.Provider != string(provider.Manual) {
		return apperr.Newf(apperr.Validation, "batch item %s is paid through %s, not manually", reference, item.Provider)
	}
	if item.Status == models.BatchItemCompleted {
		return nil
	}
	ok, err := b.completeItem(ctx, item, item.ProviderTransferID, actor)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.Conflict, "batch item %s is %s", reference, item.Status)
	}
	return nil
}

func (b *BatchProcessor) completeItem(ctx context.Context, item *models.PayoutBatchItem, providerTransferID, actor string) (bool, error) {
	from := []models.BatchItemStatus{models.BatchItemProcessing, models.BatchItemPending, models.BatchItemUnknown, models.BatchItemFailed}
	completed := false
	err := b.store.InTx(ctx, func(tx *storage.Store) error {
		ok, err := tx.TransitionBatchItem(ctx, item.Reference, from, models.BatchItemCompleted, "", b.now().UTC())
		if err != nil || !ok {
			return err
		}
		completed = true
		if _, err := tx.CompletePayoutOrders(ctx, item.OrderIDs, item.Reference); err != nil {
			return err
		}
		return tx.Audit(ctx, storage.AuditEntry{
			Action:     "batch_item.completed",
			EntityType: "payout_batch_item",
			EntityID:   item.ID,
			Actor:      actor,
			Details:    map[string]any{"reference": item.Reference, "batch_id": item.BatchID, "provider_transfer_id": providerTransferID},
		})
	})
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "complete batch item")
	}
	if !completed {
		return false, nil
	}
	if providerTransferID != "" {
		item.ProviderTransferID = providerTransferID
	}
	b.publish(ctx, b.topics.Completed, item.BatchID, item, "")
	return true, nil
}

func (b *BatchProcessor) release(ctx context.Context, item *models.PayoutBatchItem) error {
	return b.store.InTx(ctx, func(tx *storage.Store) error {
		if _, err := tx.SetOrdersPayoutStatus(ctx, item.OrderIDs, models.PayoutStatusPending, ""); err != nil {
			return err
		}
		_, err := tx.ReleaseAdvances(ctx, item.Reference)
		return err
	})
}

// ProcessPending settles items with an unknown outcome, then runs every
// pending batch, a bounded number at a time.
func (b *BatchProcessor) ProcessPending(ctx context.Context) ([]*BatchResult, error) {
	if _, err := b.ResolveUnknown(ctx); err != nil {
		b.log.Error("BATCH", fmt.Sprintf("resolve unknown items: %v", err))
	}
	ids, err := b.store.ListPendingBatchIDs(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list pending batches")
	}
	results := make([]*BatchResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			res, err := b.ProcessBatch(gctx, id)
			if err != nil {
				if apperr.Is(err, apperr.Conflict) {
					b.log.LogPayout(id, "skipped: "+err.Error())
					return nil
				}
				b.log.Error("BATCH", fmt.Sprintf("batch %s: %v", id, err))
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *BatchProcessor) publish(ctx context.Context, topic, batchID string, item *models.PayoutBatchItem, reason string) {
	if topic == "" {
		return
	}
	err := b.events.Publish(ctx, topic, item.OrganizerID, kafka.TransferEvent{
		PayoutID:           item.ID,
		BatchID:            batchID,
		OrganizerID:        item.OrganizerID,
		Provider:           item.Provider,
		Reference:          item.Reference,
		ProviderTransferID: item.ProviderTransferID,
		Amount:             item.Amount,
		Currency:           item.Currency,
		Reason:             reason,
		At:                 b.now().UTC(),
	})
	if err != nil {
		b.log.Warn("BATCH", fmt.Sprintf("publish %s for %s: %v", topic, item.Reference, err))
	}
}
