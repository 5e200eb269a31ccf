package payout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/models"
	"ms-payouts/internal/notify"
	"ms-payouts/internal/payout"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/storage"
)

func TestNextFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		before int
		delay  time.Duration
	}{
		{0, time.Hour},
		{1, 4 * time.Hour},
		{2, 12 * time.Hour},
		{3, 24 * time.Hour},
	}
	for _, c := range cases {
		d := payout.NextFailure(c.before, true, now)
		assert.False(t, d.Abandon)
		assert.Equal(t, c.before+1, d.RetryCount)
		require.NotNil(t, d.NextRetryAt)
		assert.Equal(t, now.Add(c.delay), *d.NextRetryAt)
	}

	fifth := payout.NextFailure(4, true, now)
	assert.True(t, fifth.Abandon)
	assert.Equal(t, models.MaxPayoutRetries, fifth.RetryCount)
	assert.Nil(t, fifth.NextRetryAt)

	fatal := payout.NextFailure(0, false, now)
	assert.True(t, fatal.Abandon)
	assert.Nil(t, fatal.NextRetryAt)
}

func TestEnqueueClaimsExactlyTheIncludedOrders(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.paidOrder(t, "org-1", 10000, 500)
	b := e.paidOrder(t, "org-1", 20000, 1000)

	first, err := e.builder.Build(ctx, payout.BuildParams{OrganizerID: "org-1"})
	require.NoError(t, err)
	e.now = e.now.Add(time.Second)
	second, err := e.builder.Build(ctx, payout.BuildParams{OrganizerID: "org-1"})
	require.NoError(t, err)

	item, err := e.queue.Enqueue(ctx, first, "paystack", "ops@ticketly")
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, item.Status)
	assert.Equal(t, int64(28500), item.Amount)
	for _, id := range []string{a.ID, b.ID} {
		o, err := e.store.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.PayoutStatusProcessing, o.PayoutStatus)
		assert.Equal(t, first.Reference, o.PayoutReference)
	}

	_, err = e.queue.Enqueue(ctx, second, "paystack", "ops@ticketly")
	assert.True(t, apperr.Is(err, apperr.Conflict))
	_, err = e.store.GetPayoutItemByReference(ctx, second.Reference)
	assert.ErrorIs(t, err, storage.ErrNotFound, "conflicting enqueue rolls back")

	_, err = e.queue.Enqueue(ctx, first, "venmo", "ops")
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestProcessThenWebhookCompletes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	o := e.paidOrder(t, "org-1", 100000, 10000)
	item := e.enqueue(t, "org-1")

	attempt, err := e.queue.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.OutcomeInitiated, attempt.Outcome)
	assert.Equal(t, "TRF_"+item.TransferReference, attempt.ProviderTransferID)

	sent := e.fake.Transfers()
	require.Len(t, sent, 1)
	assert.Equal(t, item.TransferReference, sent[0].Reference)
	assert.Equal(t, "RCP_org-1", sent[0].RecipientCode)
	assert.Equal(t, int64(90000), sent[0].Amount)

	got, err := e.store.GetPayoutItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueProcessing, got.Status)

	_, err = e.queue.Process(ctx, item.ID)
	assert.True(t, apperr.Is(err, apperr.Conflict), "an item is processed once")

	ev := &provider.WebhookEvent{Provider: provider.Paystack, Kind: provider.TransferSucceeded, Reference: item.TransferReference, ProviderTransferID: "TRF_final"}
	for i := 0; i < 2; i++ {
		handled, err := e.queue.HandleTransferStatus(ctx, ev)
		require.NoError(t, err)
		assert.True(t, handled)
	}

	got, err = e.store.GetPayoutItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, got.Status)
	assert.Equal(t, "TRF_final", got.ProviderTransferID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, models.PayoutStatusCompleted, e.orderStatus(t, o.ID))

	assert.Equal(t, []string{testTopics.Initiated, testTopics.Completed}, e.events.topics())
	assert.Equal(t, []notify.Template{notify.PayoutInitiated, notify.PayoutCompleted}, e.mail.templates())

	handled, err := e.queue.HandleTransferStatus(ctx, &provider.WebhookEvent{Kind: provider.TransferSucceeded, Reference: "po_unknown"})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestSequentialPayoutsCreateRecipientOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")

	e.paidOrder(t, "org-1", 10000, 500)
	first := e.enqueue(t, "org-1")
	_, err := e.queue.Process(ctx, first.ID)
	require.NoError(t, err)

	e.now = e.now.Add(time.Hour)
	e.paidOrder(t, "org-1", 20000, 500)
	second := e.enqueue(t, "org-1")
	_, err = e.queue.Process(ctx, second.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, e.fake.RecipientCalls())
	assert.Len(t, e.fake.Transfers(), 2)
}

func TestRetryScheduleUntilAbandoned(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	o := e.paidOrder(t, "org-1", 100000, 10000)
	e.fake.TransferFunc = func(provider.TransferRequest) (*provider.TransferResult, error) {
		return nil, apperr.New(apperr.PayoutFailed, "paystack: Transfer rejected")
	}
	item := e.enqueue(t, "org-1")

	attempt, err := e.queue.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.OutcomeRetryScheduled, attempt.Outcome)
	require.NotNil(t, attempt.NextRetryAt)
	assert.Equal(t, e.now.Add(time.Hour), *attempt.NextRetryAt)

	res, err := e.queue.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "not due yet")

	e.now = e.now.Add(time.Hour)
	res, err = e.queue.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, payout.SweepResult{Claimed: 1, Failed: 1}, res)

	got, err := e.store.GetPayoutItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, e.now.Add(4*time.Hour), got.NextRetryAt.UTC())

	for i := 0; i < 3; i++ {
		e.now = e.now.Add(49 * time.Hour)
		res, err = e.queue.RetryDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Claimed)
	}

	got, err = e.store.GetPayoutItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Equal(t, models.MaxPayoutRetries, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.True(t, got.Abandoned())
	assert.Contains(t, got.FailureReason, "Transfer rejected")

	order, err := e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPending, order.PayoutStatus)
	assert.Empty(t, order.PayoutReference)

	assert.Contains(t, e.mail.templates(), notify.PayoutEscalation)
	assert.Contains(t, e.mail.templates(), notify.PayoutFailed)
	assert.Contains(t, e.events.topics(), testTopics.Abandoned)
	assert.Len(t, e.fake.Lookups(), 4, "every retry checks for an earlier transfer first")

	audit, err := e.store.ListAudit(ctx, "payout", item.ID)
	require.NoError(t, err)
	assert.Equal(t, "payout.abandoned", audit[len(audit)-1].Action)

	e.now = e.now.Add(100 * time.Hour)
	res, err = e.queue.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	_, err = e.queue.RetryNow(ctx, item.ID)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestInvalidAccountAbandonsWithoutTransfer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	e.paidOrder(t, "org-1", 100000, 10000)
	e.fake.RecipientFunc = func(provider.RecipientRequest) (string, error) {
		return "", apperr.New(apperr.Validation, "paystack: Account number is invalid")
	}
	item := e.enqueue(t, "org-1")

	attempt, err := e.queue.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.OutcomeAbandoned, attempt.Outcome)
	assert.Empty(t, e.fake.Transfers())

	got, err := e.store.GetPayoutItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, got.Abandoned())
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.FailureReason, "INVALID_ACCOUNT")
}

func TestUnknownOutcomeIsResolvedByLookup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	e.paidOrder(t, "org-1", 100000, 10000)
	e.fake.TransferFunc = func(provider.TransferRequest) (*provider.TransferResult, error) {
		return nil, apperr.Unknown(context.DeadlineExceeded, "paystack: POST /transfer")
	}
	item := e.enqueue(t, "org-1")

	attempt, err := e.queue.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.OutcomeRetryScheduled, attempt.Outcome)

	e.fake.LookupFunc = func(ref string) (*provider.TransferResult, error) {
		return &provider.TransferResult{Reference: ref, ProviderTransferID: "TRF_landed", State: provider.TransferPending}, nil
	}
	attempt, err = e.queue.RetryNow(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.OutcomeInitiated, attempt.Outcome)
	assert.Equal(t, "TRF_landed", attempt.ProviderTransferID)
	assert.Len(t, e.fake.Transfers(), 1, "the transfer that landed is adopted, not sent again")
	assert.Equal(t, []string{item.TransferReference}, e.fake.Lookups())
}

func TestReusedReferenceOfFailedTransferAbandons(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	o := e.paidOrder(t, "org-1", 100000, 10000)
	e.fake.TransferFunc = func(provider.TransferRequest) (*provider.TransferResult, error) {
		return nil, apperr.New(apperr.PayoutFailed, "paystack: Transfer rejected")
	}
	item := e.enqueue(t, "org-1")
	_, err := e.queue.Process(ctx, item.ID)
	require.NoError(t, err)

	e.fake.LookupFunc = func(ref string) (*provider.TransferResult, error) {
		return &provider.TransferResult{Reference: ref, State: provider.TransferFailure, FailureReason: "rejected"}, nil
	}
	e.fake.TransferFunc = func(provider.TransferRequest) (*provider.TransferResult, error) {
		return nil, apperr.Wrap(apperr.Conflict, provider.ErrDuplicateReference, "paystack: transfer")
	}
	attempt, err := e.queue.RetryNow(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.OutcomeAbandoned, attempt.Outcome, "a refused reference is not retried")

	order, err := e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPending, order.PayoutStatus)

	// The released orders are paid under a fresh reference.
	e.now = e.now.Add(time.Minute)
	e.fake.TransferFunc = nil
	next := e.enqueue(t, "org-1")
	assert.NotEqual(t, item.TransferReference, next.TransferReference)
}

func TestFailureWebhookAppliesRuleOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	e.paidOrder(t, "org-1", 100000, 10000)
	item := e.enqueue(t, "org-1")
	_, err := e.queue.Process(ctx, item.ID)
	require.NoError(t, err)

	failed := &provider.WebhookEvent{Provider: provider.Paystack, Kind: provider.TransferFailed, Reference: item.TransferReference, FailureReason: "Recipient bank unavailable"}
	for i := 0; i < 2; i++ {
		handled, err := e.queue.HandleTransferStatus(ctx, failed)
		require.NoError(t, err)
		assert.True(t, handled)
	}
	got, err := e.store.GetPayoutItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.FailureReason, "Recipient bank unavailable")

	// A late success still wins.
	handled, err := e.queue.HandleTransferStatus(ctx, &provider.WebhookEvent{Provider: provider.Paystack, Kind: provider.TransferSucceeded, Reference: item.TransferReference})
	require.NoError(t, err)
	assert.True(t, handled)
	got, err = e.store.GetPayoutItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, got.Status)
	assert.Nil(t, got.NextRetryAt)
}

func TestSynchronousSuccessCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	o := e.paidOrder(t, "org-1", 100000, 10000)
	e.fake.TransferFunc = func(req provider.TransferRequest) (*provider.TransferResult, error) {
		return &provider.TransferResult{Reference: req.Reference, ProviderTransferID: "tr_1", State: provider.TransferSuccess}, nil
	}
	item := e.enqueue(t, "org-1")

	attempt, err := e.queue.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.OutcomeCompleted, attempt.Outcome)
	assert.Equal(t, models.PayoutStatusCompleted, e.orderStatus(t, o.ID))
}

func TestManualPayoutNeedsConfirmation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	o := e.paidOrder(t, "org-1", 100000, 10000)
	req, err := e.builder.Build(ctx, payout.BuildParams{OrganizerID: "org-1"})
	require.NoError(t, err)
	item, err := e.queue.Enqueue(ctx, req, "manual", "ops")
	require.NoError(t, err)

	attempt, err := e.queue.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.OutcomeManual, attempt.Outcome)
	require.Len(t, e.mail.msgs, 1)
	assert.Equal(t, notify.ManualPayoutRequired, e.mail.msgs[0].Template)
	assert.Equal(t, "finance@example.com", e.mail.msgs[0].To.Email)
	assert.Equal(t, models.PayoutStatusProcessing, e.orderStatus(t, o.ID))

	require.NoError(t, e.queue.ConfirmManual(ctx, item.ID, "BANK-123", "ops@ticketly"))
	require.NoError(t, e.queue.ConfirmManual(ctx, item.ID, "BANK-123", "ops@ticketly"))

	got, err := e.store.GetPayoutItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, got.Status)
	assert.Equal(t, "BANK-123", got.ProviderTransferID)
	assert.Equal(t, models.PayoutStatusCompleted, e.orderStatus(t, o.ID))
}

func TestConfirmManualRejectsProviderPayouts(t *testing.T) {
	e := newEnv(t)
	e.paidOrder(t, "org-1", 100000, 10000)
	item := e.enqueue(t, "org-1")

	err := e.queue.ConfirmManual(context.Background(), item.ID, "x", "ops")
	assert.True(t, apperr.Is(err, apperr.Validation))

	err = e.queue.ConfirmManual(context.Background(), "pq_missing", "x", "ops")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestConcurrentSweepsClaimOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	past := e.now.Add(-time.Minute)
	require.NoError(t, e.store.InsertPayoutItem(ctx, &models.PayoutQueueItem{
		ID: "pq_due", OrganizerID: "org-1", Provider: "paystack", Amount: 5000, Currency: "USD",
		Status: models.QueueFailed, RetryCount: 1, NextRetryAt: &past, TransferReference: "po_org-1_all_1",
	}))

	var wg sync.WaitGroup
	results := make([]payout.SweepResult, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.queue.RetryDue(ctx)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	claimed := 0
	for _, r := range results {
		claimed += r.Claimed
	}
	assert.Equal(t, 1, claimed)
	assert.Len(t, e.fake.Transfers(), 1)
}

func TestPanicDuringAttemptIsRecorded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.organizer(t, "org-1")
	e.paidOrder(t, "org-1", 100000, 10000)
	e.fake.TransferFunc = func(provider.TransferRequest) (*provider.TransferResult, error) {
		panic("boom")
	}
	item := e.enqueue(t, "org-1")

	attempt, err := e.queue.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.OutcomeRetryScheduled, attempt.Outcome)

	got, err := e.store.GetPayoutItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Contains(t, got.FailureReason, "boom")
}

func TestRetryNowUnknownItem(t *testing.T) {
	e := newEnv(t)
	_, err := e.queue.RetryNow(context.Background(), "pq_nope")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}
