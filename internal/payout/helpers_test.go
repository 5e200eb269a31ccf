package payout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/lock"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/notify"
	"ms-payouts/internal/payout"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/provider/providertest"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/storage/storagetest"
)

type published struct {
	topic string
	value any
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{topic: topic, value: v})
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.got))
	for _, g := range p.got {
		out = append(out, g.topic)
	}
	return out
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) templates() []notify.Template {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Template, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Template)
	}
	return out
}

var testTopics = payout.Topics{
	Initiated: "payouts.transfer.initiated",
	Completed: "payouts.transfer.completed",
	Abandoned: "payouts.transfer.abandoned",
}

type env struct {
	store   *storage.Store
	fake    *providertest.Fake
	builder *payout.Builder
	exec    *payout.Executor
	queue   *payout.Queue
	batches *payout.BatchProcessor
	events  *recordingPublisher
	mail    *recordingSender
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := storagetest.New(t)
	log := logger.NewNop()
	fake := providertest.New(provider.Paystack)
	registry := provider.NewRegistry(fake, provider.NewManual())
	events := &recordingPublisher{}
	mail := &recordingSender{}
	notifier := notify.NewNotifier(mail, notify.Recipient{Name: "Finance", Email: "finance@example.com"}, log)

	e := &env{
		store:  store,
		fake:   fake,
		events: events,
		mail:   mail,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e.builder = payout.NewBuilder(store)
	payout.SetBuilderClock(e.builder, e.clock)
	e.exec = payout.NewExecutor(store, registry, payout.NewRecipientResolver(store, lock.Local{}, log), log)
	e.queue = payout.NewQueue(store, e.exec, notifier, events, testTopics, log)
	payout.SetQueueClock(e.queue, e.clock)
	e.batches = payout.NewBatchProcessor(store, e.builder, e.exec, lock.Local{}, notifier, events,
		payout.BatchOptions{Topics: testTopics, Concurrency: 2}, log)
	return e
}

func (e *env) clock() time.Time { return e.now }

func (e *env) organizer(t *testing.T, id string) *models.Organizer {
	t.Helper()
	o := &models.Organizer{
		ID:                id,
		Name:              "Organizer " + id,
		Email:             id + "@example.com",
		CountryCode:       "NG",
		BankAccountNumber: "0123456789",
		BankCode:          "058",
		BankAccountName:   "Org Ltd",
		KYCVerified:       true,
		BankVerified:      true,
		TrustTier:         models.TierSilver,
		PayoutProvider:    "paystack",
	}
	require.NoError(t, e.store.CreateOrganizer(context.Background(), o))
	return o
}

type orderOpt func(*models.Order)

func withEvent(id string) orderOpt { return func(o *models.Order) { o.EventID = id } }

func withCurrency(c string) orderOpt { return func(o *models.Order) { o.Currency = c } }

func donation() orderOpt { return func(o *models.Order) { o.IsDonation = true } }

func paidAt(at time.Time) orderOpt { return func(o *models.Order) { o.PaidAt = &at } }

func (e *env) paidOrder(t *testing.T, organizerID string, total, fee int64, opts ...orderOpt) *models.Order {
	t.Helper()
	paid := e.now.Add(-time.Hour)
	o := &models.Order{
		ID:               uuid.NewString(),
		EventID:          "evt-1",
		OrganizerID:      organizerID,
		BuyerEmail:       "buyer@example.com",
		Quantity:         1,
		Status:           models.OrderCompleted,
		TotalAmount:      total,
		PlatformFee:      fee,
		Currency:         "USD",
		PaymentReference: "pay_" + uuid.NewString(),
		PaymentProvider:  "paystack",
		PaidAt:           &paid,
	}
	for _, opt := range opts {
		opt(o)
	}
	require.NoError(t, e.store.CreateOrder(context.Background(), o))
	return o
}

func (e *env) orderStatus(t *testing.T, id string) models.PayoutStatus {
	t.Helper()
	o, err := e.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.PayoutStatus
}

// enqueue builds and queues a payout for organizerID on the fake provider.
func (e *env) enqueue(t *testing.T, organizerID string) *models.PayoutQueueItem {
	t.Helper()
	req, err := e.builder.Build(context.Background(), payout.BuildParams{OrganizerID: organizerID})
	require.NoError(t, err)
	item, err := e.queue.Enqueue(context.Background(), req, "paystack", "tester")
	require.NoError(t, err)
	return item
}
