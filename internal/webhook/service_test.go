package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/notify"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/provider/providertest"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/storage/storagetest"
	"ms-payouts/internal/tickets"
	"ms-payouts/internal/webhook"
)

type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, _ any) error {
	p.topics = append(p.topics, topic)
	return nil
}

type recordingSender struct {
	msgs []notify.Message
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

type stubTransfers struct {
	owns  bool
	calls int
}

func (s *stubTransfers) HandleTransferStatus(context.Context, *provider.WebhookEvent) (bool, error) {
	s.calls++
	return s.owns, nil
}

type fixture struct {
	store  *storage.Store
	svc    *webhook.Service
	events *recordingPublisher
	mail   *recordingSender
}

func jsonFake() *providertest.Fake {
	f := providertest.New(provider.Paystack)
	f.ParseFunc = func(payload []byte) (*provider.WebhookEvent, error) {
		ev := new(provider.WebhookEvent)
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "fake parse")
		}
		ev.Provider = provider.Paystack
		return ev, nil
	}
	return f
}

func newFixture(t *testing.T, opts webhook.Options, transfers ...webhook.TransferHandler) *fixture {
	t.Helper()
	store := storagetest.New(t)
	events := &recordingPublisher{}
	mail := &recordingSender{}
	if opts.OrderTopic == "" {
		opts.OrderTopic = "payouts.order.completed"
	}
	svc := webhook.NewService(
		store,
		provider.NewRegistry(jsonFake(), provider.NewManual()),
		tickets.NewIssuer("qr-secret"),
		notify.NewNotifier(mail, notify.Recipient{Email: "finance@example.com"}, logger.NewNop()),
		events,
		opts,
		logger.NewNop(),
		transfers...,
	)
	return &fixture{store: store, svc: svc, events: events, mail: mail}
}

func seedOrder(t *testing.T, store *storage.Store, ref string, status models.OrderStatus) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:               uuid.NewString(),
		EventID:          "evt-1",
		OrganizerID:      "org-1",
		BuyerEmail:       "buyer@example.com",
		BuyerName:        "Buyer",
		Quantity:         3,
		Status:           status,
		TotalAmount:      300000,
		PlatformFee:      15000,
		Currency:         "NGN",
		PaymentReference: ref,
		PaymentProvider:  "paystack",
	}
	require.NoError(t, store.CreateOrder(context.Background(), o))
	return o
}

func signed() http.Header {
	h := http.Header{}
	h.Set("X-Test-Signature", "valid")
	return h
}

func charge(ref string, amount int64) []byte {
	b, _ := json.Marshal(provider.WebhookEvent{
		Kind: provider.ChargeSucceeded, Type: "charge.success", Reference: ref,
		Amount: amount, HasAmount: amount > 0, Currency: "NGN",
	})
	return b
}

func TestDuplicateChargeCompletesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, webhook.Options{})
	o := seedOrder(t, f.store, "pay_dup", models.OrderPending)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.HandleWebhook(ctx, "paystack", charge("pay_dup", 300000), signed()))
	}

	got, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, got.Status)
	require.NotNil(t, got.PaidAt)

	issued, err := f.store.ListTicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, issued, 3)

	audit, err := f.store.ListAudit(ctx, "order", o.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "order.completed", audit[0].Action)

	assert.Equal(t, []string{"payouts.order.completed"}, f.events.topics)
	require.Len(t, f.mail.msgs, 1)
	assert.Equal(t, notify.OrderConfirmation, f.mail.msgs[0].Template)
}

func TestBadSignatureNeverTouchesLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, webhook.Options{})
	o := seedOrder(t, f.store, "pay_sig", models.OrderPending)

	err := f.svc.HandleWebhook(ctx, "paystack", charge("pay_sig", 300000), http.Header{})
	require.Error(t, err)
	assert.Equal(t, apperr.AuthInvalid, apperr.CodeOf(err))

	got, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)
}

func TestUnsignedAllowedInDevelopment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, webhook.Options{AllowUnsigned: true})
	o := seedOrder(t, f.store, "pay_dev", models.OrderPending)

	require.NoError(t, f.svc.HandleWebhook(ctx, "paystack", charge("pay_dev", 300000), http.Header{}))
	got, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, got.Status)
}

func TestProviderLookupErrors(t *testing.T) {
	f := newFixture(t, webhook.Options{})
	err := f.svc.HandleWebhook(context.Background(), "venmo", nil, signed())
	assert.Equal(t, apperr.Validation, apperr.CodeOf(err))

	err = f.svc.HandleWebhook(context.Background(), "stripe", nil, signed())
	assert.Equal(t, apperr.Configuration, apperr.CodeOf(err))
}

func TestMalformedPayload(t *testing.T) {
	f := newFixture(t, webhook.Options{})
	err := f.svc.HandleWebhook(context.Background(), "paystack", []byte("{"), signed())
	assert.Equal(t, apperr.Validation, apperr.CodeOf(err))
}

func TestAmountMismatchIsAuditedNotCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, webhook.Options{})
	o := seedOrder(t, f.store, "pay_short", models.OrderPending)

	require.NoError(t, f.svc.HandleWebhook(ctx, "paystack", charge("pay_short", 100), signed()))

	got, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)

	audit, err := f.store.ListAudit(ctx, "order", o.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "order.amount_mismatch", audit[0].Action)
	assert.Empty(t, f.events.topics)
}

func TestUnissuableOrderIsAckedAndAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, webhook.Options{})
	o := &models.Order{
		ID: uuid.NewString(), EventID: "evt-1", OrganizerID: "org-1",
		BuyerEmail: "buyer@example.com", Quantity: 0, Status: models.OrderPending,
		TotalAmount: 300000, Currency: "NGN", PaymentReference: "pay_zero", PaymentProvider: "paystack",
	}
	require.NoError(t, f.store.CreateOrder(ctx, o))

	require.NoError(t, f.svc.HandleWebhook(ctx, "paystack", charge("pay_zero", 300000), signed()))
	require.NoError(t, f.svc.HandleWebhook(ctx, "paystack", charge("pay_zero", 300000), signed()), "resends are acked too")

	got, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)
	issued, err := f.store.ListTicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, issued)

	audit, err := f.store.ListAudit(ctx, "order", o.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "order.issue_rejected", audit[0].Action)
	assert.Empty(t, f.events.topics)
}

func TestUnknownReferenceAndExpiredOrderAreAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, webhook.Options{})
	o := seedOrder(t, f.store, "pay_old", models.OrderExpired)

	require.NoError(t, f.svc.HandleWebhook(ctx, "paystack", charge("pay_missing", 0), signed()))
	require.NoError(t, f.svc.HandleWebhook(ctx, "paystack", charge("pay_old", 300000), signed()))

	got, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderExpired, got.Status)
	issued, err := f.store.ListTicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, issued)
}

func TestTransferEventsAreRoutedUntilHandled(t *testing.T) {
	queue := &stubTransfers{owns: false}
	batch := &stubTransfers{owns: true}
	f := newFixture(t, webhook.Options{}, queue, batch)

	b, _ := json.Marshal(provider.WebhookEvent{Kind: provider.TransferSucceeded, Type: "transfer.success", Reference: "po_1"})
	require.NoError(t, f.svc.HandleWebhook(context.Background(), "paystack", b, signed()))
	assert.Equal(t, 1, queue.calls)
	assert.Equal(t, 1, batch.calls)
}

func TestIgnoredEventsAreAcknowledged(t *testing.T) {
	f := newFixture(t, webhook.Options{})
	b, _ := json.Marshal(provider.WebhookEvent{Kind: provider.Ignored, Type: "customer.created"})
	assert.NoError(t, f.svc.HandleWebhook(context.Background(), "paystack", b, signed()))
}
