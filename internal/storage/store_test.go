package storage_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/models"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/storage/storagetest"
)

func newOrder(org, ref string, total, fee int64) *models.Order {
	return &models.Order{
		ID:               uuid.NewString(),
		EventID:          "evt-1",
		OrganizerID:      org,
		BuyerEmail:       "buyer@example.com",
		Quantity:         2,
		Status:           models.OrderPending,
		TotalAmount:      total,
		PlatformFee:      fee,
		Currency:         "NGN",
		PaymentReference: ref,
		PaymentProvider:  "paystack",
	}
}

func TestCompleteOrder_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	require.NoError(t, store.CreateOrder(ctx, newOrder("org-1", "ref-1", 5000, 500)))

	now := time.Now().UTC()
	ok, err := store.CompleteOrder(ctx, "ref-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompleteOrder(ctx, "ref-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "second completion must be a no-op")

	o, err := store.GetOrderByPaymentReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, o.Status)
	require.NotNil(t, o.PaidAt)
}

func TestCompleteOrder_ExpiredIsNoop(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	o := newOrder("org-1", "ref-exp", 5000, 500)
	o.Status = models.OrderExpired
	require.NoError(t, store.CreateOrder(ctx, o))

	ok, err := store.CompleteOrder(ctx, "ref-exp", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrder_NotFound(t *testing.T) {
	store := storagetest.New(t)
	_, err := store.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertTickets_UniquePerUnit(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	tickets := []models.Ticket{
		{ID: uuid.NewString(), OrderID: "o1", UnitIndex: 0, EventID: "e1", TicketCode: "TK-1", IssuedAt: time.Now().UTC()},
		{ID: uuid.NewString(), OrderID: "o1", UnitIndex: 1, EventID: "e1", TicketCode: "TK-2", IssuedAt: time.Now().UTC()},
	}
	require.NoError(t, store.InsertTickets(ctx, tickets))

	dup := []models.Ticket{{ID: uuid.NewString(), OrderID: "o1", UnitIndex: 1, EventID: "e1", TicketCode: "TK-3", IssuedAt: time.Now().UTC()}}
	assert.Error(t, store.InsertTickets(ctx, dup))

	got, err := store.ListTicketsByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	n, err := store.CountTicketsByEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	err := store.InTx(ctx, func(tx *storage.Store) error {
		if err := tx.CreateOrder(ctx, newOrder("org-1", "ref-tx", 100, 10)); err != nil {
			return err
		}
		return storage.ErrConflict
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = store.GetOrderByPaymentReference(ctx, "ref-tx")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimOrders_PartialMatchConflicts(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	a := newOrder("org-1", "ref-a", 100, 10)
	b := newOrder("org-1", "ref-b", 100, 10)
	b.PayoutStatus = models.PayoutStatusProcessing
	require.NoError(t, store.CreateOrder(ctx, a))
	require.NoError(t, store.CreateOrder(ctx, b))

	err := store.InTx(ctx, func(tx *storage.Store) error {
		return tx.ClaimOrders(ctx, []string{a.ID, b.ID}, []models.PayoutStatus{models.PayoutStatusPending}, models.PayoutStatusProcessing, "po_x")
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := store.GetOrder(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPending, got.PayoutStatus, "partial claim must roll back")
}

func TestInsertRecipientIfAbsent_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	first := &models.TransferRecipient{OrganizerID: "org-1", Provider: "paystack", RecipientCode: "RCP_first"}
	inserted, err := store.InsertRecipientIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := &models.TransferRecipient{OrganizerID: "org-1", Provider: "paystack", RecipientCode: "RCP_second"}
	inserted, err = store.InsertRecipientIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := store.GetRecipient(ctx, "org-1", "paystack")
	require.NoError(t, err)
	assert.Equal(t, "RCP_first", got.RecipientCode)
}

func TestSumCommissions_OnlyIncludedOrders(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	require.NoError(t, store.CreatePromoterSale(ctx, &models.PromoterSale{PromoterID: "p1", EventID: "e1", OrganizerID: "org-1", OrderID: "o1", SaleAmount: 1000, CommissionAmount: 100}))
	require.NoError(t, store.CreatePromoterSale(ctx, &models.PromoterSale{PromoterID: "p1", EventID: "e1", OrganizerID: "org-1", OrderID: "o2", SaleAmount: 1000, CommissionAmount: 250}))

	total, err := store.SumCommissions(ctx, []string{"o1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)

	total, err = store.SumCommissions(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRetryClaim_RespectsScheduleAndAbandonment(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &models.PayoutQueueItem{ID: "due", OrganizerID: "org", Provider: "paystack", Amount: 1, Currency: "NGN", Status: models.QueueFailed, RetryCount: 1, NextRetryAt: &past, TransferReference: "po_due"}
	later := &models.PayoutQueueItem{ID: "later", OrganizerID: "org", Provider: "paystack", Amount: 1, Currency: "NGN", Status: models.QueueFailed, RetryCount: 1, NextRetryAt: &future, TransferReference: "po_later"}
	gone := &models.PayoutQueueItem{ID: "gone", OrganizerID: "org", Provider: "paystack", Amount: 1, Currency: "NGN", Status: models.QueueFailed, RetryCount: 5, AbandonedAt: &past, TransferReference: "po_gone"}
	for _, it := range []*models.PayoutQueueItem{due, later, gone} {
		require.NoError(t, store.InsertPayoutItem(ctx, it))
	}

	ids, err := store.ListDueRetries(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, ids)

	ok, err := store.ClaimRetry(ctx, "due", now, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimRetry(ctx, "due", now, false)
	require.NoError(t, err)
	assert.False(t, ok, "a second sweep must not claim the same item")

	ok, err = store.ClaimRetry(ctx, "later", now, false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ClaimRetry(ctx, "later", now, true)
	require.NoError(t, err)
	assert.True(t, ok, "manual retry ignores next_retry_at")

	ok, err = store.ClaimRetry(ctx, "gone", now, true)
	require.NoError(t, err)
	assert.False(t, ok, "abandoned items are never retried")
}

func TestCompletePayoutByReference_SuccessWinsOnce(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	now := time.Now().UTC()

	item := &models.PayoutQueueItem{ID: "p1", OrganizerID: "org", Provider: "paystack", Amount: 1, Currency: "NGN", Status: models.QueueFailed, RetryCount: 1, NextRetryAt: &now, TransferReference: "po_1"}
	require.NoError(t, store.InsertPayoutItem(ctx, item))

	ok, err := store.CompletePayoutByReference(ctx, "po_1", "TRF_9", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompletePayoutByReference(ctx, "po_1", "TRF_9", now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetPayoutItem(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, "TRF_9", got.ProviderTransferID)
}

func TestInsertSettlementIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	rec := func() *models.SettlementRecord {
		return &models.SettlementRecord{Provider: "stripe", SettlementID: "txn_123", GrossAmount: 1000, NetAmount: 970, FeeAmount: 30, Currency: "USD"}
	}

	inserted, err := store.InsertSettlementIfAbsent(ctx, rec())
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertSettlementIfAbsent(ctx, rec())
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := store.CountSettlements(ctx, "stripe")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSaveSyncStatus_Upserts(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	now := time.Now().UTC()

	require.NoError(t, store.SaveSyncStatus(ctx, &models.SettlementSyncStatus{Provider: "paystack", LastSyncAt: &now, LastStatus: "success", RecordsSynced: 3}))
	require.NoError(t, store.SaveSyncStatus(ctx, &models.SettlementSyncStatus{Provider: "paystack", LastSyncAt: &now, LastStatus: "partial", LastError: "row 2", RecordsSynced: 1}))

	st, err := store.GetSyncStatus(ctx, "paystack")
	require.NoError(t, err)
	assert.Equal(t, "partial", st.LastStatus)
	assert.Equal(t, 1, st.RecordsSynced)
}

func TestOutstandingAdvances(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	approved := &models.FastPayoutRequest{ID: "fp1", OrganizerID: "org", EventID: "e1", GrossAmount: 500, NetAmount: 490, Currency: "NGN", Status: models.FastPayoutApproved}
	denied := &models.FastPayoutRequest{ID: "fp2", OrganizerID: "org", EventID: "e1", GrossAmount: 900, Currency: "NGN", Status: models.FastPayoutDenied}
	require.NoError(t, store.InsertFastPayout(ctx, approved))
	require.NoError(t, store.InsertFastPayout(ctx, denied))

	adv, err := store.ListOutstandingAdvances(ctx, "org", "e1")
	require.NoError(t, err)
	require.Len(t, adv, 1)
	assert.Equal(t, "fp1", adv[0].ID)

	n, err := store.CountFastPayouts(ctx, "org", "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.SettleAdvances(ctx, []string{"fp1"}, "po_x"))
	adv, err = store.ListOutstandingAdvances(ctx, "org", "")
	require.NoError(t, err)
	assert.Empty(t, adv)
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	require.NoError(t, store.Audit(ctx, storage.AuditEntry{Action: "order.completed", EntityType: "order", EntityID: "o1", Details: map[string]int{"tickets": 2}}))

	rows, err := store.ListAudit(ctx, "order", "o1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "system", rows[0].Actor)
	assert.JSONEq(t, `{"tickets":2}`, rows[0].Details)
}

func TestClaimFastPayoutSlot_StaleVersionLoses(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	require.NoError(t, store.CreateOrganizer(ctx, &models.Organizer{ID: "org-1", Name: "Org", Email: "org@example.com"}))

	ok, err := store.ClaimFastPayoutSlot(ctx, "org-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimFastPayoutSlot(ctx, "org-1", 0)
	require.NoError(t, err)
	assert.False(t, ok, "a second request that read version 0 must not be approved")

	org, err := store.GetOrganizer(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), org.FastPayoutVersion)
	ok, err = store.ClaimFastPayoutSlot(ctx, "org-1", org.FastPayoutVersion)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresDriverRegistered(t *testing.T) {
	assert.Contains(t, sql.Drivers(), storage.DriverName)
}
