package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/provider"
)

type paypalStub struct {
	tokens   atomic.Int32
	payouts  func(w http.ResponseWriter, r *http.Request)
	verified string
}

func (s *paypalStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/v1/oauth2/token":
		s.tokens.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"A21","expires_in":32400}`))
	case "/v1/notifications/verify-webhook-signature":
		_ = json.NewEncoder(w).Encode(map[string]string{"verification_status": s.verified})
	case "/v1/payments/payouts":
		s.payouts(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newPayPal(t *testing.T, stub *paypalStub) *provider.PayPalProvider {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return provider.NewPayPal(provider.PayPalConfig{
		BaseURL: srv.URL, ClientID: "cid", ClientSecret: "secret", WebhookID: "WH-1",
	}, srv.Client(), logger.NewNop())
}

func paypalHeaders() http.Header {
	h := http.Header{}
	h.Set("Paypal-Transmission-Id", "tid")
	h.Set("Paypal-Transmission-Time", "2026-01-01T00:00:00Z")
	h.Set("Paypal-Transmission-Sig", "sig")
	h.Set("Paypal-Cert-Url", "https://api.paypal.com/cert")
	h.Set("Paypal-Auth-Algo", "SHA256withRSA")
	return h
}

func TestPayPalVerifySignature(t *testing.T) {
	stub := &paypalStub{verified: "SUCCESS"}
	p := newPayPal(t, stub)
	assert.NoError(t, p.VerifySignature(context.Background(), []byte(`{"id":"WH-EV"}`), paypalHeaders()))

	stub.verified = "FAILURE"
	assert.True(t, apperr.Is(p.VerifySignature(context.Background(), []byte(`{"id":"WH-EV"}`), paypalHeaders()), apperr.AuthInvalid))

	assert.True(t, apperr.Is(p.VerifySignature(context.Background(), []byte(`{}`), http.Header{}), apperr.AuthInvalid))
	assert.Equal(t, int32(1), stub.tokens.Load(), "token is cached between calls")
}

func TestPayPalParseWebhook(t *testing.T) {
	p := provider.NewPayPal(provider.PayPalConfig{}, http.DefaultClient, logger.NewNop())

	ev, err := p.ParseWebhook([]byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"cap_1","custom_id":"pay_5","amount":{"value":"12.50","currency_code":"USD"}}}`))
	require.NoError(t, err)
	assert.Equal(t, provider.ChargeSucceeded, ev.Kind)
	assert.Equal(t, "pay_5", ev.Reference)
	assert.Equal(t, int64(1250), ev.Amount)

	ev, err = p.ParseWebhook([]byte(`{"id":"WH-2","event_type":"PAYMENT.PAYOUTS-ITEM.BLOCKED","resource":{"payout_item_id":"item_1","transaction_status":"BLOCKED","payout_item":{"sender_item_id":"po_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, provider.TransferFailed, ev.Kind)
	assert.Equal(t, "po_1", ev.Reference)
	assert.Equal(t, "BLOCKED", ev.FailureReason)
}

func TestPayPalInitiateTransfer(t *testing.T) {
	var body map[string]any
	stub := &paypalStub{payouts: func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer A21", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"batch_header":{"payout_batch_id":"PB_1","batch_status":"PENDING"}}`))
	}}
	p := newPayPal(t, stub)

	res, err := p.InitiateTransfer(context.Background(), provider.TransferRequest{
		Reference: "po_o_all_9", RecipientCode: "org@example.com", Amount: 1999, Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, provider.TransferPending, res.State)
	assert.Equal(t, "PB_1", res.ProviderTransferID)

	header := body["sender_batch_header"].(map[string]any)
	assert.Equal(t, "po_o_all_9", header["sender_batch_id"])
	item := body["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "19.99", item["amount"].(map[string]any)["value"])
}

func TestPayPalDuplicateBatchIsAccepted(t *testing.T) {
	stub := &paypalStub{payouts: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"name":"USER_BUSINESS_ERROR","message":"SENDER_BATCH_ID_ALREADY_USED"}`))
	}}
	p := newPayPal(t, stub)

	res, err := p.InitiateTransfer(context.Background(), provider.TransferRequest{Reference: "po_dup", RecipientCode: "a@b.co", Amount: 100, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, provider.TransferPending, res.State)
}

func TestPayPalCreateRecipientNeedsEmail(t *testing.T) {
	p := provider.NewPayPal(provider.PayPalConfig{}, http.DefaultClient, logger.NewNop())
	code, err := p.CreateRecipient(context.Background(), provider.RecipientRequest{OrganizerID: "o1", PayPalEmail: " pay@org.io "})
	require.NoError(t, err)
	assert.Equal(t, "pay@org.io", code)

	_, err = p.CreateRecipient(context.Background(), provider.RecipientRequest{OrganizerID: "o1"})
	assert.True(t, apperr.Is(err, apperr.InvalidAccount))
}

func TestPayPalMissingCredentials(t *testing.T) {
	p := provider.NewPayPal(provider.PayPalConfig{}, http.DefaultClient, logger.NewNop())
	_, err := p.InitiateTransfer(context.Background(), provider.TransferRequest{Reference: "r"})
	assert.True(t, apperr.Is(err, apperr.Configuration))
}
