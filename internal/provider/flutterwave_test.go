package provider_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/provider"
)

func newFlutterwave(t *testing.T, h http.HandlerFunc) *provider.FlutterwaveProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return provider.NewFlutterwave(provider.FlutterwaveConfig{
		BaseURL: srv.URL, SecretKey: "FLWSECK_TEST", SecretHashes: []string{"hash-one", "hash-two"},
	}, srv.Client(), logger.NewNop())
}

func TestFlutterwaveVerifySignature(t *testing.T) {
	f := provider.NewFlutterwave(provider.FlutterwaveConfig{SecretHashes: []string{"hash-one", "hash-two"}}, http.DefaultClient, logger.NewNop())
	body := []byte(`{"event":"charge.completed"}`)

	h := http.Header{}
	h.Set("verif-hash", "hash-two")
	assert.NoError(t, f.VerifySignature(context.Background(), body, h))

	h.Set("verif-hash", "nope")
	assert.True(t, apperr.Is(f.VerifySignature(context.Background(), body, h), apperr.AuthInvalid))

	mac := hmac.New(sha256.New, []byte("hash-one"))
	mac.Write(body)
	h = http.Header{}
	h.Set("flutterwave-signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	assert.NoError(t, f.VerifySignature(context.Background(), body, h))

	assert.True(t, apperr.Is(f.VerifySignature(context.Background(), body, http.Header{}), apperr.AuthInvalid))
}

func TestFlutterwaveParseWebhookConvertsToMinorUnits(t *testing.T) {
	f := provider.NewFlutterwave(provider.FlutterwaveConfig{}, http.DefaultClient, logger.NewNop())

	ev, err := f.ParseWebhook([]byte(`{"event":"charge.completed","data":{"id":12,"tx_ref":"pay_9","amount":1500.5,"currency":"NGN","status":"successful"}}`))
	require.NoError(t, err)
	assert.Equal(t, provider.ChargeSucceeded, ev.Kind)
	assert.Equal(t, "pay_9", ev.Reference)
	assert.Equal(t, int64(150050), ev.Amount)

	ev, err = f.ParseWebhook([]byte(`{"event":"charge.completed","data":{"tx_ref":"pay_9","status":"failed"}}`))
	require.NoError(t, err)
	assert.Equal(t, provider.Ignored, ev.Kind)

	ev, err = f.ParseWebhook([]byte(`{"event":"transfer.completed","data":{"id":55,"reference":"po_1","status":"FAILED","complete_message":"Account resolve failed"}}`))
	require.NoError(t, err)
	assert.Equal(t, provider.TransferFailed, ev.Kind)
	assert.Equal(t, "55", ev.ProviderTransferID)
	assert.Equal(t, "Account resolve failed", ev.FailureReason)

	ev, err = f.ParseWebhook([]byte(`{"event":"transfer.completed","data":{"id":56,"reference":"po_2","status":"SUCCESSFUL"}}`))
	require.NoError(t, err)
	assert.Equal(t, provider.TransferSucceeded, ev.Kind)
}

func TestFlutterwaveInitiateTransfer(t *testing.T) {
	var body map[string]any
	f := newFlutterwave(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/transfers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"status":"success","message":"Transfer Queued","data":{"id":901,"reference":"po_x","status":"NEW"}}`))
	})
	res, err := f.InitiateTransfer(context.Background(), provider.TransferRequest{
		Reference: "po_x", RecipientCode: "4411", Amount: 250075, Currency: "NGN",
	})
	require.NoError(t, err)
	assert.Equal(t, provider.TransferPending, res.State)
	assert.Equal(t, "901", res.ProviderTransferID)
	assert.Equal(t, float64(4411), body["beneficiary"])
	assert.Equal(t, 2500.75, body["amount"])
	assert.Equal(t, "po_x", body["reference"])
}

func TestFlutterwaveInsufficientBalance(t *testing.T) {
	f := newFlutterwave(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"Insufficient wallet balance"}`))
	})
	_, err := f.InitiateTransfer(context.Background(), provider.TransferRequest{Reference: "po_x", RecipientCode: "1", Amount: 100, Currency: "NGN"})
	assert.Equal(t, apperr.InsufficientFunds, apperr.CodeOf(err))
	assert.True(t, apperr.Retryable(err))
}

func TestFlutterwaveLookupTransfer(t *testing.T) {
	f := newFlutterwave(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("reference") != "po_known" {
			_, _ = w.Write([]byte(`{"status":"success","data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":[{"id":3,"reference":"po_known","status":"SUCCESSFUL"}]}`))
	})
	res, err := f.LookupTransfer(context.Background(), "po_known")
	require.NoError(t, err)
	assert.Equal(t, provider.TransferSuccess, res.State)

	_, err = f.LookupTransfer(context.Background(), "po_other")
	assert.ErrorIs(t, err, provider.ErrTransferNotFound)
}

func TestFlutterwaveWithoutSecretKey(t *testing.T) {
	f := provider.NewFlutterwave(provider.FlutterwaveConfig{}, http.DefaultClient, logger.NewNop())
	_, err := f.InitiateTransfer(context.Background(), provider.TransferRequest{Reference: "r", RecipientCode: "1"})
	assert.True(t, apperr.Is(err, apperr.Configuration))
}
