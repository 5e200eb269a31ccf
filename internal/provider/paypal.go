package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/logger"
)

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
}

type PayPalProvider struct {
	cfg    PayPalConfig
	client jsonClient
	log    *logger.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewPayPal(cfg PayPalConfig, hc *http.Client, log *logger.Logger) *PayPalProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-m.paypal.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PayPalProvider{cfg: cfg, client: jsonClient{name: PayPal, http: hc}, log: log, now: time.Now}
}

func (p *PayPalProvider) Name() Name { return PayPal }

// accessToken returns a cached client-credentials token, refreshing it a
// minute before expiry.
func (p *PayPalProvider) accessToken(ctx context.Context) (string, error) {
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return "", apperr.New(apperr.Configuration, "paypal: client credentials not configured")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "paypal: build token request")
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := p.client.send(req, &out); err != nil {
		if _, ok := asAPIError(err); ok {
			return "", apperr.Wrap(apperr.Configuration, err, "paypal: obtain access token")
		}
		return "", err
	}
	p.token = out.AccessToken
	p.tokenExpiry = p.now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}

func (p *PayPalProvider) authHeaders(ctx context.Context) (http.Header, error) {
	tok, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	return h, nil
}

// VerifySignature asks PayPal to verify the transmission headers.
func (p *PayPalProvider) VerifySignature(ctx context.Context, payload []byte, headers http.Header) error {
	if p.cfg.WebhookID == "" {
		return apperr.New(apperr.Configuration, "paypal: webhook id not configured")
	}
	required := []string{"Paypal-Transmission-Id", "Paypal-Transmission-Time", "Paypal-Transmission-Sig", "Paypal-Cert-Url", "Paypal-Auth-Algo"}
	for _, hdr := range required {
		if headers.Get(hdr) == "" {
			return apperr.Newf(apperr.AuthInvalid, "paypal: missing %s header", hdr)
		}
	}
	h, err := p.authHeaders(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        p.cfg.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.client.do(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/notifications/verify-webhook-signature", h, body, &out); err != nil {
		if _, ok := asAPIError(err); ok {
			return apperr.Wrap(apperr.AuthInvalid, err, "paypal: verify webhook signature")
		}
		return err
	}
	if out.VerificationStatus != "SUCCESS" {
		return apperr.Newf(apperr.AuthInvalid, "paypal: signature verification status %s", out.VerificationStatus)
	}
	return nil
}

type paypalMoney struct {
	Value        string `json:"value"`
	Currency     string `json:"currency"`
	CurrencyCode string `json:"currency_code"`
}

func (m paypalMoney) minor() (int64, string) {
	cur := strings.ToUpper(firstNonEmpty(m.CurrencyCode, m.Currency))
	if m.Value == "" {
		return 0, cur
	}
	v, err := ParseMinor(m.Value, cur)
	if err != nil {
		return 0, cur
	}
	return v, cur
}

type paypalWebhook struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string      `json:"id"`
		CustomID          string      `json:"custom_id"`
		InvoiceID         string      `json:"invoice_id"`
		Amount            paypalMoney `json:"amount"`
		PayoutItemID      string      `json:"payout_item_id"`
		TransactionStatus string      `json:"transaction_status"`
		PayoutItem        struct {
			SenderItemID string      `json:"sender_item_id"`
			Amount       paypalMoney `json:"amount"`
		} `json:"payout_item"`
		Errors struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"resource"`
}

func (p *PayPalProvider) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var w paypalWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "paypal: malformed webhook")
	}
	if w.EventType == "" {
		return nil, apperr.New(apperr.Validation, "paypal: webhook has no event_type")
	}

	ev := &WebhookEvent{Provider: PayPal, Type: w.EventType, ProviderEventID: w.ID}
	r := w.Resource

	switch w.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		ev.Kind = ChargeSucceeded
		ev.Reference = firstNonEmpty(r.CustomID, r.InvoiceID, r.ID)
		ev.Amount, ev.Currency = r.Amount.minor()
		ev.HasAmount = ev.Amount > 0
	case "PAYMENT.PAYOUTS-ITEM.SUCCEEDED":
		ev.Kind = TransferSucceeded
		ev.Reference = r.PayoutItem.SenderItemID
		ev.ProviderTransferID = r.PayoutItemID
		ev.Amount, ev.Currency = r.PayoutItem.Amount.minor()
		ev.HasAmount = ev.Amount > 0
	case "PAYMENT.PAYOUTS-ITEM.FAILED", "PAYMENT.PAYOUTS-ITEM.RETURNED",
		"PAYMENT.PAYOUTS-ITEM.BLOCKED", "PAYMENT.PAYOUTS-ITEM.DENIED",
		"PAYMENT.PAYOUTS-ITEM.CANCELED", "PAYMENT.PAYOUTS-ITEM.REFUNDED":
		ev.Kind = TransferFailed
		ev.Reference = r.PayoutItem.SenderItemID
		ev.ProviderTransferID = r.PayoutItemID
		ev.FailureReason = firstNonEmpty(r.Errors.Message, r.Errors.Name, r.TransactionStatus, w.EventType)
	default:
		ev.Kind = Ignored
	}

	if ev.Kind != Ignored && ev.Reference == "" {
		return nil, apperr.Newf(apperr.Validation, "paypal: %s webhook has no reference", w.EventType)
	}
	return ev, nil
}

// CreateRecipient uses the organizer's PayPal email as the recipient code.
func (p *PayPalProvider) CreateRecipient(_ context.Context, req RecipientRequest) (string, error) {
	email := strings.TrimSpace(req.PayPalEmail)
	if email == "" {
		email = strings.TrimSpace(req.Email)
	}
	if email == "" || !strings.Contains(email, "@") {
		return "", apperr.Newf(apperr.InvalidAccount, "paypal: organizer %s has no usable paypal email", req.OrganizerID)
	}
	return email, nil
}

// InitiateTransfer creates a single-item payout batch whose sender batch
// id is the reference. PayPal refuses a reused sender batch id, which is
// taken as proof that an earlier attempt was accepted.
func (p *PayPalProvider) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	h, err := p.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"sender_batch_header": map[string]any{
			"sender_batch_id": req.Reference,
			"email_subject":   "You have a payout",
			"email_message":   req.Reason,
		},
		"items": []map[string]any{{
			"recipient_type": "EMAIL",
			"receiver":       req.RecipientCode,
			"sender_item_id": req.Reference,
			"note":           req.Reason,
			"amount": map[string]string{
				"value":    FormatMajor(req.Amount, req.Currency),
				"currency": strings.ToUpper(req.Currency),
			},
		}},
	}
	var out struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
			BatchStatus   string `json:"batch_status"`
		} `json:"batch_header"`
	}
	if err := p.client.do(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/payments/payouts", h, body, &out); err != nil {
		ae, ok := asAPIError(err)
		if !ok {
			return nil, err
		}
		switch {
		case strings.Contains(ae.Message, "SENDER_BATCH_ID_ALREADY_USED") || strings.Contains(string(ae.Body), "SENDER_BATCH_ID_ALREADY_USED"):
			return &TransferResult{Reference: req.Reference, State: TransferPending}, nil
		case strings.Contains(string(ae.Body), "INSUFFICIENT_FUNDS"):
			return nil, apperr.Wrap(apperr.InsufficientFunds, ae, "paypal: create payout")
		case strings.Contains(string(ae.Body), "RECEIVER_UNREGISTERED") || strings.Contains(string(ae.Body), "RECEIVER_ACCOUNT_LOCKED"):
			return nil, apperr.Wrap(apperr.InvalidAccount, ae, "paypal: create payout")
		case ae.Status == http.StatusUnauthorized:
			p.mu.Lock()
			p.token = ""
			p.mu.Unlock()
			return nil, apperr.Wrap(apperr.Configuration, ae, "paypal: create payout")
		default:
			return nil, apperr.Wrap(apperr.PayoutFailed, ae, "paypal: create payout")
		}
	}

	res := &TransferResult{Reference: req.Reference, ProviderTransferID: out.BatchHeader.PayoutBatchID, State: TransferPending}
	switch out.BatchHeader.BatchStatus {
	case "SUCCESS":
		res.State = TransferSuccess
	case "DENIED", "CANCELED":
		res.State = TransferFailure
		res.FailureReason = fmt.Sprintf("payout batch %s", strings.ToLower(out.BatchHeader.BatchStatus))
	}
	return res, nil
}

type paypalTransaction struct {
	TransactionInfo struct {
		TransactionID         string      `json:"transaction_id"`
		TransactionEventCode  string      `json:"transaction_event_code"`
		TransactionAmount     paypalMoney `json:"transaction_amount"`
		FeeAmount             paypalMoney `json:"fee_amount"`
		TransactionStatus     string      `json:"transaction_status"`
		TransactionUpdateDate string      `json:"transaction_updated_date"`
	} `json:"transaction_info"`
}

// FetchSettlements reads the transaction search report. PayPal settles
// each transaction to the balance directly, so every row is a settlement.
func (p *PayPalProvider) FetchSettlements(ctx context.Context, q SettlementQuery) ([]SettlementReport, error) {
	h, err := p.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("start_date", q.Start.UTC().Format(time.RFC3339))
	v.Set("end_date", q.End.UTC().Format(time.RFC3339))
	v.Set("transaction_status", "S")
	v.Set("fields", "transaction_info")
	v.Set("page_size", "500")

	var out struct {
		TransactionDetails []json.RawMessage `json:"transaction_details"`
	}
	if err := p.client.do(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/reporting/transactions?"+v.Encode(), h, nil, &out); err != nil {
		if _, ok := asAPIError(err); ok {
			return nil, apperr.Wrap(apperr.PaymentFailed, err, "paypal: fetch transactions")
		}
		return nil, err
	}

	reports := make([]SettlementReport, 0, len(out.TransactionDetails))
	for _, raw := range out.TransactionDetails {
		var t paypalTransaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "paypal: malformed transaction")
		}
		info := t.TransactionInfo
		gross, cur := info.TransactionAmount.minor()
		fee, _ := info.FeeAmount.minor()
		if fee < 0 {
			fee = -fee
		}
		reports = append(reports, SettlementReport{
			SettlementID: info.TransactionID,
			SettledAt:    parseTimePtr(info.TransactionUpdateDate),
			Gross:        gross,
			Fee:          fee,
			Net:          gross - fee,
			Currency:     cur,
			Status:       info.TransactionStatus,
			CountryCode:  q.CountryCode,
			Raw:          string(raw),
		})
	}
	return reports, nil
}
