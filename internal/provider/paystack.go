package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/logger"
)

const paystackSignatureHeader = "x-paystack-signature"

type PaystackConfig struct {
	BaseURL string
	// SecretKeys is keyed by country code; "" is the default account.
	SecretKeys map[string]string
}

type PaystackProvider struct {
	cfg    PaystackConfig
	client jsonClient
	log    *logger.Logger
}

func NewPaystack(cfg PaystackConfig, hc *http.Client, log *logger.Logger) *PaystackProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.paystack.co"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PaystackProvider{cfg: cfg, client: jsonClient{name: Paystack, http: hc}, log: log}
}

func (p *PaystackProvider) Name() Name { return Paystack }

// countries returns the configured country codes, default account first.
func (p *PaystackProvider) countries() []string {
	out := make([]string, 0, len(p.cfg.SecretKeys))
	for cc := range p.cfg.SecretKeys {
		out = append(out, cc)
	}
	sort.Strings(out)
	return out
}

func (p *PaystackProvider) secretFor(country string) (string, error) {
	if k, ok := p.cfg.SecretKeys[strings.ToUpper(country)]; ok && k != "" {
		return k, nil
	}
	if k, ok := p.cfg.SecretKeys[""]; ok && k != "" {
		return k, nil
	}
	return "", apperr.Newf(apperr.Configuration, "paystack: no secret key for country %q", country)
}

// VerifySignature accepts the payload if any configured country key
// produces the HMAC-SHA512 in x-paystack-signature.
func (p *PaystackProvider) VerifySignature(_ context.Context, payload []byte, headers http.Header) error {
	sig := headers.Get(paystackSignatureHeader)
	if sig == "" {
		return apperr.New(apperr.AuthInvalid, "paystack: missing x-paystack-signature header")
	}
	if len(p.cfg.SecretKeys) == 0 {
		return apperr.New(apperr.Configuration, "paystack: no secret keys configured")
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return apperr.Wrap(apperr.AuthInvalid, err, "paystack: malformed signature")
	}
	for _, cc := range p.countries() {
		mac := hmac.New(sha512.New, []byte(p.cfg.SecretKeys[cc]))
		mac.Write(payload)
		if hmac.Equal(mac.Sum(nil), got) {
			return nil
		}
	}
	return apperr.New(apperr.AuthInvalid, "paystack: signature did not match any configured key")
}

type paystackWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID              json.Number `json:"id"`
		Reference       string      `json:"reference"`
		Amount          int64       `json:"amount"`
		Currency        string      `json:"currency"`
		Status          string      `json:"status"`
		TransferCode    string      `json:"transfer_code"`
		Reason          string      `json:"reason"`
		GatewayResponse string      `json:"gateway_response"`
	} `json:"data"`
}

func (p *PaystackProvider) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var w paystackWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "paystack: malformed webhook")
	}
	if w.Event == "" {
		return nil, apperr.New(apperr.Validation, "paystack: webhook has no event")
	}

	ev := &WebhookEvent{
		Provider:        Paystack,
		Type:            w.Event,
		ProviderEventID: fmt.Sprintf("%s:%s", w.Event, w.Data.ID.String()),
		Reference:       w.Data.Reference,
		Amount:          w.Data.Amount,
		HasAmount:       w.Data.Amount > 0,
		Currency:        strings.ToUpper(w.Data.Currency),
	}

	switch w.Event {
	case "charge.success":
		ev.Kind = ChargeSucceeded
	case "transfer.success":
		ev.Kind = TransferSucceeded
		ev.ProviderTransferID = w.Data.TransferCode
	case "transfer.failed", "transfer.reversed":
		ev.Kind = TransferFailed
		ev.ProviderTransferID = w.Data.TransferCode
		ev.FailureReason = firstNonEmpty(w.Data.Reason, w.Data.GatewayResponse, w.Event)
	default:
		ev.Kind = Ignored
	}

	if ev.Kind != Ignored && ev.Reference == "" {
		return nil, apperr.Newf(apperr.Validation, "paystack: %s webhook has no reference", w.Event)
	}
	return ev, nil
}

type paystackEnvelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (p *PaystackProvider) headers(country string) (http.Header, error) {
	key, err := p.secretFor(country)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+key)
	return h, nil
}

func (p *PaystackProvider) CreateRecipient(ctx context.Context, req RecipientRequest) (string, error) {
	if req.AccountNumber == "" || req.BankCode == "" {
		return "", apperr.Newf(apperr.InvalidAccount, "paystack: organizer %s has no bank account on file", req.OrganizerID)
	}
	h, err := p.headers(req.CountryCode)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"type":           paystackRecipientType(req.Currency),
		"name":           req.Name,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       req.Currency,
		"metadata":       map[string]string{"organizer_id": req.OrganizerID},
	}
	var out paystackEnvelope[struct {
		RecipientCode string `json:"recipient_code"`
	}]
	if err := p.client.do(ctx, http.MethodPost, p.cfg.BaseURL+"/transferrecipient", h, body, &out); err != nil {
		if ae, ok := asAPIError(err); ok {
			return "", apperr.Wrap(apperr.InvalidAccount, ae, "paystack: create recipient")
		}
		return "", err
	}
	if !out.Status || out.Data.RecipientCode == "" {
		return "", apperr.Newf(apperr.InvalidAccount, "paystack: create recipient rejected: %s", out.Message)
	}
	return out.Data.RecipientCode, nil
}

func paystackRecipientType(currency string) string {
	switch strings.ToUpper(currency) {
	case "GHS":
		return "ghipss"
	case "ZAR":
		return "basa"
	case "KES":
		return "mobile_money"
	default:
		return "nuban"
	}
}

type paystackTransfer struct {
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

func (t paystackTransfer) result() *TransferResult {
	r := &TransferResult{Reference: t.Reference, ProviderTransferID: t.TransferCode}
	switch t.Status {
	case "success":
		r.State = TransferSuccess
	case "failed", "reversed", "rejected", "abandoned":
		r.State = TransferFailure
		r.FailureReason = firstNonEmpty(t.Reason, t.Status)
	default:
		r.State = TransferPending
	}
	return r
}

func (p *PaystackProvider) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	h, err := p.headers(req.CountryCode)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"source":    "balance",
		"amount":    req.Amount,
		"recipient": req.RecipientCode,
		"reference": req.Reference,
		"reason":    req.Reason,
		"currency":  req.Currency,
	}
	var out paystackEnvelope[paystackTransfer]
	if err := p.client.do(ctx, http.MethodPost, p.cfg.BaseURL+"/transfer", h, body, &out); err != nil {
		return nil, classifyPaystack(err)
	}
	if !out.Status {
		return nil, apperr.Newf(apperr.PayoutFailed, "paystack: transfer rejected: %s", out.Message)
	}
	if out.Data.Reference == "" {
		out.Data.Reference = req.Reference
	}
	return out.Data.result(), nil
}

func classifyPaystack(err error) error {
	ae, ok := asAPIError(err)
	if !ok {
		return err
	}
	msg := strings.ToLower(ae.Message)
	switch {
	case strings.Contains(msg, "duplicate") || (strings.Contains(msg, "reference") && strings.Contains(msg, "already")):
		return apperr.Wrap(apperr.Conflict, fmt.Errorf("%w: %v", ErrDuplicateReference, ae), "paystack: transfer")
	case strings.Contains(msg, "balance"):
		return apperr.Wrap(apperr.InsufficientFunds, ae, "paystack: transfer")
	case strings.Contains(msg, "recipient") || strings.Contains(msg, "account"):
		return apperr.Wrap(apperr.InvalidAccount, ae, "paystack: transfer")
	case ae.Status == http.StatusUnauthorized:
		return apperr.Wrap(apperr.Configuration, ae, "paystack: transfer")
	case ae.Status == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.RateLimited, ae, "paystack: transfer")
	default:
		return apperr.Wrap(apperr.PayoutFailed, ae, "paystack: transfer")
	}
}

func (p *PaystackProvider) LookupTransfer(ctx context.Context, reference string) (*TransferResult, error) {
	var lastErr error
	for _, cc := range p.countries() {
		h, err := p.headers(cc)
		if err != nil {
			return nil, err
		}
		var out paystackEnvelope[paystackTransfer]
		err = p.client.do(ctx, http.MethodGet, p.cfg.BaseURL+"/transfer/verify/"+url.PathEscape(reference), h, nil, &out)
		if err == nil && out.Status {
			if out.Data.Reference == "" {
				out.Data.Reference = reference
			}
			return out.Data.result(), nil
		}
		if ae, ok := asAPIError(err); ok && (ae.Status == http.StatusNotFound || ae.Status == http.StatusBadRequest) {
			continue
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrTransferNotFound
}

type paystackSettlement struct {
	ID             json.Number `json:"id"`
	Status         string      `json:"status"`
	Currency       string      `json:"currency"`
	TotalAmount    int64       `json:"total_amount"`
	TotalFees      int64       `json:"total_fees"`
	TotalProcessed int64       `json:"total_processed"`
	SettlementDate string      `json:"settlement_date"`
}

// FetchSettlements pulls settlements for one country, or for every
// configured account when q.CountryCode is empty.
func (p *PaystackProvider) FetchSettlements(ctx context.Context, q SettlementQuery) ([]SettlementReport, error) {
	countries := p.countries()
	if q.CountryCode != "" {
		countries = []string{strings.ToUpper(q.CountryCode)}
	}

	var reports []SettlementReport
	for _, cc := range countries {
		h, err := p.headers(cc)
		if err != nil {
			return nil, err
		}
		v := url.Values{}
		v.Set("from", q.Start.UTC().Format(time.RFC3339))
		v.Set("to", q.End.UTC().Format(time.RFC3339))
		v.Set("perPage", "100")

		var out paystackEnvelope[[]json.RawMessage]
		if err := p.client.do(ctx, http.MethodGet, p.cfg.BaseURL+"/settlement?"+v.Encode(), h, nil, &out); err != nil {
			if _, ok := asAPIError(err); ok {
				return nil, apperr.Wrap(apperr.PaymentFailed, err, "paystack: fetch settlements")
			}
			return nil, err
		}
		for _, raw := range out.Data {
			var s paystackSettlement
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, apperr.Wrap(apperr.Validation, err, "paystack: malformed settlement")
			}
			id := s.ID.String()
			if cc != "" {
				id = cc + ":" + id
			}
			gross := s.TotalProcessed
			if gross == 0 {
				gross = s.TotalAmount + s.TotalFees
			}
			reports = append(reports, SettlementReport{
				SettlementID: id,
				SettledAt:    parseTimePtr(s.SettlementDate),
				Gross:        gross,
				Fee:          s.TotalFees,
				Net:          s.TotalAmount,
				Currency:     strings.ToUpper(s.Currency),
				Status:       s.Status,
				CountryCode:  cc,
				Raw:          string(raw),
			})
		}
	}
	return reports, nil
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
