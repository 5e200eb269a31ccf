package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/logger"
)

const (
	flutterwaveHashHeader      = "verif-hash"
	flutterwaveSignatureHeader = "flutterwave-signature"
)

type FlutterwaveConfig struct {
	BaseURL      string
	SecretKey    string
	SecretHashes []string
}

type FlutterwaveProvider struct {
	cfg    FlutterwaveConfig
	client jsonClient
	log    *logger.Logger
}

func NewFlutterwave(cfg FlutterwaveConfig, hc *http.Client, log *logger.Logger) *FlutterwaveProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.flutterwave.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &FlutterwaveProvider{cfg: cfg, client: jsonClient{name: Flutterwave, http: hc}, log: log}
}

func (f *FlutterwaveProvider) Name() Name { return Flutterwave }

// VerifySignature checks the verif-hash header against every configured
// secret hash, or the HMAC-SHA256 flutterwave-signature header when sent.
func (f *FlutterwaveProvider) VerifySignature(_ context.Context, payload []byte, headers http.Header) error {
	if len(f.cfg.SecretHashes) == 0 {
		return apperr.New(apperr.Configuration, "flutterwave: no secret hash configured")
	}

	if sig := headers.Get(flutterwaveSignatureHeader); sig != "" {
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			return apperr.Wrap(apperr.AuthInvalid, err, "flutterwave: malformed signature")
		}
		for _, secret := range f.cfg.SecretHashes {
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(payload)
			if hmac.Equal(mac.Sum(nil), got) {
				return nil
			}
		}
		return apperr.New(apperr.AuthInvalid, "flutterwave: signature did not match")
	}

	hash := headers.Get(flutterwaveHashHeader)
	if hash == "" {
		return apperr.New(apperr.AuthInvalid, "flutterwave: missing verif-hash header")
	}
	for _, secret := range f.cfg.SecretHashes {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(secret)) == 1 {
			return nil
		}
	}
	return apperr.New(apperr.AuthInvalid, "flutterwave: verif-hash did not match")
}

type flutterwaveWebhook struct {
	Event     string `json:"event"`
	EventType string `json:"event.type"`
	Data      struct {
		ID              json.Number `json:"id"`
		TxRef           string      `json:"tx_ref"`
		Reference       string      `json:"reference"`
		Amount          float64     `json:"amount"`
		Currency        string      `json:"currency"`
		Status          string      `json:"status"`
		CompleteMessage string      `json:"complete_message"`
	} `json:"data"`
}

func (f *FlutterwaveProvider) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var w flutterwaveWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "flutterwave: malformed webhook")
	}
	event := firstNonEmpty(w.Event, w.EventType)
	if event == "" {
		return nil, apperr.New(apperr.Validation, "flutterwave: webhook has no event")
	}

	currency := strings.ToUpper(w.Data.Currency)
	ev := &WebhookEvent{
		Provider:        Flutterwave,
		Type:            event,
		ProviderEventID: fmt.Sprintf("%s:%s", event, w.Data.ID.String()),
		Amount:          ToMinor(w.Data.Amount, currency),
		HasAmount:       w.Data.Amount > 0,
		Currency:        currency,
	}
	status := strings.ToLower(w.Data.Status)

	switch event {
	case "charge.completed":
		ev.Reference = w.Data.TxRef
		if status == "successful" {
			ev.Kind = ChargeSucceeded
		} else {
			ev.Kind = Ignored
		}
	case "transfer.completed":
		ev.Reference = w.Data.Reference
		ev.ProviderTransferID = w.Data.ID.String()
		switch status {
		case "successful":
			ev.Kind = TransferSucceeded
		case "failed":
			ev.Kind = TransferFailed
			ev.FailureReason = firstNonEmpty(w.Data.CompleteMessage, "transfer failed")
		default:
			ev.Kind = Ignored
		}
	default:
		ev.Kind = Ignored
	}

	if ev.Kind != Ignored && ev.Reference == "" {
		return nil, apperr.Newf(apperr.Validation, "flutterwave: %s webhook has no reference", event)
	}
	return ev, nil
}

type flutterwaveEnvelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (f *FlutterwaveProvider) headers() (http.Header, error) {
	if f.cfg.SecretKey == "" {
		return nil, apperr.New(apperr.Configuration, "flutterwave: secret key not configured")
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.cfg.SecretKey)
	return h, nil
}

func (f *FlutterwaveProvider) CreateRecipient(ctx context.Context, req RecipientRequest) (string, error) {
	if req.AccountNumber == "" || req.BankCode == "" {
		return "", apperr.Newf(apperr.InvalidAccount, "flutterwave: organizer %s has no bank account on file", req.OrganizerID)
	}
	h, err := f.headers()
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"account_bank":     req.BankCode,
		"account_number":   req.AccountNumber,
		"beneficiary_name": req.Name,
		"currency":         req.Currency,
	}
	var out flutterwaveEnvelope[struct {
		ID json.Number `json:"id"`
	}]
	if err := f.client.do(ctx, http.MethodPost, f.cfg.BaseURL+"/v3/beneficiaries", h, body, &out); err != nil {
		if ae, ok := asAPIError(err); ok {
			return "", apperr.Wrap(apperr.InvalidAccount, ae, "flutterwave: create beneficiary")
		}
		return "", err
	}
	if out.Status != "success" || out.Data.ID.String() == "" {
		return "", apperr.Newf(apperr.InvalidAccount, "flutterwave: create beneficiary rejected: %s", out.Message)
	}
	return out.Data.ID.String(), nil
}

type flutterwaveTransfer struct {
	ID              json.Number `json:"id"`
	Reference       string      `json:"reference"`
	Status          string      `json:"status"`
	CompleteMessage string      `json:"complete_message"`
}

func (t flutterwaveTransfer) result() *TransferResult {
	r := &TransferResult{Reference: t.Reference, ProviderTransferID: t.ID.String()}
	switch strings.ToUpper(t.Status) {
	case "SUCCESSFUL":
		r.State = TransferSuccess
	case "FAILED":
		r.State = TransferFailure
		r.FailureReason = firstNonEmpty(t.CompleteMessage, "transfer failed")
	default:
		r.State = TransferPending
	}
	return r
}

func (f *FlutterwaveProvider) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	h, err := f.headers()
	if err != nil {
		return nil, err
	}
	beneficiary, err := strconv.ParseInt(req.RecipientCode, 10, 64)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidAccount, err, "flutterwave: beneficiary id")
	}
	body := map[string]any{
		"beneficiary": beneficiary,
		"amount":      ToMajor(req.Amount, req.Currency),
		"currency":    req.Currency,
		"reference":   req.Reference,
		"narration":   req.Reason,
	}
	var out flutterwaveEnvelope[flutterwaveTransfer]
	if err := f.client.do(ctx, http.MethodPost, f.cfg.BaseURL+"/v3/transfers", h, body, &out); err != nil {
		return nil, classifyFlutterwave(err)
	}
	if out.Status != "success" {
		return nil, apperr.Newf(apperr.PayoutFailed, "flutterwave: transfer rejected: %s", out.Message)
	}
	if out.Data.Reference == "" {
		out.Data.Reference = req.Reference
	}
	return out.Data.result(), nil
}

func classifyFlutterwave(err error) error {
	ae, ok := asAPIError(err)
	if !ok {
		return err
	}
	msg := strings.ToLower(ae.Message)
	switch {
	case strings.Contains(msg, "insufficient") || strings.Contains(msg, "balance"):
		return apperr.Wrap(apperr.InsufficientFunds, ae, "flutterwave: transfer")
	case strings.Contains(msg, "account") || strings.Contains(msg, "beneficiary"):
		return apperr.Wrap(apperr.InvalidAccount, ae, "flutterwave: transfer")
	case ae.Status == http.StatusUnauthorized:
		return apperr.Wrap(apperr.Configuration, ae, "flutterwave: transfer")
	case ae.Status == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.RateLimited, ae, "flutterwave: transfer")
	default:
		return apperr.Wrap(apperr.PayoutFailed, ae, "flutterwave: transfer")
	}
}

func (f *FlutterwaveProvider) LookupTransfer(ctx context.Context, reference string) (*TransferResult, error) {
	h, err := f.headers()
	if err != nil {
		return nil, err
	}
	var out flutterwaveEnvelope[[]flutterwaveTransfer]
	u := f.cfg.BaseURL + "/v3/transfers?reference=" + url.QueryEscape(reference)
	if err := f.client.do(ctx, http.MethodGet, u, h, nil, &out); err != nil {
		if ae, ok := asAPIError(err); ok && ae.Status == http.StatusNotFound {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	for _, t := range out.Data {
		if t.Reference == reference {
			return t.result(), nil
		}
	}
	return nil, ErrTransferNotFound
}

type flutterwaveSettlement struct {
	ID            json.Number `json:"id"`
	Status        string      `json:"status"`
	Currency      string      `json:"currency"`
	GrossAmount   float64     `json:"gross_amount"`
	AppFee        float64     `json:"app_fee"`
	MerchantFee   float64     `json:"merchant_fee"`
	NetAmount     float64     `json:"net_amount"`
	DueDate       string      `json:"due_date"`
	ProcessedDate string      `json:"processed_date"`
	CreatedAt     string      `json:"created_at"`
}

func (f *FlutterwaveProvider) FetchSettlements(ctx context.Context, q SettlementQuery) ([]SettlementReport, error) {
	h, err := f.headers()
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("from", q.Start.UTC().Format("2006-01-02"))
	v.Set("to", q.End.UTC().Format("2006-01-02"))

	var out flutterwaveEnvelope[[]json.RawMessage]
	if err := f.client.do(ctx, http.MethodGet, f.cfg.BaseURL+"/v3/settlements?"+v.Encode(), h, nil, &out); err != nil {
		if _, ok := asAPIError(err); ok {
			return nil, apperr.Wrap(apperr.PaymentFailed, err, "flutterwave: fetch settlements")
		}
		return nil, err
	}

	reports := make([]SettlementReport, 0, len(out.Data))
	for _, raw := range out.Data {
		var s flutterwaveSettlement
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "flutterwave: malformed settlement")
		}
		cur := strings.ToUpper(s.Currency)
		reports = append(reports, SettlementReport{
			SettlementID: s.ID.String(),
			PeriodStart:  parseTimePtr(s.CreatedAt),
			SettledAt:    parseTimePtr(firstNonEmpty(s.ProcessedDate, s.DueDate)),
			Gross:        ToMinor(s.GrossAmount, cur),
			Fee:          ToMinor(s.AppFee+s.MerchantFee, cur),
			Net:          ToMinor(s.NetAmount, cur),
			Currency:     cur,
			Status:       s.Status,
			CountryCode:  q.CountryCode,
			Raw:          string(raw),
		})
	}
	return reports, nil
}
