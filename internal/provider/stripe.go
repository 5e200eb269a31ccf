package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/logger"
)

const stripeSignatureHeader = "Stripe-Signature"

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the API endpoint. Used against stripe-mock and in tests.
	BaseURL string
}

type StripeProvider struct {
	cfg StripeConfig
	sc  *client.API
	log *logger.Logger
}

func NewStripe(cfg StripeConfig, hc *http.Client, log *logger.Logger) *StripeProvider {
	var backends *stripe.Backends
	if cfg.BaseURL != "" || hc != nil {
		bc := &stripe.BackendConfig{
			HTTPClient:        hc,
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		}
		if cfg.BaseURL != "" {
			bc.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
		}
		api := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
		backends = &stripe.Backends{API: api, Connect: api, Uploads: api}
	}
	return &StripeProvider{cfg: cfg, sc: client.New(cfg.SecretKey, backends), log: log}
}

func (s *StripeProvider) Name() Name { return Stripe }

func (s *StripeProvider) VerifySignature(_ context.Context, payload []byte, headers http.Header) error {
	if s.cfg.WebhookSecret == "" {
		return apperr.New(apperr.Configuration, "stripe: webhook secret is not configured")
	}
	sig := headers.Get(stripeSignatureHeader)
	if sig == "" {
		return apperr.New(apperr.AuthInvalid, "stripe: missing Stripe-Signature header")
	}
	opts := webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true}
	if _, err := webhook.ConstructEventWithOptions(payload, sig, s.cfg.WebhookSecret, opts); err != nil {
		return apperr.Wrap(apperr.AuthInvalid, err, "stripe: webhook signature verification failed")
	}
	return nil
}

func (s *StripeProvider) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "stripe: malformed event")
	}
	if event.Type == "" || event.Data == nil {
		return nil, apperr.New(apperr.Validation, "stripe: event has no type or data")
	}

	ev := &WebhookEvent{Provider: Stripe, Type: string(event.Type), ProviderEventID: event.ID}

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "stripe: malformed payment intent")
		}
		ev.Kind = ChargeSucceeded
		ev.Reference = firstNonEmpty(pi.Metadata["payment_reference"], pi.ID)
		ev.Amount = pi.AmountReceived
		if ev.Amount == 0 {
			ev.Amount = pi.Amount
		}
		ev.HasAmount = ev.Amount > 0
		ev.Currency = strings.ToUpper(string(pi.Currency))
	case "transfer.created", "transfer.reversed":
		var tr stripe.Transfer
		if err := json.Unmarshal(event.Data.Raw, &tr); err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "stripe: malformed transfer")
		}
		ev.Reference = tr.TransferGroup
		ev.ProviderTransferID = tr.ID
		ev.Amount = tr.Amount
		ev.HasAmount = tr.Amount > 0
		ev.Currency = strings.ToUpper(string(tr.Currency))
		if event.Type == "transfer.reversed" {
			ev.Kind = TransferFailed
			ev.FailureReason = "transfer reversed"
		} else {
			ev.Kind = TransferSucceeded
		}
		if ev.Reference == "" {
			ev.Kind = Ignored
		}
	default:
		ev.Kind = Ignored
	}

	if ev.Kind == ChargeSucceeded && ev.Reference == "" {
		return nil, apperr.New(apperr.Validation, "stripe: payment intent has no reference")
	}
	return ev, nil
}

// CreateRecipient confirms the organizer's connected account can receive
// transfers and uses its id as the recipient code.
func (s *StripeProvider) CreateRecipient(_ context.Context, req RecipientRequest) (string, error) {
	if req.StripeAccountID == "" {
		return "", apperr.Newf(apperr.InvalidAccount, "stripe: organizer %s has no connected account", req.OrganizerID)
	}
	if s.cfg.SecretKey == "" {
		return "", apperr.New(apperr.Configuration, "stripe: secret key is not configured")
	}
	acct, err := s.sc.Accounts.GetByID(req.StripeAccountID, nil)
	if err != nil {
		return "", s.classify(err, "stripe: get connected account")
	}
	if !acct.PayoutsEnabled {
		return "", apperr.Newf(apperr.InvalidAccount, "stripe: connected account %s cannot receive payouts", acct.ID)
	}
	return acct.ID, nil
}

// InitiateTransfer moves funds to the connected account. The reference is
// both the idempotency key and the transfer group, so a lookup can find it.
func (s *StripeProvider) InitiateTransfer(_ context.Context, req TransferRequest) (*TransferResult, error) {
	if s.cfg.SecretKey == "" {
		return nil, apperr.New(apperr.Configuration, "stripe: secret key is not configured")
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.RecipientCode),
		TransferGroup: stripe.String(req.Reference),
		Description:   stripe.String(req.Reason),
	}
	params.AddMetadata("payout_reference", req.Reference)
	params.SetIdempotencyKey(req.Reference)

	tr, err := s.sc.Transfers.New(params)
	if err != nil {
		return nil, s.classify(err, "stripe: create transfer")
	}
	return stripeTransferResult(tr, req.Reference), nil
}

func stripeTransferResult(tr *stripe.Transfer, ref string) *TransferResult {
	r := &TransferResult{Reference: ref, ProviderTransferID: tr.ID, State: TransferSuccess}
	if tr.Reversed {
		r.State = TransferFailure
		r.FailureReason = "transfer reversed"
	}
	return r
}

func (s *StripeProvider) LookupTransfer(_ context.Context, reference string) (*TransferResult, error) {
	if s.cfg.SecretKey == "" {
		return nil, apperr.New(apperr.Configuration, "stripe: secret key is not configured")
	}
	params := &stripe.TransferListParams{TransferGroup: stripe.String(reference)}
	params.Limit = stripe.Int64(1)
	it := s.sc.Transfers.List(params)
	for it.Next() {
		return stripeTransferResult(it.Transfer(), reference), nil
	}
	if err := it.Err(); err != nil {
		return nil, s.classify(err, "stripe: list transfers")
	}
	return nil, ErrTransferNotFound
}

// FetchSettlements reports each paid Stripe payout as a settlement, with
// gross and fees summed from its balance transactions.
func (s *StripeProvider) FetchSettlements(_ context.Context, q SettlementQuery) ([]SettlementReport, error) {
	if s.cfg.SecretKey == "" {
		return nil, apperr.New(apperr.Configuration, "stripe: secret key is not configured")
	}
	params := &stripe.PayoutListParams{
		ArrivalDateRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: q.Start.Unix(),
			LesserThan:         q.End.Unix(),
		},
		Status: stripe.String(string(stripe.PayoutStatusPaid)),
	}
	params.Limit = stripe.Int64(100)

	var reports []SettlementReport
	it := s.sc.Payouts.List(params)
	for it.Next() {
		po := it.Payout()
		gross, fee, err := s.payoutTotals(po.ID)
		if err != nil {
			return nil, err
		}
		if gross == 0 {
			gross = po.Amount + fee
		}
		raw, _ := json.Marshal(po)
		arrival := unixPtr(po.ArrivalDate)
		reports = append(reports, SettlementReport{
			SettlementID: po.ID,
			PeriodEnd:    arrival,
			SettledAt:    arrival,
			Gross:        gross,
			Fee:          fee,
			Net:          po.Amount,
			Currency:     strings.ToUpper(string(po.Currency)),
			Status:       string(po.Status),
			CountryCode:  q.CountryCode,
			Raw:          string(raw),
		})
	}
	if err := it.Err(); err != nil {
		return nil, s.classify(err, "stripe: list payouts")
	}
	return reports, nil
}

func (s *StripeProvider) payoutTotals(payoutID string) (gross, fee int64, err error) {
	params := &stripe.BalanceTransactionListParams{Payout: stripe.String(payoutID)}
	params.Limit = stripe.Int64(100)
	it := s.sc.BalanceTransactions.List(params)
	for it.Next() {
		bt := it.BalanceTransaction()
		if bt.Type == stripe.BalanceTransactionTypePayout {
			continue
		}
		gross += bt.Amount
		fee += bt.Fee
	}
	if err := it.Err(); err != nil {
		return 0, 0, s.classify(err, "stripe: list balance transactions")
	}
	return gross, fee, nil
}

func (s *StripeProvider) classify(err error, op string) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		if isTimeout(err) {
			return apperr.Unknown(err, op)
		}
		return apperr.Wrap(apperr.ServiceUnavailable, err, op)
	}
	switch {
	case se.Code == stripe.ErrorCodeBalanceInsufficient:
		return apperr.Wrap(apperr.InsufficientFunds, err, op)
	case se.Code == stripe.ErrorCodeResourceMissing, se.Code == stripe.ErrorCodeAccountInvalid:
		return apperr.Wrap(apperr.InvalidAccount, err, op)
	case se.HTTPStatusCode == http.StatusUnauthorized:
		return apperr.Wrap(apperr.Configuration, err, op)
	case se.HTTPStatusCode == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.RateLimited, err, op)
	case se.HTTPStatusCode >= 500:
		e := apperr.Wrap(apperr.ServiceUnavailable, err, op)
		e.UnknownOutcome = true
		return e
	default:
		return apperr.Wrap(apperr.PayoutFailed, err, op)
	}
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
