// Package provider adapts the payment providers the marketplace collects
// through and pays out with. Each adapter verifies and normalizes its own
// webhooks, creates transfer recipients, initiates idempotent transfers and
// reports settlements behind the PayoutProvider interface.
package provider

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"ms-payouts/internal/apperr"
)

type Name string

const (
	Paystack    Name = "paystack"
	Flutterwave Name = "flutterwave"
	Stripe      Name = "stripe"
	PayPal      Name = "paypal"
	Manual      Name = "manual"
)

var known = map[Name]bool{Paystack: true, Flutterwave: true, Stripe: true, PayPal: true, Manual: true}

// ParseName normalizes s and reports whether it names a supported provider.
func ParseName(s string) (Name, bool) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	return n, known[n]
}

type EventKind string

const (
	ChargeSucceeded   EventKind = "charge_succeeded"
	TransferSucceeded EventKind = "transfer_succeeded"
	TransferFailed    EventKind = "transfer_failed"
	Ignored           EventKind = "ignored"
)

// WebhookEvent is a provider notification reduced to what the ledger needs.
type WebhookEvent struct {
	Provider           Name
	Kind               EventKind
	Type               string // provider's own event name
	ProviderEventID    string
	Reference          string // payment reference, or our transfer reference
	ProviderTransferID string
	Amount             int64 // minor units; zero when HasAmount is false
	HasAmount          bool
	Currency           string
	FailureReason      string
}

type RecipientRequest struct {
	OrganizerID     string
	Name            string
	Email           string
	AccountNumber   string
	BankCode        string
	Currency        string
	CountryCode     string
	StripeAccountID string
	PayPalEmail     string
}

type TransferRequest struct {
	Reference     string // idempotency key, identical on every attempt
	RecipientCode string
	Amount        int64
	Currency      string
	Reason        string
	CountryCode   string
}

type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferSuccess   TransferState = "success"
	TransferFailure   TransferState = "failed"
	TransferAwaitsOps TransferState = "manual"
)

type TransferResult struct {
	Reference          string
	ProviderTransferID string
	State              TransferState
	FailureReason      string
}

type SettlementQuery struct {
	Start       time.Time
	End         time.Time
	CountryCode string
}

type SettlementReport struct {
	SettlementID string
	PeriodStart  *time.Time
	PeriodEnd    *time.Time
	SettledAt    *time.Time
	Gross        int64
	Fee          int64
	Net          int64
	Currency     string
	Status       string
	CountryCode  string
	Raw          string
}

type PayoutProvider interface {
	Name() Name
	VerifySignature(ctx context.Context, payload []byte, headers http.Header) error
	ParseWebhook(payload []byte) (*WebhookEvent, error)
	CreateRecipient(ctx context.Context, req RecipientRequest) (string, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	FetchSettlements(ctx context.Context, q SettlementQuery) ([]SettlementReport, error)
}

// TransferLookup is implemented by providers that can find a transfer by
// the reference it was created with.
type TransferLookup interface {
	LookupTransfer(ctx context.Context, reference string) (*TransferResult, error)
}

var ErrTransferNotFound = errors.New("provider: transfer not found")

// ErrDuplicateReference is wrapped by adapters when the provider refuses a
// transfer reference it has already seen.
var ErrDuplicateReference = errors.New("provider: duplicate transfer reference")

type Registry struct {
	providers map[Name]PayoutProvider
}

func NewRegistry(providers ...PayoutProvider) *Registry {
	r := &Registry{providers: make(map[Name]PayoutProvider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p PayoutProvider) {
	r.providers[p.Name()] = p
}

// Get returns the adapter for name. Unknown names are a validation error;
// supported but unconfigured ones are a configuration error.
func (r *Registry) Get(name string) (PayoutProvider, error) {
	n, ok := ParseName(name)
	if !ok {
		return nil, apperr.Newf(apperr.Validation, "unsupported provider %q", name)
	}
	p, ok := r.providers[n]
	if !ok {
		return nil, apperr.Newf(apperr.Configuration, "provider %s is not configured", n)
	}
	return p, nil
}

func (r *Registry) Names() []Name {
	out := make([]Name, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
