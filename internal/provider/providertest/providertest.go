// Package providertest has a scriptable PayoutProvider for tests.
package providertest

import (
	"context"
	"net/http"
	"sync"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/provider"
)

// Fake records calls and answers with the configured funcs. Unset funcs
// succeed with a pending transfer whose id is derived from the reference.
type Fake struct {
	ProviderName provider.Name

	VerifyFunc    func(payload []byte, headers http.Header) error
	ParseFunc     func(payload []byte) (*provider.WebhookEvent, error)
	RecipientFunc func(req provider.RecipientRequest) (string, error)
	TransferFunc  func(req provider.TransferRequest) (*provider.TransferResult, error)
	LookupFunc    func(reference string) (*provider.TransferResult, error)
	SettleFunc    func(q provider.SettlementQuery) ([]provider.SettlementReport, error)

	mu         sync.Mutex
	recipients int
	transfers  []provider.TransferRequest
	lookups    []string
}

func New(name provider.Name) *Fake {
	return &Fake{ProviderName: name}
}

func (f *Fake) Name() provider.Name { return f.ProviderName }

func (f *Fake) VerifySignature(_ context.Context, payload []byte, headers http.Header) error {
	if f.VerifyFunc != nil {
		return f.VerifyFunc(payload, headers)
	}
	if headers.Get("X-Test-Signature") != "valid" {
		return apperr.New(apperr.AuthInvalid, "fake: bad signature")
	}
	return nil
}

func (f *Fake) ParseWebhook(payload []byte) (*provider.WebhookEvent, error) {
	if f.ParseFunc != nil {
		return f.ParseFunc(payload)
	}
	return nil, apperr.New(apperr.Validation, "fake: no parser configured")
}

func (f *Fake) CreateRecipient(_ context.Context, req provider.RecipientRequest) (string, error) {
	f.mu.Lock()
	f.recipients++
	f.mu.Unlock()
	if f.RecipientFunc != nil {
		return f.RecipientFunc(req)
	}
	return "RCP_" + req.OrganizerID, nil
}

func (f *Fake) InitiateTransfer(_ context.Context, req provider.TransferRequest) (*provider.TransferResult, error) {
	f.mu.Lock()
	f.transfers = append(f.transfers, req)
	f.mu.Unlock()
	if f.TransferFunc != nil {
		return f.TransferFunc(req)
	}
	return &provider.TransferResult{Reference: req.Reference, ProviderTransferID: "TRF_" + req.Reference, State: provider.TransferPending}, nil
}

func (f *Fake) LookupTransfer(_ context.Context, reference string) (*provider.TransferResult, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, reference)
	f.mu.Unlock()
	if f.LookupFunc != nil {
		return f.LookupFunc(reference)
	}
	return nil, provider.ErrTransferNotFound
}

func (f *Fake) FetchSettlements(_ context.Context, q provider.SettlementQuery) ([]provider.SettlementReport, error) {
	if f.SettleFunc != nil {
		return f.SettleFunc(q)
	}
	return nil, nil
}

func (f *Fake) RecipientCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recipients
}

func (f *Fake) Transfers() []provider.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.TransferRequest(nil), f.transfers...)
}

func (f *Fake) Lookups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lookups...)
}
