package provider

import (
	"context"
	"net/http"

	"ms-payouts/internal/apperr"
)

// ManualProvider stands for payouts finance ops send by hand. It never
// calls out; transfers wait for an operator to confirm them.
type ManualProvider struct{}

func NewManual() *ManualProvider { return &ManualProvider{} }

func (ManualProvider) Name() Name { return Manual }

func (ManualProvider) VerifySignature(context.Context, []byte, http.Header) error {
	return apperr.New(apperr.AuthInvalid, "manual provider does not receive webhooks")
}

func (ManualProvider) ParseWebhook([]byte) (*WebhookEvent, error) {
	return nil, apperr.New(apperr.Validation, "manual provider does not receive webhooks")
}

func (ManualProvider) CreateRecipient(_ context.Context, req RecipientRequest) (string, error) {
	if req.OrganizerID == "" {
		return "", apperr.New(apperr.InvalidAccount, "manual: organizer id required")
	}
	return "manual:" + req.OrganizerID, nil
}

func (ManualProvider) InitiateTransfer(_ context.Context, req TransferRequest) (*TransferResult, error) {
	return &TransferResult{Reference: req.Reference, State: TransferAwaitsOps}, nil
}

func (ManualProvider) FetchSettlements(context.Context, SettlementQuery) ([]SettlementReport, error) {
	return nil, nil
}
