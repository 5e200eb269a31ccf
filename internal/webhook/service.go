// Package webhook ingests provider notifications: it authenticates them,
// completes paid orders exactly once and routes transfer outcomes to the
// payout queue and batch processor.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/kafka"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/notify"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/tickets"
)

// TransferHandler applies a transfer outcome. handled is false when the
// reference does not belong to the handler.
type TransferHandler interface {
	HandleTransferStatus(ctx context.Context, ev *provider.WebhookEvent) (handled bool, err error)
}

type Options struct {
	// AllowUnsigned lets unverified payloads through. Only honoured in
	// development; config refuses it elsewhere.
	AllowUnsigned bool
	OrderTopic    string
}

type Service struct {
	store     *storage.Store
	providers *provider.Registry
	issuer    *tickets.Issuer
	notifier  *notify.Notifier
	events    kafka.Publisher
	transfers []TransferHandler
	opts      Options
	log       *logger.Logger
	now       func() time.Time
}

func NewService(store *storage.Store, providers *provider.Registry, issuer *tickets.Issuer, notifier *notify.Notifier,
	events kafka.Publisher, opts Options, log *logger.Logger, transfers ...TransferHandler) *Service {
	if events == nil {
		events = kafka.NopPublisher{}
	}
	return &Service{
		store:     store,
		providers: providers,
		issuer:    issuer,
		notifier:  notifier,
		events:    events,
		transfers: transfers,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// HandleWebhook authenticates and applies one provider notification. A nil
// return means the provider should get a 200.
func (s *Service) HandleWebhook(ctx context.Context, providerName string, payload []byte, headers http.Header) error {
	p, err := s.providers.Get(providerName)
	if err != nil {
		if apperr.Is(err, apperr.Configuration) {
			return err
		}
		return apperr.Wrap(apperr.Validation, err, "webhook for unknown provider")
	}
	name := string(p.Name())

	if err := p.VerifySignature(ctx, payload, headers); err != nil {
		if !s.opts.AllowUnsigned {
			s.log.LogSecurity("webhook_signature_rejected", fmt.Sprintf("%s: %v", name, err))
			return err
		}
		s.log.LogSecurity("webhook_signature_bypassed", fmt.Sprintf("%s: accepting unverified payload in development: %v", name, err))
	}

	ev, err := p.ParseWebhook(payload)
	if err != nil {
		s.log.LogWebhook(name, "parse", err.Error())
		return err
	}

	switch ev.Kind {
	case provider.ChargeSucceeded:
		return s.completeOrder(ctx, ev)
	case provider.TransferSucceeded, provider.TransferFailed:
		return s.routeTransfer(ctx, ev)
	default:
		s.log.LogWebhook(name, ev.Type, "event ignored")
		return nil
	}
}

// completeOrder moves the order to completed and issues its tickets in one
// transaction. Duplicates and expired orders are acknowledged no-ops.
func (s *Service) completeOrder(ctx context.Context, ev *provider.WebhookEvent) error {
	name := string(ev.Provider)
	order, err := s.store.GetOrderByPaymentReference(ctx, ev.Reference)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.LogWebhook(name, ev.Type, fmt.Sprintf("no order for payment reference %s", ev.Reference))
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "load order for webhook")
	}

	if mismatch := amountMismatch(order, ev); mismatch != "" {
		s.log.LogSecurity("order_amount_mismatch", fmt.Sprintf("order %s via %s: %s", order.ID, name, mismatch))
		auditErr := s.store.Audit(ctx, storage.AuditEntry{
			Action:     "order.amount_mismatch",
			EntityType: "order",
			EntityID:   order.ID,
			Actor:      "webhook:" + name,
			Details: map[string]any{
				"payment_reference": ev.Reference,
				"expected_amount":   order.TotalAmount,
				"expected_currency": order.Currency,
				"received_amount":   ev.Amount,
				"received_currency": ev.Currency,
			},
		})
		if auditErr != nil {
			return apperr.Wrap(apperr.Internal, auditErr, "audit amount mismatch")
		}
		return nil
	}

	if order.Status != models.OrderPending {
		s.log.LogWebhook(name, ev.Type, fmt.Sprintf("order %s already %s, ignoring", order.ID, order.Status))
		return nil
	}

	issued, err := s.issuer.Issue(order)
	if errors.Is(err, tickets.ErrNoUnits) {
		// permanent; ack so the provider stops resending
		s.log.LogWebhook(name, ev.Type, fmt.Sprintf("order %s not issuable: %v", order.ID, err))
		auditErr := s.store.Audit(ctx, storage.AuditEntry{
			Action:     "order.issue_rejected",
			EntityType: "order",
			EntityID:   order.ID,
			Actor:      "webhook:" + name,
			Details: map[string]any{
				"payment_reference": ev.Reference,
				"provider_event_id": ev.ProviderEventID,
				"quantity":          order.Quantity,
				"reason":            err.Error(),
			},
		})
		if auditErr != nil {
			return apperr.Wrap(apperr.Internal, auditErr, "audit rejected issuance")
		}
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "issue tickets")
	}

	paidAt := s.now().UTC()
	completed := false
	err = s.store.InTx(ctx, func(tx *storage.Store) error {
		ok, err := tx.CompleteOrder(ctx, ev.Reference, paidAt)
		if err != nil || !ok {
			return err
		}
		completed = true
		if err := tx.InsertTickets(ctx, issued); err != nil {
			return err
		}
		return tx.Audit(ctx, storage.AuditEntry{
			Action:     "order.completed",
			EntityType: "order",
			EntityID:   order.ID,
			Actor:      "webhook:" + name,
			Details: map[string]any{
				"payment_reference": ev.Reference,
				"provider_event_id": ev.ProviderEventID,
				"tickets":           len(issued),
			},
		})
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "complete order")
	}
	if !completed {
		s.log.LogWebhook(name, ev.Type, fmt.Sprintf("order %s completed by a concurrent delivery", order.ID))
		return nil
	}
	s.log.LogWebhook(name, ev.Type, fmt.Sprintf("order %s completed with %d ticket(s)", order.ID, len(issued)))

	s.afterCompletion(ctx, order, len(issued), paidAt)
	return nil
}

func (s *Service) afterCompletion(ctx context.Context, order *models.Order, issued int, paidAt time.Time) {
	title := order.EventID
	if evt, err := s.store.GetEvent(ctx, order.EventID); err == nil {
		title = evt.Title
	}
	s.notifier.Notify(ctx, notify.OrderConfirmation, notify.Recipient{Name: order.BuyerName, Email: order.BuyerEmail}, map[string]any{
		"buyer_name":  order.BuyerName,
		"event_title": title,
		"order_id":    order.ID,
		"reference":   order.PaymentReference,
		"tickets":     issued,
	})

	if s.opts.OrderTopic == "" {
		return
	}
	err := s.events.Publish(ctx, s.opts.OrderTopic, order.ID, kafka.OrderCompleted{
		OrderID:          order.ID,
		EventID:          order.EventID,
		OrganizerID:      order.OrganizerID,
		PaymentReference: order.PaymentReference,
		Provider:         order.PaymentProvider,
		Amount:           order.TotalAmount,
		Currency:         order.Currency,
		Tickets:          issued,
		PaidAt:           paidAt,
	})
	if err != nil {
		s.log.Warn("WEBHOOK", fmt.Sprintf("order %s completed but event not published: %v", order.ID, err))
	}
}

func amountMismatch(order *models.Order, ev *provider.WebhookEvent) string {
	if ev.HasAmount && ev.Amount != order.TotalAmount {
		return fmt.Sprintf("amount %d, expected %d", ev.Amount, order.TotalAmount)
	}
	if ev.Currency != "" && !strings.EqualFold(ev.Currency, order.Currency) {
		return fmt.Sprintf("currency %s, expected %s", ev.Currency, order.Currency)
	}
	return ""
}

func (s *Service) routeTransfer(ctx context.Context, ev *provider.WebhookEvent) error {
	for _, h := range s.transfers {
		handled, err := h.HandleTransferStatus(ctx, ev)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
	s.log.LogWebhook(string(ev.Provider), ev.Type, fmt.Sprintf("no payout for transfer reference %s", ev.Reference))
	return nil
}
