// Package notify renders and delivers the emails the payout flow sends to
// buyers, organizers and the finance team.
package notify

import (
	"context"
	"fmt"

	"ms-payouts/internal/logger"
)

type Template string

const (
	OrderConfirmation    Template = "order_confirmation"
	PayoutInitiated      Template = "payout_initiated"
	PayoutCompleted      Template = "payout_completed"
	PayoutFailed         Template = "payout_failed"
	PayoutEscalation     Template = "payout_escalation"
	ManualPayoutRequired Template = "manual_payout_required"
	FastPayoutApproved   Template = "fast_payout_approved"
)

type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Message struct {
	Template Template       `json:"template"`
	To       Recipient      `json:"to"`
	Data     map[string]any `json:"data"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier sends messages best effort: a delivery failure is logged and
// never returned, so it cannot undo the ledger change that caused it.
type Notifier struct {
	sender  Sender
	finance Recipient
	log     *logger.Logger
}

func NewNotifier(sender Sender, finance Recipient, log *logger.Logger) *Notifier {
	return &Notifier{sender: sender, finance: finance, log: log}
}

func (n *Notifier) Notify(ctx context.Context, tmpl Template, to Recipient, data map[string]any) {
	if n == nil || n.sender == nil {
		return
	}
	if to.Email == "" {
		n.log.Warn("NOTIFY", fmt.Sprintf("%s skipped: recipient has no email", tmpl))
		return
	}
	if err := n.sender.Send(ctx, Message{Template: tmpl, To: to, Data: data}); err != nil {
		n.log.Error("NOTIFY", fmt.Sprintf("%s to %s failed: %v", tmpl, to.Email, err))
		return
	}
	n.log.Debug("NOTIFY", fmt.Sprintf("%s sent to %s", tmpl, to.Email))
}

// NotifyFinance sends tmpl to the finance team mailbox.
func (n *Notifier) NotifyFinance(ctx context.Context, tmpl Template, data map[string]any) {
	if n == nil {
		return
	}
	n.Notify(ctx, tmpl, n.finance, data)
}
