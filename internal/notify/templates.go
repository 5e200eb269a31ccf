package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"
)

type content struct {
	subject string
	text    string
	html    string
}

var contents = map[Template]content{
	OrderConfirmation: {
		subject: "Your tickets for {{.event_title}}",
		text:    "Hi {{.buyer_name}},\n\nPayment {{.reference}} was received. {{.tickets}} ticket(s) have been issued for order {{.order_id}}.\n",
		html:    `<p>Hi {{.buyer_name}},</p><p>Payment <b>{{.reference}}</b> was received. {{.tickets}} ticket(s) have been issued for order {{.order_id}}.</p>`,
	},
	PayoutInitiated: {
		subject: "Payout {{.reference}} is on its way",
		text:    "Hi {{.organizer_name}},\n\nA payout of {{.amount}} {{.currency}} has been sent via {{.provider}}. Reference: {{.reference}}.\n",
		html:    `<p>Hi {{.organizer_name}},</p><p>A payout of <b>{{.amount}} {{.currency}}</b> has been sent via {{.provider}}. Reference: {{.reference}}.</p>`,
	},
	PayoutCompleted: {
		subject: "Payout {{.reference}} completed",
		text:    "Hi {{.organizer_name}},\n\nYour payout of {{.amount}} {{.currency}} has been completed.\n",
		html:    `<p>Hi {{.organizer_name}},</p><p>Your payout of <b>{{.amount}} {{.currency}}</b> has been completed.</p>`,
	},
	PayoutFailed: {
		subject: "Action required: payout {{.reference}} failed",
		text:    "Hi {{.organizer_name}},\n\nWe could not complete your payout of {{.amount}} {{.currency}}. Reason: {{.reason}}\n\nPlease check your payout account details. Our finance team has been notified.\n",
		html:    `<p>Hi {{.organizer_name}},</p><p>We could not complete your payout of <b>{{.amount}} {{.currency}}</b>. Reason: {{.reason}}</p><p>Please check your payout account details. Our finance team has been notified.</p>`,
	},
	PayoutEscalation: {
		subject: "Payout {{.reference}} abandoned for organizer {{.organizer_id}}",
		text:    "Payout {{.payout_id}} ({{.amount}} {{.currency}}, provider {{.provider}}) was abandoned after {{.retry_count}} attempt(s).\nLast failure: {{.reason}}\n",
		html:    `<p>Payout {{.payout_id}} (<b>{{.amount}} {{.currency}}</b>, provider {{.provider}}) was abandoned after {{.retry_count}} attempt(s).</p><p>Last failure: {{.reason}}</p>`,
	},
	ManualPayoutRequired: {
		subject: "Manual payout required: {{.reference}}",
		text:    "Send {{.amount}} {{.currency}} to organizer {{.organizer_id}} and confirm payout {{.reference}} once done.\n",
		html:    `<p>Send <b>{{.amount}} {{.currency}}</b> to organizer {{.organizer_id}} and confirm payout {{.reference}} once done.</p>`,
	},
	FastPayoutApproved: {
		subject: "Fast payout approved",
		text:    "Hi {{.organizer_name}},\n\nYour fast payout of {{.net_amount}} {{.currency}} (fee {{.fee_amount}}) was approved.\n",
		html:    `<p>Hi {{.organizer_name}},</p><p>Your fast payout of <b>{{.net_amount}} {{.currency}}</b> (fee {{.fee_amount}}) was approved.</p>`,
	},
}

// Render fills the subject, plain text and HTML bodies for msg.
func Render(msg Message) (subject, text, html string, err error) {
	c, ok := contents[msg.Template]
	if !ok {
		return "", "", "", fmt.Errorf("unknown template %q", msg.Template)
	}
	if subject, err = execText(c.subject, msg.Data); err != nil {
		return "", "", "", err
	}
	if text, err = execText(c.text, msg.Data); err != nil {
		return "", "", "", err
	}
	t, err := htmltemplate.New(string(msg.Template)).Option("missingkey=zero").Parse(c.html)
	if err != nil {
		return "", "", "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, msg.Data); err != nil {
		return "", "", "", err
	}
	return subject, text, buf.String(), nil
}

func execText(src string, data map[string]any) (string, error) {
	t, err := template.New("").Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
