package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"ms-payouts/internal/kafka"
	"ms-payouts/internal/logger"
)

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	// Host overrides the API host. Empty means api.sendgrid.com.
	Host    string
	Sandbox bool
}

type SendGrid struct {
	cfg SendGridConfig
}

func NewSendGrid(cfg SendGridConfig) *SendGrid {
	return &SendGrid{cfg: cfg}
}

func (s *SendGrid) Send(ctx context.Context, msg Message) error {
	subject, text, html, err := Render(msg)
	if err != nil {
		return err
	}
	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromEmail)
	to := mail.NewEmail(msg.To.Name, msg.To.Email)
	email := mail.NewSingleEmail(from, subject, to, text, html)
	if s.cfg.Sandbox {
		ms := mail.NewMailSettings()
		ms.SetSandboxMode(mail.NewSetting(true))
		email.MailSettings = ms
	}

	req := sendgrid.GetRequest(s.cfg.APIKey, "/v3/mail/send", s.cfg.Host)
	req.Method = http.MethodPost
	req.Body = mail.GetRequestBody(email)
	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// KafkaSender hands messages to the notification service over Kafka.
type KafkaSender struct {
	pub   kafka.Publisher
	topic string
}

func NewKafkaSender(pub kafka.Publisher, topic string) *KafkaSender {
	return &KafkaSender{pub: pub, topic: topic}
}

func (k *KafkaSender) Send(ctx context.Context, msg Message) error {
	return k.pub.Publish(ctx, k.topic, msg.To.Email, msg)
}

// LogSender renders and logs messages. Used in development.
type LogSender struct {
	log *logger.Logger
}

func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log}
}

func (l *LogSender) Send(_ context.Context, msg Message) error {
	subject, _, _, err := Render(msg)
	if err != nil {
		return err
	}
	l.log.Info("NOTIFY", fmt.Sprintf("[%s] to=%s subject=%q", msg.Template, msg.To.Email, subject))
	return nil
}
