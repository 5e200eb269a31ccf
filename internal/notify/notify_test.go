package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/logger"
)

type recordingSender struct {
	msgs []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type recordingPublisher struct {
	topic, key string
	value      any
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, v any) error {
	p.topic, p.key, p.value = topic, key, v
	return nil
}

func TestRenderEveryTemplate(t *testing.T) {
	data := map[string]any{"reference": "po_1", "amount": "850.00", "currency": "NGN", "reason": "Account closed", "organizer_name": "Ada"}
	for tmpl := range contents {
		subject, text, html, err := Render(Message{Template: tmpl, Data: data})
		require.NoError(t, err, tmpl)
		assert.NotEmpty(t, subject, tmpl)
		assert.NotEmpty(t, text, tmpl)
		assert.NotEmpty(t, html, tmpl)
	}

	_, text, _, err := Render(Message{Template: PayoutFailed, Data: data})
	require.NoError(t, err)
	assert.Contains(t, text, "Reason: Account closed")
}

func TestRenderEscapesHTML(t *testing.T) {
	_, _, html, err := Render(Message{Template: PayoutCompleted, Data: map[string]any{"organizer_name": "<script>"}})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, _, _, err := Render(Message{Template: "nope"})
	assert.Error(t, err)
}

func TestNotifierSwallowsSendErrors(t *testing.T) {
	s := &recordingSender{err: errors.New("smtp down")}
	n := NewNotifier(s, Recipient{Name: "Finance", Email: "finance@example.com"}, logger.NewNop())

	n.Notify(context.Background(), PayoutFailed, Recipient{Email: "org@example.com"}, nil)
	n.NotifyFinance(context.Background(), PayoutEscalation, nil)
	n.Notify(context.Background(), PayoutFailed, Recipient{}, nil)

	require.Len(t, s.msgs, 2)
	assert.Equal(t, "finance@example.com", s.msgs[1].To.Email)
}

func TestNotifierAddressesMessages(t *testing.T) {
	s := new(MockSender)
	n := NewNotifier(s, Recipient{Name: "Finance", Email: "finance@example.com"}, logger.NewNop())
	data := map[string]any{"reference": "po_1"}

	s.On("Send", mock.Anything, mock.MatchedBy(func(m Message) bool {
		return m.Template == PayoutCompleted && m.To.Email == "org@example.com" && m.Data["reference"] == "po_1"
	})).Return(nil).Once()
	s.On("Send", mock.Anything, mock.MatchedBy(func(m Message) bool {
		return m.Template == ManualPayoutRequired && m.To.Email == "finance@example.com"
	})).Return(nil).Once()

	n.Notify(context.Background(), PayoutCompleted, Recipient{Name: "Ada", Email: "org@example.com"}, data)
	n.NotifyFinance(context.Background(), ManualPayoutRequired, data)

	s.AssertExpectations(t)
	s.AssertNumberOfCalls(t, "Send", 2)
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *Notifier
	n.Notify(context.Background(), PayoutCompleted, Recipient{Email: "a@b.c"}, nil)
	n.NotifyFinance(context.Background(), PayoutEscalation, nil)
}

func TestKafkaSenderPublishesMessage(t *testing.T) {
	p := &recordingPublisher{}
	err := NewKafkaSender(p, "payouts.notifications").Send(context.Background(), Message{Template: PayoutCompleted, To: Recipient{Email: "o@x.io"}})
	require.NoError(t, err)
	assert.Equal(t, "payouts.notifications", p.topic)
	assert.Equal(t, "o@x.io", p.key)
}

func TestSendGridPostsMail(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer SG.key", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{APIKey: "SG.key", FromEmail: "payouts@example.com", FromName: "Payouts", Host: srv.URL})
	err := sg.Send(context.Background(), Message{
		Template: PayoutInitiated,
		To:       Recipient{Name: "Ada", Email: "ada@example.com"},
		Data:     map[string]any{"reference": "po_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Payout po_1 is on its way", body["subject"])
}

func TestSendGridReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{APIKey: "bad", FromEmail: "p@example.com", Host: srv.URL})
	err := sg.Send(context.Background(), Message{Template: PayoutCompleted, To: Recipient{Email: "a@b.co"}})
	assert.ErrorContains(t, err, "401")
}
