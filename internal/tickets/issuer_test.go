package tickets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/models"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestIssueOneTicketPerUnit(t *testing.T) {
	iss := NewIssuer("qr-secret")
	order := &models.Order{ID: "ord_1", EventID: "evt_1", Quantity: 3}

	tickets, err := iss.Issue(order)
	require.NoError(t, err)
	require.Len(t, tickets, 3)

	codes := map[string]bool{}
	for i, tk := range tickets {
		assert.Equal(t, i, tk.UnitIndex)
		assert.Equal(t, "ord_1", tk.OrderID)
		assert.Equal(t, "evt_1", tk.EventID)
		assert.True(t, bytes.HasPrefix(tk.QRCode, pngMagic), "qr code is a png")
		assert.Len(t, tk.TicketCode, len("TKT-")+12)
		codes[tk.TicketCode] = true
	}
	assert.Len(t, codes, 3, "ticket codes are unique")
}

func TestIssueRejectsEmptyOrder(t *testing.T) {
	_, err := NewIssuer("s").Issue(&models.Order{ID: "ord_0"})
	assert.ErrorIs(t, err, ErrNoUnits)
	_, err = NewIssuer("s").Issue(&models.Order{ID: "ord_neg", Quantity: -2})
	assert.ErrorIs(t, err, ErrNoUnits)
}

func TestQRTokenRoundTrip(t *testing.T) {
	q := NewQRGenerator("gate-secret")
	want := Payload{TicketCode: "TKT-ABC", OrderID: "o", EventID: "e", Unit: 2}

	token, err := q.Encrypt(want)
	require.NoError(t, err)
	got, err := q.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = NewQRGenerator("other-secret").Decrypt(token)
	assert.Error(t, err, "wrong key yields garbage json")
}
