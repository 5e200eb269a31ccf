package utils

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/apperr"
)

func TestPayoutReference(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	assert.Equal(t, "po_org1_evt9_1700000000123", PayoutReference("org1", "evt9", at))
	assert.Equal(t, "po_org1_all_1700000000123", PayoutReference("org1", "", at))
	assert.Equal(t, "fp_org1_evt9_1700000000123", FastPayoutReference("org1", "evt9", at))
	assert.Equal(t, "bp_org1_1700000000123", BatchPayoutReference("org1", at))
	assert.NotEqual(t, PayoutReference("org1", "", at), BatchPayoutReference("org1", at))
}

func TestNewID(t *testing.T) {
	id := NewID("bat")
	assert.True(t, strings.HasPrefix(id, "bat_"))
	assert.Len(t, id, len("bat_")+32)
	assert.NotEqual(t, id, NewID("bat"))
}

func TestErrorForHidesInternalsOutsideDevelopment(t *testing.T) {
	err := apperr.New(apperr.InvalidAccount, "paystack rejected account 0123456789")

	status, body := ErrorFor(err, false)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	require.NotNil(t, body.Error)
	assert.Equal(t, "INVALID_ACCOUNT", body.Error.Code)
	assert.Equal(t, "Payout account details are invalid", body.Error.Message)
	assert.False(t, body.Success)

	_, body = ErrorFor(err, true)
	assert.Contains(t, body.Error.Message, "0123456789")

	status, body = ErrorFor(errors.New("boom"), false)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDate("2026-03-01T10:00:00+01:00")
	require.NoError(t, err)

	_, err = ParseDate("yesterday")
	assert.Error(t, err)
}
