package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)

	l.Info("payout", "initiated")
	l.LogSecurity("signature", "rejected paystack webhook")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first LogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "INFO", first.Level)
	assert.Equal(t, "PAYOUT", first.Category)
	assert.Equal(t, "initiated", first.Message)
	assert.Equal(t, "logger_test.go", first.File)

	var second LogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "WARN", second.Level)
	assert.Equal(t, "SECURITY", second.Category)
	assert.Contains(t, second.Message, "[signature]")
}

func TestNewNop_IsSilent(t *testing.T) {
	l := NewNop()
	l.Error("X", "nothing should happen")
	l.Close()
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, parseLevel("debug"))
	assert.Equal(t, WARN, parseLevel("WARN"))
	assert.Equal(t, ERROR, parseLevel("error"))
	assert.Equal(t, INFO, parseLevel(""))
}
