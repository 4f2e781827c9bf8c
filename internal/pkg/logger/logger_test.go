package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"a@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"", "***@***"},
		{"two@ats@example.com", "***@***"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, RedactEmail(tt.input))
		})
	}
}

func TestRedactAddressList(t *testing.T) {
	got := RedactAddressList("john.doe@example.com, victim@corp.io")
	assert.Equal(t, "jo***@example.com, vi***@corp.io", got)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"info", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"", INFO},
		{"bogus", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestLoggerRedactsFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf)

	l.Info("scan complete", "sender", "john.doe@example.com", "score", "42")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "scan complete", entry["msg"])
	assert.Equal(t, "jo***@example.com", entry["sender"])
	assert.Equal(t, "42", entry["score"])
}

func TestLoggerRedactsEmbeddedEmails(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf)

	l.Info("provider call", "detail", "moved john.doe@example.com to quarantine")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "moved jo***@example.com to quarantine", entry["detail"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf)

	l.Debug("dropped")
	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Warn("kept")
	assert.NotZero(t, buf.Len())
}
