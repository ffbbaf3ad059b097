package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(newMaskingHandler(slog.NewJSONHandler(buf, nil)))
}

func TestLogOutputMasksPIIInMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	log.Info("signup from jane.doe@example.com",
		"contact", "reach me at 415-555-2671",
		"note", "nothing sensitive")

	out := buf.String()
	assert.NotContains(t, out, "jane.doe@example.com")
	assert.NotContains(t, out, "415-555-2671")
	assert.Contains(t, out, "[EMAIL:")
	assert.Contains(t, out, "[PHONE:")
	assert.Contains(t, out, "nothing sensitive")
}

func TestLogOutputMasksErrorValues(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	log.Error("provider call failed",
		"error", errors.New("rejected card 4111-1111-1111-1111"))

	out := buf.String()
	assert.NotContains(t, out, "4111-1111-1111-1111")
	assert.Contains(t, out, "[CARD:")
}

func TestLogOutputMasksPreboundAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf).With("requester", "bob@example.com")

	log.Info("workflow saved")

	out := buf.String()
	assert.NotContains(t, out, "bob@example.com")
	assert.Contains(t, out, "[EMAIL:")
}

func TestLogOutputLeavesNonSensitiveValues(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	log.Info("segment committed", "segment_id", 3, "execution_arn", "execution:alice:abc")

	out := buf.String()
	assert.Contains(t, out, "segment committed")
	assert.Contains(t, out, "execution:alice:abc")
}
