package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/betbot/gorecon/internal/domain"
)

func TestPrintAuditTable(t *testing.T) {
	var buf bytes.Buffer
	entries := []domain.AuditEntry{
		{ID: "1", Timestamp: time.Now(), Action: domain.AuditClosed, Ticket: 123456, Payload: map[string]any{"symbol": "EURUSD"}},
		{ID: "2", Timestamp: time.Now(), Action: domain.AuditSynced},
	}
	assert.NoError(t, printAudit(&buf, entries, false))

	out := buf.String()
	assert.Contains(t, out, "CLOSED")
	assert.Contains(t, out, "123456")
	assert.Contains(t, out, `{"symbol":"EURUSD"}`)
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

func TestPrintAuditEmptyAndJSON(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, printAudit(&buf, nil, false))
	assert.Equal(t, "no audit entries\n", buf.String())

	buf.Reset()
	assert.NoError(t, printAudit(&buf, []domain.AuditEntry{{ID: "x", Action: domain.AuditHalted}}, true))
	assert.Contains(t, buf.String(), `"action": "HALTED"`)
}

func TestUpper(t *testing.T) {
	assert.Equal(t, "CLOSED", upper("  closed "))
}
