package domain

import "time"

// AuditAction 审计动作类型
type AuditAction string

const (
	AuditRecovered AuditAction = "RECOVERED"
	AuditClosed    AuditAction = "CLOSED"
	AuditCorrected AuditAction = "CORRECTED"
	AuditSynced    AuditAction = "SYNCED"
	AuditHalted    AuditAction = "HALTED"
)

// AuditEntry 审计记录，追加后不可变
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    AuditAction    `json:"action"`
	Ticket    int64          `json:"ticket,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
