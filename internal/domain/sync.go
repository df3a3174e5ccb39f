package domain

import (
	"time"
)

// SnapshotStatus 权威端返回的同步状态
type SnapshotStatus string

const (
	SnapshotStatusOK    SnapshotStatus = "OK"
	SnapshotStatusError SnapshotStatus = "ERROR"
)

// SyncSnapshot 权威端的一次完整快照
type SyncSnapshot struct {
	Status     SnapshotStatus
	Account    AccountSnapshot
	Positions  []*Position // 保持权威端返回的顺序
	Message    string
	ReceivedAt time.Time
}

// SyncStatus 一次对账的结果状态
type SyncStatus string

const (
	SyncStatusOK       SyncStatus = "OK"
	SyncStatusDegraded SyncStatus = "DEGRADED"
)

// Resolution 漂移的处理方式
type Resolution string

// ResolutionRemoteWins 以权威端为准覆盖本地值（唯一的处理方式）
const ResolutionRemoteWins Resolution = "REMOTE_WINS"

// DriftRecord 字段级漂移记录
type DriftRecord struct {
	Ticket      int64      `json:"ticket"`
	Field       string     `json:"field"`
	LocalValue  any        `json:"local_value"`
	RemoteValue any        `json:"remote_value"`
	Resolution  Resolution `json:"resolution"`
}

// SyncResult 对账结果
type SyncResult struct {
	Status    SyncStatus    `json:"status"`
	Recovered int           `json:"recovered"`
	Closed    int           `json:"closed"`
	Corrected int           `json:"corrected"`
	Drifts    []DriftRecord `json:"drifts,omitempty"`
	Message   string        `json:"message,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// Err 仅在 DEGRADED 时非空
	Err error `json:"-"`
}

// Degraded 是否为降级结果
func (r *SyncResult) Degraded() bool {
	return r == nil || r.Status == SyncStatusDegraded
}

// Changes 本次对账产生的变更条数
func (r *SyncResult) Changes() int {
	if r == nil {
		return 0
	}
	return r.Recovered + r.Closed + r.Corrected
}

// ErrorString 便于日志/JSON 输出
func (r *SyncResult) ErrorString() string {
	if r == nil || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
