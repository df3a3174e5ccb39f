// Package audit 维护对账过程中每一次状态变更的审计记录。
//
// Trail 是内存中的有界 FIFO，超出容量时淘汰最旧的记录。
// 可选挂载一个持久化 Sink（例如 SQLite），写入在后台进行，失败只记日志，不影响对账。
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/pkg/syncgroup"
)

var log = logrus.WithField("component", "audit")

// DefaultCapacity 默认容量
const DefaultCapacity = 1000

// Sink 审计记录的持久化目标
type Sink interface {
	Write(ctx context.Context, entries []domain.AuditEntry) error
}

// Trail 有界、只追加的审计日志
type Trail struct {
	mu       sync.RWMutex
	buf      []domain.AuditEntry
	head     int // 最旧记录的位置
	size     int
	total    uint64
	capacity int
	now      func() time.Time

	sinkC   chan []domain.AuditEntry
	sg      *syncgroup.SyncGroup
	dropped uint64
}

// NewTrail 创建审计日志，capacity <= 0 时使用 DefaultCapacity
func NewTrail(capacity int) *Trail {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Trail{
		buf:      make([]domain.AuditEntry, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// AttachSink 挂载持久化目标（只能调用一次，需在第一次 Append 之前）
func (t *Trail) AttachSink(sink Sink, buffer int) {
	if sink == nil {
		return
	}
	if buffer <= 0 {
		buffer = 256
	}
	t.sinkC = make(chan []domain.AuditEntry, buffer)
	t.sg = syncgroup.NewSyncGroup()
	t.sg.Go(func() {
		for batch := range t.sinkC {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Write(ctx, batch); err != nil {
				log.Warnf("⚠️ [审计] 持久化失败（%d 条）: %v", len(batch), err)
			}
			cancel()
		}
	})
}

// Close 刷新并关闭持久化目标
func (t *Trail) Close() {
	t.mu.Lock()
	c := t.sinkC
	t.sinkC = nil
	t.mu.Unlock()
	if c != nil {
		close(c)
		t.sg.Wait()
	}
}

// Entry 构造一条审计记录（填充 ID 与时间戳）
func (t *Trail) Entry(action domain.AuditAction, ticket int64, payload map[string]any) domain.AuditEntry {
	return domain.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: t.now().UTC(),
		Action:    action,
		Ticket:    ticket,
		Payload:   payload,
	}
}

// Append 追加记录，超出容量时淘汰最旧的
func (t *Trail) Append(entries ...domain.AuditEntry) {
	if len(entries) == 0 {
		return
	}
	t.mu.Lock()
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = t.now().UTC()
		}
		t.pushLocked(entries[i])
	}
	c := t.sinkC
	if c != nil {
		batch := append([]domain.AuditEntry(nil), entries...)
		select {
		case c <- batch:
		default:
			t.dropped += uint64(len(batch))
			log.Warnf("⚠️ [审计] 持久化队列已满，丢弃 %d 条（内存记录不受影响）", len(batch))
		}
	}
	t.mu.Unlock()
}

func (t *Trail) pushLocked(e domain.AuditEntry) {
	t.total++
	if t.size < t.capacity {
		t.buf[(t.head+t.size)%t.capacity] = e
		t.size++
		return
	}
	t.buf[t.head] = e
	t.head = (t.head + 1) % t.capacity
}

// Entries 从旧到新返回全部记录的副本
func (t *Trail) Entries() []domain.AuditEntry {
	return t.Recent(0)
}

// Recent 从旧到新返回最近 limit 条（limit <= 0 表示全部）
func (t *Trail) Recent(limit int) []domain.AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.AuditEntry, 0, n)
	for i := t.size - n; i < t.size; i++ {
		out = append(out, t.buf[(t.head+i)%t.capacity])
	}
	return out
}

// Len 当前保留的记录数（不超过容量）
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Capacity 容量
func (t *Trail) Capacity() int {
	return t.capacity
}

// Total 累计追加的记录数（含已淘汰的）
func (t *Trail) Total() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// Dropped 因持久化队列满而未写入 Sink 的记录数
func (t *Trail) Dropped() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}
