package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/betbot/gorecon/internal/domain"
)

// PositionCache 本地持仓缓存。
//
// 只有 Engine 能修改它（修改方法不导出），其余组件只读，读到的都是副本。
// 不会从磁盘恢复：重启后一律以权威端为准重新对账。
type PositionCache struct {
	mu         sync.RWMutex
	positions  map[int64]*domain.Position
	account    domain.AccountSnapshot
	lastSyncAt time.Time
	version    uint64
}

// CacheView 某一时刻缓存的一致视图
type CacheView struct {
	Account    domain.AccountSnapshot `json:"account"`
	Positions  []*domain.Position     `json:"positions"`
	LastSyncAt time.Time              `json:"last_sync_at"`
	Version    uint64                 `json:"version"`
}

// NewPositionCache 创建空缓存
func NewPositionCache() *PositionCache {
	return &PositionCache{positions: make(map[int64]*domain.Position)}
}

// Get 按 ticket 读取持仓副本
func (c *PositionCache) Get(ticket int64) (*domain.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[ticket]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Positions 按 ticket 升序返回全部持仓副本
func (c *PositionCache) Positions() []*domain.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positionsLocked()
}

func (c *PositionCache) positionsLocked() []*domain.Position {
	out := make([]*domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Len 持仓数量
func (c *PositionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.positions)
}

// Account 最近一次同步的账户快照
func (c *PositionCache) Account() domain.AccountSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// LastSyncAt 最近一次成功同步的时间（从未同步为零值）
func (c *PositionCache) LastSyncAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSyncAt
}

// Version 每次成功提交加一
func (c *PositionCache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// View 在一把读锁下取出完整视图
func (c *PositionCache) View() CacheView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheView{
		Account:    c.account,
		Positions:  c.positionsLocked(),
		LastSyncAt: c.lastSyncAt,
		Version:    c.version,
	}
}

// changeset 一次对账要提交的全部修改
type changeset struct {
	upserts  []*domain.Position
	removes  []int64
	account  domain.AccountSnapshot
	syncedAt time.Time
}

// apply 在一把写锁内提交修改；inLock 在释放锁之前执行（用于追加审计），
// 外部读者看不到“改了一半”的状态。
func (c *PositionCache) apply(cs changeset, inLock func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ticket := range cs.removes {
		delete(c.positions, ticket)
	}
	for _, p := range cs.upserts {
		c.positions[p.Ticket] = p.Clone()
	}
	c.account = cs.account
	c.lastSyncAt = cs.syncedAt
	c.version++

	if inLock != nil {
		inLock()
	}
}
