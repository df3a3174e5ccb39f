// Package reconcile 以权威端为唯一真相来源，对本地持仓缓存做全量对账。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gorecon/internal/audit"
	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/infrastructure/websocket"
	"github.com/betbot/gorecon/internal/protocol"
)

var log = logrus.WithField("component", "reconcile")

// ErrUnconfirmedEmptySnapshot 权威端突然报告零持仓而本地仍有持仓，
// 在连续确认次数达到之前不信任该快照。
var ErrUnconfirmedEmptySnapshot = errors.New("empty snapshot not yet confirmed")

const (
	DefaultDriftEpsilon               = 1e-9
	DefaultEmptySnapshotConfirmations = 2
)

// 漂移字段名
const (
	FieldVolume       = "volume"
	FieldOpenPrice    = "price_open"
	FieldCurrentPrice = "price_current"
	FieldSymbol       = "symbol"
	FieldSide         = "side"
)

// Config 对账引擎配置
type Config struct {
	OwnershipTag domain.OwnershipTag
	// DriftEpsilon 数值字段的比较容差
	DriftEpsilon float64
	// EmptySnapshotConfirmations 空快照需要连续出现的次数，1 表示第一次就信任
	EmptySnapshotConfirmations int
	// CallTimeout 单次 SYNC_ALL 的超时（ctx 截止时间更早时以 ctx 为准）
	CallTimeout time.Duration
}

// ResultObserver 每次对账结束后回调（指标等只读用途）
type ResultObserver func(*domain.SyncResult)

// Engine 对账引擎，本地缓存的唯一写者
type Engine struct {
	cfg    Config
	caller websocket.Caller
	cache  *PositionCache
	trail  *audit.Trail
	now    func() time.Time

	mu          sync.Mutex
	emptyStreak int

	lastMu    sync.RWMutex
	last      *domain.SyncResult
	observers []ResultObserver
}

// NewEngine 创建对账引擎
func NewEngine(cfg Config, caller websocket.Caller, cache *PositionCache, trail *audit.Trail) *Engine {
	if cfg.DriftEpsilon <= 0 {
		cfg.DriftEpsilon = DefaultDriftEpsilon
	}
	if cfg.EmptySnapshotConfirmations <= 0 {
		cfg.EmptySnapshotConfirmations = DefaultEmptySnapshotConfirmations
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = websocket.DefaultCallTimeout
	}
	if cache == nil {
		cache = NewPositionCache()
	}
	if trail == nil {
		trail = audit.NewTrail(audit.DefaultCapacity)
	}
	return &Engine{
		cfg:    cfg,
		caller: caller,
		cache:  cache,
		trail:  trail,
		now:    time.Now,
	}
}

// Cache 只读访问缓存
func (e *Engine) Cache() *PositionCache { return e.cache }

// Trail 审计日志
func (e *Engine) Trail() *audit.Trail { return e.trail }

// OnResult 注册结果观察者（需在第一次 Reconcile 之前注册）
func (e *Engine) OnResult(fn ResultObserver) {
	if fn == nil {
		return
	}
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	e.observers = append(e.observers, fn)
}

// LastResult 最近一次对账结果（从未运行为 nil）
func (e *Engine) LastResult() *domain.SyncResult {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.last
}

// Reconcile 执行一次全量对账。
//
// 请求、解码、比对、提交、审计在引擎锁内一次完成。
// 任何失败都返回 DEGRADED，缓存保持上一次的已知良好状态。
func (e *Engine) Reconcile(ctx context.Context) *domain.SyncResult {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &domain.SyncResult{StartedAt: e.now()}
	defer func() {
		res.Duration = e.now().Sub(res.StartedAt)
		e.publish(res)
	}()

	snap, err := e.fetch(ctx, res.StartedAt)
	if err != nil {
		e.degrade(res, err)
		return res
	}
	res.Message = snap.Message

	if len(snap.Positions) == 0 && e.cache.Len() > 0 {
		e.emptyStreak++
		if e.emptyStreak < e.cfg.EmptySnapshotConfirmations {
			e.degrade(res, fmt.Errorf("%w (%d/%d, cached=%d)",
				ErrUnconfirmedEmptySnapshot, e.emptyStreak, e.cfg.EmptySnapshotConfirmations, e.cache.Len()))
			return res
		}
		log.Warnf("⚠️ [对账] 权威端连续 %d 次报告零持仓，按权威端清空本地 %d 个持仓", e.emptyStreak, e.cache.Len())
	}
	e.emptyStreak = 0

	cs, entries := e.diff(snap, res)

	res.Status = domain.SyncStatusOK
	entries = append(entries, e.trail.Entry(domain.AuditSynced, 0, map[string]any{
		"recovered": res.Recovered,
		"closed":    res.Closed,
		"corrected": res.Corrected,
		"positions": len(snap.Positions),
		"balance":   snap.Account.Balance,
		"equity":    snap.Account.Equity,
		"message":   snap.Message,
	}))

	e.cache.apply(cs, func() {
		e.trail.Append(entries...)
	})

	if res.Changes() > 0 {
		log.Infof("🔄 [对账] 完成: recovered=%d closed=%d corrected=%d positions=%d balance=%.2f",
			res.Recovered, res.Closed, res.Corrected, len(snap.Positions), snap.Account.Balance)
	} else {
		log.Debugf("🔄 [对账] 无变化: positions=%d balance=%.2f", len(snap.Positions), snap.Account.Balance)
	}
	return res
}

func (e *Engine) fetch(ctx context.Context, now time.Time) (*domain.SyncSnapshot, error) {
	if e.caller == nil {
		return nil, fmt.Errorf("no transport configured")
	}
	req, err := protocol.EncodeSyncRequest(e.cfg.OwnershipTag, now)
	if err != nil {
		return nil, fmt.Errorf("encode sync request: %w", err)
	}
	reply, err := e.caller.Call(ctx, req, e.cfg.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("sync request: %w", err)
	}
	snap, err := protocol.DecodeSyncResponse(reply, e.now())
	if err != nil {
		var fe *protocol.FormatError
		if errors.As(err, &fe) {
			log.WithField("payload", fe.Payload).Errorf("❌ [对账] 应答格式错误: %s", fe.Reason)
		}
		return nil, fmt.Errorf("sync response: %w", err)
	}
	return snap, nil
}

func (e *Engine) degrade(res *domain.SyncResult, err error) {
	res.Status = domain.SyncStatusDegraded
	res.Err = err
	log.Warnf("⚠️ [对账] 降级（保留上次已知良好状态）: %v", err)
}

// diff 以 ticket 为键比较缓存与快照，生成提交集和审计记录（不修改缓存）
func (e *Engine) diff(snap *domain.SyncSnapshot, res *domain.SyncResult) (changeset, []domain.AuditEntry) {
	cs := changeset{
		account:  snap.Account,
		syncedAt: snap.ReceivedAt,
	}
	if cs.syncedAt.IsZero() {
		cs.syncedAt = e.now()
	}
	var entries []domain.AuditEntry

	remote := make(map[int64]struct{}, len(snap.Positions))
	for _, rp := range snap.Positions {
		remote[rp.Ticket] = struct{}{}

		lp, ok := e.cache.Get(rp.Ticket)
		if !ok {
			res.Recovered++
			cs.upserts = append(cs.upserts, rp.Clone())
			entries = append(entries, e.trail.Entry(domain.AuditRecovered, rp.Ticket, map[string]any{
				"symbol":     rp.Symbol,
				"volume":     rp.Volume,
				"side":       string(rp.Side),
				"price_open": rp.OpenPrice,
			}))
			log.Warnf("🩹 [对账] 恢复持仓: ticket=%d %s %s volume=%v", rp.Ticket, rp.Symbol, rp.Side, rp.Volume)
			continue
		}

		drifts := e.compare(lp, rp)
		for _, d := range drifts {
			entries = append(entries, e.trail.Entry(domain.AuditCorrected, d.Ticket, map[string]any{
				"field":      d.Field,
				"local":      d.LocalValue,
				"remote":     d.RemoteValue,
				"resolution": string(d.Resolution),
			}))
			log.Infof("✏️ [对账] 修正漂移: ticket=%d %s %v -> %v", d.Ticket, d.Field, d.LocalValue, d.RemoteValue)
		}
		res.Corrected += len(drifts)
		res.Drifts = append(res.Drifts, drifts...)

		// 浮动盈亏、开仓时间等派生值直接刷新，不算漂移
		if len(drifts) > 0 || lp.Profit != rp.Profit || !lp.OpenTime.Equal(rp.OpenTime) {
			cs.upserts = append(cs.upserts, rp.Clone())
		}
	}

	// Positions() 已按 ticket 升序
	var orphaned []*domain.Position
	for _, lp := range e.cache.Positions() {
		if _, ok := remote[lp.Ticket]; !ok {
			orphaned = append(orphaned, lp)
		}
	}
	for _, lp := range orphaned {
		res.Closed++
		cs.removes = append(cs.removes, lp.Ticket)
		entries = append(entries, e.trail.Entry(domain.AuditClosed, lp.Ticket, map[string]any{
			"symbol": lp.Symbol,
			"volume": lp.Volume,
			"side":   string(lp.Side),
		}))
		log.Warnf("🧹 [对账] 移除孤儿持仓: ticket=%d %s %s volume=%v", lp.Ticket, lp.Symbol, lp.Side, lp.Volume)
	}
	return cs, entries
}

// compare 返回同一 ticket 上的字段级漂移，权威端永远获胜
func (e *Engine) compare(local, remote *domain.Position) []domain.DriftRecord {
	var out []domain.DriftRecord
	add := func(field string, lv, rv any) {
		out = append(out, domain.DriftRecord{
			Ticket:      remote.Ticket,
			Field:       field,
			LocalValue:  lv,
			RemoteValue: rv,
			Resolution:  domain.ResolutionRemoteWins,
		})
	}
	if local.Symbol != remote.Symbol {
		add(FieldSymbol, local.Symbol, remote.Symbol)
	}
	if local.Side != remote.Side {
		add(FieldSide, string(local.Side), string(remote.Side))
	}
	if e.differs(local.Volume, remote.Volume) {
		add(FieldVolume, local.Volume, remote.Volume)
	}
	if e.differs(local.OpenPrice, remote.OpenPrice) {
		add(FieldOpenPrice, local.OpenPrice, remote.OpenPrice)
	}
	if e.differs(local.CurrentPrice, remote.CurrentPrice) {
		add(FieldCurrentPrice, local.CurrentPrice, remote.CurrentPrice)
	}
	return out
}

func (e *Engine) differs(a, b float64) bool {
	return math.Abs(a-b) > e.cfg.DriftEpsilon
}

func (e *Engine) publish(res *domain.SyncResult) {
	e.lastMu.Lock()
	e.last = res
	observers := e.observers
	e.lastMu.Unlock()
	for _, fn := range observers {
		fn(res)
	}
}
