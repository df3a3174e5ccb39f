package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/betbot/gorecon/internal/audit"
	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/execution"
	"github.com/betbot/gorecon/internal/infrastructure/websocket"
	"github.com/betbot/gorecon/internal/metrics"
	"github.com/betbot/gorecon/internal/protocol"
	"github.com/betbot/gorecon/internal/reconcile"
	"github.com/betbot/gorecon/internal/risk"
	"github.com/betbot/gorecon/pkg/cache"
	"github.com/betbot/gorecon/pkg/config"
	"github.com/betbot/gorecon/pkg/persistence"
	"github.com/betbot/gorecon/pkg/ratelimit"
	"github.com/betbot/gorecon/pkg/shutdown"
)

// ErrNotReady 启动同步尚未成功，不允许下单
var ErrNotReady = errors.New("startup sync not completed")

// SyncService 组装传输层、缓存、对账引擎、启动闸门、持续调度、下单客户端、行情流和取证快照。
type SyncService struct {
	cfg *config.Config

	rpc        *websocket.RPCClient
	ticks      *websocket.TickStream
	cache      *reconcile.PositionCache
	trail      *audit.Trail
	auditStore *audit.SQLiteSink
	engine     *reconcile.Engine
	breaker    *risk.CircuitBreaker
	gate       *StartupGate
	scheduler  *SyncScheduler
	orders     *execution.Client
	snapshots  persistence.Service

	shutdown *shutdown.Manager

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSyncService 按配置组装所有组件（不发起任何网络连接）
func NewSyncService(cfg *config.Config) (*SyncService, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &SyncService{cfg: cfg, shutdown: shutdown.NewManager()}

	s.rpc = websocket.NewRPCClient(websocket.RPCConfig{
		URL:              cfg.Authority.RPCURL(),
		HandshakeTimeout: cfg.Authority.HandshakeTimeout,
	})
	s.shutdown.OnShutdown("transport", func(ctx context.Context) error { return s.rpc.Close() })

	s.trail = audit.NewTrail(cfg.Audit.Capacity)
	if cfg.Audit.SQLitePath != "" {
		store, err := audit.OpenSQLite(cfg.Audit.SQLitePath)
		if err != nil {
			_ = s.rpc.Close()
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		s.auditStore = store
		s.trail.AttachSink(store, 256)
		s.shutdown.OnShutdown("audit-store", func(ctx context.Context) error { return store.Close() })
	}
	// 后注册先执行：先刷新审计队列，再关闭 sqlite
	s.shutdown.OnShutdown("audit-trail", func(ctx context.Context) error {
		s.trail.Close()
		return nil
	})

	if cfg.Snapshot.Dir != "" {
		svc, closer, err := persistence.Open(cfg.Snapshot.Backend, cfg.Snapshot.Dir)
		if err != nil {
			_ = s.shutdown.Shutdown(context.Background())
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		s.snapshots = svc
		s.shutdown.OnShutdown("snapshots", func(ctx context.Context) error { return closer.Close() })
	}

	s.cache = reconcile.NewPositionCache()
	s.engine = reconcile.NewEngine(reconcile.Config{
		OwnershipTag:               domain.OwnershipTag(cfg.Sync.OwnershipTag),
		DriftEpsilon:               cfg.Sync.DriftEpsilon,
		EmptySnapshotConfirmations: cfg.Sync.EmptySnapshotConfirmations,
		CallTimeout:                cfg.Startup.AttemptTimeout,
	}, s.rpc, s.cache, s.trail)
	s.engine.OnResult(metrics.ObserveSyncResult)
	s.engine.OnResult(s.afterSync)

	s.breaker = risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveErrors: int64(cfg.Orders.MaxConsecutiveErrors)})
	s.gate = NewStartupGate(GateConfig{
		RetryCount:     cfg.Startup.RetryCount,
		AttemptTimeout: cfg.Startup.AttemptTimeout,
		RetryDelay:     cfg.Startup.RetryDelay,
	}, s.engine, s.trail, s.breaker)
	s.scheduler = NewSyncScheduler(s.engine, cfg.Sync.Interval, cfg.Startup.AttemptTimeout)

	var limiter ratelimit.RateLimiter
	if cfg.Orders.RatePerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(cfg.Orders.Burst, float64(cfg.Orders.RatePerSecond))
	}
	s.orders = execution.NewClient(execution.ClientConfig{
		OwnershipTag: domain.OwnershipTag(cfg.Sync.OwnershipTag),
		VolumeStep:   cfg.Orders.VolumeStep,
		CallTimeout:  cfg.Orders.CallTimeout,
		InFlightTTL:  cfg.Orders.InFlightTTL,
	}, s.rpc, s.breaker, limiter)

	if url := cfg.Authority.TickURL(); url != "" {
		s.ticks = websocket.NewTickStream(websocket.TickStreamConfig{URL: url}, cache.NewQuoteCache(0))
		s.ticks.OnTick(func(protocol.Tick) { metrics.TicksReceived.Add(1) })
	}
	return s, nil
}

// afterSync 对账成功后更新持仓数指标并保存取证快照（失败只记录日志）
func (s *SyncService) afterSync(res *domain.SyncResult) {
	if res.Degraded() {
		return
	}
	metrics.CachedPositions.Set(int64(s.cache.Len()))
	if s.snapshots == nil {
		return
	}
	snap := ForensicSnapshot{
		SavedAt:      time.Now().UTC(),
		OwnershipTag: s.cfg.Sync.OwnershipTag,
		View:         s.cache.View(),
		Result:       res,
	}
	if err := SaveSnapshot(s.snapshots, snap); err != nil {
		log.Warnf("⚠️ [取证快照] 保存失败: %v", err)
	}
}

// Start 启动行情流并执行启动同步。
// 返回 *HaltError 时调用方必须让进程退出（行情流等已启动的组件由 Stop 清理）。
func (s *SyncService) Start(ctx context.Context) (*domain.SyncResult, error) {
	if s.ticks != nil {
		s.ticks.Start(context.Background())
		s.shutdown.OnShutdown("ticks", func(ctx context.Context) error {
			s.ticks.Stop()
			return nil
		})
	}

	res, err := s.gate.Run(ctx)
	if err != nil {
		return res, err
	}
	if res != nil {
		s.scheduler.MarkSynced(res.StartedAt)
	}
	return res, nil
}

// RunLoop 持续对账，阻塞直到 ctx 结束或 Stop 被调用。
// 行情信号驱动 MaybeSync，没有行情流时只靠兜底 ticker。
func (s *SyncService) RunLoop(ctx context.Context) error {
	if !s.gate.Ready() {
		return ErrNotReady
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	var signal <-chan struct{}
	if s.ticks != nil {
		signal = s.ticks.Signal()
	}
	s.scheduler.Run(ctx, signal)
	return nil
}

// Submit 下单。启动同步成功之前一律拒绝。
func (s *SyncService) Submit(ctx context.Context, order domain.Order) (*domain.ExecutionResult, error) {
	if !s.gate.Ready() {
		return nil, ErrNotReady
	}
	return s.orders.Submit(ctx, order)
}

// Stop 停止调度循环并按逆序关闭所有组件
func (s *SyncService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	return s.shutdown.Shutdown(ctx)
}

// Gate 启动闸门
func (s *SyncService) Gate() *StartupGate { return s.gate }

// Scheduler 持续对账调度器
func (s *SyncService) Scheduler() *SyncScheduler { return s.scheduler }

// Engine 对账引擎
func (s *SyncService) Engine() *reconcile.Engine { return s.engine }

// Cache 本地持仓缓存（只读）
func (s *SyncService) Cache() *reconcile.PositionCache { return s.cache }

// Trail 审计日志
func (s *SyncService) Trail() *audit.Trail { return s.trail }

// AuditStore 审计持久化（未配置时为 nil）
func (s *SyncService) AuditStore() *audit.SQLiteSink { return s.auditStore }

// Breaker 熔断器
func (s *SyncService) Breaker() *risk.CircuitBreaker { return s.breaker }

// Snapshots 取证快照存储（未配置时为 nil）
func (s *SyncService) Snapshots() persistence.Service { return s.snapshots }

// Status 状态 API 使用的只读视图
type Status struct {
	Gate           GateState           `json:"gate"`
	Attempts       int                 `json:"startup_attempts"`
	Breaker        risk.BreakerState   `json:"breaker"`
	Cache          reconcile.CacheView `json:"cache"`
	LastResult     *domain.SyncResult  `json:"last_result,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	SyncInterval   string              `json:"sync_interval"`
	Quotes         []cache.Quote       `json:"quotes,omitempty"`
	TickReconnects int                 `json:"tick_reconnects"`
	AuditTotal     uint64              `json:"audit_total"`
	AuditDropped   uint64              `json:"audit_dropped"`
}

// Status 汇总当前状态
func (s *SyncService) Status() Status {
	st := Status{
		Gate:         s.gate.State(),
		Attempts:     s.gate.Attempts(),
		Breaker:      s.breaker.State(),
		Cache:        s.cache.View(),
		LastResult:   s.engine.LastResult(),
		SyncInterval: s.scheduler.Interval().String(),
		AuditTotal:   s.trail.Total(),
		AuditDropped: s.trail.Dropped(),
	}
	st.LastError = st.LastResult.ErrorString()
	if s.ticks != nil {
		st.Quotes = s.ticks.Quotes().All()
		st.TickReconnects = s.ticks.Reconnects()
	}
	return st
}

// RecentAudit 最近的审计记录（旧 -> 新）
func (s *SyncService) RecentAudit(limit int) []domain.AuditEntry {
	return s.trail.Recent(limit)
}
