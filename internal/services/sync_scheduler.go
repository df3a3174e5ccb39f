package services

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/gorecon/internal/domain"
)

// DefaultSyncInterval 持续对账的最小间隔
const DefaultSyncInterval = 15 * time.Second

// SyncScheduler 持续对账调度：由决策循环（行情信号）驱动，
// 距离上一次尝试不足 interval 时直接跳过。
type SyncScheduler struct {
	engine   Reconciler
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	// 串行化 MaybeSync，避免行情信号与兜底 ticker 同时触发
	runMu sync.Mutex

	mu          sync.Mutex
	lastAttempt time.Time
	last        *domain.SyncResult
	onResult    func(*domain.SyncResult)
}

// NewSyncScheduler 创建调度器；timeout 为单次对账的超时（<=0 时不额外限制）
func NewSyncScheduler(engine Reconciler, interval, timeout time.Duration) *SyncScheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &SyncScheduler{
		engine:   engine,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Interval 对账间隔
func (s *SyncScheduler) Interval() time.Duration { return s.interval }

// OnResult 每次实际执行对账后回调（例如保存取证快照）
func (s *SyncScheduler) OnResult(fn func(*domain.SyncResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

// MarkSynced 记录一次在调度器之外完成的对账（启动同步），从此刻开始计时
func (s *SyncScheduler) MarkSynced(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAttempt = at
}

// LastAttempt 上一次尝试的时间
func (s *SyncScheduler) LastAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAttempt
}

// Last 上一次由调度器执行的对账结果
func (s *SyncScheduler) Last() *domain.SyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// MaybeSync 间隔到期时执行一次对账并返回结果，否则返回 nil。
// DEGRADED 只记录告警，缓存保持上一次的已知良好状态，下一次到期再重试。
func (s *SyncScheduler) MaybeSync(ctx context.Context) *domain.SyncResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.now()
	s.mu.Lock()
	due := s.lastAttempt.IsZero() || now.Sub(s.lastAttempt) >= s.interval
	if due {
		s.lastAttempt = now
	}
	onResult := s.onResult
	s.mu.Unlock()
	if !due {
		return nil
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var res *domain.SyncResult
	if s.engine != nil {
		res = s.engine.Reconcile(runCtx)
	}
	if res == nil {
		res = &domain.SyncResult{Status: domain.SyncStatusDegraded, StartedAt: now}
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	if res.Degraded() {
		log.Warnf("⚠️ [持续对账] 本次对账降级，保留上一次已知良好状态，%s 后重试: %s", s.interval, res.ErrorString())
	} else if res.Changes() > 0 {
		log.Infof("🔄 [持续对账] recovered=%d closed=%d corrected=%d", res.Recovered, res.Closed, res.Corrected)
	} else {
		log.Debugf("[持续对账] 无变化")
	}

	if onResult != nil {
		onResult(res)
	}
	return res
}

// Run 决策循环辅助：每个行情信号以及兜底 ticker 都调用一次 MaybeSync，直到 ctx 结束。
// ticks 可以为 nil（没有行情流时只靠兜底 ticker）。
func (s *SyncScheduler) Run(ctx context.Context, ticks <-chan struct{}) {
	fallback := time.NewTicker(s.interval)
	defer fallback.Stop()

	log.Infof("🔄 [持续对账] 启动：间隔 %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("🔄 [持续对账] 已停止")
			return
		case _, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			s.MaybeSync(ctx)
		case <-fallback.C:
			s.MaybeSync(ctx)
		}
	}
}
