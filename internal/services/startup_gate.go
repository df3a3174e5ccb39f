package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gorecon/internal/audit"
	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/metrics"
	"github.com/betbot/gorecon/internal/risk"
)

var log = logrus.WithField("component", "services")

// Reconciler 执行一次全量对账（reconcile.Engine 实现）
type Reconciler interface {
	Reconcile(ctx context.Context) *domain.SyncResult
}

// GateState 启动闸门状态
type GateState string

const (
	GateNotStarted GateState = "NOT_STARTED"
	GateSyncing    GateState = "SYNCING"
	GateSynced     GateState = "SYNCED"
	GateHalted     GateState = "HALTED"
)

// 启动闸门默认值
const (
	DefaultStartupRetryCount     = 3
	DefaultStartupAttemptTimeout = 3 * time.Second
	DefaultStartupRetryDelay     = time.Second
)

// ErrGateAlreadyRun Run 只能调用一次
var ErrGateAlreadyRun = errors.New("startup gate already run")

// GateConfig 启动闸门配置
type GateConfig struct {
	RetryCount     int
	AttemptTimeout time.Duration
	RetryDelay     time.Duration // 固定间隔，不做退避
}

// HaltError 启动同步失败，宿主进程必须退出
type HaltError struct {
	Attempts       int
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	Last           error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("startup sync halted after %d attempts (timeout %s, delay %s): %v",
		e.Attempts, e.AttemptTimeout, e.RetryDelay, e.Last)
}

// Unwrap 返回最后一次失败的原因
func (e *HaltError) Unwrap() error {
	return e.Last
}

// StartupGate 启动闸门：在权威端确认之前不允许任何交易决策。
// 状态只会单向流转 NOT_STARTED -> SYNCING -> {SYNCED | HALTED}。
type StartupGate struct {
	cfg     GateConfig
	engine  Reconciler
	trail   *audit.Trail
	breaker *risk.CircuitBreaker

	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	state    GateState
	attempts int
	result   *domain.SyncResult
	ran      bool
}

// NewStartupGate 创建启动闸门；trail/breaker 可为 nil
func NewStartupGate(cfg GateConfig, engine Reconciler, trail *audit.Trail, breaker *risk.CircuitBreaker) *StartupGate {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = DefaultStartupRetryCount
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultStartupAttemptTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultStartupRetryDelay
	}
	return &StartupGate{
		cfg:     cfg,
		engine:  engine,
		trail:   trail,
		breaker: breaker,
		sleep:   sleepCtx,
		state:   GateNotStarted,
	}
}

// State 当前状态
func (g *StartupGate) State() GateState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Attempts 已经发起的对账次数
func (g *StartupGate) Attempts() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.attempts
}

// Result 最后一次尝试的结果
func (g *StartupGate) Result() *domain.SyncResult {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.result
}

// Ready 是否已经允许交易决策
func (g *StartupGate) Ready() bool {
	return g.State() == GateSynced
}

// Run 执行启动同步，阻塞直到 SYNCED 或 HALTED。
// 返回 *HaltError 时宿主进程必须退出，不得继续交易。
func (g *StartupGate) Run(ctx context.Context) (*domain.SyncResult, error) {
	g.mu.Lock()
	if g.ran {
		g.mu.Unlock()
		return nil, ErrGateAlreadyRun
	}
	g.ran = true
	g.state = GateSyncing
	g.mu.Unlock()

	log.Infof("🚦 [启动同步] 开始：最多 %d 次，单次超时 %s，间隔 %s",
		g.cfg.RetryCount, g.cfg.AttemptTimeout, g.cfg.RetryDelay)

	var last *domain.SyncResult
	for attempt := 1; attempt <= g.cfg.RetryCount; attempt++ {
		if attempt > 1 {
			if err := g.sleep(ctx, g.cfg.RetryDelay); err != nil {
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		res := g.reconcile(attemptCtx)
		cancel()
		metrics.StartupAttempts.Add(1)

		g.mu.Lock()
		g.attempts = attempt
		g.result = res
		g.mu.Unlock()
		last = res

		if !res.Degraded() {
			g.setState(GateSynced)
			log.Infof("✅ [启动同步] 第 %d 次尝试成功：recovered=%d closed=%d corrected=%d",
				attempt, res.Recovered, res.Closed, res.Corrected)
			return res, nil
		}
		log.Warnf("⚠️ [启动同步] 第 %d/%d 次尝试失败: %s", attempt, g.cfg.RetryCount, res.ErrorString())
	}

	return last, g.halt(ctx, last)
}

func (g *StartupGate) reconcile(ctx context.Context) *domain.SyncResult {
	if g.engine == nil {
		return &domain.SyncResult{Status: domain.SyncStatusDegraded, Err: errors.New("no reconciler"), StartedAt: time.Now()}
	}
	res := g.engine.Reconcile(ctx)
	if res == nil {
		res = &domain.SyncResult{Status: domain.SyncStatusDegraded, Err: errors.New("reconciler returned no result"), StartedAt: time.Now()}
	}
	return res
}

func (g *StartupGate) halt(ctx context.Context, last *domain.SyncResult) error {
	attempts := g.Attempts()
	var lastErr error
	if last != nil {
		lastErr = last.Err
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("startup sync did not succeed")
	}

	g.setState(GateHalted)
	herr := &HaltError{
		Attempts:       attempts,
		AttemptTimeout: g.cfg.AttemptTimeout,
		RetryDelay:     g.cfg.RetryDelay,
		Last:           lastErr,
	}

	log.WithFields(logrus.Fields{
		"attempts":        attempts,
		"attempt_timeout": g.cfg.AttemptTimeout.String(),
		"retry_delay":     g.cfg.RetryDelay.String(),
	}).Errorf("🛑🛑🛑 [启动同步] 权威端在 %d 次尝试内未确认持仓状态，系统停止，禁止任何交易决策: %v", attempts, lastErr)

	if g.trail != nil {
		g.trail.Append(g.trail.Entry(domain.AuditHalted, 0, map[string]any{
			"attempts":           attempts,
			"attempt_timeout_ms": g.cfg.AttemptTimeout.Milliseconds(),
			"retry_delay_ms":     g.cfg.RetryDelay.Milliseconds(),
			"error":              lastErr.Error(),
		}))
	}
	g.breaker.Halt(herr.Error())
	return herr
}

func (g *StartupGate) setState(s GateState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
