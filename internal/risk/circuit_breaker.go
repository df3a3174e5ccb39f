package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitBreakerOpen 表示断路器已打开，禁止继续下单。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续下单失败上限（传输失败、权威端 ERROR）。
	MaxConsecutiveErrors int64
}

// BreakerState 对外展示的断路器状态
type BreakerState struct {
	Halted            bool      `json:"halted"`
	Reason            string    `json:"reason,omitempty"`
	HaltedAt          time.Time `json:"halted_at,omitempty"`
	ConsecutiveErrors int64     `json:"consecutive_errors"`
}

// CircuitBreaker 快路径只读原子变量，熔断原因这类低频信息用锁保护。
type CircuitBreaker struct {
	halted            atomic.Bool
	consecutiveErrors atomic.Int64

	maxConsecutiveErrors atomic.Int64

	mu       sync.Mutex
	reason   string
	haltedAt time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
}

// Halt 熔断（启动对账失败、人工介入或连续失败）。
func (cb *CircuitBreaker) Halt(reason string) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.halted.Load() {
		return
	}
	cb.reason = reason
	cb.haltedAt = time.Now()
	cb.halted.Store(true)
}

// Resume 手动恢复（会同时清空连续错误计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reason = ""
	cb.haltedAt = time.Time{}
	cb.halted.Store(false)
	cb.consecutiveErrors.Store(0)
}

// AllowTrading 快路径检查是否允许下单。
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}
	maxErr := cb.maxConsecutiveErrors.Load()
	if n := cb.consecutiveErrors.Load(); maxErr > 0 && n >= maxErr {
		cb.Halt(fmt.Sprintf("%d consecutive order failures", n))
		return ErrCircuitBreakerOpen
	}
	return nil
}

// OnSuccess 一次下单成功后调用，清空连续错误计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// OnError 一次下单失败后调用，累计连续错误计数。
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Add(1)
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return BreakerState{}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerState{
		Halted:            cb.halted.Load(),
		Reason:            cb.reason,
		HaltedAt:          cb.haltedAt,
		ConsecutiveErrors: cb.consecutiveErrors.Load(),
	}
}
