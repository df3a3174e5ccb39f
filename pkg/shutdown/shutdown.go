package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/betbot/gorecon/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器
// 回调按注册的逆序依次执行：后启动的组件先关闭（调度循环 -> 审计 sink -> 传输层）。
type Manager struct {
	callbacks []namedHandler
	mu        sync.Mutex
	once      sync.Once
	err       error
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{
		callbacks: make([]namedHandler, 0),
	}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）
// ctx 应该是一个带超时的 context，避免无限等待
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.err = m.run(ctx)
	})
	return m.err
}

func (m *Manager) run(ctx context.Context) error {
	m.mu.Lock()
	callbacks := make([]namedHandler, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Info("没有注册的关闭回调")
		return nil
	}

	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if ctx.Err() != nil {
			logger.Warnf("关闭超时，跳过剩余回调: %s (%v)", cb.name, ctx.Err())
			errs = append(errs, fmt.Errorf("%s: %w", cb.name, ctx.Err()))
			continue
		}
		if err := runOne(ctx, cb); err != nil {
			logger.Warnf("关闭回调失败: %s: %v", cb.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", cb.name, err))
			continue
		}
		logger.Debugf("关闭回调完成: %s", cb.name)
	}

	if len(errs) == 0 {
		logger.Info("所有关闭回调已完成")
	}
	return errors.Join(errs...)
}

// runOne 执行单个回调；回调不响应 ctx 时按超时返回
func runOne(ctx context.Context, cb namedHandler) error {
	done := make(chan error, 1)
	go func() {
		done <- cb.fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
