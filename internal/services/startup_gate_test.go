package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gorecon/internal/audit"
	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/risk"
)

// scriptedReconciler 按脚本依次返回结果，脚本用完后重复最后一个
type scriptedReconciler struct {
	mu       sync.Mutex
	script   []*domain.SyncResult
	calls    int
	deadline []bool // 每次调用时 ctx 是否带截止时间
}

func (s *scriptedReconciler) Reconcile(ctx context.Context) *domain.SyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, has := ctx.Deadline()
	s.deadline = append(s.deadline, has)
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++
	return s.script[idx]
}

func (s *scriptedReconciler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func degraded(msg string) *domain.SyncResult {
	return &domain.SyncResult{Status: domain.SyncStatusDegraded, Err: errors.New(msg)}
}

func ok(recovered int) *domain.SyncResult {
	return &domain.SyncResult{Status: domain.SyncStatusOK, Recovered: recovered, StartedAt: time.Now()}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestStartupGate_SyncedOnFirstSuccess(t *testing.T) {
	rec := &scriptedReconciler{script: []*domain.SyncResult{ok(1)}}
	g := NewStartupGate(GateConfig{RetryCount: 3, AttemptTimeout: time.Second}, rec, nil, nil)
	assert.Equal(t, GateNotStarted, g.State())

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, GateSynced, g.State())
	assert.True(t, g.Ready())
	assert.Equal(t, 1, rec.Calls())
	assert.Equal(t, []bool{true}, rec.deadline, "each attempt is bounded by the attempt timeout")
}

func TestStartupGate_RetriesThenSucceeds(t *testing.T) {
	rec := &scriptedReconciler{script: []*domain.SyncResult{degraded("timeout"), degraded("timeout"), ok(0)}}
	g := NewStartupGate(GateConfig{RetryCount: 3, AttemptTimeout: time.Second}, rec, nil, nil)
	var delays []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	g.cfg.RetryDelay = 250 * time.Millisecond

	_, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GateSynced, g.State())
	assert.Equal(t, 3, g.Attempts())
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, delays, "fixed delay, no backoff")
}

func TestStartupGate_HaltsAfterExactlyN(t *testing.T) {
	rec := &scriptedReconciler{script: []*domain.SyncResult{degraded("connection refused")}}
	trail := audit.NewTrail(10)
	cb := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{})
	g := NewStartupGate(GateConfig{RetryCount: 3, AttemptTimeout: time.Second, RetryDelay: time.Second}, rec, trail, cb)
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := g.Run(context.Background())
	require.Error(t, err)

	var herr *HaltError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, 3, herr.Attempts)
	assert.Equal(t, time.Second, herr.AttemptTimeout)
	assert.EqualError(t, herr.Last, "connection refused")
	assert.Contains(t, herr.Error(), "3 attempts")

	assert.Equal(t, 3, rec.Calls())
	assert.Equal(t, GateHalted, g.State())
	assert.False(t, g.Ready())

	entries := trail.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditHalted, entries[0].Action)
	assert.Equal(t, 3, entries[0].Payload["attempts"])

	assert.True(t, cb.State().Halted)
	assert.ErrorIs(t, cb.AllowTrading(), risk.ErrCircuitBreakerOpen)
}

func TestStartupGate_RunOnlyOnce(t *testing.T) {
	rec := &scriptedReconciler{script: []*domain.SyncResult{ok(0)}}
	g := NewStartupGate(GateConfig{}, rec, nil, nil)
	_, err := g.Run(context.Background())
	require.NoError(t, err)

	_, err = g.Run(context.Background())
	assert.ErrorIs(t, err, ErrGateAlreadyRun)
	assert.Equal(t, 1, rec.Calls())
}

func TestStartupGate_CancelledContextHalts(t *testing.T) {
	rec := &scriptedReconciler{script: []*domain.SyncResult{degraded("timeout")}}
	g := NewStartupGate(GateConfig{RetryCount: 5, AttemptTimeout: time.Second, RetryDelay: time.Hour}, rec, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	g.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := g.Run(ctx)
	var herr *HaltError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, 1, herr.Attempts)
	assert.Equal(t, GateHalted, g.State())
}

func TestStartupGate_NilResultIsDegraded(t *testing.T) {
	rec := &scriptedReconciler{script: []*domain.SyncResult{nil}}
	g := NewStartupGate(GateConfig{RetryCount: 2}, rec, nil, nil)
	g.sleep = noSleep
	_, err := g.Run(context.Background())
	var herr *HaltError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, 2, herr.Attempts)
}
