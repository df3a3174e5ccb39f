package services

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gorecon/internal/audit"
	"github.com/betbot/gorecon/internal/authoritytest"
	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/pkg/config"
	"github.com/betbot/gorecon/pkg/persistence"
)

func testConfig(t *testing.T, srv *authoritytest.Server) *config.Config {
	t.Helper()
	u, err := url.Parse(srv.RPCURL())
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Authority.Host = u.Hostname()
	cfg.Authority.Port = port
	cfg.Authority.HandshakeTimeout = time.Second
	cfg.Startup.AttemptTimeout = 200 * time.Millisecond
	cfg.Startup.RetryDelay = 10 * time.Millisecond
	cfg.Sync.OwnershipTag = 234000
	cfg.Audit.SQLitePath = filepath.Join(dir, "audit.db")
	cfg.Snapshot.Dir = filepath.Join(dir, "snapshots")
	cfg.Orders.CallTimeout = 300 * time.Millisecond
	return cfg
}

func TestSyncService_StartupRecoversEURUSD(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetAccount(authoritytest.EURUSDAccount())
	srv.SetPositions(authoritytest.EURUSDPosition())

	cfg := testConfig(t, srv)
	svc, err := NewSyncService(cfg)
	require.NoError(t, err)

	res, err := svc.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusOK, res.Status)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, GateSynced, svc.Gate().State())

	p, found := svc.Cache().Get(123456)
	require.True(t, found)
	assert.Equal(t, "EURUSD", p.Symbol)
	assert.Equal(t, 0.1, p.Volume)
	assert.Equal(t, 10000.0, svc.Cache().Account().Balance)

	st := svc.Status()
	assert.Equal(t, GateSynced, st.Gate)
	assert.Len(t, st.Cache.Positions, 1)
	assert.False(t, st.Breaker.Halted)

	// 取证快照只写
	snap, err := LoadSnapshot(svc.Snapshots(), 234000)
	require.NoError(t, err)
	require.Len(t, snap.View.Positions, 1)
	assert.Equal(t, int64(123456), snap.View.Positions[0].Ticket)

	require.NoError(t, svc.Stop(context.Background()))

	// 停止后审计已经刷到 sqlite
	store, err := audit.OpenSQLite(cfg.Audit.SQLitePath)
	require.NoError(t, err)
	defer store.Close()
	recovered, err := store.Find(context.Background(), audit.Query{Action: domain.AuditRecovered})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, int64(123456), recovered[0].Ticket)
}

func TestSyncService_HaltsWhenAuthoritySilent(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetMode(authoritytest.ModeSilent, 0)

	cfg := testConfig(t, srv)
	cfg.Snapshot.Dir = ""
	svc, err := NewSyncService(cfg)
	require.NoError(t, err)
	defer svc.Stop(context.Background())

	_, err = svc.Start(context.Background())
	var herr *HaltError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.Equal(t, 3, herr.Attempts)
	assert.Equal(t, GateHalted, svc.Gate().State())
	require.Eventually(t, func() bool { return srv.SyncCalls() == 3 }, time.Second, 10*time.Millisecond)

	// 缓存保持未初始化
	assert.Equal(t, 0, svc.Cache().Len())
	assert.Equal(t, uint64(0), svc.Cache().Version())
	assert.True(t, svc.Cache().LastSyncAt().IsZero())

	halted := 0
	for _, e := range svc.Trail().Entries() {
		if e.Action == domain.AuditHalted {
			halted++
		}
	}
	assert.Equal(t, 1, halted)

	_, err = svc.Submit(context.Background(), domain.Order{Symbol: "EURUSD", Side: domain.SideBuy, Volume: 0.1})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, svc.RunLoop(context.Background()), ErrNotReady)
	assert.Equal(t, 0, srv.OrderCalls())
}

func TestSyncService_FillAppearsOnlyAfterNextReconcile(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetAccount(authoritytest.EURUSDAccount())

	cfg := testConfig(t, srv)
	cfg.Audit.SQLitePath = ""
	cfg.Snapshot.Backend = persistence.BackendBadger
	svc, err := NewSyncService(cfg)
	require.NoError(t, err)
	defer svc.Stop(context.Background())

	_, err = svc.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, svc.Cache().Len())

	res, err := svc.Submit(context.Background(), domain.Order{Symbol: "EURUSD", Side: domain.SideBuy, Volume: 0.1})
	require.NoError(t, err)
	require.True(t, res.Filled())
	assert.Equal(t, 0, svc.Cache().Len(), "order client never writes the cache")

	next := svc.Engine().Reconcile(context.Background())
	require.False(t, next.Degraded())
	assert.Equal(t, 1, next.Recovered)
	_, found := svc.Cache().Get(*res.Ticket)
	assert.True(t, found)
}

func TestSyncService_RunLoopStopsOnStop(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetAccount(authoritytest.EURUSDAccount())

	cfg := testConfig(t, srv)
	cfg.Sync.Interval = 20 * time.Millisecond
	cfg.Snapshot.Dir = ""
	cfg.Audit.SQLitePath = ""
	svc, err := NewSyncService(cfg)
	require.NoError(t, err)

	_, err = svc.Start(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.RunLoop(context.Background()) }()

	srv.SetPositions(authoritytest.EURUSDPosition())
	require.Eventually(t, func() bool { return svc.Cache().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunLoop did not return after Stop")
	}
}

func TestNewSyncService_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Startup.RetryCount = 0
	_, err := NewSyncService(cfg)
	assert.Error(t, err)
}
