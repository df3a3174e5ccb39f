package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gorecon/internal/audit"
	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/reconcile"
	"github.com/betbot/gorecon/internal/services"
)

type fakeProvider struct {
	status services.Status
	trail  *audit.Trail
}

func (f *fakeProvider) Status() services.Status { return f.status }

func (f *fakeProvider) RecentAudit(limit int) []domain.AuditEntry { return f.trail.Recent(limit) }

func newProvider(gate services.GateState) *fakeProvider {
	trail := audit.NewTrail(10)
	trail.Append(
		trail.Entry(domain.AuditRecovered, 123456, map[string]any{"symbol": "EURUSD"}),
		trail.Entry(domain.AuditSynced, 0, map[string]any{"recovered": 1}),
	)
	return &fakeProvider{
		trail: trail,
		status: services.Status{
			Gate: gate,
			Cache: reconcile.CacheView{
				Account: domain.AccountSnapshot{Balance: 10000, Equity: 10050},
				Positions: []*domain.Position{{
					Ticket: 123456, Symbol: "EURUSD", Volume: 0.1, Side: domain.SideBuy,
					OpenPrice: 1.08, CurrentPrice: 1.085, Profit: 50,
				}},
				LastSyncAt: time.Unix(1705329600, 0).UTC(),
				Version:    1,
			},
			SyncInterval: "15s",
		},
	}
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, err := New(Config{Provider: newProvider(services.GateSynced)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(t, s.Router(), "/healthz").Code)

	s, err = New(Config{Provider: newProvider(services.GateHalted)})
	require.NoError(t, err)
	rec := do(t, s.Router(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "HALTED")
}

func TestState(t *testing.T) {
	s, _ := New(Config{Provider: newProvider(services.GateSynced)})
	rec := do(t, s.Router(), "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var st services.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, services.GateSynced, st.Gate)
	require.Len(t, st.Cache.Positions, 1)
	assert.Equal(t, int64(123456), st.Cache.Positions[0].Ticket)
	assert.Equal(t, 10000.0, st.Cache.Account.Balance)
}

func TestPositions(t *testing.T) {
	s, _ := New(Config{Provider: newProvider(services.GateSynced)})
	h := s.Router()

	rec := do(t, h, "/api/positions/123456")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EURUSD")

	assert.Equal(t, http.StatusNotFound, do(t, h, "/api/positions/1").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/positions/abc").Code)

	rec = do(t, h, "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Positions []domain.Position `json:"positions"`
		Version   uint64            `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Positions, 1)
	assert.Equal(t, uint64(1), body.Version)
}

func TestAudit_MemoryAndStore(t *testing.T) {
	p := newProvider(services.GateSynced)
	store, err := audit.OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Write(context.Background(), p.trail.Entries()))

	s, _ := New(Config{Provider: p, Audit: store})
	h := s.Router()

	rec := do(t, h, "/api/audit?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Source  string              `json:"source"`
		Entries []domain.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "memory", body.Source)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, domain.AuditSynced, body.Entries[0].Action)

	rec = do(t, h, "/api/audit?action=recovered&ticket=123456")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "store", body.Source)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, int64(123456), body.Entries[0].Ticket)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/audit?limit=zero").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/audit?ticket=x").Code)
}

func TestAudit_FilterWithoutStore(t *testing.T) {
	s, _ := New(Config{Provider: newProvider(services.GateSynced)})
	assert.Equal(t, http.StatusNotImplemented, do(t, s.Router(), "/api/audit?action=CLOSED").Code)
}

func TestDebugVars(t *testing.T) {
	s, _ := New(Config{Provider: newProvider(services.GateSynced)})
	rec := do(t, s.Router(), "/debug/vars")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconcile_runs")
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
