package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_RunsInReverseOrderOnce(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.OnShutdown("transport", record("transport"))
	m.OnShutdown("audit", record("audit"))
	m.OnShutdown("scheduler", record("scheduler"))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"scheduler", "audit", "transport"}, order)
}

func TestShutdown_CollectsErrors(t *testing.T) {
	m := NewManager()
	boom := errors.New("boom")
	m.OnShutdown("ok", func(ctx context.Context) error { return nil })
	m.OnShutdown("bad", func(ctx context.Context) error { return boom })

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
}

func TestShutdown_TimesOutStuckHandler(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	defer close(release)
	m.OnShutdown("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdown_NoCallbacks(t *testing.T) {
	assert.NoError(t, NewManager().Shutdown(context.Background()))
}
