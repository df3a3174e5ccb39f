package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Version   uint64             `json:"version"`
	Positions map[string]float64 `json:"positions"`
}

func exerciseStore(t *testing.T, svc Service) {
	t.Helper()
	store := svc.NewStore("snapshot", "234000", "latest")

	var missing sample
	assert.ErrorIs(t, store.Load(&missing), ErrNotExists)

	in := sample{Version: 3, Positions: map[string]float64{"123456": 0.1}}
	require.NoError(t, store.Save(in))

	var out sample
	require.NoError(t, store.Load(&out))
	assert.Equal(t, in, out)

	in.Version = 4
	require.NoError(t, store.Save(in))
	require.NoError(t, store.Load(&out))
	assert.Equal(t, uint64(4), out.Version)

	other := svc.NewStore("snapshot", "999", "latest")
	assert.ErrorIs(t, other.Load(&out), ErrNotExists)
}

func TestJSONFileService(t *testing.T) {
	dir := t.TempDir()
	exerciseStore(t, NewJSONFileService(dir))
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "snapshot_234000_latest.json")}, matches)
}

func TestBadgerService(t *testing.T) {
	svc, err := NewBadgerService(t.TempDir())
	require.NoError(t, err)
	defer svc.Close()
	exerciseStore(t, svc)

	keys, err := svc.Keys("snapshot:")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot:234000:latest"}, keys)
}

func TestOpen(t *testing.T) {
	svc, closer, err := Open("json", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &JSONFileService{}, svc)
	require.NoError(t, closer.Close())

	svc, closer, err = Open("badger", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &BadgerService{}, svc)
	require.NoError(t, closer.Close())

	_, _, err = Open("redis", t.TempDir())
	assert.Error(t, err)
}
