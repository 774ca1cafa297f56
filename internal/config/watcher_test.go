package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeConfig(t *testing.T, ws string, capacity int) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Memory.Capacity = capacity
	require.NoError(t, cfg.Save(ConfigPath(ws)))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, 10)

	var mu sync.Mutex
	var got *Config
	w, err := NewWatcher(ws, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeConfig(t, ws, 42)

	// Debounce window is 500ms plus the 100ms ticker.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Memory.Capacity == 42
	}, 5*time.Second, 50*time.Millisecond)

	stats := w.Stats()
	assert.GreaterOrEqual(t, stats.Reloads, 1)
	assert.GreaterOrEqual(t, stats.EventsSeen, 1)
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, 10)

	w, err := NewWatcher(ws, func(*Config) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(DataDir(ws), "memory.json"), []byte("{}"), 0644))

	time.Sleep(800 * time.Millisecond)
	assert.Equal(t, 0, w.Stats().EventsSeen)
}

func TestWatcherStopIdempotent(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, 10)

	w, err := NewWatcher(ws, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop() // Second stop is a no-op
}
