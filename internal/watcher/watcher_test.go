package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingKicker struct {
	mu    sync.Mutex
	kicks []string
}

func (k *recordingKicker) Kick(projectID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kicks = append(k.kicks, projectID)
}

func (k *recordingKicker) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.kicks)
}

func TestWatchKicksAfterChange(t *testing.T) {
	kicker := &recordingKicker{}
	w, err := New(Config{Debounce: 50 * time.Millisecond}, kicker, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	dir := t.TempDir()
	require.NoError(t, w.Watch("p1", dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o600))

	require.Eventually(t, func() bool {
		return kicker.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	kicker.mu.Lock()
	assert.Equal(t, "p1", kicker.kicks[0])
	kicker.mu.Unlock()
}

func TestBurstOfWritesKicksOnce(t *testing.T) {
	kicker := &recordingKicker{}
	w, err := New(Config{Debounce: 100 * time.Millisecond}, kicker, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	dir := t.TempDir()
	require.NoError(t, w.Watch("p1", dir))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte{byte(i)}, 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return kicker.count() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, kicker.count())
}

func TestUnwatchStopsKicks(t *testing.T) {
	kicker := &recordingKicker{}
	w, err := New(Config{Debounce: 30 * time.Millisecond}, kicker, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	dir := t.TempDir()
	require.NoError(t, w.Watch("p1", dir))
	require.NoError(t, w.Unwatch(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, kicker.count())
}
