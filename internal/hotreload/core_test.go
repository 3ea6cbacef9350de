package hotreload

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReloadSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "popup.yaml")
	require.NoError(t, os.WriteFile(p, []byte("messages: []\n"), 0o644))

	hr, err := NewReloader(nil, nil)
	require.NoError(t, err)
	defer hr.Stop()

	var calls atomic.Int32
	require.NoError(t, hr.RegisterHandler(p, func(ctx context.Context, ev ReloadEvent) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, hr.Reload(context.Background(), p))
	require.Equal(t, int32(0), calls.Load())

	require.NoError(t, os.WriteFile(p, []byte("messages: [] # edited\n"), 0o644))
	require.NoError(t, hr.Reload(context.Background(), p))
	require.Equal(t, int32(1), calls.Load())
}

func TestWatcherFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "popup.yaml")
	require.NoError(t, os.WriteFile(p, []byte("a: 1\n"), 0o644))

	hr, err := NewReloader(&Config{DebounceTime: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer hr.Stop()

	got := make(chan ReloadEvent, 4)
	require.NoError(t, hr.RegisterHandler(p, func(ctx context.Context, ev ReloadEvent) error {
		got <- ev
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hr.StartWatching(ctx))

	require.NoError(t, os.WriteFile(p, []byte("a: 2\n"), 0o644))
	select {
	case ev := <-got:
		require.Equal(t, "a: 2\n", string(ev.Content))
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event")
	}
}
