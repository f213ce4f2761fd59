package jsonfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher(nil, 0, func([]string) {})
	assert.Error(t, err)

	_, err = NewWatcher([]string{"/tmp/x.json"}, 0, nil)
	assert.Error(t, err)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	var mu sync.Mutex
	var calls [][]string
	notify := make(chan struct{}, 4)

	w, err := NewWatcher([]string{path}, 50*time.Millisecond, func(changed []string) {
		mu.Lock()
		calls = append(calls, changed)
		mu.Unlock()
		notify <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// A burst of writes inside the debounce window collapses to one call.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-notify:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired")
	}

	// The quiet period has passed; no further call is pending.
	select {
	case <-notify:
		t.Fatal("burst produced more than one callback")
	case <-time.After(200 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{path}, calls[0])
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "watched.json")
	other := filepath.Join(dir, "other.json")
	require.NoError(t, os.WriteFile(watched, []byte("{}"), 0o644))

	notify := make(chan struct{}, 1)
	w, err := NewWatcher([]string{watched}, 30*time.Millisecond, func([]string) {
		notify <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(other, []byte("{}"), 0o644))

	select {
	case <-notify:
		t.Fatal("callback fired for a sibling file outside the watch set")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherSurvivesAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	notify := make(chan struct{}, 4)
	w, err := NewWatcher([]string{path}, 30*time.Millisecond, func([]string) {
		notify <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 2; i++ {
		tmp := filepath.Join(dir, "data.json.tmp")
		require.NoError(t, os.WriteFile(tmp, []byte("{}"), 0o644))
		require.NoError(t, os.Rename(tmp, path))

		select {
		case <-notify:
		case <-time.After(3 * time.Second):
			t.Fatalf("rename %d not observed", i)
		}
		// Drain any extra event from the same swap.
		time.Sleep(100 * time.Millisecond)
		for {
			select {
			case <-notify:
				continue
			default:
			}
			break
		}
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	w, err := NewWatcher([]string{path}, 30*time.Millisecond, func([]string) {})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	w.Stop()
	w.Stop()
}
