package jsonfile

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period a burst of change events must
// sustain before a single reload triggers.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors a set of source files for external modification and
// invokes a callback once per burst of changes.
//
// The watcher cannot tell this process's own atomic writes apart from an
// external editor's; the store treats the resulting reload as idempotent
// instead of suppressing it here.
//
// Watches are placed on the parent directories, not the files, because an
// atomic rename replaces the file's inode and a direct file watch would go
// stale after the first swap.
type Watcher struct {
	paths    map[string]bool
	debounce time.Duration
	onChange func(changed []string)

	fw     *fsnotify.Watcher
	errs   chan error
	stopCh chan struct{}
	doneCh chan struct{}

	stopOnce sync.Once
}

// NewWatcher prepares a watcher for the given file paths. onChange receives
// the sorted set of changed paths after debounce elapses without further
// events. debounce <= 0 selects DefaultDebounce.
func NewWatcher(paths []string, debounce time.Duration, onChange func(changed []string)) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no paths to watch")
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	cleaned := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		cleaned[abs] = true
	}

	return &Watcher{
		paths:    cleaned,
		debounce: debounce,
		onChange: onChange,
		errs:     make(chan error, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start establishes the OS-level watches and begins monitoring. A failure
// to establish monitoring is returned here, once; it never crashes the
// process.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	dirs := make(map[string]bool)
	for p := range w.paths {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	w.fw = fw
	go w.loop()
	return nil
}

// Errors exposes asynchronous monitoring errors. The channel is buffered
// and never closed; at most the latest error is retained.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Stop deterministically halts monitoring and releases the OS watch
// handles. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fw != nil {
			w.fw.Close()
			<-w.doneCh
		}
	})
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.paths[abs] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			pending[abs] = true
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}

		case <-timerC:
			if len(pending) > 0 {
				changed := make([]string, 0, len(pending))
				for p := range pending {
					changed = append(changed, p)
				}
				sort.Strings(changed)
				w.onChange(changed)
				pending = make(map[string]bool)
			}
			timer = nil
			timerC = nil
		}
	}
}
