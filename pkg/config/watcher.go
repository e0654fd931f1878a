package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RuleWatcher watches blocklist and allowlist rule files and invokes a
// callback when any of them change. Events are debounced so editors that
// write-then-rename do not trigger a recompilation per syscall.
type RuleWatcher struct {
	watcher  *fsnotify.Watcher
	onChange func()
	debounce time.Duration

	mu      sync.Mutex
	pending *time.Timer
	done    chan struct{}
}

// NewRuleWatcher starts watching the given files. The callback runs on a
// timer goroutine once the debounce window after the last change elapses.
func NewRuleWatcher(paths []string, onChange func()) (*RuleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch parent directories: rename-over-write replaces the inode, and a
	// watch on the old inode would go silent.
	dirs := map[string]struct{}{}
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	watched := map[string]struct{}{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		watched[abs] = struct{}{}
	}

	rw := &RuleWatcher{
		watcher:  w,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	go rw.loop(watched)
	return rw, nil
}

func (rw *RuleWatcher) loop(watched map[string]struct{}) {
	for {
		select {
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				abs = ev.Name
			}
			if _, ok := watched[abs]; !ok {
				continue
			}
			rw.scheduleChange()
		case _, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
		case <-rw.done:
			return
		}
	}
}

func (rw *RuleWatcher) scheduleChange() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.pending != nil {
		rw.pending.Stop()
	}
	rw.pending = time.AfterFunc(rw.debounce, rw.onChange)
}

// Close stops the watcher. Pending debounced callbacks are cancelled.
func (rw *RuleWatcher) Close() error {
	close(rw.done)
	rw.mu.Lock()
	if rw.pending != nil {
		rw.pending.Stop()
	}
	rw.mu.Unlock()
	return rw.watcher.Close()
}
