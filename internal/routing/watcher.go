package routing

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"buildforge/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RulesWatcher reloads a RuleSet when its backing file changes. A file
// that fails to parse leaves the previous table active.
type RulesWatcher struct {
	path     string
	set      *RuleSet
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc

	// OnReload is called after every reload attempt; used by tests
	OnReload func(err error)
}

// NewRulesWatcher watches the directory holding path, since editors often
// replace files by rename rather than writing in place.
func NewRulesWatcher(path string, set *RuleSet) (*RulesWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	return &RulesWatcher{
		path:     abs,
		set:      set,
		watcher:  w,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start begins watching until ctx is done or Stop is called
func (rw *RulesWatcher) Start(ctx context.Context) {
	ctx, rw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-rw.watcher.Events:
				if !ok {
					return
				}
				rw.handleEvent(event)
			case err, ok := <-rw.watcher.Errors:
				if !ok {
					return
				}
				logging.L().Warn("routing rules watcher error", zap.Error(err))
			}
		}
	}()
}

// Stop ends the watch
func (rw *RulesWatcher) Stop() {
	if rw.cancel != nil {
		rw.cancel()
	}
	rw.mu.Lock()
	if rw.timer != nil {
		rw.timer.Stop()
	}
	rw.mu.Unlock()
	rw.watcher.Close()
}

func (rw *RulesWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != rw.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.timer != nil {
		rw.timer.Stop()
	}
	rw.timer = time.AfterFunc(rw.debounce, rw.reload)
}

func (rw *RulesWatcher) reload() {
	t, err := LoadRules(rw.path)
	if err != nil {
		logging.L().Warn("keeping previous routing rules", zap.String("path", rw.path), zap.Error(err))
	} else {
		rw.set.Replace(t)
		logging.L().Info("routing rules reloaded", zap.String("path", rw.path), zap.Int("rules", len(t.Rules)))
	}
	if rw.OnReload != nil {
		rw.OnReload(err)
	}
}
