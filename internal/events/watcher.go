package events

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher turns writes to the database file by other processes into
// CardsUpdated events. Writes made through this process's stores are
// recognized by the StorageChanged events they publish and ignored.
type Watcher struct {
	bus      *Bus
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration
	quiet    time.Duration

	mu        sync.Mutex
	lastLocal time.Time
	timer     *time.Timer
	stopCh    chan struct{}
	unsub     func()
}

// NewWatcher watches the directory holding dbPath.
func NewWatcher(bus *Bus, dbPath string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// Watch the directory so the -wal and -shm siblings are seen too.
	if err := fw.Add(filepath.Dir(dbPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(dbPath), err)
	}

	w := &Watcher{
		bus:      bus,
		path:     dbPath,
		watcher:  fw,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		quiet:    time.Second,
		stopCh:   make(chan struct{}),
	}
	w.unsub = bus.Subscribe(ObserverFunc(func(e Event) {
		if e.Type == StorageChanged && e.Source == "" {
			w.mu.Lock()
			w.lastLocal = time.Now()
			w.mu.Unlock()
		}
	}))
	return w, nil
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	go w.watchLoop()
	w.logger.Info("data watcher started", zap.String("path", w.path))
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.unsub()
	w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.stopCh:
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("data watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	local := time.Since(w.lastLocal) < w.quiet
	w.mu.Unlock()
	if local {
		return
	}
	w.logger.Debug("database changed by another process")
	w.bus.Publish(Event{Type: CardsUpdated, Source: SourceExternal})
}
