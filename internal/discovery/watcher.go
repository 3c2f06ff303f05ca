package discovery

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherClosed is returned by operations on a closed watcher.
var ErrWatcherClosed = errors.New("discovery: watcher is closed")

// Event reports a change under a watched search path. Dir is the plugin
// directory whose manifest changed or appeared.
type Event struct {
	Dir string
}

// Watcher reports manifest changes under the search paths so the host can
// rescan. Events are debounced per directory; editors tend to fire several
// writes for one save.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *zap.Logger

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	pending  map[string]*time.Timer
	debounce time.Duration
}

// NewWatcher starts watching the given search paths and any plugin
// directories already under them.
func NewWatcher(logger *zap.Logger, paths ...string) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		logger:   logger,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
		debounce: 100 * time.Millisecond,
	}

	for _, base := range paths {
		if err := fsw.Add(base); err != nil {
			logger.Warn("cannot watch search path", zap.String("path", base), zap.Error(err))
			continue
		}
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fsw.Add(filepath.Join(base, entry.Name()))
			}
		}
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Events returns the debounced change channel. It is closed when the
// watcher closes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	// New plugin directory under a search path: start watching it so its
	// manifest writes are seen, and report it.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
			w.schedule(ev.Name)
			return
		}
	}

	if filepath.Base(ev.Name) != ManifestFile {
		return
	}
	w.schedule(filepath.Dir(ev.Name))
}

// schedule emits an event for the directory after the debounce window,
// collapsing bursts.
func (w *Watcher) schedule(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[dir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, dir)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		select {
		case w.events <- Event{Dir: dir}:
		default:
			w.logger.Warn("event channel full, dropping change", zap.String("dir", dir))
		}
	})
}

// Close stops watching and closes the event channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = map[string]*time.Timer{}
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	close(w.events)
	return err
}
