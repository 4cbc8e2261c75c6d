package autoconf

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce delays a rescan until writes to a file settle.
const DefaultDebounce = 250 * time.Millisecond

// Watcher rescans configuration files as they are created or rewritten.
type Watcher struct {
	scanner  *Scanner
	watcher  *fsnotify.Watcher
	debounce time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Watch starts watching the scanner's directory. The watcher stops when ctx
// ends or Close is called. A debounce of zero uses DefaultDebounce.
func (s *Scanner) Watch(ctx context.Context, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("autoconf: create watcher: %w", err)
	}
	if err := fw.Add(s.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("autoconf: watch %s: %w", s.dir, err)
	}
	w := &Watcher{
		scanner:  s,
		watcher:  fw,
		debounce: debounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}
	go w.run(ctx)
	s.logger.Info("mldtrace.autoconf.watching", "path", s.dir)
	return w, nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
	<-w.done
	w.mu.Lock()
	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
	w.mu.Unlock()
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.once.Do(func() {
				close(w.stop)
				w.watcher.Close()
			})
			return
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, Suffix) {
				continue
			}
			w.schedule(ctx, ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.scanner.logger.Warn("mldtrace.autoconf.watch_error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case <-w.stop:
			return
		default:
		}
		started := w.scanner.ScanFile(ctx, path)
		w.scanner.logger.Info("mldtrace.autoconf.rescanned", "file", path, "started", started)
	})
}
