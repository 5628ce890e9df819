// Package watch reports entry files written under a local folder.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"gitcms/internal/logging"
)

const DefaultDebounce = 200 * time.Millisecond

// Event is a settled write to a file. Path is slash separated and relative
// to the watched root.
type Event struct {
	Path string
	Abs  string
}

type Handler func(ctx context.Context, ev Event) error

type Watcher struct {
	root       string
	extension  string
	debounce   time.Duration
	ignoreDirs map[string]bool
	watcher    *fsnotify.Watcher
	logger     *logging.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

type Option func(*Watcher)

// WithExtension limits events to files with the extension (without dot).
func WithExtension(ext string) Option {
	return func(w *Watcher) { w.extension = strings.TrimPrefix(ext, ".") }
}

// WithDebounce sets how long a file must stay quiet before it is reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New watches root and every directory below it.
func New(root string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: DefaultDebounce,
		ignoreDirs: map[string]bool{
			".git":         true,
			"node_modules": true,
			"vendor":       true,
		},
		watcher: fsw,
		logger:  logging.NewNop(),
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ShouldIgnore(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

// ShouldIgnore reports whether a path element is skipped.
func (w *Watcher) ShouldIgnore(name string) bool {
	return name == "" || strings.HasPrefix(name, ".") || w.ignoreDirs[name]
}

// Run delivers events to handle until ctx is done. Handler errors are
// logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(ctx, ev, handle)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleFSEvent(ctx context.Context, ev fsnotify.Event, handle Handler) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		w.logger.Error("getting relative path", zap.Error(err))
		return
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if w.ShouldIgnore(part) {
			return
		}
	}

	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Error("adding new directory to watcher", zap.Error(err))
			}
		}
		return
	}
	if w.extension != "" && strings.TrimPrefix(filepath.Ext(rel), ".") != w.extension {
		return
	}

	w.schedule(ctx, Event{Path: filepath.ToSlash(rel), Abs: ev.Name}, handle)
}

// schedule restarts the quiet period of ev's file.
func (w *Watcher) schedule(ctx context.Context, ev Event, handle Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[ev.Path]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()

		w.mu.Lock()
		if w.timers[ev.Path] == t {
			delete(w.timers, ev.Path)
		}
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := handle(ctx, ev); err != nil {
			w.logger.Error("handling change", zap.String("path", ev.Path), zap.Error(err))
		}
	})
	w.timers[ev.Path] = t
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for p, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, p)
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.watcher.Close()
}
