package workspace

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/roomsync/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a path must stay quiet before its change is
// reported.
const DefaultDebounce = 100 * time.Millisecond

// Sink receives local file events. Paths are room-relative.
type Sink interface {
	LocalFileChanged(path, text string)
	LocalFileCreated(path, text string)
	LocalFileDeleted(path string)
}

// WatchOptions tunes a Watcher.
type WatchOptions struct {
	Debounce     time.Duration
	MaxFileBytes int64
	Logger       *logger.Logger
}

// Watcher reports changes below a workspace root to a Sink. Writes made
// through Watcher.WriteFile are not reported back.
type Watcher struct {
	root   string
	ignore IgnoreFunc
	sink   Sink
	opts   WatchOptions
	log    *logger.Logger
	fsw    *fsnotify.Watcher

	mu      sync.Mutex
	known   map[string]uint64 // room path -> xxhash of last seen or written content
	timers  map[string]*time.Timer
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher watches root recursively. Files already shared should be passed
// to Seed so that they are reported as changed rather than created.
func NewWatcher(root string, ignore IgnoreFunc, sink Sink, opts WatchOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().WithPrefix("workspace")
	}
	if ignore == nil {
		ignore = func(string) bool { return false }
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:    root,
		ignore:  ignore,
		sink:    sink,
		opts:    opts,
		log:     opts.Logger,
		fsw:     fsw,
		known:   make(map[string]uint64),
		timers:  make(map[string]*time.Timer),
		closeCh: make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Seed records the current content of already shared files.
func (w *Watcher) Seed(files []File) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range files {
		w.known[f.Path] = xxhash.Sum64String(f.Text)
	}
}

// Start processes events until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Close stops the watcher and cancels pending reports.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	close(w.closeCh)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

// WriteFile writes content for a room path and remembers it so the
// resulting filesystem event is suppressed.
func (w *Watcher) WriteFile(roomPath string, data []byte) error {
	abs, err := AbsPath(w.root, roomPath)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.known[roomPath] = xxhash.Sum64(data)
	w.mu.Unlock()
	return WriteFile(abs, data)
}

// Remove deletes a room path from disk without reporting it back.
func (w *Watcher) Remove(roomPath string) error {
	abs, err := AbsPath(w.root, roomPath)
	if err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.known, roomPath)
	w.mu.Unlock()
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Rename moves a file between room paths without reporting it back.
func (w *Watcher) Rename(oldPath, newPath string) error {
	oldAbs, err := AbsPath(w.root, oldPath)
	if err != nil {
		return err
	}
	newAbs, err := AbsPath(w.root, newPath)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if h, ok := w.known[oldPath]; ok {
		w.known[newPath] = h
		delete(w.known, oldPath)
	}
	w.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(newAbs), 0755); err != nil {
		return err
	}
	return os.Rename(oldAbs, newAbs)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.closeCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if isTempName(filepath.Base(event.Name)) {
		return
	}
	rel, err := RelPath(w.root, event.Name)
	if err != nil {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if w.ignore(rel + "/") {
				return
			}
			if err := w.addTree(event.Name); err != nil {
				w.log.Warn("watch %s: %v", rel, err)
			}
			w.reportTree(event.Name)
			return
		}
	}
	if w.ignore(rel) {
		return
	}
	w.schedule(rel)
}

// schedule debounces reports for rel.
func (w *Watcher) schedule(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[rel]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.timers[rel] = time.AfterFunc(w.opts.Debounce, func() { w.report(rel) })
}

// report compares the file on disk with what is known and tells the sink.
func (w *Watcher) report(rel string) {
	w.mu.Lock()
	delete(w.timers, rel)
	if w.closed {
		w.mu.Unlock()
		return
	}
	prev, known := w.known[rel]
	w.mu.Unlock()

	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	info, err := os.Lstat(abs)
	if err != nil {
		if known && errors.Is(err, fs.ErrNotExist) {
			w.mu.Lock()
			delete(w.known, rel)
			w.mu.Unlock()
			w.sink.LocalFileDeleted(rel)
		}
		return
	}
	if info.IsDir() || !Sharable(info.Mode()) || info.Size() > w.opts.MaxFileBytes {
		return
	}

	data, err := ReadFile(abs)
	if err != nil {
		w.log.Warn("%v", err)
		return
	}
	sum := xxhash.Sum64(data)
	if known && sum == prev {
		return
	}

	w.mu.Lock()
	w.known[rel] = sum
	w.mu.Unlock()

	if known {
		w.sink.LocalFileChanged(rel, string(data))
	} else {
		w.sink.LocalFileCreated(rel, string(data))
	}
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if abs == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if abs != w.root {
			rel, err := RelPath(w.root, abs)
			if err != nil || w.ignore(rel+"/") {
				return filepath.SkipDir
			}
		}
		return w.fsw.Add(abs)
	})
}

// reportTree schedules every file in a newly created directory.
func (w *Watcher) reportTree(dir string) {
	_ = filepath.WalkDir(dir, func(abs string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			if d != nil && d.IsDir() && abs != dir {
				if rel, relErr := RelPath(w.root, abs); relErr == nil && w.ignore(rel+"/") {
					return filepath.SkipDir
				}
			}
			return nil
		}
		rel, err := RelPath(w.root, abs)
		if err != nil || w.ignore(rel) {
			return nil
		}
		w.schedule(rel)
		return nil
	})
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp")
}
