package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a configuration when its file or any included file
// changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	onError  func(error)

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	files map[string]bool
	dirs  map[string]bool
	timer *time.Timer
}

// Watch starts watching path. onChange receives every configuration that
// loads and validates; onError receives load failures and watcher errors and
// may be nil. Directories are watched rather than files so editors that
// replace a file by rename are seen.
func Watch(ctx context.Context, path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("onChange is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:     abs,
		debounce: defaultWatchDebounce,
		onChange: onChange,
		onError:  onError,
		fs:       fs,
		cancel:   cancel,
		files:    map[string]bool{},
		dirs:     map[string]bool{},
	}

	files := []string{abs}
	if _, loaded, _ := load(abs); len(loaded) > 0 {
		files = append(files, loaded...)
	}
	if err := w.track(files); err != nil {
		cancel()
		_ = fs.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop(watchCtx)
	return w, nil
}

// Files returns the files currently watched.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	return out
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fs.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

// track adds files, and the directories holding them, to the watch set.
func (w *Watcher) track(files []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range files {
		w.files[filepath.Clean(f)] = true
		dir := filepath.Dir(f)
		if w.dirs[dir] {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	return nil
}

func (w *Watcher) watched(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[filepath.Clean(name)]
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.watched(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, files, err := load(w.path)
	if len(files) > 0 {
		if terr := w.track(files); terr != nil {
			w.report(terr)
		}
	}
	if err != nil {
		w.report(err)
		return
	}
	w.onChange(cfg)
}

func (w *Watcher) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
