package k8s

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	kubeconfigEventDebounce = 500 * time.Millisecond
	kubeconfigPollInterval  = 5 * time.Second
)

type watchedFile struct {
	refs    int
	modTime time.Time
	timer   *time.Timer
}

// KubeconfigWatcher reports changes to a set of kubeconfig files.
// Uses fsnotify for instant detection plus a polling fallback to catch
// changes that fsnotify misses after atomic writes.
type KubeconfigWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	files    map[string]*watchedFile
	dirs     map[string]int
	onChange func(path string)
	debounce time.Duration
	poll     time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewKubeconfigWatcher creates a watcher that calls onChange with the path of a changed file
func NewKubeconfigWatcher(onChange func(path string)) (*KubeconfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &KubeconfigWatcher{
		watcher:  watcher,
		files:    make(map[string]*watchedFile),
		dirs:     make(map[string]int),
		onChange: onChange,
		debounce: kubeconfigEventDebounce,
		poll:     kubeconfigPollInterval,
		stop:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Add starts watching path. Paths are reference counted.
func (w *KubeconfigWatcher) Add(path string) error {
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if f, ok := w.files[path]; ok {
		f.refs++
		return nil
	}

	f := &watchedFile{refs: 1}
	if info, err := os.Stat(path); err == nil {
		f.modTime = info.ModTime()
	}
	if err := w.watcher.Add(path); err != nil {
		log.Printf("[KubeconfigWatcher] could not watch %s, relying on polling: %v", path, err)
	}
	// Also watch the directory (for editors that do atomic saves)
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			log.Printf("[KubeconfigWatcher] could not watch directory %s: %v", dir, err)
		}
	}
	w.dirs[dir]++
	w.files[path] = f
	log.Printf("[KubeconfigWatcher] watching %s", path)
	return nil
}

// Remove drops one reference to path and stops watching it at zero
func (w *KubeconfigWatcher) Remove(path string) {
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	f, ok := w.files[path]
	if !ok {
		return
	}
	f.refs--
	if f.refs > 0 {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	delete(w.files, path)
	_ = w.watcher.Remove(path)

	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.watcher.Remove(dir)
	}
}

// Stop stops watching all files
func (w *KubeconfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
}

// trigger debounces rapid changes to the same file; callers hold w.mu
func (w *KubeconfigWatcher) trigger(path string, f *watchedFile) {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		_, still := w.files[path]
		w.mu.Unlock()
		if !still {
			return
		}
		w.rewatch(path)
		log.Printf("[KubeconfigWatcher] %s changed", path)
		w.onChange(path)
	})
}

// rewatch re-adds the file watch. After atomic writes (rm+create or
// rename-over) the old inode-level watch is dead.
func (w *KubeconfigWatcher) rewatch(path string) {
	_ = w.watcher.Remove(path)
	if err := w.watcher.Add(path); err != nil {
		log.Printf("[KubeconfigWatcher] could not re-watch %s: %v", path, err)
	}
}

func (w *KubeconfigWatcher) loop() {
	pollTicker := time.NewTicker(w.poll)
	defer pollTicker.Stop()

	for {
		select {
		case <-w.stop:
			w.mu.Lock()
			for _, f := range w.files {
				if f.timer != nil {
					f.timer.Stop()
				}
			}
			w.mu.Unlock()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			path := filepath.Clean(event.Name)
			w.mu.Lock()
			if f, ok := w.files[path]; ok {
				// Update modTime so the poller doesn't double-trigger
				if info, err := os.Stat(path); err == nil {
					f.modTime = info.ModTime()
				}
				w.trigger(path, f)
			}
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[KubeconfigWatcher] watcher error: %v", err)
		case <-pollTicker.C:
			w.mu.Lock()
			for path, f := range w.files {
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if !info.ModTime().Equal(f.modTime) {
					f.modTime = info.ModTime()
					log.Printf("[KubeconfigWatcher] change to %s detected by poll", path)
					w.trigger(path, f)
				}
			}
			w.mu.Unlock()
		}
	}
}
