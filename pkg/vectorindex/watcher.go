package vectorindex

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// FileWatcher reports changed files under a directory tree, debounced.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	accept   func(path string) bool
	skipDir  func(name string) bool
	onChange func(paths []string)
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	changed map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewFileWatcher creates a watcher. accept selects the files of interest;
// skipDir names directories that are never descended into.
func NewFileWatcher(logger zerolog.Logger, debounce time.Duration, accept func(string) bool, skipDir func(string) bool, onChange func([]string)) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw := &FileWatcher{
		watcher:  watcher,
		logger:   logger,
		accept:   accept,
		skipDir:  skipDir,
		onChange: onChange,
		debounce: debounce,
		changed:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go fw.run()

	return fw, nil
}

// Watch adds root and every directory below it.
func (fw *FileWatcher) Watch(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && fw.skipDir != nil && fw.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return fw.watcher.Add(path)
	})
}

// Stop stops the watcher. Pending changes are dropped.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.stopCh)
		err = fw.watcher.Close()
		<-fw.done

		fw.mu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.mu.Unlock()
	})
	return err
}

func (fw *FileWatcher) run() {
	defer close(fw.done)

	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handle(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("File watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

func (fw *FileWatcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if fw.skipDir == nil || !fw.skipDir(info.Name()) {
				if err := fw.Watch(event.Name); err != nil {
					fw.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
				}
			}
			return
		}
	}

	if fw.accept != nil && !fw.accept(event.Name) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	fw.logger.Debug().
		Str("file", filepath.Base(event.Name)).
		Str("op", event.Op.String()).
		Msg("File change detected")

	fw.mu.Lock()
	fw.changed[event.Name] = struct{}{}
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.flush)
	fw.mu.Unlock()
}

func (fw *FileWatcher) flush() {
	fw.mu.Lock()
	paths := make([]string, 0, len(fw.changed))
	for p := range fw.changed {
		paths = append(paths, p)
	}
	fw.changed = make(map[string]struct{})
	fw.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	fw.onChange(paths)
}
