// Package watcher follows the status log and status file in the work
// directory and reports appended log bytes and status changes.
package watcher

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Update kinds
const (
	UpdateLog    = "log"    // Content holds newly appended bytes
	UpdateReset  = "reset"  // the log was truncated or replaced
	UpdateStatus = "status" // the status file changed
)

// Update is one change seen by the watcher
type Update struct {
	Kind    string
	Content string
}

// Watcher tails one log file and watches one status file. Both must live
// in the same directory.
type Watcher struct {
	logPath    string
	statusPath string
	interval   time.Duration
	handler    func(Update)
	logger     *slog.Logger

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	stopped  bool

	// only touched by the event goroutine
	offset int64
}

// New creates a watcher. handler is called from a single goroutine. The
// directory is also polled every interval in case events are missed;
// zero disables polling.
func New(logPath, statusPath string, interval time.Duration, handler func(Update), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		logPath:    filepath.Clean(logPath),
		statusPath: filepath.Clean(statusPath),
		interval:   interval,
		handler:    handler,
		logger:     logger.With("component", "watcher"),
		watcher:    fsWatcher,
		stopChan:   make(chan struct{}),
	}, nil
}

// Start begins watching. Log content that already exists is not reported.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("watcher already started")
	}

	dir := filepath.Dir(w.logPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if info, err := os.Stat(w.logPath); err == nil {
		w.offset = info.Size()
	}

	w.started = true
	w.wg.Add(1)
	go w.processEvents()

	w.logger.Info("watching status log", "path", w.logPath)
	return nil
}

// Stop stops the watcher and waits for the event goroutine to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopChan)
	w.watcher.Close()
	w.wg.Wait()
}

// processEvents processes file system events
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)

		case <-tick:
			w.readLog()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) {
		return
	}

	switch filepath.Clean(event.Name) {
	case w.logPath:
		if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
			w.reset()
		}
		w.readLog()
	case w.statusPath:
		if !event.Has(fsnotify.Remove) {
			w.handler(Update{Kind: UpdateStatus})
		}
	}
}

func (w *Watcher) reset() {
	if w.offset == 0 {
		return
	}
	w.offset = 0
	w.handler(Update{Kind: UpdateReset})
}

// readLog reports everything past the last offset
func (w *Watcher) readLog() {
	f, err := os.Open(w.logPath)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}

	size := info.Size()
	if size < w.offset {
		w.reset()
	}
	if size == w.offset {
		return
	}

	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		w.logger.Warn("failed to seek status log", "error", err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, size-w.offset))
	if err != nil {
		w.logger.Warn("failed to read status log", "error", err)
		return
	}
	if len(data) == 0 {
		return
	}

	w.offset += int64(len(data))
	w.handler(Update{Kind: UpdateLog, Content: string(data)})
}
