// Package globalstatus implements the cross-process "one task at a time"
// lock and the two-line status file that goes with it.
//
// The lock is an exclusive, non-blocking flock(2) on global_lock. Holding it
// is the only permission to write global_status, which contains the current
// message on its first line and a progress indicator on its second. Readers
// never lock; a torn read is corrected by the next poll.
package globalstatus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/andi/barkest/backend/metrics"
	"github.com/gofrs/flock"
)

// File names inside the work directory
const (
	LockFileName   = "global_lock"
	StatusFileName = "global_status"
)

// Progress indicator values with special meaning. Anything else is passed
// through as-is; range checking is up to the consumer.
const (
	PercentNone = ""
	PercentDone = "-"
)

const (
	msgSelfBusy    = "The current process is busy."
	msgAppearsBusy = "The system appears to be busy."
	msgNotBusy     = "The system is no longer busy."
)

// ErrFailedToAcquireLock is returned by WithLock when the caller asked to
// fail on contention.
var ErrFailedToAcquireLock = errors.New("failed to acquire the global lock")

// Status is a snapshot of the status file plus the lock state.
type Status struct {
	Message string `json:"message"`
	Percent string `json:"percent"`
	Locked  bool   `json:"locked"`
}

// Handle is one attempt to hold the global lock. A held handle keeps the
// lock file locked and the status file open until Release.
type Handle struct {
	lockPath   string
	statusPath string
	logger     *slog.Logger

	mu     sync.Mutex
	lock   *flock.Flock
	status *os.File
}

func newHandle(lockPath, statusPath string, logger *slog.Logger) *Handle {
	return &Handle{
		lockPath:   lockPath,
		statusPath: statusPath,
		logger:     logger,
	}
}

// Held reports whether this handle currently owns the lock.
func (h *Handle) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lock != nil
}

// Acquire takes the lock without waiting. It returns true immediately when
// the handle already holds it and false on contention or on any filesystem
// failure; it never returns an error.
func (h *Handle) Acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lock != nil {
		return true
	}

	fl := flock.New(h.lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		metrics.LockAttempts.WithLabelValues(metrics.LockError).Inc()
		h.logger.Warn("global lock unavailable", "path", h.lockPath, "error", err)
		_ = fl.Unlock()
		return false
	}
	if !ok {
		metrics.LockAttempts.WithLabelValues(metrics.LockContended).Inc()
		return false
	}

	f, err := os.OpenFile(h.statusPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		// all or nothing
		metrics.LockAttempts.WithLabelValues(metrics.LockError).Inc()
		h.logger.Warn("failed to open status file, dropping lock", "path", h.statusPath, "error", err)
		_ = fl.Unlock()
		return false
	}

	h.lock = fl
	h.status = f
	metrics.LockAttempts.WithLabelValues(metrics.LockAcquired).Inc()
	h.logger.Debug("global lock acquired", "path", h.lockPath)
	return true
}

// Release blanks the status, closes the status file and unlocks. It is a
// no-op on a handle that does not hold the lock and always returns true.
func (h *Handle) Release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lock == nil {
		return true
	}

	if err := h.write("", PercentNone); err != nil {
		h.logger.Warn("failed to clear status on release", "error", err)
	}
	_ = h.status.Close()
	_ = h.lock.Unlock()
	h.status = nil
	h.lock = nil

	h.logger.Debug("global lock released", "path", h.lockPath)
	return true
}

// SetStatus replaces both lines of the status file. It returns false if the
// handle does not hold the lock or the write fails.
func (h *Handle) SetStatus(message, percent string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lock == nil {
		return false
	}
	if err := h.write(message, percent); err != nil {
		h.logger.Warn("failed to write status", "error", err)
		return false
	}
	return true
}

// SetMessage changes the message and keeps the current percent.
func (h *Handle) SetMessage(message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lock == nil {
		return false
	}
	_, percent := h.read()
	return h.write(message, percent) == nil
}

// SetPercent changes the progress indicator and keeps the current message.
func (h *Handle) SetPercent(percent string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lock == nil {
		return false
	}
	message, _ := h.read()
	return h.write(message, percent) == nil
}

// SetPercentage is SetPercent for a numeric value.
func (h *Handle) SetPercentage(value int) bool {
	return h.SetPercent(strconv.Itoa(value))
}

// Status reports the current message, progress and lock state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lock != nil {
		message, percent := h.read()
		if message == "" {
			message = msgSelfBusy
		}
		return Status{Message: message, Percent: percent, Locked: true}
	}

	if !h.probe() {
		return Status{Message: msgNotBusy, Percent: PercentDone, Locked: false}
	}

	data, err := os.ReadFile(h.statusPath)
	if err != nil {
		return Status{Message: msgAppearsBusy, Percent: PercentNone, Locked: true}
	}
	message, percent := parseStatus(data)
	if message == "" {
		message = msgAppearsBusy
	}
	return Status{Message: message, Percent: percent, Locked: true}
}

// IsLocked reports whether any handle, in this process or another, holds the
// lock.
//
// flock offers no way to ask who holds a lock, so the check takes the lock
// and drops it again straight away. A holder that appears between the probe
// and the caller acting on the answer is not detected.
func (h *Handle) IsLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lock != nil {
		return true
	}
	return h.probe()
}

// probe only touches the lock file; the status file belongs to whoever holds
// the lock.
func (h *Handle) probe() bool {
	fl := flock.New(h.lockPath)
	ok, err := fl.TryLock()
	if err != nil || !ok {
		return true
	}
	_ = fl.Unlock()
	return false
}

func (h *Handle) read() (string, string) {
	if _, err := h.status.Seek(0, io.SeekStart); err != nil {
		return "", ""
	}
	data, err := io.ReadAll(h.status)
	if err != nil {
		return "", ""
	}
	return parseStatus(data)
}

func (h *Handle) write(message, percent string) error {
	if _, err := h.status.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind status file: %w", err)
	}
	if err := h.status.Truncate(0); err != nil {
		return fmt.Errorf("truncate status file: %w", err)
	}
	if _, err := fmt.Fprintf(h.status, "%s\n%s\n", singleLine(message), singleLine(percent)); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	return h.status.Sync()
}

func parseStatus(data []byte) (message, percent string) {
	lines := strings.SplitN(string(data), "\n", 3)
	message = strings.TrimSpace(lines[0])
	if len(lines) > 1 {
		percent = strings.TrimSpace(lines[1])
	}
	return message, percent
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// singleLine keeps a value on one line of the status file.
func singleLine(s string) string {
	return lineBreaks.Replace(strings.TrimSpace(s))
}
