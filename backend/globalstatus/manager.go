package globalstatus

import (
	"log/slog"
	"path/filepath"
)

// Manager hands out handles for one work directory and owns the shared
// handle used for ad-hoc status queries. Create one at startup and Close it
// at shutdown.
type Manager struct {
	dir        string
	lockPath   string
	statusPath string
	logger     *slog.Logger
	shared     *Handle
}

// NewManager creates a manager for the lock and status files in dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "globalstatus")

	m := &Manager{
		dir:        dir,
		lockPath:   filepath.Join(dir, LockFileName),
		statusPath: filepath.Join(dir, StatusFileName),
		logger:     logger,
	}
	m.shared = m.NewHandle()
	return m
}

// Dir returns the work directory.
func (m *Manager) Dir() string {
	return m.dir
}

// LockPath returns the path of the lock file.
func (m *Manager) LockPath() string {
	return m.lockPath
}

// StatusPath returns the path of the status file.
func (m *Manager) StatusPath() string {
	return m.statusPath
}

// NewHandle returns a fresh, unheld handle.
func (m *Manager) NewHandle() *Handle {
	return newHandle(m.lockPath, m.statusPath, m.logger)
}

// Current returns the status as seen through the shared handle.
func (m *Manager) Current() Status {
	return m.shared.Status()
}

// Locked reports whether anyone holds the lock.
func (m *Manager) Locked() bool {
	return m.shared.IsLocked()
}

// WithLock runs fn while holding the lock on a fresh handle and releases it
// afterwards, including when fn panics. When the lock is busy fn is called
// with a nil handle, or ErrFailedToAcquireLock is returned if
// failOnContention is set.
func (m *Manager) WithLock(failOnContention bool, fn func(h *Handle) error) error {
	h := m.NewHandle()
	if !h.Acquire() {
		if failOnContention {
			return ErrFailedToAcquireLock
		}
		return fn(nil)
	}
	defer h.Release()

	return fn(h)
}

// Close releases the shared handle if it was ever used to take the lock.
func (m *Manager) Close() error {
	m.shared.Release()
	return nil
}
