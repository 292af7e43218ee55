package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/andi/barkest/backend/globalstatus"
)

// ErrBusy is returned by the log writers of a task that did not get the
// global lock.
var ErrBusy = errors.New("the system is busy")

// TaskFunc is the body of a long-running task. It is called once, on a
// background goroutine, whether or not the global lock was obtained.
type TaskFunc func(t *Task) error

// Task is what a task body gets to work with. Handle is nil when another
// task held the global lock; the body should then only report that the
// system is busy.
type Task struct {
	Handle *globalstatus.Handle
	Logger *slog.Logger

	runID   string
	name    string
	logPath string
}

// RunID identifies this invocation in history and events.
func (t *Task) RunID() string { return t.runID }

// Name is the registered task name.
func (t *Task) Name() string { return t.name }

// Busy reports whether the lock was held by someone else.
func (t *Task) Busy() bool { return t.Handle == nil }

// SetMessage updates the status message. It returns false when busy.
func (t *Task) SetMessage(message string) bool {
	if t.Handle == nil {
		return false
	}
	return t.Handle.SetMessage(message)
}

// SetPercentage updates the progress indicator. It returns false when busy.
func (t *Task) SetPercentage(value int) bool {
	if t.Handle == nil {
		return false
	}
	return t.Handle.SetPercentage(value)
}

// Write appends p to the status log. Only the lock holder may write it.
func (t *Task) Write(p []byte) (int, error) {
	if t.Handle == nil {
		return 0, ErrBusy
	}

	f, err := os.OpenFile(t.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("open status log: %w", err)
	}
	n, err := f.Write(p)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Logf appends one formatted line to the status log.
func (t *Task) Logf(format string, args ...any) error {
	line := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := t.Write([]byte(line))
	return err
}
