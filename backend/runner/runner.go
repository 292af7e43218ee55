// Package runner starts long-running tasks in the background under the
// global lock and serves the incremental status log to polling sessions.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/andi/barkest/backend/events"
	"github.com/andi/barkest/backend/globalstatus"
	"github.com/andi/barkest/backend/metrics"
	"github.com/andi/barkest/backend/models"
	"github.com/google/uuid"
)

// LogFileName is the status log inside the work directory.
const LogFileName = "system_status"

// AdhocTaskName is used for tasks started without a registered definition.
const AdhocTaskName = "adhoc"

// SessionStore keeps the per-session poll cursor and completion details.
// A session without stored state has cursor 0 and an empty completion.
type SessionStore interface {
	Cursor(sessionID string) (int64, error)
	SetCursor(sessionID string, pos int64) error
	Completion(sessionID string) (models.Completion, error)
	SetCompletion(sessionID string, c models.Completion) error
}

// TaskRecorder keeps the history of task runs.
type TaskRecorder interface {
	StartRun(run *models.TaskRun) error
	FinishRun(id, status, errText string) error
}

// Options holds the optional collaborators of a Runner.
type Options struct {
	Recorder TaskRecorder
	Events   events.Publisher
	Logger   *slog.Logger
}

// Runner launches tasks and answers status polls
type Runner struct {
	manager  *globalstatus.Manager
	sessions SessionStore
	logPath  string
	recorder TaskRecorder
	events   events.Publisher
	logger   *slog.Logger

	wg sync.WaitGroup

	// per-session mutexes; a poll reads and then stores the cursor
	pollLocks sync.Map
}

// New creates a runner whose status log lives at logPath.
func New(manager *globalstatus.Manager, sessions SessionStore, logPath string, opts Options) *Runner {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Runner{
		manager:  manager,
		sessions: sessions,
		logPath:  logPath,
		recorder: opts.Recorder,
		events:   opts.Events,
		logger:   opts.Logger.With("component", "runner"),
	}
}

// LogPath returns the path of the status log.
func (r *Runner) LogPath() string {
	return r.logPath
}

// Manager returns the lock manager the runner uses.
func (r *Runner) Manager() *globalstatus.Manager {
	return r.manager
}

// RunLongTask starts fn in the background and returns its run id without
// waiting. The status log is cleared first unless a task already holds the
// lock, and done is stored as the session's completion.
func (r *Runner) RunLongTask(sessionID, initialMessage string, done models.Completion, fn TaskFunc) (string, error) {
	return r.launch(AdhocTaskName, sessionID, initialMessage, done, fn)
}

// Start runs a registered definition like RunLongTask.
func (r *Runner) Start(def Definition, sessionID string, done models.Completion) (string, error) {
	return r.launch(def.Name, sessionID, def.InitialMessage, done, def.Run)
}

func (r *Runner) launch(name, sessionID, initialMessage string, done models.Completion, fn TaskFunc) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("task %s has no body", name)
	}

	if !r.manager.Locked() {
		if err := r.clearLog(); err != nil {
			return "", err
		}
	}

	if sessionID != "" {
		if err := r.sessions.SetCompletion(sessionID, done); err != nil {
			return "", fmt.Errorf("failed to store completion: %w", err)
		}
	}

	run := &models.TaskRun{
		ID:        uuid.New().String(),
		Name:      name,
		SessionID: sessionID,
		Status:    models.RunStatusRunning,
		Message:   initialMessage,
		StartedAt: time.Now(),
	}
	if err := r.recorder.StartRun(run); err != nil {
		r.logger.Warn("failed to record task start", "run_id", run.ID, "error", err)
	}
	r.publish(events.TaskStarted, run, "")

	r.wg.Add(1)
	go r.execute(run, fn)

	r.logger.Info("task launched", "task", name, "run_id", run.ID)
	return run.ID, nil
}

func (r *Runner) clearLog() error {
	f, err := os.OpenFile(r.logPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to clear status log: %w", err)
	}
	return f.Close()
}

func (r *Runner) execute(run *models.TaskRun, fn TaskFunc) {
	defer r.wg.Done()

	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	task := &Task{
		Logger:  r.logger.With("task", run.Name, "run_id", run.ID),
		runID:   run.ID,
		name:    run.Name,
		logPath: r.logPath,
	}

	h := r.manager.NewHandle()
	if h.Acquire() {
		task.Handle = h
		h.SetMessage(run.Message)
	}
	started := time.Now()

	status := models.RunStatusBusy
	errText := ""

	defer func() {
		if rec := recover(); rec != nil {
			status = models.RunStatusPanicked
			errText = fmt.Sprint(rec)
			task.Logger.Error("task panicked", "panic", rec, "stack", string(debug.Stack()))
		}

		// The lock goes before anything else can fail.
		if task.Handle != nil {
			h.Release()
			metrics.TaskDuration.WithLabelValues(run.Name).Observe(time.Since(started).Seconds())
		}
		metrics.TasksTotal.WithLabelValues(run.Name, status).Inc()

		if err := r.recorder.FinishRun(run.ID, status, errText); err != nil {
			task.Logger.Warn("failed to record task result", "error", err)
		}
		r.publish(events.TaskFinished, run, status)
		task.Logger.Info("task finished", "status", status, "duration", time.Since(started))
	}()

	err := fn(task)

	switch {
	case task.Handle == nil:
		status = models.RunStatusBusy
		if err != nil {
			errText = err.Error()
		}
	case err != nil:
		status = models.RunStatusFailed
		errText = err.Error()
		task.Logger.Error("task failed", "error", err)
	default:
		status = models.RunStatusCompleted
	}
}

func (r *Runner) publish(eventType string, run *models.TaskRun, status string) {
	if status == "" {
		status = run.Status
	}
	ev := events.Event{
		Type:    eventType,
		RunID:   run.ID,
		Task:    run.Name,
		Status:  status,
		Message: run.Message,
		Time:    time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.events.Publish(ctx, ev); err != nil {
		r.logger.Warn("failed to publish event", "type", eventType, "run_id", run.ID, "error", err)
	}
}

// First rewinds the session's cursor and returns the whole status log.
func (r *Runner) First(sessionID string) (models.Poll, error) {
	unlock := r.lockSession(sessionID)
	defer unlock()

	if err := r.sessions.SetCursor(sessionID, 0); err != nil {
		return models.Poll{}, fmt.Errorf("failed to reset cursor: %w", err)
	}
	return r.poll(sessionID, "first")
}

// More returns the part of the status log the session has not seen yet.
func (r *Runner) More(sessionID string) (models.Poll, error) {
	unlock := r.lockSession(sessionID)
	defer unlock()

	return r.poll(sessionID, "more")
}

// lockSession serialises polls of one session within this process, so two
// tabs sharing a cookie cannot move its cursor backwards.
func (r *Runner) lockSession(sessionID string) func() {
	v, _ := r.pollLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Runner) poll(sessionID, kind string) (models.Poll, error) {
	st := r.manager.Current()
	p := models.Poll{
		Locked: st.Locked,
		Status: st.Message,
	}
	if st.Percent != globalstatus.PercentNone {
		percent := st.Percent
		p.Percentage = &percent
	}

	pos, err := r.sessions.Cursor(sessionID)
	if err != nil {
		return models.Poll{}, fmt.Errorf("failed to load cursor: %w", err)
	}

	data, err := os.ReadFile(r.logPath)
	if err != nil {
		metrics.StatusPolls.WithLabelValues(kind, "true").Inc()
		p.Error = true
		p.Contents = unreadableMessage(err)
		return p, nil
	}
	metrics.StatusPolls.WithLabelValues(kind, "false").Inc()

	// The log may have been cleared since the last poll.
	size := int64(len(data))
	pos = min(max(pos, 0), size)

	p.Contents = string(data[pos:])
	if err := r.sessions.SetCursor(sessionID, size); err != nil {
		return models.Poll{}, fmt.Errorf("failed to save cursor: %w", err)
	}
	return p, nil
}

func unreadableMessage(err error) string {
	if errors.Is(err, fs.ErrNotExist) {
		return "The status log does not exist yet."
	}
	return fmt.Sprintf("The status log could not be read: %v", err)
}

// Completion returns where the session should go once its task is done.
func (r *Runner) Completion(sessionID string) (models.Completion, error) {
	return r.sessions.Completion(sessionID)
}

// Wait blocks until every task started by this runner has finished or the
// timeout passes. It reports whether all tasks finished.
func (r *Runner) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

type nopRecorder struct{}

func (nopRecorder) StartRun(*models.TaskRun) error         { return nil }
func (nopRecorder) FinishRun(string, string, string) error { return nil }
