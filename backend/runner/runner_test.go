package runner

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andi/barkest/backend/events"
	"github.com/andi/barkest/backend/globalstatus"
	"github.com/andi/barkest/backend/models"
	"github.com/andi/barkest/backend/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu   sync.Mutex
	runs map[string]models.TaskRun
}

func newMemRecorder() *memRecorder {
	return &memRecorder{runs: make(map[string]models.TaskRun)}
}

func (m *memRecorder) StartRun(run *models.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memRecorder) FinishRun(id, status, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return errors.New("no such run")
	}
	now := time.Now()
	run.Status = status
	run.Error = errText
	run.CompletedAt = &now
	m.runs[id] = run
	return nil
}

func (m *memRecorder) get(id string) models.TaskRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

type fixture struct {
	runner   *Runner
	manager  *globalstatus.Manager
	sessions *session.MemoryStore
	recorder *memRecorder
	events   *events.Recorder
	logPath  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	f := &fixture{
		manager:  globalstatus.NewManager(dir, nil),
		sessions: session.NewMemoryStore(),
		recorder: newMemRecorder(),
		events:   &events.Recorder{},
		logPath:  filepath.Join(dir, LogFileName),
	}
	f.runner = New(f.manager, f.sessions, f.logPath, Options{
		Recorder: f.recorder,
		Events:   f.events,
	})
	t.Cleanup(func() {
		f.runner.Wait(5 * time.Second)
		f.manager.Close()
	})
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	require.True(t, f.runner.Wait(5*time.Second), "task did not finish")
}

func TestRunLongTask_ProgressVisibleWhileRunning(t *testing.T) {
	f := newFixture(t)

	reached := make(chan struct{})
	proceed := make(chan struct{})

	done := models.Completion{RedirectURL: "/reports", ButtonLabel: "View report"}
	runID, err := f.runner.RunLongTask("s1", "Running test", done, func(task *Task) error {
		task.SetPercentage(50)
		if err := task.Logf("halfway there"); err != nil {
			return err
		}
		close(reached)
		<-proceed
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("task body never ran")
	}

	p, err := f.runner.First("s1")
	require.NoError(t, err)
	assert.False(t, p.Error)
	assert.True(t, p.Locked)
	assert.Equal(t, "Running test", p.Status)
	require.NotNil(t, p.Percentage)
	assert.Equal(t, "50", *p.Percentage)
	assert.Equal(t, "halfway there\n", p.Contents)

	close(proceed)
	f.wait(t)

	p, err = f.runner.More("s1")
	require.NoError(t, err)
	assert.False(t, p.Locked)
	require.NotNil(t, p.Percentage)
	assert.Equal(t, globalstatus.PercentDone, *p.Percentage)
	assert.Empty(t, p.Contents)

	c, err := f.runner.Completion("s1")
	require.NoError(t, err)
	assert.Equal(t, done, c)

	run := f.recorder.get(runID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, AdhocTaskName, run.Name)
	assert.NotNil(t, run.CompletedAt)

	evs := f.events.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.TaskStarted, evs[0].Type)
	assert.Equal(t, events.TaskFinished, evs[1].Type)
	assert.Equal(t, models.RunStatusCompleted, evs[1].Status)
}

func TestMore_NoNewWrites(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte("line\n"), 0644))

	p, err := f.runner.More("s")
	require.NoError(t, err)
	assert.Equal(t, "line\n", p.Contents)

	p, err = f.runner.More("s")
	require.NoError(t, err)
	assert.Equal(t, "", p.Contents)
}

func TestMore_ConcatenatesToFullTail(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, nil, 0644))

	_, err := f.runner.First("s")
	require.NoError(t, err)

	chunks := []string{"alpha\n", "beta ", "gamma\n", "", "delta\n"}
	var got strings.Builder
	for _, chunk := range chunks {
		appendLog(t, f.logPath, chunk)
		p, err := f.runner.More("s")
		require.NoError(t, err)
		got.WriteString(p.Contents)
	}

	assert.Equal(t, strings.Join(chunks, ""), got.String())
}

func TestFirst_Rewinds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte("abc"), 0644))

	_, err := f.runner.More("s")
	require.NoError(t, err)

	p, err := f.runner.First("s")
	require.NoError(t, err)
	assert.Equal(t, "abc", p.Contents)
}

func TestMore_SessionsAreIndependent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte("one\n"), 0644))

	p, _ := f.runner.More("a")
	assert.Equal(t, "one\n", p.Contents)

	appendLog(t, f.logPath, "two\n")

	p, _ = f.runner.More("b")
	assert.Equal(t, "one\ntwo\n", p.Contents)
	p, _ = f.runner.More("a")
	assert.Equal(t, "two\n", p.Contents)
}

// slowStore widens the gap between reading and saving a cursor
type slowStore struct {
	*session.MemoryStore
}

func (s slowStore) Cursor(id string) (int64, error) {
	time.Sleep(2 * time.Millisecond)
	return s.MemoryStore.Cursor(id)
}

func TestMore_ConcurrentPollsOfOneSession(t *testing.T) {
	dir := t.TempDir()
	manager := globalstatus.NewManager(dir, nil)
	defer manager.Close()
	logPath := filepath.Join(dir, LogFileName)
	r := New(manager, slowStore{session.NewMemoryStore()}, logPath, Options{})

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				p, err := r.More("shared")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if !p.Error {
					total += len(p.Contents)
				}
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < 20; i++ {
		appendLog(t, logPath, "line\n")
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	p, err := r.More("shared")
	require.NoError(t, err)
	total += len(p.Contents)

	assert.Equal(t, 20*len("line\n"), total, "every byte is delivered exactly once")
}

func TestMore_MissingLog(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sessions.SetCursor("s", 5))

	p, err := f.runner.More("s")
	require.NoError(t, err)
	assert.True(t, p.Error)
	assert.Contains(t, p.Contents, "does not exist")
	assert.False(t, p.Locked)

	pos, _ := f.sessions.Cursor("s")
	assert.Equal(t, int64(5), pos, "cursor must not move on a failed read")
}

func TestMore_ClampsCursorAfterShrink(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sessions.SetCursor("s", 100))
	require.NoError(t, os.WriteFile(f.logPath, []byte("abc"), 0644))

	p, err := f.runner.More("s")
	require.NoError(t, err)
	assert.False(t, p.Error)
	assert.Equal(t, "", p.Contents)

	pos, _ := f.sessions.Cursor("s")
	assert.Equal(t, int64(3), pos)

	appendLog(t, f.logPath, "d")
	p, _ = f.runner.More("s")
	assert.Equal(t, "d", p.Contents)
}

func TestMore_BlankPercentIsNull(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, nil, 0644))

	h := f.manager.NewHandle()
	require.True(t, h.Acquire())
	defer h.Release()
	require.True(t, h.SetMessage("Working"))

	p, err := f.runner.First("s")
	require.NoError(t, err)
	assert.True(t, p.Locked)
	assert.Equal(t, "Working", p.Status)
	assert.Nil(t, p.Percentage)
}

func TestRunLongTask_Busy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte("in flight\n"), 0644))

	holder := f.manager.NewHandle()
	require.True(t, holder.Acquire())
	require.True(t, holder.SetStatus("Other task", "10"))
	defer holder.Release()

	var (
		busy     bool
		logErr   error
		progress bool
	)
	runID, err := f.runner.RunLongTask("s", "Should not show", models.Completion{}, func(task *Task) error {
		busy = task.Busy()
		logErr = task.Logf("trying")
		progress = task.SetPercentage(1)
		return nil
	})
	require.NoError(t, err)
	f.wait(t)

	assert.True(t, busy)
	assert.ErrorIs(t, logErr, ErrBusy)
	assert.False(t, progress)

	data, err := os.ReadFile(f.logPath)
	require.NoError(t, err)
	assert.Equal(t, "in flight\n", string(data), "log of the running task is kept")

	assert.Equal(t, "Other task", f.manager.Current().Message)
	assert.Equal(t, models.RunStatusBusy, f.recorder.get(runID).Status)
}

func TestRunLongTask_ClearsLogWhenIdle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte("previous run\n"), 0644))

	_, err := f.runner.RunLongTask("s", "Fresh", models.Completion{}, func(task *Task) error {
		return task.Logf("new run")
	})
	require.NoError(t, err)
	f.wait(t)

	data, err := os.ReadFile(f.logPath)
	require.NoError(t, err)
	assert.Equal(t, "new run\n", string(data))
}

func TestRunLongTask_PanicReleasesLock(t *testing.T) {
	f := newFixture(t)

	runID, err := f.runner.RunLongTask("s", "Explode", models.Completion{}, func(task *Task) error {
		task.SetPercentage(10)
		panic("kaboom")
	})
	require.NoError(t, err)
	f.wait(t)

	assert.False(t, f.manager.Locked())
	run := f.recorder.get(runID)
	assert.Equal(t, models.RunStatusPanicked, run.Status)
	assert.Equal(t, "kaboom", run.Error)

	// The next task can run.
	ran := false
	_, err = f.runner.RunLongTask("s", "After", models.Completion{}, func(task *Task) error {
		ran = !task.Busy()
		return nil
	})
	require.NoError(t, err)
	f.wait(t)
	assert.True(t, ran)
}

func TestRunLongTask_ErrorReleasesLock(t *testing.T) {
	f := newFixture(t)

	runID, err := f.runner.RunLongTask("s", "Fail", models.Completion{}, func(task *Task) error {
		return errors.New("disk full")
	})
	require.NoError(t, err)
	f.wait(t)

	assert.False(t, f.manager.Locked())
	run := f.recorder.get(runID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "disk full", run.Error)
}

func TestRunLongTask_NilBody(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.RunLongTask("s", "x", models.Completion{}, nil)
	assert.Error(t, err)
}

func TestStart_UsesDefinition(t *testing.T) {
	f := newFixture(t)

	var message, name string
	def := Definition{
		Name:           "reindex",
		InitialMessage: "Rebuilding the index...",
		Run: func(task *Task) error {
			message = task.Handle.Status().Message
			name = task.Name()
			return nil
		},
	}

	runID, err := f.runner.Start(def, "s", models.Completion{RedirectURL: "/"})
	require.NoError(t, err)
	f.wait(t)

	assert.Equal(t, "Rebuilding the index...", message)
	assert.Equal(t, "reindex", name)
	assert.Equal(t, "reindex", f.recorder.get(runID).Name)
}

func TestWait_Timeout(t *testing.T) {
	f := newFixture(t)

	proceed := make(chan struct{})
	_, err := f.runner.RunLongTask("s", "Slow", models.Completion{}, func(task *Task) error {
		<-proceed
		return nil
	})
	require.NoError(t, err)

	assert.False(t, f.runner.Wait(20*time.Millisecond))
	close(proceed)
	assert.True(t, f.runner.Wait(5*time.Second))
}

func appendLog(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
