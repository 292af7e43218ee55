package tasks

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/andi/barkest/backend/globalstatus"
	"github.com/andi/barkest/backend/models"
	"github.com/andi/barkest/backend/runner"
	"github.com/andi/barkest/backend/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	ttl   time.Duration
	count int64
	err   error
}

func (f *fakePurger) PurgeExpired(ttl time.Duration) (int64, error) {
	f.ttl = ttl
	return f.count, f.err
}

func newRunner(t *testing.T) (*runner.Runner, *globalstatus.Manager) {
	t.Helper()
	dir := t.TempDir()
	manager := globalstatus.NewManager(dir, nil)
	r := runner.New(manager, session.NewMemoryStore(), filepath.Join(dir, runner.LogFileName), runner.Options{})
	t.Cleanup(func() {
		r.Wait(5 * time.Second)
		manager.Close()
	})
	return r, manager
}

func runToEnd(t *testing.T, r *runner.Runner, def runner.Definition) models.Poll {
	t.Helper()
	_, err := r.Start(def, "s1", models.Completion{})
	require.NoError(t, err)
	require.True(t, r.Wait(5*time.Second))

	poll, err := r.First("s1")
	require.NoError(t, err)
	return poll
}

func TestSample(t *testing.T) {
	r, _ := newRunner(t)

	poll := runToEnd(t, r, Sample(4, 0))
	assert.False(t, poll.Locked)
	assert.Equal(t, "Step 1 of 4\nStep 2 of 4\nStep 3 of 4\nStep 4 of 4\nDone.\n", poll.Contents)
}

func TestSample_DefaultSteps(t *testing.T) {
	def := Sample(0, 0)
	assert.Equal(t, SampleName, def.Name)
	assert.Contains(t, def.Description, "10 steps")
}

func TestSample_Busy(t *testing.T) {
	r, manager := newRunner(t)

	holder := manager.NewHandle()
	require.True(t, holder.Acquire())
	defer holder.Release()

	_, err := r.Start(Sample(3, 0), "s1", models.Completion{})
	require.NoError(t, err)
	require.True(t, r.Wait(5*time.Second))

	poll, err := r.First("s1")
	require.NoError(t, err)
	assert.True(t, poll.Locked)
	assert.NotContains(t, poll.Contents, "Step")
}

func TestPurgeSessions(t *testing.T) {
	r, _ := newRunner(t)
	purger := &fakePurger{count: 3}

	poll := runToEnd(t, r, PurgeSessions(purger, time.Hour))
	assert.Equal(t, time.Hour, purger.ttl)
	assert.Contains(t, poll.Contents, "Removed 3 session(s).")
}

func TestPurgeSessions_Failure(t *testing.T) {
	r, _ := newRunner(t)
	purger := &fakePurger{err: errors.New("disk full")}

	poll := runToEnd(t, r, PurgeSessions(purger, time.Minute))
	assert.Contains(t, poll.Contents, "Purge failed: disk full")
	assert.False(t, poll.Locked)
}

func TestRegister(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, Register(reg, nil, time.Hour, 0))
	_, err := reg.Get(PurgeSessionsName)
	assert.ErrorIs(t, err, runner.ErrUnknownTask)

	reg = runner.NewRegistry()
	require.NoError(t, Register(reg, &fakePurger{}, time.Hour, 0))
	names := make([]string, 0)
	for _, def := range reg.List() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{PurgeSessionsName, SampleName}, names)
}
