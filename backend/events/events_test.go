package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "barkest.tasks.task.started", Subject("barkest.tasks", TaskStarted))
	assert.Equal(t, TaskFinished, Subject("", TaskFinished))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, Event{Type: TaskStarted, RunID: "1"}))
	require.NoError(t, r.Publish(ctx, Event{Type: TaskFinished, RunID: "1", Status: "completed"}))

	got := r.Events()
	require.Len(t, got, 2)
	assert.Equal(t, TaskStarted, got[0].Type)
	assert.Equal(t, "completed", got[1].Status)

	// returned slice is a copy
	got[0].RunID = "changed"
	assert.Equal(t, "1", r.Events()[0].RunID)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: TaskStarted}))
	assert.NoError(t, p.Close())
}

func TestNewNATS_Unreachable(t *testing.T) {
	start := time.Now()
	_, err := NewNATS("nats://127.0.0.1:1", "barkest.tasks")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 30*time.Second)
}
