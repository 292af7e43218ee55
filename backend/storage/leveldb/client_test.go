package leveldb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/andi/barkest/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestClient(t *testing.T, path string) *Client {
	t.Helper()
	c, err := NewClient(path, time.Hour, 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSessionState(t *testing.T) {
	c := openTestClient(t, filepath.Join(t.TempDir(), "sessions"))

	pos, err := c.Cursor("nobody")
	require.NoError(t, err)
	assert.Zero(t, pos)

	require.NoError(t, c.SetCompletion("s1", models.Completion{RedirectURL: "/reports", ButtonLabel: "Open"}))
	require.NoError(t, c.SetCursor("s1", 99))

	pos, err = c.Cursor("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(99), pos)

	comp, err := c.Completion("s1")
	require.NoError(t, err)
	assert.Equal(t, models.Completion{RedirectURL: "/reports", ButtonLabel: "Open"}, comp)
}

func TestSessionState_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions")

	c, err := NewClient(path, time.Hour, 0)
	require.NoError(t, err)
	require.NoError(t, c.SetCursor("s1", 12))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close is a no-op")

	c = openTestClient(t, path)
	pos, err := c.Cursor("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), pos)
}

func TestExpiry(t *testing.T) {
	c := openTestClient(t, filepath.Join(t.TempDir(), "sessions"))

	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.SetCursor("stale", 5))
	require.NoError(t, c.SetCursor("kept", 6))

	now = now.Add(30 * time.Minute)
	require.NoError(t, c.SetCursor("kept", 7))

	now = now.Add(45 * time.Minute)

	// read path drops the stale entry
	pos, err := c.Cursor("stale")
	require.NoError(t, err)
	assert.Zero(t, pos)

	require.NoError(t, c.SetCursor("other", 1))
	now = now.Add(2 * time.Hour)
	n, err := c.PurgeExpired(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = c.PurgeExpired(0)
	assert.Error(t, err)
}
