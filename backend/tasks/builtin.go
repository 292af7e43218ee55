// Package tasks holds the tasks that ship with barkest.
package tasks

import (
	"fmt"
	"time"

	"github.com/andi/barkest/backend/runner"
)

// Built-in task names
const (
	SampleName        = "sample"
	PurgeSessionsName = "purge-sessions"
)

// Purger removes session state that has not been touched within ttl
type Purger interface {
	PurgeExpired(ttl time.Duration) (int64, error)
}

// Sample is a progress demo: it walks through steps, logging each one and
// moving the progress bar. delay is the pause between steps.
func Sample(steps int, delay time.Duration) runner.Definition {
	if steps <= 0 {
		steps = 10
	}
	return runner.Definition{
		Name:        SampleName,
		Title:       "Sample task",
		Description: fmt.Sprintf("Counts through %d steps to show progress reporting.", steps),
		Run: func(t *runner.Task) error {
			if t.Busy() {
				t.Logger.Info("sample task skipped, system is busy")
				return runner.ErrBusy
			}

			for i := 1; i <= steps; i++ {
				t.SetMessage(fmt.Sprintf("Working on step %d of %d", i, steps))
				if err := t.Logf("Step %d of %d", i, steps); err != nil {
					return err
				}
				if delay > 0 {
					time.Sleep(delay)
				}
				t.SetPercentage(i * 100 / steps)
			}
			return t.Logf("Done.")
		},
	}
}

// PurgeSessions drops poll state for sessions idle longer than ttl
func PurgeSessions(store Purger, ttl time.Duration) runner.Definition {
	return runner.Definition{
		Name:           PurgeSessionsName,
		Title:          "Purge sessions",
		Description:    fmt.Sprintf("Removes status poll state for sessions idle longer than %s.", ttl),
		InitialMessage: "Purging expired sessions...",
		Run: func(t *runner.Task) error {
			if t.Busy() {
				return runner.ErrBusy
			}

			if err := t.Logf("Removing sessions idle longer than %s", ttl); err != nil {
				return err
			}
			n, err := store.PurgeExpired(ttl)
			if err != nil {
				t.Logf("Purge failed: %v", err)
				return fmt.Errorf("purge sessions: %w", err)
			}
			t.SetPercentage(100)
			t.Logger.Info("purged expired sessions", "count", n)
			return t.Logf("Removed %d session(s).", n)
		},
	}
}

// Register adds the built-in tasks to reg. A nil purger leaves out
// purge-sessions.
func Register(reg *runner.Registry, purger Purger, ttl time.Duration, sampleDelay time.Duration) error {
	if err := reg.Register(Sample(10, sampleDelay)); err != nil {
		return err
	}
	if purger == nil {
		return nil
	}
	return reg.Register(PurgeSessions(purger, ttl))
}
