package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/andi/barkest/backend/config"
	"github.com/andi/barkest/backend/runner"
)

// Exit codes a step can use to end its task early
const (
	ExitStopSuccess = 100
	ExitStopFailure = 101
)

// DefaultStepTimeout applies when a command task sets none
const DefaultStepTimeout = 30 * time.Minute

// errStopSuccess ends the step loop without failing the task
var errStopSuccess = errors.New("stopped with success")

// Command turns a configured command task into a definition. Step output
// goes straight to the status log.
func Command(spec config.CommandTask) (runner.Definition, error) {
	if spec.Name == "" {
		return runner.Definition{}, fmt.Errorf("command task name is required")
	}
	if len(spec.Steps) == 0 {
		return runner.Definition{}, fmt.Errorf("command task %s has no steps", spec.Name)
	}
	for i, step := range spec.Steps {
		if step.Run == "" {
			return runner.Definition{}, fmt.Errorf("command task %s: step %d has no run command", spec.Name, i+1)
		}
	}

	timeout := spec.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	return runner.Definition{
		Name:        spec.Name,
		Title:       spec.Title,
		Description: spec.Description,
		Run: func(t *runner.Task) error {
			if t.Busy() {
				return runner.ErrBusy
			}

			for i, step := range spec.Steps {
				name := step.Name
				if name == "" {
					name = fmt.Sprintf("step %d", i+1)
				}
				t.SetMessage(fmt.Sprintf("%s: %s", t.Name(), name))
				t.Logf("--- %s ---", name)

				err := runStep(t, step, spec.Env, timeout)
				t.SetPercentage((i + 1) * 100 / len(spec.Steps))

				if errors.Is(err, errStopSuccess) {
					return t.Logf("Stopped early with success.")
				}
				if err != nil {
					t.Logf("Failed: %v", err)
					return fmt.Errorf("%s: %w", name, err)
				}
			}
			return t.Logf("All steps completed.")
		},
	}, nil
}

func runStep(t *runner.Task, step config.CommandStep, env map[string]string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", step.Run)
	cmd.Env = os.Environ()
	for key, value := range env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	for key, value := range step.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	cmd.Stdout = t
	cmd.Stderr = t
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("timed out after %s", timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case ExitStopSuccess:
			return errStopSuccess
		case ExitStopFailure:
			return fmt.Errorf("stopped with failure")
		default:
			return fmt.Errorf("exit code %d", exitErr.ExitCode())
		}
	}
	return err
}

// RegisterCommands adds every configured command task to reg
func RegisterCommands(reg *runner.Registry, specs []config.CommandTask) error {
	for _, spec := range specs {
		def, err := Command(spec)
		if err != nil {
			return err
		}
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
