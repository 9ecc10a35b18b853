package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"syscall"

	"github.com/odvcencio/strata/pkg/object"
)

// Command is what the executor asks a sandbox to run.
type Command struct {
	Args   []string
	Env    map[string]string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Sandbox runs a build command in isolation. A non-zero exit must be
// reported as *ExitError.
type Sandbox interface {
	Run(ctx context.Context, cmd Command) error
}

// ExitError reports a build command that exited non-zero.
type ExitError struct {
	Builder object.Hash
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", object.ErrBuildFailure, e.Code)
	if e.Builder != "" {
		msg = fmt.Sprintf("%s %s: exit status %d", object.ErrBuildFailure, e.Builder, e.Code)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Is(target error) bool { return target == object.ErrBuildFailure }

// ProcessSandbox runs the command as a child process with only the declared
// environment. The child gets its own process group, which is killed when
// the context is cancelled.
type ProcessSandbox struct{}

func (ProcessSandbox) Run(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("sandbox: empty command")
	}
	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = isolatedEnv(c.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}
	stderr := &tailBuffer{max: 2048}
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, stderr)
	} else {
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandbox: start %s: %w", c.Args[0], err)
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return fmt.Errorf("build cancelled: %w", ctx.Err())
	case err = <-done:
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return fmt.Errorf("sandbox: %w", err)
	}
	return nil
}

// isolatedEnv builds the child environment from an allowlist: nothing from
// the parent process is inherited.
func isolatedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
