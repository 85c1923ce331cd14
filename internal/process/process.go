// Package process supervises external server processes.
//
// Start launches a child and returns a Handle, the only owner of the child.
// Wait suspends the caller until the child exits on its own; there is no
// internal timeout, race Wait against a timer when a deadline is needed.
// Terminate kills the whole process tree: every descendant the child forked
// is frozen and killed before the child itself, then the child is reaped.
// Terminate on an exited child is a no-op.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rcssrunner/runner/internal/model"
)

// waitDelay bounds the time Wait spends draining output pipes still held
// open by orphaned descendants.
const waitDelay = 5 * time.Second

type Command struct {
	Path string
	Args []string
	Env  []string // nil => inherit the environment of the runner
	Dir  string
}

// Shell returns a command running line with /bin/sh -c.
func Shell(line string) Command {
	return Command{
		Path: "/bin/sh",
		Args: []string{"-c", line},
	}
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Stdout   []byte
	Stderr   []byte
	ExitCode int   // -1 when killed by a signal
	Err      error // wait failure other than a non-zero exit code
}

// Handle is the ownership record of one started process.
type Handle struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	done   chan struct{}
	stdout bytes.Buffer
	stderr bytes.Buffer
	result Result
}

// Start launches the process and returns immediately. It does NOT wait on
// the command to finish, use Wait or Done for that. A process which can't
// be created is reported as model.ErrLaunchFailed.
// Note it spawns an internal goroutine which reaps the started command.
func Start(ctx context.Context, proto Command) (*Handle, error) {
	h := &Handle{
		done: make(chan struct{}),
		result: Result{
			Path: proto.Path,
			Args: append([]string(nil), proto.Args...),
		},
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr
	cmd.WaitDelay = waitDelay
	h.cmd = cmd

	h.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrLaunchFailed, err)
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid)

	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	stopped := time.Now().UTC()

	h.mx.Lock()
	defer h.mx.Unlock()
	h.result.Stopped = stopped
	h.result.State = h.cmd.ProcessState
	h.result.ExitCode = -1
	if h.cmd.ProcessState != nil {
		h.result.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.result.Err = err
	}
	h.result.Stdout = h.stdout.Bytes()
	h.result.Stderr = h.stderr.Bytes()
	close(h.done)
}

// Pid returns the process id of the child.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done returns a channel closed when the child has exited and was reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the child exits. A canceled ctx ends the waiting, not the child.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the result of an exited child, or a zero Result.
func (h *Handle) Result() Result {
	if !h.Exited() {
		return Result{}
	}
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.result
}

// Terminate kills the child together with all its descendants and waits
// until the child has been reaped. It is idempotent.
func (h *Handle) Terminate(ctx context.Context) error {
	if h.Exited() {
		return nil
	}
	err := KillTree(ctx, h.Pid())
	if err != nil {
		slog.WarnContext(ctx, "killing process tree", "pid", h.Pid(), "error", err)
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
