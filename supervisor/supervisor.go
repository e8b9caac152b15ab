// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs the profiled command. The child is held at
// its exec trap so counter groups can attach before the first target
// instruction runs, then released; on exit the supervisor reaps it and
// reports its OS resource usage.
package supervisor // import "github.com/miniperf/miniperf/supervisor"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrChildSpawn is returned when the target command cannot be started.
var ErrChildSpawn = errors.New("failed to spawn child")

// DefaultGracePeriod is how long a signalled child gets to shut down
// before it is killed.
const DefaultGracePeriod = 5 * time.Second

// Usage is the child's OS resource usage, reported after Wait.
type Usage struct {
	UserTime   time.Duration
	SystemTime time.Duration
	WallTime   time.Duration

	PageFaults      uint64
	ContextSwitches uint64
	MaxRSSBytes     uint64
}

// Child is a target process stopped at exec, waiting for Resume.
type Child struct {
	cmd     *exec.Cmd
	started time.Time

	// ptrace requests must come from the OS thread that traced the
	// child; ops runs on that locked thread until detach.
	ops chan func()

	grace     time.Duration
	stopGuard chan struct{}
}

// Option configures Start.
type Option func(*Child)

// WithGracePeriod overrides the SIGTERM-to-SIGKILL grace period used
// when the profiler itself is interrupted.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Child) { c.grace = d }
}

// Start launches argv with the given extra environment, traced and
// stopped at its exec trap. Counter groups attach to PID() now;
// Resume releases the child.
func Start(ctx context.Context, argv []string, extraEnv []string, opts ...Option) (*Child, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrChildSpawn)
	}

	child := &Child{
		ops:       make(chan func()),
		grace:     DefaultGracePeriod,
		stopGuard: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(child)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// The child raises SIGTRAP when exec completes, before the
		// first instruction of the target runs.
		Ptrace:  true,
		Setpgid: true,
	}
	child.cmd = cmd

	startErr := make(chan error, 1)
	go func() {
		// The tracer thread: Start must run here so this thread
		// becomes the tracer, and every later ptrace request must
		// come from it too.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := cmd.Start(); err != nil {
			startErr <- fmt.Errorf("%w: %v", ErrChildSpawn, err)
			return
		}
		child.started = time.Now()

		var status unix.WaitStatus
		if _, err := unix.Wait4(cmd.Process.Pid, &status, 0, nil); err != nil {
			startErr <- fmt.Errorf("%w: wait for exec stop: %v", ErrChildSpawn, err)
			return
		}
		if !status.Stopped() {
			startErr <- fmt.Errorf("%w: child exited before exec (status %v)",
				ErrChildSpawn, status)
			return
		}
		startErr <- nil

		for op := range child.ops {
			op()
		}
	}()

	if err := <-startErr; err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
		close(child.ops)
		return nil, err
	}

	go child.propagateSignals(ctx)
	return child, nil
}

// PID returns the child's process id.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Resume detaches the tracer and lets the child run.
func (c *Child) Resume() error {
	errCh := make(chan error, 1)
	c.ops <- func() {
		errCh <- unix.PtraceDetach(c.cmd.Process.Pid)
	}
	close(c.ops)
	if err := <-errCh; err != nil {
		return fmt.Errorf("detach from child: %w", err)
	}
	return nil
}

// Wait reaps the child and returns its exit code and resource usage.
func (c *Child) Wait() (int, Usage, error) {
	err := c.cmd.Wait()
	close(c.stopGuard)

	var exitCode int
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return 0, Usage{}, fmt.Errorf("wait for child: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	usage := Usage{WallTime: time.Since(c.started)}
	if ru, ok := c.cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
		usage.UserTime = time.Duration(ru.Utime.Nano())
		usage.SystemTime = time.Duration(ru.Stime.Nano())
		usage.PageFaults = uint64(ru.Minflt + ru.Majflt)
		usage.ContextSwitches = uint64(ru.Nvcsw + ru.Nivcsw)
		usage.MaxRSSBytes = uint64(ru.Maxrss) * 1024
	}
	return exitCode, usage, nil
}

// propagateSignals forwards an interrupt to the child's process group:
// SIGTERM first, SIGKILL after the grace period.
func (c *Child) propagateSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-c.stopGuard:
		return
	case <-ctx.Done():
	case sig := <-sigCh:
		log.Debugf("Forwarding %v to child %d", sig, c.PID())
	}

	pgid := -c.PID()
	_ = unix.Kill(pgid, unix.SIGTERM)

	select {
	case <-c.stopGuard:
	case <-time.After(c.grace):
		log.Warnf("Child %d did not exit within %v, killing", c.PID(), c.grace)
		_ = unix.Kill(pgid, unix.SIGKILL)
	}
}
