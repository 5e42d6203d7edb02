// Package runner spawns the external command used by a census run and
// manages the lifetime of its process group.
//
// Each spawned command becomes the leader of a new process group, so the
// whole subtree it creates can be signalled as a unit. A background goroutine
// reaps the leader as soon as it exits; otherwise the terminated process would
// linger as a zombie and still show up in the census.
//
// Example usage:
//
//	spawner := runner.NewSpawner(cfg.Driver)
//	proc, err := spawner.Spawn(ctx)
//	if err != nil {
//		return err
//	}
//	defer proc.Kill()
//
//	if err := proc.Terminate(unix.SIGTERM); err != nil {
//		return err
//	}
package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/bebsworthy/proccensus/internal/config"
	"github.com/bebsworthy/proccensus/internal/errors"
)

// Spawner starts the configured command as a new process group leader
type Spawner struct {
	command     string
	args        []string
	shell       bool
	workingDir  string
	environment map[string]string
	logger      *slog.Logger
}

// SpawnerConfig contains configuration options for the spawner
type SpawnerConfig struct {
	// Shell runs the command through "sh -c" instead of executing it directly
	Shell       bool
	WorkingDir  string
	Environment map[string]string
}

// NewSpawner creates a spawner from driver configuration. Env entries are
// KEY=VALUE pairs added to the inherited environment.
func NewSpawner(cfg config.DriverConfig) *Spawner {
	var environment map[string]string
	if len(cfg.Env) > 0 {
		environment = make(map[string]string, len(cfg.Env))
		for _, kv := range cfg.Env {
			key, value, _ := strings.Cut(kv, "=")
			environment[key] = value
		}
	}

	return NewSpawnerWithConfig(cfg.Command, SpawnerConfig{
		Shell:       cfg.Shell,
		WorkingDir:  cfg.WorkingDir,
		Environment: environment,
	})
}

// NewSpawnerWithConfig creates a spawner with custom configuration
func NewSpawnerWithConfig(command string, cfg SpawnerConfig) *Spawner {
	s := &Spawner{
		shell:       cfg.Shell,
		workingDir:  cfg.WorkingDir,
		environment: cfg.Environment,
		logger:      slog.Default(),
	}

	if cfg.Shell {
		s.command = "sh"
		s.args = []string{"-c", command}
		return s
	}

	parts := strings.Fields(command)
	if len(parts) == 0 {
		parts = []string{command}
	}
	s.command = parts[0]
	s.args = parts[1:]
	return s
}

// SetLogger sets the logger
func (s *Spawner) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// CommandString returns the full command line for display
func (s *Spawner) CommandString() string {
	if len(s.args) == 0 {
		return s.command
	}
	return s.command + " " + strings.Join(s.args, " ")
}

// Spawn starts the command in its own process group. Its standard streams
// are connected to the null device.
func (s *Spawner) Spawn(ctx context.Context) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.CanceledError(errors.CodeRunCanceled, "Spawn canceled", err)
	}

	cmd := exec.Command(s.command, s.args...)
	cmd.Dir = s.workingDir
	if len(s.environment) > 0 {
		cmd.Env = os.Environ()
		for key, value := range s.environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.SpawnError(errors.CodeSpawnFailed, "Failed to start "+s.CommandString(), err).
			WithDetails("command", s.CommandString())
	}

	p := &Process{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		pgid:    cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
		logger:  s.logger,
	}
	go p.reap()

	s.logger.Debug("Process spawned",
		slog.Int("pid", p.pid),
		slog.String("command", s.CommandString()))

	return p, nil
}

// Process is a handle to one spawned process group
type Process struct {
	cmd     *exec.Cmd
	pid     int
	pgid    int
	started time.Time
	logger  *slog.Logger

	mutex    sync.RWMutex
	exitCode *int
	done     chan struct{}
}

// reap waits for the group leader so it does not remain a zombie
func (p *Process) reap() {
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	p.mutex.Lock()
	p.exitCode = &exitCode
	p.mutex.Unlock()

	close(p.done)

	p.logger.Debug("Process reaped",
		slog.Int("pid", p.pid),
		slog.Int("exit_code", exitCode),
		slog.Duration("lifetime", time.Since(p.started)))
}

// PID returns the process ID of the group leader
func (p *Process) PID() int {
	return p.pid
}

// Done returns a channel closed once the leader has exited and been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the leader has been reaped
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code if the leader has exited. A leader killed by
// a signal reports -1.
func (p *Process) ExitCode() *int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.exitCode
}

// Terminate looks up the process group of the leader and sends sig to the
// whole group. Failures are never suppressed: a group that has already
// exited and been reaped yields ESRCH.
func (p *Process) Terminate(sig syscall.Signal) error {
	pgid, err := unix.Getpgid(p.pid)
	if err != nil {
		return errors.SignalError(errors.CodePgidLookupFailed,
			fmt.Sprintf("Failed to look up process group of pid %d", p.pid), err).
			WithDetails("pid", p.pid)
	}

	p.mutex.Lock()
	p.pgid = pgid
	p.mutex.Unlock()

	p.logger.Debug("Signalling process group",
		slog.Int("pid", p.pid),
		slog.Int("pgid", pgid),
		slog.String("signal", unix.SignalName(sig)))

	return SignalGroup(pgid, sig)
}

// Kill sends SIGKILL to the group, ignoring a group that is already gone.
// Used for cleanup when a run is interrupted.
func (p *Process) Kill() error {
	p.mutex.RLock()
	pgid := p.pgid
	p.mutex.RUnlock()

	err := SignalGroup(pgid, unix.SIGKILL)
	if err != nil && stderrors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// AwaitGroupExit blocks until no process of the group is left, polling with
// exponential backoff for at most max.
func (p *Process) AwaitGroupExit(ctx context.Context, max time.Duration) error {
	p.mutex.RLock()
	pgid := p.pgid
	p.mutex.RUnlock()

	return AwaitGroupExit(ctx, pgid, max)
}

// SignalGroup sends sig to every process in the group pgid
func SignalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 1 {
		return errors.SignalError(errors.CodeSignalFailed,
			fmt.Sprintf("Refusing to signal process group %d", pgid), unix.EINVAL)
	}
	if err := unix.Kill(-pgid, sig); err != nil {
		return errors.SignalError(errors.CodeSignalFailed,
			fmt.Sprintf("Failed to send %s to process group %d", unix.SignalName(sig), pgid), err).
			WithDetails("pgid", pgid)
	}
	return nil
}

// GroupAlive reports whether any process is left in the group pgid.
// EPERM means the group exists but belongs to someone else.
func GroupAlive(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return err == nil || err == unix.EPERM
}

var errGroupAlive = stderrors.New("process group still alive")

// AwaitGroupExit blocks until the group pgid is empty or max has elapsed
func AwaitGroupExit(ctx context.Context, pgid int, max time.Duration) error {
	check := func() error {
		if GroupAlive(pgid) {
			return errGroupAlive
		}
		return nil
	}

	if max <= 0 {
		if err := check(); err != nil {
			return groupExitTimeout(pgid, max)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = max

	if err := backoff.Retry(check, backoff.WithContext(bo, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.CanceledError(errors.CodeRunCanceled, "Wait for process group canceled", ctxErr)
		}
		return groupExitTimeout(pgid, max)
	}
	return nil
}

func groupExitTimeout(pgid int, max time.Duration) error {
	return errors.TimeoutError(errors.CodeGroupExitTimeout,
		fmt.Sprintf("Process group %d still alive after %v", pgid, max), nil).
		WithDetails("pgid", pgid)
}

// ParseSignal maps a signal name such as "SIGTERM" or "term" to a signal
func ParseSignal(name string) (syscall.Signal, error) {
	switch config.NormalizeSignalName(name) {
	case "SIGTERM":
		return unix.SIGTERM, nil
	case "SIGKILL":
		return unix.SIGKILL, nil
	case "SIGINT":
		return unix.SIGINT, nil
	case "SIGHUP":
		return unix.SIGHUP, nil
	case "SIGQUIT":
		return unix.SIGQUIT, nil
	case "SIGUSR1":
		return unix.SIGUSR1, nil
	case "SIGUSR2":
		return unix.SIGUSR2, nil
	default:
		return 0, errors.ValidationError(errors.CodeUnsupported, "Unsupported signal: "+name, nil)
	}
}
