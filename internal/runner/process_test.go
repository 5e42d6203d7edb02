package runner

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bebsworthy/proccensus/internal/config"
	"github.com/bebsworthy/proccensus/internal/errors"
)

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process %d was not reaped in time", p.PID())
	}
}

func TestNewSpawner_CommandParsing(t *testing.T) {
	direct := NewSpawner(config.DriverConfig{Command: "sleep  30"})
	assert.Equal(t, "sleep", direct.command)
	assert.Equal(t, []string{"30"}, direct.args)
	assert.Equal(t, "sleep 30", direct.CommandString())

	shell := NewSpawner(config.DriverConfig{Command: "./infinite_loop > /dev/null", Shell: true})
	assert.Equal(t, "sh", shell.command)
	assert.Equal(t, []string{"-c", "./infinite_loop > /dev/null"}, shell.args)
}

func TestNewSpawner_WorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), nil, 0o644))

	s := NewSpawner(config.DriverConfig{
		Command:    `test -f marker && test "$CENSUS_MODE" = "a=b"`,
		Shell:      true,
		WorkingDir: dir,
		Env:        []string{"CENSUS_MODE=a=b"},
	})
	assert.Equal(t, map[string]string{"CENSUS_MODE": "a=b"}, s.environment)

	p, err := s.Spawn(context.Background())
	require.NoError(t, err)
	waitDone(t, p)

	require.NotNil(t, p.ExitCode())
	assert.Equal(t, 0, *p.ExitCode())
}

func TestSpawn_OwnProcessGroup(t *testing.T) {
	s := NewSpawnerWithConfig("sleep 30", SpawnerConfig{})
	p, err := s.Spawn(context.Background())
	require.NoError(t, err)
	defer p.Kill()

	pgid, err := unix.Getpgid(p.PID())
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pgid, "spawned process should lead its own group")
	assert.NotEqual(t, unix.Getpgrp(), pgid)
	assert.False(t, p.Exited())
	assert.Nil(t, p.ExitCode())
}

func TestSpawn_NonexistentCommandFailsFast(t *testing.T) {
	s := NewSpawnerWithConfig("./definitely-not-here-proccensus", SpawnerConfig{})

	p, err := s.Spawn(context.Background())
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSpawn))
	assert.True(t, stderrors.Is(err, errors.ErrSpawnFailed))
}

func TestSpawn_ShellReportsMissingCommandAsExitStatus(t *testing.T) {
	s := NewSpawnerWithConfig("./definitely-not-here-proccensus", SpawnerConfig{Shell: true})

	p, err := s.Spawn(context.Background())
	require.NoError(t, err, "the shell itself starts fine")
	waitDone(t, p)

	require.NotNil(t, p.ExitCode())
	assert.Equal(t, 127, *p.ExitCode())
}

func TestSpawn_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSpawnerWithConfig("sleep 30", SpawnerConfig{}).Spawn(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled))
}

func TestSpawn_Environment(t *testing.T) {
	s := NewSpawnerWithConfig(`test "$PROCCENSUS_TEST_VALUE" = expected`, SpawnerConfig{
		Shell:       true,
		Environment: map[string]string{"PROCCENSUS_TEST_VALUE": "expected"},
	})

	p, err := s.Spawn(context.Background())
	require.NoError(t, err)
	waitDone(t, p)
	assert.Equal(t, 0, *p.ExitCode())
}

func TestTerminate_StopsWholeGroup(t *testing.T) {
	// The shell forks a background child into the same group
	s := NewSpawnerWithConfig("sleep 30 & sleep 30; wait", SpawnerConfig{Shell: true})
	p, err := s.Spawn(context.Background())
	require.NoError(t, err)
	defer p.Kill()

	time.Sleep(100 * time.Millisecond)
	require.True(t, GroupAlive(p.PID()))

	require.NoError(t, p.Terminate(unix.SIGTERM))
	require.NoError(t, p.AwaitGroupExit(context.Background(), 5*time.Second))

	waitDone(t, p)
	assert.False(t, GroupAlive(p.PID()))
	assert.Equal(t, -1, *p.ExitCode())
}

func TestTerminate_AlreadyExitedGroupFails(t *testing.T) {
	p, err := NewSpawnerWithConfig("true", SpawnerConfig{}).Spawn(context.Background())
	require.NoError(t, err)
	waitDone(t, p)

	err = p.Terminate(unix.SIGTERM)
	require.Error(t, err, "signalling a reaped group must not be silently ignored")
	assert.True(t, errors.IsType(err, errors.ErrorTypeSignal))
	assert.True(t, stderrors.Is(err, unix.ESRCH))

	err = SignalGroup(p.PID(), unix.SIGTERM)
	require.Error(t, err)
	assert.Equal(t, errors.CodeSignalFailed, errors.GetCode(err))
	assert.True(t, stderrors.Is(err, unix.ESRCH))

	// Cleanup tolerates the missing group
	assert.NoError(t, p.Kill())
}

func TestSignalGroup_RefusesUnsafeGroups(t *testing.T) {
	for _, pgid := range []int{-1, 0, 1} {
		err := SignalGroup(pgid, unix.SIGTERM)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, unix.EINVAL))
	}
}

func TestAwaitGroupExit_Timeout(t *testing.T) {
	p, err := NewSpawnerWithConfig("sleep 30", SpawnerConfig{}).Spawn(context.Background())
	require.NoError(t, err)
	defer p.Kill()

	start := time.Now()
	err = p.AwaitGroupExit(context.Background(), 150*time.Millisecond)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrGroupExitTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)

	err = p.AwaitGroupExit(context.Background(), 0)
	assert.True(t, stderrors.Is(err, errors.ErrGroupExitTimeout))
}

func TestAwaitGroupExit_Canceled(t *testing.T) {
	p, err := NewSpawnerWithConfig("sleep 30", SpawnerConfig{}).Spawn(context.Background())
	require.NoError(t, err)
	defer p.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = p.AwaitGroupExit(ctx, 10*time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled))
}

func TestKill_Cleanup(t *testing.T) {
	p, err := NewSpawnerWithConfig("sleep 30", SpawnerConfig{}).Spawn(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	waitDone(t, p)
	assert.True(t, p.Exited())
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name    string
		want    unix.Signal
		wantErr bool
	}{
		{"SIGTERM", unix.SIGTERM, false},
		{"term", unix.SIGTERM, false},
		{"SIGKILL", unix.SIGKILL, false},
		{"int", unix.SIGINT, false},
		{"SIGHUP", unix.SIGHUP, false},
		{"quit", unix.SIGQUIT, false},
		{"SIGUSR1", unix.SIGUSR1, false},
		{"usr2", unix.SIGUSR2, false},
		{"SIGSEGV", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignal(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
				assert.True(t, errors.IsCode(err, errors.CodeUnsupported))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
