package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebsworthy/proccensus/internal/config"
	"github.com/bebsworthy/proccensus/internal/errors"
)

// resetFlags restores every flag to its default. cobra keeps parsed values
// between Execute calls in the same process.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "proccensus", rootCmd.Use)

	names := []string{}
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, expected := range []string{"run", "count", "version"} {
		assert.Contains(t, names, expected)
	}
}

func TestCountCommand(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1", "2", "self"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}

	out, err := execute(t, "count", "--proc-dir", dir, "--pids-only=false")
	require.NoError(t, err)
	assert.Equal(t, "3", strings.TrimSpace(out))

	if runtime.GOOS != "linux" {
		return
	}
	out, err = execute(t, "count", "--proc-dir", dir, "--pids-only")
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(out))
}

func TestCountCommand_MissingDir(t *testing.T) {
	_, err := execute(t, "count", "--proc-dir", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProbe))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "proccensus")
	assert.Contains(t, out, runtime.Version())
}

func TestApplyRunFlags(t *testing.T) {
	t.Cleanup(func() { resetFlags(rootCmd) })
	require.NoError(t, runCmd.ParseFlags([]string{"-n", "3", "--hold", "0s", "--signal", "kill", "--await-exit",
		"--workdir", "/tmp", "--env", "A=1", "--env", "B=2"}))

	cfg := config.DefaultConfig().Driver
	cfg.Env = []string{"FROM_CONFIG=1"}
	applyRunFlags(runCmd, []string{"sleep", "10"}, &cfg)

	assert.Equal(t, "/tmp", cfg.WorkingDir)
	assert.Equal(t, []string{"FROM_CONFIG=1", "A=1", "B=2"}, cfg.Env)

	assert.Equal(t, 3, cfg.Repetitions)
	assert.Equal(t, time.Duration(0), cfg.Hold)
	assert.Equal(t, "kill", cfg.Signal)
	assert.True(t, cfg.AwaitExit)
	assert.Equal(t, "sleep 10", cfg.Command)
	// Untouched flags keep configured values
	assert.Equal(t, time.Second, cfg.SpawnSettle)
}

func TestExecute_FlagsDoNotLeakBetweenCalls(t *testing.T) {
	require.NoError(t, runCmd.ParseFlags([]string{"--signal", "kill", "--await-exit", "--env", "A=1"}))

	_, err := execute(t, "version")
	require.NoError(t, err)

	assert.False(t, runCmd.Flags().Changed("signal"))
	assert.False(t, runCmd.Flags().Changed("await-exit"))
	assert.Equal(t, "SIGTERM", runSignal)
	assert.False(t, runAwaitExit)
	assert.Empty(t, runEnv)
}

func TestConfigFlagNamesEnvVar(t *testing.T) {
	f := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Contains(t, f.Usage, "$PROCCENSUS_CONFIG")
}

func TestRunCommand_InvalidEnv(t *testing.T) {
	_, err := execute(t, "run", "--proc-dir", t.TempDir(), "--env", "NOVALUE", "--", "sleep", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver.env")
}

func TestRunCommand_InvalidRepetitions(t *testing.T) {
	_, err := execute(t, "run", "--proc-dir", t.TempDir(), "-n", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repetitions")
}

func TestRunCommand_MissingCommandFailsFast(t *testing.T) {
	out, err := execute(t, "run", "--proc-dir", t.TempDir(),
		"-n", "5", "--spawn-settle", "0s", "--hold", "0s", "--kill-settle", "0s", "--cooldown", "0s",
		"--", "./no-such-busy-loop")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSpawn))
	assert.Equal(t, 1, strings.Count(out, "Initial process count:"))
	assert.NotContains(t, out, "Current process count:")
}

func TestRunCommand_SingleRepetition(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}

	out, err := execute(t, "run", "--proc-dir", "/proc", "-v",
		"-n", "1", "--spawn-settle", "100ms", "--hold", "0s", "--kill-settle", "3s", "--cooldown", "0s",
		"--await-exit", "--", "sleep", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "Summary (1 repetitions")
	assert.Contains(t, out, "spawn      count=1 errors=0")

	initial := strings.Index(out, "Initial process count:")
	current := strings.Index(out, "Current process count:")
	final := strings.Index(out, "Final process count:")
	require.True(t, initial >= 0 && current > initial && final > current, "unexpected output:\n%s", out)
}
