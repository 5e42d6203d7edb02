package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bebsworthy/proccensus/internal/census"
	"github.com/bebsworthy/proccensus/internal/config"
	"github.com/bebsworthy/proccensus/internal/driver"
	"github.com/bebsworthy/proccensus/internal/logging"
	"github.com/bebsworthy/proccensus/internal/metrics"
	"github.com/bebsworthy/proccensus/internal/runner"
)

var (
	// Run command flags
	runRepetitions       int
	runCommandStr        string
	runShell             bool
	runWorkingDir        string
	runEnv               []string
	runSignal            string
	runSpawnSettle       time.Duration
	runHold              time.Duration
	runKillSettle        time.Duration
	runCooldown          time.Duration
	runAwaitExit         bool
	runSkipFinalCooldown bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [flags] [-- <command> [args...]]",
	Short: "Spawn and kill a process group repeatedly while taking a process census",
	Long: `Spawn and kill a process group repeatedly while taking a process census.

Each repetition:
  1. counts the entries in the census directory
  2. spawns the command as the leader of a new process group
  3. waits --spawn-settle and counts again
  4. waits --hold and sends --signal to the whole process group
  5. waits --kill-settle (or until the group is gone with --await-exit) and counts again
  6. waits --cooldown

Any failure to take a census, spawn the command, or signal the group aborts
the run with a non-zero exit status.`,
	Example: `  # Five repetitions of ./infinite_loop with the default delays
  proccensus run

  # One quick repetition of a shell pipeline, counting only pid entries
  proccensus run -n 1 --shell --pids-only --hold 0 -- 'yes > /dev/null | cat'

  # Wait for the group to disappear instead of sleeping a fixed time
  proccensus run --await-exit --kill-settle 5s -- ./infinite_loop`,
	RunE: runCensus,
}

func init() {
	rootCmd.AddCommand(runCmd)

	defaults := config.DefaultConfig().Driver
	runCmd.Flags().IntVarP(&runRepetitions, "repetitions", "n", defaults.Repetitions, "number of repetitions")
	runCmd.Flags().StringVar(&runCommandStr, "command", defaults.Command, "command to spawn (overridden by arguments after --)")
	runCmd.Flags().BoolVar(&runShell, "shell", defaults.Shell, "run the command through sh -c")
	runCmd.Flags().StringVar(&runWorkingDir, "workdir", defaults.WorkingDir, "working directory of the spawned command")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil, "extra KEY=VALUE environment entry for the spawned command (repeatable)")
	runCmd.Flags().StringVar(&runSignal, "signal", defaults.Signal, "signal sent to the process group")
	runCmd.Flags().DurationVar(&runSpawnSettle, "spawn-settle", defaults.SpawnSettle, "wait after spawning before the second census")
	runCmd.Flags().DurationVar(&runHold, "hold", defaults.Hold, "wait after the second census before signalling")
	runCmd.Flags().DurationVar(&runKillSettle, "kill-settle", defaults.KillSettle, "wait after signalling before the final census")
	runCmd.Flags().DurationVar(&runCooldown, "cooldown", defaults.Cooldown, "wait after the final census before the next repetition")
	runCmd.Flags().BoolVar(&runAwaitExit, "await-exit", defaults.AwaitExit, "wait until the process group is gone (at most --kill-settle) instead of sleeping")
	runCmd.Flags().BoolVar(&runSkipFinalCooldown, "skip-final-cooldown", defaults.SkipFinalCooldown, "do not wait after the last repetition")
}

// applyRunFlags overrides configuration with explicitly set flags and positional args
func applyRunFlags(cmd *cobra.Command, args []string, cfg *config.DriverConfig) {
	flags := cmd.Flags()
	if flags.Changed("repetitions") {
		cfg.Repetitions = runRepetitions
	}
	if flags.Changed("command") {
		cfg.Command = runCommandStr
	}
	if flags.Changed("shell") {
		cfg.Shell = runShell
	}
	if flags.Changed("workdir") {
		cfg.WorkingDir = runWorkingDir
	}
	if flags.Changed("env") {
		cfg.Env = append(append([]string(nil), cfg.Env...), runEnv...)
	}
	if flags.Changed("signal") {
		cfg.Signal = runSignal
	}
	if flags.Changed("spawn-settle") {
		cfg.SpawnSettle = runSpawnSettle
	}
	if flags.Changed("hold") {
		cfg.Hold = runHold
	}
	if flags.Changed("kill-settle") {
		cfg.KillSettle = runKillSettle
	}
	if flags.Changed("cooldown") {
		cfg.Cooldown = runCooldown
	}
	if flags.Changed("await-exit") {
		cfg.AwaitExit = runAwaitExit
	}
	if flags.Changed("skip-final-cooldown") {
		cfg.SkipFinalCooldown = runSkipFinalCooldown
	}
	if len(args) > 0 {
		cfg.Command = strings.Join(args, " ")
	}
}

func runCensus(cmd *cobra.Command, args []string) error {
	cfg := *GetConfig()
	applyRunFlags(cmd, args, &cfg.Driver)
	if err := config.Validate(&cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Default().ForDriver(cfg.Driver.Command)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithRunID(ctx, logging.NewRunID())

	probe := census.NewProbe(cfg.Census)
	spawner := runner.NewSpawner(cfg.Driver)
	spawner.SetLogger(logger.Component("runner"))

	monitor := metrics.NewMonitor()
	monitor.SetLogger(logger.Logger)

	d, err := driver.New(probe, driver.FromRunner(spawner), cfg.Driver, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	d.SetLogger(logger.Logger)
	d.SetMonitor(monitor)

	logger.InfoContext(ctx, "Starting census run",
		"repetitions", cfg.Driver.Repetitions,
		"census_dir", cfg.Census.Dir,
		"signal", cfg.Driver.Signal)

	start := time.Now()
	report, err := d.Run(ctx)
	logger.LogTiming(ctx, "run", start)

	if cfg.Logging.Verbose {
		printSummary(cmd, report, monitor)
		monitor.LogMetricsSummary(ctx)
	}

	if err != nil {
		logger.LogError(ctx, "Census run aborted", err)
		return err
	}
	return nil
}

func printSummary(cmd *cobra.Command, report *driver.Report, monitor *metrics.Monitor) {
	if report == nil {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nSummary (%d repetitions, %s):\n",
		len(report.Iterations), report.Finished.Sub(report.Started).Round(time.Millisecond))
	for _, it := range report.Iterations {
		fmt.Fprintf(out, "  #%d pid=%d initial=%d current=%d (%+d) final=%d (%+d)\n",
			it.Index, it.PID, it.Initial.Count, it.Current.Count, it.Delta(), it.Final.Count, it.Residual())
	}

	ops := monitor.GetAllOperationMetrics()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		op := ops[name]
		fmt.Fprintf(out, "  %-10s count=%d errors=%d avg=%s max=%s\n",
			name, op.Count, op.Errors, op.AverageDuration.Round(time.Microsecond), op.MaxDuration.Round(time.Microsecond))
	}

	errs := monitor.GetErrorMetrics()
	keys := make([]string, 0, len(errs))
	for key := range errs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		e := errs[key]
		fmt.Fprintf(out, "  error %s during %s (x%d): %s\n", key, e.Operation, e.Count, e.Message)
	}
}
