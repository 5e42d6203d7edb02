// Package driver runs the census loop: take a reading, spawn the command in
// a new process group, take a reading, signal the group, take a final
// reading, and repeat a fixed number of times.
//
// The loop is strictly sequential. Waits between the steps are plain timed
// pauses; the driver never synchronises with the spawned process directly
// and only observes it through the census. Any probe, spawn or signal
// failure aborts the whole run with an error whose type names the failing
// step.
package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"syscall"
	"time"

	"github.com/bebsworthy/proccensus/internal/census"
	"github.com/bebsworthy/proccensus/internal/config"
	"github.com/bebsworthy/proccensus/internal/errors"
	"github.com/bebsworthy/proccensus/internal/metrics"
	"github.com/bebsworthy/proccensus/internal/runner"
)

// Prober takes census readings
type Prober interface {
	Take(stage census.Stage) (census.Reading, error)
}

// Process is the part of a spawned process handle the driver uses
type Process interface {
	PID() int
	Terminate(sig syscall.Signal) error
	Kill() error
	AwaitGroupExit(ctx context.Context, max time.Duration) error
}

// Spawner starts the external command
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// SpawnerFunc adapts a function to the Spawner interface
type SpawnerFunc func(ctx context.Context) (Process, error)

// Spawn calls f(ctx)
func (f SpawnerFunc) Spawn(ctx context.Context) (Process, error) {
	return f(ctx)
}

// FromRunner adapts a runner.Spawner to the Spawner interface
func FromRunner(s *runner.Spawner) Spawner {
	return SpawnerFunc(func(ctx context.Context) (Process, error) {
		p, err := s.Spawn(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Iteration holds the three readings of one repetition
type Iteration struct {
	Index   int            `json:"index"`
	PID     int            `json:"pid"`
	Initial census.Reading `json:"initial"`
	Current census.Reading `json:"current"`
	Final   census.Reading `json:"final"`
}

// Delta is the change between the initial and the post-spawn reading
func (it Iteration) Delta() int {
	return it.Current.Count - it.Initial.Count
}

// Residual is the change between the initial and the final reading
func (it Iteration) Residual() int {
	return it.Final.Count - it.Initial.Count
}

// Report collects the iterations of a run
type Report struct {
	Started    time.Time   `json:"started"`
	Finished   time.Time   `json:"finished"`
	Iterations []Iteration `json:"iterations"`
}

// Driver runs the census loop
type Driver struct {
	probe   Prober
	spawner Spawner
	cfg     config.DriverConfig
	signal  syscall.Signal

	out     io.Writer
	logger  *slog.Logger
	monitor *metrics.Monitor

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a driver. cfg is expected to have passed config.Validate.
func New(probe Prober, spawner Spawner, cfg config.DriverConfig, out io.Writer) (*Driver, error) {
	sig, err := runner.ParseSignal(cfg.Signal)
	if err != nil {
		return nil, err
	}
	if cfg.Repetitions < 1 {
		return nil, errors.ValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("repetitions must be at least 1, got %d", cfg.Repetitions), nil)
	}
	if out == nil {
		out = io.Discard
	}

	return &Driver{
		probe:   probe,
		spawner: spawner,
		cfg:     cfg,
		signal:  sig,
		out:     out,
		logger:  slog.Default(),
		monitor: metrics.NewMonitor(),
		sleep:   sleepContext,
	}, nil
}

// SetLogger sets the logger
func (d *Driver) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

// SetMonitor sets the metrics monitor
func (d *Driver) SetMonitor(monitor *metrics.Monitor) {
	d.monitor = monitor
}

// Monitor returns the metrics monitor
func (d *Driver) Monitor() *metrics.Monitor {
	return d.monitor
}

// Run executes all repetitions. On error the report holds the iterations
// completed so far. Metrics from an earlier run are cleared.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	d.monitor.Reset()
	report := &Report{Started: time.Now()}
	defer func() { report.Finished = time.Now() }()

	for i := 1; i <= d.cfg.Repetitions; i++ {
		it, err := d.iterate(ctx, i)
		if err != nil {
			return report, fmt.Errorf("iteration %d: %w", i, err)
		}
		report.Iterations = append(report.Iterations, it)

		d.logger.InfoContext(ctx, "Iteration finished",
			slog.Int("iteration", i),
			slog.Int("pid", it.PID),
			slog.Int("initial", it.Initial.Count),
			slog.Int("current", it.Current.Count),
			slog.Int("final", it.Final.Count))

		if i == d.cfg.Repetitions && d.cfg.SkipFinalCooldown {
			break
		}
		if err := d.pause(ctx, d.cfg.Cooldown); err != nil {
			return report, fmt.Errorf("iteration %d: %w", i, err)
		}
	}

	return report, nil
}

func (d *Driver) iterate(ctx context.Context, index int) (it Iteration, err error) {
	it.Index = index

	if it.Initial, err = d.take(ctx, census.StageInitial); err != nil {
		return it, err
	}
	d.printf("Initial process count:  %d\n", it.Initial.Count)

	d.printf("Spawning new process...\n")
	var proc Process
	err = d.monitor.TrackOperation(ctx, "spawn", func() error {
		var spawnErr error
		proc, spawnErr = d.spawner.Spawn(ctx)
		return spawnErr
	})
	if err != nil {
		return it, err
	}
	it.PID = proc.PID()

	// From here on an early return must not leave the group running, even
	// after the signal has been sent
	defer func() {
		if err != nil {
			if killErr := proc.Kill(); killErr != nil {
				d.logger.WarnContext(ctx, "Failed to clean up process group",
					slog.Int("pid", it.PID), slog.String("error", killErr.Error()))
			}
		}
	}()

	if err = d.pause(ctx, d.cfg.SpawnSettle); err != nil {
		return it, err
	}

	if it.Current, err = d.take(ctx, census.StageSpawned); err != nil {
		return it, err
	}
	d.printf("Current process count:  %d\n", it.Current.Count)

	if err = d.pause(ctx, d.cfg.Hold); err != nil {
		return it, err
	}

	d.printf("Killing spawned process...\n")
	err = d.monitor.TrackOperation(ctx, "terminate", func() error {
		return proc.Terminate(d.signal)
	})
	if err != nil {
		return it, err
	}

	if err = d.settle(ctx, proc); err != nil {
		return it, err
	}

	if it.Final, err = d.take(ctx, census.StageFinal); err != nil {
		return it, err
	}
	d.printf("Final process count:  %d\n", it.Final.Count)

	return it, nil
}

// settle waits for the signal to take effect, either for a fixed time or,
// with AwaitExit, until the group is gone (bounded by the same time)
func (d *Driver) settle(ctx context.Context, proc Process) error {
	if !d.cfg.AwaitExit {
		return d.pause(ctx, d.cfg.KillSettle)
	}

	err := d.monitor.TrackOperation(ctx, "await_exit", func() error {
		return proc.AwaitGroupExit(ctx, d.cfg.KillSettle)
	})
	switch {
	case err == nil:
		return nil
	case errors.IsCode(err, errors.CodeGroupExitTimeout):
		// Informational only; the final reading shows what is left
		d.logger.WarnContext(ctx, "Process group still alive after settle time",
			slog.Int("pid", proc.PID()),
			slog.Duration("kill_settle", d.cfg.KillSettle))
		return nil
	default:
		return err
	}
}

func (d *Driver) take(ctx context.Context, stage census.Stage) (census.Reading, error) {
	var r census.Reading
	err := d.monitor.TrackOperation(ctx, "probe", func() error {
		var probeErr error
		r, probeErr = d.probe.Take(stage)
		return probeErr
	})
	return r, err
}

func (d *Driver) pause(ctx context.Context, dur time.Duration) error {
	if err := d.sleep(ctx, dur); err != nil {
		return errors.CanceledError(errors.CodeRunCanceled, "Run canceled", err)
	}
	return nil
}

func (d *Driver) printf(format string, args ...any) {
	fmt.Fprintf(d.out, format, args...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
