package metrics

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bebsworthy/proccensus/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackOperation_RecordsSuccessAndFailure(t *testing.T) {
	m := NewMonitor()
	ctx := context.Background()

	require.NoError(t, m.TrackOperation(ctx, "probe", func() error {
		time.Sleep(time.Millisecond)
		return nil
	}))

	spawnErr := errors.SpawnError(errors.CodeSpawnFailed, "Failed to spawn process", nil)
	err := m.TrackOperation(ctx, "spawn", func() error { return spawnErr })
	assert.Same(t, spawnErr, err)

	probe := m.GetOperationMetrics("probe")
	require.NotNil(t, probe)
	assert.EqualValues(t, 1, probe.Count)
	assert.EqualValues(t, 1, probe.Successes)
	assert.GreaterOrEqual(t, probe.MinDuration, time.Millisecond)

	spawn := m.GetOperationMetrics("spawn")
	require.NotNil(t, spawn)
	assert.EqualValues(t, 1, spawn.Errors)

	errs := m.GetErrorMetrics()
	require.Contains(t, errs, "spawn:SPAWN_FAILED")
	assert.Equal(t, "spawn", errs["spawn:SPAWN_FAILED"].Operation)

	assert.Nil(t, m.GetOperationMetrics("missing"))
}

func TestTrackOperation_Aggregates(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 3; i++ {
		_ = m.TrackOperation(context.Background(), "terminate", func() error { return nil })
	}

	all := m.GetAllOperationMetrics()
	require.Contains(t, all, "terminate")
	assert.EqualValues(t, 3, all["terminate"].Count)
	assert.LessOrEqual(t, all["terminate"].MinDuration, all["terminate"].MaxDuration)
}

func TestTrackError_PlainError(t *testing.T) {
	m := NewMonitor()
	m.TrackError(context.Background(), "probe", stderrors.New("boom"))

	errs := m.GetErrorMetrics()
	require.Contains(t, errs, "internal:UNKNOWN_ERROR")
	assert.Equal(t, "boom", errs["internal:UNKNOWN_ERROR"].Message)
}

func TestLogMetricsSummary(t *testing.T) {
	var buf bytes.Buffer
	m := NewMonitor()
	m.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	_ = m.TrackOperation(context.Background(), "probe", func() error { return nil })
	m.LogMetricsSummary(context.Background())

	assert.Contains(t, buf.String(), "Operation metrics")
	assert.Contains(t, buf.String(), "operation=probe")
	assert.Contains(t, buf.String(), "component=metrics")
}

func TestReset(t *testing.T) {
	m := NewMonitor()
	_ = m.TrackOperation(context.Background(), "probe", func() error { return stderrors.New("x") })
	m.Reset()

	assert.Empty(t, m.GetAllOperationMetrics())
	assert.Empty(t, m.GetErrorMetrics())
}
