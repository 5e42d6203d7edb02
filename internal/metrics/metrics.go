// Package metrics collects timing and error counts for the operations of a
// census run (probe, spawn, terminate, ...).
//
// Example usage:
//
//	monitor := metrics.NewMonitor()
//	err := monitor.TrackOperation(ctx, "probe", func() error {
//		n, err = probe.Count()
//		return err
//	})
//	monitor.LogMetricsSummary(ctx)
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bebsworthy/proccensus/internal/errors"
)

// OperationMetrics tracks metrics for specific operations
type OperationMetrics struct {
	Name            string        `json:"name"`
	Count           int64         `json:"count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastExecution   time.Time     `json:"last_execution"`
	Errors          int64         `json:"errors"`
	Successes       int64         `json:"successes"`
}

// ErrorMetrics tracks error occurrences
type ErrorMetrics struct {
	Type         string    `json:"type"`
	Code         string    `json:"code"`
	Count        int64     `json:"count"`
	LastOccurred time.Time `json:"last_occurred"`
	Operation    string    `json:"operation"`
	Message      string    `json:"message"`
}

// Monitor provides performance monitoring functionality
type Monitor struct {
	logger *slog.Logger
	mu     sync.RWMutex

	operations map[string]*OperationMetrics
	errors     map[string]*ErrorMetrics
}

// NewMonitor creates a new performance monitor
func NewMonitor() *Monitor {
	return &Monitor{
		operations: make(map[string]*OperationMetrics),
		errors:     make(map[string]*ErrorMetrics),
	}
}

// SetLogger sets the logger for metrics output
func (m *Monitor) SetLogger(logger *slog.Logger) {
	m.logger = logger.With(slog.String("component", "metrics"))
}

// TrackOperation times fn and records the outcome under operation
func (m *Monitor) TrackOperation(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	m.recordOperation(operation, duration, err == nil)

	if err != nil {
		m.TrackError(ctx, operation, err)
	}

	if m.logger != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.logger.LogAttrs(ctx, slog.LevelDebug, "Operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.String("status", status),
		)
	}

	return err
}

func (m *Monitor) recordOperation(name string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, exists := m.operations[name]
	if !exists {
		metrics = &OperationMetrics{
			Name:        name,
			MinDuration: duration,
			MaxDuration: duration,
		}
		m.operations[name] = metrics
	}

	metrics.Count++
	metrics.TotalDuration += duration
	metrics.LastExecution = time.Now()

	if duration < metrics.MinDuration {
		metrics.MinDuration = duration
	}
	if duration > metrics.MaxDuration {
		metrics.MaxDuration = duration
	}

	metrics.AverageDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)

	if success {
		metrics.Successes++
	} else {
		metrics.Errors++
	}
}

// TrackError records an error against the operation that produced it
func (m *Monitor) TrackError(ctx context.Context, operation string, err error) {
	errorType := string(errors.GetType(err))
	code := errors.GetCode(err)
	key := errorType + ":" + code

	m.mu.Lock()
	errorMetrics, exists := m.errors[key]
	if !exists {
		errorMetrics = &ErrorMetrics{
			Type:      errorType,
			Code:      code,
			Operation: operation,
		}
		m.errors[key] = errorMetrics
	}
	errorMetrics.Count++
	errorMetrics.LastOccurred = time.Now()
	errorMetrics.Message = err.Error()
	count := errorMetrics.Count
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.DebugContext(ctx, "Error tracked",
			slog.String("error_type", errorType),
			slog.String("error_code", code),
			slog.String("operation", operation),
			slog.Int64("count", count),
		)
	}
}

// GetOperationMetrics returns metrics for a specific operation
func (m *Monitor) GetOperationMetrics(operation string) *OperationMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, exists := m.operations[operation]; exists {
		copy := *metrics
		return &copy
	}
	return nil
}

// GetAllOperationMetrics returns all operation metrics
func (m *Monitor) GetAllOperationMetrics() map[string]*OperationMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*OperationMetrics)
	for name, metrics := range m.operations {
		copy := *metrics
		result[name] = &copy
	}
	return result
}

// GetErrorMetrics returns all error metrics keyed by "type:code"
func (m *Monitor) GetErrorMetrics() map[string]*ErrorMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ErrorMetrics)
	for key, metrics := range m.errors {
		copy := *metrics
		result[key] = &copy
	}
	return result
}

// LogMetricsSummary logs a summary of all collected metrics
func (m *Monitor) LogMetricsSummary(ctx context.Context) {
	if m.logger == nil {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.operations))
	for name := range m.operations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		metrics := m.operations[name]
		m.logger.InfoContext(ctx, "Operation metrics",
			slog.String("operation", name),
			slog.Int64("count", metrics.Count),
			slog.Int64("errors", metrics.Errors),
			slog.Duration("avg_duration", metrics.AverageDuration),
			slog.Duration("min_duration", metrics.MinDuration),
			slog.Duration("max_duration", metrics.MaxDuration),
		)
	}

	for _, metrics := range m.errors {
		m.logger.InfoContext(ctx, "Error metrics",
			slog.String("error_type", metrics.Type),
			slog.String("error_code", metrics.Code),
			slog.String("operation", metrics.Operation),
			slog.Int64("count", metrics.Count),
		)
	}
}

// Reset clears all metrics
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.operations = make(map[string]*OperationMetrics)
	m.errors = make(map[string]*ErrorMetrics)
}
