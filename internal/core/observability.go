// Package core carries the ambient services shared by isocore components:
// structured logging, clocks, metrics, tracing, auditing and storage driver
// selection.
package core

import (
	"context"
	"time"
)

// Logger is the structured logging contract used across isocore. Args are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoopLogger returns a logger that discards every record.
func NoopLogger() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a clock reading UTC wall time.
func SystemClock() Clock {
	return ClockFunc(func() time.Time { return time.Now().UTC() })
}

// MetricsRecorder receives the outcome of every observed operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// NoopMetrics returns a recorder that ignores observations.
func NoopMetrics() MetricsRecorder { return noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts spans around operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

// NoopTracer returns a tracer whose spans do nothing.
func NoopTracer() Tracer { return noopTracer{} }

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// AuditStatus is the outcome recorded for an audited command.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one executed command.
type AuditEntry struct {
	Operation     string        `json:"operation"`
	Principal     string        `json:"principal,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Status        AuditStatus   `json:"status"`
	Result        string        `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	Events        int           `json:"events"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// NoopAudit returns a recorder that drops entries.
func NoopAudit() AuditRecorder { return noopAudit{} }

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// Observability bundles the ambient services a component receives.
type Observability struct {
	Logger  Logger
	Clock   Clock
	Metrics MetricsRecorder
	Tracer  Tracer
	Audit   AuditRecorder
}

// WithDefaults fills unset members with no-op implementations and the system
// clock.
func (o Observability) WithDefaults() Observability {
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Tracer == nil {
		o.Tracer = noopTracer{}
	}
	if o.Audit == nil {
		o.Audit = noopAudit{}
	}
	return o
}
