package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"isocore/internal/blob"
	"isocore/internal/core"
	"isocore/internal/event"
	"isocore/internal/step"
	"isocore/pkg/domain"
)

// CommandCounter counts command outcomes by name and status.
type CommandCounter interface {
	Command(name, status string)
}

type noopCounter struct{}

func (noopCounter) Command(string, string) {}

// Processor executes commands against a store and publishes their events in
// commit order.
type Processor struct {
	store domain.PersistentStore
	bus   *event.Bus
	obs   core.Observability

	blobs    blob.Store
	registry *step.Registry
	counter  CommandCounter

	// commitMu spans commit and publish so sequence numbers follow commit order.
	commitMu sync.Mutex
	seq      uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithBus publishes committed events on bus.
func WithBus(bus *event.Bus) Option { return func(p *Processor) { p.bus = bus } }

// WithBlobStore sets the raw file archive used by the raw file commands.
func WithBlobStore(store blob.Store) Option { return func(p *Processor) { p.blobs = store } }

// WithRegistry validates analysis step types against registry.
func WithRegistry(registry *step.Registry) Option {
	return func(p *Processor) { p.registry = registry }
}

// WithObservability replaces every ambient service at once.
func WithObservability(obs core.Observability) Option { return func(p *Processor) { p.obs = obs } }

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option { return func(p *Processor) { p.obs.Logger = logger } }

// WithClock sets the clock used for audit timestamps and durations.
func WithClock(clock core.Clock) Option { return func(p *Processor) { p.obs.Clock = clock } }

// WithMetricsRecorder sets the per-operation metrics recorder.
func WithMetricsRecorder(rec core.MetricsRecorder) Option {
	return func(p *Processor) { p.obs.Metrics = rec }
}

// WithTracer sets the tracer.
func WithTracer(tracer core.Tracer) Option { return func(p *Processor) { p.obs.Tracer = tracer } }

// WithAuditRecorder sets the audit recorder.
func WithAuditRecorder(rec core.AuditRecorder) Option {
	return func(p *Processor) { p.obs.Audit = rec }
}

// WithCommandCounter counts outcomes, typically with core.CommandMetrics.
func WithCommandCounter(c CommandCounter) Option { return func(p *Processor) { p.counter = c } }

// NewProcessor constructs a processor over store.
func NewProcessor(store domain.PersistentStore, opts ...Option) *Processor {
	p := &Processor{store: store, counter: noopCounter{}}
	for _, opt := range opts {
		opt(p)
	}
	p.obs = p.obs.WithDefaults()
	return p
}

// Store returns the backing store.
func (p *Processor) Store() domain.PersistentStore { return p.store }

// Sequence returns the sequence number of the last published event.
func (p *Processor) Sequence() uint64 {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	return p.seq
}

// Execute authenticates and runs cmd. The returned response always carries a
// status; Err is set for every status other than OK.
func (p *Processor) Execute(ctx context.Context, principal Principal, cmd Command) Response {
	if cmd == nil {
		return Response{Status: domain.StatusExecutionError, Err: errors.New("command required"), Message: "command required"}
	}
	resp := Response{Command: cmd.CommandName(), CorrelationID: uuid.NewString()}
	started := p.obs.Clock.Now()
	ctx, span := p.obs.Tracer.Start(ctx, "command."+cmd.CommandName())

	fx := &Effects{blobs: p.blobs, registry: p.registry}
	if !cmd.Authenticate(principal) {
		resp.Err = fmt.Errorf("%s: %w", cmd.CommandName(), domain.ErrAuthorizationDenied)
	} else {
		p.run(ctx, cmd, fx, &resp)
	}

	resp.Status = domain.StatusFromError(resp.Err)
	if resp.Err != nil {
		resp.Message = resp.Err.Error()
		resp.Events = nil
	}
	duration := p.obs.Clock.Now().Sub(started)
	span.End(resp.Err)
	p.obs.Metrics.Observe(ctx, "command."+cmd.CommandName(), resp.Err == nil, duration)
	p.counter.Command(cmd.CommandName(), string(resp.Status))
	p.audit(ctx, principal, resp, started, duration)
	p.log(principal, resp, duration)
	return resp
}

func (p *Processor) run(ctx context.Context, cmd Command, fx *Effects, resp *Response) {
	p.commitMu.Lock()
	var payload any
	result, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		fx.events = nil
		var execErr error
		payload, execErr = cmd.Execute(ctx, tx, fx)
		return execErr
	})
	resp.Result = result
	if err != nil {
		p.commitMu.Unlock()
		for i := len(fx.onAbort) - 1; i >= 0; i-- {
			fx.onAbort[i](context.WithoutCancel(ctx))
		}
		resp.Err = err
		return
	}
	events := make([]domain.Event, len(fx.events))
	for i, ev := range fx.events {
		p.seq++
		ev.Sequence = p.seq
		events[i] = ev
	}
	if p.bus != nil && len(events) > 0 {
		if perr := p.bus.Publish(context.WithoutCancel(ctx), events...); perr != nil {
			p.obs.Logger.Warn("publish events", "command", cmd.CommandName(), "error", perr)
		}
	}
	p.commitMu.Unlock()

	resp.Payload = payload
	resp.Events = events
	for _, fn := range fx.afterCommit {
		if herr := fn(context.WithoutCancel(ctx)); herr != nil {
			p.obs.Logger.Warn("after commit hook failed", "command", cmd.CommandName(), "correlation_id", resp.CorrelationID, "error", herr)
		}
	}
}

func (p *Processor) audit(ctx context.Context, principal Principal, resp Response, started time.Time, duration time.Duration) {
	entry := core.AuditEntry{
		Operation:     resp.Command,
		Principal:     principal.ID,
		CorrelationID: resp.CorrelationID,
		Status:        core.AuditStatusSuccess,
		Result:        string(resp.Status),
		Events:        len(resp.Events),
		StartedAt:     started,
		Duration:      duration,
	}
	if resp.Err != nil {
		entry.Status = core.AuditStatusError
		entry.Error = resp.Err.Error()
	}
	p.obs.Audit.Record(ctx, entry)
}

func (p *Processor) log(principal Principal, resp Response, duration time.Duration) {
	args := []any{
		"command", resp.Command,
		"principal", principal.ID,
		"correlation_id", resp.CorrelationID,
		"status", resp.Status,
		"events", len(resp.Events),
		"duration", duration,
	}
	switch resp.Status {
	case domain.StatusOK:
		p.obs.Logger.Info("command executed", args...)
	case domain.StatusDBError:
		p.obs.Logger.Error("command failed", append(args, "error", resp.Err)...)
	default:
		p.obs.Logger.Warn("command rejected", append(args, "error", resp.Err)...)
	}
}
