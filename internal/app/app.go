// Package app holds the application context: one instance of every cache,
// the command processor, the event bus and the loop, wired together and
// passed explicitly to whatever needs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"isocore/internal/blob"
	"isocore/internal/cache"
	"isocore/internal/cache/plugins"
	"isocore/internal/calc"
	"isocore/internal/client"
	"isocore/internal/command"
	"isocore/internal/config"
	"isocore/internal/core"
	"isocore/internal/event"
	"isocore/internal/loop"
	"isocore/internal/server"
	"isocore/pkg/domain"
)

// App is the application context. Caches deliver on Loop and receive every
// committed event from Bus in commit order.
type App struct {
	Logger    core.Logger
	Principal command.Principal
	Registry  prometheus.Registerer
	Bus       *event.Bus
	Loop      *loop.Loop
	Server    *server.Server

	Replicates *cache.Cache[string, domain.Replicate]
	Intervals  *cache.Cache[string, []domain.CorrInterval]
	Batches    *cache.Cache[calc.BatchKey, *calc.BatchResult]
	Samples    *cache.Cache[plugins.SampleKey, *calc.SampleResult]
	RawFiles   *cache.Cache[string, plugins.RawFileContent]

	calcMetrics *core.CalcMetrics
	closers     []func() error
	cancel      context.CancelFunc
	sub         *event.Subscription
	pump        sync.WaitGroup
	progress    progress
	closeOnce   sync.Once
	closeErr    error
}

type options struct {
	logger      core.Logger
	registry    prometheus.Registerer
	principal   command.Principal
	eventBuffer int
	concurrency int
	obs         core.Observability
}

// Option configures New and Open.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l core.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers every collector with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option { return func(o *options) { o.registry = reg } }

// WithPrincipal sets the identity used by cache saves and deletes and by
// Execute.
func WithPrincipal(p command.Principal) Option { return func(o *options) { o.principal = p } }

// WithEventBuffer sets the per-subscriber event buffer.
func WithEventBuffer(n int) Option { return func(o *options) { o.eventBuffer = n } }

// WithBatchConcurrency bounds window recomputation.
func WithBatchConcurrency(n int) Option { return func(o *options) { o.concurrency = n } }

// WithObservability sets the tracer and audit recorder. Logger and metrics
// fields left nil are filled in by the application.
func WithObservability(obs core.Observability) Option { return func(o *options) { o.obs = obs } }

// New wires an application over an open store and archive. blobs may be nil
// when raw files are not used.
func New(store domain.PersistentStore, blobs blob.Store, opts ...Option) *App {
	o := options{
		principal:   command.Admin("local"),
		eventBuffer: config.DefaultEventBuffer,
		concurrency: config.DefaultBatchConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = core.NoopLogger()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	a := &App{
		Logger:      o.logger,
		Principal:   o.principal,
		Registry:    o.registry,
		Bus:         event.NewBus(o.eventBuffer),
		Loop:        loop.New().Start(),
		calcMetrics: core.NewCalcMetrics(o.registry),
	}
	a.progress.wake = make(chan struct{})

	obs := o.obs
	obs.Logger = o.logger
	if obs.Metrics == nil {
		obs.Metrics = core.NewPrometheusRecorder(o.registry)
	}
	srvOpts := []server.Option{
		server.WithBus(a.Bus),
		server.WithObservability(obs),
		server.WithCalcMetrics(a.calcMetrics),
		server.WithCommandCounter(core.NewCommandMetrics(o.registry)),
		server.WithBatchConcurrency(o.concurrency),
	}
	if blobs != nil {
		srvOpts = append(srvOpts, server.WithBlobStore(blobs))
	}
	a.Server = server.New(store, srvOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	cacheOpts := []cache.Option{
		cache.WithLoop(a.Loop),
		cache.WithLogger(o.logger),
		cache.WithMetrics(core.NewCacheMetrics(o.registry)),
		cache.WithContext(ctx),
	}
	a.Replicates = cache.New[string, domain.Replicate](plugins.Replicate{Backend: a.Server, Principal: a.Principal}, cacheOpts...)
	a.Intervals = cache.New[string, []domain.CorrInterval](plugins.CorrIntervals{Backend: a.Server}, cacheOpts...)
	a.Batches = cache.New[calc.BatchKey, *calc.BatchResult](plugins.Batch{Backend: a.Server}, cacheOpts...)
	a.Samples = cache.New[plugins.SampleKey, *calc.SampleResult](plugins.ComputedSample{Backend: a.Server}, cacheOpts...)
	a.RawFiles = cache.New[string, plugins.RawFileContent](plugins.RawFile{Backend: a.Server, Principal: a.Principal}, cacheOpts...)

	a.sub = a.Bus.Subscribe()
	a.pump.Add(1)
	go func() {
		defer a.pump.Done()
		event.Pump(ctx, a.sub, a.apply)
	}()
	return a
}

// Open builds the configured logger, store and archive and wires an
// application over them. Close releases all of them.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := core.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	store, err := core.OpenStore(cfg.StorageOptions(), nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := blob.Open(ctx, cfg.BlobOptions())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	base := []Option{
		WithLogger(logger),
		WithEventBuffer(cfg.EventBuffer),
		WithBatchConcurrency(cfg.BatchConcurrency),
	}
	a := New(store, blobs, append(base, opts...)...)
	a.closers = append(a.closers, store.Close, func() error {
		_ = logger.Sync()
		return nil
	})
	return a, nil
}

func (a *App) apply(ev domain.Event) {
	a.Replicates.ApplyEvent(ev)
	a.Intervals.ApplyEvent(ev)
	a.Batches.ApplyEvent(ev)
	a.Samples.ApplyEvent(ev)
	a.RawFiles.ApplyEvent(ev)
	a.progress.advance(ev.Sequence)
}

// Execute runs cmd as the application principal.
func (a *App) Execute(ctx context.Context, cmd command.Command) command.Response {
	return a.Server.Execute(ctx, a.Principal, cmd)
}

// Caches returns the caches a calculator reads.
func (a *App) Caches() client.Caches {
	return client.Caches{
		Replicates: a.Replicates,
		Intervals:  a.Intervals,
		Batches:    a.Batches,
		Samples:    a.Samples,
	}
}

// NewCalculator returns a calculator adapter over the application caches.
// Close it when its selection is no longer shown.
func (a *App) NewCalculator() *client.Calculator {
	return client.New(a.Loop, a.Caches(), client.WithLogger(a.Logger), client.WithMetrics(a.calcMetrics))
}

// Sync waits until every event committed so far has been applied to the
// caches, then drains the loop. It must not be called on the loop.
func (a *App) Sync(ctx context.Context) error {
	if err := a.progress.wait(ctx, a.Server.Processor().Sequence()); err != nil {
		return err
	}
	a.Loop.Sync()
	return nil
}

// Close stops the event pump, closes the caches, the bus and the loop, then
// releases the store.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		// Detaching the subscription first releases a publisher blocked on
		// its full buffer.
		a.sub.Close()
		a.cancel()
		a.pump.Wait()
		a.Bus.Close()
		a.Replicates.Close()
		a.Intervals.Close()
		a.Batches.Close()
		a.Samples.Close()
		a.RawFiles.Close()
		a.Loop.Stop()
		var errs []error
		for _, fn := range a.closers {
			errs = append(errs, fn())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

type progress struct {
	mu      sync.Mutex
	applied uint64
	wake    chan struct{}
}

func (p *progress) advance(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.applied {
		p.applied = seq
	}
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *progress) wait(ctx context.Context, target uint64) error {
	for {
		p.mu.Lock()
		if p.applied >= target {
			p.mu.Unlock()
			return nil
		}
		wake := p.wake
		p.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
