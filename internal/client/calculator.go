// Package client adapts the caches and the single-entity calculator to a
// selection-driven view. A Calculator follows one selected replicate or
// sample, loads what it needs through the caches, recalculates whenever an
// input changes and reports its status to listeners on the loop.
package client

import (
	"fmt"
	"sync"
	"time"

	"isocore/internal/cache"
	"isocore/internal/cache/plugins"
	"isocore/internal/calc"
	"isocore/internal/core"
	"isocore/internal/loop"
	"isocore/pkg/domain"
	"isocore/pkg/scratchpad"
)

// Selection names the entity being calculated and the analysis to run. The
// entity is a replicate (replicate analysis) or a sample (sample analysis).
type Selection struct {
	Entity     domain.EntityType
	ID         string
	AnalysisID string
}

// Status is the calculator's coarse state.
type Status int

// Calculator states.
const (
	StatusIdle Status = iota
	StatusLoading
	StatusCalculating
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusCalculating:
		return "calculating"
	case StatusDone:
		return "done"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Listener is notified on the loop whenever the calculator's status or
// result changes. Implementations must be comparable; wrap closures with
// Func.
type Listener interface {
	StatusChanged(*Calculator)
}

// Func wraps fn as a comparable Listener.
func Func(fn func(*Calculator)) Listener { return &funcListener{fn: fn} }

type funcListener struct{ fn func(*Calculator) }

func (f *funcListener) StatusChanged(c *Calculator) { f.fn(c) }

// Metrics receives restart counts and calculation durations.
// core.CalcMetrics implements it.
type Metrics interface {
	Restart()
	Duration(kind string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Restart()                       {}
func (noopMetrics) Duration(string, time.Duration) {}

// Caches are the caches a Calculator reads. Replicate selections need the
// first three, sample selections need Samples. All of them must deliver on
// the calculator's loop.
type Caches struct {
	Replicates *cache.Cache[string, domain.Replicate]
	Intervals  *cache.Cache[string, []domain.CorrInterval]
	Batches    *cache.Cache[calc.BatchKey, *calc.BatchResult]
	Samples    *cache.Cache[plugins.SampleKey, *calc.SampleResult]
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithLogger sets the logger used for restarts and failures.
func WithLogger(l core.Logger) Option {
	return func(c *Calculator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the restart and duration sink.
func WithMetrics(m Metrics) Option {
	return func(c *Calculator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock sets the clock used to time calculations.
func WithClock(clock core.Clock) Option {
	return func(c *Calculator) {
		if clock != nil {
			c.now = clock.Now
		}
	}
}

// Calculator is the calculator adapter. Query methods are safe from any
// goroutine; everything else happens on the loop.
type Calculator struct {
	loop      *loop.Loop
	ownLoop   bool
	caches    Caches
	logger    core.Logger
	metrics   Metrics
	now       func() time.Time
	calculate func(*calc.BatchResult, domain.Replicate) (*calc.SingleResult, error)
	wg        sync.WaitGroup

	// Loop-only state.
	gen          uint64
	sel          Selection
	rep          *domain.Replicate
	instrument   string
	intervals    []domain.CorrInterval
	hasIntervals bool
	batchKey     calc.BatchKey
	batch        *calc.BatchResult
	fetchErr     error
	running      bool
	stale        bool
	repL         cache.Listener[domain.Replicate]
	intervalsL   cache.Listener[[]domain.CorrInterval]
	batchL       cache.Listener[*calc.BatchResult]
	sampleL      cache.Listener[*calc.SampleResult]

	mu        sync.Mutex
	status    Status
	single    *calc.SingleResult
	sample    *calc.SampleResult
	err       error
	listeners []Listener
}

// New returns an idle calculator. l must be the loop the caches deliver on;
// when nil the calculator starts and owns a loop of its own.
func New(l *loop.Loop, caches Caches, opts ...Option) *Calculator {
	c := &Calculator{
		loop:      l,
		caches:    caches,
		logger:    core.NoopLogger(),
		metrics:   noopMetrics{},
		now:       time.Now,
		calculate: calc.Calculate,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.loop == nil {
		c.loop = loop.New().Start()
		c.ownLoop = true
	}
	return c
}

// SetSelection switches the calculator to sel. Listeners of the previous
// selection's cache entries are detached, so late results for it are
// ignored. A zero Selection makes the calculator idle.
func (c *Calculator) SetSelection(sel Selection) {
	c.loop.Submit(func() { c.reset(sel) })
}

// Selection returns the current selection.
func (c *Calculator) Selection() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel
}

// Status returns the current state.
func (c *Calculator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsLoading reports whether inputs are still being fetched.
func (c *Calculator) IsLoading() bool { return c.Status() == StatusLoading }

// IsCalculating reports whether a calculation is running.
func (c *Calculator) IsCalculating() bool { return c.Status() == StatusCalculating }

// IsSuccessful reports whether the last published result has no errors.
func (c *Calculator) IsSuccessful() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusDone && len(c.errorsLocked()) == 0
}

// Errors returns the fetch error and every step error of the last result.
func (c *Calculator) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorsLocked()
}

func (c *Calculator) errorsLocked() []error {
	var out []error
	if c.err != nil {
		out = append(out, c.err)
	}
	switch {
	case c.single != nil:
		for _, e := range c.single.Errors {
			out = append(out, e)
		}
	case c.sample != nil:
		for _, e := range c.sample.Errors {
			out = append(out, e)
		}
	}
	return out
}

// Result returns the ScratchPad of the last published result.
func (c *Calculator) Result() *scratchpad.ScratchPad {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.single != nil:
		return c.single.ScratchPad
	case c.sample != nil:
		return c.sample.ScratchPad
	}
	return nil
}

// ReplicateResult returns the last replicate result, if any.
func (c *Calculator) ReplicateResult() *calc.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.single
}

// SampleResult returns the last sample result, if any.
func (c *Calculator) SampleResult() *calc.SampleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample
}

// AddListener attaches l. Adding the same listener twice is a no-op.
func (c *Calculator) AddListener(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.listeners {
		if existing == l {
			return
		}
	}
	c.listeners = append(c.listeners, l)
}

// RemoveListener detaches l.
func (c *Calculator) RemoveListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Close disposes the calculator: its cache listeners are detached and
// running calculations are waited for. It must not be called on the loop.
func (c *Calculator) Close() {
	done := make(chan struct{})
	if c.loop.Submit(func() {
		c.detach()
		c.gen++
		close(done)
	}) {
		<-done
	}
	c.wg.Wait()
	if c.ownLoop {
		c.loop.Stop()
	}
}

func (c *Calculator) reset(sel Selection) {
	c.detach()
	c.gen++
	gen := c.gen
	c.rep, c.instrument, c.intervals, c.hasIntervals = nil, "", nil, false
	c.batchKey, c.batch, c.fetchErr = calc.BatchKey{}, nil, nil
	c.running, c.stale = false, false

	c.mu.Lock()
	c.sel = sel
	c.single, c.sample, c.err = nil, nil, nil
	c.mu.Unlock()

	switch {
	case sel.ID == "":
		c.publish(StatusIdle, nil, nil, nil)
	case sel.Entity == domain.EntityReplicate:
		c.repL = cache.Func(func(u cache.Update[domain.Replicate]) {
			if c.gen == gen {
				c.onReplicate(u)
			}
		})
		c.intervalsL = cache.Func(func(u cache.Update[[]domain.CorrInterval]) {
			if c.gen == gen && u.Key == c.instrument {
				c.onIntervals(u)
			}
		})
		c.batchL = cache.Func(func(u cache.Update[*calc.BatchResult]) {
			if c.gen == gen && u.Key == c.batchKey.String() {
				c.onBatch(u)
			}
		})
		if t := c.caches.Replicates.Get(sel.ID, c.repL); t.Cached {
			c.rep = &t.Value
		}
		c.advance()
	case sel.Entity == domain.EntitySample:
		key := plugins.SampleKey{SampleID: sel.ID, AnalysisID: sel.AnalysisID}
		c.sampleL = cache.Func(func(u cache.Update[*calc.SampleResult]) {
			if c.gen == gen {
				c.onSample(key, u)
			}
		})
		c.publish(StatusLoading, nil, nil, nil)
		if t := c.caches.Samples.Get(key, c.sampleL); t.Cached {
			c.publish(StatusDone, nil, t.Value, nil)
		}
	default:
		c.publish(StatusDone, nil, nil, fmt.Errorf("cannot calculate %s entities", sel.Entity))
	}
}

func (c *Calculator) detach() {
	if c.repL != nil {
		c.caches.Replicates.Release(c.sel.ID, c.repL)
	}
	if c.intervalsL != nil && c.instrument != "" {
		c.caches.Intervals.Release(c.instrument, c.intervalsL)
	}
	if c.batchL != nil && c.batchKey != (calc.BatchKey{}) {
		c.caches.Batches.Release(c.batchKey, c.batchL)
	}
	if c.sampleL != nil {
		c.caches.Samples.Release(plugins.SampleKey{SampleID: c.sel.ID, AnalysisID: c.sel.AnalysisID}, c.sampleL)
	}
	c.repL, c.intervalsL, c.batchL, c.sampleL = nil, nil, nil, nil
}

func (c *Calculator) onReplicate(u cache.Update[domain.Replicate]) {
	switch u.Kind {
	case cache.Loaded, cache.Saved:
		v := u.Value
		c.rep, c.fetchErr = &v, nil
	case cache.Failed:
		c.fetchErr = u.Err
	case cache.Invalidated:
		c.rep = nil
		if t := c.caches.Replicates.Get(c.sel.ID, c.repL); t.Cached {
			c.rep = &t.Value
		}
	case cache.Deleted:
		c.rep = nil
		c.fetchErr = domain.ErrNotFound{Entity: domain.EntityReplicate, ID: c.sel.ID}
	}
	c.advance()
}

func (c *Calculator) onIntervals(u cache.Update[[]domain.CorrInterval]) {
	switch u.Kind {
	case cache.Loaded:
		c.intervals, c.hasIntervals, c.fetchErr = u.Value, true, nil
	case cache.Failed:
		c.fetchErr = u.Err
	case cache.Invalidated, cache.Deleted:
		c.intervals, c.hasIntervals = nil, false
		if t := c.caches.Intervals.Get(c.instrument, c.intervalsL); t.Cached {
			c.intervals, c.hasIntervals = t.Value, true
		}
	}
	c.advance()
}

func (c *Calculator) onBatch(u cache.Update[*calc.BatchResult]) {
	switch u.Kind {
	case cache.Loaded:
		c.batch, c.fetchErr = u.Value, nil
	case cache.Failed:
		c.fetchErr = u.Err
	case cache.Invalidated, cache.Deleted:
		// The interval went away; the interval list reload picks the
		// batch that replaces it.
		c.caches.Batches.Release(c.batchKey, c.batchL)
		c.batchKey, c.batch = calc.BatchKey{}, nil
		if c.running {
			c.stale = true
		}
		c.publish(StatusLoading, nil, nil, nil)
		return
	}
	c.advance()
}

func (c *Calculator) onSample(key plugins.SampleKey, u cache.Update[*calc.SampleResult]) {
	switch u.Kind {
	case cache.Loaded, cache.Saved:
		c.publish(StatusDone, nil, u.Value, nil)
	case cache.Failed:
		c.publish(StatusDone, nil, nil, u.Err)
	case cache.Invalidated, cache.Deleted:
		c.publish(StatusLoading, nil, nil, nil)
		if t := c.caches.Samples.Get(key, c.sampleL); t.Cached {
			c.publish(StatusDone, nil, t.Value, nil)
		}
	}
}

// advance moves a replicate selection as far as its loaded inputs allow:
// replicate, then the instrument's intervals, then the batch for the
// containing interval, then a calculation.
func (c *Calculator) advance() {
	if c.running {
		c.stale = true
		return
	}
	if c.fetchErr != nil {
		c.publish(StatusDone, nil, nil, c.fetchErr)
		return
	}
	if c.rep == nil {
		c.publish(StatusLoading, nil, nil, nil)
		return
	}
	if c.rep.InstrumentID != c.instrument {
		if c.instrument != "" {
			c.caches.Intervals.Release(c.instrument, c.intervalsL)
		}
		c.instrument, c.intervals, c.hasIntervals = c.rep.InstrumentID, nil, false
		if t := c.caches.Intervals.Get(c.instrument, c.intervalsL); t.Cached {
			c.intervals, c.hasIntervals = t.Value, true
		}
	}
	if !c.hasIntervals {
		c.publish(StatusLoading, nil, nil, nil)
		return
	}
	ci, ok := plugins.IntervalFor(c.intervals, c.rep.Timestamp)
	if !ok {
		c.publish(StatusDone, nil, nil, fmt.Errorf("no calibration interval contains replicate %s at %d", c.rep.ID, c.rep.Timestamp))
		return
	}
	key := calc.BatchKey{IntervalID: ci.ID, AnalysisID: c.sel.AnalysisID}
	if key != c.batchKey {
		if c.batchKey != (calc.BatchKey{}) {
			c.caches.Batches.Release(c.batchKey, c.batchL)
		}
		c.batchKey, c.batch = key, nil
		if t := c.caches.Batches.Get(key, c.batchL); t.Cached {
			c.batch = t.Value
		}
	}
	if c.batch == nil {
		c.publish(StatusLoading, nil, nil, nil)
		return
	}
	c.start()
}

func (c *Calculator) start() {
	c.running, c.stale = true, false
	c.publish(StatusCalculating, nil, nil, nil)
	gen, batch, rep := c.gen, c.batch, *c.rep
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		began := c.now()
		res, err := c.calculate(batch, rep)
		elapsed := c.now().Sub(began)
		c.loop.Submit(func() { c.finish(gen, batch, res, err, elapsed) })
	}()
}

// finish publishes a calculation unless an input changed while it ran, in
// which case the result is dropped and the calculation restarts with the
// current inputs.
func (c *Calculator) finish(gen uint64, batch *calc.BatchResult, res *calc.SingleResult, err error, elapsed time.Duration) {
	if gen != c.gen {
		return
	}
	c.running = false
	if c.stale || batch != c.batch {
		c.stale = false
		c.metrics.Restart()
		c.logger.Debug("restarting stale calculation", "replicate", c.sel.ID, "batch", batch.Key.String(), "batch_version", batch.Version)
		c.advance()
		return
	}
	c.metrics.Duration("replicate", elapsed)
	if err != nil {
		c.logger.Warn("calculation failed", "replicate", c.sel.ID, "error", err)
	}
	c.publish(StatusDone, res, nil, err)
}

// publish records the visible state and notifies listeners. Intermediate
// states keep the previous result visible.
func (c *Calculator) publish(status Status, single *calc.SingleResult, sample *calc.SampleResult, err error) {
	c.mu.Lock()
	if status == StatusDone {
		c.single, c.sample, c.err = single, sample, err
	}
	changed := status != c.status || status == StatusDone
	c.status = status
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	if !changed {
		return
	}
	for _, l := range listeners {
		l.StatusChanged(c)
	}
}
