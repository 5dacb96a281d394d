// Package server is the local single-process backend: it answers reads,
// executes commands and computes batch, replicate and sample results on
// demand.
package server

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"isocore/internal/blob"
	"isocore/internal/calc"
	"isocore/internal/command"
	"isocore/internal/core"
	"isocore/internal/event"
	"isocore/internal/step"
	"isocore/pkg/domain"
)

// DefaultBatchConcurrency bounds parallel batch recomputation.
const DefaultBatchConcurrency = 4

// DurationObserver receives calculation durations by kind. core.CalcMetrics
// implements it.
type DurationObserver interface {
	Duration(kind string, d time.Duration)
}

type noopDurations struct{}

func (noopDurations) Duration(string, time.Duration) {}

// Server wires a store, a command processor and the calculators.
type Server struct {
	store     domain.PersistentStore
	processor *command.Processor
	bus       *event.Bus
	blobs     blob.Store
	registry  *step.Registry
	batches   *calc.BatchCalculator
	samples   *calc.SampleCalculator
	obs       core.Observability
	durations DurationObserver
	counter   command.CommandCounter
	limit     int
}

// Option configures a Server.
type Option func(*Server)

// WithBus publishes committed command events on bus.
func WithBus(bus *event.Bus) Option { return func(s *Server) { s.bus = bus } }

// WithBlobStore sets the raw file archive.
func WithBlobStore(store blob.Store) Option { return func(s *Server) { s.blobs = store } }

// WithRegistry sets the step registry used by calculators and analysis
// validation.
func WithRegistry(r *step.Registry) Option { return func(s *Server) { s.registry = r } }

// WithObservability sets the ambient services.
func WithObservability(obs core.Observability) Option { return func(s *Server) { s.obs = obs } }

// WithCalcMetrics observes calculation durations.
func WithCalcMetrics(d DurationObserver) Option { return func(s *Server) { s.durations = d } }

// WithCommandCounter counts command outcomes.
func WithCommandCounter(c command.CommandCounter) Option {
	return func(s *Server) { s.counter = c }
}

// WithBatchConcurrency bounds RecalculateWindow; values below one mean one.
func WithBatchConcurrency(n int) Option { return func(s *Server) { s.limit = max(n, 1) } }

// New constructs a server over store.
func New(store domain.PersistentStore, opts ...Option) *Server {
	s := &Server{store: store, durations: noopDurations{}, limit: DefaultBatchConcurrency}
	for _, opt := range opts {
		opt(s)
	}
	s.obs = s.obs.WithDefaults()
	if s.registry == nil {
		s.registry = step.DefaultRegistry()
	}
	s.batches = calc.NewBatchCalculator(s.registry, s.obs.Clock.Now)
	s.samples = calc.NewSampleCalculator(s.registry)
	procOpts := []command.Option{
		command.WithObservability(s.obs),
		command.WithRegistry(s.registry),
	}
	if s.bus != nil {
		procOpts = append(procOpts, command.WithBus(s.bus))
	}
	if s.blobs != nil {
		procOpts = append(procOpts, command.WithBlobStore(s.blobs))
	}
	if s.counter != nil {
		procOpts = append(procOpts, command.WithCommandCounter(s.counter))
	}
	s.processor = command.NewProcessor(store, procOpts...)
	return s
}

// Store returns the backing store.
func (s *Server) Store() domain.PersistentStore { return s.store }

// Processor returns the command processor.
func (s *Server) Processor() *command.Processor { return s.processor }

// Registry returns the step registry.
func (s *Server) Registry() *step.Registry { return s.registry }

// Execute runs a command on behalf of principal.
func (s *Server) Execute(ctx context.Context, principal command.Principal, cmd command.Command) command.Response {
	return s.processor.Execute(ctx, principal, cmd)
}

// Instruments lists every instrument.
func (s *Server) Instruments(ctx context.Context) ([]domain.Instrument, error) {
	var out []domain.Instrument
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListInstruments()
		return nil
	})
	return out, err
}

// Replicate returns one replicate.
func (s *Server) Replicate(ctx context.Context, id string) (domain.Replicate, error) {
	var out domain.Replicate
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		rep, ok := v.FindReplicate(id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityReplicate, ID: id}
		}
		out = rep
		return nil
	})
	return out, err
}

// Replicates lists replicates matching filter.
func (s *Server) Replicates(ctx context.Context, filter domain.ReplicateFilter) ([]domain.Replicate, error) {
	var out []domain.Replicate
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListReplicates(filter)
		return nil
	})
	return out, err
}

// Sample returns one sample.
func (s *Server) Sample(ctx context.Context, id string) (domain.Sample, error) {
	var out domain.Sample
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		sample, ok := v.FindSample(id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntitySample, ID: id}
		}
		out = sample
		return nil
	})
	return out, err
}

// Analyses lists every analysis.
func (s *Server) Analyses(ctx context.Context) ([]domain.Analysis, error) {
	var out []domain.Analysis
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListAnalyses()
		return nil
	})
	return out, err
}

// CorrIntervals returns an instrument's intervals ordered by start.
func (s *Server) CorrIntervals(ctx context.Context, instrumentID string) ([]domain.CorrInterval, error) {
	var out []domain.CorrInterval
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		if _, ok := v.FindInstrument(instrumentID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityInstrument, ID: instrumentID}
		}
		out = v.ListCorrIntervals(instrumentID)
		return nil
	})
	return out, err
}

// IntervalFor returns the interval containing ts.
func (s *Server) IntervalFor(ctx context.Context, instrumentID string, ts domain.Timestamp) (domain.CorrInterval, error) {
	intervals, err := s.CorrIntervals(ctx, instrumentID)
	if err != nil {
		return domain.CorrInterval{}, err
	}
	ci, ok := domain.FindContaining(intervals, ts)
	if !ok {
		return domain.CorrInterval{}, fmt.Errorf("instrument %s has no interval containing %d", instrumentID, ts)
	}
	return ci, nil
}

// LoadRawFile returns a raw file row and its archived bytes.
func (s *Server) LoadRawFile(ctx context.Context, id string) (domain.RawFile, []byte, error) {
	var file domain.RawFile
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		f, ok := v.FindRawFile(id)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityRawFile, ID: id}
		}
		file = f
		return nil
	})
	if err != nil {
		return domain.RawFile{}, nil, err
	}
	if s.blobs == nil {
		return file, nil, fmt.Errorf("raw file archive is not configured")
	}
	_, rc, err := s.blobs.Get(ctx, file.BlobKey)
	if err != nil {
		return file, nil, fmt.Errorf("load raw file %s: %w", id, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return file, nil, fmt.Errorf("read raw file %s: %w", id, err)
	}
	return file, data, nil
}

// CalculateBatch runs a batch calculation. Every call produces a new result
// with a higher version.
func (s *Server) CalculateBatch(ctx context.Context, key calc.BatchKey) (*calc.BatchResult, error) {
	started := s.obs.Clock.Now()
	var result *calc.BatchResult
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		var err error
		result, err = s.batches.Calculate(v, key)
		return err
	})
	duration := s.obs.Clock.Now().Sub(started)
	s.obs.Metrics.Observe(ctx, "calc.batch", err == nil, duration)
	if err != nil {
		s.obs.Logger.Warn("batch calculation failed", "interval", key.IntervalID, "analysis", key.AnalysisID, "error", err)
		return nil, err
	}
	s.durations.Duration("batch", duration)
	s.obs.Logger.Debug("batch calculated",
		"interval", key.IntervalID,
		"analysis", key.AnalysisID,
		"version", result.Version,
		"pads", len(result.ScratchPad.Children()),
		"errors", len(result.Errors),
		"duration", duration,
	)
	return result, nil
}

// CalculateReplicate computes one replicate against the batch of the
// interval containing it.
func (s *Server) CalculateReplicate(ctx context.Context, replicateID, analysisID string) (*calc.SingleResult, error) {
	rep, err := s.Replicate(ctx, replicateID)
	if err != nil {
		return nil, err
	}
	interval, err := s.IntervalFor(ctx, rep.InstrumentID, rep.Timestamp)
	if err != nil {
		return nil, err
	}
	batch, err := s.CalculateBatch(ctx, calc.BatchKey{IntervalID: interval.ID, AnalysisID: analysisID})
	if err != nil {
		return nil, err
	}
	return calc.Calculate(batch, rep)
}

// ComputeSample runs a sample analysis over the enabled replicates of a
// sample. Each replicate is calculated against the batch of the interval it
// falls in; batches are computed once per call.
func (s *Server) ComputeSample(ctx context.Context, sampleID, analysisID string) (*calc.SampleResult, error) {
	var (
		sample     domain.Sample
		analysis   domain.Analysis
		replicates []domain.Replicate
		intervals  = make(map[string][]domain.CorrInterval)
	)
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		var ok bool
		if sample, ok = v.FindSample(sampleID); !ok {
			return domain.ErrNotFound{Entity: domain.EntitySample, ID: sampleID}
		}
		if analysis, ok = v.FindAnalysis(analysisID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityAnalysis, ID: analysisID}
		}
		replicates = v.ListReplicates(domain.ReplicateFilter{SampleID: sampleID})
		for _, rep := range replicates {
			if _, seen := intervals[rep.InstrumentID]; !seen {
				intervals[rep.InstrumentID] = v.ListCorrIntervals(rep.InstrumentID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if analysis.Kind != domain.AnalysisSample {
		return nil, domain.Executionf("analysis %s is not a sample analysis", analysis.Name)
	}

	started := s.obs.Clock.Now()
	batches := make(map[calc.BatchKey]*calc.BatchResult)
	results := make([]*calc.SingleResult, 0, len(replicates))
	for _, rep := range replicates {
		interval, ok := domain.FindContaining(intervals[rep.InstrumentID], rep.Timestamp)
		if !ok {
			return nil, fmt.Errorf("instrument %s has no interval containing %d", rep.InstrumentID, rep.Timestamp)
		}
		key := calc.BatchKey{IntervalID: interval.ID, AnalysisID: analysis.RepAnalysisID}
		batch, ok := batches[key]
		if !ok {
			if batch, err = s.CalculateBatch(ctx, key); err != nil {
				return nil, err
			}
			batches[key] = batch
		}
		single, err := calc.Calculate(batch, rep)
		if err != nil {
			return nil, err
		}
		results = append(results, single)
	}
	out, err := s.samples.Calculate(sample, analysis, nil, results)
	if err != nil {
		return nil, err
	}
	s.durations.Duration("sample", s.obs.Clock.Now().Sub(started))
	return out, nil
}

// RecalculateWindow recomputes every batch of every interval of the
// instrument overlapping r, at most WithBatchConcurrency at a time. Results
// are ordered by interval start and analysis id.
func (s *Server) RecalculateWindow(ctx context.Context, instrumentID string, r domain.TimeRange) ([]*calc.BatchResult, error) {
	intervals, err := s.CorrIntervals(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	analyses, err := s.Analyses(ctx)
	if err != nil {
		return nil, err
	}
	var all []string
	for _, a := range analyses {
		if a.Kind == domain.AnalysisReplicate {
			all = append(all, a.ID)
		}
	}
	var keys []calc.BatchKey
	for _, ci := range intervals {
		if !r.Overlaps(ci.Range()) {
			continue
		}
		// An interval without a list runs every replicate analysis.
		ids := all
		if len(ci.AnalysisIDs) > 0 {
			ids = append([]string(nil), ci.AnalysisIDs...)
		}
		sort.Strings(ids)
		for _, id := range ids {
			keys = append(keys, calc.BatchKey{IntervalID: ci.ID, AnalysisID: id})
		}
	}
	return s.recalculate(ctx, keys)
}

// RecalculateAll recomputes every batch of every instrument.
func (s *Server) RecalculateAll(ctx context.Context) ([]*calc.BatchResult, error) {
	instruments, err := s.Instruments(ctx)
	if err != nil {
		return nil, err
	}
	var out []*calc.BatchResult
	for _, inst := range instruments {
		results, err := s.RecalculateWindow(ctx, inst.ID, domain.TimeRange{From: domain.MinTimestamp, Until: domain.MaxTimestamp})
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

func (s *Server) recalculate(ctx context.Context, keys []calc.BatchKey) ([]*calc.BatchResult, error) {
	results := make([]*calc.BatchResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for i, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.CalculateBatch(gctx, key)
			if err != nil {
				return fmt.Errorf("recalculate %s: %w", key, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.obs.Logger.Info("batches recalculated", "count", len(results))
	return results, nil
}
