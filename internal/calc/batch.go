package calc

import (
	"fmt"
	"sync/atomic"
	"time"

	"isocore/internal/step"
	"isocore/pkg/domain"
	"isocore/pkg/scratchpad"
)

// BatchKey identifies a batch calculation.
type BatchKey struct {
	IntervalID string `json:"interval_id"`
	AnalysisID string `json:"analysis_id"`
}

func (k BatchKey) String() string { return k.IntervalID + "|" + k.AnalysisID }

// BatchResult is the output of one batch calculation. It is never mutated
// after it is returned; a recomputation produces a new result with a higher
// Version.
type BatchResult struct {
	Key          BatchKey                   `json:"key"`
	Version      uint64                     `json:"version"`
	Interval     domain.CorrInterval        `json:"interval"`
	Parameters   map[int]step.Parameters    `json:"parameters"`
	ScratchPad   *scratchpad.ScratchPad     `json:"-"`
	Errors       []step.CalculationError    `json:"errors,omitempty"`
	Dependencies *step.DependencyManager    `json:"-"`
	ComputedAt   time.Time                  `json:"computed_at"`
	Pipeline     step.Pipeline              `json:"-"`
	Standards    map[string]domain.Standard `json:"-"`
}

// Successful reports whether the batch ran without errors.
func (r *BatchResult) Successful() bool { return len(r.Errors) == 0 }

// BatchCalculator computes batch results.
type BatchCalculator struct {
	registry *step.Registry
	now      func() time.Time
	versions atomic.Uint64
}

// NewBatchCalculator constructs a calculator resolving steps from registry.
func NewBatchCalculator(registry *step.Registry, now func() time.Time) *BatchCalculator {
	if registry == nil {
		registry = step.DefaultRegistry()
	}
	if now == nil {
		now = time.Now
	}
	return &BatchCalculator{registry: registry, now: now}
}

// Registry returns the step registry in use.
func (c *BatchCalculator) Registry() *step.Registry { return c.registry }

// Calculate loads every enabled standard replicate inside the interval window
// and runs the analysis across all of them. Missing rows are reported as
// errors; step failures are reported inside the result.
func (c *BatchCalculator) Calculate(view domain.TransactionView, key BatchKey) (*BatchResult, error) {
	interval, ok := view.FindCorrInterval(key.IntervalID)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityCorrInterval, ID: key.IntervalID}
	}
	analysis, ok := view.FindAnalysis(key.AnalysisID)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityAnalysis, ID: key.AnalysisID}
	}
	if analysis.Kind != domain.AnalysisReplicate {
		return nil, fmt.Errorf("analysis %s is not a replicate analysis", analysis.ID)
	}
	window := interval.Range()
	replicates := view.ListReplicates(domain.ReplicateFilter{
		InstrumentID:  interval.InstrumentID,
		Range:         &window,
		StandardsOnly: true,
	})
	return c.run(interval, analysis, view.StepParameters(interval.ID, analysis.ID), replicates, standardsByID(view))
}

func (c *BatchCalculator) run(interval domain.CorrInterval, analysis domain.Analysis, params []domain.StepParameters, replicates []domain.Replicate, standards map[string]domain.Standard) (*BatchResult, error) {
	result := &BatchResult{
		Key:          BatchKey{IntervalID: interval.ID, AnalysisID: analysis.ID},
		Version:      c.versions.Add(1),
		Interval:     interval,
		ScratchPad:   scratchpad.New(),
		Dependencies: step.NewDependencyManager(),
		ComputedAt:   c.now().UTC(),
		Standards:    standards,
	}
	pipeline, err := step.Build(c.registry, analysis, params)
	if err != nil {
		return nil, err
	}
	result.Pipeline = pipeline
	result.Parameters = pipeline.Parameters()
	if !interval.HasAnalysis(analysis.ID) {
		result.Errors = []step.CalculationError{step.PipelineError("analysis %s is not enabled for interval %s", analysis.ID, interval.ID)}
		result.Dependencies.Freeze()
		return result, nil
	}
	for _, rep := range replicates {
		result.ScratchPad.AddChild(ReplicatePad(rep, standards))
	}
	result.ScratchPad.SortByTimestamp()
	result.Errors = pipeline.RunBatch(result.ScratchPad, result.Dependencies)
	result.Dependencies.Freeze()
	return result, nil
}
