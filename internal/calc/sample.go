package calc

import (
	"fmt"
	"slices"

	"isocore/internal/step"
	"isocore/pkg/domain"
	"isocore/pkg/scratchpad"
)

// SampleResult is the output of a sample analysis.
type SampleResult struct {
	SampleID     string
	AnalysisID   string
	ScratchPad   *scratchpad.ScratchPad
	Pad          *scratchpad.Pad
	Errors       []step.CalculationError
	Dependencies *step.DependencyManager
	// Replicates maps replicate id to the batch version it was calculated
	// against.
	Replicates map[string]uint64
	// Intervals lists the calibration intervals the replicates were
	// calculated against, once each, in first-use order.
	Intervals []domain.CorrInterval
}

// Successful reports whether the sample pipeline and every replicate run
// succeeded.
func (r *SampleResult) Successful() bool { return len(r.Errors) == 0 }

// SampleCalculator runs sample analyses over replicate results.
type SampleCalculator struct {
	registry *step.Registry
}

// NewSampleCalculator constructs a sample calculator.
func NewSampleCalculator(registry *step.Registry) *SampleCalculator {
	if registry == nil {
		registry = step.DefaultRegistry()
	}
	return &SampleCalculator{registry: registry}
}

// Calculate builds a tree with one Pad for the sample holding a copy of each
// replicate's result Pad, then runs the sample analysis on it. Failed
// replicate runs are reported and left out of the tree.
func (c *SampleCalculator) Calculate(sample domain.Sample, analysis domain.Analysis, params []domain.StepParameters, replicates []*SingleResult) (*SampleResult, error) {
	if analysis.Kind != domain.AnalysisSample {
		return nil, fmt.Errorf("analysis %s is not a sample analysis", analysis.ID)
	}
	pipeline, err := step.Build(c.registry, analysis, params)
	if err != nil {
		return nil, err
	}
	out := &SampleResult{
		SampleID:     sample.ID,
		AnalysisID:   analysis.ID,
		ScratchPad:   scratchpad.New(),
		Pad:          scratchpad.NewPad(sample.ID, 0),
		Dependencies: step.NewDependencyManager(),
		Replicates:   make(map[string]uint64, len(replicates)),
	}
	out.ScratchPad.AddChild(out.Pad)
	for _, rep := range replicates {
		if rep == nil {
			continue
		}
		out.Replicates[rep.TargetID] = rep.BatchVersion
		if !slices.ContainsFunc(out.Intervals, func(ci domain.CorrInterval) bool { return ci.ID == rep.Interval.ID }) {
			out.Intervals = append(out.Intervals, rep.Interval)
		}
		if !rep.Successful() {
			for _, e := range rep.Errors {
				e.PadID = rep.TargetID
				out.Errors = append(out.Errors, e)
			}
			continue
		}
		out.Pad.AddChild(rep.Target.Copy())
	}
	out.Pad.SortChildren()
	out.Errors = append(out.Errors, pipeline.RunTarget(out.Pad, out.Dependencies)...)
	out.Dependencies.Freeze()
	return out, nil
}
