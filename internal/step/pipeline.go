package step

import (
	"errors"
	"fmt"

	"isocore/pkg/domain"
	"isocore/pkg/scratchpad"
)

// Bound is a resolved step: descriptor, controller and the parameters in
// effect for one calibration interval.
type Bound struct {
	Descriptor domain.StepDescriptor
	Controller Controller
	Params     Parameters
}

// Pipeline is an analysis resolved against the registry and bound to the
// parameter rows of one calibration interval.
type Pipeline struct {
	AnalysisID string
	Steps      []Bound
}

// Build resolves every step of the analysis and merges stored parameter rows
// over each controller's defaults.
func Build(registry *Registry, analysis domain.Analysis, stored []domain.StepParameters) (Pipeline, error) {
	byPosition := make(map[int]map[string]any, len(stored))
	for _, row := range stored {
		if row.AnalysisID != analysis.ID {
			continue
		}
		byPosition[row.Position] = row.Values
	}
	out := Pipeline{AnalysisID: analysis.ID}
	seen := make(map[int]struct{})
	for _, desc := range analysis.OrderedSteps() {
		if _, dup := seen[desc.Position]; dup {
			return Pipeline{}, fmt.Errorf("analysis %s: duplicate step position %d", analysis.ID, desc.Position)
		}
		seen[desc.Position] = struct{}{}
		ctrl, err := registry.Resolve(desc.Type)
		if err != nil {
			return Pipeline{}, fmt.Errorf("analysis %s step %d: %w", analysis.ID, desc.Position, err)
		}
		out.Steps = append(out.Steps, Bound{
			Descriptor: desc,
			Controller: ctrl,
			Params:     Merge(ctrl.DefaultParameters(), byPosition[desc.Position]),
		})
	}
	return out, nil
}

// Parameters returns the parameters each step ran with, keyed by position.
func (p Pipeline) Parameters() map[int]Parameters {
	out := make(map[int]Parameters, len(p.Steps))
	for _, s := range p.Steps {
		out[s.Descriptor.Position] = s.Params.Clone()
	}
	return out
}

// RunBatch executes every step across all direct Pads of root. Each step
// first aggregates over the whole tree, then applies to each Pad. A failed
// aggregate halts the pipeline; a failed Pad is recorded and skipped by
// later steps.
func (p Pipeline) RunBatch(root *scratchpad.ScratchPad, deps *DependencyManager) []CalculationError {
	var errs []CalculationError
	failed := make(map[*scratchpad.Pad]struct{})
	for _, s := range p.Steps {
		run := NewRun(s.Descriptor, s.Params, deps)
		recordParams(run)
		if err := invoke(func() error { return s.Controller.Aggregate(run, root) }); err != nil {
			return append(errs, attribute(err, s.Descriptor, ""))
		}
		for _, pad := range root.Children() {
			if _, skip := failed[pad]; skip {
				continue
			}
			if err := invoke(func() error { return s.Controller.Apply(run.forPad(pad), pad) }); err != nil {
				failed[pad] = struct{}{}
				errs = append(errs, attribute(err, s.Descriptor, pad.ID()))
			}
		}
	}
	return errs
}

// RunTarget executes only the per-Pad phase of every step on target, reusing
// aggregate columns already present on the root. The run halts at the first
// failure.
func (p Pipeline) RunTarget(target *scratchpad.Pad, deps *DependencyManager) []CalculationError {
	for _, s := range p.Steps {
		run := NewRun(s.Descriptor, s.Params, deps)
		recordParams(run)
		if err := invoke(func() error { return s.Controller.Apply(run.forPad(target), target) }); err != nil {
			return []CalculationError{attribute(err, s.Descriptor, target.ID())}
		}
	}
	return nil
}

func recordParams(run *Run) {
	params := run.Params()
	for _, key := range params.Keys() {
		run.Record("param:"+key, params[key])
	}
}

func invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return fn()
}

func attribute(err error, desc domain.StepDescriptor, padID string) CalculationError {
	var calc CalculationError
	if errors.As(err, &calc) {
		calc.StepPosition = desc.Position
		calc.StepID = desc.ID
		calc.PadID = padID
		return calc
	}
	return CalculationError{StepPosition: desc.Position, StepID: desc.ID, PadID: padID, Message: err.Error()}
}
