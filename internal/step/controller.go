// Package step defines the calculation unit contract, the closed registry of
// step implementations, dependency fact collection and the pipeline runner that
// drives an analysis over a ScratchPad.
package step

import (
	"fmt"

	"isocore/pkg/domain"
	"isocore/pkg/scratchpad"
)

// Controller implements one calculation step. Implementations must be pure
// functions of the ScratchPad subtree and the bound parameters; they never read
// global state.
type Controller interface {
	// Inputs lists the logical input names the step reads.
	Inputs() []string
	// Outputs lists the logical output names the step writes.
	Outputs() []string
	// DefaultParameters returns the parameter set used when none is stored.
	DefaultParameters() Parameters
	// Aggregate runs once per batch over every Pad, writing root columns.
	Aggregate(run *Run, root *scratchpad.ScratchPad) error
	// Apply runs for one Pad.
	Apply(run *Run, pad *scratchpad.Pad) error
}

// PerPad is embedded by controllers without an aggregate phase.
type PerPad struct{}

// Aggregate does nothing.
func (PerPad) Aggregate(*Run, *scratchpad.ScratchPad) error { return nil }

// CalculationError reports a failed step for one Pad or for the pipeline
// (empty PadID). It is surfaced as data.
type CalculationError struct {
	StepPosition int    `json:"step_position"`
	StepID       string `json:"step_id,omitempty"`
	PadID        string `json:"pad_id,omitempty"`
	Message      string `json:"message"`
}

func (e CalculationError) Error() string {
	if e.StepID == "" && e.StepPosition < 0 {
		return e.Message
	}
	if e.PadID == "" {
		return fmt.Sprintf("step %d (%s): %s", e.StepPosition, e.StepID, e.Message)
	}
	return fmt.Sprintf("step %d (%s) on %s: %s", e.StepPosition, e.StepID, e.PadID, e.Message)
}

// PipelineError builds an error not attributable to a step.
func PipelineError(format string, args ...any) CalculationError {
	return CalculationError{StepPosition: -1, Message: fmt.Sprintf(format, args...)}
}

// Run is the view a controller gets of its own step during execution: the
// column bindings, the bound parameters and the dependency recorder.
type Run struct {
	desc   domain.StepDescriptor
	params Parameters
	deps   *DependencyManager
	pad    string
}

// NewRun binds a descriptor and parameters for direct controller invocation.
func NewRun(desc domain.StepDescriptor, params Parameters, deps *DependencyManager) *Run {
	return &Run{desc: desc, params: params, deps: deps}
}

// Descriptor returns the step descriptor.
func (r *Run) Descriptor() domain.StepDescriptor { return r.desc }

// Params returns the bound parameters.
func (r *Run) Params() Parameters { return r.params }

// InputColumn resolves a logical input to its ScratchPad column. Unbound
// inputs use the logical name.
func (r *Run) InputColumn(name string) string {
	if col, ok := r.desc.Inputs[name]; ok && col != "" {
		return col
	}
	return name
}

// OutputColumn resolves a logical output to its ScratchPad column.
func (r *Run) OutputColumn(name string) string {
	if col, ok := r.desc.Outputs[name]; ok && col != "" {
		return col
	}
	return name
}

// Value reads a bound input from the Pad, falling back to ancestors.
func (r *Run) Value(pad *scratchpad.Pad, input string) (scratchpad.Value, error) {
	col := r.InputColumn(input)
	v, ok := pad.Lookup(col)
	if !ok {
		return scratchpad.Value{}, r.Errorf("missing input column %q", col)
	}
	return v, nil
}

// Number reads a numeric bound input.
func (r *Run) Number(pad *scratchpad.Pad, input string) (float64, error) {
	v, err := r.Value(pad, input)
	if err != nil {
		return 0, err
	}
	f, ok := v.Float()
	if !ok {
		return 0, r.Errorf("column %q is %s, not numeric", r.InputColumn(input), v.Kind())
	}
	return f, nil
}

// Set writes a bound output to the Pad.
func (r *Run) Set(pad *scratchpad.Pad, output string, v scratchpad.Value) {
	pad.SetValue(r.OutputColumn(output), v)
}

// SetRoot writes a bound output to the root.
func (r *Run) SetRoot(root *scratchpad.ScratchPad, output string, v scratchpad.Value) {
	root.SetValue(r.OutputColumn(output), v)
}

// forPad returns a copy whose facts are attributed to the Pad.
func (r *Run) forPad(pad *scratchpad.Pad) *Run {
	out := *r
	out.pad = pad.ID()
	return &out
}

// Record stores a dependency fact for this step, attributed to the Pad the
// step is being applied to.
func (r *Run) Record(key string, value any) {
	if r.deps == nil {
		return
	}
	r.deps.RecordPad(r.desc.Position, r.pad, key, value)
}

// Errorf builds a CalculationError attributed to this step.
func (r *Run) Errorf(format string, args ...any) error {
	return CalculationError{StepPosition: r.desc.Position, StepID: r.desc.ID, Message: fmt.Sprintf(format, args...)}
}
