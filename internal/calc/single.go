package calc

import (
	"fmt"

	"isocore/internal/step"
	"isocore/pkg/domain"
	"isocore/pkg/scratchpad"
)

// SingleResult is the output of one single-entity calculation.
type SingleResult struct {
	TargetID     string
	BatchKey     BatchKey
	BatchVersion uint64
	// Interval is the calibration interval as it was when the batch ran.
	Interval     domain.CorrInterval
	ScratchPad   *scratchpad.ScratchPad
	Target       *scratchpad.Pad
	Errors       []step.CalculationError
	Dependencies *step.DependencyManager
	// Displaced lists the ids of batch Pads detached during the run because
	// they shared the target's timestamp.
	Displaced []string
}

// Successful reports whether every step succeeded.
func (r *SingleResult) Successful() bool { return len(r.Errors) == 0 }

// Calculate runs the batch pipeline for one replicate over a private copy of
// the batch ScratchPad. The batch result itself is only read.
//
// When the target is a standard, every standard Pad in the copy sharing its
// timestamp is detached into a holding pad for the duration of the run and
// re-adopted afterwards, so the target never brackets or fits against itself.
func Calculate(batch *BatchResult, target domain.Replicate) (*SingleResult, error) {
	if batch == nil || batch.ScratchPad == nil {
		return nil, fmt.Errorf("batch result is required")
	}
	if target.InstrumentID != batch.Interval.InstrumentID || !batch.Interval.Range().Contains(target.Timestamp) {
		return nil, fmt.Errorf("replicate %s lies outside interval %s", target.ID, batch.Interval.ID)
	}
	out := &SingleResult{
		TargetID:     target.ID,
		BatchKey:     batch.Key,
		BatchVersion: batch.Version,
		Interval:     batch.Interval,
		ScratchPad:   batch.ScratchPad.Copy(),
		Dependencies: step.NewDependencyManager(),
	}
	if !batch.Successful() {
		for _, e := range batch.Errors {
			if e.PadID == "" {
				out.Errors = []step.CalculationError{step.PipelineError("calibration failed: %s", e.Error())}
				out.Dependencies.Freeze()
				return out, nil
			}
		}
	}

	holding := scratchpad.New()
	if target.IsStandard() {
		for _, p := range out.ScratchPad.Children() {
			if p.Timestamp() == target.Timestamp && IsStandardPad(p) {
				p.ReassignToParent(holding)
				out.Displaced = append(out.Displaced, p.ID())
			}
		}
	}

	out.Target = ReplicatePad(target, batch.Standards)
	out.ScratchPad.AddChild(out.Target)
	out.Errors = batch.Pipeline.RunTarget(out.Target, out.Dependencies)

	for _, p := range holding.Children() {
		p.ReassignToParent(out.ScratchPad)
	}
	out.ScratchPad.SortByTimestamp()
	out.Dependencies.Freeze()
	return out, nil
}
