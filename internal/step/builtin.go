package step

import (
	"math"

	"isocore/pkg/domain"
	"isocore/pkg/scratchpad"
)

// Built-in step type tags.
const (
	TypeMean         domain.StepType = "mean"
	TypeDelta        domain.StepType = "delta"
	TypeBracketDrift domain.StepType = "bracket_drift"
	TypeScale        domain.StepType = "scale"
	TypeSampleMean   domain.StepType = "sample_mean"
)

type builtinPlugin struct{}

// Builtins returns the plugin contributing the built-in controllers.
func Builtins() Plugin { return builtinPlugin{} }

func (builtinPlugin) Name() string    { return "builtin" }
func (builtinPlugin) Version() string { return "1" }

func (builtinPlugin) Register(r *Registry) error {
	for t, f := range map[domain.StepType]Factory{
		TypeMean:         func() Controller { return meanStep{} },
		TypeDelta:        func() Controller { return deltaStep{} },
		TypeBracketDrift: func() Controller { return bracketDriftStep{} },
		TypeScale:        func() Controller { return scaleStep{} },
		TypeSampleMean:   func() Controller { return sampleMeanStep{} },
	} {
		if err := r.Register(t, f); err != nil {
			return err
		}
	}
	return nil
}

// meanStep reduces per-cycle samples to a mean and standard deviation.
type meanStep struct{ PerPad }

func (meanStep) Inputs() []string              { return []string{"samples"} }
func (meanStep) Outputs() []string             { return []string{"mean", "stddev"} }
func (meanStep) DefaultParameters() Parameters { return Parameters{} }

func (meanStep) Apply(run *Run, pad *scratchpad.Pad) error {
	v, err := run.Value(pad, "samples")
	if err != nil {
		return err
	}
	switch v.Kind() {
	case scratchpad.KindAccumulator:
		if v.Count() == 0 {
			return run.Errorf("no samples in %q", run.InputColumn("samples"))
		}
		run.Set(pad, "mean", scratchpad.Number(v.Mean()))
		run.Set(pad, "stddev", scratchpad.Number(v.StdDev()))
	case scratchpad.KindNumber:
		f, _ := v.Float()
		run.Set(pad, "mean", scratchpad.Number(f))
		run.Set(pad, "stddev", scratchpad.Number(math.NaN()))
	default:
		return run.Errorf("column %q is %s, not numeric", run.InputColumn("samples"), v.Kind())
	}
	return nil
}

// deltaStep converts a sample/reference ratio to per-mil delta notation.
type deltaStep struct{ PerPad }

func (deltaStep) Inputs() []string  { return []string{"sample", "reference"} }
func (deltaStep) Outputs() []string { return []string{"delta"} }
func (deltaStep) DefaultParameters() Parameters {
	return Parameters{"reference_delta": 0.0}
}

func (deltaStep) Apply(run *Run, pad *scratchpad.Pad) error {
	sample, err := run.Number(pad, "sample")
	if err != nil {
		return err
	}
	reference, err := run.Number(pad, "reference")
	if err != nil {
		return err
	}
	if reference == 0 {
		return run.Errorf("reference ratio is zero")
	}
	refDelta, err := run.Params().Float("reference_delta", 0)
	if err != nil {
		return run.Errorf("%v", err)
	}
	run.Set(pad, "delta", scratchpad.Number(((1+refDelta/1000)*(sample/reference)-1)*1000))
	return nil
}

// bracketDriftStep removes instrument drift by interpolating the offsets of
// the nearest standard Pads at or before and strictly after the target.
type bracketDriftStep struct{ PerPad }

func (bracketDriftStep) Inputs() []string              { return []string{"value", "expected"} }
func (bracketDriftStep) Outputs() []string             { return []string{"corrected", "drift"} }
func (bracketDriftStep) DefaultParameters() Parameters { return Parameters{} }

type bracket struct {
	id     string
	ts     domain.Timestamp
	offset float64
}

func (bracketDriftStep) Apply(run *Run, pad *scratchpad.Pad) error {
	value, err := run.Number(pad, "value")
	if err != nil {
		return err
	}
	parent := pad.Parent()
	if parent == nil {
		return run.Errorf("pad %s has no siblings to bracket against", pad.ID())
	}
	valueCol, expectedCol := run.InputColumn("value"), run.InputColumn("expected")
	var before, after *bracket
	for _, sib := range parent.Children() {
		if sib == pad {
			continue
		}
		measured, ok := sib.Number(valueCol)
		if !ok {
			continue
		}
		expected, ok := sib.Number(expectedCol)
		if !ok {
			continue
		}
		b := &bracket{id: sib.ID(), ts: sib.Timestamp(), offset: measured - expected}
		switch {
		case b.ts <= pad.Timestamp():
			if before == nil || b.ts > before.ts {
				before = b
			}
		case b.ts > pad.Timestamp():
			if after == nil || b.ts < after.ts {
				after = b
			}
		}
	}
	var drift float64
	switch {
	case before != nil && after != nil:
		frac := float64(pad.Timestamp()-before.ts) / float64(after.ts-before.ts)
		drift = before.offset + frac*(after.offset-before.offset)
		run.Record("bracket_before", before.id)
		run.Record("bracket_after", after.id)
	case before != nil:
		drift = before.offset
		run.Record("bracket_before", before.id)
	case after != nil:
		drift = after.offset
		run.Record("bracket_after", after.id)
	default:
		return run.Errorf("no bracketing standards for %s", pad.ID())
	}
	run.Set(pad, "drift", scratchpad.Number(drift))
	run.Set(pad, "corrected", scratchpad.Number(value-drift))
	return nil
}

// scaleStep fits expected against measured values over every standard Pad
// and applies the linear correction to each Pad.
type scaleStep struct{}

func (scaleStep) Inputs() []string  { return []string{"value", "expected"} }
func (scaleStep) Outputs() []string { return []string{"scaled", "slope", "intercept"} }
func (scaleStep) DefaultParameters() Parameters {
	return Parameters{"min_standards": 2}
}

func (scaleStep) Aggregate(run *Run, root *scratchpad.ScratchPad) error {
	minStandards, err := run.Params().Int("min_standards", 2)
	if err != nil {
		return run.Errorf("%v", err)
	}
	valueCol, expectedCol := run.InputColumn("value"), run.InputColumn("expected")
	var xs, ys []float64
	for _, pad := range root.Children() {
		x, ok := pad.Number(valueCol)
		if !ok {
			continue
		}
		y, ok := pad.Number(expectedCol)
		if !ok {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	if len(xs) < minStandards || len(xs) < 2 {
		return run.Errorf("need at least %d standards, found %d", max(minStandards, 2), len(xs))
	}
	slope, intercept, ok := leastSquares(xs, ys)
	if !ok {
		return run.Errorf("standards do not span a range of %q", valueCol)
	}
	run.SetRoot(root, "slope", scratchpad.Number(slope))
	run.SetRoot(root, "intercept", scratchpad.Number(intercept))
	run.Record("standards", len(xs))
	return nil
}

func (scaleStep) Apply(run *Run, pad *scratchpad.Pad) error {
	x, err := run.Number(pad, "value")
	if err != nil {
		return err
	}
	slope, ok := pad.Lookup(run.OutputColumn("slope"))
	if !ok {
		return run.Errorf("scale fit missing")
	}
	intercept, ok := pad.Lookup(run.OutputColumn("intercept"))
	if !ok {
		return run.Errorf("scale fit missing")
	}
	m, _ := slope.Float()
	c, _ := intercept.Float()
	run.Set(pad, "scaled", scratchpad.Number(m*x+c))
	return nil
}

func leastSquares(xs, ys []float64) (slope, intercept float64, ok bool) {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, 0, false
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n
	return slope, intercept, true
}

// sampleMeanStep summarises the replicate results held by a sample Pad's
// children.
type sampleMeanStep struct{ PerPad }

func (sampleMeanStep) Inputs() []string              { return []string{"value"} }
func (sampleMeanStep) Outputs() []string             { return []string{"mean", "stddev", "count"} }
func (sampleMeanStep) DefaultParameters() Parameters { return Parameters{} }

func (sampleMeanStep) Apply(run *Run, pad *scratchpad.Pad) error {
	col := run.InputColumn("value")
	acc := scratchpad.Accumulator()
	for _, child := range pad.Children() {
		f, ok := child.Number(col)
		if !ok {
			continue
		}
		acc = acc.Add(f)
		run.Record("replicate:"+child.ID(), f)
	}
	if acc.Count() == 0 {
		return run.Errorf("no replicate results in %q", col)
	}
	run.Set(pad, "mean", scratchpad.Number(acc.Mean()))
	run.Set(pad, "stddev", scratchpad.Number(acc.StdDev()))
	run.Set(pad, "count", scratchpad.Number(float64(acc.Count())))
	return nil
}
