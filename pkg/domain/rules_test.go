package domain

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock, Message: "bad"}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	err := RuleViolationError{Result: result}
	if !strings.Contains(err.Error(), "block") {
		t.Fatalf("expected blocking rule in message, got %q", err.Error())
	}
}

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"warn"})
	res, err := engine.Evaluate(context.Background(), &fakeView{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected violation")
	}
}

func TestRulesEngineEvaluateError(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(errorRule{})
	if _, err := engine.Evaluate(context.Background(), &fakeView{}, nil); err == nil {
		t.Fatalf("expected evaluation error")
	}
}

func TestPartitionRuleBlocksGap(t *testing.T) {
	view := &fakeView{
		instruments: []Instrument{{Base: Base{ID: "ms1"}}},
		intervals: []CorrInterval{
			{Base: Base{ID: "a"}, InstrumentID: "ms1", ValidFrom: MinTimestamp, ValidUntil: 100},
			{Base: Base{ID: "b"}, InstrumentID: "ms1", ValidFrom: 120, ValidUntil: MaxTimestamp},
		},
	}
	changes := []Change{{Entity: EntityCorrInterval, Action: ActionUpdate, After: view.intervals[1]}}
	res, err := PartitionRule().Evaluate(context.Background(), view, changes)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected gap to block commit")
	}

	view.intervals[1].ValidFrom = 100
	res, err = PartitionRule().Evaluate(context.Background(), view, changes)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.HasBlocking() {
		t.Fatalf("unexpected violations: %+v", res.Violations)
	}
}

func TestParameterIntegrityRuleFlagsOrphans(t *testing.T) {
	view := &fakeView{
		intervals: []CorrInterval{{Base: Base{ID: "a"}, InstrumentID: "ms1", ValidFrom: MinTimestamp, ValidUntil: MaxTimestamp}},
		analyses:  []Analysis{{Base: Base{ID: "d13c"}}},
		params: []StepParameters{
			{IntervalID: "a", AnalysisID: "d13c", Position: 0},
			{IntervalID: "gone", AnalysisID: "d13c", Position: 1},
		},
	}
	res, err := ParameterIntegrityRule().Evaluate(context.Background(), view, []Change{{Entity: EntityCorrInterval, Action: ActionDelete}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].EntityID != "gone" {
		t.Fatalf("expected one orphan violation, got %+v", res.Violations)
	}
	res, _ = ParameterIntegrityRule().Evaluate(context.Background(), view, []Change{{Entity: EntityReplicate}})
	if len(res.Violations) != 0 {
		t.Fatalf("unrelated changes should not be evaluated")
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(context.Context, TransactionView, []Change) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: SeverityWarn}}}, nil
}

type errorRule struct{}

func (errorRule) Name() string { return "error" }

func (errorRule) Evaluate(context.Context, TransactionView, []Change) (Result, error) {
	return Result{}, fmt.Errorf("boom")
}

type fakeView struct {
	instruments []Instrument
	intervals   []CorrInterval
	analyses    []Analysis
	params      []StepParameters
}

func (v *fakeView) FindInstrument(id string) (Instrument, bool) {
	for _, i := range v.instruments {
		if i.ID == id {
			return i, true
		}
	}
	return Instrument{}, false
}
func (v *fakeView) ListInstruments() []Instrument                  { return v.instruments }
func (v *fakeView) FindStandard(string) (Standard, bool)           { return Standard{}, false }
func (v *fakeView) ListStandards() []Standard                      { return nil }
func (v *fakeView) FindSample(string) (Sample, bool)               { return Sample{}, false }
func (v *fakeView) ListSamples() []Sample                          { return nil }
func (v *fakeView) FindReplicate(string) (Replicate, bool)         { return Replicate{}, false }
func (v *fakeView) ListReplicates(ReplicateFilter) []Replicate     { return nil }
func (v *fakeView) FindRawFile(string) (RawFile, bool)             { return RawFile{}, false }
func (v *fakeView) ListAnalyses() []Analysis                       { return v.analyses }
func (v *fakeView) StepParameters(string, string) []StepParameters { return nil }
func (v *fakeView) ListAllStepParameters() []StepParameters        { return v.params }

func (v *fakeView) FindCorrInterval(id string) (CorrInterval, bool) {
	for _, c := range v.intervals {
		if c.ID == id {
			return c, true
		}
	}
	return CorrInterval{}, false
}

func (v *fakeView) ListCorrIntervals(instrumentID string) []CorrInterval {
	var out []CorrInterval
	for _, c := range v.intervals {
		if c.InstrumentID == instrumentID {
			out = append(out, c)
		}
	}
	return SortIntervals(out)
}

func (v *fakeView) FindAnalysis(id string) (Analysis, bool) {
	for _, a := range v.analyses {
		if a.ID == id {
			return a, true
		}
	}
	return Analysis{}, false
}
