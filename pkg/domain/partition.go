package domain

import (
	"context"
	"fmt"
	"sort"
)

// SortIntervals orders intervals by ValidFrom in place and returns them.
func SortIntervals(intervals []CorrInterval) []CorrInterval {
	sort.SliceStable(intervals, func(i, j int) bool { return intervals[i].ValidFrom < intervals[j].ValidFrom })
	return intervals
}

// CheckPartition verifies that the intervals of one instrument are contiguous,
// non-overlapping and cover [MinTimestamp, MaxTimestamp).
func CheckPartition(intervals []CorrInterval) error {
	if len(intervals) == 0 {
		return fmt.Errorf("no calibration intervals")
	}
	sorted := SortIntervals(append([]CorrInterval(nil), intervals...))
	if sorted[0].ValidFrom != MinTimestamp {
		return fmt.Errorf("interval %s starts at %d, not at the partition minimum", sorted[0].ID, sorted[0].ValidFrom)
	}
	for i, interval := range sorted {
		if interval.Range().Empty() {
			return fmt.Errorf("interval %s is empty", interval.ID)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.ValidUntil != interval.ValidFrom {
			return fmt.Errorf("interval %s ends at %d but %s starts at %d", prev.ID, prev.ValidUntil, interval.ID, interval.ValidFrom)
		}
	}
	if last := sorted[len(sorted)-1]; last.ValidUntil != MaxTimestamp {
		return fmt.Errorf("interval %s ends at %d, not at the partition maximum", last.ID, last.ValidUntil)
	}
	return nil
}

// FindContaining returns the interval whose range contains ts.
func FindContaining(intervals []CorrInterval, ts Timestamp) (CorrInterval, bool) {
	for _, interval := range intervals {
		if interval.Range().Contains(ts) {
			return interval, true
		}
	}
	return CorrInterval{}, false
}

// PartitionRule blocks commits that leave an instrument's calibration
// intervals with gaps or overlaps.
func PartitionRule() Rule {
	return partitionRule{}
}

type partitionRule struct{}

func (partitionRule) Name() string { return "corr_interval_partition" }

func (partitionRule) Evaluate(_ context.Context, view TransactionView, changes []Change) (Result, error) {
	touched := make(map[string]struct{})
	for _, change := range changes {
		if change.Entity != EntityCorrInterval && change.Entity != EntityInstrument {
			continue
		}
		for _, state := range []any{change.Before, change.After} {
			switch v := state.(type) {
			case CorrInterval:
				touched[v.InstrumentID] = struct{}{}
			case Instrument:
				touched[v.ID] = struct{}{}
			}
		}
	}
	var res Result
	for instrumentID := range touched {
		if _, ok := view.FindInstrument(instrumentID); !ok {
			continue
		}
		if err := CheckPartition(view.ListCorrIntervals(instrumentID)); err != nil {
			res.Violations = append(res.Violations, Violation{
				Rule:     "corr_interval_partition",
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("instrument %s: %v", instrumentID, err),
				Entity:   EntityInstrument,
				EntityID: instrumentID,
			})
		}
	}
	return res, nil
}

// ParameterIntegrityRule blocks commits leaving parameter rows scoped to
// intervals or analyses that no longer exist.
func ParameterIntegrityRule() Rule {
	return parameterIntegrityRule{}
}

type parameterIntegrityRule struct{}

func (parameterIntegrityRule) Name() string { return "step_parameter_integrity" }

func (parameterIntegrityRule) Evaluate(_ context.Context, view TransactionView, changes []Change) (Result, error) {
	relevant := false
	for _, change := range changes {
		switch change.Entity {
		case EntityCorrInterval, EntityAnalysis, EntityStepParameters:
			relevant = true
		}
	}
	var res Result
	if !relevant {
		return res, nil
	}
	for _, params := range view.ListAllStepParameters() {
		if _, ok := view.FindCorrInterval(params.IntervalID); !ok {
			res.Violations = append(res.Violations, Violation{
				Rule:     "step_parameter_integrity",
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("parameters for step %d of %s reference missing interval %s", params.Position, params.AnalysisID, params.IntervalID),
				Entity:   EntityStepParameters,
				EntityID: params.IntervalID,
			})
			continue
		}
		if _, ok := view.FindAnalysis(params.AnalysisID); !ok {
			res.Violations = append(res.Violations, Violation{
				Rule:     "step_parameter_integrity",
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("parameters in interval %s reference missing analysis %s", params.IntervalID, params.AnalysisID),
				Entity:   EntityStepParameters,
				EntityID: params.IntervalID,
			})
		}
	}
	return res, nil
}
