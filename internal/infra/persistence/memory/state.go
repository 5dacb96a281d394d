// Package memory provides an in-memory implementation of the isocore
// persistence store used for tests, ephemeral environments and as the working
// set of the durable stores.
package memory

import (
	"sort"

	"isocore/pkg/domain"
)

type memoryState struct {
	instruments map[string]domain.Instrument
	standards   map[string]domain.Standard
	replicates  map[string]domain.Replicate
	samples     map[string]domain.Sample
	rawFiles    map[string]domain.RawFile
	intervals   map[string]domain.CorrInterval
	analyses    map[string]domain.Analysis
	params      map[domain.StepParametersKey]domain.StepParameters
}

// Snapshot captures a point-in-time clone of the store state. Each field is
// persisted as one bucket by the durable stores.
type Snapshot struct {
	Instruments    map[string]domain.Instrument   `json:"instruments"`
	Standards      map[string]domain.Standard     `json:"standards"`
	Replicates     map[string]domain.Replicate    `json:"replicates"`
	Samples        map[string]domain.Sample       `json:"samples"`
	RawFiles       map[string]domain.RawFile      `json:"raw_files"`
	CorrIntervals  map[string]domain.CorrInterval `json:"corr_intervals"`
	Analyses       map[string]domain.Analysis     `json:"analyses"`
	StepParameters []domain.StepParameters        `json:"step_parameters"`
}

func newMemoryState() memoryState {
	return memoryState{
		instruments: make(map[string]domain.Instrument),
		standards:   make(map[string]domain.Standard),
		replicates:  make(map[string]domain.Replicate),
		samples:     make(map[string]domain.Sample),
		rawFiles:    make(map[string]domain.RawFile),
		intervals:   make(map[string]domain.CorrInterval),
		analyses:    make(map[string]domain.Analysis),
		params:      make(map[domain.StepParametersKey]domain.StepParameters),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.instruments {
		cloned.instruments[k] = v
	}
	for k, v := range s.standards {
		cloned.standards[k] = cloneStandard(v)
	}
	for k, v := range s.replicates {
		cloned.replicates[k] = cloneReplicate(v)
	}
	for k, v := range s.samples {
		cloned.samples[k] = v
	}
	for k, v := range s.rawFiles {
		cloned.rawFiles[k] = v
	}
	for k, v := range s.intervals {
		cloned.intervals[k] = cloneInterval(v)
	}
	for k, v := range s.analyses {
		cloned.analyses[k] = cloneAnalysis(v)
	}
	for k, v := range s.params {
		cloned.params[k] = cloneParams(v)
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	cloned := state.clone()
	s := Snapshot{
		Instruments:   cloned.instruments,
		Standards:     cloned.standards,
		Replicates:    cloned.replicates,
		Samples:       cloned.samples,
		RawFiles:      cloned.rawFiles,
		CorrIntervals: cloned.intervals,
		Analyses:      cloned.analyses,
	}
	s.StepParameters = make([]domain.StepParameters, 0, len(cloned.params))
	for _, p := range cloned.params {
		s.StepParameters = append(s.StepParameters, p)
	}
	sortParams(s.StepParameters)
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	src := memoryState{
		instruments: s.Instruments,
		standards:   s.Standards,
		replicates:  s.Replicates,
		samples:     s.Samples,
		rawFiles:    s.RawFiles,
		intervals:   s.CorrIntervals,
		analyses:    s.Analyses,
	}
	state := src.clone()
	for _, p := range s.StepParameters {
		state.params[p.Key()] = cloneParams(p)
	}
	return state
}

func cloneStandard(s domain.Standard) domain.Standard {
	s.ReferenceValues = cloneFloats(s.ReferenceValues)
	return s
}

func cloneReplicate(r domain.Replicate) domain.Replicate {
	r.Measurements = cloneFloats(r.Measurements)
	if r.Cycles != nil {
		cycles := make(map[string][]float64, len(r.Cycles))
		for k, v := range r.Cycles {
			cycles[k] = append([]float64(nil), v...)
		}
		r.Cycles = cycles
	}
	return r
}

func cloneInterval(c domain.CorrInterval) domain.CorrInterval {
	c.AnalysisIDs = append([]string(nil), c.AnalysisIDs...)
	return c
}

func cloneAnalysis(a domain.Analysis) domain.Analysis {
	steps := make([]domain.StepDescriptor, len(a.Steps))
	for i, st := range a.Steps {
		st.Inputs = cloneStrings(st.Inputs)
		st.Outputs = cloneStrings(st.Outputs)
		steps[i] = st
	}
	a.Steps = steps
	return a
}

func cloneParams(p domain.StepParameters) domain.StepParameters {
	if p.Values != nil {
		values := make(map[string]any, len(p.Values))
		for k, v := range p.Values {
			values[k] = v
		}
		p.Values = values
	}
	return p
}

func cloneFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortParams(params []domain.StepParameters) {
	sort.Slice(params, func(i, j int) bool {
		a, b := params[i], params[j]
		if a.IntervalID != b.IntervalID {
			return a.IntervalID < b.IntervalID
		}
		if a.AnalysisID != b.AnalysisID {
			return a.AnalysisID < b.AnalysisID
		}
		return a.Position < b.Position
	})
}
