// Package calc runs analyses: the batch calculator builds the shared
// calibration ScratchPad of one interval, the single-entity calculator layers
// one replicate over a private copy of it, and the sample calculator
// summarises replicate results.
package calc

import (
	"sort"

	"isocore/pkg/domain"
	"isocore/pkg/scratchpad"
)

// Reserved column names written when a replicate is loaded into a Pad.
const (
	ColumnStandardID = "standard_id"
	ColumnSampleID   = "sample_id"
	ColumnInstrument = "instrument_id"
	// ReferencePrefix prefixes a standard's accepted values.
	ReferencePrefix = "ref_"
)

const volatileReplicate = "replicate"

// ReplicatePad loads a replicate into a detached Pad: measurements as numbers,
// cycles as accumulators, and for standards the accepted reference values.
func ReplicatePad(rep domain.Replicate, standards map[string]domain.Standard) *scratchpad.Pad {
	pad := scratchpad.NewPad(rep.ID, rep.Timestamp)
	pad.SetValue(ColumnInstrument, scratchpad.String(rep.InstrumentID))
	if rep.SampleID != "" {
		pad.SetValue(ColumnSampleID, scratchpad.String(rep.SampleID))
	}
	for _, name := range sortedKeys(rep.Measurements) {
		pad.SetValue(name, scratchpad.Number(rep.Measurements[name]))
	}
	cycles := make([]string, 0, len(rep.Cycles))
	for name := range rep.Cycles {
		cycles = append(cycles, name)
	}
	sort.Strings(cycles)
	for _, name := range cycles {
		pad.SetValue(name, scratchpad.Accumulator(rep.Cycles[name]...))
	}
	if rep.IsStandard() {
		pad.SetValue(ColumnStandardID, scratchpad.String(rep.StandardID))
		if std, ok := standards[rep.StandardID]; ok {
			for _, name := range sortedKeys(std.ReferenceValues) {
				pad.SetValue(ReferencePrefix+name, scratchpad.Number(std.ReferenceValues[name]))
			}
		}
	}
	pad.SetVolatileData(volatileReplicate, rep)
	return pad
}

// IsStandardPad reports whether the Pad was loaded from a standard replicate.
func IsStandardPad(p *scratchpad.Pad) bool {
	_, ok := p.Value(ColumnStandardID)
	return ok
}

func standardsByID(view domain.TransactionView) map[string]domain.Standard {
	out := make(map[string]domain.Standard)
	for _, s := range view.ListStandards() {
		out[s.ID] = s
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
