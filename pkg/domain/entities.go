// Package domain defines the persisted laboratory entities, the change-event
// taxonomy, and the persistence contracts shared by isocore components.
package domain

import (
	"math"
	"sort"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records, events and cache kinds.
const (
	// EntityInstrument identifies a mass spectrometer.
	EntityInstrument EntityType = "instrument"
	// EntityStandard identifies a reference material with accepted values.
	EntityStandard EntityType = "standard"
	// EntityReplicate identifies a single measured replicate.
	EntityReplicate EntityType = "replicate"
	// EntitySample identifies a sample grouping replicates.
	EntitySample EntityType = "sample"
	// EntityRawFile identifies an archived instrument output file.
	EntityRawFile EntityType = "raw_file"
	// EntityCorrInterval identifies a calibration interval.
	EntityCorrInterval EntityType = "corr_interval"
	// EntityAnalysis identifies an analysis definition.
	EntityAnalysis EntityType = "analysis"
	// EntityStepParameters identifies a per-step parameter row.
	EntityStepParameters EntityType = "step_parameters"
)

// Timestamp is a measurement instant in milliseconds since the Unix epoch.
type Timestamp int64

// Sentinels bounding every instrument's calibration partition.
const (
	MinTimestamp Timestamp = math.MinInt64
	MaxTimestamp Timestamp = math.MaxInt64
)

// TimestampOf converts a wall clock time into a Timestamp.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts the timestamp back to wall clock time. Sentinels are clamped
// to the zero time.
func (t Timestamp) Time() time.Time {
	if t == MinTimestamp || t == MaxTimestamp {
		return time.Time{}
	}
	return time.UnixMilli(int64(t)).UTC()
}

// TimeRange is the half-open range [From, Until).
type TimeRange struct {
	From  Timestamp `json:"from"`
	Until Timestamp `json:"until"`
}

// Contains reports whether ts lies within the range.
func (r TimeRange) Contains(ts Timestamp) bool {
	return ts >= r.From && ts < r.Until
}

// Empty reports whether the range covers no instant.
func (r TimeRange) Empty() bool {
	return r.From >= r.Until
}

// Overlaps reports whether two ranges share at least one instant.
func (r TimeRange) Overlaps(other TimeRange) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return r.From < other.Until && other.From < r.Until
}

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Instrument is a mass spectrometer owning a calibration partition.
type Instrument struct {
	Base
	Name string `json:"name"`
}

// Standard is a reference material with accepted values per measured column.
type Standard struct {
	Base
	Name            string             `json:"name"`
	ReferenceValues map[string]float64 `json:"reference_values"`
}

// Replicate is one measurement of a sample or standard on an instrument.
// Measurements hold scalar columns, Cycles hold per-cycle samples that the
// pipeline accumulates.
type Replicate struct {
	Base
	InstrumentID string               `json:"instrument_id"`
	Timestamp    Timestamp            `json:"timestamp"`
	StandardID   string               `json:"standard_id,omitempty"`
	SampleID     string               `json:"sample_id,omitempty"`
	RawFileID    string               `json:"raw_file_id,omitempty"`
	Disabled     bool                 `json:"disabled"`
	Measurements map[string]float64   `json:"measurements,omitempty"`
	Cycles       map[string][]float64 `json:"cycles,omitempty"`
}

// IsStandard reports whether the replicate measured a reference material.
func (r Replicate) IsStandard() bool {
	return r.StandardID != ""
}

// Sample groups the replicates measured from one physical specimen.
type Sample struct {
	Base
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RawFile describes an archived instrument output file. The bytes live in the
// blob store under BlobKey.
type RawFile struct {
	Base
	InstrumentID string    `json:"instrument_id"`
	Timestamp    Timestamp `json:"timestamp"`
	Name         string    `json:"name"`
	BlobKey      string    `json:"blob_key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
}

// CorrInterval is a calibration interval [ValidFrom, ValidUntil) on one
// instrument. AnalysisIDs lists the replicate analyses enabled within it.
type CorrInterval struct {
	Base
	InstrumentID string    `json:"instrument_id"`
	ValidFrom    Timestamp `json:"valid_from"`
	ValidUntil   Timestamp `json:"valid_until"`
	Description  string    `json:"description,omitempty"`
	AnalysisIDs  []string  `json:"analysis_ids,omitempty"`
}

// Range returns the interval's half-open time range.
func (c CorrInterval) Range() TimeRange {
	return TimeRange{From: c.ValidFrom, Until: c.ValidUntil}
}

// HasAnalysis reports whether the analysis is enabled for the interval. An
// empty list enables every analysis.
func (c CorrInterval) HasAnalysis(analysisID string) bool {
	if len(c.AnalysisIDs) == 0 {
		return true
	}
	for _, id := range c.AnalysisIDs {
		if id == analysisID {
			return true
		}
	}
	return false
}

// AnalysisKind distinguishes replicate-level from sample-level analyses.
type AnalysisKind string

// Analysis granularities.
const (
	AnalysisReplicate AnalysisKind = "replicate"
	AnalysisSample    AnalysisKind = "sample"
)

// StepType tags a controller implementation in the step registry.
type StepType string

// StepDescriptor is one calculation unit within an analysis definition.
// Inputs and Outputs map a controller's logical names onto ScratchPad columns.
type StepDescriptor struct {
	ID       string            `json:"id"`
	Position int               `json:"position"`
	Type     StepType          `json:"type"`
	Inputs   map[string]string `json:"inputs,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Doc      string            `json:"doc,omitempty"`
}

// Analysis is an ordered chain of steps. Sample analyses name the replicate
// analysis whose results feed them.
type Analysis struct {
	Base
	Name          string           `json:"name"`
	Kind          AnalysisKind     `json:"kind"`
	RepAnalysisID string           `json:"rep_analysis_id,omitempty"`
	Steps         []StepDescriptor `json:"steps"`
}

// OrderedSteps returns the steps sorted by position.
func (a Analysis) OrderedSteps() []StepDescriptor {
	out := append([]StepDescriptor(nil), a.Steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// StepParameters binds a parameter set to one step of an analysis within one
// calibration interval.
type StepParameters struct {
	IntervalID string         `json:"interval_id"`
	AnalysisID string         `json:"analysis_id"`
	Position   int            `json:"position"`
	Values     map[string]any `json:"values"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Key returns the storage key for the parameter row.
func (p StepParameters) Key() StepParametersKey {
	return StepParametersKey{IntervalID: p.IntervalID, AnalysisID: p.AnalysisID, Position: p.Position}
}

// StepParametersKey identifies a parameter row.
type StepParametersKey struct {
	IntervalID string `json:"interval_id"`
	AnalysisID string `json:"analysis_id"`
	Position   int    `json:"position"`
}

// ReplicateFilter narrows replicate listings. Zero values match everything;
// a zero Range matches every timestamp.
type ReplicateFilter struct {
	InstrumentID    string
	Range           *TimeRange
	StandardsOnly   bool
	SampleID        string
	RawFileID       string
	IncludeDisabled bool
}

// Matches reports whether the replicate satisfies the filter.
func (f ReplicateFilter) Matches(r Replicate) bool {
	if f.InstrumentID != "" && r.InstrumentID != f.InstrumentID {
		return false
	}
	if f.Range != nil && !f.Range.Contains(r.Timestamp) {
		return false
	}
	if f.StandardsOnly && !r.IsStandard() {
		return false
	}
	if f.SampleID != "" && r.SampleID != f.SampleID {
		return false
	}
	if f.RawFileID != "" && r.RawFileID != f.RawFileID {
		return false
	}
	if !f.IncludeDisabled && r.Disabled {
		return false
	}
	return true
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)
