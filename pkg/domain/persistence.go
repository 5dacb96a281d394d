package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView

	CreateInstrument(Instrument) (Instrument, error)
	CreateStandard(Standard) (Standard, error)
	UpdateStandard(id string, mutator func(*Standard) error) (Standard, error)
	CreateSample(Sample) (Sample, error)
	UpdateSample(id string, mutator func(*Sample) error) (Sample, error)
	CreateReplicate(Replicate) (Replicate, error)
	UpdateReplicate(id string, mutator func(*Replicate) error) (Replicate, error)
	DeleteReplicate(id string) error
	CreateRawFile(RawFile) (RawFile, error)
	DeleteRawFile(id string) error
	CreateCorrInterval(CorrInterval) (CorrInterval, error)
	UpdateCorrInterval(id string, mutator func(*CorrInterval) error) (CorrInterval, error)
	DeleteCorrInterval(id string) error
	CreateAnalysis(Analysis) (Analysis, error)
	UpdateAnalysis(id string, mutator func(*Analysis) error) (Analysis, error)
	PutStepParameters(StepParameters) (StepParameters, error)
	DeleteStepParameters(key StepParametersKey) error
}

// TransactionView provides read-only access to snapshot data for rules,
// commands and calculators.
type TransactionView interface {
	FindInstrument(id string) (Instrument, bool)
	ListInstruments() []Instrument
	FindStandard(id string) (Standard, bool)
	ListStandards() []Standard
	FindSample(id string) (Sample, bool)
	ListSamples() []Sample
	FindReplicate(id string) (Replicate, bool)
	ListReplicates(filter ReplicateFilter) []Replicate
	FindRawFile(id string) (RawFile, bool)
	FindCorrInterval(id string) (CorrInterval, bool)
	// ListCorrIntervals returns the instrument's intervals ordered by ValidFrom.
	ListCorrIntervals(instrumentID string) []CorrInterval
	FindAnalysis(id string) (Analysis, bool)
	ListAnalyses() []Analysis
	// StepParameters returns the rows for one (interval, analysis) ordered by position.
	StepParameters(intervalID, analysisID string) []StepParameters
	// ListAllStepParameters returns every stored parameter row.
	ListAllStepParameters() []StepParameters
}

// PersistentStore is a minimal abstraction over durable backends.
// RunInTransaction serializes writers; a failed fn or a blocking rule
// violation leaves the store untouched.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
