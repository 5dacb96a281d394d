package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"isocore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store provides an in-memory transactional store for the laboratory domain.
// Writers are serialized; a transaction works on a clone of the committed
// state and replaces it only when fn and every blocking rule succeed.
type Store struct {
	mu      sync.RWMutex
	state   memoryState
	engine  *domain.RulesEngine
	nowFn   func() time.Time
	persist PersistFunc
}

// PersistFunc durably writes a snapshot of state about to be committed. A
// failure aborts the commit.
type PersistFunc func(ctx context.Context, snapshot Snapshot) error

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock used to stamp rows.
func WithNow(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithPersist installs a hook run under the writer lock before each commit.
func WithPersist(fn PersistFunc) Option {
	return func(s *Store) { s.persist = fn }
}

// NewStore constructs an in-memory store backed by the provided rules engine.
// A nil engine installs the default partition and parameter integrity rules.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewDefaultRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, newTransactionView(&tx.state), tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.persist != nil {
		if err := s.persist(ctx, snapshotFromMemoryState(tx.state)); err != nil {
			return result, domain.DBError{Op: "persist snapshot", Err: err}
		}
	}
	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

type transaction struct {
	state   memoryState
	changes []domain.Change
	now     time.Time
}

func newID() string { return uuid.NewString() }

func (tx *transaction) record(entity domain.EntityType, action domain.Action, before, after any) {
	tx.changes = append(tx.changes, domain.Change{Entity: entity, Action: action, Before: before, After: after})
}

func (tx *transaction) stamp(b *domain.Base) {
	if b.ID == "" {
		b.ID = newID()
	}
	b.CreatedAt = tx.now
	b.UpdatedAt = tx.now
}

func notFound(entity domain.EntityType, id string) error {
	return domain.ErrNotFound{Entity: entity, ID: id}
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() domain.TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) CreateInstrument(in domain.Instrument) (domain.Instrument, error) {
	if in.Name == "" {
		return domain.Instrument{}, domain.Executionf("instrument name is required")
	}
	tx.stamp(&in.Base)
	if _, exists := tx.state.instruments[in.ID]; exists {
		return domain.Instrument{}, fmt.Errorf("instrument %q already exists", in.ID)
	}
	tx.state.instruments[in.ID] = in
	tx.record(domain.EntityInstrument, domain.ActionCreate, nil, in)
	return in, nil
}

func (tx *transaction) CreateStandard(st domain.Standard) (domain.Standard, error) {
	if st.Name == "" {
		return domain.Standard{}, domain.Executionf("standard name is required")
	}
	tx.stamp(&st.Base)
	if _, exists := tx.state.standards[st.ID]; exists {
		return domain.Standard{}, fmt.Errorf("standard %q already exists", st.ID)
	}
	tx.state.standards[st.ID] = cloneStandard(st)
	tx.record(domain.EntityStandard, domain.ActionCreate, nil, cloneStandard(st))
	return cloneStandard(st), nil
}

func (tx *transaction) UpdateStandard(id string, mutator func(*domain.Standard) error) (domain.Standard, error) {
	current, ok := tx.state.standards[id]
	if !ok {
		return domain.Standard{}, notFound(domain.EntityStandard, id)
	}
	before := cloneStandard(current)
	current = cloneStandard(current)
	if err := mutator(&current); err != nil {
		return domain.Standard{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.standards[id] = cloneStandard(current)
	tx.record(domain.EntityStandard, domain.ActionUpdate, before, cloneStandard(current))
	return cloneStandard(current), nil
}

func (tx *transaction) CreateSample(sm domain.Sample) (domain.Sample, error) {
	if sm.Name == "" {
		return domain.Sample{}, domain.Executionf("sample name is required")
	}
	tx.stamp(&sm.Base)
	if _, exists := tx.state.samples[sm.ID]; exists {
		return domain.Sample{}, fmt.Errorf("sample %q already exists", sm.ID)
	}
	tx.state.samples[sm.ID] = sm
	tx.record(domain.EntitySample, domain.ActionCreate, nil, sm)
	return sm, nil
}

func (tx *transaction) UpdateSample(id string, mutator func(*domain.Sample) error) (domain.Sample, error) {
	current, ok := tx.state.samples[id]
	if !ok {
		return domain.Sample{}, notFound(domain.EntitySample, id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.Sample{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.samples[id] = current
	tx.record(domain.EntitySample, domain.ActionUpdate, before, current)
	return current, nil
}

func (tx *transaction) validateReplicate(r domain.Replicate) error {
	if _, ok := tx.state.instruments[r.InstrumentID]; !ok {
		return notFound(domain.EntityInstrument, r.InstrumentID)
	}
	if r.StandardID != "" {
		if _, ok := tx.state.standards[r.StandardID]; !ok {
			return notFound(domain.EntityStandard, r.StandardID)
		}
	}
	if r.SampleID != "" {
		if _, ok := tx.state.samples[r.SampleID]; !ok {
			return notFound(domain.EntitySample, r.SampleID)
		}
	}
	if r.StandardID != "" && r.SampleID != "" {
		return domain.Executionf("replicate cannot measure both standard %s and sample %s", r.StandardID, r.SampleID)
	}
	if r.RawFileID != "" {
		if _, ok := tx.state.rawFiles[r.RawFileID]; !ok {
			return notFound(domain.EntityRawFile, r.RawFileID)
		}
	}
	return nil
}

func (tx *transaction) CreateReplicate(r domain.Replicate) (domain.Replicate, error) {
	if err := tx.validateReplicate(r); err != nil {
		return domain.Replicate{}, err
	}
	tx.stamp(&r.Base)
	if _, exists := tx.state.replicates[r.ID]; exists {
		return domain.Replicate{}, fmt.Errorf("replicate %q already exists", r.ID)
	}
	tx.state.replicates[r.ID] = cloneReplicate(r)
	tx.record(domain.EntityReplicate, domain.ActionCreate, nil, cloneReplicate(r))
	return cloneReplicate(r), nil
}

func (tx *transaction) UpdateReplicate(id string, mutator func(*domain.Replicate) error) (domain.Replicate, error) {
	current, ok := tx.state.replicates[id]
	if !ok {
		return domain.Replicate{}, notFound(domain.EntityReplicate, id)
	}
	before := cloneReplicate(current)
	current = cloneReplicate(current)
	if err := mutator(&current); err != nil {
		return domain.Replicate{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	if err := tx.validateReplicate(current); err != nil {
		return domain.Replicate{}, err
	}
	tx.state.replicates[id] = cloneReplicate(current)
	tx.record(domain.EntityReplicate, domain.ActionUpdate, before, cloneReplicate(current))
	return cloneReplicate(current), nil
}

func (tx *transaction) DeleteReplicate(id string) error {
	current, ok := tx.state.replicates[id]
	if !ok {
		return notFound(domain.EntityReplicate, id)
	}
	delete(tx.state.replicates, id)
	tx.record(domain.EntityReplicate, domain.ActionDelete, current, nil)
	return nil
}

func (tx *transaction) CreateRawFile(f domain.RawFile) (domain.RawFile, error) {
	if _, ok := tx.state.instruments[f.InstrumentID]; !ok {
		return domain.RawFile{}, notFound(domain.EntityInstrument, f.InstrumentID)
	}
	tx.stamp(&f.Base)
	if _, exists := tx.state.rawFiles[f.ID]; exists {
		return domain.RawFile{}, fmt.Errorf("raw file %q already exists", f.ID)
	}
	tx.state.rawFiles[f.ID] = f
	tx.record(domain.EntityRawFile, domain.ActionCreate, nil, f)
	return f, nil
}

func (tx *transaction) DeleteRawFile(id string) error {
	current, ok := tx.state.rawFiles[id]
	if !ok {
		return notFound(domain.EntityRawFile, id)
	}
	for _, r := range tx.state.replicates {
		if r.RawFileID == id {
			return fmt.Errorf("raw file %q still referenced by replicate %q", id, r.ID)
		}
	}
	delete(tx.state.rawFiles, id)
	tx.record(domain.EntityRawFile, domain.ActionDelete, current, nil)
	return nil
}

func (tx *transaction) CreateCorrInterval(c domain.CorrInterval) (domain.CorrInterval, error) {
	if _, ok := tx.state.instruments[c.InstrumentID]; !ok {
		return domain.CorrInterval{}, notFound(domain.EntityInstrument, c.InstrumentID)
	}
	if c.Range().Empty() {
		return domain.CorrInterval{}, domain.Executionf("interval [%d,%d) is empty", c.ValidFrom, c.ValidUntil)
	}
	tx.stamp(&c.Base)
	if _, exists := tx.state.intervals[c.ID]; exists {
		return domain.CorrInterval{}, fmt.Errorf("corr interval %q already exists", c.ID)
	}
	tx.state.intervals[c.ID] = cloneInterval(c)
	tx.record(domain.EntityCorrInterval, domain.ActionCreate, nil, cloneInterval(c))
	return cloneInterval(c), nil
}

func (tx *transaction) UpdateCorrInterval(id string, mutator func(*domain.CorrInterval) error) (domain.CorrInterval, error) {
	current, ok := tx.state.intervals[id]
	if !ok {
		return domain.CorrInterval{}, notFound(domain.EntityCorrInterval, id)
	}
	before := cloneInterval(current)
	current = cloneInterval(current)
	if err := mutator(&current); err != nil {
		return domain.CorrInterval{}, err
	}
	current.ID = id
	current.InstrumentID = before.InstrumentID
	current.UpdatedAt = tx.now
	tx.state.intervals[id] = cloneInterval(current)
	tx.record(domain.EntityCorrInterval, domain.ActionUpdate, before, cloneInterval(current))
	return cloneInterval(current), nil
}

func (tx *transaction) DeleteCorrInterval(id string) error {
	current, ok := tx.state.intervals[id]
	if !ok {
		return notFound(domain.EntityCorrInterval, id)
	}
	delete(tx.state.intervals, id)
	tx.record(domain.EntityCorrInterval, domain.ActionDelete, current, nil)
	return nil
}

func (tx *transaction) validateAnalysis(a domain.Analysis) error {
	if a.Name == "" {
		return domain.Executionf("analysis name is required")
	}
	switch a.Kind {
	case domain.AnalysisReplicate:
	case domain.AnalysisSample:
		rep, ok := tx.state.analyses[a.RepAnalysisID]
		if !ok {
			return notFound(domain.EntityAnalysis, a.RepAnalysisID)
		}
		if rep.Kind != domain.AnalysisReplicate {
			return domain.Executionf("sample analysis %s must reference a replicate analysis", a.Name)
		}
	default:
		return domain.Executionf("unknown analysis kind %q", a.Kind)
	}
	return nil
}

func (tx *transaction) CreateAnalysis(a domain.Analysis) (domain.Analysis, error) {
	if err := tx.validateAnalysis(a); err != nil {
		return domain.Analysis{}, err
	}
	tx.stamp(&a.Base)
	if _, exists := tx.state.analyses[a.ID]; exists {
		return domain.Analysis{}, fmt.Errorf("analysis %q already exists", a.ID)
	}
	tx.state.analyses[a.ID] = cloneAnalysis(a)
	tx.record(domain.EntityAnalysis, domain.ActionCreate, nil, cloneAnalysis(a))
	return cloneAnalysis(a), nil
}

func (tx *transaction) UpdateAnalysis(id string, mutator func(*domain.Analysis) error) (domain.Analysis, error) {
	current, ok := tx.state.analyses[id]
	if !ok {
		return domain.Analysis{}, notFound(domain.EntityAnalysis, id)
	}
	before := cloneAnalysis(current)
	current = cloneAnalysis(current)
	if err := mutator(&current); err != nil {
		return domain.Analysis{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	if err := tx.validateAnalysis(current); err != nil {
		return domain.Analysis{}, err
	}
	tx.state.analyses[id] = cloneAnalysis(current)
	tx.record(domain.EntityAnalysis, domain.ActionUpdate, before, cloneAnalysis(current))
	return cloneAnalysis(current), nil
}

func (tx *transaction) PutStepParameters(p domain.StepParameters) (domain.StepParameters, error) {
	p.UpdatedAt = tx.now
	key := p.Key()
	before, exists := tx.state.params[key]
	tx.state.params[key] = cloneParams(p)
	if exists {
		tx.record(domain.EntityStepParameters, domain.ActionUpdate, before, cloneParams(p))
	} else {
		tx.record(domain.EntityStepParameters, domain.ActionCreate, nil, cloneParams(p))
	}
	return cloneParams(p), nil
}

func (tx *transaction) DeleteStepParameters(key domain.StepParametersKey) error {
	current, ok := tx.state.params[key]
	if !ok {
		return notFound(domain.EntityStepParameters, fmt.Sprintf("%s/%s/%d", key.IntervalID, key.AnalysisID, key.Position))
	}
	delete(tx.state.params, key)
	tx.record(domain.EntityStepParameters, domain.ActionDelete, current, nil)
	return nil
}

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) domain.TransactionView {
	return transactionView{state: state}
}

func (v transactionView) FindInstrument(id string) (domain.Instrument, bool) {
	in, ok := v.state.instruments[id]
	return in, ok
}

func (v transactionView) ListInstruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(v.state.instruments))
	for _, in := range v.state.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindStandard(id string) (domain.Standard, bool) {
	st, ok := v.state.standards[id]
	return cloneStandard(st), ok
}

func (v transactionView) ListStandards() []domain.Standard {
	out := make([]domain.Standard, 0, len(v.state.standards))
	for _, st := range v.state.standards {
		out = append(out, cloneStandard(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindSample(id string) (domain.Sample, bool) {
	sm, ok := v.state.samples[id]
	return sm, ok
}

func (v transactionView) ListSamples() []domain.Sample {
	out := make([]domain.Sample, 0, len(v.state.samples))
	for _, sm := range v.state.samples {
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindReplicate(id string) (domain.Replicate, bool) {
	r, ok := v.state.replicates[id]
	if !ok {
		return domain.Replicate{}, false
	}
	return cloneReplicate(r), true
}

// ListReplicates returns matching replicates ordered by timestamp, then id.
func (v transactionView) ListReplicates(filter domain.ReplicateFilter) []domain.Replicate {
	var out []domain.Replicate
	for _, r := range v.state.replicates {
		if filter.Matches(r) {
			out = append(out, cloneReplicate(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v transactionView) FindRawFile(id string) (domain.RawFile, bool) {
	f, ok := v.state.rawFiles[id]
	return f, ok
}

func (v transactionView) FindCorrInterval(id string) (domain.CorrInterval, bool) {
	c, ok := v.state.intervals[id]
	if !ok {
		return domain.CorrInterval{}, false
	}
	return cloneInterval(c), true
}

func (v transactionView) ListCorrIntervals(instrumentID string) []domain.CorrInterval {
	var out []domain.CorrInterval
	for _, c := range v.state.intervals {
		if c.InstrumentID == instrumentID {
			out = append(out, cloneInterval(c))
		}
	}
	return domain.SortIntervals(out)
}

func (v transactionView) FindAnalysis(id string) (domain.Analysis, bool) {
	a, ok := v.state.analyses[id]
	if !ok {
		return domain.Analysis{}, false
	}
	return cloneAnalysis(a), true
}

func (v transactionView) ListAnalyses() []domain.Analysis {
	out := make([]domain.Analysis, 0, len(v.state.analyses))
	for _, a := range v.state.analyses {
		out = append(out, cloneAnalysis(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) StepParameters(intervalID, analysisID string) []domain.StepParameters {
	var out []domain.StepParameters
	for _, p := range v.state.params {
		if p.IntervalID == intervalID && p.AnalysisID == analysisID {
			out = append(out, cloneParams(p))
		}
	}
	sortParams(out)
	return out
}

func (v transactionView) ListAllStepParameters() []domain.StepParameters {
	out := make([]domain.StepParameters, 0, len(v.state.params))
	for _, p := range v.state.params {
		out = append(out, cloneParams(p))
	}
	sortParams(out)
	return out
}
