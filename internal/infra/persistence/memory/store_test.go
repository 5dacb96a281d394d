package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"isocore/pkg/domain"
)

func seedInstrument(t *testing.T, store *Store) (domain.Instrument, domain.CorrInterval) {
	t.Helper()
	var (
		inst     domain.Instrument
		interval domain.CorrInterval
	)
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		inst, err = tx.CreateInstrument(domain.Instrument{Name: "MAT253"})
		if err != nil {
			return err
		}
		interval, err = tx.CreateCorrInterval(domain.CorrInterval{InstrumentID: inst.ID, ValidFrom: domain.MinTimestamp, ValidUntil: domain.MaxTimestamp})
		return err
	}); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	return inst, interval
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := NewStore(nil, WithNow(func() time.Time { return fixed }))
	inst, interval := seedInstrument(t, store)
	if inst.ID == "" || interval.ID == "" {
		t.Fatalf("expected generated IDs")
	}
	if !inst.CreatedAt.Equal(fixed) {
		t.Fatalf("expected stamped creation time, got %v", inst.CreatedAt)
	}

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if err := store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListInstruments()) != 0 {
			t.Fatalf("expected cleared state")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	store.ImportState(snapshot)
	if err := store.View(context.Background(), func(v domain.TransactionView) error {
		if got := v.ListCorrIntervals(inst.ID); len(got) != 1 || got[0].ID != interval.ID {
			t.Fatalf("expected restored interval, got %+v", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if store.RulesEngine() == nil || store.NowFunc() == nil {
		t.Fatalf("expected engine and clock")
	}
}

func TestStorePartitionRuleRollsBack(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateInstrument(domain.Instrument{Name: "bare"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected partition violation, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListInstruments()) != 0 {
			t.Fatalf("blocked transaction must not commit")
		}
		return nil
	})
}

func TestStoreFailedFnLeavesStateUntouched(t *testing.T) {
	store := NewStore(nil)
	inst, _ := seedInstrument(t, store)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateStandard(domain.Standard{Name: "NBS19"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListStandards()) != 0 {
			t.Fatalf("expected no standards after failed transaction")
		}
		if _, ok := v.FindInstrument(inst.ID); !ok {
			t.Fatalf("expected committed instrument to survive")
		}
		return nil
	})
}

func TestStoreReplicateReferencesAndOrdering(t *testing.T) {
	store := NewStore(nil)
	inst, _ := seedInstrument(t, store)
	ctx := context.Background()
	var std domain.Standard
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		std, err = tx.CreateStandard(domain.Standard{Name: "NBS19", ReferenceValues: map[string]float64{"d13C": 1.95}})
		if err != nil {
			return err
		}
		if _, err := tx.CreateReplicate(domain.Replicate{InstrumentID: "missing", Timestamp: 1}); err == nil {
			t.Fatalf("expected missing instrument error")
		}
		var nf domain.ErrNotFound
		if _, err := tx.CreateReplicate(domain.Replicate{InstrumentID: inst.ID, StandardID: "nope"}); !errors.As(err, &nf) || nf.Entity != domain.EntityStandard {
			t.Fatalf("expected standard not found, got %v", err)
		}
		for _, ts := range []domain.Timestamp{30, 10, 20} {
			if _, err := tx.CreateReplicate(domain.Replicate{InstrumentID: inst.ID, Timestamp: ts, StandardID: std.ID}); err != nil {
				return err
			}
		}
		_, err = tx.CreateReplicate(domain.Replicate{InstrumentID: inst.ID, Timestamp: 15, Disabled: true, StandardID: std.ID})
		return err
	}); err != nil {
		t.Fatalf("seed replicates: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		window := domain.TimeRange{From: 10, Until: 30}
		reps := v.ListReplicates(domain.ReplicateFilter{InstrumentID: inst.ID, Range: &window, StandardsOnly: true})
		if len(reps) != 2 || reps[0].Timestamp != 10 || reps[1].Timestamp != 20 {
			t.Fatalf("unexpected window listing %+v", reps)
		}
		all := v.ListReplicates(domain.ReplicateFilter{IncludeDisabled: true})
		if len(all) != 4 {
			t.Fatalf("expected disabled replicate when requested, got %d", len(all))
		}
		return nil
	})
}

func TestStoreMutatorCannotAliasState(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	var std domain.Standard
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		std, err = tx.CreateStandard(domain.Standard{Name: "NBS19", ReferenceValues: map[string]float64{"d13C": 1.95}})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	std.ReferenceValues["d13C"] = 99
	_ = store.View(ctx, func(v domain.TransactionView) error {
		got, _ := v.FindStandard(std.ID)
		if got.ReferenceValues["d13C"] != 1.95 {
			t.Fatalf("returned value aliases store state")
		}
		return nil
	})
}

func TestStoreStepParametersLifecycle(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	ctx := context.Background()
	key := domain.StepParametersKey{IntervalID: "ci", AnalysisID: "an", Position: 1}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.PutStepParameters(domain.StepParameters{IntervalID: "ci", AnalysisID: "an", Position: 1, Values: map[string]any{"a": 1.0}}); err != nil {
			return err
		}
		_, err := tx.PutStepParameters(domain.StepParameters{IntervalID: "ci", AnalysisID: "an", Position: 0, Values: map[string]any{"b": 2.0}})
		return err
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		rows := v.StepParameters("ci", "an")
		if len(rows) != 2 || rows[0].Position != 0 {
			t.Fatalf("expected rows ordered by position, got %+v", rows)
		}
		return nil
	})
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.DeleteStepParameters(key); err != nil {
			return err
		}
		var nf domain.ErrNotFound
		if err := tx.DeleteStepParameters(key); !errors.As(err, &nf) {
			t.Fatalf("expected not found on second delete, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestStoreParameterIntegrityRule(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.PutStepParameters(domain.StepParameters{IntervalID: "ghost", AnalysisID: "an", Position: 0})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected integrity violation, got %v", err)
	}
}

func TestStoreRawFileDeleteGuard(t *testing.T) {
	store := NewStore(nil)
	inst, _ := seedInstrument(t, store)
	ctx := context.Background()
	var file domain.RawFile
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		file, err = tx.CreateRawFile(domain.RawFile{InstrumentID: inst.ID, Name: "scan.raw", BlobKey: "raw/scan.raw"})
		if err != nil {
			return err
		}
		_, err = tx.CreateReplicate(domain.Replicate{InstrumentID: inst.ID, Timestamp: 1, RawFileID: file.ID})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteRawFile(file.ID)
	}); err == nil {
		t.Fatalf("expected referenced raw file delete to fail")
	}
}

func TestStorePersistHookGatesCommit(t *testing.T) {
	var persisted []Snapshot
	fail := false
	store := NewStore(nil, WithPersist(func(_ context.Context, s Snapshot) error {
		if fail {
			return errors.New("disk full")
		}
		persisted = append(persisted, s)
		return nil
	}))
	seedInstrument(t, store)
	if len(persisted) != 1 || len(persisted[0].CorrIntervals) != 1 {
		t.Fatalf("expected one persisted snapshot with the interval, got %d", len(persisted))
	}
	fail = true
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateSample(domain.Sample{Name: "S-1"})
		return e
	})
	var dbErr domain.DBError
	if !errors.As(err, &dbErr) {
		t.Fatalf("expected DBError, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListSamples()) != 0 {
			t.Fatalf("failed persist must not commit")
		}
		return nil
	})
}

func TestSnapshotBucketsRoundTrip(t *testing.T) {
	store := NewStore(nil)
	seedInstrument(t, store)
	snapshot := store.ExportState()
	var decoded Snapshot
	for _, bucket := range Buckets {
		data, err := snapshot.EncodeBucket(bucket)
		if err != nil {
			t.Fatalf("encode %s: %v", bucket, err)
		}
		if err := decoded.DecodeBucket(bucket, data); err != nil {
			t.Fatalf("decode %s: %v", bucket, err)
		}
	}
	if len(decoded.Instruments) != 1 || len(decoded.CorrIntervals) != 1 {
		t.Fatalf("unexpected decoded snapshot %+v", decoded)
	}
	if _, err := snapshot.EncodeBucket("organisms"); err == nil {
		t.Fatalf("expected unknown bucket error")
	}
	if err := decoded.DecodeBucket("organisms", []byte("{}")); err != nil {
		t.Fatalf("unknown buckets are skipped on load: %v", err)
	}
}
