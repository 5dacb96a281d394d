package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"isocore/pkg/domain"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := NewStore(path, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStorePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store := openStore(t, path)
	ctx := context.Background()
	var interval domain.CorrInterval
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		inst, err := tx.CreateInstrument(domain.Instrument{Name: "MAT253"})
		if err != nil {
			return err
		}
		interval, err = tx.CreateCorrInterval(domain.CorrInterval{InstrumentID: inst.ID, ValidFrom: domain.MinTimestamp, ValidUntil: domain.MaxTimestamp})
		if err != nil {
			return err
		}
		an, err := tx.CreateAnalysis(domain.Analysis{Name: "carbon", Kind: domain.AnalysisReplicate})
		if err != nil {
			return err
		}
		_, err = tx.PutStepParameters(domain.StepParameters{IntervalID: interval.ID, AnalysisID: an.ID, Position: 0, Values: map[string]any{"reference_delta": 1.5}})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = store.Close()

	reloaded := openStore(t, path)
	if err := reloaded.View(ctx, func(v domain.TransactionView) error {
		if got := len(v.ListInstruments()); got != 1 {
			t.Fatalf("expected 1 instrument, got %d", got)
		}
		if _, ok := v.FindCorrInterval(interval.ID); !ok {
			t.Fatalf("expected interval %s after reload", interval.ID)
		}
		params := v.ListAllStepParameters()
		if len(params) != 1 || params[0].Values["reference_delta"] != 1.5 {
			t.Fatalf("expected parameter row from step_parameters table, got %+v", params)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSQLiteStoreStepParametersTable(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "state.db"))
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		inst, err := tx.CreateInstrument(domain.Instrument{Name: "Delta V"})
		if err != nil {
			return err
		}
		ci, err := tx.CreateCorrInterval(domain.CorrInterval{InstrumentID: inst.ID, ValidFrom: domain.MinTimestamp, ValidUntil: domain.MaxTimestamp})
		if err != nil {
			return err
		}
		an, err := tx.CreateAnalysis(domain.Analysis{Name: "oxygen", Kind: domain.AnalysisReplicate})
		if err != nil {
			return err
		}
		for pos := 0; pos < 3; pos++ {
			if _, err := tx.PutStepParameters(domain.StepParameters{IntervalID: ci.ID, AnalysisID: an.ID, Position: pos, Values: map[string]any{"n": float64(pos)}}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM step_parameters`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 parameter rows, got %d", count)
	}
}

func TestSQLiteStoreBlockedCommitIsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store := openStore(t, path)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateInstrument(domain.Instrument{Name: "no intervals"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected partition violation, got %v", err)
	}
	var buckets int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&buckets); err != nil {
		t.Fatalf("count: %v", err)
	}
	if buckets != 0 {
		t.Fatalf("blocked transaction wrote %d buckets", buckets)
	}
}

func TestSQLiteStorePersistFailureRollsBack(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "state.db"))
	_ = store.DB().Close()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateStandard(domain.Standard{Name: "NBS19"})
		return e
	})
	var dbErr domain.DBError
	if !errors.As(err, &dbErr) {
		t.Fatalf("expected DBError when the database is gone, got %v", err)
	}
	if domain.StatusFromError(err) != domain.StatusDBError {
		t.Fatalf("expected DB_ERROR status")
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListStandards()) != 0 {
			t.Fatalf("working set advanced past a failed persist")
		}
		return nil
	})
}
