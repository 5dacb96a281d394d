package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"isocore/internal/infra/persistence/postgres/testutil"
	"isocore/pkg/domain"
)

func stubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreCreatesStateTable(t *testing.T) {
	_, conn := stubStore(t)
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS STATE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state DDL, got %v", conn.Execs)
	}
}

func TestRunInTransactionPersistsBuckets(t *testing.T) {
	store, conn := stubStore(t)
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		inst, err := tx.CreateInstrument(domain.Instrument{Name: "MAT253"})
		if err != nil {
			return err
		}
		_, err = tx.CreateCorrInterval(domain.CorrInterval{InstrumentID: inst.ID, ValidFrom: domain.MinTimestamp, ValidUntil: domain.MaxTimestamp})
		return err
	}); err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	rows := conn.Rows("state")
	if len(rows) != 8 {
		t.Fatalf("expected one row per bucket, got %d", len(rows))
	}

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return store.DB(), nil })
	defer restore()
	reloaded, err := NewStore("ignored", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	_ = reloaded.View(context.Background(), func(v domain.TransactionView) error {
		insts := v.ListInstruments()
		if len(insts) != 1 || len(v.ListCorrIntervals(insts[0].ID)) != 1 {
			t.Fatalf("expected hydrated instrument and interval")
		}
		return nil
	})
}

func TestPersistFailureKeepsWorkingSet(t *testing.T) {
	store, conn := stubStore(t)
	conn.FailCommit = true
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
			t.Fatalf("sample committed despite persist failure")
		}
		return nil
	})
}

func TestNewStoreErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("no driver") })
	if _, err := NewStore("dsn", nil); err == nil {
		t.Fatalf("expected open error")
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("dsn", nil); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping error, got %v", err)
	}
	conn.FailPing = false
	conn.FailTables["state"] = true
	if _, err := NewStore("dsn", nil); err == nil || !strings.Contains(err.Error(), "select state") {
		t.Fatalf("expected select error, got %v", err)
	}
}
