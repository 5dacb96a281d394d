package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"isocore/internal/blob/core"
)

func TestStoreMissingKeys(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false, got %v %v", ok, err)
	}
	if _, err := store.Put(ctx, " ", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()
	meta := map[string]string{"instrument": "MAT253"}
	info, err := store.Put(ctx, "raw/i1/r1/run.did", bytes.NewReader([]byte("cycle data")), core.PutOptions{ContentType: "application/octet-stream", Metadata: meta})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["instrument"] = "changed"
	if info.Size != 10 || info.Checksum == "" || info.Metadata["instrument"] != "MAT253" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "raw/i1/r1/run.did", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	if _, err := store.Put(ctx, "raw/i2/r2/run.did", bytes.NewReader([]byte("other")), core.PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}

	got, rc, err := store.Get(ctx, "raw/i1/r1/run.did")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "cycle data" || got.Checksum != info.Checksum {
		t.Fatalf("unexpected get %q %+v", body, got)
	}

	list, err := store.List(ctx, "raw/i1/")
	if err != nil || len(list) != 1 {
		t.Fatalf("list prefix: %v %d", err, len(list))
	}
	all, _ := store.List(ctx, "")
	if len(all) != 2 || all[0].Key > all[1].Key {
		t.Fatalf("expected two sorted entries, got %+v", all)
	}
	if ok, err := store.Delete(ctx, "raw/i1/r1/run.did"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if store.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver")
	}
}
