package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"isocore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStorePutGetHeadListDelete(t *testing.T) { //nolint:cyclop
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "raw/i1/r1/run.did", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "application/octet-stream", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "raw/i1/r1/run.did" || info.Size != 5 || info.Checksum == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "raw/i1/r1/run.did", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	h, err := store.Head(ctx, "raw/i1/r1/run.did")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	g, rc, err := store.Get(ctx, "raw/i1/r1/run.did")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "hello" || g.Checksum != h.Checksum || g.Metadata["k"] != "v" {
		t.Fatalf("unexpected get artifacts %+v", g)
	}
	list, err := store.List(ctx, "raw/i1/")
	if err != nil || len(list) != 1 || list[0].Key != "raw/i1/r1/run.did" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
	ok, err := store.Delete(ctx, "raw/i1/r1/run.did")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err = store.Delete(ctx, "raw/i1/r1/run.did"); err != nil || ok {
		t.Fatalf("second delete should be false")
	}
	if _, err := store.Head(ctx, "raw/i1/r1/run.did"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestSanitizeKeyErrors(t *testing.T) {
	for _, key := range []string{"", "../escape", "/abs", "a/../b", "x.meta"} {
		if _, err := sanitizeKey(key); !errors.Is(err, core.ErrInvalidKey) {
			t.Fatalf("expected invalid key for %q, got %v", key, err)
		}
	}
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestPutFailuresLeaveNothingBehind(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Put(context.Background(), "bad.bin", errorReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected copy error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "cancelled.bin", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	list, err := store.List(context.Background(), "")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty archive, got %v %v", list, err)
	}
	entries, _ := os.ReadDir(store.Root())
	if len(entries) != 0 {
		t.Fatalf("expected no temp files, got %d entries", len(entries))
	}
}

func TestListSortedAndMissingMeta(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for i := 2; i >= 0; i-- {
		k := "folder/f" + strconv.Itoa(i) + ".did"
		if _, err := store.Put(ctx, k, bytes.NewReader([]byte("data")), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := store.List(ctx, "folder/")
	if err != nil || len(list) != 3 || list[0].Key != "folder/f0.did" {
		t.Fatalf("list: %v %+v", err, list)
	}
	_, metaPath, _ := store.pathFor("folder/f0.did")
	if err := os.Remove(metaPath); err != nil {
		t.Fatalf("rm meta: %v", err)
	}
	if _, _, err := store.Get(ctx, "folder/f0.did"); err == nil {
		t.Fatalf("expected get meta error")
	}
	if _, err := store.Head(ctx, "folder/f0.did"); err == nil {
		t.Fatalf("expected head meta error")
	}
}

func TestListCorruptMeta(t *testing.T) {
	store := newTempStore(t)
	data := filepath.Join(store.Root(), "bad.did")
	if err := os.WriteFile(data, []byte("data"), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	if err := os.WriteFile(data+metaSuffix, []byte("{"), 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if _, err := store.List(context.Background(), ""); err == nil {
		t.Fatalf("expected list error on corrupt meta")
	}
}

func TestNewRejectsFileRoot(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "afile")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := New(filePath); err == nil {
		t.Fatalf("expected error when root is a file")
	}
}
