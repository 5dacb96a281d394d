package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"isocore/internal/command"
	"isocore/pkg/domain"
)

func useTempStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ISOCORE_STORAGE_DRIVER", "sqlite")
	t.Setenv("ISOCORE_SQLITE_PATH", filepath.Join(dir, "isocore.db"))
	t.Setenv("ISOCORE_BLOB_DRIVER", "fs")
	t.Setenv("ISOCORE_BLOB_FS_ROOT", filepath.Join(dir, "raw"))
	t.Setenv("ISOCORE_LOG_LEVEL", "error")
	if _, stderr, code := invoke(t, "instruments", "list"); code != 0 {
		t.Skipf("sqlite unavailable: %s", stderr)
	}
	return dir
}

func invoke(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func mustInvoke(t *testing.T, out any, args ...string) {
	t.Helper()
	stdout, stderr, code := invoke(t, args...)
	if code != 0 {
		t.Fatalf("isocore %v exited %d: %s", args, code, stderr)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(stdout), out); err != nil {
			t.Fatalf("decode output of %v: %v\n%s", args, err, stdout)
		}
	}
}

type execOutput[T any] struct {
	Status  domain.Status `json:"status"`
	Payload T             `json:"payload"`
}

func TestIntervalWorkflow(t *testing.T) {
	useTempStore(t)
	var created command.InstrumentCreated
	mustInvoke(t, &created, "instruments", "create", "MAT 253")
	inst := created.Instrument.ID

	var split domain.CorrInterval
	mustInvoke(t, &split, "intervals", "split", inst, "100", "--description", "after source cleaning")
	if split.ValidFrom != 100 || split.Description != "after source cleaning" {
		t.Fatalf("unexpected split interval %+v", split)
	}

	var events []domain.Event
	mustInvoke(t, &events, "intervals", "move", split.ID, "50")
	if len(events) == 0 || events[0].Kind != domain.EventRecalculateByTimeRange {
		t.Fatalf("expected a range recalculation first, got %+v", events)
	}
	if r := events[0].Range; r.From != 50 || r.Until != 100 {
		t.Fatalf("expected [50,100), got %+v", r)
	}

	var intervals []domain.CorrInterval
	mustInvoke(t, &intervals, "intervals", "list", inst)
	if len(intervals) != 2 || intervals[1].ValidFrom != 50 {
		t.Fatalf("unexpected intervals %+v", intervals)
	}
	if err := domain.CheckPartition(intervals); err != nil {
		t.Fatalf("partition broken: %v", err)
	}

	mustInvoke(t, nil, "intervals", "merge", split.ID)
	mustInvoke(t, &intervals, "intervals", "list", inst)
	if len(intervals) != 1 {
		t.Fatalf("expected merged partition, got %+v", intervals)
	}

	if _, stderr, code := invoke(t, "intervals", "split", inst, "soon"); code == 0 || !strings.Contains(stderr, "invalid timestamp") {
		t.Fatalf("expected timestamp parse failure, got %d %s", code, stderr)
	}
}

func TestImportAsksForConfirmationOnDuplicates(t *testing.T) {
	useTempStore(t)
	var created command.InstrumentCreated
	mustInvoke(t, &created, "instruments", "create", "Delta V")
	inst := created.Instrument.ID

	var rep domain.Replicate
	mustInvoke(t, &rep, "import", "replicate", inst, "--timestamp", "42", "--cycles", "d13C_cycles=1.0,1.2", "--measurement", "beam=3.5")
	if rep.Timestamp != 42 || len(rep.Cycles["d13C_cycles"]) != 2 || rep.Measurements["beam"] != 3.5 {
		t.Fatalf("unexpected replicate %+v", rep)
	}

	_, stderr, code := invoke(t, "import", "replicate", inst, "--timestamp", "42", "--cycles", "d13C_cycles=1.1")
	if code == 0 || !strings.Contains(stderr, "--confirm") {
		t.Fatalf("expected resend prompt, got %d %s", code, stderr)
	}
	mustInvoke(t, nil, "import", "replicate", inst, "--timestamp", "42", "--cycles", "d13C_cycles=1.1", "--confirm")

	if _, stderr, code := invoke(t, "import", "replicate", inst, "--timestamp", "1", "--cycles", "broken"); code == 0 || !strings.Contains(stderr, "name=value") {
		t.Fatalf("expected assignment error, got %d %s", code, stderr)
	}
}

func TestImportRawFileAndCalculate(t *testing.T) {
	dir := useTempStore(t)
	var created command.InstrumentCreated
	mustInvoke(t, &created, "instruments", "create", "MAT 253")
	inst := created.Instrument.ID

	var std execOutput[domain.Standard]
	mustInvoke(t, &std, "exec", "create_standard", `{"name":"NBS-19","reference_values":{"d13C":2}}`)
	var analysis execOutput[domain.Analysis]
	mustInvoke(t, &analysis, "exec", "create_analysis", `{"name":"carbon","kind":"replicate","steps":[
		{"id":"mean","position":0,"type":"mean","inputs":{"samples":"d13C_cycles"},"outputs":{"mean":"d13C"}},
		{"id":"drift","position":1,"type":"bracket_drift","inputs":{"value":"d13C","expected":"ref_d13C"},"outputs":{"corrected":"d13C_corr"}}]}`)
	mustInvoke(t, nil, "import", "replicate", inst, "--timestamp", "100", "--standard", std.Payload.ID, "--cycles", "d13C_cycles=2.5")
	mustInvoke(t, nil, "import", "replicate", inst, "--timestamp", "200", "--standard", std.Payload.ID, "--cycles", "d13C_cycles=3.0")

	path := filepath.Join(dir, "run-150.did")
	if err := os.WriteFile(path, []byte("raw bytes"), 0o600); err != nil {
		t.Fatalf("write raw file: %v", err)
	}
	var imported command.RawFileImported
	mustInvoke(t, &imported, "import", "rawfile", inst, path, "--timestamp", "150", "--cycles", "d13C_cycles=10")
	if imported.RawFile.Name != "run-150.did" || len(imported.Replicates) != 1 {
		t.Fatalf("unexpected import %+v", imported)
	}

	var out replicateOutput
	mustInvoke(t, &out, "calc", "replicate", imported.Replicates[0].ID, analysis.Payload.ID)
	if len(out.Errors) != 0 || out.Interval != created.Interval.ID {
		t.Fatalf("unexpected calculation %+v", out)
	}
	corr, ok := out.Columns.Columns["d13C_corr"].Float()
	if !ok || corr != 10-0.75 {
		t.Fatalf("unexpected corrected value %v", out.Columns.Columns["d13C_corr"])
	}

	var batches []batchOutput
	mustInvoke(t, &batches, "recalc", "--instrument", inst, "--from", "0", "--until", "1000")
	if len(batches) != 1 || batches[0].Pads != 2 || batches[0].Analysis != analysis.Payload.ID {
		t.Fatalf("unexpected recalculation %+v", batches)
	}
}

func TestCommandsAndExecErrors(t *testing.T) {
	useTempStore(t)
	stdout, _, code := invoke(t, "commands")
	if code != 0 || !strings.Contains(stdout, "create_replicate\n") || !strings.Contains(stdout, "update_corr_interval\n") {
		t.Fatalf("unexpected command list %q", stdout)
	}
	if _, stderr, code := invoke(t, "exec", "launch_rockets", "{}"); code == 0 || stderr == "" {
		t.Fatalf("expected unknown command failure")
	}
	if _, stderr, code := invoke(t, "exec", "delete_replicate", `{"id":"missing"}`); code == 0 || !strings.Contains(stderr, string(domain.StatusDBError)) {
		t.Fatalf("expected db error, got %d %s", code, stderr)
	}
}

func TestConfigFileIsValidated(t *testing.T) {
	useTempStore(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: bolt\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ISOCORE_STORAGE_DRIVER", "")
	if _, stderr, code := invoke(t, "--config", path, "instruments", "list"); code == 0 || !strings.Contains(stderr, "unknown storage driver") {
		t.Fatalf("expected config validation failure, got %d %s", code, stderr)
	}
}
