package command

import (
	"context"
	"errors"
	"testing"

	"isocore/internal/blob"
	"isocore/internal/core"
	"isocore/internal/event"
	"isocore/internal/infra/persistence/memory"
	"isocore/internal/step"
	"isocore/pkg/domain"
)

type countingCounter struct {
	calls map[string]int
}

func (c *countingCounter) Command(name, status string) {
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[name+"/"+status]++
}

func newProcessor(t *testing.T, opts ...Option) (*Processor, *memory.Store, blob.Store) {
	t.Helper()
	store := memory.NewStore(nil)
	blobs := blob.NewMemory()
	base := []Option{WithBlobStore(blobs), WithRegistry(step.DefaultRegistry())}
	return NewProcessor(store, append(base, opts...)...), store, blobs
}

func mustExecute(t *testing.T, p *Processor, cmd Command) Response {
	t.Helper()
	resp := p.Execute(context.Background(), Admin("tester"), cmd)
	if !resp.OK() {
		t.Fatalf("%s: status %s: %v", cmd.CommandName(), resp.Status, resp.Err)
	}
	return resp
}

func createInstrument(t *testing.T, p *Processor, name string) InstrumentCreated {
	t.Helper()
	return mustExecute(t, p, CreateInstrument{Name: name}).Payload.(InstrumentCreated)
}

func TestExecuteDeniesMissingCapability(t *testing.T) {
	audit := core.NewMemoryAuditLog(nil)
	counter := &countingCounter{}
	p, store, _ := newProcessor(t, WithAuditRecorder(audit), WithCommandCounter(counter))

	resp := p.Execute(context.Background(), Principal{ID: "viewer", Capabilities: []Capability{CapManageSamples}}, CreateInstrument{Name: "MAT 253"})
	if resp.Status != domain.StatusExecutionError {
		t.Fatalf("expected EXECUTION_ERROR, got %s", resp.Status)
	}
	if !errors.Is(resp.Err, domain.ErrAuthorizationDenied) {
		t.Fatalf("expected authorization denied, got %v", resp.Err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if n := len(v.ListInstruments()); n != 0 {
			t.Fatalf("denied command wrote %d instruments", n)
		}
		return nil
	})
	entries := audit.Entries()
	if len(entries) != 1 || entries[0].Status != core.AuditStatusError || entries[0].Principal != "viewer" {
		t.Fatalf("unexpected audit entries %+v", entries)
	}
	if counter.calls["create_instrument/EXECUTION_ERROR"] != 1 {
		t.Fatalf("unexpected counter calls %v", counter.calls)
	}
}

func TestExecutePublishesEventsInCommitOrder(t *testing.T) {
	bus := event.NewBus(16)
	defer bus.Close()
	sub := bus.Subscribe()
	metrics := core.NewExpvarMetricsRecorder("")
	p, _, _ := newProcessor(t, WithBus(bus), WithMetricsRecorder(metrics))

	first := mustExecute(t, p, CreateInstrument{Name: "MAT 253"})
	second := mustExecute(t, p, CreateSample{Name: "NBS-19 aliquot"})
	if len(first.Events) != 2 || len(second.Events) != 1 {
		t.Fatalf("unexpected events %+v / %+v", first.Events, second.Events)
	}
	if p.Sequence() != 3 {
		t.Fatalf("expected sequence 3, got %d", p.Sequence())
	}
	for want := uint64(1); want <= 3; want++ {
		ev := <-sub.Events()
		if ev.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, ev.Sequence)
		}
	}
	if first.CorrelationID == "" || first.CorrelationID == second.CorrelationID {
		t.Fatalf("expected distinct correlation ids")
	}
	snap := metrics.Snapshot()
	if snap.Results["command.create_instrument"]["success"] != 1 {
		t.Fatalf("unexpected metrics %+v", snap.Results)
	}
}

type failingCommand struct {
	aborted *bool
}

func (failingCommand) CommandName() string        { return "failing" }
func (failingCommand) Authenticate(Principal) bool { return true }
func (c failingCommand) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	if _, err := tx.CreateInstrument(domain.Instrument{Name: "ghost"}); err != nil {
		return nil, err
	}
	fx.Emit(domain.RecalculateAll())
	fx.OnAbort(func(context.Context) { *c.aborted = true })
	fx.AfterCommit(func(context.Context) error {
		return errors.New("after commit must not run")
	})
	return nil, domain.Executionf("boom")
}

func TestExecuteRollsBackAndCompensates(t *testing.T) {
	bus := event.NewBus(4)
	defer bus.Close()
	sub := bus.Subscribe()
	p, store, _ := newProcessor(t, WithBus(bus))

	var aborted bool
	resp := p.Execute(context.Background(), Admin("tester"), failingCommand{aborted: &aborted})
	if resp.Status != domain.StatusExecutionError || resp.Message != "boom" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !aborted {
		t.Fatalf("expected abort hook to run")
	}
	if len(resp.Events) != 0 || p.Sequence() != 0 {
		t.Fatalf("failed command must not publish events")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListInstruments()) != 0 {
			t.Fatalf("expected rollback")
		}
		return nil
	})
}

func TestExecuteReportsRuleViolations(t *testing.T) {
	p, _, _ := newProcessor(t)
	created := createInstrument(t, p, "MAT 253")

	// Shrinking the only interval leaves a gap the partition rule blocks.
	resp := p.Execute(context.Background(), Admin("tester"), shrinkInterval{id: created.Interval.ID})
	if resp.Status != domain.StatusExecutionError {
		t.Fatalf("expected EXECUTION_ERROR, got %s (%v)", resp.Status, resp.Err)
	}
	if !resp.Result.HasBlocking() {
		t.Fatalf("expected blocking violations in result")
	}
}

type shrinkInterval struct{ id string }

func (shrinkInterval) CommandName() string        { return "shrink_interval" }
func (shrinkInterval) Authenticate(Principal) bool { return true }
func (c shrinkInterval) Execute(_ context.Context, tx domain.Transaction, _ *Effects) (any, error) {
	return tx.UpdateCorrInterval(c.id, func(ci *domain.CorrInterval) error {
		ci.ValidUntil = 0
		return nil
	})
}

func TestExecuteNilCommand(t *testing.T) {
	p, _, _ := newProcessor(t)
	if resp := p.Execute(context.Background(), Admin("tester"), nil); resp.Status != domain.StatusExecutionError {
		t.Fatalf("expected EXECUTION_ERROR, got %s", resp.Status)
	}
}

func TestPrincipalCapabilities(t *testing.T) {
	if !Admin("root").Has(CapManageIntervals) {
		t.Fatalf("admin must hold every capability")
	}
	p := Principal{ID: "tech", Capabilities: []Capability{CapManageReplicates}}
	if !p.Has(CapManageReplicates) || p.Has(CapManageIntervals) {
		t.Fatalf("unexpected capability check for %+v", p)
	}
	if (ImportRawFile{}).Authenticate(p) {
		t.Fatalf("raw file import needs raw file capability as well")
	}
}

func TestDecode(t *testing.T) {
	cmd, err := Decode("create_corr_interval", []byte(`{"instrument_id":"i1","valid_from":100}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	split, ok := cmd.(*CreateCorrInterval)
	if !ok || split.InstrumentID != "i1" || split.ValidFrom != 100 {
		t.Fatalf("unexpected command %#v", cmd)
	}
	if _, err := Decode("drop_everything", nil); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if _, err := Decode("create_sample", []byte(`{"name":`)); err == nil {
		t.Fatalf("expected decode error")
	}
	for _, name := range Names() {
		cmd, err := Decode(name, nil)
		if err != nil || cmd.CommandName() != name {
			t.Fatalf("constructor for %s builds %v (%v)", name, cmd, err)
		}
	}
}

func TestNamedCommandsKeepTheirNameField(t *testing.T) {
	cmd, err := Decode("create_standard", []byte(`{"name":"NBS-19","reference_values":{"d13C":1.95}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	std, ok := cmd.(*CreateStandard)
	if !ok || std.Name != "NBS-19" || std.CommandName() != "create_standard" {
		t.Fatalf("unexpected command %#v", cmd)
	}
	p, _, _ := newProcessor(t)
	resp := mustExecute(t, p, CreateInstrument{Name: "MAT 253"})
	if resp.Command != "create_instrument" || resp.Payload.(InstrumentCreated).Instrument.Name != "MAT 253" {
		t.Fatalf("unexpected response %+v", resp)
	}
}
