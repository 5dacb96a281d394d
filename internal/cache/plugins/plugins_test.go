package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"isocore/internal/blob"
	"isocore/internal/cache"
	"isocore/internal/calc"
	"isocore/internal/command"
	"isocore/internal/infra/persistence/memory"
	"isocore/internal/server"
	"isocore/internal/step"
	"isocore/pkg/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var admin = command.Admin("tester")

type fixture struct {
	srv      *server.Server
	inst     string
	interval domain.CorrInterval
	std      string
	analysis domain.Analysis
}

func run(t *testing.T, srv *server.Server, cmd command.Command) command.Response {
	t.Helper()
	resp := srv.Execute(context.Background(), admin, cmd)
	require.True(t, resp.OK(), "%s: %s: %v", cmd.CommandName(), resp.Status, resp.Err)
	return resp
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := server.New(memory.NewStore(nil), server.WithBlobStore(blob.NewMemory()))
	created := run(t, srv, command.CreateInstrument{Name: "MAT 253"}).Payload.(command.InstrumentCreated)
	std := run(t, srv, command.CreateStandard{Name: "NBS-19", ReferenceValues: map[string]float64{"d13C": 2}}).Payload.(domain.Standard)
	analysis := run(t, srv, command.CreateAnalysis{
		Name: "carbon",
		Kind: domain.AnalysisReplicate,
		Steps: []domain.StepDescriptor{
			{ID: "mean", Position: 0, Type: step.TypeMean, Inputs: map[string]string{"samples": "d13C_cycles"}, Outputs: map[string]string{"mean": "d13C"}},
		},
	}).Payload.(domain.Analysis)
	return &fixture{srv: srv, inst: created.Instrument.ID, interval: created.Interval, std: std.ID, analysis: analysis}
}

func listen[V any](t *testing.T) (cache.Listener[V], func() cache.Update[V]) {
	ch := make(chan cache.Update[V], 16)
	next := func() cache.Update[V] {
		t.Helper()
		select {
		case u := <-ch:
			return u
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for cache update")
		}
		return cache.Update[V]{}
	}
	return cache.Func(func(u cache.Update[V]) { ch <- u }), next
}

func apply[P, V any](c *cache.Cache[P, V], resp command.Response) {
	for _, ev := range resp.Events {
		c.ApplyEvent(ev)
	}
}

func TestReplicatePluginRoundTrip(t *testing.T) {
	f := newFixture(t)
	rep := run(t, f.srv, command.CreateReplicate{Replicate: domain.Replicate{InstrumentID: f.inst, Timestamp: 10, StandardID: f.std}}).Payload.(domain.Replicate)

	c := cache.New[string, domain.Replicate](Replicate{Backend: f.srv, Principal: admin})
	defer c.Close()
	l, next := listen[domain.Replicate](t)

	ticket := c.Get(rep.ID, l)
	require.False(t, ticket.Cached)
	u := next()
	require.Equal(t, cache.Loaded, u.Kind)
	require.Equal(t, domain.Timestamp(10), u.Value.Timestamp)

	edited := u.Value
	edited.Timestamp = 20
	require.NoError(t, c.Save(rep.ID, edited, nil))
	u = next()
	require.Equal(t, cache.Saved, u.Kind)
	require.Equal(t, domain.Timestamp(20), u.Value.Timestamp)

	resp := run(t, f.srv, command.SetReplicateDisabled{ID: rep.ID, Disabled: true})
	apply(c, resp)
	u = next()
	require.Equal(t, cache.Loaded, u.Kind)
	require.True(t, u.Value.Disabled)

	require.NoError(t, c.Delete(rep.ID, nil))
	require.Equal(t, cache.Deleted, next().Kind)
	_, err := f.srv.Replicate(context.Background(), rep.ID)
	require.Error(t, err)
}

func TestReplicatePluginReportsCommandFailures(t *testing.T) {
	f := newFixture(t)
	c := cache.New[string, domain.Replicate](Replicate{Backend: f.srv, Principal: command.Principal{ID: "viewer"}})
	defer c.Close()
	l, next := listen[domain.Replicate](t)
	require.NoError(t, c.Delete("missing", l))
	u := next()
	require.Equal(t, cache.Failed, u.Kind)
	require.ErrorIs(t, u.Err, domain.ErrAuthorizationDenied)
}

func TestCorrIntervalsPluginReloadsOnSplit(t *testing.T) {
	f := newFixture(t)
	c := cache.New[string, []domain.CorrInterval](CorrIntervals{Backend: f.srv})
	defer c.Close()
	l, next := listen[[]domain.CorrInterval](t)

	c.Get(f.inst, l)
	require.Len(t, next().Value, 1)

	apply(c, run(t, f.srv, command.CreateCorrInterval{InstrumentID: f.inst, ValidFrom: 100}))
	u := next()
	require.Equal(t, cache.Loaded, u.Kind)
	require.Len(t, u.Value, 2)
	ci, ok := IntervalFor(u.Value, 150)
	require.True(t, ok)
	require.Equal(t, domain.Timestamp(100), ci.ValidFrom)
}

func TestBatchPluginReloadsOnStandardChange(t *testing.T) {
	f := newFixture(t)
	c := cache.New[calc.BatchKey, *calc.BatchResult](Batch{Backend: f.srv})
	defer c.Close()
	l, next := listen[*calc.BatchResult](t)
	key := calc.BatchKey{IntervalID: f.interval.ID, AnalysisID: f.analysis.ID}

	c.Get(key, l)
	first := next()
	require.Equal(t, cache.Loaded, first.Kind)
	require.Empty(t, first.Value.ScratchPad.Children())

	apply(c, run(t, f.srv, command.CreateReplicate{Replicate: domain.Replicate{
		InstrumentID: f.inst, Timestamp: 10, StandardID: f.std,
		Cycles: map[string][]float64{"d13C_cycles": {2.1, 2.3}},
	}}))
	second := next()
	require.Equal(t, cache.Loaded, second.Kind)
	require.Greater(t, second.Value.Version, first.Value.Version)
	require.Len(t, second.Value.ScratchPad.Children(), 1)

	ticket := c.Get(key, nil)
	require.True(t, ticket.Cached)
	require.Same(t, second.Value, ticket.Value)
}

func TestBatchAffected(t *testing.T) {
	key := calc.BatchKey{IntervalID: "ci-1", AnalysisID: "an-1"}
	cached := &calc.BatchResult{Key: key, Interval: domain.CorrInterval{Base: domain.Base{ID: "ci-1"}, InstrumentID: "m1", ValidFrom: 0, ValidUntil: 100}}
	cases := []struct {
		name   string
		ev     domain.Event
		has    bool
		effect cache.Effect
	}{
		{"all", domain.RecalculateAll(), true, cache.EffectReload},
		{"by id hit", domain.RecalculateByID("ci-1"), true, cache.EffectReload},
		{"by id miss", domain.RecalculateByID("ci-2"), true, cache.EffectNone},
		{"range overlap", domain.RecalculateByTimeRange("m1", domain.TimeRange{From: 50, Until: 150}), true, cache.EffectReload},
		{"range outside", domain.RecalculateByTimeRange("m1", domain.TimeRange{From: 100, Until: 150}), true, cache.EffectNone},
		{"other instrument", domain.RecalculateByTimeRange("m2", domain.TimeRange{From: 0, Until: 10}), true, cache.EffectNone},
		{"range while pending", domain.RecalculateByTimeRange("m2", domain.TimeRange{From: 0, Until: 10}), false, cache.EffectReload},
		{"interval deleted", domain.EntityChanged(domain.EntityCorrInterval, "ci-1", domain.ActionDelete), true, cache.EffectInvalidate},
		{"interval updated", domain.EntityChanged(domain.EntityCorrInterval, "ci-1", domain.ActionUpdate), true, cache.EffectNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var value *calc.BatchResult
			if tc.has {
				value = cached
			}
			require.Equal(t, tc.effect, Batch{}.Affected(tc.ev, key, value, tc.has))
		})
	}
}

func TestComputedSampleAffected(t *testing.T) {
	key := SampleKey{SampleID: "s1", AnalysisID: "sam"}
	cached := &calc.SampleResult{Intervals: []domain.CorrInterval{{Base: domain.Base{ID: "ci-1"}, InstrumentID: "m1", ValidFrom: 0, ValidUntil: 100}}}
	p := ComputedSample{}
	require.Equal(t, cache.EffectReload, p.Affected(domain.EntityChanged(domain.EntitySample, "s1", domain.ActionUpdate), key, cached, true))
	require.Equal(t, cache.EffectInvalidate, p.Affected(domain.EntityChanged(domain.EntitySample, "s1", domain.ActionDelete), key, cached, true))
	require.Equal(t, cache.EffectReload, p.Affected(domain.EntityChanged(domain.EntityAnalysis, "sam", domain.ActionUpdate), key, cached, true))
	require.Equal(t, cache.EffectNone, p.Affected(domain.EntityChanged(domain.EntitySample, "s2", domain.ActionUpdate), key, cached, true))
	require.Equal(t, cache.EffectReload, p.Affected(domain.RecalculateByTimeRange("m1", domain.TimeRange{From: 99, Until: 100}), key, cached, true))
	require.Equal(t, cache.EffectNone, p.Affected(domain.RecalculateByTimeRange("m1", domain.TimeRange{From: 100, Until: 200}), key, cached, true))
	require.Equal(t, cache.EffectNone, p.Affected(domain.RecalculateByID("ci-9"), key, cached, true))
	require.Equal(t, cache.EffectReload, p.Affected(domain.RecalculateByID("ci-9"), key, nil, false))
}

func TestComputedSamplePluginFetches(t *testing.T) {
	f := newFixture(t)
	sam := run(t, f.srv, command.CreateAnalysis{
		Name: "carbon sample", Kind: domain.AnalysisSample, RepAnalysisID: f.analysis.ID,
		Steps: []domain.StepDescriptor{{ID: "avg", Type: step.TypeSampleMean, Inputs: map[string]string{"value": "d13C"}}},
	}).Payload.(domain.Analysis)
	sample := run(t, f.srv, command.CreateSample{Name: "S-1"}).Payload.(domain.Sample)
	run(t, f.srv, command.CreateReplicate{Replicate: domain.Replicate{InstrumentID: f.inst, Timestamp: 50, SampleID: sample.ID, Cycles: map[string][]float64{"d13C_cycles": {4, 6}}}})

	c := cache.New[SampleKey, *calc.SampleResult](ComputedSample{Backend: f.srv})
	defer c.Close()
	l, next := listen[*calc.SampleResult](t)
	c.Get(SampleKey{SampleID: sample.ID, AnalysisID: sam.ID}, l)
	u := next()
	require.Equal(t, cache.Loaded, u.Kind, "%v", u.Err)
	mean, ok := u.Value.Pad.Number("mean")
	require.True(t, ok)
	require.InDelta(t, 5.0, mean, 1e-9)
	require.Len(t, u.Value.Intervals, 1)
}

func TestRawFilePlugin(t *testing.T) {
	f := newFixture(t)
	imported := run(t, f.srv, command.ImportRawFile{InstrumentID: f.inst, Name: "run.did", Timestamp: 5, Data: []byte("abc")}).Payload.(command.RawFileImported)

	c := cache.New[string, RawFileContent](RawFile{Backend: f.srv, Principal: admin})
	defer c.Close()
	l, next := listen[RawFileContent](t)
	c.Get(imported.RawFile.ID, l)
	u := next()
	require.Equal(t, cache.Loaded, u.Kind)
	require.Equal(t, "abc", string(u.Value.Data))

	require.NoError(t, c.Delete(imported.RawFile.ID, nil))
	require.Equal(t, cache.Deleted, next().Kind)
	_, _, err := f.srv.LoadRawFile(context.Background(), imported.RawFile.ID)
	require.Error(t, err)
}
