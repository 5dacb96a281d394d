package plugins

import (
	"context"

	"isocore/internal/cache"
	"isocore/internal/calc"
	"isocore/pkg/domain"
)

// SampleKey identifies a computed sample.
type SampleKey struct {
	SampleID   string `json:"sample_id"`
	AnalysisID string `json:"analysis_id"`
}

func (k SampleKey) String() string { return k.SampleID + "|" + k.AnalysisID }

// ComputedSample caches sample analysis results.
type ComputedSample struct {
	Backend Backend
}

var _ cache.Plugin[SampleKey, *calc.SampleResult] = ComputedSample{}

func (ComputedSample) Kind() string           { return KindComputedSample }
func (ComputedSample) Key(k SampleKey) string { return k.String() }

func (p ComputedSample) Fetch(ctx context.Context, k SampleKey) (any, error) {
	return p.Backend.ComputeSample(ctx, k.SampleID, k.AnalysisID)
}

func (ComputedSample) Apply(_ SampleKey, raw any) (*calc.SampleResult, error) {
	return expect[*calc.SampleResult](KindComputedSample, raw)
}

// Affected reloads a sample when the sample or its analysis changes, or when
// a recalculation covers any interval one of its replicates was calculated
// against. A sample whose result is still pending reloads on every
// recalculation.
func (ComputedSample) Affected(ev domain.Event, k SampleKey, cached *calc.SampleResult, has bool) cache.Effect {
	if ev.Kind == domain.EventEntityChanged {
		if eff := rowEffect(ev, domain.EntitySample, k.SampleID); eff != cache.EffectNone {
			return eff
		}
		if ev.Touches(domain.EntityAnalysis, k.AnalysisID) {
			return cache.EffectReload
		}
		return cache.EffectNone
	}
	if !ev.IsRecalculation() {
		return cache.EffectNone
	}
	if !has || cached == nil {
		return cache.EffectReload
	}
	for _, ci := range cached.Intervals {
		if ev.CoversInterval(ci) {
			return cache.EffectReload
		}
	}
	return cache.EffectNone
}
