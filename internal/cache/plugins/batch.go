package plugins

import (
	"context"
	"slices"

	"isocore/internal/cache"
	"isocore/internal/calc"
	"isocore/pkg/domain"
)

// Batch caches batch calculations by (interval, analysis). The cached result
// is shared by every single-entity calculation and is never mutated; a
// reload replaces it with a newer version.
type Batch struct {
	Backend Backend
}

var _ cache.Plugin[calc.BatchKey, *calc.BatchResult] = Batch{}

func (Batch) Kind() string                 { return KindBatch }
func (Batch) Key(key calc.BatchKey) string { return key.String() }

func (p Batch) Fetch(ctx context.Context, key calc.BatchKey) (any, error) {
	return p.Backend.CalculateBatch(ctx, key)
}

func (Batch) Apply(_ calc.BatchKey, raw any) (*calc.BatchResult, error) {
	return expect[*calc.BatchResult](KindBatch, raw)
}

// Affected reloads a batch whose interval a recalculation event covers.
// While the first fetch is pending the interval bounds are unknown, so any
// range event on the batch's interval could apply and reloads it too.
func (Batch) Affected(ev domain.Event, key calc.BatchKey, cached *calc.BatchResult, has bool) cache.Effect {
	switch ev.Kind {
	case domain.EventEntityChanged:
		if ev.Touches(domain.EntityCorrInterval, key.IntervalID) && ev.Action == domain.ActionDelete {
			return cache.EffectInvalidate
		}
		return cache.EffectNone
	case domain.EventRecalculateAll:
		return cache.EffectReload
	case domain.EventRecalculateByID:
		if slices.Contains(ev.IntervalIDs, key.IntervalID) {
			return cache.EffectReload
		}
		return cache.EffectNone
	case domain.EventRecalculateByTimeRange:
		if !has || cached == nil || ev.CoversInterval(cached.Interval) {
			return cache.EffectReload
		}
	}
	return cache.EffectNone
}
