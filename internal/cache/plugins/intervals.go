package plugins

import (
	"context"

	"isocore/internal/cache"
	"isocore/pkg/domain"
)

// CorrIntervals caches the ordered interval list of one instrument, keyed
// by instrument id.
type CorrIntervals struct {
	Backend Backend
}

var _ cache.Plugin[string, []domain.CorrInterval] = CorrIntervals{}

func (CorrIntervals) Kind() string                   { return KindCorrIntervals }
func (CorrIntervals) Key(instrumentID string) string { return instrumentID }

func (p CorrIntervals) Fetch(ctx context.Context, instrumentID string) (any, error) {
	return p.Backend.CorrIntervals(ctx, instrumentID)
}

func (CorrIntervals) Apply(_ string, raw any) ([]domain.CorrInterval, error) {
	return expect[[]domain.CorrInterval](KindCorrIntervals, raw)
}

// Affected reloads the list whenever any interval of the instrument changes
// and drops it when the instrument itself is deleted.
func (CorrIntervals) Affected(ev domain.Event, instrumentID string, _ []domain.CorrInterval, _ bool) cache.Effect {
	if ev.Kind != domain.EventEntityChanged {
		return cache.EffectNone
	}
	switch ev.Entity {
	case domain.EntityCorrInterval:
		if ev.InstrumentID == instrumentID {
			return cache.EffectReload
		}
	case domain.EntityInstrument:
		return rowEffect(ev, domain.EntityInstrument, instrumentID)
	}
	return cache.EffectNone
}

// IntervalFor finds the interval containing ts in a cached list.
func IntervalFor(intervals []domain.CorrInterval, ts domain.Timestamp) (domain.CorrInterval, bool) {
	return domain.FindContaining(intervals, ts)
}
