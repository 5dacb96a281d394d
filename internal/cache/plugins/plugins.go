// Package plugins holds the cache plugins for every entity kind the
// calculator client reads: replicates, an instrument's calibration
// intervals, batch calculations, computed samples and raw files.
package plugins

import (
	"context"
	"fmt"

	"isocore/internal/cache"
	"isocore/internal/calc"
	"isocore/internal/command"
	"isocore/pkg/domain"
)

// Cache kinds.
const (
	KindReplicate      = "replicate"
	KindCorrIntervals  = "corr_intervals"
	KindBatch          = "batch"
	KindComputedSample = "computed_sample"
	KindRawFile        = "raw_file"
)

// Backend is what the plugins fetch from and write through. server.Server
// implements it.
type Backend interface {
	Replicate(ctx context.Context, id string) (domain.Replicate, error)
	CorrIntervals(ctx context.Context, instrumentID string) ([]domain.CorrInterval, error)
	CalculateBatch(ctx context.Context, key calc.BatchKey) (*calc.BatchResult, error)
	ComputeSample(ctx context.Context, sampleID, analysisID string) (*calc.SampleResult, error)
	LoadRawFile(ctx context.Context, id string) (domain.RawFile, []byte, error)
	Execute(ctx context.Context, principal command.Principal, cmd command.Command) command.Response
}

func execute(ctx context.Context, b Backend, p command.Principal, cmd command.Command) (any, error) {
	resp := b.Execute(ctx, p, cmd)
	if !resp.OK() {
		if resp.Err != nil {
			return nil, resp.Err
		}
		return nil, fmt.Errorf("%s: %s", cmd.CommandName(), resp.Status)
	}
	return resp.Payload, nil
}

func expect[T any](kind string, raw any) (T, error) {
	v, ok := raw.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected fetch result %T", kind, raw)
	}
	return v, nil
}

// rowEffect reloads an entry whose row changed and drops it once the row
// is deleted.
func rowEffect(ev domain.Event, entity domain.EntityType, id string) cache.Effect {
	switch {
	case !ev.Touches(entity, id):
		return cache.EffectNone
	case ev.Action == domain.ActionDelete:
		return cache.EffectInvalidate
	}
	return cache.EffectReload
}
