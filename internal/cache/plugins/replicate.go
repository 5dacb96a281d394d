package plugins

import (
	"context"

	"isocore/internal/cache"
	"isocore/internal/command"
	"isocore/pkg/domain"
)

// Replicate caches replicate rows by id. Saves go through UpdateReplicate
// and deletes through DeleteReplicate, both as Principal.
type Replicate struct {
	Backend   Backend
	Principal command.Principal
}

var (
	_ cache.Plugin[string, domain.Replicate] = Replicate{}
	_ cache.Saver[string, domain.Replicate]  = Replicate{}
	_ cache.Deleter[string]                  = Replicate{}
)

func (Replicate) Kind() string         { return KindReplicate }
func (Replicate) Key(id string) string { return id }

func (p Replicate) Fetch(ctx context.Context, id string) (any, error) {
	return p.Backend.Replicate(ctx, id)
}

func (Replicate) Apply(_ string, raw any) (domain.Replicate, error) {
	return expect[domain.Replicate](KindReplicate, raw)
}

func (Replicate) Affected(ev domain.Event, id string, _ domain.Replicate, _ bool) cache.Effect {
	return rowEffect(ev, domain.EntityReplicate, id)
}

// Save writes every editable field of value.
func (p Replicate) Save(ctx context.Context, id string, value domain.Replicate) (any, error) {
	return execute(ctx, p.Backend, p.Principal, command.UpdateReplicate{
		ID: id,
		Patch: command.ReplicatePatch{
			Timestamp:    &value.Timestamp,
			StandardID:   &value.StandardID,
			SampleID:     &value.SampleID,
			Measurements: value.Measurements,
			Cycles:       value.Cycles,
		},
	})
}

func (p Replicate) Delete(ctx context.Context, id string) error {
	_, err := execute(ctx, p.Backend, p.Principal, command.DeleteReplicate{ID: id})
	return err
}
