package command

import (
	"context"
	"fmt"

	"isocore/pkg/domain"
)

// CreateReplicate records one measurement. A second replicate on the same
// instrument and timestamp is treated as a likely duplicate submission and
// answered with VERIFY_AND_RESEND unless Confirmed is set.
type CreateReplicate struct {
	Replicate domain.Replicate `json:"replicate"`
	Confirmed bool             `json:"confirmed,omitempty"`
}

func (CreateReplicate) CommandName() string { return "create_replicate" }

func (CreateReplicate) Authenticate(p Principal) bool { return p.Has(CapManageReplicates) }

func (c CreateReplicate) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	return createReplicate(tx, fx, c.Replicate, c.Confirmed)
}

func createReplicate(tx domain.Transaction, fx *Effects, rep domain.Replicate, confirmed bool) (domain.Replicate, error) {
	if !confirmed {
		window := pointRange(rep.Timestamp)
		dupes := tx.Snapshot().ListReplicates(domain.ReplicateFilter{
			InstrumentID:    rep.InstrumentID,
			Range:           &window,
			IncludeDisabled: true,
		})
		for _, d := range dupes {
			if d.Timestamp == rep.Timestamp {
				return domain.Replicate{}, domain.VerifyAndResendError{
					Reason: fmt.Sprintf("instrument %s already has replicate %s at %d; resend confirmed to keep both", rep.InstrumentID, d.ID, rep.Timestamp),
				}
			}
		}
	}
	created, err := tx.CreateReplicate(rep)
	if err != nil {
		return domain.Replicate{}, err
	}
	fx.Emit(domain.EntityChanged(domain.EntityReplicate, created.ID, domain.ActionCreate).WithInstrument(created.InstrumentID))
	fx.Emit(measurementEvents(created)...)
	return created, nil
}

// measurementEvents describes what depends on a replicate's measurement:
// standards feed every batch window containing them, sample replicates feed
// their sample's result.
func measurementEvents(r domain.Replicate) []domain.Event {
	var events []domain.Event
	if r.IsStandard() {
		events = append(events, domain.RecalculateByTimeRange(r.InstrumentID, pointRange(r.Timestamp)))
	}
	if r.SampleID != "" {
		events = append(events, domain.EntityChanged(domain.EntitySample, r.SampleID, domain.ActionUpdate))
	}
	return events
}

// ReplicatePatch lists optional replicate field changes.
type ReplicatePatch struct {
	Timestamp    *domain.Timestamp    `json:"timestamp,omitempty"`
	StandardID   *string              `json:"standard_id,omitempty"`
	SampleID     *string              `json:"sample_id,omitempty"`
	Measurements map[string]float64   `json:"measurements,omitempty"`
	Cycles       map[string][]float64 `json:"cycles,omitempty"`
}

func (p ReplicatePatch) apply(r *domain.Replicate) {
	if p.Timestamp != nil {
		r.Timestamp = *p.Timestamp
	}
	if p.StandardID != nil {
		r.StandardID = *p.StandardID
	}
	if p.SampleID != nil {
		r.SampleID = *p.SampleID
	}
	if p.Measurements != nil {
		r.Measurements = p.Measurements
	}
	if p.Cycles != nil {
		r.Cycles = p.Cycles
	}
}

// UpdateReplicate edits a replicate. Events cover both the old and the new
// measurement context.
type UpdateReplicate struct {
	ID    string         `json:"id"`
	Patch ReplicatePatch `json:"patch"`
}

func (UpdateReplicate) CommandName() string { return "update_replicate" }

func (UpdateReplicate) Authenticate(p Principal) bool { return p.Has(CapManageReplicates) }

func (c UpdateReplicate) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	return updateReplicate(tx, fx, c.ID, func(r *domain.Replicate) { c.Patch.apply(r) })
}

// SetReplicateDisabled excludes a replicate from batch windows and sample
// results, or includes it again.
type SetReplicateDisabled struct {
	ID       string `json:"id"`
	Disabled bool   `json:"disabled"`
}

func (SetReplicateDisabled) CommandName() string { return "set_replicate_disabled" }

func (SetReplicateDisabled) Authenticate(p Principal) bool { return p.Has(CapManageReplicates) }

func (c SetReplicateDisabled) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	return updateReplicate(tx, fx, c.ID, func(r *domain.Replicate) { r.Disabled = c.Disabled })
}

func updateReplicate(tx domain.Transaction, fx *Effects, id string, mutate func(*domain.Replicate)) (domain.Replicate, error) {
	before, ok := tx.Snapshot().FindReplicate(id)
	if !ok {
		return domain.Replicate{}, domain.ErrNotFound{Entity: domain.EntityReplicate, ID: id}
	}
	after, err := tx.UpdateReplicate(id, func(r *domain.Replicate) error {
		mutate(r)
		return nil
	})
	if err != nil {
		return domain.Replicate{}, err
	}
	fx.Emit(domain.EntityChanged(domain.EntityReplicate, id, domain.ActionUpdate).WithInstrument(after.InstrumentID))
	fx.Emit(dedupe(append(measurementEvents(before), measurementEvents(after)...))...)
	return after, nil
}

// DeleteReplicate removes a replicate.
type DeleteReplicate struct {
	ID string `json:"id"`
}

func (DeleteReplicate) CommandName() string { return "delete_replicate" }

func (DeleteReplicate) Authenticate(p Principal) bool { return p.Has(CapManageReplicates) }

func (c DeleteReplicate) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	return nil, deleteReplicate(tx, fx, c.ID)
}

func deleteReplicate(tx domain.Transaction, fx *Effects, id string) error {
	rep, ok := tx.Snapshot().FindReplicate(id)
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityReplicate, ID: id}
	}
	if err := tx.DeleteReplicate(id); err != nil {
		return err
	}
	fx.Emit(domain.EntityChanged(domain.EntityReplicate, id, domain.ActionDelete).WithInstrument(rep.InstrumentID))
	fx.Emit(measurementEvents(rep)...)
	return nil
}

// dedupe drops repeated range and entity events. Interval id lists never
// repeat within one command so they are not compared.
func dedupe(events []domain.Event) []domain.Event {
	type key struct {
		kind   domain.EventKind
		inst   string
		rng    domain.TimeRange
		entity domain.EntityType
		id     string
		action domain.Action
	}
	seen := make(map[key]bool, len(events))
	out := events[:0:0]
	for _, ev := range events {
		k := key{ev.Kind, ev.InstrumentID, ev.Range, ev.Entity, ev.EntityID, ev.Action}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ev)
	}
	return out
}
