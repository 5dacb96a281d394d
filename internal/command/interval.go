package command

import (
	"context"
	"slices"

	"isocore/pkg/domain"
)

// CreateCorrInterval splits the interval containing ValidFrom in two. The new
// interval inherits the analyses and parameter rows of the one it was cut
// from, so its calibration context starts out identical.
type CreateCorrInterval struct {
	InstrumentID string           `json:"instrument_id"`
	ValidFrom    domain.Timestamp `json:"valid_from"`
	Description  string           `json:"description,omitempty"`
}

func (CreateCorrInterval) CommandName() string { return "create_corr_interval" }

func (CreateCorrInterval) Authenticate(p Principal) bool { return p.Has(CapManageIntervals) }

func (c CreateCorrInterval) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	view := tx.Snapshot()
	if _, ok := view.FindInstrument(c.InstrumentID); !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityInstrument, ID: c.InstrumentID}
	}
	containing, ok := domain.FindContaining(view.ListCorrIntervals(c.InstrumentID), c.ValidFrom)
	if !ok {
		return nil, domain.Executionf("instrument %s has no interval containing %d", c.InstrumentID, c.ValidFrom)
	}
	if containing.ValidFrom == c.ValidFrom {
		return nil, domain.Executionf("duplicate calibration boundary at %d", c.ValidFrom)
	}
	until := containing.ValidUntil

	if _, err := tx.UpdateCorrInterval(containing.ID, func(ci *domain.CorrInterval) error {
		ci.ValidUntil = c.ValidFrom
		return nil
	}); err != nil {
		return nil, err
	}
	created, err := tx.CreateCorrInterval(domain.CorrInterval{
		InstrumentID: c.InstrumentID,
		ValidFrom:    c.ValidFrom,
		ValidUntil:   until,
		Description:  c.Description,
		AnalysisIDs:  slices.Clone(containing.AnalysisIDs),
	})
	if err != nil {
		return nil, err
	}
	for _, params := range intervalParameters(view, containing.ID) {
		params.IntervalID = created.ID
		if _, err := tx.PutStepParameters(params); err != nil {
			return nil, err
		}
	}

	fx.Emit(
		domain.RecalculateByTimeRange(c.InstrumentID, created.Range()),
		domain.EntityChanged(domain.EntityCorrInterval, created.ID, domain.ActionCreate).WithInstrument(c.InstrumentID),
		domain.EntityChanged(domain.EntityCorrInterval, containing.ID, domain.ActionUpdate).WithInstrument(c.InstrumentID),
	)
	return created, nil
}

// UpdateCorrInterval edits an interval. Moving its start also moves the end
// of the preceding interval; the region between the old and the new boundary
// is the only one whose calibration context changed.
type UpdateCorrInterval struct {
	ID          string            `json:"id"`
	ValidFrom   *domain.Timestamp `json:"valid_from,omitempty"`
	Description *string           `json:"description,omitempty"`
}

func (UpdateCorrInterval) CommandName() string { return "update_corr_interval" }

func (UpdateCorrInterval) Authenticate(p Principal) bool { return p.Has(CapManageIntervals) }

func (c UpdateCorrInterval) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	view := tx.Snapshot()
	current, ok := view.FindCorrInterval(c.ID)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityCorrInterval, ID: c.ID}
	}

	var (
		moved  *domain.TimeRange
		prevID string
	)
	if c.ValidFrom != nil && *c.ValidFrom != current.ValidFrom {
		prev, ok := previousInterval(view.ListCorrIntervals(current.InstrumentID), current.ID)
		if !ok {
			return nil, domain.Executionf("the start of the first interval of instrument %s is fixed", current.InstrumentID)
		}
		from := *c.ValidFrom
		if from <= prev.ValidFrom || from >= current.ValidUntil {
			return nil, domain.Executionf("boundary %d must lie strictly between %d and %d", from, prev.ValidFrom, current.ValidUntil)
		}
		if _, err := tx.UpdateCorrInterval(prev.ID, func(ci *domain.CorrInterval) error {
			ci.ValidUntil = from
			return nil
		}); err != nil {
			return nil, err
		}
		moved = &domain.TimeRange{From: min(from, current.ValidFrom), Until: max(from, current.ValidFrom)}
		prevID = prev.ID
	}

	updated, err := tx.UpdateCorrInterval(c.ID, func(ci *domain.CorrInterval) error {
		if moved != nil {
			ci.ValidFrom = *c.ValidFrom
		}
		if c.Description != nil {
			ci.Description = *c.Description
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved != nil {
		// Both intervals keep their ids while their windows change, so results
		// cached against the old windows are invalidated by id as well.
		fx.Emit(
			domain.RecalculateByTimeRange(updated.InstrumentID, *moved),
			domain.RecalculateByID(prevID, updated.ID),
			domain.EntityChanged(domain.EntityCorrInterval, prevID, domain.ActionUpdate).WithInstrument(updated.InstrumentID),
		)
	}
	fx.Emit(domain.EntityChanged(domain.EntityCorrInterval, updated.ID, domain.ActionUpdate).WithInstrument(updated.InstrumentID))
	return updated, nil
}

// DeleteCorrInterval merges an interval into its predecessor, or into its
// successor when it is the first one, and drops its parameter rows.
type DeleteCorrInterval struct {
	ID string `json:"id"`
}

func (DeleteCorrInterval) CommandName() string { return "delete_corr_interval" }

func (DeleteCorrInterval) Authenticate(p Principal) bool { return p.Has(CapManageIntervals) }

func (c DeleteCorrInterval) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	view := tx.Snapshot()
	current, ok := view.FindCorrInterval(c.ID)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityCorrInterval, ID: c.ID}
	}
	intervals := view.ListCorrIntervals(current.InstrumentID)
	if len(intervals) < 2 {
		return nil, domain.Executionf("cannot delete the only interval of instrument %s", current.InstrumentID)
	}
	idx := slices.IndexFunc(intervals, func(ci domain.CorrInterval) bool { return ci.ID == c.ID })

	survivor := intervals[max(idx-1, 0)]
	if idx == 0 {
		survivor = intervals[1]
	}
	merged, err := tx.UpdateCorrInterval(survivor.ID, func(ci *domain.CorrInterval) error {
		if idx == 0 {
			ci.ValidFrom = current.ValidFrom
		} else {
			ci.ValidUntil = current.ValidUntil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, params := range intervalParameters(view, current.ID) {
		if err := tx.DeleteStepParameters(params.Key()); err != nil {
			return nil, err
		}
	}
	if err := tx.DeleteCorrInterval(current.ID); err != nil {
		return nil, err
	}
	fx.Emit(
		domain.RecalculateByTimeRange(current.InstrumentID, current.Range()),
		domain.RecalculateByID(merged.ID),
		domain.EntityChanged(domain.EntityCorrInterval, current.ID, domain.ActionDelete).WithInstrument(current.InstrumentID),
		domain.EntityChanged(domain.EntityCorrInterval, merged.ID, domain.ActionUpdate).WithInstrument(current.InstrumentID),
	)
	return merged, nil
}

// SetIntervalAnalyses replaces the replicate analyses bound to an interval.
// Parameter rows of analyses no longer bound are removed.
type SetIntervalAnalyses struct {
	ID          string   `json:"id"`
	AnalysisIDs []string `json:"analysis_ids"`
}

func (SetIntervalAnalyses) CommandName() string { return "set_interval_analyses" }

func (SetIntervalAnalyses) Authenticate(p Principal) bool { return p.Has(CapManageIntervals) }

func (c SetIntervalAnalyses) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	view := tx.Snapshot()
	current, ok := view.FindCorrInterval(c.ID)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityCorrInterval, ID: c.ID}
	}
	ids := make([]string, 0, len(c.AnalysisIDs))
	for _, id := range c.AnalysisIDs {
		analysis, ok := view.FindAnalysis(id)
		if !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityAnalysis, ID: id}
		}
		if analysis.Kind != domain.AnalysisReplicate {
			return nil, domain.Executionf("analysis %s is not a replicate analysis", analysis.Name)
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	for _, params := range intervalParameters(view, current.ID) {
		if slices.Contains(ids, params.AnalysisID) {
			continue
		}
		if err := tx.DeleteStepParameters(params.Key()); err != nil {
			return nil, err
		}
	}
	updated, err := tx.UpdateCorrInterval(c.ID, func(ci *domain.CorrInterval) error {
		ci.AnalysisIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	fx.Emit(
		domain.RecalculateByID(updated.ID),
		domain.EntityChanged(domain.EntityCorrInterval, updated.ID, domain.ActionUpdate).WithInstrument(updated.InstrumentID),
	)
	return updated, nil
}

func intervalParameters(view domain.TransactionView, intervalID string) []domain.StepParameters {
	var out []domain.StepParameters
	for _, params := range view.ListAllStepParameters() {
		if params.IntervalID == intervalID {
			out = append(out, params)
		}
	}
	return out
}

func previousInterval(sorted []domain.CorrInterval, id string) (domain.CorrInterval, bool) {
	idx := slices.IndexFunc(sorted, func(ci domain.CorrInterval) bool { return ci.ID == id })
	if idx <= 0 {
		return domain.CorrInterval{}, false
	}
	return sorted[idx-1], true
}
