package command

import (
	"context"
	"strings"

	"isocore/pkg/domain"
)

// CreateAnalysis defines a replicate or sample analysis.
type CreateAnalysis struct {
	Name          string                  `json:"name"`
	Kind          domain.AnalysisKind     `json:"kind"`
	RepAnalysisID string                  `json:"rep_analysis_id,omitempty"`
	Steps         []domain.StepDescriptor `json:"steps"`
}

func (CreateAnalysis) CommandName() string { return "create_analysis" }

func (CreateAnalysis) Authenticate(p Principal) bool { return p.Has(CapManageAnalyses) }

func (c CreateAnalysis) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	if err := validateSteps(fx, c.Steps); err != nil {
		return nil, err
	}
	analysis, err := tx.CreateAnalysis(domain.Analysis{
		Name:          strings.TrimSpace(c.Name),
		Kind:          c.Kind,
		RepAnalysisID: c.RepAnalysisID,
		Steps:         c.Steps,
	})
	if err != nil {
		return nil, err
	}
	fx.Emit(domain.EntityChanged(domain.EntityAnalysis, analysis.ID, domain.ActionCreate))
	return analysis, nil
}

// UpdateAnalysis renames an analysis or replaces its steps. Every interval
// may run the analysis, so any change recalculates everything.
type UpdateAnalysis struct {
	ID    string                  `json:"id"`
	Name  *string                 `json:"name,omitempty"`
	Steps []domain.StepDescriptor `json:"steps,omitempty"`
}

func (UpdateAnalysis) CommandName() string { return "update_analysis" }

func (UpdateAnalysis) Authenticate(p Principal) bool { return p.Has(CapManageAnalyses) }

func (c UpdateAnalysis) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	if c.Steps != nil {
		if err := validateSteps(fx, c.Steps); err != nil {
			return nil, err
		}
	}
	analysis, err := tx.UpdateAnalysis(c.ID, func(a *domain.Analysis) error {
		if c.Name != nil {
			a.Name = strings.TrimSpace(*c.Name)
		}
		if c.Steps != nil {
			a.Steps = c.Steps
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	fx.Emit(
		domain.RecalculateAll(),
		domain.EntityChanged(domain.EntityAnalysis, analysis.ID, domain.ActionUpdate),
	)
	return analysis, nil
}

func validateSteps(fx *Effects, steps []domain.StepDescriptor) error {
	positions := make(map[int]string, len(steps))
	for _, s := range steps {
		if other, dup := positions[s.Position]; dup {
			return domain.Executionf("steps %s and %s share position %d", other, s.ID, s.Position)
		}
		positions[s.Position] = s.ID
		if registry := fx.Registry(); registry != nil {
			if _, err := registry.Resolve(s.Type); err != nil {
				return domain.Executionf("step %s: %v", s.ID, err)
			}
		}
	}
	return nil
}

// PutStepParameters stores the parameter set of one step of a replicate
// analysis within one interval.
type PutStepParameters struct {
	IntervalID string         `json:"interval_id"`
	AnalysisID string         `json:"analysis_id"`
	Position   int            `json:"position"`
	Values     map[string]any `json:"values"`
}

func (PutStepParameters) CommandName() string { return "put_step_parameters" }

func (PutStepParameters) Authenticate(p Principal) bool { return p.Has(CapManageIntervals) }

func (c PutStepParameters) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	if err := checkStepScope(tx.Snapshot(), c.IntervalID, c.AnalysisID, c.Position); err != nil {
		return nil, err
	}
	params, err := tx.PutStepParameters(domain.StepParameters{
		IntervalID: c.IntervalID,
		AnalysisID: c.AnalysisID,
		Position:   c.Position,
		Values:     c.Values,
	})
	if err != nil {
		return nil, err
	}
	fx.Emit(domain.RecalculateByID(c.IntervalID))
	return params, nil
}

// DeleteStepParameters reverts one step to its default parameters.
type DeleteStepParameters struct {
	IntervalID string `json:"interval_id"`
	AnalysisID string `json:"analysis_id"`
	Position   int    `json:"position"`
}

func (DeleteStepParameters) CommandName() string { return "delete_step_parameters" }

func (DeleteStepParameters) Authenticate(p Principal) bool { return p.Has(CapManageIntervals) }

func (c DeleteStepParameters) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	key := domain.StepParametersKey{IntervalID: c.IntervalID, AnalysisID: c.AnalysisID, Position: c.Position}
	if err := tx.DeleteStepParameters(key); err != nil {
		return nil, err
	}
	fx.Emit(domain.RecalculateByID(c.IntervalID))
	return nil, nil
}

func checkStepScope(view domain.TransactionView, intervalID, analysisID string, position int) error {
	interval, ok := view.FindCorrInterval(intervalID)
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityCorrInterval, ID: intervalID}
	}
	analysis, ok := view.FindAnalysis(analysisID)
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityAnalysis, ID: analysisID}
	}
	if !interval.HasAnalysis(analysisID) {
		return domain.Executionf("analysis %s is not enabled for interval %s", analysis.Name, intervalID)
	}
	for _, s := range analysis.Steps {
		if s.Position == position {
			return nil
		}
	}
	return domain.Executionf("analysis %s has no step at position %d", analysis.Name, position)
}
