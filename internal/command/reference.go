package command

import (
	"context"
	"strings"

	"isocore/pkg/domain"
)

// CreateInstrument registers a mass spectrometer and bootstraps its
// calibration partition with one interval covering all time.
type CreateInstrument struct {
	Name string `json:"name"`
}

// InstrumentCreated is the payload of CreateInstrument.
type InstrumentCreated struct {
	Instrument domain.Instrument   `json:"instrument"`
	Interval   domain.CorrInterval `json:"interval"`
}

func (CreateInstrument) CommandName() string { return "create_instrument" }

func (CreateInstrument) Authenticate(p Principal) bool { return p.Has(CapManageInstruments) }

func (c CreateInstrument) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, domain.Executionf("instrument name is required")
	}
	inst, err := tx.CreateInstrument(domain.Instrument{Name: c.Name})
	if err != nil {
		return nil, err
	}
	interval, err := tx.CreateCorrInterval(domain.CorrInterval{
		InstrumentID: inst.ID,
		ValidFrom:    domain.MinTimestamp,
		ValidUntil:   domain.MaxTimestamp,
	})
	if err != nil {
		return nil, err
	}
	fx.Emit(
		domain.EntityChanged(domain.EntityInstrument, inst.ID, domain.ActionCreate).WithInstrument(inst.ID),
		domain.EntityChanged(domain.EntityCorrInterval, interval.ID, domain.ActionCreate).WithInstrument(inst.ID),
	)
	return InstrumentCreated{Instrument: inst, Interval: interval}, nil
}

// CreateStandard registers a reference material.
type CreateStandard struct {
	Name            string             `json:"name"`
	ReferenceValues map[string]float64 `json:"reference_values"`
}

func (CreateStandard) CommandName() string { return "create_standard" }

func (CreateStandard) Authenticate(p Principal) bool { return p.Has(CapManageStandards) }

func (c CreateStandard) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, domain.Executionf("standard name is required")
	}
	for _, existing := range tx.Snapshot().ListStandards() {
		if strings.EqualFold(existing.Name, c.Name) {
			return nil, domain.Executionf("standard %q already exists", c.Name)
		}
	}
	std, err := tx.CreateStandard(domain.Standard{Name: c.Name, ReferenceValues: c.ReferenceValues})
	if err != nil {
		return nil, err
	}
	fx.Emit(domain.EntityChanged(domain.EntityStandard, std.ID, domain.ActionCreate))
	return std, nil
}

// UpdateStandard changes a standard's name or accepted values. Changed
// reference values invalidate every window holding a replicate of the
// standard.
type UpdateStandard struct {
	ID              string             `json:"id"`
	Name            *string            `json:"name,omitempty"`
	ReferenceValues map[string]float64 `json:"reference_values,omitempty"`
}

func (UpdateStandard) CommandName() string { return "update_standard" }

func (UpdateStandard) Authenticate(p Principal) bool { return p.Has(CapManageStandards) }

func (c UpdateStandard) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	std, err := tx.UpdateStandard(c.ID, func(s *domain.Standard) error {
		if c.Name != nil {
			if strings.TrimSpace(*c.Name) == "" {
				return domain.Executionf("standard name is required")
			}
			s.Name = *c.Name
		}
		if c.ReferenceValues != nil {
			s.ReferenceValues = c.ReferenceValues
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	fx.Emit(domain.EntityChanged(domain.EntityStandard, std.ID, domain.ActionUpdate))
	if c.ReferenceValues != nil {
		fx.Emit(standardWindows(tx.Snapshot(), std.ID)...)
	}
	return std, nil
}

// standardWindows returns one range event per instrument spanning every
// replicate of the standard.
func standardWindows(view domain.TransactionView, standardID string) []domain.Event {
	windows := make(map[string]domain.TimeRange)
	var order []string
	for _, rep := range view.ListReplicates(domain.ReplicateFilter{StandardsOnly: true, IncludeDisabled: true}) {
		if rep.StandardID != standardID {
			continue
		}
		point := pointRange(rep.Timestamp)
		w, ok := windows[rep.InstrumentID]
		if !ok {
			windows[rep.InstrumentID] = point
			order = append(order, rep.InstrumentID)
			continue
		}
		w.From = min(w.From, point.From)
		w.Until = max(w.Until, point.Until)
		windows[rep.InstrumentID] = w
	}
	events := make([]domain.Event, 0, len(order))
	for _, inst := range order {
		events = append(events, domain.RecalculateByTimeRange(inst, windows[inst]))
	}
	return events
}

// CreateSample registers a sample.
type CreateSample struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (CreateSample) CommandName() string { return "create_sample" }

func (CreateSample) Authenticate(p Principal) bool { return p.Has(CapManageSamples) }

func (c CreateSample) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, domain.Executionf("sample name is required")
	}
	sample, err := tx.CreateSample(domain.Sample{Name: c.Name, Description: c.Description})
	if err != nil {
		return nil, err
	}
	fx.Emit(domain.EntityChanged(domain.EntitySample, sample.ID, domain.ActionCreate))
	return sample, nil
}

// UpdateSample renames or re-describes a sample.
type UpdateSample struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (UpdateSample) CommandName() string { return "update_sample" }

func (UpdateSample) Authenticate(p Principal) bool { return p.Has(CapManageSamples) }

func (c UpdateSample) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	sample, err := tx.UpdateSample(c.ID, func(s *domain.Sample) error {
		if c.Name != nil {
			s.Name = *c.Name
		}
		if c.Description != nil {
			s.Description = *c.Description
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	fx.Emit(domain.EntityChanged(domain.EntitySample, sample.ID, domain.ActionUpdate))
	return sample, nil
}

// pointRange is the smallest range containing ts.
func pointRange(ts domain.Timestamp) domain.TimeRange {
	if ts == domain.MaxTimestamp {
		return domain.TimeRange{From: ts - 1, Until: ts}
	}
	return domain.TimeRange{From: ts, Until: ts + 1}
}
