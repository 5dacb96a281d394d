package domain

import "slices"

// EventKind classifies the blast radius of a committed change.
type EventKind string

// Canonical event kinds emitted by commands.
const (
	// EventRecalculateAll invalidates every calibration interval everywhere.
	EventRecalculateAll EventKind = "recalculate_all"
	// EventRecalculateByID invalidates the listed calibration intervals.
	EventRecalculateByID EventKind = "recalculate_by_id"
	// EventRecalculateByTimeRange invalidates whatever depends on an
	// instrument's measurements within a time window.
	EventRecalculateByTimeRange EventKind = "recalculate_by_time_range"
	// EventEntityChanged reports a row create/update/delete.
	EventEntityChanged EventKind = "entity_changed"
)

// Event is the serializable change notification fanned out to caches. It
// carries enough identifying data for relevance checks without a database
// round-trip.
type Event struct {
	Kind         EventKind  `json:"kind"`
	Sequence     uint64     `json:"sequence"`
	IntervalIDs  []string   `json:"interval_ids,omitempty"`
	InstrumentID string     `json:"instrument_id,omitempty"`
	Range        TimeRange  `json:"range"`
	Entity       EntityType `json:"entity,omitempty"`
	EntityID     string     `json:"entity_id,omitempty"`
	Action       Action     `json:"action,omitempty"`
}

// RecalculateAll builds an event invalidating every interval.
func RecalculateAll() Event {
	return Event{Kind: EventRecalculateAll}
}

// RecalculateByID builds an event invalidating the given intervals.
func RecalculateByID(intervalIDs ...string) Event {
	return Event{Kind: EventRecalculateByID, IntervalIDs: append([]string(nil), intervalIDs...)}
}

// RecalculateByTimeRange builds an event invalidating an instrument window.
func RecalculateByTimeRange(instrumentID string, r TimeRange) Event {
	return Event{Kind: EventRecalculateByTimeRange, InstrumentID: instrumentID, Range: r}
}

// EntityChanged builds a row-level change event.
func EntityChanged(entity EntityType, id string, action Action) Event {
	return Event{Kind: EventEntityChanged, Entity: entity, EntityID: id, Action: action}
}

// WithInstrument scopes an entity change event to an instrument.
func (e Event) WithInstrument(instrumentID string) Event {
	e.InstrumentID = instrumentID
	return e
}

// IsRecalculation reports whether the event is one of the recalculate kinds.
func (e Event) IsRecalculation() bool {
	switch e.Kind {
	case EventRecalculateAll, EventRecalculateByID, EventRecalculateByTimeRange:
		return true
	}
	return false
}

// CoversInterval reports whether a recalculation event invalidates results
// computed against the interval.
func (e Event) CoversInterval(interval CorrInterval) bool {
	switch e.Kind {
	case EventRecalculateAll:
		return true
	case EventRecalculateByID:
		return slices.Contains(e.IntervalIDs, interval.ID)
	case EventRecalculateByTimeRange:
		return e.InstrumentID == interval.InstrumentID && e.Range.Overlaps(interval.Range())
	}
	return false
}

// CoversMeasurement reports whether a recalculation event invalidates the
// calibration context of a measurement taken at ts. intervalID is the
// interval the measurement was last calculated against, if known.
func (e Event) CoversMeasurement(instrumentID string, ts Timestamp, intervalID string) bool {
	switch e.Kind {
	case EventRecalculateAll:
		return true
	case EventRecalculateByID:
		return intervalID != "" && slices.Contains(e.IntervalIDs, intervalID)
	case EventRecalculateByTimeRange:
		return e.InstrumentID == instrumentID && e.Range.Contains(ts)
	}
	return false
}

// Touches reports whether an entity change event refers to the given row.
func (e Event) Touches(entity EntityType, id string) bool {
	return e.Kind == EventEntityChanged && e.Entity == entity && e.EntityID == id
}
