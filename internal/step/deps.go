package step

import (
	"fmt"
	"sort"
)

// Fact is one dependency fact emitted by a step. PadID names the Pad the
// step was applied to; it is empty for aggregate and parameter facts.
type Fact struct {
	StepPosition int    `json:"step_position"`
	PadID        string `json:"pad_id,omitempty"`
	Key          string `json:"key"`
	Value        string `json:"value"`
}

// DependencyManager collects dependency facts for one calculation run, keyed
// by step position. It becomes read-only once frozen; facts recorded after
// Freeze are ignored.
type DependencyManager struct {
	facts  []Fact
	frozen bool
}

// NewDependencyManager returns an empty manager.
func NewDependencyManager() *DependencyManager {
	return &DependencyManager{}
}

// Record appends a fact that is not tied to a Pad.
func (d *DependencyManager) Record(position int, key string, value any) {
	d.RecordPad(position, "", key, value)
}

// RecordPad appends a fact about one Pad. Values are rendered with fmt.Sprint
// unless they implement fmt.Stringer. A repeated key for the same step and
// Pad replaces the earlier value in place.
func (d *DependencyManager) RecordPad(position int, padID, key string, value any) {
	if d.frozen {
		return
	}
	rendered := render(value)
	for i := range d.facts {
		if f := &d.facts[i]; f.StepPosition == position && f.PadID == padID && f.Key == key {
			f.Value = rendered
			return
		}
	}
	d.facts = append(d.facts, Fact{StepPosition: position, PadID: padID, Key: key, Value: rendered})
}

// Freeze makes the manager read-only.
func (d *DependencyManager) Freeze() { d.frozen = true }

// Frozen reports whether Freeze was called.
func (d *DependencyManager) Frozen() bool { return d.frozen }

// Step returns the facts recorded by one step in insertion order.
func (d *DependencyManager) Step(position int) []Fact {
	var out []Fact
	for _, f := range d.facts {
		if f.StepPosition == position {
			out = append(out, f)
		}
	}
	return out
}

// Positions returns the step positions that recorded at least one fact.
func (d *DependencyManager) Positions() []int {
	seen := make(map[int]struct{})
	var out []int
	for _, f := range d.facts {
		if _, ok := seen[f.StepPosition]; ok {
			continue
		}
		seen[f.StepPosition] = struct{}{}
		out = append(out, f.StepPosition)
	}
	sort.Ints(out)
	return out
}

// All returns every fact in insertion order.
func (d *DependencyManager) All() []Fact {
	return append([]Fact(nil), d.facts...)
}

// Merged collapses facts across steps by Pad and key. When several steps
// record the same key for a Pad the last recorded value wins; keys keep
// first-seen order.
func (d *DependencyManager) Merged() []Fact {
	type scoped struct{ pad, key string }
	index := make(map[scoped]int)
	var out []Fact
	for _, f := range d.facts {
		k := scoped{f.PadID, f.Key}
		if i, ok := index[k]; ok {
			out[i] = f
			continue
		}
		index[k] = len(out)
		out = append(out, f)
	}
	return out
}

func render(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(value)
}
