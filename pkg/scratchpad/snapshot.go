package scratchpad

import (
	"sort"

	"isocore/pkg/domain"
)

// PadSnapshot is a value-only export of a Pad subtree.
type PadSnapshot struct {
	ID        string           `json:"id"`
	Timestamp domain.Timestamp `json:"timestamp"`
	Columns   map[string]Value `json:"columns,omitempty"`
	Children  []PadSnapshot    `json:"children,omitempty"`
}

// Snapshot is a value-only export of a ScratchPad, suitable for JSON output
// and column-for-column comparison.
type Snapshot struct {
	Columns map[string]Value `json:"columns,omitempty"`
	Pads    []PadSnapshot    `json:"pads,omitempty"`
}

// Snapshot exports the tree.
func (s *ScratchPad) Snapshot() Snapshot {
	out := Snapshot{Columns: exportColumns(&s.columns)}
	for _, p := range s.kids.pads {
		out.Pads = append(out.Pads, p.Snapshot())
	}
	return out
}

// Snapshot exports the Pad subtree.
func (p *Pad) Snapshot() PadSnapshot {
	out := PadSnapshot{ID: p.id, Timestamp: p.timestamp, Columns: exportColumns(&p.columns)}
	for _, c := range p.kids.pads {
		out.Children = append(out.Children, c.Snapshot())
	}
	return out
}

// FromSnapshot rebuilds a tree. Column order follows map order of the
// snapshot and is therefore sorted by name.
func FromSnapshot(snap Snapshot) *ScratchPad {
	s := New()
	for _, name := range sortedNames(snap.Columns) {
		s.SetValue(name, snap.Columns[name])
	}
	for _, ps := range snap.Pads {
		s.AddChild(padFromSnapshot(ps))
	}
	return s
}

func padFromSnapshot(ps PadSnapshot) *Pad {
	p := NewPad(ps.ID, ps.Timestamp)
	for _, name := range sortedNames(ps.Columns) {
		p.SetValue(name, ps.Columns[name])
	}
	for _, cs := range ps.Children {
		p.AddChild(padFromSnapshot(cs))
	}
	return p
}

func exportColumns(c *columns) map[string]Value {
	if len(c.values) == 0 {
		return nil
	}
	out := make(map[string]Value, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func sortedNames(m map[string]Value) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
