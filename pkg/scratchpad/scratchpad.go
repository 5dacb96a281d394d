// Package scratchpad implements the hierarchical, named-column container the
// calculation pipeline reads from and writes to.
//
// A ScratchPad is a tree root owning zero or more Pads; Pads may own child
// Pads. Every node carries an ordered set of named column values plus
// volatile scratch data that is never copied or persisted. A Pad belongs to
// exactly one parent at a time. Trees are not safe for concurrent mutation;
// concurrent readers of an unmodified tree are fine.
package scratchpad

import (
	"sort"

	"isocore/pkg/domain"
)

// Parent is a node able to own Pads: a ScratchPad root or another Pad.
type Parent interface {
	Children() []*Pad
	attach(p *Pad)
	detach(p *Pad) bool
}

type columns struct {
	order  []string
	values map[string]Value
}

func (c *columns) get(name string) (Value, bool) {
	v, ok := c.values[name]
	return v, ok
}

func (c *columns) set(name string, v Value) {
	if c.values == nil {
		c.values = make(map[string]Value)
	}
	if _, exists := c.values[name]; !exists {
		c.order = append(c.order, name)
	}
	c.values[name] = v
}

func (c *columns) remove(name string) {
	if _, exists := c.values[name]; !exists {
		return
	}
	delete(c.values, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *columns) names() []string {
	return append([]string(nil), c.order...)
}

func (c *columns) clone() columns {
	out := columns{order: append([]string(nil), c.order...)}
	if c.values != nil {
		out.values = make(map[string]Value, len(c.values))
		for k, v := range c.values {
			out.values[k] = v
		}
	}
	return out
}

type children struct {
	pads []*Pad
}

func (c *children) list() []*Pad {
	return append([]*Pad(nil), c.pads...)
}

func (c *children) add(p *Pad) {
	c.pads = append(c.pads, p)
}

func (c *children) sort() {
	sort.SliceStable(c.pads, func(i, j int) bool {
		a, b := c.pads[i], c.pads[j]
		if a.timestamp != b.timestamp {
			return a.timestamp < b.timestamp
		}
		return a.id < b.id
	})
}

func (c *children) remove(p *Pad) bool {
	for i, existing := range c.pads {
		if existing == p {
			c.pads = append(c.pads[:i], c.pads[i+1:]...)
			return true
		}
	}
	return false
}

// ScratchPad is the root of a Pad tree. Root columns hold values shared by
// every Pad, such as the aggregate outputs of calibration steps.
type ScratchPad struct {
	columns
	kids     children
	volatile map[string]any
}

// New returns an empty ScratchPad.
func New() *ScratchPad {
	return &ScratchPad{}
}

// Children returns the root's direct Pads in insertion order.
func (s *ScratchPad) Children() []*Pad { return s.kids.list() }

// Len returns the number of direct Pads.
func (s *ScratchPad) Len() int { return len(s.kids.pads) }

func (s *ScratchPad) attach(p *Pad)      { s.kids.add(p) }
func (s *ScratchPad) detach(p *Pad) bool { return s.kids.remove(p) }

// AddChild adopts p, removing it from its previous parent first.
func (s *ScratchPad) AddChild(p *Pad) { p.ReassignToParent(s) }

// RemoveChild detaches p if it is a direct child.
func (s *ScratchPad) RemoveChild(p *Pad) bool {
	if p == nil || p.parent != Parent(s) {
		return false
	}
	if s.kids.remove(p) {
		p.parent = nil
		return true
	}
	return false
}

// Value returns a root column.
func (s *ScratchPad) Value(name string) (Value, bool) { return s.get(name) }

// SetValue writes a root column.
func (s *ScratchPad) SetValue(name string, v Value) { s.set(name, v) }

// ColumnNames returns the root's own column names in insertion order.
func (s *ScratchPad) ColumnNames() []string { return s.names() }

// SetVolatileData stores scratch data on the root.
func (s *ScratchPad) SetVolatileData(key string, value any) {
	if s.volatile == nil {
		s.volatile = make(map[string]any)
	}
	s.volatile[key] = value
}

// VolatileData returns scratch data stored on the root.
func (s *ScratchPad) VolatileData(key string) (any, bool) {
	v, ok := s.volatile[key]
	return v, ok
}

// AllColumns returns the union of column names across the root and its
// subtree, in first-seen depth-first order.
func (s *ScratchPad) AllColumns() []string {
	seen := make(map[string]struct{})
	var out []string
	collect := func(names []string) {
		for _, n := range names {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	collect(s.order)
	for _, p := range s.kids.pads {
		p.walk(func(p *Pad) { collect(p.order) })
	}
	return out
}

// Walk visits every Pad in the tree depth-first.
func (s *ScratchPad) Walk(fn func(*Pad)) {
	for _, p := range s.kids.list() {
		p.walk(fn)
	}
}

// Find returns the first Pad in the tree with the given id.
func (s *ScratchPad) Find(id string) (*Pad, bool) {
	var found *Pad
	s.Walk(func(p *Pad) {
		if found == nil && p.id == id {
			found = p
		}
	})
	return found, found != nil
}

// SortByTimestamp orders the root's direct Pads by timestamp, then id.
func (s *ScratchPad) SortByTimestamp() { s.kids.sort() }

// Copy deep-copies the tree. Column values are shared (they are immutable),
// Pads are new objects, and volatile data is reset.
func (s *ScratchPad) Copy() *ScratchPad {
	out := &ScratchPad{columns: s.clone()}
	for _, p := range s.kids.pads {
		c := p.Copy()
		c.parent = out
		out.kids.add(c)
	}
	return out
}

// Pad is a tree node carrying the columns of one replicate, sample or
// acquisition.
type Pad struct {
	columns
	id        string
	timestamp domain.Timestamp
	parent    Parent
	kids      children
	volatile  map[string]any
}

// NewPad returns a detached Pad.
func NewPad(id string, ts domain.Timestamp) *Pad {
	return &Pad{id: id, timestamp: ts}
}

// ID returns the Pad identifier.
func (p *Pad) ID() string { return p.id }

// Timestamp returns the Pad's measurement time.
func (p *Pad) Timestamp() domain.Timestamp { return p.timestamp }

// Parent returns the owning node or nil.
func (p *Pad) Parent() Parent { return p.parent }

// Root walks up to the owning ScratchPad, if any.
func (p *Pad) Root() (*ScratchPad, bool) {
	node := p.parent
	for node != nil {
		switch n := node.(type) {
		case *ScratchPad:
			return n, true
		case *Pad:
			node = n.parent
		default:
			return nil, false
		}
	}
	return nil, false
}

// Children returns the Pad's direct child Pads.
func (p *Pad) Children() []*Pad { return p.kids.list() }

func (p *Pad) attach(c *Pad)      { p.kids.add(c) }
func (p *Pad) detach(c *Pad) bool { return p.kids.remove(c) }

// AddChild adopts c, removing it from its previous parent first.
func (p *Pad) AddChild(c *Pad) {
	if c == p {
		return
	}
	c.ReassignToParent(p)
}

// SortChildren orders the Pad's children by timestamp, then id.
func (p *Pad) SortChildren() { p.kids.sort() }

// RemoveChild detaches c if it is a direct child.
func (p *Pad) RemoveChild(c *Pad) bool {
	if c == nil || c.parent != Parent(p) {
		return false
	}
	if p.kids.remove(c) {
		c.parent = nil
		return true
	}
	return false
}

// ReassignToParent moves the Pad under newParent. Ownership changes only:
// column data and object identity are preserved. A nil newParent detaches.
func (p *Pad) ReassignToParent(newParent Parent) {
	if p.parent == newParent && newParent != nil {
		return
	}
	if p.parent != nil {
		p.parent.detach(p)
	}
	p.parent = newParent
	if newParent != nil {
		newParent.attach(p)
	}
}

// Value returns the Pad's own column.
func (p *Pad) Value(name string) (Value, bool) { return p.get(name) }

// Lookup returns the Pad's column, falling back to ancestors and finally the
// root ScratchPad.
func (p *Pad) Lookup(name string) (Value, bool) {
	if v, ok := p.get(name); ok {
		return v, true
	}
	node := p.parent
	for node != nil {
		switch n := node.(type) {
		case *Pad:
			if v, ok := n.get(name); ok {
				return v, true
			}
			node = n.parent
		case *ScratchPad:
			return n.get(name)
		default:
			return Value{}, false
		}
	}
	return Value{}, false
}

// Number returns a numeric column.
func (p *Pad) Number(name string) (float64, bool) {
	v, ok := p.get(name)
	if !ok {
		return 0, false
	}
	return v.Float()
}

// SetValue writes a column.
func (p *Pad) SetValue(name string, v Value) { p.set(name, v) }

// RemoveValue deletes a column.
func (p *Pad) RemoveValue(name string) { p.remove(name) }

// ColumnNames returns the Pad's own column names in insertion order.
func (p *Pad) ColumnNames() []string { return p.names() }

// SetVolatileData stores scratch data that is never copied.
func (p *Pad) SetVolatileData(key string, value any) {
	if p.volatile == nil {
		p.volatile = make(map[string]any)
	}
	p.volatile[key] = value
}

// VolatileData returns scratch data stored on the Pad.
func (p *Pad) VolatileData(key string) (any, bool) {
	v, ok := p.volatile[key]
	return v, ok
}

// Copy returns a detached deep copy with volatile data reset.
func (p *Pad) Copy() *Pad {
	out := &Pad{columns: p.clone(), id: p.id, timestamp: p.timestamp}
	for _, c := range p.kids.pads {
		cc := c.Copy()
		cc.parent = out
		out.kids.add(cc)
	}
	return out
}

func (p *Pad) walk(fn func(*Pad)) {
	fn(p)
	for _, c := range p.kids.list() {
		c.walk(fn)
	}
}
