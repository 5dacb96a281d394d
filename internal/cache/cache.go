// Package cache implements the client-side cache map shared by every entity
// kind. A Plugin supplies keys, fetches and event relevance; the Cache
// enforces one outstanding fetch per key, serves cached values, queues saves
// and deletes per key, and reloads or drops entries when change events
// arrive. Listener callbacks are delivered on a loop.Loop.
package cache

import (
	"context"
	"fmt"
	"sync"

	"isocore/internal/core"
	"isocore/internal/loop"
	"isocore/pkg/domain"
)

// Effect is a plugin's verdict on whether an event concerns an entry.
type Effect int

// Event effects.
const (
	EffectNone Effect = iota
	EffectInvalidate
	EffectReload
)

func (e Effect) String() string {
	switch e {
	case EffectInvalidate:
		return "invalidate"
	case EffectReload:
		return "reload"
	}
	return "none"
}

// Plugin adapts one entity kind to the cache. Fetch runs off the loop and
// may block; the other methods must be pure.
type Plugin[P, V any] interface {
	Kind() string
	Key(params P) string
	Fetch(ctx context.Context, params P) (any, error)
	Apply(params P, raw any) (V, error)
	// Affected decides what ev means for the entry. has is false while the
	// entry is waiting for its first value.
	Affected(ev domain.Event, params P, cached V, has bool) Effect
}

// Saver is implemented by plugins whose values can be written back. The raw
// result passes through Apply.
type Saver[P, V any] interface {
	Save(ctx context.Context, params P, value V) (any, error)
}

// Deleter is implemented by plugins whose rows can be deleted.
type Deleter[P any] interface {
	Delete(ctx context.Context, params P) error
}

// UpdateKind classifies a listener notification.
type UpdateKind int

// Notification kinds.
const (
	Loaded UpdateKind = iota + 1
	Failed
	Invalidated
	Saved
	Deleted
)

func (k UpdateKind) String() string {
	switch k {
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	case Invalidated:
		return "invalidated"
	case Saved:
		return "saved"
	case Deleted:
		return "deleted"
	}
	return fmt.Sprintf("UpdateKind(%d)", int(k))
}

// Update is delivered to listeners. Version increases every time the cached
// value for any key changes, so a listener can tell newer values apart.
type Update[V any] struct {
	Kind      UpdateKind
	Key       string
	RequestID uint64
	Version   uint64
	Value     V
	Err       error
}

// Listener receives updates on the cache's loop. Implementations must be
// comparable; wrap closures with Func.
type Listener[V any] interface {
	Notify(Update[V])
}

// Func wraps fn as a comparable Listener.
func Func[V any](fn func(Update[V])) Listener[V] {
	return &funcListener[V]{fn: fn}
}

type funcListener[V any] struct{ fn func(Update[V]) }

func (f *funcListener[V]) Notify(u Update[V]) { f.fn(u) }

// EventListener observes every event after the cache has applied it.
type EventListener interface {
	EventApplied(ev domain.Event)
}

// EventFunc wraps fn as a comparable EventListener.
func EventFunc(fn func(domain.Event)) EventListener {
	return &eventFunc{fn: fn}
}

type eventFunc struct{ fn func(domain.Event) }

func (f *eventFunc) EventApplied(ev domain.Event) { f.fn(ev) }

// Ticket is the immediate answer to Get. Cached is true when Value is
// already known; otherwise RequestID names the outstanding fetch.
type Ticket[V any] struct {
	RequestID uint64
	Version   uint64
	Value     V
	Cached    bool
}

// Metrics counts cache activity. core.CacheMetrics implements it.
type Metrics interface {
	Fetch(kind string)
	Dedup(kind string)
	Hit(kind string)
	Invalidation(kind, effect string)
}

type noopMetrics struct{}

func (noopMetrics) Fetch(string)                {}
func (noopMetrics) Dedup(string)                {}
func (noopMetrics) Hit(string)                  {}
func (noopMetrics) Invalidation(string, string) {}

type config struct {
	loop    *loop.Loop
	logger  core.Logger
	metrics Metrics
	ctx     context.Context
}

// Option configures a Cache.
type Option func(*config)

// WithLoop delivers notifications on l instead of a private loop.
func WithLoop(l *loop.Loop) Option { return func(c *config) { c.loop = l } }

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option { return func(c *config) { c.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(c *config) { c.metrics = m } }

// WithContext sets the parent context of every backend call.
func WithContext(ctx context.Context) Option { return func(c *config) { c.ctx = ctx } }

type opKind int

const (
	opSave opKind = iota
	opDelete
)

type pendingOp[V any] struct {
	kind     opKind
	value    V
	listener Listener[V]
}

type entry[P, V any] struct {
	params    P
	value     V
	has       bool
	version   uint64
	inflight  uint64
	listeners []Listener[V]
	ops       []pendingOp[V]
	running   bool
}

func (e *entry[P, V]) attach(l Listener[V]) {
	if l == nil {
		return
	}
	for _, existing := range e.listeners {
		if existing == l {
			return
		}
	}
	e.listeners = append(e.listeners, l)
}

func (e *entry[P, V]) detach(l Listener[V]) {
	for i, existing := range e.listeners {
		if existing == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Cache is the per-kind cache map.
type Cache[P, V any] struct {
	plugin  Plugin[P, V]
	loop    *loop.Loop
	ownLoop bool
	logger  core.Logger
	metrics Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	entries   map[string]*entry[P, V]
	nextID    uint64
	version   uint64
	eventSubs []EventListener
	closed    bool
}

// New constructs a cache for plugin.
func New[P, V any](plugin Plugin[P, V], opts ...Option) *Cache[P, V] {
	cfg := config{ctx: context.Background()}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Cache[P, V]{
		plugin:  plugin,
		loop:    cfg.loop,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		entries: make(map[string]*entry[P, V]),
	}
	if c.loop == nil {
		c.loop = loop.New().Start()
		c.ownLoop = true
	}
	if c.logger == nil {
		c.logger = core.NoopLogger()
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	c.ctx, c.cancel = context.WithCancel(cfg.ctx)
	return c
}

// Kind returns the plugin kind.
func (c *Cache[P, V]) Kind() string { return c.plugin.Kind() }

// Get returns the cached value for params or starts (or joins) the fetch for
// it. listener, when non-nil, stays attached to the key and is notified of
// the fetch result and of later reloads, invalidations, saves and deletes.
func (c *Cache[P, V]) Get(params P, listener Listener[V]) Ticket[V] {
	key := c.plugin.Key(params)
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key, params)
	e.attach(listener)
	switch {
	case e.has:
		c.metrics.Hit(c.plugin.Kind())
		return Ticket[V]{Value: e.value, Version: e.version, Cached: true}
	case e.inflight != 0:
		c.metrics.Dedup(c.plugin.Kind())
		return Ticket[V]{RequestID: e.inflight}
	}
	return Ticket[V]{RequestID: c.fetchLocked(key, e)}
}

// Peek returns the cached value without fetching.
func (c *Cache[P, V]) Peek(params P) (V, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.plugin.Key(params)]
	if !ok || !e.has {
		var zero V
		return zero, 0, false
	}
	return e.value, e.version, true
}

// Pending reports whether params has an outstanding fetch.
func (c *Cache[P, V]) Pending(params P) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.plugin.Key(params)]
	return ok && e.inflight != 0
}

// Len returns the number of entries.
func (c *Cache[P, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Release detaches listener from one key.
func (c *Cache[P, V]) Release(params P, listener Listener[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[c.plugin.Key(params)]; ok {
		e.detach(listener)
	}
}

// RemoveListener detaches listener from every key.
func (c *Cache[P, V]) RemoveListener(listener Listener[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.detach(listener)
	}
}

// Invalidate drops the cached value for params. An entry with a fetch in
// flight is reloaded instead so the outstanding listeners get a fresh value.
func (c *Cache[P, V]) Invalidate(params P) {
	key := c.plugin.Key(params)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.applyEffectLocked(key, e, EffectInvalidate)
	}
}

// Reload refetches params, superseding any outstanding fetch.
func (c *Cache[P, V]) Reload(params P) uint64 {
	key := c.plugin.Key(params)
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key, params)
	e.has = false
	return c.fetchLocked(key, e)
}

// Save writes value through the plugin. Saves and deletes for one key run
// one at a time in submission order. On success every listener of the key
// is notified as if the value had been reloaded.
func (c *Cache[P, V]) Save(params P, value V, listener Listener[V]) error {
	if _, ok := c.plugin.(Saver[P, V]); !ok {
		return fmt.Errorf("%s cache does not support save", c.plugin.Kind())
	}
	return c.enqueue(params, pendingOp[V]{kind: opSave, value: value, listener: listener})
}

// Delete removes the row through the plugin and drops the entry on success.
func (c *Cache[P, V]) Delete(params P, listener Listener[V]) error {
	if _, ok := c.plugin.(Deleter[P]); !ok {
		return fmt.Errorf("%s cache does not support delete", c.plugin.Kind())
	}
	return c.enqueue(params, pendingOp[V]{kind: opDelete, listener: listener})
}

// AddEventListener registers l for every applied event.
func (c *Cache[P, V]) AddEventListener(l EventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.eventSubs {
		if existing == l {
			return
		}
	}
	c.eventSubs = append(c.eventSubs, l)
}

// RemoveEventListener unregisters l.
func (c *Cache[P, V]) RemoveEventListener(l EventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.eventSubs {
		if existing == l {
			c.eventSubs = append(c.eventSubs[:i], c.eventSubs[i+1:]...)
			return
		}
	}
}

// ApplyEvent asks the plugin about every entry and drops or reloads the
// affected ones, then notifies event listeners. Events must be applied in
// commit order.
func (c *Cache[P, V]) ApplyEvent(ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for key, e := range c.entries {
		effect := c.plugin.Affected(ev, e.params, e.value, e.has)
		if effect == EffectNone {
			continue
		}
		c.applyEffectLocked(key, e, effect)
	}
	subs := append([]EventListener(nil), c.eventSubs...)
	c.loop.Submit(func() {
		for _, l := range subs {
			l.EventApplied(ev)
		}
	})
}

// Close cancels outstanding backend calls, waits for them and stops the
// private loop, if any. Pending notifications are still delivered.
func (c *Cache[P, V]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	if c.ownLoop {
		c.loop.Stop()
	}
}

func (c *Cache[P, V]) entryLocked(key string, params P) *entry[P, V] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[P, V]{params: params}
		c.entries[key] = e
	}
	return e
}

func (c *Cache[P, V]) applyEffectLocked(key string, e *entry[P, V], effect Effect) {
	c.metrics.Invalidation(c.plugin.Kind(), effect.String())
	if effect == EffectInvalidate && e.inflight == 0 && !e.running {
		delete(c.entries, key)
		c.notifyLocked(e.listeners, Update[V]{Kind: Invalidated, Key: key})
		return
	}
	if effect == EffectInvalidate && e.inflight == 0 {
		// A save or delete owns the entry; drop only the value.
		e.has = false
		var zero V
		e.value = zero
		c.notifyLocked(e.listeners, Update[V]{Kind: Invalidated, Key: key})
		return
	}
	e.has = false
	c.fetchLocked(key, e)
}

func (c *Cache[P, V]) fetchLocked(key string, e *entry[P, V]) uint64 {
	if c.closed {
		return 0
	}
	c.nextID++
	id := c.nextID
	e.inflight = id
	params := e.params
	c.metrics.Fetch(c.plugin.Kind())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		raw, err := c.plugin.Fetch(c.ctx, params)
		var value V
		if err == nil {
			value, err = c.plugin.Apply(params, raw)
		}
		c.completeFetch(key, id, value, err)
	}()
	return id
}

func (c *Cache[P, V]) completeFetch(key string, id uint64, value V, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.inflight != id {
		c.logger.Debug("discarding superseded fetch", "kind", c.plugin.Kind(), "key", key, "request", id)
		return
	}
	e.inflight = 0
	if err != nil {
		c.logger.Warn("cache fetch failed", "kind", c.plugin.Kind(), "key", key, "error", err)
		c.notifyLocked(e.listeners, Update[V]{Kind: Failed, Key: key, RequestID: id, Err: err})
		return
	}
	c.version++
	e.value, e.has, e.version = value, true, c.version
	c.notifyLocked(e.listeners, Update[V]{Kind: Loaded, Key: key, RequestID: id, Version: e.version, Value: value})
}

func (c *Cache[P, V]) enqueue(params P, op pendingOp[V]) error {
	key := c.plugin.Key(params)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s cache closed", c.plugin.Kind())
	}
	e := c.entryLocked(key, params)
	e.ops = append(e.ops, op)
	if !e.running {
		c.startOpLocked(key, e)
	}
	return nil
}

func (c *Cache[P, V]) startOpLocked(key string, e *entry[P, V]) {
	op := e.ops[0]
	e.running = true
	params := e.params
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var (
			value V
			err   error
		)
		switch op.kind {
		case opSave:
			var raw any
			raw, err = c.plugin.(Saver[P, V]).Save(c.ctx, params, op.value)
			if err == nil {
				value, err = c.plugin.Apply(params, raw)
			}
		case opDelete:
			err = c.plugin.(Deleter[P]).Delete(c.ctx, params)
		}
		c.completeOp(key, op, value, err)
	}()
}

func (c *Cache[P, V]) completeOp(key string, op pendingOp[V], value V, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	e.ops = e.ops[1:]
	e.running = false

	switch {
	case err != nil:
		c.logger.Warn("cache write failed", "kind", c.plugin.Kind(), "key", key, "error", err)
		if op.listener != nil {
			c.notifyLocked([]Listener[V]{op.listener}, Update[V]{Kind: Failed, Key: key, Err: err})
		}
	case op.kind == opSave:
		// The saved value supersedes whatever an outstanding fetch would return.
		e.inflight = 0
		c.version++
		e.value, e.has, e.version = value, true, c.version
		c.notifyLocked(withListener(e.listeners, op.listener), Update[V]{Kind: Saved, Key: key, Version: e.version, Value: value})
	default:
		listeners := withListener(e.listeners, op.listener)
		var zero V
		e.value, e.has, e.inflight, e.listeners = zero, false, 0, nil
		c.notifyLocked(listeners, Update[V]{Kind: Deleted, Key: key})
	}

	switch {
	case len(e.ops) > 0 && !c.closed:
		c.startOpLocked(key, e)
	case op.kind == opDelete && err == nil && e.inflight == 0 && !e.has:
		delete(c.entries, key)
	}
}

func withListener[V any](listeners []Listener[V], extra Listener[V]) []Listener[V] {
	out := append([]Listener[V](nil), listeners...)
	if extra == nil {
		return out
	}
	for _, l := range out {
		if l == extra {
			return out
		}
	}
	return append(out, extra)
}

func (c *Cache[P, V]) notifyLocked(listeners []Listener[V], u Update[V]) {
	if len(listeners) == 0 {
		return
	}
	snapshot := append([]Listener[V](nil), listeners...)
	c.loop.Submit(func() {
		for _, l := range snapshot {
			l.Notify(u)
		}
	})
}
