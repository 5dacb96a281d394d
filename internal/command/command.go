// Package command implements the mutating operations of isocore. Every
// command authenticates against the caller's capabilities, performs its
// writes inside one store transaction and describes the blast radius of the
// change as domain events.
package command

import (
	"context"
	"slices"

	"isocore/internal/blob"
	"isocore/internal/step"
	"isocore/pkg/domain"
)

// Capability is a permission granted to a principal.
type Capability string

// Capabilities checked by the built-in commands.
const (
	CapAdmin             Capability = "admin"
	CapManageInstruments Capability = "instruments:write"
	CapManageStandards   Capability = "standards:write"
	CapManageSamples     Capability = "samples:write"
	CapManageReplicates  Capability = "replicates:write"
	CapManageRawFiles    Capability = "raw_files:write"
	CapManageIntervals   Capability = "intervals:write"
	CapManageAnalyses    Capability = "analyses:write"
)

// Principal is the authenticated caller. Admin implies every capability.
type Principal struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Has reports whether the principal holds c.
func (p Principal) Has(c Capability) bool {
	return slices.Contains(p.Capabilities, CapAdmin) || slices.Contains(p.Capabilities, c)
}

// Admin returns a principal holding every capability.
func Admin(id string) Principal {
	return Principal{ID: id, Capabilities: []Capability{CapAdmin}}
}

// Command is one serializable mutating operation.
type Command interface {
	CommandName() string
	Authenticate(p Principal) bool
	// Execute performs the writes. Returning an error rolls back every write
	// and discards emitted events.
	Execute(ctx context.Context, tx domain.Transaction, fx *Effects) (any, error)
}

// Effects collects what a command wants to happen around its transaction.
type Effects struct {
	events      []domain.Event
	afterCommit []func(context.Context) error
	onAbort     []func(context.Context)

	blobs    blob.Store
	registry *step.Registry
}

// Emit queues events; they are published only if the transaction commits.
func (fx *Effects) Emit(events ...domain.Event) {
	fx.events = append(fx.events, events...)
}

// AfterCommit registers work that must only happen once the writes are
// durable, such as removing an archived file.
func (fx *Effects) AfterCommit(fn func(context.Context) error) {
	fx.afterCommit = append(fx.afterCommit, fn)
}

// OnAbort registers compensation for side effects performed outside the
// transaction.
func (fx *Effects) OnAbort(fn func(context.Context)) {
	fx.onAbort = append(fx.onAbort, fn)
}

// Events returns the events emitted so far.
func (fx *Effects) Events() []domain.Event {
	return append([]domain.Event(nil), fx.events...)
}

// Blobs returns the raw file archive, or nil when none is configured.
func (fx *Effects) Blobs() blob.Store { return fx.blobs }

// Registry returns the step registry used to validate analyses, or nil.
func (fx *Effects) Registry() *step.Registry { return fx.registry }

// Response is the outcome of one command.
type Response struct {
	Command       string         `json:"command"`
	CorrelationID string         `json:"correlation_id"`
	Status        domain.Status  `json:"status"`
	Events        []domain.Event `json:"events,omitempty"`
	Payload       any            `json:"payload,omitempty"`
	Result        domain.Result  `json:"result"`
	Err           error          `json:"-"`
	Message       string         `json:"message,omitempty"`
}

// OK reports whether the command committed.
func (r Response) OK() bool { return r.Status == domain.StatusOK }
