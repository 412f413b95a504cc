package grain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/schema"
)

// Command is a transient intent to change state. Name identifies the
// handler ("ns/name"); ID and Timestamp are stamped at the transport
// boundary. Commands are never persisted.
type Command struct {
	Name      string
	ID        string
	Timestamp time.Time
	Payload   map[string]any
}

// CommandResult is the outcome of processing a command: either emitted
// events plus an optional result value, or an anomaly.
type CommandResult struct {
	EmittedEvents []*Event
	Result        any
	Anomaly       *anomaly.Anomaly
}

// CommandError wraps an anomaly as a failed result.
func CommandError(a *anomaly.Anomaly) *CommandResult {
	return &CommandResult{Anomaly: a}
}

// OK reports whether the result is a success.
func (r *CommandResult) OK() bool {
	return r != nil && r.Anomaly == nil
}

// CommandHandler processes a validated command. It receives the full
// processor context so it can read projections, invoke child commands, or
// inspect the transport's additional context.
type CommandHandler func(ctx context.Context, gctx *Context) *CommandResult

// CommandRegistration declares a named command: its handler, the schema its
// payload is validated against (nil to skip payload validation), and
// free-form options.
type CommandRegistration struct {
	Name    string
	Handler CommandHandler
	Schema  schema.Schema
	Opts    map[string]any
}

// CommandRegistry maps command names to registrations. Populated at
// startup, read concurrently thereafter; late registration is safe but not
// expected.
type CommandRegistry struct {
	mu      sync.RWMutex
	entries map[string]CommandRegistration
}

// NewCommandRegistry creates a registry from a declarative list of
// registrations.
func NewCommandRegistry(regs ...CommandRegistration) *CommandRegistry {
	r := &CommandRegistry{entries: make(map[string]CommandRegistration)}
	for _, reg := range regs {
		r.Register(reg)
	}
	return r
}

// Register adds a registration. Registering the same name twice panics, as
// it always indicates a wiring mistake.
func (r *CommandRegistry) Register(reg CommandRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[reg.Name]; exists {
		panic(fmt.Sprintf("command already registered: %s", reg.Name))
	}
	r.entries[reg.Name] = reg
}

// Lookup returns the registration for name.
func (r *CommandRegistry) Lookup(name string) (CommandRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

// Names returns the registered command names, sorted.
func (r *CommandRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultCommands is the process-wide command registry used when the
// context does not carry one.
var DefaultCommands = NewCommandRegistry()
