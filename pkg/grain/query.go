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

// Query is a transient request for data, shaped like a command.
type Query struct {
	Name      string
	ID        string
	Timestamp time.Time
	Payload   map[string]any
}

// QueryResult is the outcome of processing a query: a result value or an
// anomaly.
type QueryResult struct {
	Result  any
	Anomaly *anomaly.Anomaly
}

// QueryError wraps an anomaly as a failed result.
func QueryError(a *anomaly.Anomaly) *QueryResult {
	return &QueryResult{Anomaly: a}
}

// OK reports whether the result is a success.
func (r *QueryResult) OK() bool {
	return r != nil && r.Anomaly == nil
}

// QueryHandler serves a validated query. Handlers must be pure with respect
// to the event store: they read, typically through a projection, and never
// append.
type QueryHandler func(ctx context.Context, gctx *Context) *QueryResult

// QueryRegistration declares a named query.
type QueryRegistration struct {
	Name    string
	Handler QueryHandler
	Schema  schema.Schema
	Opts    map[string]any
}

// QueryRegistry maps query names to registrations.
type QueryRegistry struct {
	mu      sync.RWMutex
	entries map[string]QueryRegistration
}

// NewQueryRegistry creates a registry from a declarative list of
// registrations.
func NewQueryRegistry(regs ...QueryRegistration) *QueryRegistry {
	r := &QueryRegistry{entries: make(map[string]QueryRegistration)}
	for _, reg := range regs {
		r.Register(reg)
	}
	return r
}

// Register adds a registration. Registering the same name twice panics.
func (r *QueryRegistry) Register(reg QueryRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[reg.Name]; exists {
		panic(fmt.Sprintf("query already registered: %s", reg.Name))
	}
	r.entries[reg.Name] = reg
}

// Lookup returns the registration for name.
func (r *QueryRegistry) Lookup(name string) (QueryRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

// Names returns the registered query names, sorted.
func (r *QueryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultQueries is the process-wide query registry used when the context
// does not carry one.
var DefaultQueries = NewQueryRegistry()
