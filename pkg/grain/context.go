package grain

import (
	"log/slog"

	"github.com/plaenen/grain/pkg/observability"
)

// Context is the structured value threaded through command, query and todo
// handlers. Well-known collaborators have typed fields; anything
// application-specific travels in Additional.
type Context struct {
	// Exactly one of Command, Query or Event is set depending on which
	// processor built the context.
	Command *Command
	Query   *Query
	Event   *Event

	// Registry overrides. Nil falls back to the process-wide defaults.
	Commands *CommandRegistry
	Queries  *QueryRegistry

	EventStore EventStore
	PubSub     PubSub

	// SkipEventStorage makes ProcessCommand return emitted events without
	// appending them, so a parent handler can aggregate a child's events
	// and own the single atomic append.
	SkipEventStorage bool

	// Additional carries transport-layer context such as the authenticated
	// identity.
	Additional map[string]any

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// WithCommand returns a shallow copy carrying cmd.
func (c *Context) WithCommand(cmd *Command) *Context {
	child := *c
	child.Command = cmd
	child.Query = nil
	child.Event = nil
	return &child
}

// WithQuery returns a shallow copy carrying q.
func (c *Context) WithQuery(q *Query) *Context {
	child := *c
	child.Query = q
	child.Command = nil
	child.Event = nil
	return &child
}

// WithEvent returns a shallow copy carrying e.
func (c *Context) WithEvent(e *Event) *Context {
	child := *c
	child.Event = e
	child.Command = nil
	child.Query = nil
	return &child
}

func (c *Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Context) commands() *CommandRegistry {
	if c.Commands != nil {
		return c.Commands
	}
	return DefaultCommands
}

func (c *Context) queries() *QueryRegistry {
	if c.Queries != nil {
		return c.Queries
	}
	return DefaultQueries
}
