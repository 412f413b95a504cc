// Package todo runs asynchronous event reactors: each processor owns one
// worker goroutine that pulls events from its subscriptions sequentially,
// invokes the handler, and appends any events the handler emits. Handler
// failures are logged, never propagated; the processor stays alive.
// Only events published while the processor is subscribed reach it: nothing
// is replayed from the store when a processor starts, and an event whose
// handler failed is not redelivered.
package todo

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/idgen"
	"github.com/plaenen/grain/pkg/observability"
)

// Result is what a handler returns: events to append, an anomaly, or
// nothing. A nil *Result counts as nothing.
type Result struct {
	ResultEvents []*grain.Event
	Anomaly      *anomaly.Anomaly
}

// Handler processes one event. The context carries the event plus whatever
// the processor was configured with.
type Handler func(ctx context.Context, gctx *grain.Context) *Result

// Config configures a processor.
type Config struct {
	// Name identifies the processor in logs and metrics. Defaults to a
	// generated id.
	Name string

	PubSub     grain.PubSub
	EventStore grain.EventStore

	// Topics to subscribe to; one subscription each.
	Topics []string

	Handler Handler

	// Context is the base handler context; the processor attaches each
	// event to a copy of it.
	Context *grain.Context

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Processor is a running reactor.
type Processor struct {
	name    string
	subs    []grain.Subscription
	handler Handler
	store   grain.EventStore
	base    *grain.Context
	logger  *slog.Logger
	metrics *observability.Metrics

	merged  chan *grain.Event
	forward sync.WaitGroup
	worker  sync.WaitGroup

	stopOnce sync.Once
}

// Start subscribes to the topics and launches the worker. Events from one
// subscription are handled in publish order; interleaving across topics is
// not coordinated.
func Start(cfg Config) (*Processor, error) {
	if cfg.Handler == nil {
		return nil, anomaly.New(anomaly.Incorrect, "todo processor needs a handler")
	}
	if cfg.PubSub == nil {
		return nil, anomaly.New(anomaly.Incorrect, "todo processor needs a pubsub")
	}
	name := cfg.Name
	if name == "" {
		name = "todo-" + idgen.MustSortableID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.Context
	if base == nil {
		base = &grain.Context{}
	}

	p := &Processor{
		name:    name,
		handler: cfg.Handler,
		store:   cfg.EventStore,
		base:    base,
		logger:  logger.With(slog.String("processor", name)),
		metrics: cfg.Metrics,
		merged:  make(chan *grain.Event),
	}

	for _, topic := range cfg.Topics {
		sub, err := cfg.PubSub.Subscribe(topic)
		if err != nil {
			for _, s := range p.subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		p.subs = append(p.subs, sub)
	}

	for _, sub := range p.subs {
		p.forward.Add(1)
		go func(sub grain.Subscription) {
			defer p.forward.Done()
			for e := range sub.Events() {
				p.merged <- e
			}
		}(sub)
	}

	// Close the merged queue once every subscription has ended, so the
	// worker drains and exits.
	go func() {
		p.forward.Wait()
		close(p.merged)
	}()

	p.worker.Add(1)
	go func() {
		defer p.worker.Done()
		for e := range p.merged {
			p.handle(e)
		}
	}()

	p.logger.Info("todo processor started", slog.Any("topics", cfg.Topics))
	return p, nil
}

func (p *Processor) handle(e *grain.Event) {
	ctx := context.Background()
	gctx := p.base.WithEvent(e)
	gctx.EventStore = p.store

	res, panicked := p.invoke(ctx, gctx)
	failed := panicked

	switch {
	case panicked:
		// Already logged with the stack.
	case res == nil || (res.Anomaly == nil && len(res.ResultEvents) == 0):
		p.logger.Debug("event handled",
			slog.String("event_id", e.ID),
			slog.String("event_type", e.Type),
		)
	case res.Anomaly != nil:
		failed = true
		p.logger.Error("handler returned anomaly",
			slog.String("event_id", e.ID),
			slog.String("event_type", e.Type),
			slog.String("category", string(res.Anomaly.Category)),
			slog.String("message", res.Anomaly.Message),
		)
	default:
		if p.store == nil {
			failed = true
			p.logger.Error("handler emitted events but processor has no event store",
				slog.String("event_id", e.ID))
			break
		}
		if _, err := p.store.Append(ctx, res.ResultEvents); err != nil {
			failed = true
			p.logger.Error("Error storing events.",
				slog.String("event_id", e.ID),
				slog.String("error", err.Error()),
			)
		} else {
			p.logger.Debug("event handled",
				slog.String("event_id", e.ID),
				slog.String("event_type", e.Type),
				slog.Int("result_events", len(res.ResultEvents)),
			)
		}
	}

	p.metrics.RecordTodo(ctx, p.name, failed)
}

func (p *Processor) invoke(ctx context.Context, gctx *grain.Context) (res *Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			p.logger.Error("handler panicked",
				slog.String("event_id", gctx.Event.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	return p.handler(ctx, gctx), false
}

// Name returns the processor's name.
func (p *Processor) Name() string {
	return p.name
}

// Stop unsubscribes, waits for the in-flight handler invocation to finish,
// and joins the worker. Safe to call multiple times.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		for _, sub := range p.subs {
			_ = sub.Unsubscribe()
		}
		p.worker.Wait()
		p.logger.Info("todo processor stopped")
	})
}
