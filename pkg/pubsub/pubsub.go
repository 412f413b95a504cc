// Package pubsub is the in-process topic fan-out bus: bounded per-subscriber
// queues, blocking publish, nothing dropped. The bus chooses latency over
// loss; a slow subscriber slows every publisher of its topic.
package pubsub

import (
	"context"
	"sync"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/idgen"
)

// DefaultBuffer is the capacity of each subscription queue.
const DefaultBuffer = 1024

// Config configures a channel bus.
type Config struct {
	// TopicFn derives the topic of a published event. Defaults to the
	// event type.
	TopicFn grain.TopicFn

	// Buffer is the per-subscription queue capacity. Defaults to
	// DefaultBuffer.
	Buffer int
}

// Bus is the channel-based grain.PubSub implementation.
type Bus struct {
	topicFn grain.TopicFn
	buffer  int

	mu     sync.RWMutex
	topics map[string]map[string]*subscription
	closed bool
}

// New creates a channel bus.
func New(cfg Config) *Bus {
	if cfg.TopicFn == nil {
		cfg.TopicFn = grain.TopicByType
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	return &Bus{
		topicFn: cfg.TopicFn,
		buffer:  cfg.Buffer,
		topics:  make(map[string]map[string]*subscription),
	}
}

// Subscribe creates a bounded subscription to topic.
func (b *Bus) Subscribe(topic string) (grain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, anomaly.New(anomaly.Unavailable, "pubsub is closed")
	}
	s := &subscription{
		bus:   b,
		id:    idgen.MustSortableID(),
		topic: topic,
		ch:    make(chan *grain.Event, b.buffer),
		done:  make(chan struct{}),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*subscription)
	}
	b.topics[topic][s.id] = s
	return s, nil
}

// Publish delivers the event to every subscription of its topic, blocking
// until each accepts it. Returns an interrupted anomaly when ctx is done
// before every delivery completed; deliveries already made are not undone.
func (b *Bus) Publish(ctx context.Context, event *grain.Event) error {
	topic := b.topicFn(event)

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close unsubscribes everything. Subsequent Subscribe calls fail;
// Publish becomes a no-op fan-out to zero subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.topics {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.topics = make(map[string]map[string]*subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.shutdown()
	}
	return nil
}

type subscription struct {
	bus   *Bus
	id    string
	topic string
	ch    chan *grain.Event
	done  chan struct{}

	mu      sync.Mutex
	senders sync.WaitGroup
	closed  bool
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Events() <-chan *grain.Event { return s.ch }

// send enqueues one event, blocking while the queue is full. The senders
// group lets shutdown close the channel only after every in-flight send has
// returned.
func (s *subscription) send(ctx context.Context, event *grain.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()

	select {
	case s.ch <- event:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return anomaly.Newf(anomaly.Interrupted, "publish interrupted: %v", ctx.Err())
	}
}

// Unsubscribe removes the subscription from the bus and closes its channel.
// Buffered events remain readable until drained. Idempotent.
func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if subs, ok := s.bus.topics[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mu.Unlock()

	s.shutdown()
	return nil
}

func (s *subscription) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.senders.Wait()
	close(s.ch)
}
