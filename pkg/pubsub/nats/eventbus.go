// Package nats provides a NATS-backed grain.PubSub for multi-process
// deployments, plus an embedded server helper for tests and single-binary
// setups. Delivery follows NATS core semantics; the channel bus in
// pkg/pubsub is the in-process reference for the strict no-drop contract.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/idgen"
)

// Config configures the NATS bus.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// SubjectPrefix namespaces Grain subjects on a shared server.
	// Defaults to "grain.events".
	SubjectPrefix string

	// TopicFn derives the topic of a published event. Defaults to the
	// event type.
	TopicFn grain.TopicFn

	// Buffer is the per-subscription delivery queue capacity.
	Buffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "grain.events",
		Buffer:        1024,
	}
}

// Bus is the NATS implementation of grain.PubSub.
type Bus struct {
	nc      *nats.Conn
	prefix  string
	topicFn grain.TopicFn
	buffer  int

	mu   sync.Mutex
	subs map[string]*subscription
}

// New connects to NATS and returns a bus.
func New(cfg Config) (*Bus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "grain.events"
	}
	if cfg.TopicFn == nil {
		cfg.TopicFn = grain.TopicByType
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Bus{
		nc:      nc,
		prefix:  cfg.SubjectPrefix,
		topicFn: cfg.TopicFn,
		buffer:  cfg.Buffer,
		subs:    make(map[string]*subscription),
	}, nil
}

// subjectFor maps a Grain topic to a NATS subject. Slashes in type names
// become dots, the NATS token separator.
func (b *Bus) subjectFor(topic string) string {
	return b.prefix + "." + strings.ReplaceAll(topic, "/", ".")
}

// Publish sends the event to its topic subject as JSON.
func (b *Bus) Publish(ctx context.Context, event *grain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return anomaly.Newf(anomaly.Fault, "failed to serialize event %s: %v", event.ID, err)
	}
	if err := b.nc.Publish(b.subjectFor(b.topicFn(event)), data); err != nil {
		return anomaly.Newf(anomaly.Unavailable, "failed to publish event %s: %v", event.ID, err)
	}
	return nil
}

// Subscribe creates a subscription to topic, pumping decoded events into a
// bounded channel.
func (b *Bus) Subscribe(topic string) (grain.Subscription, error) {
	s := &subscription{
		bus:   b,
		id:    idgen.MustSortableID(),
		topic: topic,
		ch:    make(chan *grain.Event, b.buffer),
		done:  make(chan struct{}),
	}

	natsSub, err := b.nc.Subscribe(b.subjectFor(topic), func(msg *nats.Msg) {
		var event grain.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		s.deliver(&event)
	})
	if err != nil {
		return nil, anomaly.Newf(anomaly.Unavailable, "failed to subscribe to %s: %v", topic, err)
	}
	s.natsSub = natsSub

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s, nil
}

// Close unsubscribes everything and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	b.nc.Close()
	return nil
}

type subscription struct {
	bus     *Bus
	id      string
	topic   string
	ch      chan *grain.Event
	done    chan struct{}
	natsSub *nats.Subscription

	mu      sync.Mutex
	senders sync.WaitGroup
	closed  bool
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Events() <-chan *grain.Event { return s.ch }

func (s *subscription) deliver(event *grain.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()

	select {
	case s.ch <- event:
	case <-s.done:
	}
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
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

	if s.natsSub != nil {
		_ = s.natsSub.Unsubscribe()
	}
	close(s.done)
	s.senders.Wait()
	close(s.ch)
}
