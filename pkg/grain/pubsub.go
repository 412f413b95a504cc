package grain

import "context"

// PubSub is the topic fan-out bus the event store publishes into. Publish
// blocks until every subscription whose topic matches has accepted the
// message; a slow subscriber slows the publisher but never causes loss.
type PubSub interface {
	// Publish delivers the event to every subscription of its topic.
	// Blocks on full subscriber queues; respects ctx cancellation.
	Publish(ctx context.Context, event *Event) error

	// Subscribe creates a subscription to one topic, backed by a bounded
	// queue owned by the caller.
	Subscribe(topic string) (Subscription, error)

	// Close releases all subscriptions; their channels are closed.
	Close() error
}

// Subscription is one bounded queue of events for a single topic. The
// Events channel is closed on Unsubscribe (after buffered events can still
// be drained) and when the bus shuts down.
type Subscription interface {
	Topic() string
	Events() <-chan *Event
	Unsubscribe() error
}

// TopicFn derives the pub/sub topic of an event. The default is the event
// type.
type TopicFn func(*Event) string

// TopicByType is the default topic function.
func TopicByType(e *Event) string {
	return e.Type
}
