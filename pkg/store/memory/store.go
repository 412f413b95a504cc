// Package memory is the reference event-store backend: a slice log with
// tag posting lists, guarded by one lock. It defines the behaviour the
// durable backends must match.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/observability"
)

// Config configures an in-memory store.
type Config struct {
	PubSub   grain.PubSub
	Validate grain.Validator
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Store is the in-memory grain.EventStore.
type Store struct {
	pubsub   grain.PubSub
	validate grain.Validator
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu     sync.RWMutex
	log    []*grain.Event
	byID   map[string]struct{}
	tags   map[grain.Tag][]int // posting lists of log indexes, ascending
	lastID string
	closed bool
}

// New creates an empty store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pubsub:   cfg.PubSub,
		validate: cfg.Validate,
		logger:   logger,
		metrics:  cfg.Metrics,
		byID:     make(map[string]struct{}),
		tags:     make(map[grain.Tag][]int),
	}
}

// Append validates, stamps and appends the batch plus its transaction
// marker under the write lock, publishing each appended event before the
// lock is released. Atomic visibility: readers see the whole batch or none
// of it.
func (s *Store) Append(ctx context.Context, events []*grain.Event) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, anomaly.New(anomaly.Unavailable, "event store is closed")
	}

	batch, ids, newLast, err := grain.StampBatch(events, s.lastID, s.validate)
	if err != nil {
		return nil, err
	}
	for _, e := range batch {
		if _, dup := s.byID[e.ID]; dup {
			return nil, anomaly.Newf(anomaly.Conflict, "event id %s already appended", e.ID)
		}
	}

	for _, e := range batch {
		idx := len(s.log)
		s.log = append(s.log, e)
		s.byID[e.ID] = struct{}{}
		for _, tag := range e.Tags {
			s.tags[tag] = append(s.tags[tag], idx)
		}
	}
	s.lastID = newLast
	s.metrics.RecordAppend(ctx, len(events))

	// Fan out while still holding the lock: a subscriber observing an
	// event may assume it is durable in the log.
	if s.pubsub != nil {
		for _, e := range batch {
			if err := s.pubsub.Publish(ctx, e); err != nil {
				s.logger.ErrorContext(ctx, "publish failed",
					slog.String("event_id", e.ID),
					slog.String("error", err.Error()),
				)
				return ids, err
			}
		}
	}
	return ids, nil
}

// Read returns matching events in ascending identifier order. With no
// filters everything is returned, transaction markers included.
func (s *Store) Read(ctx context.Context, q grain.ReadQuery) ([]*grain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, anomaly.New(anomaly.Unavailable, "event store is closed")
	}

	var out []*grain.Event
	scan := func(e *grain.Event) bool {
		if !q.Matches(e) {
			return true
		}
		out = append(out, e)
		return q.Limit == 0 || len(out) < q.Limit
	}

	if len(q.Tags) > 0 {
		for _, idx := range s.intersectTags(q.Tags) {
			if !scan(s.log[idx]) {
				break
			}
		}
		return out, nil
	}

	for _, e := range s.log {
		if !scan(e) {
			break
		}
	}
	return out, nil
}

// intersectTags ANDs the posting lists: only indexes present in every list
// survive. Lists are ascending, so the result is ascending too.
func (s *Store) intersectTags(tags []grain.Tag) []int {
	result := s.tags[tags[0]]
	for _, tag := range tags[1:] {
		if len(result) == 0 {
			return nil
		}
		next := s.tags[tag]
		result = intersect(result, next)
	}
	return result
}

func intersect(a, b []int) []int {
	var out []int
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

// Close marks the store closed. The bus is owned by whoever created it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
