// Package sqlite is the embedded durable event-store backend, built on the
// pure Go SQLite driver. ACID persistence with no CGo dependency.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/observability"
)

// Config carries the store's collaborators.
type Config struct {
	PubSub   grain.PubSub
	Validate grain.Validator
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

type storeConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "grain.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
	}
}

// Option configures the SQLite store.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *storeConfig) {
		if dsn != "" {
			c.dsn = dsn
		}
	}
}

// WithMemoryDatabase uses an in-memory database.
func WithMemoryDatabase() Option {
	return func(c *storeConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the connection pool ceiling.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the idle connection count.
func WithMaxIdleConns(n int) Option {
	return func(c *storeConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode toggles write-ahead logging. Not applicable to :memory:
// databases.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) {
		c.walMode = enabled
	}
}

// Store is the SQLite grain.EventStore.
type Store struct {
	db       *sql.DB
	pubsub   grain.PubSub
	validate grain.Validator
	logger   *slog.Logger
	metrics  *observability.Metrics

	// mu serializes the append path: identifier assignment, the insert
	// transaction and the publish fan-out form one critical section.
	mu     sync.Mutex
	lastID string
}

var decMode cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Open opens (creating if needed) a SQLite-backed store.
func Open(cfg Config, opts ...Option) (*Store, error) {
	sc := defaultStoreConfig()
	for _, opt := range opts {
		opt(&sc)
	}

	db, err := sql.Open("sqlite", sc.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A :memory: database exists per connection; the pool must not grow
	// past one or connections see different databases.
	if sc.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(sc.maxOpenConns)
		db.SetMaxIdleConns(sc.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if sc.walMode && sc.dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	var lastID string
	if err := db.QueryRow("SELECT COALESCE(MAX(id), '') FROM events").Scan(&lastID); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover last event id: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       db,
		pubsub:   cfg.PubSub,
		validate: cfg.Validate,
		logger:   logger,
		metrics:  cfg.Metrics,
		lastID:   lastID,
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id   TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			ts   INTEGER NOT NULL,
			body BLOB
		);
		CREATE TABLE IF NOT EXISTS event_tags (
			event_id TEXT NOT NULL,
			kind     TEXT NOT NULL,
			value    TEXT NOT NULL,
			PRIMARY KEY (event_id, kind, value)
		);
		CREATE INDEX IF NOT EXISTS idx_event_tags_kv
			ON event_tags (kind, value, event_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Append implements grain.EventStore.
func (s *Store) Append(ctx context.Context, events []*grain.Event) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ids, newLast, err := grain.StampBatch(events, s.lastID, s.validate)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, anomaly.Newf(anomaly.Fault, "failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	for _, e := range batch {
		body, err := cbor.Marshal(e.Body)
		if err != nil {
			return nil, anomaly.Newf(anomaly.Fault, "failed to encode event body: %v", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO events (id, type, ts, body) VALUES (?, ?, ?, ?)",
			e.ID, e.Type, e.Timestamp.UnixNano(), body,
		); err != nil {
			return nil, anomaly.Newf(anomaly.Fault, "failed to insert event %s: %v", e.ID, err)
		}
		for _, tag := range e.Tags {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO event_tags (event_id, kind, value) VALUES (?, ?, ?)",
				e.ID, tag.Kind, tag.Value,
			); err != nil {
				return nil, anomaly.Newf(anomaly.Fault, "failed to insert tag: %v", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, anomaly.Newf(anomaly.Fault, "failed to commit: %v", err)
	}
	s.lastID = newLast
	s.metrics.RecordAppend(ctx, len(events))

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

// Read implements grain.EventStore.
func (s *Store) Read(ctx context.Context, q grain.ReadQuery) ([]*grain.Event, error) {
	var (
		conds []string
		args  []any
	)
	if len(q.Types) > 0 {
		placeholders := strings.Repeat("?,", len(q.Types))
		conds = append(conds, fmt.Sprintf("e.type IN (%s)", placeholders[:len(placeholders)-1]))
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	for _, tag := range q.Tags {
		conds = append(conds,
			"EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = e.id AND t.kind = ? AND t.value = ?)")
		args = append(args, tag.Kind, tag.Value)
	}
	if q.After != "" {
		conds = append(conds, "e.id > ?")
		args = append(args, q.After)
	}
	if q.Before != "" {
		conds = append(conds, "e.id <= ?")
		args = append(args, q.Before)
	}

	sqlText := "SELECT e.id, e.type, e.ts, e.body FROM events e"
	if len(conds) > 0 {
		sqlText += " WHERE " + strings.Join(conds, " AND ")
	}
	sqlText += " ORDER BY e.id ASC"
	if q.Limit > 0 {
		sqlText += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, anomaly.Newf(anomaly.Fault, "failed to read events: %v", err)
	}
	defer rows.Close()

	var events []*grain.Event
	for rows.Next() {
		var (
			e    grain.Event
			ts   int64
			body []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &ts, &body); err != nil {
			return nil, anomaly.Newf(anomaly.Fault, "failed to scan event: %v", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		if len(body) > 0 {
			if err := decMode.Unmarshal(body, &e.Body); err != nil {
				return nil, anomaly.Newf(anomaly.Fault, "failed to decode event body: %v", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, anomaly.Newf(anomaly.Fault, "failed to read events: %v", err)
	}

	if err := s.loadTags(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) loadTags(ctx context.Context, events []*grain.Event) error {
	if len(events) == 0 {
		return nil
	}
	byID := make(map[string]*grain.Event, len(events))
	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events))
	for _, e := range events {
		byID[e.ID] = e
		placeholders = append(placeholders, "?")
		args = append(args, e.ID)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT event_id, kind, value FROM event_tags WHERE event_id IN (%s) ORDER BY event_id",
			strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return anomaly.Newf(anomaly.Fault, "failed to read tags: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, kind, value string
		if err := rows.Scan(&id, &kind, &value); err != nil {
			return anomaly.Newf(anomaly.Fault, "failed to scan tag: %v", err)
		}
		e := byID[id]
		e.Tags = append(e.Tags, grain.Tag{Kind: kind, Value: value})
	}
	return rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
