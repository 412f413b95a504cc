// Package store opens event-store backends from configuration. The
// contracts live in pkg/grain; the backends live in the subpackages.
package store

import (
	"fmt"
	"log/slog"

	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/observability"
	"github.com/plaenen/grain/pkg/pubsub"
	"github.com/plaenen/grain/pkg/schema"
	"github.com/plaenen/grain/pkg/store/memory"
	"github.com/plaenen/grain/pkg/store/postgres"
	"github.com/plaenen/grain/pkg/store/sqlite"
)

// Backend names accepted in ConnConfig.Type.
const (
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// ConnConfig selects and configures a backend.
type ConnConfig struct {
	Type string `yaml:"type"`

	// DSN is the sqlite data source (file path or ":memory:").
	DSN string `yaml:"dsn"`

	// ConnString is the postgres connection string.
	ConnString string `yaml:"conn_string"`
}

// Config configures an event store. A nil PubSub gets a fresh channel bus
// owned (and closed) by the store.
type Config struct {
	Conn    ConnConfig
	PubSub  grain.PubSub
	Schemas *schema.Registry
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Open starts the configured backend.
func Open(cfg Config) (grain.EventStore, error) {
	bus := cfg.PubSub
	ownBus := false
	if bus == nil {
		bus = pubsub.New(pubsub.Config{})
		ownBus = true
	}
	validate := grain.RegistryValidator(cfg.Schemas)

	var (
		es  grain.EventStore
		err error
	)
	switch cfg.Conn.Type {
	case TypeMemory, "":
		es = memory.New(memory.Config{
			PubSub:   bus,
			Validate: validate,
			Logger:   cfg.Logger,
			Metrics:  cfg.Metrics,
		})
	case TypeSQLite:
		es, err = sqlite.Open(sqlite.Config{
			PubSub:   bus,
			Validate: validate,
			Logger:   cfg.Logger,
			Metrics:  cfg.Metrics,
		}, sqlite.WithDSN(cfg.Conn.DSN))
	case TypePostgres:
		es, err = postgres.Open(postgres.Config{
			ConnString: cfg.Conn.ConnString,
			PubSub:     bus,
			Validate:   validate,
			Logger:     cfg.Logger,
			Metrics:    cfg.Metrics,
		})
	default:
		err = fmt.Errorf("unknown event store type: %q", cfg.Conn.Type)
	}
	if err != nil {
		if ownBus {
			_ = bus.Close()
		}
		return nil, err
	}
	if ownBus {
		return &busOwningStore{EventStore: es, bus: bus}, nil
	}
	return es, nil
}

// busOwningStore closes the bus it created together with the store, so
// outstanding subscribers observe end-of-stream on stop.
type busOwningStore struct {
	grain.EventStore
	bus grain.PubSub
}

func (s *busOwningStore) Close() error {
	err := s.EventStore.Close()
	if berr := s.bus.Close(); err == nil {
		err = berr
	}
	return err
}
