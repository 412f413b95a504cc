// Command grain runs the Grain runtime as a server: event store, pub/sub
// bus, snapshot store and the Transit HTTP boundary, managed by the runner.
// Applications register commands and queries into the default registries
// (or embed the packages directly) before serving.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/kv"
	"github.com/plaenen/grain/pkg/pubsub"
	pubsubnats "github.com/plaenen/grain/pkg/pubsub/nats"
	"github.com/plaenen/grain/pkg/runner"
	"github.com/plaenen/grain/pkg/store"
	"github.com/plaenen/grain/pkg/transport"
)

type config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Store struct {
		Conn store.ConnConfig `yaml:",inline"`
	} `yaml:"store"`
	PubSub struct {
		Type   string `yaml:"type"`
		Buffer int    `yaml:"buffer"`
		URL    string `yaml:"url"`
	} `yaml:"pubsub"`
	KV kv.BoltConfig `yaml:"kv"`
}

func defaultConfig() config {
	var cfg config
	cfg.HTTP.Addr = ":8080"
	cfg.Store.Conn.Type = store.TypeMemory
	cfg.PubSub.Type = "channel"
	return cfg
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	root := &cobra.Command{
		Use:   "grain",
		Short: "CQRS + event sourcing runtime",
	}
	root.AddCommand(serveCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the command and query endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var bus grain.PubSub
	switch cfg.PubSub.Type {
	case "nats":
		natsCfg := pubsubnats.DefaultConfig()
		if cfg.PubSub.URL != "" {
			natsCfg.URL = cfg.PubSub.URL
		}
		if cfg.PubSub.Buffer > 0 {
			natsCfg.Buffer = cfg.PubSub.Buffer
		}
		natsBus, err := pubsubnats.New(natsCfg)
		if err != nil {
			return err
		}
		bus = natsBus
	case "channel", "":
		bus = pubsub.New(pubsub.Config{Buffer: cfg.PubSub.Buffer})
	default:
		return fmt.Errorf("unknown pubsub type: %q", cfg.PubSub.Type)
	}

	eventStore, err := store.Open(store.Config{
		Conn:   cfg.Store.Conn,
		PubSub: bus,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var cache kv.Store
	if cfg.KV.StorageDir != "" {
		cache, err = kv.OpenBolt(cfg.KV)
		if err != nil {
			return err
		}
	} else {
		cache = kv.NewMemory()
	}

	httpHandler := transport.NewHandler(transport.Config{
		Commands:   grain.DefaultCommands,
		Queries:    grain.DefaultQueries,
		EventStore: eventStore,
		PubSub:     bus,
		Logger:     logger,
	})

	services := []runner.Service{
		runner.ServiceFunc{
			ServiceName: "event-store",
			OnStop:      func(context.Context) error { return eventStore.Close() },
		},
		runner.ServiceFunc{
			ServiceName: "pubsub",
			OnStop:      func(context.Context) error { return bus.Close() },
		},
		runner.ServiceFunc{
			ServiceName: "snapshot-store",
			OnStop:      func(context.Context) error { return cache.Close() },
		},
		newHTTPService(cfg.HTTP.Addr, httpHandler, logger),
	}

	return runner.New(services, runner.WithLogger(logger)).Run(ctx)
}

// httpService runs the HTTP server as a runner.Service.
type httpService struct {
	addr    string
	server  *http.Server
	logger  *slog.Logger
	failure chan error
}

func newHTTPService(addr string, handler http.Handler, logger *slog.Logger) *httpService {
	return &httpService{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:  logger,
		failure: make(chan error, 1),
	}
}

func (s *httpService) Name() string { return "http" }

func (s *httpService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("http listening", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.failure <- err
		}
	}()
	return nil
}

func (s *httpService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *httpService) HealthCheck(ctx context.Context) error {
	select {
	case err := <-s.failure:
		return err
	default:
		return nil
	}
}
