// Command chatstream runs the chat backend: it loads configuration, builds
// the provider clients and model catalog, and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roblevine/chatstream/config"
	"github.com/roblevine/chatstream/llm"
	"github.com/roblevine/chatstream/llm/anthropic"
	"github.com/roblevine/chatstream/llm/openai"
	"github.com/roblevine/chatstream/observability"
	"github.com/roblevine/chatstream/server"
	"github.com/roblevine/chatstream/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Printf("[Main] fatal: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	hooks := &observability.Hooks{
		Logf: func(ctx context.Context, level, msg string, fields map[string]any) {
			log.Printf("[%s] %s %v", level, msg, fields)
		},
	}

	catalog, err := buildCatalog(cfg, hooks)
	if err != nil {
		return err
	}

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Catalog:             catalog,
		Store:               st,
		Port:                cfg.Server.Port,
		ReadTimeout:         cfg.Server.ReadTimeout.Std(),
		MaxRequestBodyBytes: cfg.Server.MaxRequestBodyBytes,
		HeartbeatInterval:   cfg.Server.HeartbeatInterval.Std(),
		Hooks:               hooks,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func buildCatalog(cfg *config.Config, hooks *observability.Hooks) (*llm.Catalog, error) {
	catalog := llm.NewCatalog(cfg.DefaultModel)
	for _, m := range cfg.Models {
		upstream := m.UpstreamModel
		if upstream == "" {
			upstream = m.ID
		}
		var (
			client llm.Client
			err    error
		)
		switch m.Provider {
		case "anthropic":
			p := cfg.Providers.Anthropic
			client, err = anthropic.NewClient(anthropic.Config{
				APIKey:      p.APIKey,
				Model:       upstream,
				BaseURL:     p.BaseURL,
				Temperature: p.Temperature,
				MaxTokens:   p.MaxTokens,
				Timeout:     p.Timeout.Std(),
				Hooks:       hooks,
			})
		case "openai":
			p := cfg.Providers.OpenAI
			client, err = openai.NewClient(openai.Config{
				APIKey:      p.APIKey,
				Model:       upstream,
				BaseURL:     p.BaseURL,
				Temperature: p.Temperature,
				MaxTokens:   p.MaxTokens,
				Timeout:     p.Timeout.Std(),
				Hooks:       hooks,
			})
		default:
			return nil, fmt.Errorf("model %q: unknown provider %q", m.ID, m.Provider)
		}
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", m.ID, err)
		}
		catalog.Register(m.ID, client)
		log.Printf("[Main] registered model %s (%s/%s)", m.ID, m.Provider, upstream)
	}
	return catalog, nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewInMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.Store.RedisAddr,
			DB:        cfg.Store.RedisDB,
			Namespace: cfg.Store.Namespace,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
