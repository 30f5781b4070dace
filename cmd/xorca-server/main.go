// The xorca-server binary runs the orchestration router behind the HTTP
// ingress. Machine definitions are Go values compiled into the binary; this
// build registers the summary workflow.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/xorca/xorca/internal/config"
	"github.com/xorca/xorca/internal/ingress"
	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/machine/machinetest"
	"github.com/xorca/xorca/pkg/publish"
	"github.com/xorca/xorca/pkg/router"
	"github.com/xorca/xorca/pkg/store"
	"github.com/xorca/xorca/pkg/store/boltstore"
	"github.com/xorca/xorca/pkg/store/pgstore"
	"github.com/xorca/xorca/pkg/store/redisstore"
	"github.com/xorca/xorca/pkg/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("XORCA_CONFIG"), "path to the yaml configuration")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("store init failed")
	}
	defer closeStore()

	pub, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Publisher.Backend).Msg("publisher init failed")
	}
	if pub != nil {
		defer pub.Close()
	}

	rt, err := router.New(router.Config{
		Name:                           cfg.Router.Name,
		Machines:                       registry(),
		Store:                          st,
		Retrier:                        store.LockRetrier{Timeout: cfg.LockTimeout(), Delay: cfg.LockDelay()},
		LockMode:                       cfg.LockMode(),
		ErrorOnNotFound:                cfg.Router.ErrorOnNotFound,
		RaiseOnInvalidOrchestratorName: cfg.Router.RaiseOnInvalidOrchestratorName,
		Middleware:                     nil,
		Logger:                         logger,
		Tracer:                         telemetry.NewOTelTracer("xorca-server"),
		Metrics:                        telemetry.NewMetrics(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("router init failed")
	}

	srv, err := ingress.New(ingress.Options{
		Port:      cfg.Server.Port,
		Router:    rt,
		Store:     st,
		Publisher: pub,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("ingress init failed")
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received")

		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
	}()

	logger.Info().
		Str("orchestrator", rt.Name()).
		Strs("versions", rt.Versions()).
		Str("store", cfg.Store.Backend).
		Str("publisher", cfg.Publisher.Backend).
		Str("env", cfg.Server.Env).
		Msg("xorca server starting")

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}

// registry lists the machine versions this binary orchestrates.
func registry() []*machine.Machine {
	return []*machine.Machine{
		machinetest.Summary(),
		machinetest.SummaryV2(),
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.LockableStore, func(), error) {
	noop := func() {}

	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), noop, nil

	case "redis":
		prefix := cfg.Store.Redis.Prefix
		if prefix != "" && !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		rs, err := redisstore.Open(redisstore.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.RedisPassword(),
			DB:       cfg.Store.Redis.DB,
			Prefix:   prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil

	case "bolt":
		bs, err := boltstore.Open(boltstore.Options{Path: cfg.Store.Bolt.Path})
		if err != nil {
			return nil, nil, err
		}
		return bs, func() { bs.Close() }, nil

	case "postgres":
		ps, err := pgstore.Open(cfg.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			ps.Close()
			return nil, nil, err
		}
		return ps, func() { ps.Close() }, nil
	}
	// Validate already rejected anything else.
	return store.NewMemoryStore(), noop, nil
}

func openPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (publish.Publisher, error) {
	switch cfg.Publisher.Backend {
	case "none":
		return nil, nil
	case "memory":
		return publish.NewMemoryBus(logger), nil
	case "pubsub":
		return publish.NewPubSub(ctx, cfg.Publisher.PubSub.Project, cfg.Publisher.PubSub.Topic, logger)
	case "webhook":
		return publish.NewWebhook(publish.WebhookOptions{
			URL:     cfg.Publisher.Webhook.URL,
			Secret:  cfg.WebhookSecret(),
			Workers: cfg.Publisher.Webhook.Workers,
		}, logger)
	}
	return nil, nil
}
