// Package main is the entrypoint for the talkmesh-go server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/components/api/invitations"
	"github.com/talkmesh/talkmesh-go/internal/components/events"
	"github.com/talkmesh/talkmesh-go/internal/components/federation"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/incoming"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/outgoing"
	"github.com/talkmesh/talkmesh-go/internal/components/identity"
	"github.com/talkmesh/talkmesh-go/internal/components/messagefmt"
	"github.com/talkmesh/talkmesh-go/internal/platform/cache"
	"github.com/talkmesh/talkmesh-go/internal/platform/config"
	"github.com/talkmesh/talkmesh-go/internal/platform/http/client"
	"github.com/talkmesh/talkmesh-go/internal/platform/http/server"
	"github.com/talkmesh/talkmesh-go/internal/store"

	// Register cache and store drivers
	_ "github.com/talkmesh/talkmesh-go/internal/platform/cache/loader"
	_ "github.com/talkmesh/talkmesh-go/internal/store/loader"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	publicOrigin := flag.String("public-origin", "", "Public origin (overrides config)")
	storeDriver := flag.String("store-driver", "", "Store driver: memory or sqlite (overrides config)")
	cacheDriver := flag.String("cache-driver", "", "Cache driver: memory or valkey (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	// Bootstrap logger for config loading errors (uses default level)
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		FlagOverrides: config.FlagOverrides{
			ListenAddr:   listenAddr,
			PublicOrigin: publicOrigin,
			StoreDriver:  storeDriver,
			CacheDriver:  cacheDriver,
			LogLevel:     logLevel,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Debug("effective configuration", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence
	driver, err := store.New(&store.DriverConfig{
		Driver:  cfg.Store.Driver,
		DataDir: cfg.Store.DataDir,
	})
	if err != nil {
		logger.Error("failed to create store driver", "error", err)
		os.Exit(1)
	}
	if err := driver.Init(ctx); err != nil {
		logger.Error("failed to initialize store", "driver", driver.Name(), "error", err)
		os.Exit(1)
	}
	defer driver.Close()
	logger.Info("store initialized", "driver", driver.Name())

	// Cache
	cacheName := cfg.Cache.Driver
	if cacheName == "" {
		cacheName = "memory"
	}
	cacheInstance, err := cache.New(cacheName, cfg.Cache.Options, logger)
	if err != nil {
		logger.Error("failed to create cache", "driver", cacheName, "error", err)
		os.Exit(1)
	}
	defer cacheInstance.Close()

	// Local users
	userAuth := identity.NewUserAuth()
	bootstrap := identity.NewBootstrap(driver.Users(), userAuth, logger)
	created, err := bootstrap.Run(ctx, cfg.Users)
	if err != nil {
		logger.Error("failed to bootstrap users", "error", err)
		os.Exit(1)
	}
	if created > 0 {
		logger.Info("bootstrapped users", "created", created)
	}

	// Federation pipeline: policy -> notifier -> manager -> inbound provider
	httpClient := client.New(&cfg.Outbound)
	policy := federation.NewRestrictionValidator(cfg, logger)
	notifier := outgoing.NewNotifier(cfg, httpClient, driver.Rooms(), driver.RetryNotifications(), policy, logger)
	dispatcher := events.NewLogDispatcher(logger)
	manager := federation.NewManager(driver, notifier, dispatcher, logger)
	provider := incoming.NewProvider(cfg, driver, manager, dispatcher, messagefmt.Passthrough{}, cacheInstance, logger)

	// Background retry sweep
	sweepInterval := time.Duration(cfg.Federation.RetrySweepSeconds) * time.Second
	worker := outgoing.NewWorker(notifier, sweepInterval, logger)
	go worker.Run(ctx)

	invitationsAPI := invitations.NewHandler(manager, driver, userAuth, logger)

	srv := server.New(cfg, logger, server.Handlers{
		Shares:        provider.HandleShares,
		Notifications: provider.HandleNotifications,
		Invitations:   invitationsAPI.Routes(),
	})

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
