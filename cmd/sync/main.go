package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chronicle/sync/internal/app"
	"chronicle/sync/internal/archive"
	"chronicle/sync/internal/auth"
	"chronicle/sync/internal/collab"
	"chronicle/sync/internal/config"
	"chronicle/sync/internal/presence"
	"chronicle/sync/internal/search"
	"chronicle/sync/internal/store"
	"chronicle/sync/internal/transport"
	"chronicle/sync/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("sync gateway stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("sync gateway shut down")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := upstream.New(cfg.APIURL, cfg.SyncToken, cfg.UpstreamTimeout)
	checks := map[string]app.Pinger{}
	notifySessions, err := cfg.NotifiesSessions()
	if err != nil {
		return err
	}

	var identity collab.IdentityService
	switch cfg.IdentityMode {
	case "api":
		identity = api
	case "token":
		identity = collab.NewTokenIdentity(auth.NewTokenVerifier(cfg.JWTSecret))
	case "jwt":
		identity = collab.NewTokenIdentity(auth.NewJWTVerifier(cfg.JWTSecret))
	default:
		return fmt.Errorf("unknown SYNC_IDENTITY_MODE %q", cfg.IdentityMode)
	}

	var pg *store.PostgresStore
	if cfg.UsesPostgres() {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		pg = store.NewPostgresStore(db)
		checks["postgres"] = pg
	}

	deps := collab.Collaborators{}
	if notifySessions {
		deps.Sessions = api
	}
	switch cfg.DocumentBackend {
	case "api":
		deps.Store = api
	case "postgres":
		deps.Store = pg
	default:
		return fmt.Errorf("unknown SYNC_DOCUMENT_BACKEND %q", cfg.DocumentBackend)
	}
	switch cfg.AuditBackend {
	case "api":
		deps.Audit = api
	case "postgres":
		deps.Audit = pg
	default:
		return fmt.Errorf("unknown SYNC_AUDIT_BACKEND %q", cfg.AuditBackend)
	}
	var presenceReader app.PresenceReader
	switch cfg.PresenceBackend {
	case "redis":
		redisStore, err := presence.NewRedisStore(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Presence = redisStore
		presenceReader = redisStore
		checks["redis"] = redisStore
	case "api":
		deps.Presence = api
	case "none", "":
	default:
		return fmt.Errorf("unknown SYNC_PRESENCE_BACKEND %q", cfg.PresenceBackend)
	}
	if cfg.UsesAPI() || notifySessions {
		checks["api"] = api
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		deps.Indexer = meili
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		snapshots, err := archive.NewMinioArchive(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("object storage setup failed: %w", err)
		}
		deps.Archive = snapshots
		checks["minio"] = snapshots
	}

	bridge := collab.NewBridge(deps, cfg.GCTombstones, cfg.UpstreamTimeout, logger)
	manager := collab.NewManager(bridge, collab.Options{
		PersistInterval: cfg.PersistInterval,
		EvictionGrace:   cfg.EvictionGrace,
		FetchTimeout:    cfg.FetchTimeout,
		EnforceWrite:    cfg.EnforceWrite,
	}, logger)
	registry := collab.NewRegistry(manager, bridge, collab.NewPresenceBroadcaster(bridge, logger), logger)
	authorizer := collab.NewAuthorizer(identity, cfg.UpstreamTimeout, logger)

	httpServer := app.NewHTTPServer(authorizer, registry, app.Options{
		CORSOrigin: cfg.CORSOrigin,
		Transport: transport.Options{
			SendBuffer:      cfg.SendBuffer,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
		Checks:   checks,
		Presence: presenceReader,
	}, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("sync gateway listening",
			"addr", cfg.Addr,
			"identity", cfg.IdentityMode,
			"document_backend", cfg.DocumentBackend,
			"audit_backend", cfg.AuditBackend,
			"presence_backend", cfg.PresenceBackend,
			"session_notify", notifySessions,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", "active_connections", registry.Count())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := registry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain: %w", err))
		}
		return errors.Join(errs...)
	})
	return group.Wait()
}
