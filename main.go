package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MGallo-Code/oidc-rp/internal/auth"
	"github.com/MGallo-Code/oidc-rp/internal/config"
	"github.com/MGallo-Code/oidc-rp/internal/identity"
	"github.com/MGallo-Code/oidc-rp/internal/store"
	"github.com/MGallo-Code/oidc-rp/internal/telemetry"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := config.NewFacade(cfg.SettingsFile)
	if err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
	settings.Watch()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, settings, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, settings auth.SettingsSource, ready chan<- string) error {
	shutdownTracing, err := telemetry.Setup(ctx, "oidc-rp", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// One Redis pool shared by login state and the session cache.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()
	rs := store.NewRedisStore(rdb)

	flow := &auth.Controller{
		Settings:   settings,
		States:     store.NewStateStore(rdb),
		Tokens:     auth.DefaultTokenClient,
		Identities: identity.NewResolver(ps),
		Sessions:   &store.Sessions{PG: ps, Cache: rs},
		Audit:      auth.MultiSink{auth.SlogSink{}, auth.StoreSink{Store: ps}},
		SessionTTL: cfg.SessionTTL,
	}
	h := &auth.AuthHandler{Flow: flow, Accounts: ps, Postgres: ps, Redis: rs}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{Handler: buildRouter(h)}

	// Housekeeping: expired login state and long-dead session rows.
	// Cancelled via cleanupCtx when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go housekeeping(cleanupCtx, cfg, flow, ps)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("oidc-rp listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting, then waits for in-flight requests or the timeout
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// housekeeping runs state GC and session cleanup every StateGCInterval until ctx ends.
func housekeeping(ctx context.Context, cfg *config.Config, flow *auth.Controller, ps *store.PostgresStore) {
	ticker := time.NewTicker(cfg.StateGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := flow.GarbageCollect(ctx); err != nil {
				slog.Warn("state garbage collection failed", "error", err)
			}
			n, err := ps.CleanupExpiredSessions(ctx, cfg.SessionRetention)
			if err != nil {
				slog.Warn("session cleanup failed", "error", err)
			} else {
				slog.Info("session cleanup complete", "deleted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildRouter wires all routes and middleware.
// Both callback paths are always routed so switching redirect_uri_mode needs no restart.
func buildRouter(h *auth.AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(h.EnforcePrivacy)

	r.Get("/health", h.CheckHealth)
	r.Get(auth.LoginPath, h.Login)
	r.Get("/auth/url", h.AuthURL)
	r.Get(config.DefaultCallbackPath, h.Callback)
	r.Get(config.AlternateCallbackPath, h.Callback)
	r.Post("/logout", h.Logout)

	// Session required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireSession)
		r.Get("/me", h.Me)
	})

	return r
}
