// Command indieauthd runs the IndieAuth authorization server.
//
// Configuration is read from indieauthd.yaml (working directory or
// /etc/indieauth) and from INDIEAUTH_* environment variables, with the
// environment taking precedence.
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

	"github.com/glebarez/sqlite"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/webstead/indieauth"
	"github.com/webstead/indieauth/instrumentation"
	"github.com/webstead/indieauth/security"
	"github.com/webstead/indieauth/server"
	"github.com/webstead/indieauth/storage"
	"github.com/webstead/indieauth/storage/gormstore"
	"github.com/webstead/indieauth/storage/memory"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "indieauthd:", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	v.SetConfigName("indieauthd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/indieauth")
	v.SetEnvPrefix("INDIEAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("login_url", "/login")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("rate_limit.rps", 10)
	v.SetDefault("rate_limit.burst", 30)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("auth.header", "X-Authenticated-User")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger := newLogger(v.GetString("log.level"), v.GetString("log.format"))
	slog.SetDefault(logger)

	store, err := openStore(v, logger)
	if err != nil {
		return err
	}

	owner := &server.Owner{
		Username:    v.GetString("auth.username"),
		DisplayName: v.GetString("owner.name"),
		Email:       v.GetString("owner.email"),
	}
	if owner.Username == "" {
		return fmt.Errorf("auth.username is required")
	}

	srv, err := server.New(store, staticProfiles{owner: owner}, &server.Config{
		Issuer:            v.GetString("issuer"),
		LoginURL:          v.GetString("login_url"),
		ProfileURLs:       v.GetStringSlice("profile_urls"),
		SupportedScopes:   v.GetStringSlice("scopes"),
		Debug:             v.GetBool("debug"),
		TrustProxy:        v.GetBool("trust_proxy"),
		TrustedProxyCount: v.GetInt("trusted_proxy_count"),
	}, logger)
	if err != nil {
		return err
	}

	srv.SetAuditor(security.NewAuditor(logger, v.GetBool("audit.enabled")))

	limiter := security.NewRateLimiter(v.GetInt("rate_limit.rps"), v.GetInt("rate_limit.burst"), logger)
	defer limiter.Stop()
	srv.SetRateLimiter(limiter)

	inst, err := instrumentation.New(&instrumentation.Config{
		ServiceName:    "indieauthd",
		ServiceVersion: version,
		Enabled:        v.GetBool("otel.enabled"),
	})
	if err != nil {
		return err
	}
	srv.SetInstrumentation(inst)

	auth := &headerAuthenticator{
		header: v.GetString("auth.header"),
		owner:  owner,
	}

	mux := http.NewServeMux()
	indieauth.NewHandler(srv, auth, logger).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting IndieAuth server",
			"addr", httpServer.Addr,
			"issuer", srv.Issuer(),
			"version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func openStore(v *viper.Viper, logger *slog.Logger) (storage.Store, error) {
	driver := v.GetString("storage.driver")
	dsn := v.GetString("storage.dsn")

	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch driver {
	case "memory":
		logger.Warn("Using in-memory storage: grants are lost on restart")
		return memory.New(), nil
	case "sqlite":
		if dsn == "" {
			dsn = "indieauth.db"
		}
		db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return gormstore.New(db)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("storage.dsn is required for postgres")
		}
		db, err := gorm.Open(postgres.Open(dsn), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return gormstore.New(db)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// headerAuthenticator trusts a reverse proxy to assert the logged-in user
// in a request header. The request is authenticated only when the header
// carries exactly the configured owner username.
type headerAuthenticator struct {
	header string
	owner  *server.Owner
}

func (a *headerAuthenticator) Owner(r *http.Request) (*server.Owner, bool) {
	if r.Header.Get(a.header) != a.owner.Username {
		return nil, false
	}
	return a.owner, true
}

// staticProfiles serves the single configured owner profile.
type staticProfiles struct {
	owner *server.Owner
}

func (p staticProfiles) Profile(ctx context.Context, username string) (*server.Owner, error) {
	if username != p.owner.Username {
		return nil, fmt.Errorf("unknown user %q", username)
	}
	return p.owner, nil
}
