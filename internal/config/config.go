// Package config loads the process-wide ApplicationConfig (bootstrap
// settings: log level, listen address, orchestrator endpoint, cache sizing,
// telemetry) and defines the TenantConfig schema resolved per-hostname by
// internal/tenant. Secrets are always flat env vars, never nested inside a
// JSON grouping, so they can't leak into a config dump by accident.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/alan"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

// Service holds the "name/version" string stamped on startup logs and the
// mserver middleware's Server-Id header.
var Service = ""

// ApplicationConfig is the immutable process-wide configuration, loaded once
// at startup. Per-tenant runtime configuration (TenantConfig) is resolved
// separately, per request, by internal/tenant.
type ApplicationConfig struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server       Server       `cfg:"server"`
	Orchestrator Orchestrator `cfg:"orchestrator"`
	Telemetry    tell.Config  `cfg:"telemetry,noprefix"`

	// Cluster, when set, enables alan-based UDP peer discovery so multiple
	// imgpub instances can broadcast tenant-config cache invalidations to
	// each other instead of each waiting out its own TTL. Nil runs
	// single-instance with no coordination.
	Cluster *alan.Config `cfg:"cluster"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the API to forward auth requests to an
	// external authentication service (the capability boundary for OIDC).
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminCookieTTLSeconds is clamped to [60, 3600] by the loader.
	AdminCookieTTLSeconds int `cfg:"admin_cookie_ttl_seconds" default:"3600"`

	// WebSessionSecret signs the admin cookie. Required for admin auth to work.
	WebSessionSecret string `cfg:"web_session_secret" log:"-"`

	// AdminPassword enables the legacy shared-password fallback login
	// (POST /api/admin/login). Empty disables that endpoint (503).
	AdminPassword string `cfg:"admin_password" log:"-"`

	// AdminLoginEmails is the OIDC allowlist, whitespace-around-commas tolerant.
	AdminLoginEmails []string `cfg:"admin_login_emails"`

	Auth0 *Auth0 `cfg:"auth0"`
}

type Auth0 struct {
	Domain       string `cfg:"domain"`
	ClientID     string `cfg:"client_id"`
	ClientSecret string `cfg:"client_secret" log:"-"`
	Audience     string `cfg:"audience"`
}

// Orchestrator configures the HTTP client used by internal/tenant to resolve
// per-host runtime configuration.
type Orchestrator struct {
	BaseURL string `cfg:"base_url"`

	// RequestTimeout bounds a single lookup call.
	RequestTimeout time.Duration `cfg:"request_timeout" default:"5s"`

	// DefaultTTL is used when the orchestrator response omits ttl_seconds.
	DefaultTTL time.Duration `cfg:"default_ttl" default:"600s"`

	// CacheMaxSize is the LRU eviction threshold for the tenant-config cache.
	CacheMaxSize int `cfg:"cache_max_size" default:"1000"`
}

func Load(ctx context.Context, path string) (*ApplicationConfig, error) {
	var cfg ApplicationConfig
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("IMGPUB_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	if cfg.Server.AdminCookieTTLSeconds < 60 {
		cfg.Server.AdminCookieTTLSeconds = 60
	}
	if cfg.Server.AdminCookieTTLSeconds > 3600 {
		cfg.Server.AdminCookieTTLSeconds = 3600
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
