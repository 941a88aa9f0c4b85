// Package server implements the multi-tenant web service of spec.md §4.J:
// a public browsing/curation API plus an admin surface, both resolved
// per-request against the Host header via internal/tenant. Route
// registration follows the teacher's ada.New()+mux.Use(...)+mux.Group(...)
// shape; path parameters use Go 1.22 stdlib-compatible "{name}" patterns
// rather than the teacher's bare "*" wildcard, since the wildcard's
// implicit PathValue naming convention cannot be recovered without the
// vendored ada source — see DESIGN.md.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"golang.org/x/oauth2"

	"github.com/dhirmadi/imgpub/internal/ai"
	"github.com/dhirmadi/imgpub/internal/config"
	"github.com/dhirmadi/imgpub/internal/orchestrator"
	"github.com/dhirmadi/imgpub/internal/publish"
	"github.com/dhirmadi/imgpub/internal/publish/email"
	"github.com/dhirmadi/imgpub/internal/publish/instagram"
	"github.com/dhirmadi/imgpub/internal/publish/telegram"
	"github.com/dhirmadi/imgpub/internal/storage"
	"github.com/dhirmadi/imgpub/internal/tenant"
)

// Server is the process-wide web service. One storage.Adapter is shared by
// every tenant (a single Dropbox app, per spec.md's flat DROPBOX_* secrets);
// everything else (AI vendor settings, publishers, feature flags) is
// resolved per-tenant via resolver on each request.
type Server struct {
	cfg      config.Server
	resolver *tenant.Resolver
	store    storage.Adapter
	registry *publish.Registry
	sessions *sessionCodec
	oauthCfg *oauth2.Config

	// newAIClient builds the per-tenant AI client. It is a field rather
	// than a direct ai.NewVendorClient call so tests can substitute a
	// fake without a live vendor endpoint; New() wires the real one.
	newAIClient func(cfg *config.TenantConfig, apiKey string) (ai.Client, error)

	mux *ada.Server
}

// New wires the ada server, middleware chain, and route table. sessions is
// nil when cfg.WebSessionSecret is empty, disabling admin-cookie auth
// entirely (every admin route then answers 403).
func New(cfg config.Server, resolver *tenant.Resolver, store storage.Adapter) (*Server, error) {
	var sessions *sessionCodec
	if cfg.WebSessionSecret != "" {
		var err error
		sessions, err = newSessionCodec(cfg.WebSessionSecret)
		if err != nil {
			return nil, fmt.Errorf("init admin session codec: %w", err)
		}
	}

	registry := publish.NewRegistry()
	registry.Register("telegram", func(settings map[string]any, credential string) (publish.Publisher, error) {
		return telegram.New(settings, credential)
	})
	registry.Register("instagram", func(settings map[string]any, credential string) (publish.Publisher, error) {
		return instagram.New(true, settings, credential)
	})

	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		store:    store,
		registry: registry,
		sessions: sessions,
	}
	s.newAIClient = func(tc *config.TenantConfig, apiKey string) (ai.Client, error) {
		return ai.NewVendorClient(tc.AI.BaseURL, apiKey, tc.AI.Model, tc.AI.MaxCompletionTokens, tc.AI.RequestsPerSecond)
	}

	if cfg.Auth0 != nil {
		s.oauthCfg = &oauth2.Config{
			ClientID:     cfg.Auth0.ClientID,
			ClientSecret: cfg.Auth0.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://" + cfg.Auth0.Domain + "/authorize",
				TokenURL: "https://" + cfg.Auth0.Domain + "/oauth/token",
			},
			Scopes: []string{"openid", "profile", "email"},
		}
	}

	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)
	s.mux = mux

	base := mux.Group(cfg.BasePath)
	if cfg.ForwardAuth != nil {
		slog.Info("forward auth enabled", "url", cfg.ForwardAuth.Address)
	} else {
		slog.Info("forward auth disabled (no forward_auth config)")
	}

	// route() composes the full per-endpoint chain itself (tenant -> auth ->
	// correlation -> handler, per spec.md §4.J); these registrations don't
	// rely on ada's own Group.Use ordering.
	base.GET("/", s.handleIndex)
	base.GET("/health", s.handleHealth)

	configGroup := base.Group("/api/config")
	configGroup.GET("/features", s.route("config_features", authNone, s.handleFeatures))
	configGroup.GET("/publishers", s.route("config_publishers", authNone, s.handlePublishers))

	imagesGroup := base.Group("/api/images")
	imagesGroup.GET("/random", s.route("images_random", authViewer, s.handleRandomImage))
	imagesGroup.GET("/list", s.route("images_list", authViewer, s.handleListImages))
	imagesGroup.GET("/{filename}", s.route("images_get", authViewer, s.handleGetImage))
	imagesGroup.POST("/{filename}/analyze", s.route("images_analyze", authAdmin, s.handleAnalyze))
	imagesGroup.POST("/{filename}/publish", s.route("images_publish", authAdmin, s.handlePublish))
	imagesGroup.POST("/{filename}/keep", s.route("images_keep", authAdmin, s.handleKeep))
	imagesGroup.POST("/{filename}/remove", s.route("images_remove", authAdmin, s.handleRemove))

	authGroup := base.Group("/auth")
	authGroup.GET("/login", s.route("auth_login", authNone, s.handleAuthLogin))
	authGroup.GET("/callback", s.route("auth_callback", authNone, s.handleAuthCallback))
	authGroup.GET("/logout", s.route("auth_logout", authNone, s.handleAuthLogout))

	adminGroup := base.Group("/api/admin")
	adminGroup.POST("/login", s.route("admin_login", authNone, s.handleAdminLogin))
	adminGroup.POST("/logout", s.route("admin_logout", authNone, s.handleAdminLogout))
	adminGroup.GET("/status", s.route("admin_status", authNone, s.handleAdminStatus))

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.mux.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

// buildDeps constructs one request's orchestrator.Deps from a resolved
// TenantConfig: the shared store, a per-tenant AI client (vendor settings
// and resolved API key vary by tenant), and one Publisher per enabled
// PublisherConfig.
func (s *Server) buildDeps(cfg *config.TenantConfig) (orchestrator.Deps, error) {
	deps := orchestrator.Deps{Store: s.store}

	if cfg.AI.BaseURL != "" {
		apiKey := ""
		if cfg.AI.CredentialsRef != "" {
			key, err := s.resolver.Credential(cfg.AI.CredentialsRef)
			if err != nil {
				return deps, fmt.Errorf("resolve ai credential: %w", err)
			}
			apiKey = key
		}

		client, err := s.newAIClient(cfg, apiKey)
		if err != nil {
			return deps, fmt.Errorf("build ai client: %w", err)
		}
		deps.AI = client
	}

	publishers := make([]publish.Publisher, 0, len(cfg.Publishers))
	for _, p := range cfg.Publishers {
		pub, err := s.buildPublisher(cfg, p)
		if err != nil {
			slog.Warn("publisher_build_failed", "type", p.Type, "error", err.Error())
			continue
		}
		publishers = append(publishers, pub)
	}
	deps.Publishers = publishers

	return deps, nil
}

// buildPublisher special-cases email/fetlife, which need the tenant's
// shared email_server settings in addition to PublisherConfig.Settings and
// so don't fit the Registry's (settings, credential) Factory shape;
// telegram/instagram go through the generic Registry instead.
func (s *Server) buildPublisher(cfg *config.TenantConfig, p config.PublisherConfig) (publish.Publisher, error) {
	switch p.Type {
	case "email", "fetlife":
		if cfg.EmailServer == nil {
			return nil, fmt.Errorf("%s: tenant has no email_server configured", p.Type)
		}

		password := ""
		ref := cfg.EmailServer.PasswordRef
		if ref != "" {
			pw, err := s.resolver.Credential(ref)
			if err != nil {
				return nil, fmt.Errorf("resolve email credential: %w", err)
			}
			password = pw
		}

		settings := email.Settings{
			Platform:      p.Type,
			Recipient:     stringSetting(p.Settings, "recipient"),
			CaptionTarget: email.CaptionTarget(stringSetting(p.Settings, "caption_target")),
			SubjectMode:   email.SubjectMode(stringSetting(p.Settings, "subject_mode")),
		}

		return email.New(email.ServerConfig{
			Host:     cfg.EmailServer.Host,
			Port:     cfg.EmailServer.Port,
			Sender:   cfg.EmailServer.Sender,
			Username: cfg.EmailServer.Username,
			UseTLS:   cfg.EmailServer.UseTLS,
		}, password, settings)

	default:
		credential := ""
		if p.CredentialsRef != "" {
			cred, err := s.resolver.Credential(p.CredentialsRef)
			if err != nil {
				return nil, fmt.Errorf("resolve %s credential: %w", p.Type, err)
			}
			credential = cred
		}

		return s.registry.Build(p.Type, p.Settings, credential)
	}
}

func stringSetting(settings map[string]any, key string) string {
	v, _ := settings[key].(string)
	return v
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]string{"service": "imgpub"}, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
