// Package tenant resolves per-hostname runtime configuration from the
// external orchestrator, caching results with a TTL+LRU discipline modeled
// on the teacher's CopilotTokenSource cached-token-with-expiry pattern and
// store/memory's map+RWMutex shape, generalized from a single cached value
// to an LRU keyed by normalized hostname.
package tenant

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/worldline-go/klient"

	"github.com/dhirmadi/imgpub/internal/apperrors"
	"github.com/dhirmadi/imgpub/internal/config"
	"github.com/dhirmadi/imgpub/internal/crypto"
)

// CredentialResolver turns an opaque credentials_ref into a live secret
// value. It is injected so tests can stub it and so production can swap in
// a vault-backed implementation without this package knowing about vault.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolver implements get_config(host) -> TenantConfig with a TTL+LRU cache
// in front of the orchestrator HTTP API.
type Resolver struct {
	client  *klient.Client
	creds   CredentialResolver
	encKey  []byte
	cfg     config.Orchestrator

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	credsMu       sync.RWMutex
	credentialCache map[string]crypto.CachedCredential // ref -> resolved (possibly encrypted) value
}

type cacheEntry struct {
	host      string
	config    *config.TenantConfig
	expiresAt time.Time
}

// New creates a Resolver. encKey may be nil to disable at-rest encryption
// of cached credential values.
func New(cfg config.Orchestrator, creds CredentialResolver, encKey []byte) (*Resolver, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("orchestrator base_url is required")
	}

	client, err := klient.New(
		klient.WithBaseURL(cfg.BaseURL),
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(false),
	)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator client: %w", err)
	}

	return &Resolver{
		client:          client,
		creds:           creds,
		encKey:          encKey,
		cfg:             cfg,
		entries:         make(map[string]*list.Element),
		order:           list.New(),
		credentialCache: make(map[string]crypto.CachedCredential),
	}, nil
}

// Credential returns the live secret value for a previously-resolved ref,
// decrypting it only at this, the point of use. Callers are publisher
// factories building one Publisher per request; the value is never logged
// or stored back onto the TenantConfig.
func (r *Resolver) Credential(ref string) (string, error) {
	r.credsMu.RLock()
	cred, ok := r.credentialCache[ref]
	r.credsMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("credential for ref %q was not resolved", ref)
	}

	if r.encKey == nil {
		return cred.Value, nil
	}

	return crypto.DecryptCredential(cred, r.encKey)
}

// NormalizeHost lowercases, strips the port and any trailing dot, and
// rejects shapes that are not a valid DNS label.
func NormalizeHost(host string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(host))
	if idx := strings.LastIndex(h, ":"); idx >= 0 && !strings.Contains(h[idx:], "]") {
		h = h[:idx]
	}
	h = strings.TrimSuffix(h, ".")

	if h == "" {
		return "", fmt.Errorf("%w: empty host", apperrors.ErrInvalidInput)
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return "", fmt.Errorf("%w: invalid host label in %q", apperrors.ErrInvalidInput, host)
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return "", fmt.Errorf("%w: invalid character in host %q", apperrors.ErrInvalidInput, host)
			}
		}
	}

	return h, nil
}

// GetConfig returns the resolved TenantConfig for host, serving from cache
// when fresh, falling back to a stale cache entry on upstream failure, and
// otherwise calling the orchestrator.
func (r *Resolver) GetConfig(ctx context.Context, host string) (*config.TenantConfig, error) {
	normalized, err := NormalizeHost(host)
	if err != nil {
		return nil, err
	}

	if entry, ok := r.lookup(normalized); ok && time.Now().Before(entry.expiresAt) {
		slog.Debug("runtime_config_cache_hit", "host", normalized)
		return entry.config, nil
	}
	slog.Debug("runtime_config_cache_miss", "host", normalized)

	cfg, ttl, err := r.fetch(ctx, normalized)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnavailable) {
			if stale, ok := r.lookup(normalized); ok {
				slog.Warn("stale_serve", "host", normalized, "error", err)
				return stale.config, nil
			}
		}
		return nil, err
	}

	if err := r.resolveCredentials(ctx, cfg); err != nil {
		return nil, fmt.Errorf("resolve credentials for %q: %w", normalized, err)
	}

	r.store(normalized, cfg, ttl)

	return cfg, nil
}

// Invalidate evicts host's cache entry (empty host evicts everything). Used
// by internal/cluster when a peer broadcasts a config push.
func (r *Resolver) Invalidate(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if host == "" {
		r.entries = make(map[string]*list.Element)
		r.order.Init()
		return
	}

	if el, ok := r.entries[host]; ok {
		r.order.Remove(el)
		delete(r.entries, host)
	}
}

func (r *Resolver) lookup(host string) (cacheEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.entries[host]
	if !ok {
		return cacheEntry{}, false
	}
	r.order.MoveToFront(el)

	return el.Value.(cacheEntry), true
}

func (r *Resolver) store(host string, cfg *config.TenantConfig, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := cacheEntry{host: host, config: cfg, expiresAt: time.Now().Add(ttl)}

	if el, ok := r.entries[host]; ok {
		el.Value = entry
		r.order.MoveToFront(el)
		return
	}

	el := r.order.PushFront(entry)
	r.entries[host] = el

	if r.cfg.CacheMaxSize > 0 {
		for r.order.Len() > r.cfg.CacheMaxSize {
			back := r.order.Back()
			if back == nil {
				break
			}
			evicted := back.Value.(cacheEntry)
			r.order.Remove(back)
			delete(r.entries, evicted.host)
		}
	}
}

// orchestratorResponse mirrors the orchestrator's GET /v1/runtime/by-host body.
type orchestratorResponse struct {
	SchemaVersion int             `json:"schema_version"`
	ConfigVersion string          `json:"config_version"`
	TenantID      string          `json:"tenant_id"`
	TTLSeconds    int             `json:"ttl_seconds"`
	Features      json.RawMessage `json:"features"`
	Storage       json.RawMessage `json:"storage"`
	Publishers    json.RawMessage `json:"publishers"`
	EmailServer   json.RawMessage `json:"email_server"`
	AI            json.RawMessage `json:"ai"`
	CaptionFile   json.RawMessage `json:"captionfile"`
	Confirmation  json.RawMessage `json:"confirmation"`
	Content       json.RawMessage `json:"content"`
	CredentialRefs map[string]string `json:"credentials_refs"`
}

func (r *Resolver) fetch(ctx context.Context, host string) (*config.TenantConfig, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "/v1/runtime/by-host?host="+host, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build orchestrator request: %w", err)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	var raw orchestratorResponse
	var statusCode int
	if err := r.client.Do(req, func(resp *http.Response) error {
		statusCode = resp.StatusCode
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: orchestrator returned %d", apperrors.ErrUnavailable, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&raw)
	}); err != nil {
		var netErr *url.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err)
		}
		if errors.Is(err, apperrors.ErrUnavailable) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err)
	}

	if statusCode == http.StatusNotFound {
		return nil, 0, fmt.Errorf("%w: tenant for host %q", apperrors.ErrNotFound, host)
	}

	cfg, err := mapOrchestratorResponse(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}

	ttl := time.Duration(raw.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}
	if ttl <= 0 {
		ttl = 600 * time.Second
	}

	return cfg, ttl, nil
}

// mapOrchestratorResponse applies the schema_version 1/2 field mapping and
// the documented key renamings (email_server.host->smtp_server, etc).
func mapOrchestratorResponse(raw orchestratorResponse) (*config.TenantConfig, error) {
	cfg := &config.TenantConfig{
		TenantID:        raw.TenantID,
		ConfigVersion:   raw.ConfigVersion,
		SchemaVersion:   raw.SchemaVersion,
		CredentialsRefs: raw.CredentialRefs,
	}

	if raw.Features != nil {
		if err := json.Unmarshal(raw.Features, &cfg.Features); err != nil {
			return nil, fmt.Errorf("parse features: %w", err)
		}
	}
	if raw.Storage != nil {
		if err := json.Unmarshal(raw.Storage, &cfg.Storage); err != nil {
			return nil, fmt.Errorf("parse storage: %w", err)
		}
	}

	if err := cfg.ValidateSchemaVersion(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}

	if cfg.SchemaVersion == 1 {
		// Conservative defaults: publishers empty, AI disabled, rest as zero value.
		return cfg, nil
	}

	if raw.Publishers != nil {
		var publishers []config.PublisherConfig
		if err := json.Unmarshal(raw.Publishers, &publishers); err != nil {
			return nil, fmt.Errorf("parse publishers: %w", err)
		}
		filtered := publishers[:0]
		for _, p := range publishers {
			if p.Enabled {
				filtered = append(filtered, p)
			}
		}
		cfg.Publishers = filtered
	}

	if raw.EmailServer != nil {
		var wire struct {
			Host       string `json:"host"`
			Port       int    `json:"port"`
			FromEmail  string `json:"from_email"`
			Username   string `json:"username"`
			UseTLS     bool   `json:"use_tls"`
			PasswordRef string `json:"password_ref"`
		}
		if err := json.Unmarshal(raw.EmailServer, &wire); err != nil {
			return nil, fmt.Errorf("parse email_server: %w", err)
		}
		cfg.EmailServer = &config.EmailServerConfig{
			Host:        wire.Host,
			Port:        wire.Port,
			Sender:      wire.FromEmail,
			Username:    wire.Username,
			UseTLS:      wire.UseTLS,
			PasswordRef: wire.PasswordRef,
		}
	}

	if raw.AI != nil {
		if err := json.Unmarshal(raw.AI, &cfg.AI); err != nil {
			return nil, fmt.Errorf("parse ai: %w", err)
		}
	}
	if raw.CaptionFile != nil {
		if err := json.Unmarshal(raw.CaptionFile, &cfg.CaptionFile); err != nil {
			return nil, fmt.Errorf("parse captionfile: %w", err)
		}
	}
	if raw.Confirmation != nil {
		if err := json.Unmarshal(raw.Confirmation, &cfg.Confirmation); err != nil {
			return nil, fmt.Errorf("parse confirmation: %w", err)
		}
	}
	if raw.Content != nil {
		if err := json.Unmarshal(raw.Content, &cfg.Content); err != nil {
			return nil, fmt.Errorf("parse content: %w", err)
		}
	}

	return cfg, nil
}

// resolveCredentials resolves every publisher's credentials_ref and the
// email server's password_ref via r.creds. A resolution failure for an
// enabled publisher disables that publisher rather than failing the whole
// tenant; refs and values are never logged.
func (r *Resolver) resolveCredentials(ctx context.Context, cfg *config.TenantConfig) error {
	if r.creds == nil {
		return nil
	}

	if cfg.AI.CredentialsRef != "" {
		if _, err := r.resolveAndCache(ctx, cfg.AI.CredentialsRef); err != nil {
			slog.Warn("ai credential resolution failed")
		}
	}

	kept := cfg.Publishers[:0]
	for _, p := range cfg.Publishers {
		if p.Type == "fetlife" && p.CredentialsRef == "" {
			// Intentional: FetLife shares the tenant's email_server credential.
			kept = append(kept, p)
			continue
		}
		if p.CredentialsRef == "" {
			kept = append(kept, p)
			continue
		}

		if _, err := r.resolveAndCache(ctx, p.CredentialsRef); err != nil {
			slog.Warn("disabling publisher: credential resolution failed", "type", p.Type)
			continue
		}
		kept = append(kept, p)
	}
	cfg.Publishers = kept

	if cfg.EmailServer != nil && cfg.EmailServer.PasswordRef != "" {
		if _, err := r.resolveAndCache(ctx, cfg.EmailServer.PasswordRef); err != nil {
			slog.Warn("email_server credential resolution failed")
		}
	}

	return nil
}

func (r *Resolver) resolveAndCache(ctx context.Context, ref string) (crypto.CachedCredential, error) {
	value, err := r.creds.Resolve(ctx, ref)
	if err != nil {
		return crypto.CachedCredential{}, err
	}

	cred := crypto.CachedCredential{Ref: ref, Value: value}
	if r.encKey != nil {
		cred, err = crypto.EncryptCredential(cred, r.encKey)
		if err != nil {
			return crypto.CachedCredential{}, err
		}
	}

	r.credsMu.Lock()
	r.credentialCache[ref] = cred
	r.credsMu.Unlock()

	return cred, nil
}
