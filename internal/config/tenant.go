package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// TenantConfig is the fully resolved runtime configuration for one host. It
// is produced either by internal/tenant (mapped from the orchestrator's
// /v1/runtime/by-host response) or, in standalone/dev mode, by
// LoadTenantDefaults below from flat/JSON-grouped env vars.
type TenantConfig struct {
	TenantID      string    `json:"tenant_id"`
	ConfigVersion string    `json:"config_version"`
	SchemaVersion int       `json:"schema_version"`
	ExpiresAt     time.Time `json:"-"`

	Features FeatureFlags `json:"features"`
	Storage  StoragePaths `json:"storage"`

	Publishers []PublisherConfig `json:"publishers"`

	EmailServer *EmailServerConfig `json:"email_server,omitempty"`

	AI          AISettings          `json:"ai"`
	CaptionFile CaptionFileSettings `json:"captionfile"`
	Confirmation ConfirmationSettings `json:"confirmation"`
	Content     ContentSettings     `json:"content"`

	Auth0 *TenantAuth0 `json:"auth0,omitempty"`

	// CredentialsRefs maps a logical name (e.g. "telegram_bot_token") to an
	// opaque reference string. Resolving a ref to a live secret is the job
	// of internal/tenant's credentials resolver, never this package.
	CredentialsRefs map[string]string `json:"credentials_refs"`

	// Extra preserves unknown top-level fields for forward compatibility
	// (the orchestrator's JSON response may carry fields this binary
	// doesn't know about yet).
	Extra map[string]json.RawMessage `json:"-"`
}

type FeatureFlags struct {
	AnalyzeCaptionEnabled bool `json:"analyze_caption_enabled"`
	PublishEnabled        bool `json:"publish_enabled"`
	KeepEnabled           bool `json:"keep_enabled"`
	RemoveEnabled         bool `json:"remove_enabled"`
}

type StoragePaths struct {
	Root   string `json:"root"`
	Archive string `json:"archive"`
	Keep    string `json:"keep"`
	Remove  string `json:"remove"`
}

// PublisherConfig describes one configured publish channel. Settings carries
// platform-specific knobs (e.g. Telegram chat_id, caption length caps);
// unknown fields there are preserved verbatim and interpreted by the
// matching internal/publish/* adapter.
type PublisherConfig struct {
	Type           string         `json:"type"`
	Enabled        bool           `json:"enabled"`
	CredentialsRef string         `json:"credentials_ref"`
	Settings       map[string]any `json:"settings"`
}

type EmailServerConfig struct {
	Host        string `json:"smtp_server"`
	Port        int    `json:"smtp_port"`
	Sender      string `json:"sender"`
	Username    string `json:"username"`
	UseTLS      bool   `json:"use_tls"`
	PasswordRef string `json:"password_ref"`
}

type AISettings struct {
	BaseURL                string  `json:"base_url"`
	Model                  string  `json:"model"`
	MaxCompletionTokens    int     `json:"max_completion_tokens"`
	RequestsPerSecond      float64 `json:"requests_per_second"`
	CredentialsRef         string  `json:"credentials_ref"`
	ExtendedMetadataEnabled bool   `json:"extended_metadata_enabled"`
}

type CaptionFileSettings struct {
	SDCaptionVersion string `json:"sd_caption_version"`
	ModelVersion     string `json:"model_version"`
}

type ConfirmationSettings struct {
	SendConfirmationEmail bool   `json:"send_confirmation_email"`
	Recipient             string `json:"recipient"`
}

type ContentSettings struct {
	Archive bool `json:"archive"`
}

type TenantAuth0 struct {
	Domain   string `json:"domain"`
	Audience string `json:"audience"`
}

// ValidateStorage enforces spec.md §3's TenantConfig invariants for the
// storage block: root must be absolute and traversal-free, and the three
// subfolder names must be simple (no separators, no "..").
func (t TenantConfig) ValidateStorage() error {
	if !path.IsAbs(t.Storage.Root) {
		return fmt.Errorf("storage.root must be absolute, got %q", t.Storage.Root)
	}
	if strings.Contains(t.Storage.Root, "..") {
		return fmt.Errorf("storage.root must not contain '..'")
	}

	for name, v := range map[string]string{
		"storage.archive": t.Storage.Archive,
		"storage.keep":    t.Storage.Keep,
		"storage.remove":  t.Storage.Remove,
	} {
		if err := ValidateSimpleName(name, v); err != nil {
			return err
		}
	}

	return nil
}

// ValidateSimpleName rejects path separators and traversal sequences in a
// subfolder name (used for storage.{archive,keep,remove} and curation
// destination folders).
func ValidateSimpleName(field, v string) error {
	if v == "" {
		return nil
	}
	if strings.ContainsAny(v, `/\`) {
		return fmt.Errorf("%s must not contain path separators, got %q", field, v)
	}
	if strings.Contains(v, "..") {
		return fmt.Errorf("%s must not contain '..'", field)
	}

	return nil
}

// ValidateSchemaVersion enforces "schema_version ∈ {1,2}".
func (t TenantConfig) ValidateSchemaVersion() error {
	if t.SchemaVersion != 1 && t.SchemaVersion != 2 {
		return fmt.Errorf("unsupported schema_version %d", t.SchemaVersion)
	}

	return nil
}

// LoadTenantDefaults builds a TenantConfig from flat/JSON-grouped env vars,
// for standalone operation without an orchestrator (local dev, single-tenant
// deployments). Priority, per spec.md §4.H: JSON env var > individual env
// var > INI file > built-in default.
func LoadTenantDefaults(iniPath string) (*TenantConfig, error) {
	cfg := &TenantConfig{
		SchemaVersion:   2,
		CredentialsRefs: map[string]string{},
		Storage: StoragePaths{
			Archive: "archive",
			Keep:    "keep",
			Remove:  "remove",
		},
	}

	usedINI := false

	if v := os.Getenv("STORAGE_PATHS"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Storage); err != nil {
			return nil, fmt.Errorf("parse STORAGE_PATHS: %w", err)
		}
	} else if root := os.Getenv("STORAGE_ROOT"); root != "" {
		cfg.Storage.Root = root
	} else if iniPath != "" {
		if v, ok := readINI(iniPath, "storage", "root"); ok {
			cfg.Storage.Root = v
			usedINI = true
		}
	}

	if v := os.Getenv("PUBLISHERS"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Publishers); err != nil {
			return nil, fmt.Errorf("parse PUBLISHERS: %w", err)
		}
	}

	if v := os.Getenv("EMAIL_SERVER"); v != "" {
		var es EmailServerConfig
		if err := json.Unmarshal([]byte(v), &es); err != nil {
			return nil, fmt.Errorf("parse EMAIL_SERVER: %w", err)
		}
		cfg.EmailServer = &es
	}

	if v := os.Getenv("OPENAI_SETTINGS"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.AI); err != nil {
			return nil, fmt.Errorf("parse OPENAI_SETTINGS: %w", err)
		}
	}
	if cfg.AI.MaxCompletionTokens == 0 {
		cfg.AI.MaxCompletionTokens = 512
	}

	if v := os.Getenv("CAPTIONFILE_SETTINGS"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.CaptionFile); err != nil {
			return nil, fmt.Errorf("parse CAPTIONFILE_SETTINGS: %w", err)
		}
	}

	if v := os.Getenv("CONFIRMATION_SETTINGS"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Confirmation); err != nil {
			return nil, fmt.Errorf("parse CONFIRMATION_SETTINGS: %w", err)
		}
	}

	if v := os.Getenv("CONTENT_SETTINGS"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Content); err != nil {
			return nil, fmt.Errorf("parse CONTENT_SETTINGS: %w", err)
		}
	}

	cfg.Features.AnalyzeCaptionEnabled = envBool("FEATURE_ANALYZE_CAPTION", true)
	cfg.Features.PublishEnabled = envBool("FEATURE_PUBLISH", true)
	cfg.Features.KeepEnabled = envBool("FEATURE_KEEP_CURATE", true)
	cfg.Features.RemoveEnabled = envBool("FEATURE_REMOVE_CURATE", true)

	if domain := os.Getenv("AUTH0_DOMAIN"); domain != "" {
		cfg.Auth0 = &TenantAuth0{
			Domain:   domain,
			Audience: os.Getenv("AUTH0_AUDIENCE"),
		}
	}

	if emails := os.Getenv("ADMIN_LOGIN_EMAILS"); emails != "" {
		_ = ParseCSVTrimmed(emails) // validated shape only; resolver owns the allowlist
	}

	if v := os.Getenv("WEB_ADMIN_COOKIE_TTL_SECONDS"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse WEB_ADMIN_COOKIE_TTL_SECONDS: %w", err)
		}
	}

	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}

	if err := validatePublishers(cfg.Publishers); err != nil {
		return nil, err
	}

	if usedINI {
		// One warning per load, listing the sections that fell back to INI.
		slog.Warn("config_deprecation", "sections", []string{"storage"})
		cfg.Extra = map[string]json.RawMessage{
			"config_deprecation": json.RawMessage(`"storage"`),
		}
	}

	return cfg, nil
}

// validatePublishers enforces "publishers list has unique type" and that
// each enabled publisher's required secret env var is present.
func validatePublishers(publishers []PublisherConfig) error {
	seen := make(map[string]bool, len(publishers))
	for _, p := range publishers {
		if seen[p.Type] {
			return fmt.Errorf("duplicate publisher type %q", p.Type)
		}
		seen[p.Type] = true

		if !p.Enabled {
			continue
		}

		switch p.Type {
		case "telegram":
			if os.Getenv("TELEGRAM_BOT_TOKEN") == "" {
				return fmt.Errorf("publisher %q enabled but TELEGRAM_BOT_TOKEN is not set", p.Type)
			}
		case "email":
			if os.Getenv("EMAIL_PASSWORD") == "" {
				return fmt.Errorf("publisher %q enabled but EMAIL_PASSWORD is not set", p.Type)
			}
		case "fetlife":
			// Intentionally shares email_server's credential; see spec.md §9.
		case "instagram":
			if os.Getenv("INSTA_PASSWORD") == "" {
				return fmt.Errorf("publisher %q enabled but INSTA_PASSWORD is not set", p.Type)
			}
		}
	}

	return nil
}

// ParseCSVTrimmed splits a comma-separated list tolerating whitespace around
// each element (ADMIN_LOGIN_EMAILS must tolerate "a@x.com, b@y.com ,c@z.com").
func ParseCSVTrimmed(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}

	return b
}

// readINI is a minimal legacy-INI fallback reader: "[section]" headers and
// "key = value" lines. It exists only so older deployments that haven't
// migrated to JSON env groupings keep working; new deployments should never
// need it.
func readINI(path, section, key string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}

	currentSection := ""
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentSection = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]"))
			continue
		}
		if currentSection != section {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == key {
			return strings.TrimSpace(parts[1]), true
		}
	}

	return "", false
}
