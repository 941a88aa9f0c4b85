package config

import (
	"os"
	"testing"
)

func clearTenantEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STORAGE_PATHS", "STORAGE_ROOT", "PUBLISHERS", "EMAIL_SERVER",
		"OPENAI_SETTINGS", "CAPTIONFILE_SETTINGS", "CONFIRMATION_SETTINGS",
		"CONTENT_SETTINGS", "FEATURE_ANALYZE_CAPTION", "FEATURE_PUBLISH",
		"FEATURE_KEEP_CURATE", "FEATURE_REMOVE_CURATE", "AUTH0_DOMAIN",
		"AUTH0_AUDIENCE", "ADMIN_LOGIN_EMAILS", "TELEGRAM_BOT_TOKEN",
		"EMAIL_PASSWORD", "INSTA_PASSWORD", "WEB_ADMIN_COOKIE_TTL_SECONDS",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadTenantDefaultsMinimal(t *testing.T) {
	clearTenantEnv(t)
	os.Setenv("STORAGE_ROOT", "/data/tenant-a")
	defer clearTenantEnv(t)

	cfg, err := LoadTenantDefaults("")
	if err != nil {
		t.Fatalf("LoadTenantDefaults: %v", err)
	}

	if cfg.Storage.Root != "/data/tenant-a" {
		t.Fatalf("storage.root = %q", cfg.Storage.Root)
	}
	if cfg.Storage.Archive != "archive" || cfg.Storage.Keep != "keep" || cfg.Storage.Remove != "remove" {
		t.Fatalf("unexpected default subfolder names: %+v", cfg.Storage)
	}
	if !cfg.Features.PublishEnabled {
		t.Fatal("expected publish feature enabled by default")
	}
}

func TestLoadTenantDefaultsRejectsRelativeRoot(t *testing.T) {
	clearTenantEnv(t)
	os.Setenv("STORAGE_ROOT", "relative/path")
	defer clearTenantEnv(t)

	if _, err := LoadTenantDefaults(""); err == nil {
		t.Fatal("expected error for relative storage root")
	}
}

func TestLoadTenantDefaultsPublishersJSON(t *testing.T) {
	clearTenantEnv(t)
	os.Setenv("STORAGE_ROOT", "/data/tenant-a")
	os.Setenv("PUBLISHERS", `[{"type":"telegram","enabled":true,"credentials_ref":"vault://x"}]`)
	os.Setenv("TELEGRAM_BOT_TOKEN", "dummy-token")
	defer clearTenantEnv(t)

	cfg, err := LoadTenantDefaults("")
	if err != nil {
		t.Fatalf("LoadTenantDefaults: %v", err)
	}

	if len(cfg.Publishers) != 1 || cfg.Publishers[0].Type != "telegram" {
		t.Fatalf("unexpected publishers: %+v", cfg.Publishers)
	}
}

func TestLoadTenantDefaultsMissingSecretRejected(t *testing.T) {
	clearTenantEnv(t)
	os.Setenv("STORAGE_ROOT", "/data/tenant-a")
	os.Setenv("PUBLISHERS", `[{"type":"telegram","enabled":true,"credentials_ref":"vault://x"}]`)
	defer clearTenantEnv(t)

	if _, err := LoadTenantDefaults(""); err == nil {
		t.Fatal("expected error when enabled publisher's secret env var is missing")
	}
}

func TestLoadTenantDefaultsDuplicatePublisherType(t *testing.T) {
	clearTenantEnv(t)
	os.Setenv("STORAGE_ROOT", "/data/tenant-a")
	os.Setenv("PUBLISHERS", `[{"type":"telegram","enabled":false},{"type":"telegram","enabled":false}]`)
	defer clearTenantEnv(t)

	if _, err := LoadTenantDefaults(""); err == nil {
		t.Fatal("expected error for duplicate publisher type")
	}
}

func TestValidateStorageRejectsTraversalInSubfolder(t *testing.T) {
	cfg := TenantConfig{Storage: StoragePaths{Root: "/data/a", Keep: "../escape"}}
	if err := cfg.ValidateStorage(); err == nil {
		t.Fatal("expected error for traversal in storage.keep")
	}
}

func TestValidateSchemaVersion(t *testing.T) {
	cfg := TenantConfig{SchemaVersion: 3}
	if err := cfg.ValidateSchemaVersion(); err == nil {
		t.Fatal("expected error for unsupported schema_version")
	}

	cfg.SchemaVersion = 1
	if err := cfg.ValidateSchemaVersion(); err != nil {
		t.Fatalf("schema_version 1 should be valid: %v", err)
	}
}

func TestParseCSVTrimmed(t *testing.T) {
	got := ParseCSVTrimmed("a@x.com, b@y.com ,c@z.com,")
	want := []string{"a@x.com", "b@y.com", "c@z.com"}

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
