package server

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dhirmadi/imgpub/internal/ai"
	"github.com/dhirmadi/imgpub/internal/config"
	"github.com/dhirmadi/imgpub/internal/publish"
	"github.com/dhirmadi/imgpub/internal/sidecar"
	"github.com/dhirmadi/imgpub/internal/storage"
)

// fakeStore is a minimal in-memory storage.Adapter, mirroring
// internal/orchestrator's test fake.
type fakeStore struct {
	mu sync.Mutex

	images []storage.ImageHash
	bytes  map[string][]byte
	files  map[string][]byte

	downloadCalls int
	tempLinkCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{bytes: make(map[string][]byte), files: make(map[string][]byte)}
}

func fkey(folder, name string) string { return folder + "/" + name }

func (f *fakeStore) ListImages(ctx context.Context, folder string) ([]string, error) {
	names := make([]string, len(f.images))
	for i, img := range f.images {
		names[i] = img.Filename
	}
	return names, nil
}

func (f *fakeStore) ListImagesWithHashes(ctx context.Context, folder string) ([]storage.ImageHash, error) {
	return f.images, nil
}

func (f *fakeStore) Download(ctx context.Context, folder, filename string) ([]byte, error) {
	f.mu.Lock()
	f.downloadCalls++
	f.mu.Unlock()

	data, ok := f.bytes[filename]
	if !ok {
		return nil, &storage.Error{Kind: storage.KindNotFound, Detail: filename}
	}
	return data, nil
}

func (f *fakeStore) TempLink(ctx context.Context, folder, filename string) (string, error) {
	f.mu.Lock()
	f.tempLinkCalls++
	f.mu.Unlock()
	return "https://example.com/" + filename, nil
}

func (f *fakeStore) WriteSidecarText(ctx context.Context, folder, basename, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fkey(folder, basename+".txt")] = []byte(text)
	return nil
}

func (f *fakeStore) MoveWithSidecars(ctx context.Context, folder, filename, targetSubfolder string) error {
	return nil
}

func (f *fakeStore) EnsureFolder(ctx context.Context, folder string) error { return nil }

func (f *fakeStore) ReadFile(ctx context.Context, folder, filename string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fkey(folder, filename)]
	if !ok {
		return nil, &storage.Error{Kind: storage.KindNotFound, Detail: filename}
	}
	return data, nil
}

func (f *fakeStore) WriteFile(ctx context.Context, folder, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fkey(folder, filename)] = data
	return nil
}

// fakeAI counts calls so tests can assert the cache-hit/force-refresh
// invariants spec.md's S3/S4 scenarios describe.
type fakeAI struct {
	mu               sync.Mutex
	analyzeCalls     int
	captionPairCalls int
}

func (a *fakeAI) Analyze(ctx context.Context, imageURL string) (ai.ImageAnalysis, error) {
	a.mu.Lock()
	a.analyzeCalls++
	a.mu.Unlock()
	return ai.ImageAnalysis{Description: "a study", Tags: []string{"refreshed"}}, nil
}

func (a *fakeAI) CreateCaptionPair(ctx context.Context, analysis ai.ImageAnalysis, spec ai.CaptionSpec) (string, *string, error) {
	a.mu.Lock()
	a.captionPairCalls++
	a.mu.Unlock()
	sd := "a refreshed training caption"
	return "a refreshed social caption", &sd, nil
}

func (a *fakeAI) calls() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.analyzeCalls, a.captionPairCalls
}

func baseTenantConfig() *config.TenantConfig {
	return &config.TenantConfig{
		TenantID: "t1",
		Features: config.FeatureFlags{AnalyzeCaptionEnabled: true, PublishEnabled: true, KeepEnabled: true, RemoveEnabled: true},
		Storage:  config.StoragePaths{Root: "/images", Archive: "archive", Keep: "keep", Remove: "remove"},
		AI:       config.AISettings{BaseURL: "https://vendor.example/v1", Model: "vision-1"},
	}
}

// newTestServer builds a Server whose AI client is the given fake,
// bypassing s.resolver entirely (the analyze handler only reaches the
// resolver via buildDeps for credential resolution, which is skipped
// when CredentialsRef is empty).
func newTestServer(store *fakeStore, aiClient ai.Client) *Server {
	return &Server{
		cfg:      config.Server{},
		store:    store,
		registry: publish.NewRegistry(),
		newAIClient: func(cfg *config.TenantConfig, apiKey string) (ai.Client, error) {
			return aiClient, nil
		},
	}
}

func requestWithTenant(method, target string, cfg *config.TenantConfig, filename string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), ctxTenantConfig, cfg)
	req = req.WithContext(ctx)
	if filename != "" {
		req.SetPathValue("filename", filename)
	}
	return req
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

// S3: a cache hit on the sidecar must answer without touching the AI
// client, and must log web_analyze_sidecar_cache_hit.
func TestHandleAnalyzeSidecarCacheHit(t *testing.T) {
	store := newFakeStore()
	cfg := baseTenantConfig()
	store.files[fkey(cfg.Storage.Root, "c.txt")] = []byte(sidecar.Build(
		"a cached social caption",
		sidecar.Identity{ImageFile: "c.jpg", ContentHash: "hC", SHA256: "shaC", Created: time.Unix(0, 0)},
		sidecar.Versions{SDCaptionVersion: "1", ModelVersion: "m1"},
		nil,
	))

	fake := &fakeAI{}
	s := newTestServer(store, fake)
	logs := captureLogs(t)

	req := requestWithTenant(http.MethodPost, "/api/images/c.jpg/analyze", cfg, "c.jpg")
	w := httptest.NewRecorder()
	s.handleAnalyze(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if n, c := fake.calls(); n != 0 || c != 0 {
		t.Fatalf("expected zero AI calls on cache hit, got analyze=%d caption=%d", n, c)
	}
	if !strings.Contains(w.Body.String(), `"cache_hit":true`) {
		t.Fatalf("expected cache_hit true in body, got %s", w.Body.String())
	}
	if !strings.Contains(logs.String(), "web_analyze_sidecar_cache_hit") {
		t.Fatalf("expected web_analyze_sidecar_cache_hit log line, got %s", logs.String())
	}
}

// S4: force_refresh=true must call Analyze and CreateCaptionPair exactly
// once each and rewrite nothing it doesn't itself write (the endpoint does
// not persist the sidecar; only orchestrator.Execute does that), logging
// web_analyze_refreshed.
func TestHandleAnalyzeForceRefresh(t *testing.T) {
	store := newFakeStore()
	cfg := baseTenantConfig()
	store.files[fkey(cfg.Storage.Root, "c.txt")] = []byte(sidecar.Build(
		"a cached social caption",
		sidecar.Identity{ImageFile: "c.jpg", ContentHash: "hC", SHA256: "shaC", Created: time.Unix(0, 0)},
		sidecar.Versions{SDCaptionVersion: "1", ModelVersion: "m1"},
		nil,
	))
	store.bytes["c.jpg"] = []byte("image-bytes")

	fake := &fakeAI{}
	s := newTestServer(store, fake)
	logs := captureLogs(t)

	req := requestWithTenant(http.MethodPost, "/api/images/c.jpg/analyze?force_refresh=true", cfg, "c.jpg")
	w := httptest.NewRecorder()
	s.handleAnalyze(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if n, c := fake.calls(); n != 1 || c != 1 {
		t.Fatalf("expected exactly one analyze and one caption call, got analyze=%d caption=%d", n, c)
	}
	if !strings.Contains(w.Body.String(), `"cache_hit":false`) {
		t.Fatalf("expected cache_hit false in body, got %s", w.Body.String())
	}
	if !strings.Contains(logs.String(), "web_analyze_refreshed") {
		t.Fatalf("expected web_analyze_refreshed log line, got %s", logs.String())
	}
}

func TestHandleAnalyzeFeatureDisabled(t *testing.T) {
	store := newFakeStore()
	cfg := baseTenantConfig()
	cfg.Features.AnalyzeCaptionEnabled = false

	s := newTestServer(store, &fakeAI{})
	req := requestWithTenant(http.MethodPost, "/api/images/c.jpg/analyze", cfg, "c.jpg")
	w := httptest.NewRecorder()
	s.handleAnalyze(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleRandomImageFiltersPostedAndEmpty(t *testing.T) {
	store := newFakeStore()
	cfg := baseTenantConfig()
	// The only image is already posted, so no candidate remains.
	store.images = []storage.ImageHash{{Filename: "a.jpg", ContentHash: "hA"}}
	store.files[fkey(cfg.Storage.Root, "posted.json")] = []byte(`{"dropbox_content_hashes":["hA"]}`)

	s := newTestServer(store, &fakeAI{})
	req := requestWithTenant(http.MethodGet, "/api/images/random", cfg, "")
	w := httptest.NewRecorder()
	s.handleRandomImage(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for no candidates, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleRandomImageReturnsCandidate(t *testing.T) {
	store := newFakeStore()
	store.images = []storage.ImageHash{{Filename: "a.jpg", ContentHash: "hA"}}
	store.bytes["a.jpg"] = []byte("A")
	cfg := baseTenantConfig()

	s := newTestServer(store, &fakeAI{})
	req := requestWithTenant(http.MethodGet, "/api/images/random", cfg, "")
	w := httptest.NewRecorder()
	s.handleRandomImage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"filename":"a.jpg"`) {
		t.Fatalf("expected a.jpg in response, got %s", w.Body.String())
	}
	if store.downloadCalls != 1 || store.tempLinkCalls != 1 {
		t.Fatalf("expected one download and one temp_link call, got download=%d templink=%d", store.downloadCalls, store.tempLinkCalls)
	}
}

func TestHandleGetImageNotFound(t *testing.T) {
	store := newFakeStore()
	cfg := baseTenantConfig()

	s := newTestServer(store, &fakeAI{})
	req := requestWithTenant(http.MethodGet, "/api/images/missing.jpg", cfg, "missing.jpg")
	w := httptest.NewRecorder()
	s.handleGetImage(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleFeaturesAndPublishers(t *testing.T) {
	cfg := baseTenantConfig()
	cfg.Publishers = []config.PublisherConfig{{Type: "telegram", Enabled: true}, {Type: "email", Enabled: false}}

	s := newTestServer(newFakeStore(), &fakeAI{})

	req := requestWithTenant(http.MethodGet, "/api/config/features", cfg, "")
	w := httptest.NewRecorder()
	s.handleFeatures(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"analyze_caption":true`) {
		t.Fatalf("unexpected features response: %d %s", w.Code, w.Body.String())
	}

	req = requestWithTenant(http.MethodGet, "/api/config/publishers", cfg, "")
	w = httptest.NewRecorder()
	s.handlePublishers(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"telegram":true`) || !strings.Contains(w.Body.String(), `"email":false`) {
		t.Fatalf("unexpected publishers response: %d %s", w.Code, w.Body.String())
	}
}

func TestHandleAdminLoginNotConfigured(t *testing.T) {
	s := newTestServer(newFakeStore(), &fakeAI{})
	s.cfg = config.Server{}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", strings.NewReader(`{"password":"x"}`))
	w := httptest.NewRecorder()
	s.handleAdminLogin(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when admin_password unset", w.Code)
	}
}

func TestHandleAdminLoginWrongPassword(t *testing.T) {
	sessions, err := newSessionCodec("a-long-enough-test-secret-value")
	if err != nil {
		t.Fatalf("newSessionCodec: %v", err)
	}

	s := newTestServer(newFakeStore(), &fakeAI{})
	s.cfg = config.Server{AdminPassword: "correct-horse", AdminCookieTTLSeconds: 600}
	s.sessions = sessions

	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", strings.NewReader(`{"password":"wrong"}`))
	w := httptest.NewRecorder()
	s.handleAdminLogin(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for wrong password", w.Code)
	}
}

func TestHandleAdminStatusNoCookie(t *testing.T) {
	sessions, err := newSessionCodec("a-long-enough-test-secret-value")
	if err != nil {
		t.Fatalf("newSessionCodec: %v", err)
	}

	s := newTestServer(newFakeStore(), &fakeAI{})
	s.sessions = sessions

	req := httptest.NewRequest(http.MethodGet, "/api/admin/status", nil)
	w := httptest.NewRecorder()
	s.handleAdminStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"admin":false`) {
		t.Fatalf("expected admin:false without a cookie, got %s", w.Body.String())
	}
}
