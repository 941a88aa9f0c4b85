package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dhirmadi/imgpub/internal/ai"
	"github.com/dhirmadi/imgpub/internal/apperrors"
	"github.com/dhirmadi/imgpub/internal/config"
	"github.com/dhirmadi/imgpub/internal/logging"
	"github.com/dhirmadi/imgpub/internal/orchestrator"
	"github.com/dhirmadi/imgpub/internal/sidecar"
	"github.com/dhirmadi/imgpub/internal/storage"
)

// ImageResponse is the shape returned by random/list-one/get, per spec.md
// §4.J ("returns one candidate with temp URL, sha256, and cached sidecar
// view if present").
type ImageResponse struct {
	Filename    string   `json:"filename"`
	TempURL     string   `json:"temp_url"`
	SHA256      string   `json:"sha256"`
	ContentHash string   `json:"content_hash"`
	Caption     string   `json:"caption,omitempty"`
	SDCaption   string   `json:"sd_caption,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AnalysisResponse is POST /api/images/{filename}/analyze's body.
type AnalysisResponse struct {
	Filename  string   `json:"filename"`
	Caption   string   `json:"caption"`
	SDCaption string   `json:"sd_caption"`
	Tags      []string `json:"tags,omitempty"`
	NSFW      bool     `json:"nsfw"`
	CacheHit  bool     `json:"cache_hit"`
}

// listCache is the ~30s in-memory TTL cache for GET /api/images/list,
// keyed by tenant so one tenant's churn doesn't invalidate another's.
type listCacheEntry struct {
	filenames []string
	expiresAt time.Time
}

var (
	listCacheMu sync.Mutex
	listCache   = map[string]listCacheEntry{}
)

const listCacheTTL = 30 * time.Second

func (s *Server) candidateFilenames(r *http.Request, cfg *config.TenantConfig) ([]storage.ImageHash, error) {
	ctx := r.Context()

	all, err := s.store.ListImagesWithHashes(ctx, cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: list images: %v", apperrors.ErrUpstream, err)
	}

	state, err := orchestrator.LoadPostedState(ctx, s.store, cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: load posted state: %v", apperrors.ErrUpstream, err)
	}

	filtered := make([]storage.ImageHash, 0, len(all))
	for _, img := range all {
		if !state.HasContentHash(img.ContentHash) {
			filtered = append(filtered, img)
		}
	}

	return filtered, nil
}

func (s *Server) imageResponse(r *http.Request, cfg *config.TenantConfig, img storage.ImageHash) (ImageResponse, error) {
	ctx := r.Context()

	tempURL, err := s.store.TempLink(ctx, cfg.Storage.Root, img.Filename)
	if err != nil {
		return ImageResponse{}, fmt.Errorf("%w: temp_link: %v", apperrors.ErrUpstream, err)
	}

	data, err := s.store.Download(ctx, cfg.Storage.Root, img.Filename)
	if err != nil {
		return ImageResponse{}, fmt.Errorf("%w: download: %v", apperrors.ErrUpstream, err)
	}
	sum := sha256.Sum256(data)

	resp := ImageResponse{
		Filename:    img.Filename,
		TempURL:     tempURL,
		SHA256:      hex.EncodeToString(sum[:]),
		ContentHash: img.ContentHash,
	}

	if raw, err := s.store.ReadFile(ctx, cfg.Storage.Root, sidecar.Filename(img.Filename)); err == nil {
		if view, hit := sidecar.Rehydrate(string(raw)); hit {
			resp.Caption = view.Caption
			resp.SDCaption = view.SDCaption
			resp.Tags = view.Tags
		}
	}

	return resp, nil
}

func (s *Server) handleRandomImage(w http.ResponseWriter, r *http.Request) {
	cfg := tenantFromContext(r.Context())

	candidates, err := s.candidateFilenames(r, cfg)
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}
	if len(candidates) == 0 {
		httpError(w, "no candidate images", http.StatusNotFound)
		return
	}

	selected := candidates[rand.Intn(len(candidates))]
	resp, err := s.imageResponse(r, cfg, selected)
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}

	httpResponseJSON(w, resp, http.StatusOK)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	cfg := tenantFromContext(r.Context())

	listCacheMu.Lock()
	entry, ok := listCache[cfg.TenantID]
	listCacheMu.Unlock()

	if ok && time.Now().Before(entry.expiresAt) {
		httpResponseJSON(w, map[string][]string{"filenames": entry.filenames}, http.StatusOK)
		return
	}

	candidates, err := s.candidateFilenames(r, cfg)
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}

	filenames := make([]string, 0, len(candidates))
	for _, c := range candidates {
		filenames = append(filenames, c.Filename)
	}
	sort.Strings(filenames)

	listCacheMu.Lock()
	listCache[cfg.TenantID] = listCacheEntry{filenames: filenames, expiresAt: time.Now().Add(listCacheTTL)}
	listCacheMu.Unlock()

	httpResponseJSON(w, map[string][]string{"filenames": filenames}, http.StatusOK)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	cfg := tenantFromContext(r.Context())
	filename := r.PathValue("filename")

	all, err := s.store.ListImagesWithHashes(r.Context(), cfg.Storage.Root)
	if err != nil {
		httpErrorFromErr(w, fmt.Errorf("%w: list images: %v", apperrors.ErrUpstream, err))
		return
	}

	var found *storage.ImageHash
	for i := range all {
		if all[i].Filename == filename {
			found = &all[i]
			break
		}
	}
	if found == nil {
		httpError(w, "image not found", http.StatusNotFound)
		return
	}

	resp, err := s.imageResponse(r, cfg, *found)
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}

	httpResponseJSON(w, resp, http.StatusOK)
}

// handleAnalyze implements POST /api/images/{filename}/analyze: sidecar-
// cache-first unless force_refresh=true, matching the orchestrator's own
// analyze+caption step but logged from the endpoint's own perspective.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	cfg := tenantFromContext(r.Context())
	filename := r.PathValue("filename")
	forceRefresh, _ := strconv.ParseBool(r.URL.Query().Get("force_refresh"))

	if !cfg.Features.AnalyzeCaptionEnabled {
		httpError(w, "analyze_caption feature is disabled for this tenant", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	log := logging.FromContext(ctx)

	raw, err := s.store.ReadFile(ctx, cfg.Storage.Root, sidecar.Filename(filename))
	if err == nil && !forceRefresh {
		if view, hit := sidecar.Rehydrate(string(raw)); hit {
			log.Info("web_analyze_sidecar_cache_hit", "filename", filename)
			httpResponseJSON(w, AnalysisResponse{
				Filename:  filename,
				Caption:   view.Caption,
				SDCaption: view.SDCaption,
				Tags:      view.Tags,
				CacheHit:  true,
			}, http.StatusOK)
			return
		}
	}

	deps, err := s.buildDeps(cfg)
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}
	if deps.AI == nil {
		httpError(w, "ai is not configured for this tenant", http.StatusServiceUnavailable)
		return
	}

	tempURL, err := s.store.TempLink(ctx, cfg.Storage.Root, filename)
	if err != nil {
		httpErrorFromErr(w, fmt.Errorf("%w: temp_link: %v", apperrors.ErrUpstream, err))
		return
	}

	analysis, err := deps.AI.Analyze(ctx, tempURL)
	if err != nil {
		httpErrorFromErr(w, fmt.Errorf("%w: analyze: %v", apperrors.ErrUpstream, err))
		return
	}

	caption, sdCaptionPtr, err := deps.AI.CreateCaptionPair(ctx, analysis, ai.CaptionSpec{Platform: "multi-channel", Style: "casual", MaxLength: 2200})
	if err != nil {
		httpErrorFromErr(w, fmt.Errorf("%w: caption: %v", apperrors.ErrUpstream, err))
		return
	}
	sdCaption := ""
	if sdCaptionPtr != nil {
		sdCaption = *sdCaptionPtr
	}

	log.Info("web_analyze_refreshed", "filename", filename, "force_refresh", forceRefresh)

	httpResponseJSON(w, AnalysisResponse{
		Filename:  filename,
		Caption:   caption,
		SDCaption: sdCaption,
		Tags:      analysis.Tags,
		NSFW:      analysis.NSFW,
		CacheHit:  false,
	}, http.StatusOK)
}

// publishRequest is POST /api/images/{filename}/publish's optional body.
type publishRequest struct {
	PreviewMode bool `json:"preview_mode"`
	DryRun      bool `json:"dry_run"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	cfg := tenantFromContext(r.Context())
	filename := r.PathValue("filename")

	var req publishRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	deps, err := s.buildDeps(cfg)
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}

	result, err := orchestrator.Execute(r.Context(), deps, cfg, orchestrator.ExecuteOptions{
		SelectFilename: filename,
		PreviewMode:    req.PreviewMode,
		DryRun:         req.DryRun,
	})
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}

	httpResponseJSON(w, result, http.StatusOK)
}

type curationRequest struct {
	PreviewMode bool `json:"preview_mode"`
	DryRun      bool `json:"dry_run"`
}

func (s *Server) handleKeep(w http.ResponseWriter, r *http.Request) {
	s.handleCurate(w, r, orchestrator.KeepImage)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.handleCurate(w, r, orchestrator.RemoveImage)
}

func (s *Server) handleCurate(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, deps orchestrator.Deps, cfg *config.TenantConfig, filename string, previewMode, dryRun bool) (orchestrator.CurationResult, error)) {
	cfg := tenantFromContext(r.Context())
	filename := r.PathValue("filename")

	var req curationRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	deps, err := s.buildDeps(cfg)
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}

	result, err := action(r.Context(), deps, cfg, filename, req.PreviewMode, req.DryRun)
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}

	httpResponseJSON(w, result, http.StatusOK)
}
