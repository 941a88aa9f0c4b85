// Package orchestrator implements the end-to-end publish pipeline: select a
// candidate image, analyze and caption it, write its sidecar, fan out to
// every enabled publisher, and archive on any success. It also owns the
// curation actions (keep/remove) that share the pipeline's feature gates
// and subfolder validation.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhirmadi/imgpub/internal/ai"
	"github.com/dhirmadi/imgpub/internal/apperrors"
	"github.com/dhirmadi/imgpub/internal/config"
	"github.com/dhirmadi/imgpub/internal/logging"
	"github.com/dhirmadi/imgpub/internal/publish"
	"github.com/dhirmadi/imgpub/internal/sidecar"
	"github.com/dhirmadi/imgpub/internal/storage"
)

// TerminalReason marks a run that ended without error but also without
// doing any work, per spec.md's failure taxonomy ("terminal, not an
// error").
type TerminalReason string

const (
	TerminalNone        TerminalReason = ""
	TerminalNoNewImages TerminalReason = "no_new_images"
	TerminalDuplicate   TerminalReason = "duplicate"
)

// WorkflowResult is the outcome of one Execute call.
type WorkflowResult struct {
	CorrelationID    string                    `json:"correlation_id"`
	SelectedFilename string                    `json:"selected_filename,omitempty"`
	AnySuccess       bool                      `json:"any_success"`
	PerPlatform      map[string]publish.Result `json:"per_platform"`
	Archived         bool                      `json:"archived"`
	PreviewMode      bool                      `json:"preview_mode"`
	DryRun           bool                      `json:"dry_run"`
	Timings          map[string]int64          `json:"timings,omitempty"`
	Terminal         TerminalReason            `json:"terminal,omitempty"`
	PreviewText      string                    `json:"preview_text,omitempty"`
}

// CurationResult is the outcome of KeepImage/RemoveImage.
type CurationResult struct {
	Filename          string `json:"filename"`
	Action            string `json:"action"`
	DestinationFolder string `json:"destination_folder"`
	PreviewOnly       bool   `json:"preview_only"`
}

// Deps are the per-tenant collaborators Execute needs; the caller (the web
// service) builds one Deps value per resolved TenantConfig.
type Deps struct {
	Store      storage.Adapter
	AI         ai.Client
	Publishers []publish.Publisher
}

// ExecuteOptions controls one Execute call.
type ExecuteOptions struct {
	SelectFilename string
	PreviewMode    bool
	DryRun         bool
	ForceRefresh   bool
}

// defaultCaptionSpec is the single caption rendering requested per run; each
// publisher applies its own further platform truncation on top (e.g.
// Telegram's 1024-char cap), matching S2's single create_caption_pair call.
var defaultCaptionSpec = ai.CaptionSpec{
	Platform:  "multi-channel",
	Style:     "casual",
	MaxLength: 2200,
}

// Execute runs the full pipeline of spec.md §4.F for one tenant.
func Execute(ctx context.Context, deps Deps, cfg *config.TenantConfig, opts ExecuteOptions) (WorkflowResult, error) {
	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = logging.NewCorrelationID()
		ctx = logging.WithCorrelationID(ctx, correlationID)
	}
	log := logging.FromContext(ctx)
	timer := logging.NewStageTimer()

	result := WorkflowResult{
		CorrelationID: correlationID,
		PerPlatform:   make(map[string]publish.Result),
		PreviewMode:   opts.PreviewMode,
		DryRun:        opts.DryRun,
	}

	// 1. List + dedup candidates. Posted images are never downloaded.
	candidates, err := listCandidates(ctx, deps.Store, cfg.Storage.Root, timer)
	if err != nil {
		return result, err
	}

	state, err := loadPostedState(ctx, deps.Store, cfg.Storage.Root)
	if err != nil {
		return result, err
	}

	filtered := make([]storage.ImageHash, 0, len(candidates))
	for _, c := range candidates {
		if !state.HasContentHash(c.ContentHash) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		log.Info("no_new_images", "correlation_id", correlationID)
		result.Terminal = TerminalNoNewImages
		result.Timings = timer.Snapshot()
		return result, nil
	}

	// 2. Select, download, sha256, dedup-by-sha256.
	selected := selectCandidate(filtered, opts.SelectFilename)
	result.SelectedFilename = selected.Filename

	imageBytes, err := timedDownload(ctx, deps.Store, cfg.Storage.Root, selected.Filename, timer)
	if err != nil {
		return result, err
	}

	sum := sha256.Sum256(imageBytes)
	sha := hex.EncodeToString(sum[:])
	if state.HasSHA256(sha) {
		log.Info("duplicate", "correlation_id", correlationID, "filename", selected.Filename)
		result.Terminal = TerminalDuplicate
		result.Timings = timer.Snapshot()
		return result, nil
	}

	// 3. Analyze + caption, gated by the feature flag and sidecar cache state.
	caption, sdCaption, analysis, freshAnalysis, err := analyzeAndCaption(ctx, deps, cfg, selected.Filename, opts.ForceRefresh, timer, log)
	if err != nil {
		return result, err
	}

	shortCircuit := opts.PreviewMode || opts.DryRun

	// 4. Sidecar write, only when fresh analysis ran and not short-circuited.
	if freshAnalysis && !shortCircuit {
		writeSidecar(ctx, deps.Store, cfg, selected.Filename, selected.ContentHash, sha, sdCaption, analysis, log, timer)
	}

	if opts.PreviewMode {
		result.PreviewText = renderPreview(selected.Filename, caption, sdCaption, analysis)
		result.Timings = timer.Snapshot()
		return result, nil
	}

	// 5. Publish, gated by features.publish_enabled.
	if !cfg.Features.PublishEnabled || opts.DryRun {
		if !cfg.Features.PublishEnabled {
			log.Info("feature_publish_skipped", "correlation_id", correlationID)
		}
		result.Timings = timer.Snapshot()
		return result, nil
	}

	publishStart := time.Now()
	results := fanOutPublish(ctx, deps.Publishers, selected, imageBytes, caption)
	timer.Record("publish", time.Since(publishStart).Milliseconds())
	for _, r := range results {
		result.PerPlatform[r.Platform] = r
		if r.Success {
			result.AnySuccess = true
		}
	}

	// 6. Archive, gated by content.archive AND any_success AND NOT dry_run.
	if cfg.Content.Archive && result.AnySuccess {
		if err := archiveSelected(ctx, deps.Store, cfg, selected, sha, state, log, timer); err != nil {
			log.Warn("archive_failed", "correlation_id", correlationID, "error", err.Error())
		} else {
			result.Archived = true
		}
	}

	result.Timings = timer.Snapshot()
	return result, nil
}

func listCandidates(ctx context.Context, store storage.Adapter, root string, timer *logging.StageTimer) ([]storage.ImageHash, error) {
	start := time.Now()
	candidates, err := store.ListImagesWithHashes(ctx, root)
	timer.Record("list_images", time.Since(start).Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return candidates, nil
}

func selectCandidate(candidates []storage.ImageHash, selectFilename string) storage.ImageHash {
	if selectFilename != "" {
		for _, c := range candidates {
			if c.Filename == selectFilename {
				return c
			}
		}
	}
	return candidates[rand.Intn(len(candidates))]
}

func timedDownload(ctx context.Context, store storage.Adapter, root, filename string, timer *logging.StageTimer) ([]byte, error) {
	start := time.Now()
	data, err := store.Download(ctx, root, filename)
	timer.Record("download", time.Since(start).Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", filename, err)
	}
	return data, nil
}

// analyzeAndCaption implements step 3: sidecar-as-cache first, fresh AI call
// otherwise, or an explicit skip when the feature is disabled.
func analyzeAndCaption(ctx context.Context, deps Deps, cfg *config.TenantConfig, filename string, forceRefresh bool, timer *logging.StageTimer, log interface {
	Info(msg string, args ...any)
}) (caption string, sdCaption string, analysis ai.ImageAnalysis, fresh bool, err error) {
	cached, hasCached := readSidecarCache(ctx, deps.Store, cfg.Storage.Root, filename)

	if !cfg.Features.AnalyzeCaptionEnabled {
		log.Info("feature_analyze_caption_skipped")
		if hasCached {
			return cached.Caption, cached.SDCaption, ai.ImageAnalysis{Tags: cached.Tags}, false, nil
		}
		return "", "", ai.ImageAnalysis{}, false, nil
	}

	if hasCached && !forceRefresh {
		log.Info("cache_hit")
		return cached.Caption, cached.SDCaption, ai.ImageAnalysis{Tags: cached.Tags, SDCaption: cached.SDCaption}, false, nil
	}

	start := time.Now()
	tempURL, err := deps.Store.TempLink(ctx, cfg.Storage.Root, filename)
	if err != nil {
		return "", "", ai.ImageAnalysis{}, false, fmt.Errorf("temp_link %s: %w", filename, err)
	}

	analysis, err = deps.AI.Analyze(ctx, tempURL)
	if err != nil {
		return "", "", ai.ImageAnalysis{}, false, fmt.Errorf("%w: analyze %s: %v", apperrors.ErrUpstream, filename, err)
	}

	caption, sdCaptionPtr, err := deps.AI.CreateCaptionPair(ctx, analysis, defaultCaptionSpec)
	if err != nil {
		return "", "", ai.ImageAnalysis{}, false, fmt.Errorf("%w: caption %s: %v", apperrors.ErrUpstream, filename, err)
	}
	timer.Record("analyze_caption", time.Since(start).Milliseconds())

	if sdCaptionPtr != nil {
		sdCaption = *sdCaptionPtr
	}

	return caption, sdCaption, analysis, true, nil
}

func readSidecarCache(ctx context.Context, store storage.Adapter, root, filename string) (sidecar.CacheView, bool) {
	raw, err := store.ReadFile(ctx, root, sidecar.Filename(filename))
	if err != nil {
		return sidecar.CacheView{}, false
	}
	return sidecar.Rehydrate(string(raw))
}

func writeSidecar(ctx context.Context, store storage.Adapter, cfg *config.TenantConfig, filename, contentHash, sha, sdCaption string, analysis ai.ImageAnalysis, log interface {
	Warn(msg string, args ...any)
}, timer *logging.StageTimer) {
	start := time.Now()

	id := sidecar.Identity{ImageFile: filename, ContentHash: contentHash, SHA256: sha}
	versions := sidecar.Versions{
		SDCaptionVersion: cfg.CaptionFile.SDCaptionVersion,
		ModelVersion:     cfg.CaptionFile.ModelVersion,
	}

	var extended *sidecar.Extended
	if cfg.AI.ExtendedMetadataEnabled {
		extended = &sidecar.Extended{
			Lighting:       analysis.Lighting,
			Pose:           analysis.Pose,
			Materials:      analysis.Materials,
			ArtStyle:       analysis.ArtStyle,
			Tags:           analysis.Tags,
			AestheticTerms: analysis.AestheticTerms,
			Moderation:     analysis.Moderation,
		}
	}

	text := sidecar.Build(sdCaption, id, versions, extended)
	basename := strings.TrimSuffix(filename, filepath.Ext(filename))

	if err := store.WriteSidecarText(ctx, cfg.Storage.Root, basename, text); err != nil {
		log.Warn("sidecar_write_failed", "filename", filename, "error", err.Error())
	}
	timer.Record("sidecar_write", time.Since(start).Milliseconds())
}

// fanOutPublish runs every enabled publisher concurrently, collecting every
// outcome with no cancellation of peers: one publisher's failure or panic
// recovery never prevents the others from completing.
func fanOutPublish(ctx context.Context, publishers []publish.Publisher, img storage.ImageHash, imageBytes []byte, caption string) []publish.Result {
	enabled := make([]publish.Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p.IsEnabled() {
			enabled = append(enabled, p)
		}
	}

	results := make([]publish.Result, len(enabled))

	var wg sync.WaitGroup
	wg.Add(len(enabled))
	for i, p := range enabled {
		go func(i int, p publish.Publisher) {
			defer wg.Done()
			results[i] = runPublisher(ctx, p, img, imageBytes, caption)
		}(i, p)
	}
	wg.Wait()

	return results
}

// runPublisher recovers a publisher panic into a failed Result so one
// broken channel can never abort the gather.
func runPublisher(ctx context.Context, p publish.Publisher, img storage.ImageHash, imageBytes []byte, caption string) (result publish.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = publish.Result{Success: false, Platform: p.Platform(), Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	return p.Publish(ctx, publish.ImageRef{Filename: img.Filename, Bytes: imageBytes}, caption, nil)
}

func archiveSelected(ctx context.Context, store storage.Adapter, cfg *config.TenantConfig, img storage.ImageHash, sha string, state *PostedState, log interface {
	Info(msg string, args ...any)
}, timer *logging.StageTimer) error {
	start := time.Now()
	if err := store.MoveWithSidecars(ctx, cfg.Storage.Root, img.Filename, cfg.Storage.Archive); err != nil {
		return fmt.Errorf("archive %s: %w", img.Filename, err)
	}
	timer.Record("archive", time.Since(start).Milliseconds())

	state.Record(sha, img.ContentHash)
	if err := savePostedState(ctx, store, cfg.Storage.Root, state); err != nil {
		log.Info("posted_state_save_failed", "error", err.Error())
	}

	return nil
}

func renderPreview(filename, caption, sdCaption string, analysis ai.ImageAnalysis) string {
	return fmt.Sprintf(
		"filename: %s\ncaption: %s\nsd_caption: %s\ntags: %v\nnsfw: %v\n",
		filename, caption, sdCaption, analysis.Tags, analysis.NSFW,
	)
}

// KeepImage moves filename into the configured keep subfolder.
func KeepImage(ctx context.Context, deps Deps, cfg *config.TenantConfig, filename string, previewMode, dryRun bool) (CurationResult, error) {
	return curate(ctx, deps, cfg, filename, "keep", cfg.Features.KeepEnabled, cfg.Storage.Keep, previewMode, dryRun)
}

// RemoveImage moves filename into the configured remove subfolder.
func RemoveImage(ctx context.Context, deps Deps, cfg *config.TenantConfig, filename string, previewMode, dryRun bool) (CurationResult, error) {
	return curate(ctx, deps, cfg, filename, "remove", cfg.Features.RemoveEnabled, cfg.Storage.Remove, previewMode, dryRun)
}

func curate(ctx context.Context, deps Deps, cfg *config.TenantConfig, filename, action string, featureEnabled bool, destFolder string, previewMode, dryRun bool) (CurationResult, error) {
	if !featureEnabled {
		return CurationResult{}, fmt.Errorf("%w: %s curation is disabled for this tenant", apperrors.ErrForbidden, action)
	}

	if err := config.ValidateSimpleName("destination_folder", destFolder); err != nil {
		return CurationResult{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}

	result := CurationResult{Filename: filename, Action: action, DestinationFolder: destFolder}

	if previewMode || dryRun {
		result.PreviewOnly = true
		return result, nil
	}

	if err := deps.Store.MoveWithSidecars(ctx, cfg.Storage.Root, filename, destFolder); err != nil {
		return CurationResult{}, fmt.Errorf("%s %s: %w", action, filename, err)
	}

	return result, nil
}
