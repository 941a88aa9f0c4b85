package server

import "net/http"

// handleFeatures answers GET /api/config/features: a boolean map the SPA
// uses to hide disabled actions client-side. The per-tenant enforcement
// still happens in the handler (handleAnalyze etc.); this is advisory.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	cfg := tenantFromContext(r.Context())

	httpResponseJSON(w, map[string]bool{
		"analyze_caption": cfg.Features.AnalyzeCaptionEnabled,
		"publish":         cfg.Features.PublishEnabled,
		"keep_curate":     cfg.Features.KeepEnabled,
		"remove_curate":   cfg.Features.RemoveEnabled,
	}, http.StatusOK)
}

// handlePublishers answers GET /api/config/publishers: platform -> enabled,
// derived from the tenant's publisher list. Settings and credentials never
// appear here.
func (s *Server) handlePublishers(w http.ResponseWriter, r *http.Request) {
	cfg := tenantFromContext(r.Context())

	out := make(map[string]bool, len(cfg.Publishers))
	for _, p := range cfg.Publishers {
		out[p.Type] = p.Enabled
	}

	httpResponseJSON(w, out, http.StatusOK)
}
