package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dhirmadi/imgpub/internal/config"
)

// oauthStateCookie carries the CSRF state between /auth/login and
// /auth/callback; it is short-lived and never readable by JavaScript.
const oauthStateCookie = "pv2_oauth_state"

// secureCookies reports whether the process is serving over TLS, used to
// decide the admin/state cookies' Secure flag. spec.md requires Secure in
// production; BasePath/Host alone don't tell us that, so this is driven by
// the scheme the request actually arrived on (set by a TLS-terminating
// proxy via X-Forwarded-Proto, matching the teacher's forward-auth setup).
func secureCookies(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// ensureCurationFolders best-effort-creates the tenant's keep/remove
// subfolders on admin login, per spec.md §4.J; failures are logged, never
// fatal, since move_with_sidecars also ensures the destination exists.
func (s *Server) ensureCurationFolders(ctx context.Context, cfg *config.TenantConfig) {
	for _, sub := range []string{cfg.Storage.Keep, cfg.Storage.Remove} {
		if sub == "" {
			continue
		}
		if err := s.store.EnsureFolder(ctx, path.Join(cfg.Storage.Root, sub)); err != nil {
			slog.Warn("ensure_curation_folder_failed", "folder", sub, "error", err.Error())
		}
	}
}

type adminLoginRequest struct {
	Password string `json:"password"`
}

type adminStatusResponse struct {
	Admin bool `json:"admin"`
}

// handleAdminLogin implements the legacy shared-password fallback, POST
// /api/admin/login. 503 when no admin_password is configured for the
// process, matching spec.md's "503 if not configured" behavior.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminPassword == "" {
		httpError(w, "admin password login is not configured", http.StatusServiceUnavailable)
		return
	}
	if s.sessions == nil {
		httpError(w, "admin auth is not configured", http.StatusServiceUnavailable)
		return
	}

	var req adminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPassword)) != 1 {
		httpError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ttl := clampTTL(s.cfg.AdminCookieTTLSeconds)
	if err := s.sessions.issue(w, "admin", ttl, secureCookies(r)); err != nil {
		httpErrorFromErr(w, err)
		return
	}

	if cfg := tenantFromContext(r.Context()); cfg != nil {
		s.ensureCurationFolders(r.Context(), cfg)
	}

	httpResponseJSON(w, adminStatusResponse{Admin: true}, http.StatusOK)
}

// handleAdminStatus answers GET /api/admin/status; a missing or expired
// cookie is a normal "not admin" answer, never an error.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	admin := false
	if s.sessions != nil {
		if _, ok := s.sessions.verify(r); ok {
			admin = true
		}
	}

	httpResponseJSON(w, adminStatusResponse{Admin: admin}, http.StatusOK)
}

// handleAdminLogout clears the admin cookie unconditionally.
func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	clearAdminCookie(w, secureCookies(r))
	httpResponseJSON(w, adminStatusResponse{Admin: false}, http.StatusOK)
}

// handleAuthLogin redirects to Auth0's /authorize endpoint, starting the
// OIDC code exchange. The CSRF state is stashed in a short-lived cookie
// rather than server-side session storage, since there is no session yet.
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.oauthCfg == nil {
		httpError(w, "oidc login is not configured", http.StatusServiceUnavailable)
		return
	}

	state, err := randomState()
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		HttpOnly: true,
		Secure:   secureCookies(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})

	http.Redirect(w, r, s.oauthCfg.AuthCodeURL(state), http.StatusFound)
}

// userinfoResponse is the subset of Auth0's /userinfo body this service
// reads. Unknown fields are ignored.
type userinfoResponse struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// handleAuthCallback exchanges the authorization code, fetches the user's
// email from Auth0's /userinfo, checks it against the admin allowlist, and
// issues the admin cookie on success. A JWT is never parsed or verified
// locally; the access token is only ever handed back to Auth0 itself.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauthCfg == nil {
		httpError(w, "oidc login is not configured", http.StatusServiceUnavailable)
		return
	}
	if s.sessions == nil {
		httpError(w, "admin auth is not configured", http.StatusServiceUnavailable)
		return
	}

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || r.URL.Query().Get("state") != stateCookie.Value {
		httpError(w, "invalid oauth state", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name: oauthStateCookie, Value: "", Path: "/auth", MaxAge: -1,
		HttpOnly: true, Secure: secureCookies(r), SameSite: http.SameSiteLaxMode,
	})

	code := r.URL.Query().Get("code")
	if code == "" {
		httpError(w, "missing code", http.StatusBadRequest)
		return
	}

	token, err := s.oauthCfg.Exchange(r.Context(), code)
	if err != nil {
		httpErrorFromErr(w, fmt.Errorf("exchange oauth code: %w", err))
		return
	}

	email, err := s.fetchAuth0Email(r.Context(), token.AccessToken)
	if err != nil {
		httpErrorFromErr(w, err)
		return
	}

	if !emailAllowlisted(email, s.cfg.AdminLoginEmails) {
		httpError(w, "email not authorized for admin access", http.StatusForbidden)
		return
	}

	ttl := clampTTL(s.cfg.AdminCookieTTLSeconds)
	if err := s.sessions.issue(w, email, ttl, secureCookies(r)); err != nil {
		httpErrorFromErr(w, err)
		return
	}

	if cfg := tenantFromContext(r.Context()); cfg != nil {
		s.ensureCurationFolders(r.Context(), cfg)
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// handleAuthLogout clears the admin cookie. It does not round-trip through
// Auth0's own /v2/logout, since the only session state that matters here is
// the local cookie.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	clearAdminCookie(w, secureCookies(r))
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) fetchAuth0Email(ctx context.Context, accessToken string) (string, error) {
	domain := ""
	if s.cfg.Auth0 != nil {
		domain = s.cfg.Auth0.Domain
	}
	if domain == "" {
		return "", fmt.Errorf("oidc userinfo: auth0 domain is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+domain+"/userinfo", nil)
	if err != nil {
		return "", fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, string(body))
	}

	var info userinfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response carries no email claim")
	}

	return info.Email, nil
}

func emailAllowlisted(email string, allowlist []string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, candidate := range allowlist {
		if strings.ToLower(strings.TrimSpace(candidate)) == email {
			return true
		}
	}
	return false
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
