package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/dhirmadi/imgpub/internal/crypto"
)

// adminCookieName is fixed by spec.md §6.
const adminCookieName = "pv2_admin"

// adminSession is the tamper-protected payload stored in the admin cookie.
type adminSession struct {
	Email     string
	ExpiresAt time.Time
}

// sessionCodec signs (but does not encrypt) the admin cookie with the
// process's web_session_secret; the cookie carries no secret value, only an
// allowlisted email and an expiry, so authentication without encryption is
// sufficient.
type sessionCodec struct {
	sc *securecookie.SecureCookie
}

func newSessionCodec(webSessionSecret string) (*sessionCodec, error) {
	if webSessionSecret == "" {
		return nil, fmt.Errorf("web_session_secret is required for admin auth")
	}

	hashKey, err := crypto.DeriveKey(webSessionSecret)
	if err != nil {
		return nil, err
	}

	return &sessionCodec{sc: securecookie.New(hashKey, nil)}, nil
}

func (c *sessionCodec) issue(w http.ResponseWriter, email string, ttl time.Duration, secure bool) error {
	session := adminSession{Email: email, ExpiresAt: time.Now().Add(ttl)}

	encoded, err := c.sc.Encode(adminCookieName, session)
	if err != nil {
		return fmt.Errorf("encode admin session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})

	return nil
}

func (c *sessionCodec) verify(r *http.Request) (adminSession, bool) {
	cookie, err := r.Cookie(adminCookieName)
	if err != nil {
		return adminSession{}, false
	}

	var session adminSession
	if err := c.sc.Decode(adminCookieName, cookie.Value, &session); err != nil {
		return adminSession{}, false
	}

	if time.Now().After(session.ExpiresAt) {
		return adminSession{}, false
	}

	return session, true
}

func clearAdminCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// clampTTL enforces spec.md §6's [60s, 3600s] bound on the admin cookie TTL.
func clampTTL(seconds int) time.Duration {
	if seconds < 60 {
		seconds = 60
	}
	if seconds > 3600 {
		seconds = 3600
	}

	return time.Duration(seconds) * time.Second
}
