package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"helpdesk.org/internal/auth"
)

const (
	authHeader  = "Authorization"
	bearer      = "Bearer "
	trustHeader = "X-Device-Trust"
)

// withSession resolves the bearer session token into a live session and the identity
// behind it.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.svc.ParseSessionToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		sess, ok := a.sessions.Get(claims.SessionID)
		if !ok || sess.IdentityID != claims.Subject {
			writeError(w, r, http.StatusUnauthorized, "session expired")
			return
		}
		id, err := a.svc.Identity(r.Context(), sess.IdentityID)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				a.sessions.Delete(sess.ID)
				writeError(w, r, http.StatusUnauthorized, "session expired")
				return
			}
			writeAuthError(w, r, err)
			return
		}
		if !id.Active || !id.Approved {
			writeError(w, r, http.StatusForbidden, "account is not active")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), auth.NewPrincipal(id, sess))
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withGate applies the two-factor gate. A redirect is answered with 403, the target in
// Location and in the body.
func (a *API) withGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		fp, err := a.trustedFingerprint(r, p.Identity.ID)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		decision, err := a.svc.Gate(r.Context(), p.Session, auth.GateRequest{Path: r.URL.Path, Fingerprint: fp})
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		if !decision.Allow {
			w.Header().Set("Location", decision.Redirect)
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":      "two-factor authentication required",
				"redirect":   decision.Redirect,
				"request_id": RequestIDFromContext(r.Context()),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trustedFingerprint returns the device fingerprint only when the client presents a
// trust token issued to this identity for this device.
func (a *API) trustedFingerprint(r *http.Request, identityID string) (string, error) {
	token := strings.TrimSpace(r.Header.Get(trustHeader))
	if token == "" {
		return "", nil
	}
	dev := deviceFromRequest(r)
	subject, ok, err := a.svc.CheckTrustToken(r.Context(), token, dev)
	if err != nil || !ok || subject != identityID {
		return "", err
	}
	return auth.Fingerprint(dev), nil
}

func (a *API) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !principal.HasPermission(perm) {
				writeError(w, r, http.StatusForbidden, "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deviceFromRequest(r *http.Request) auth.Device {
	return auth.Device{
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
		Hints: auth.ClientHints{
			Brand:    r.Header.Get("Sec-CH-UA"),
			Platform: r.Header.Get("Sec-CH-UA-Platform"),
		},
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
