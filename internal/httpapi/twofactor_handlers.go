package httpapi

import (
	"net/http"
	"strings"

	"helpdesk.org/internal/auth"
)

type codeRequest struct {
	Code string `json:"code"`
}

type verifyRequest struct {
	Code        string `json:"code"`
	TrustDevice bool   `json:"trust_device"`
}

type verifyResponse struct {
	Skipped    bool                `json:"skipped"`
	Device     *auth.TrustedDevice `json:"device,omitempty"`
	TrustToken string              `json:"trust_token,omitempty"`
	Next       string              `json:"next,omitempty"`
}

func (a *API) beginEnrollment(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	en, err := a.svc.BeginEnrollment(r.Context(), p.Session, p.Identity.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, en)
}

func (a *API) confirmEnrollment(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	res, err := a.svc.ConfirmEnrollment(r.Context(), p.Session, p.Identity.ID, req.Code, clientIP(r))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) verifyLogin(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	res, err := a.svc.VerifyLogin(r.Context(), p.Session, p.Identity.ID, req.Code, auth.VerifyOptions{
		TrustDevice: req.TrustDevice,
		TrustToken:  strings.TrimSpace(r.Header.Get(trustHeader)),
		Device:      deviceFromRequest(r),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Skipped:    res.Skipped,
		Device:     res.Device,
		TrustToken: res.TrustToken,
		Next:       p.Session.TakeNextURL(),
	})
}

// challengeFrom reads the optional {"code"} body of a self-service two-factor change.
func challengeFrom(w http.ResponseWriter, r *http.Request) (auth.Challenge, error) {
	var req codeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		return auth.Challenge{}, err
	}
	return auth.Challenge{Code: req.Code, IP: clientIP(r)}, nil
}

func (a *API) disableTwoFactor(w http.ResponseWriter, r *http.Request) {
	ch, err := challengeFrom(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.Disable(r.Context(), p.Session, p.Identity.ID, ch); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) generateRecoveryCode(w http.ResponseWriter, r *http.Request) {
	ch, err := challengeFrom(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	code, err := a.svc.GenerateRecoveryCode(r.Context(), p.Session, p.Identity.ID, ch)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recovery_code": code})
}

func (a *API) redeemRecoveryCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.VerifyRecoveryCode(r.Context(), p.Identity.ID, req.Code, clientIP(r)); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "two_factor_disabled"})
}
