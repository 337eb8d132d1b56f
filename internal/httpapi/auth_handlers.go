package httpapi

import (
	"net/http"
	"time"

	"helpdesk.org/internal/audit"
	"helpdesk.org/internal/auth"
)

type registerRequest struct {
	Username string       `json:"username"`
	Email    string       `json:"email"`
	Password string       `json:"password"`
	Profile  auth.Profile `json:"profile"`
}

type verifyEmailRequest struct {
	IdentityID string `json:"identity_id"`
	Code       string `json:"code"`
}

type resendCodeRequest struct {
	IdentityID string `json:"identity_id"`
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token          string         `json:"token"`
	SessionID      string         `json:"session_id"`
	Identity       *auth.Identity `json:"identity"`
	GraceExpiresAt *time.Time     `json:"grace_expires_at,omitempty"`
}

type changePasswordRequest struct {
	Current string `json:"current_password"`
	Next    string `json:"new_password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token    string `json:"token"`
	Password string `json:"new_password"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.svc.Register(r.Context(), auth.RegisterRequest{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Profile:  req.Profile,
		IP:       clientIP(r),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/identities/"+id.ID)
	writeJSON(w, http.StatusCreated, id)
}

func (a *API) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.IdentityID == "" || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "identity_id and code are required")
		return
	}
	if err := a.svc.VerifyEmail(r.Context(), req.IdentityID, req.Code); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified"})
}

func (a *API) resendCode(w http.ResponseWriter, r *http.Request) {
	var req resendCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.IdentityID == "" {
		writeError(w, r, http.StatusBadRequest, "identity_id is required")
		return
	}
	if err := a.svc.ResendCode(r.Context(), req.IdentityID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Authenticate(r.Context(), auth.Credentials{
		Login:     req.Login,
		Password:  req.Password,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if res.Outcome != auth.OutcomeSuccess {
		code := http.StatusUnauthorized
		switch res.Outcome {
		case auth.OutcomeLocked:
			code = http.StatusLocked
		case auth.OutcomePendingVerification, auth.OutcomePendingApproval:
			code = http.StatusForbidden
		}
		writeJSON(w, code, map[string]any{
			"error":      res.Outcome.Err().Error(),
			"outcome":    res.Outcome.String(),
			"request_id": RequestIDFromContext(r.Context()),
		})
		return
	}

	sess, err := a.svc.StartSession(r.Context(), res)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	token, err := a.svc.IssueSessionToken(sess)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	a.sessions.Put(sess)

	_ = audit.LogEvent(r.Context(), "session.issued", map[string]any{
		"identity_id": res.Identity.ID,
		"session_id":  sess.ID,
		"ip":          clientIP(r),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:          token,
		SessionID:      sess.ID,
		Identity:       res.Identity,
		GraceExpiresAt: sess.GraceExpiresAt,
	})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	a.svc.EndSession(r.Context(), p.Session, clientIP(r))
	a.sessions.Delete(p.Session.ID)
	_ = audit.LogEvent(r.Context(), "session.ended", map[string]any{
		"session_id": p.Session.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	perms := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		perms = append(perms, k)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":    p.Identity,
		"permissions": perms,
		"verified":    p.Session.Verified(a.svc.Now()),
	})
}

func (a *API) devices(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	list, err := a.svc.Devices(r.Context(), p.Identity.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if list == nil {
		list = []auth.TrustedDevice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": list})
}

func (a *API) beginPasswordChange(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.BeginPasswordChange(r.Context(), p.Session, p.Identity.ID, req.Current, req.Next); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "code_sent"})
}

func (a *API) confirmPasswordChange(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.ConfirmPasswordChange(r.Context(), p.Session, p.Identity.ID, req.Code); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeAuthError(w, r, err)
		return
	}
	// Same answer whether or not the address is known.
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (a *API) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
