package httpapi

import (
	"errors"
	"net/http"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

var authStatus = []struct {
	err  error
	code int
}{
	{auth.ErrDuplicateIdentity, http.StatusConflict},
	{auth.ErrOrphanedRecordConflict, http.StatusConflict},
	{auth.ErrAlreadyEnrolled, http.StatusConflict},
	{auth.ErrInvalidInput, http.StatusBadRequest},
	{auth.ErrCodeMismatch, http.StatusBadRequest},
	{auth.ErrCodeExpired, http.StatusBadRequest},
	{auth.ErrNoPendingEnrollment, http.StatusBadRequest},
	{auth.ErrNoPendingPasswordChange, http.StatusBadRequest},
	{auth.ErrNotEnrolled, http.StatusBadRequest},
	{auth.ErrVerificationAttemptsExceeded, http.StatusTooManyRequests},
	{auth.ErrTOTPEnrollmentRateLimited, http.StatusTooManyRequests},
	{auth.ErrRecoveryCodeRateLimited, http.StatusTooManyRequests},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized},
	{auth.ErrTOTPInvalid, http.StatusUnauthorized},
	{auth.ErrRecoveryCodeInvalid, http.StatusUnauthorized},
	{auth.ErrInvalidToken, http.StatusUnauthorized},
	{auth.ErrAccountLocked, http.StatusLocked},
	{auth.ErrPendingVerification, http.StatusForbidden},
	{auth.ErrPendingApproval, http.StatusForbidden},
	{auth.ErrUnauthorized, http.StatusForbidden},
	{auth.ErrInsufficientApprovalAuthority, http.StatusForbidden},
	{auth.ErrNotFound, http.StatusNotFound},
	{auth.ErrNotificationDeliveryFailed, http.StatusBadGateway},
}

// writeAuthError maps the auth error taxonomy onto HTTP statuses. Anything unknown is
// logged and answered with a bare 500.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range authStatus {
		if errors.Is(err, m.err) {
			msg := m.err.Error()
			if m.err == auth.ErrInvalidInput {
				msg = err.Error()
			}
			writeError(w, r, m.code, msg)
			return
		}
	}
	obs.Error("request_failed", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"path":       r.URL.Path,
		"error":      err.Error(),
	})
	writeError(w, r, http.StatusInternalServerError, "internal error")
}
