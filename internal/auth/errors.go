package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")

	ErrDuplicateIdentity             = errors.New("auth: username or email already registered")
	ErrCodeExpired                   = errors.New("auth: verification code expired")
	ErrCodeMismatch                  = errors.New("auth: verification code mismatch")
	ErrVerificationAttemptsExceeded  = errors.New("auth: too many verification attempts")
	ErrInvalidCredentials            = errors.New("auth: invalid credentials")
	ErrAccountLocked                 = errors.New("auth: account locked")
	ErrPendingVerification           = errors.New("auth: email verification pending")
	ErrPendingApproval               = errors.New("auth: approval pending")
	ErrInsufficientApprovalAuthority = errors.New("auth: insufficient approval authority")
	ErrTOTPInvalid                   = errors.New("auth: invalid two-factor code")
	ErrTOTPEnrollmentRateLimited     = errors.New("auth: two-factor enrollment rate limited")
	ErrNotEnrolled                   = errors.New("auth: two-factor not enabled")
	ErrAlreadyEnrolled               = errors.New("auth: two-factor already enabled")
	ErrNoPendingEnrollment           = errors.New("auth: no pending two-factor enrollment")
	ErrNoPendingPasswordChange       = errors.New("auth: no pending password change")
	ErrRecoveryCodeRateLimited       = errors.New("auth: recovery code generated within the last 24h")
	ErrRecoveryCodeInvalid           = errors.New("auth: invalid recovery code")
	ErrOrphanedRecordConflict        = errors.New("auth: identity is missing dependent records")
	ErrNotificationDeliveryFailed    = errors.New("auth: notification delivery failed")
)
