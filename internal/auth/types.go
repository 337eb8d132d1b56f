package auth

import "time"

const (
	// VerificationCodeTTL bounds how long an emailed code stays usable.
	VerificationCodeTTL = 24 * time.Hour
	// PasswordChangeCodeTTL bounds how long a password change confirmation code stays usable.
	PasswordChangeCodeTTL = 15 * time.Minute
	// MaxVerificationAttempts wrong codes block a code until it is reissued.
	MaxVerificationAttempts = 5
	// LockoutThreshold consecutive password failures lock the account.
	LockoutThreshold = 5
	// EnrollmentReuseWindow keeps a pending TOTP secret stable for repeated setup requests.
	EnrollmentReuseWindow = 60 * time.Second
	// RecoveryCodeCooldown limits recovery code generation per identity.
	RecoveryCodeCooldown = 24 * time.Hour
	// DeviceTrustTTL is the lifetime of a trusted device record.
	DeviceTrustTTL = 30 * 24 * time.Hour
	// SessionVerificationTTL lets a verified session skip repeated TOTP challenges.
	SessionVerificationTTL = 30 * 24 * time.Hour
	// SetupGracePeriod lets a freshly approved identity work before enrolling 2FA.
	SetupGracePeriod = 10 * time.Minute
)

// Profile carries optional contact details captured at registration.
type Profile struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Identity is the aggregate root of an account.
type Identity struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	PasswordHash  string     `json:"-"`
	Active        bool       `json:"active"`
	Role          Role       `json:"role"`
	Group         string     `json:"group"`
	Organizations []string   `json:"organizations"`
	Approved      bool       `json:"approved"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	Profile       Profile    `json:"profile"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// InOrganization reports whether the identity is a member of org.
func (i *Identity) InOrganization(org string) bool {
	for _, o := range i.Organizations {
		if o == org {
			return true
		}
	}
	return false
}

// SharesOrganization reports whether two identities have at least one organization in common.
func (i *Identity) SharesOrganization(other *Identity) bool {
	for _, o := range other.Organizations {
		if i.InOrganization(o) {
			return true
		}
	}
	return false
}

func (i *Identity) clone() *Identity {
	cp := *i
	cp.Organizations = append([]string(nil), i.Organizations...)
	if i.ApprovedAt != nil {
		at := *i.ApprovedAt
		cp.ApprovedAt = &at
	}
	return &cp
}

// Organization is a customer organization identities can belong to.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is the single membership an approved identity holds. Its role is what the
// identity's Role field is set to at approval.
type Group struct {
	Name                       string `json:"name"`
	Role                       Role   `json:"role"`
	AllowMultipleOrganizations bool   `json:"allow_multiple_organizations"`
}

// EmailVerification holds the live code for an identity.
type EmailVerification struct {
	IdentityID string
	Code       string
	CreatedAt  time.Time
	Verified   bool
	VerifiedAt *time.Time
	Attempts   int
}

// Expired reports whether the code is older than VerificationCodeTTL at now.
func (v EmailVerification) Expired(now time.Time) bool {
	return now.Sub(v.CreatedAt) > VerificationCodeTTL
}

// LoginSecurityState tracks brute-force protection for an identity.
type LoginSecurityState struct {
	IdentityID     string
	FailedAttempts int
	Locked         bool
	LockedAt       *time.Time
}

// TwoFactorCredential is the only source of truth for an identity's TOTP state.
type TwoFactorCredential struct {
	IdentityID          string
	Secret              string
	Enabled             bool
	EnabledOn           *time.Time
	LastAuthenticatedAt *time.Time
	// LastStep is the last accepted TOTP counter; codes at or below it are replays.
	LastStep uint64
}

// RecoveryCredential stores salt||PBKDF2 of the single live recovery code.
type RecoveryCredential struct {
	IdentityID  string
	Hash        string
	GeneratedAt time.Time
}

// Live reports whether the credential can still be redeemed.
func (r RecoveryCredential) Live() bool { return r.Hash != "" }

// TrustedDevice lets a device skip TOTP challenges until ExpiresAt.
type TrustedDevice struct {
	IdentityID  string    `json:"-"`
	Fingerprint string    `json:"fingerprint"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// ValidAt reports whether the trust record is still in force at now.
func (d TrustedDevice) ValidAt(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}
