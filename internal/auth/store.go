package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity subsystem.
//
// Lookups of dependent records return a found flag instead of ErrNotFound so callers
// branch on presence explicitly. Identity lookups by id keep ErrNotFound because a
// missing identity is an error for every caller.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	Organizations(ctx context.Context) OrganizationStore
	Groups(ctx context.Context) GroupStore
	Verifications(ctx context.Context) VerificationStore
	LoginSecurity(ctx context.Context) LoginSecurityStore
	TwoFactor(ctx context.Context) TwoFactorStore
	Recovery(ctx context.Context) RecoveryStore
	Devices(ctx context.Context) DeviceStore

	// WithTx runs fn against a transactional view of the store. Any error returned by fn
	// rolls back every write made through tx.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// IdentityStore manages identities.
type IdentityStore interface {
	// Create fails with ErrDuplicateIdentity when username or email is taken.
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	// FindByLogin matches username or email case-insensitively.
	FindByLogin(ctx context.Context, login string) (*Identity, bool, error)
	FindByEmail(ctx context.Context, email string) (*Identity, bool, error)
	Taken(ctx context.Context, username, email string) (bool, error)
	Update(ctx context.Context, id *Identity) error
	Delete(ctx context.Context, id string) error
	// Orphans lists identities missing their verification or login security record.
	Orphans(ctx context.Context) ([]string, error)
}

// OrganizationStore manages the organization catalog.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, bool, error)
	List(ctx context.Context) ([]*Organization, error)
}

// GroupStore manages the group catalog.
type GroupStore interface {
	Ensure(ctx context.Context, groups []Group) error
	Find(ctx context.Context, name string) (Group, bool, error)
	List(ctx context.Context) ([]Group, error)
}

// VerificationStore holds one verification record per identity.
type VerificationStore interface {
	// Replace writes v over any existing record in one step; the old code stops working
	// the moment Replace returns.
	Replace(ctx context.Context, v EmailVerification) error
	Get(ctx context.Context, identityID string) (EmailVerification, bool, error)
	MarkVerified(ctx context.Context, identityID string, at time.Time) error
	// RecordAttempt atomically increments the wrong-code counter and returns the new value.
	RecordAttempt(ctx context.Context, identityID string) (int, error)
	Delete(ctx context.Context, identityID string) error
}

// LoginSecurityStore holds the brute-force counters.
type LoginSecurityStore interface {
	Init(ctx context.Context, identityID string) error
	Get(ctx context.Context, identityID string) (LoginSecurityState, bool, error)
	// RecordFailure increments the counter and locks when it reaches threshold, as one
	// atomic step.
	RecordFailure(ctx context.Context, identityID string, threshold int, now time.Time) (LoginSecurityState, error)
	// Reset zeroes the counter unless the account is locked.
	Reset(ctx context.Context, identityID string) error
	Unlock(ctx context.Context, identityID string) error
	Delete(ctx context.Context, identityID string) error
}

// TwoFactorStore holds TOTP credentials.
type TwoFactorStore interface {
	Get(ctx context.Context, identityID string) (TwoFactorCredential, bool, error)
	Save(ctx context.Context, cred TwoFactorCredential) error
	// AdvanceStep records a successful login at step, failing (false) when step is not
	// newer than the stored one.
	AdvanceStep(ctx context.Context, identityID string, step uint64, at time.Time) (bool, error)
	Delete(ctx context.Context, identityID string) error
}

// RecoveryStore holds recovery credentials.
type RecoveryStore interface {
	Get(ctx context.Context, identityID string) (RecoveryCredential, bool, error)
	Save(ctx context.Context, cred RecoveryCredential) error
	// Consume clears the hash only if it still equals hash; true means this caller won.
	Consume(ctx context.Context, identityID, hash string) (bool, error)
	// Clear drops the hash but keeps GeneratedAt for rate limiting.
	Clear(ctx context.Context, identityID string) error
	Delete(ctx context.Context, identityID string) error
}

// DeviceStore holds trusted devices.
type DeviceStore interface {
	Upsert(ctx context.Context, d TrustedDevice) error
	Get(ctx context.Context, identityID, fingerprint string) (TrustedDevice, bool, error)
	Touch(ctx context.Context, identityID, fingerprint string, at time.Time) error
	List(ctx context.Context, identityID string) ([]TrustedDevice, error)
	DeleteAll(ctx context.Context, identityID string) error
}
