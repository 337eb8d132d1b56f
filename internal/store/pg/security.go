package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"helpdesk.org/internal/auth"
)

// Verifications ---------------------------------------------------------------
type verifications struct{ s *Store }

func (r *verifications) Replace(ctx context.Context, v auth.EmailVerification) error {
	_, err := r.s.q.ExecContext(ctx, `
		insert into email_verifications (identity_id, code, created_at, verified, verified_at, attempts)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (identity_id) do update
		set code = excluded.code, created_at = excluded.created_at, verified = excluded.verified,
			verified_at = excluded.verified_at, attempts = excluded.attempts
	`, v.IdentityID, v.Code, v.CreatedAt, v.Verified, nullTime(v.VerifiedAt), v.Attempts)
	return err
}

func (r *verifications) Get(ctx context.Context, identityID string) (auth.EmailVerification, bool, error) {
	var (
		v          auth.EmailVerification
		verifiedAt sql.NullTime
	)
	err := r.s.q.QueryRowContext(ctx, r.s.forUpdate(`
		select identity_id, code, created_at, verified, verified_at, attempts
		from email_verifications where identity_id = $1`), identityID).
		Scan(&v.IdentityID, &v.Code, &v.CreatedAt, &v.Verified, &verifiedAt, &v.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.EmailVerification{}, false, nil
	}
	if err != nil {
		return auth.EmailVerification{}, false, err
	}
	v.VerifiedAt = timePtr(verifiedAt)
	return v, true, nil
}

func (r *verifications) MarkVerified(ctx context.Context, identityID string, at time.Time) error {
	res, err := r.s.q.ExecContext(ctx, `
		update email_verifications set verified = true, verified_at = $2 where identity_id = $1
	`, identityID, at)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return auth.ErrNotFound
	}
	return nil
}

func (r *verifications) RecordAttempt(ctx context.Context, identityID string) (int, error) {
	var attempts int
	err := r.s.q.QueryRowContext(ctx, `
		update email_verifications set attempts = attempts + 1
		where identity_id = $1
		returning attempts
	`, identityID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, auth.ErrNotFound
	}
	return attempts, err
}

func (r *verifications) Delete(ctx context.Context, identityID string) error {
	_, err := r.s.q.ExecContext(ctx, `delete from email_verifications where identity_id = $1`, identityID)
	return err
}

// Login security --------------------------------------------------------------
type loginSecurity struct{ s *Store }

func (r *loginSecurity) Init(ctx context.Context, identityID string) error {
	_, err := r.s.q.ExecContext(ctx, `
		insert into login_security (identity_id, failed_attempts, locked)
		values ($1, 0, false)
		on conflict (identity_id) do nothing
	`, identityID)
	return err
}

func (r *loginSecurity) Get(ctx context.Context, identityID string) (auth.LoginSecurityState, bool, error) {
	st, err := scanSecurity(r.s.q.QueryRowContext(ctx, `
		select identity_id, failed_attempts, locked, locked_at
		from login_security where identity_id = $1
	`, identityID))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LoginSecurityState{}, false, nil
	}
	if err != nil {
		return auth.LoginSecurityState{}, false, err
	}
	return st, true, nil
}

// RecordFailure is a single statement so concurrent failures serialise on the row lock
// and exactly one of them crosses the threshold.
func (r *loginSecurity) RecordFailure(ctx context.Context, identityID string, threshold int, now time.Time) (auth.LoginSecurityState, error) {
	st, err := scanSecurity(r.s.q.QueryRowContext(ctx, `
		update login_security set
			failed_attempts = failed_attempts + 1,
			locked = locked or failed_attempts + 1 >= $2,
			locked_at = case when not locked and failed_attempts + 1 >= $2 then $3 else locked_at end
		where identity_id = $1
		returning identity_id, failed_attempts, locked, locked_at
	`, identityID, threshold, now))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LoginSecurityState{}, auth.ErrNotFound
	}
	return st, err
}

func (r *loginSecurity) Reset(ctx context.Context, identityID string) error {
	_, err := r.s.q.ExecContext(ctx, `
		update login_security set failed_attempts = 0
		where identity_id = $1 and not locked
	`, identityID)
	return err
}

func (r *loginSecurity) Unlock(ctx context.Context, identityID string) error {
	res, err := r.s.q.ExecContext(ctx, `
		update login_security set failed_attempts = 0, locked = false, locked_at = null
		where identity_id = $1
	`, identityID)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return auth.ErrNotFound
	}
	return nil
}

func (r *loginSecurity) Delete(ctx context.Context, identityID string) error {
	_, err := r.s.q.ExecContext(ctx, `delete from login_security where identity_id = $1`, identityID)
	return err
}

func scanSecurity(row *sql.Row) (auth.LoginSecurityState, error) {
	var (
		st       auth.LoginSecurityState
		lockedAt sql.NullTime
	)
	if err := row.Scan(&st.IdentityID, &st.FailedAttempts, &st.Locked, &lockedAt); err != nil {
		return auth.LoginSecurityState{}, err
	}
	st.LockedAt = timePtr(lockedAt)
	return st, nil
}

// Two factor ------------------------------------------------------------------
type twoFactor struct{ s *Store }

func (r *twoFactor) Get(ctx context.Context, identityID string) (auth.TwoFactorCredential, bool, error) {
	var (
		c                 auth.TwoFactorCredential
		enabledOn, lastAt sql.NullTime
		lastStep          int64
	)
	err := r.s.q.QueryRowContext(ctx, r.s.forUpdate(`
		select identity_id, secret, enabled, enabled_on, last_authenticated_at, last_step
		from two_factor where identity_id = $1`), identityID).
		Scan(&c.IdentityID, &c.Secret, &c.Enabled, &enabledOn, &lastAt, &lastStep)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.TwoFactorCredential{}, false, nil
	}
	if err != nil {
		return auth.TwoFactorCredential{}, false, err
	}
	c.EnabledOn = timePtr(enabledOn)
	c.LastAuthenticatedAt = timePtr(lastAt)
	c.LastStep = uint64(lastStep)
	return c, true, nil
}

func (r *twoFactor) Save(ctx context.Context, c auth.TwoFactorCredential) error {
	_, err := r.s.q.ExecContext(ctx, `
		insert into two_factor (identity_id, secret, enabled, enabled_on, last_authenticated_at, last_step)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (identity_id) do update
		set secret = excluded.secret, enabled = excluded.enabled, enabled_on = excluded.enabled_on,
			last_authenticated_at = excluded.last_authenticated_at, last_step = excluded.last_step
	`, c.IdentityID, c.Secret, c.Enabled, nullTime(c.EnabledOn), nullTime(c.LastAuthenticatedAt), int64(c.LastStep))
	return err
}

func (r *twoFactor) AdvanceStep(ctx context.Context, identityID string, step uint64, at time.Time) (bool, error) {
	res, err := r.s.q.ExecContext(ctx, `
		update two_factor set last_step = $2, last_authenticated_at = $3
		where identity_id = $1 and enabled and last_step < $2
	`, identityID, int64(step), at)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *twoFactor) Delete(ctx context.Context, identityID string) error {
	_, err := r.s.q.ExecContext(ctx, `delete from two_factor where identity_id = $1`, identityID)
	return err
}

// Recovery --------------------------------------------------------------------
type recovery struct{ s *Store }

func (r *recovery) Get(ctx context.Context, identityID string) (auth.RecoveryCredential, bool, error) {
	var c auth.RecoveryCredential
	err := r.s.q.QueryRowContext(ctx, r.s.forUpdate(`
		select identity_id, hash, generated_at
		from recovery_credentials where identity_id = $1`), identityID).
		Scan(&c.IdentityID, &c.Hash, &c.GeneratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RecoveryCredential{}, false, nil
	}
	if err != nil {
		return auth.RecoveryCredential{}, false, err
	}
	return c, true, nil
}

func (r *recovery) Save(ctx context.Context, c auth.RecoveryCredential) error {
	_, err := r.s.q.ExecContext(ctx, `
		insert into recovery_credentials (identity_id, hash, generated_at)
		values ($1, $2, $3)
		on conflict (identity_id) do update
		set hash = excluded.hash, generated_at = excluded.generated_at
	`, c.IdentityID, c.Hash, c.GeneratedAt)
	return err
}

// Consume is a compare-and-clear: of concurrent callers with the same hash only one
// sees a changed row.
func (r *recovery) Consume(ctx context.Context, identityID, hash string) (bool, error) {
	res, err := r.s.q.ExecContext(ctx, `
		update recovery_credentials set hash = ''
		where identity_id = $1 and hash = $2 and hash <> ''
	`, identityID, hash)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *recovery) Clear(ctx context.Context, identityID string) error {
	_, err := r.s.q.ExecContext(ctx, `update recovery_credentials set hash = '' where identity_id = $1`, identityID)
	return err
}

func (r *recovery) Delete(ctx context.Context, identityID string) error {
	_, err := r.s.q.ExecContext(ctx, `delete from recovery_credentials where identity_id = $1`, identityID)
	return err
}

// Devices ---------------------------------------------------------------------
type devices struct{ s *Store }

const deviceColumns = `identity_id, fingerprint, ip, user_agent, created_at, expires_at, last_used_at`

func (r *devices) Upsert(ctx context.Context, d auth.TrustedDevice) error {
	_, err := r.s.q.ExecContext(ctx, `
		insert into trusted_devices (`+deviceColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (identity_id, fingerprint) do update
		set ip = excluded.ip, user_agent = excluded.user_agent,
			expires_at = excluded.expires_at, last_used_at = excluded.last_used_at
	`, d.IdentityID, d.Fingerprint, d.IP, d.UserAgent, d.CreatedAt, d.ExpiresAt, d.LastUsedAt)
	return err
}

func (r *devices) Get(ctx context.Context, identityID, fingerprint string) (auth.TrustedDevice, bool, error) {
	var d auth.TrustedDevice
	err := r.s.q.QueryRowContext(ctx, `
		select `+deviceColumns+` from trusted_devices
		where identity_id = $1 and fingerprint = $2
	`, identityID, fingerprint).Scan(&d.IdentityID, &d.Fingerprint, &d.IP, &d.UserAgent, &d.CreatedAt, &d.ExpiresAt, &d.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.TrustedDevice{}, false, nil
	}
	if err != nil {
		return auth.TrustedDevice{}, false, err
	}
	return d, true, nil
}

func (r *devices) Touch(ctx context.Context, identityID, fingerprint string, at time.Time) error {
	_, err := r.s.q.ExecContext(ctx, `
		update trusted_devices set last_used_at = $3
		where identity_id = $1 and fingerprint = $2
	`, identityID, fingerprint, at)
	return err
}

func (r *devices) List(ctx context.Context, identityID string) ([]auth.TrustedDevice, error) {
	rows, err := r.s.q.QueryContext(ctx, `
		select `+deviceColumns+` from trusted_devices
		where identity_id = $1
		order by created_at
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.TrustedDevice
	for rows.Next() {
		var d auth.TrustedDevice
		if err := rows.Scan(&d.IdentityID, &d.Fingerprint, &d.IP, &d.UserAgent, &d.CreatedAt, &d.ExpiresAt, &d.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *devices) DeleteAll(ctx context.Context, identityID string) error {
	_, err := r.s.q.ExecContext(ctx, `delete from trusted_devices where identity_id = $1`, identityID)
	return err
}
