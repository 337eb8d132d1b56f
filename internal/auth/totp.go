package auth

import (
	"context"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod = 30
	// totpSkew is how many steps either side of now are accepted.
	totpSkew = 1
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is a pending TOTP secret with its provisioning URI.
type Enrollment struct {
	Secret   string    `json:"secret"`
	URI      string    `json:"uri"`
	IssuedAt time.Time `json:"issued_at"`
}

// EnrollmentResult carries the recovery code provisioned on enrollment. RecoveryCode is
// empty when a live one already existed; it is never retrievable again.
type EnrollmentResult struct {
	RecoveryCode string `json:"recovery_code,omitempty"`
}

// VerifyOptions tunes a login challenge. A trusted device lets the challenge be skipped
// only when TrustToken is a valid trust token for Device and the same identity.
type VerifyOptions struct {
	TrustDevice bool
	TrustToken  string
	Device      Device
}

// Challenge is the second factor presented for a self-service two-factor change. A session
// verified within SessionVerificationTTL needs no code.
type Challenge struct {
	Code string
	IP   string
}

// VerifyResult reports how a login challenge was satisfied.
type VerifyResult struct {
	// Skipped is true when a trusted device or a recently verified session let the
	// request through without a code.
	Skipped    bool
	Device     *TrustedDevice
	TrustToken string
}

func (s *Service) sessionFor(sess *Session, identityID string) error {
	if sess == nil || sess.IdentityID != identityID {
		return ErrUnauthorized
	}
	return nil
}

// BeginEnrollment hands out a pending secret. The same session asking again within
// EnrollmentReuseWindow gets the same secret; any other session of the identity is
// rate limited for that window.
func (s *Service) BeginEnrollment(ctx context.Context, sess *Session, identityID string) (Enrollment, error) {
	if err := s.sessionFor(sess, identityID); err != nil {
		return Enrollment{}, err
	}
	id, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return Enrollment{}, err
	}
	cred, ok, err := s.store.TwoFactor(ctx).Get(ctx, identityID)
	if err != nil {
		return Enrollment{}, err
	}
	if ok && cred.Enabled {
		return Enrollment{}, ErrAlreadyEnrolled
	}

	now := s.now().UTC()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if p := sess.Pending; p != nil && now.Sub(p.IssuedAt) < EnrollmentReuseWindow {
		return Enrollment{Secret: p.Secret, URI: p.URI, IssuedAt: p.IssuedAt}, nil
	}
	allowed, err := s.limiter.Allow(ctx, enrollmentLimitKey(identityID), EnrollmentReuseWindow)
	if err != nil {
		return Enrollment{}, err
	}
	if !allowed {
		return Enrollment{}, ErrTOTPEnrollmentRateLimited
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: id.Email,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, err
	}
	sess.Pending = &PendingEnrollment{Secret: key.Secret(), URI: key.URL(), IssuedAt: now}
	return Enrollment{Secret: key.Secret(), URI: key.URL(), IssuedAt: now}, nil
}

// ConfirmEnrollment checks a code against the session's pending secret and, on success,
// persists the credential and provisions a recovery code if none is live. A failed
// attempt leaves the pending secret in place for a retry.
func (s *Service) ConfirmEnrollment(ctx context.Context, sess *Session, identityID, code, ip string) (EnrollmentResult, error) {
	if err := s.sessionFor(sess, identityID); err != nil {
		return EnrollmentResult{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.Pending == nil {
		return EnrollmentResult{}, ErrNoPendingEnrollment
	}
	now := s.now().UTC()
	step, ok := matchTOTP(sess.Pending.Secret, code, now)
	if !ok {
		s.emit(ctx, Event{Type: EventTOTPFailed, IdentityID: identityID, IP: ip, Fields: map[string]string{"stage": "enroll"}})
		return EnrollmentResult{}, ErrTOTPInvalid
	}

	var recoveryCode string
	secret := sess.Pending.Secret
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		cred, ok, err := tx.TwoFactor(ctx).Get(ctx, identityID)
		if err != nil {
			return err
		}
		if ok && cred.Enabled {
			return ErrAlreadyEnrolled
		}
		if err := tx.TwoFactor(ctx).Save(ctx, TwoFactorCredential{
			IdentityID:          identityID,
			Secret:              secret,
			Enabled:             true,
			EnabledOn:           &now,
			LastAuthenticatedAt: &now,
			LastStep:            step,
		}); err != nil {
			return err
		}
		rec, ok, err := tx.Recovery(ctx).Get(ctx, identityID)
		if err != nil {
			return err
		}
		if ok && rec.Live() {
			return nil
		}
		recoveryCode, err = s.provisionRecovery(ctx, tx, identityID, now)
		return err
	})
	if err != nil {
		return EnrollmentResult{}, err
	}
	sess.markVerified(now)
	_ = s.limiter.Reset(ctx, enrollmentLimitKey(identityID))

	s.emit(ctx, Event{Type: EventTOTPEnrolled, IdentityID: identityID, IP: ip})
	if recoveryCode != "" {
		s.emit(ctx, Event{Type: EventRecoveryGenerated, IdentityID: identityID, Fields: map[string]string{"trigger": "enroll"}})
	}
	return EnrollmentResult{RecoveryCode: recoveryCode}, nil
}

// VerifyLogin runs the second factor for a session. Trusted devices and sessions verified
// within SessionVerificationTTL skip the code. A code whose time step was already used is
// rejected as a replay.
func (s *Service) VerifyLogin(ctx context.Context, sess *Session, identityID, code string, opts VerifyOptions) (VerifyResult, error) {
	if err := s.sessionFor(sess, identityID); err != nil {
		return VerifyResult{}, err
	}
	cred, ok, err := s.store.TwoFactor(ctx).Get(ctx, identityID)
	if err != nil {
		return VerifyResult{}, err
	}
	if !ok || !cred.Enabled {
		return VerifyResult{}, ErrNotEnrolled
	}
	now := s.now().UTC()
	fp, trusted, err := s.trustedBy(ctx, identityID, opts)
	if err != nil {
		return VerifyResult{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if trusted {
		if err := s.store.Devices(ctx).Touch(ctx, identityID, fp, now); err != nil {
			return VerifyResult{}, err
		}
		sess.markVerified(now)
		return VerifyResult{Skipped: true}, nil
	}
	if sess.verifiedWithin(now) {
		return VerifyResult{Skipped: true}, nil
	}

	failed := func(reason string) (VerifyResult, error) {
		s.emit(ctx, Event{Type: EventTOTPFailed, IdentityID: identityID, IP: opts.Device.IP,
			Fields: map[string]string{"stage": "login", "reason": reason}})
		return VerifyResult{}, ErrTOTPInvalid
	}
	step, ok := matchTOTP(cred.Secret, code, now)
	if !ok {
		return failed("code")
	}
	advanced, err := s.store.TwoFactor(ctx).AdvanceStep(ctx, identityID, step, now)
	if err != nil {
		return VerifyResult{}, err
	}
	if !advanced {
		return failed("replay")
	}
	sess.markVerified(now)

	var res VerifyResult
	if opts.TrustDevice {
		dev, token, err := s.trustDevice(ctx, identityID, opts.Device, now)
		if err != nil {
			return VerifyResult{}, err
		}
		res.Device, res.TrustToken = &dev, token
	}
	s.emit(ctx, Event{Type: EventTOTPVerified, IdentityID: identityID, IP: opts.Device.IP})
	return res, nil
}

// Disable turns two-factor off for the session's own identity. It clears the TOTP
// credential, the recovery hash and every trusted device in one transaction.
func (s *Service) Disable(ctx context.Context, sess *Session, identityID string, ch Challenge) error {
	if err := s.sessionFor(sess, identityID); err != nil {
		return err
	}
	if err := s.proveSecondFactor(ctx, sess, identityID, ch, "disable"); err != nil {
		return err
	}
	return s.disable(ctx, identityID, identityID, ch.IP)
}

// DisableFor lets an admin or superagent disable two-factor for another identity.
func (s *Service) DisableFor(ctx context.Context, actorID, targetID string) error {
	actor, err := s.loadActor(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.Role.Privileged() {
		return ErrUnauthorized
	}
	return s.disable(ctx, targetID, actorID, "")
}

func (s *Service) disable(ctx context.Context, identityID, actorID, ip string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		cred, ok, err := tx.TwoFactor(ctx).Get(ctx, identityID)
		if err != nil {
			return err
		}
		if !ok || !cred.Enabled {
			return ErrNotEnrolled
		}
		return clearTwoFactor(ctx, tx, identityID)
	})
	if err != nil {
		return err
	}
	s.emit(ctx, Event{Type: EventTOTPDisabled, IdentityID: identityID, ActorID: actorID, IP: ip})
	return nil
}

// proveSecondFactor accepts a session verified within SessionVerificationTTL or a valid
// TOTP code. An accepted code spends its time step.
func (s *Service) proveSecondFactor(ctx context.Context, sess *Session, identityID string, ch Challenge, stage string) error {
	cred, ok, err := s.store.TwoFactor(ctx).Get(ctx, identityID)
	if err != nil {
		return err
	}
	if !ok || !cred.Enabled {
		return ErrNotEnrolled
	}
	now := s.now().UTC()
	if sess.Verified(now) {
		return nil
	}
	failed := func(reason string) error {
		s.emit(ctx, Event{Type: EventTOTPFailed, IdentityID: identityID, IP: ch.IP,
			Fields: map[string]string{"stage": stage, "reason": reason}})
		return ErrTOTPInvalid
	}
	step, ok := matchTOTP(cred.Secret, ch.Code, now)
	if !ok {
		return failed("code")
	}
	advanced, err := s.store.TwoFactor(ctx).AdvanceStep(ctx, identityID, step, now)
	if err != nil {
		return err
	}
	if !advanced {
		return failed("replay")
	}
	return nil
}

// trustedBy resolves the device fingerprint vouched for by opts.TrustToken.
func (s *Service) trustedBy(ctx context.Context, identityID string, opts VerifyOptions) (string, bool, error) {
	if opts.TrustToken == "" {
		return "", false, nil
	}
	subject, ok, err := s.CheckTrustToken(ctx, opts.TrustToken, opts.Device)
	if err != nil || !ok || subject != identityID {
		return "", false, err
	}
	return Fingerprint(opts.Device), true, nil
}

func clearTwoFactor(ctx context.Context, tx Store, identityID string) error {
	if err := tx.TwoFactor(ctx).Delete(ctx, identityID); err != nil {
		return err
	}
	if err := tx.Recovery(ctx).Clear(ctx, identityID); err != nil {
		return err
	}
	return tx.Devices(ctx).DeleteAll(ctx, identityID)
}

// matchTOTP returns the time step the code belongs to within the skew window.
func matchTOTP(secret, code string, now time.Time) (uint64, bool) {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if len(code) != int(otp.DigitsSix) {
		return 0, false
	}
	for delta := -totpSkew; delta <= totpSkew; delta++ {
		at := now.Add(time.Duration(delta*totpPeriod) * time.Second)
		want, err := totp.GenerateCodeCustom(secret, at, totpOpts)
		if err != nil {
			return 0, false
		}
		if constantTimeEqual(want, code) {
			return uint64(at.Unix()) / totpPeriod, true
		}
	}
	return 0, false
}
