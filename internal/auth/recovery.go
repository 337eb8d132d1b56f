package auth

import (
	"context"
	"errors"
	"time"
)

// GenerateRecoveryCode replaces the recovery code of the session's own identity and
// returns the plaintext, once. The session must pass the second factor first. At most one
// generation per RecoveryCodeCooldown.
func (s *Service) GenerateRecoveryCode(ctx context.Context, sess *Session, identityID string, ch Challenge) (string, error) {
	if err := s.sessionFor(sess, identityID); err != nil {
		return "", err
	}
	if err := s.proveSecondFactor(ctx, sess, identityID, ch, "recovery"); err != nil {
		return "", err
	}
	return s.generateRecoveryCode(ctx, identityID, identityID)
}

// GenerateRecoveryCodeFor lets an admin or superagent regenerate another identity's code.
func (s *Service) GenerateRecoveryCodeFor(ctx context.Context, actorID, targetID string) (string, error) {
	actor, err := s.loadActor(ctx, actorID)
	if err != nil {
		return "", err
	}
	if !actor.Role.Privileged() {
		return "", ErrUnauthorized
	}
	return s.generateRecoveryCode(ctx, targetID, actorID)
}

func (s *Service) generateRecoveryCode(ctx context.Context, identityID, actorID string) (string, error) {
	var code string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		cred, ok, err := tx.TwoFactor(ctx).Get(ctx, identityID)
		if err != nil {
			return err
		}
		if !ok || !cred.Enabled {
			return ErrNotEnrolled
		}
		now := s.now().UTC()
		rec, ok, err := tx.Recovery(ctx).Get(ctx, identityID)
		if err != nil {
			return err
		}
		if ok && !rec.GeneratedAt.IsZero() && now.Sub(rec.GeneratedAt) < RecoveryCodeCooldown {
			return ErrRecoveryCodeRateLimited
		}
		code, err = s.provisionRecovery(ctx, tx, identityID, now)
		return err
	})
	if err != nil {
		return "", err
	}
	s.emit(ctx, Event{Type: EventRecoveryGenerated, IdentityID: identityID, ActorID: actorID,
		Fields: map[string]string{"trigger": "request"}})
	return code, nil
}

// VerifyRecoveryCode redeems the recovery code. A match proves account ownership and
// disables two-factor entirely; a mismatch changes nothing. Of concurrent redemptions of
// the same code exactly one succeeds.
func (s *Service) VerifyRecoveryCode(ctx context.Context, identityID, code, ip string) error {
	failed := func() error {
		s.emit(ctx, Event{Type: EventRecoveryFailed, IdentityID: identityID, IP: ip})
		return ErrRecoveryCodeInvalid
	}
	rec, ok, err := s.store.Recovery(ctx).Get(ctx, identityID)
	if err != nil {
		return err
	}
	if !ok || !rec.Live() {
		return failed()
	}
	// The KDF runs outside the transaction; Consume re-checks the hash is unchanged.
	if !matchRecoveryCode(rec.Hash, code) {
		return failed()
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		won, err := tx.Recovery(ctx).Consume(ctx, identityID, rec.Hash)
		if err != nil {
			return err
		}
		if !won {
			return ErrRecoveryCodeInvalid
		}
		return clearTwoFactor(ctx, tx, identityID)
	})
	if errors.Is(err, ErrRecoveryCodeInvalid) {
		return failed()
	}
	if err != nil {
		return err
	}
	s.emit(ctx, Event{Type: EventRecoveryRedeemed, IdentityID: identityID, IP: ip})
	s.emit(ctx, Event{Type: EventTOTPDisabled, IdentityID: identityID, IP: ip,
		Fields: map[string]string{"trigger": "recovery"}})
	return nil
}

func (s *Service) provisionRecovery(ctx context.Context, tx Store, identityID string, now time.Time) (string, error) {
	code, err := newRecoveryCode()
	if err != nil {
		return "", err
	}
	hash, err := hashRecoveryCode(code)
	if err != nil {
		return "", err
	}
	if err := tx.Recovery(ctx).Save(ctx, RecoveryCredential{
		IdentityID:  identityID,
		Hash:        hash,
		GeneratedAt: now,
	}); err != nil {
		return "", err
	}
	return code, nil
}
