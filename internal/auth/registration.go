package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
)

const minPasswordLength = 8

// RegisterRequest carries the self-service registration form.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
	Profile  Profile
	IP       string
}

func (r *RegisterRequest) normalize() error {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)
	if r.Username == "" || len(r.Username) > 150 {
		return fmt.Errorf("%w: username", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return fmt.Errorf("%w: email", ErrInvalidInput)
	}
	if len(r.Password) < minPasswordLength {
		return fmt.Errorf("%w: password too short", ErrInvalidInput)
	}
	return nil
}

// Register creates an inactive, unapproved identity together with its login security
// state and verification code, and delivers the code. Nothing survives a failure of any
// step, delivery included.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Identity, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	taken, err := s.store.Identities(ctx).Taken(ctx, req.Username, req.Email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrDuplicateIdentity
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	code, err := newVerificationCode()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var created *Identity
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		id := &Identity{
			Username:     req.Username,
			Email:        req.Email,
			PasswordHash: hash,
			Role:         RoleClient,
			Group:        RegistrationGroup,
			Profile:      req.Profile,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Identities(ctx).Create(ctx, id); err != nil {
			return err
		}
		if err := tx.LoginSecurity(ctx).Init(ctx, id.ID); err != nil {
			return err
		}
		if err := tx.Verifications(ctx).Replace(ctx, EmailVerification{
			IdentityID: id.ID,
			Code:       code,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := s.deliver(ctx, func(ctx context.Context) error {
			return s.notifier.SendVerificationCode(ctx, id, code)
		}); err != nil {
			return fmt.Errorf("%w: %v", ErrNotificationDeliveryFailed, err)
		}
		created = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, Event{Type: EventUserCreated, IdentityID: created.ID, IP: req.IP})
	return created, nil
}

// VerifyEmail consumes the live verification code and activates the identity. Approval
// is left untouched.
func (s *Service) VerifyEmail(ctx context.Context, identityID, code string) error {
	code = strings.TrimSpace(code)
	var outcome error
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		id, err := tx.Identities(ctx).Find(ctx, identityID)
		if err != nil {
			return err
		}
		rec, ok, err := tx.Verifications(ctx).Get(ctx, identityID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrOrphanedRecordConflict
		}
		if rec.Verified {
			return nil
		}
		now := s.now().UTC()
		switch {
		case rec.Attempts >= MaxVerificationAttempts:
			outcome = ErrVerificationAttemptsExceeded
			return nil
		case rec.Expired(now):
			outcome = ErrCodeExpired
			return nil
		case !constantTimeEqual(rec.Code, code):
			if _, err := tx.Verifications(ctx).RecordAttempt(ctx, identityID); err != nil {
				return err
			}
			outcome = ErrCodeMismatch
			return nil
		}
		if err := tx.Verifications(ctx).MarkVerified(ctx, identityID, now); err != nil {
			return err
		}
		id.Active = true
		id.UpdatedAt = now
		return tx.Identities(ctx).Update(ctx, id)
	})
	if err != nil {
		return err
	}
	if outcome != nil {
		s.emit(ctx, Event{Type: EventVerificationFailed, IdentityID: identityID,
			Fields: map[string]string{"reason": outcome.Error()}})
		return outcome
	}
	s.emit(ctx, Event{Type: EventEmailVerified, IdentityID: identityID})
	return nil
}

// ResendCode replaces the verification code in one write, so the previous code is dead
// before the new one is delivered. Delivery is best effort.
func (s *Service) ResendCode(ctx context.Context, identityID string) error {
	code, err := newVerificationCode()
	if err != nil {
		return err
	}
	var id *Identity
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		found, err := tx.Identities(ctx).Find(ctx, identityID)
		if err != nil {
			return err
		}
		rec, ok, err := tx.Verifications(ctx).Get(ctx, identityID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrOrphanedRecordConflict
		}
		if rec.Verified {
			return fmt.Errorf("%w: email already verified", ErrInvalidInput)
		}
		id = found
		return tx.Verifications(ctx).Replace(ctx, EmailVerification{
			IdentityID: identityID,
			Code:       code,
			CreatedAt:  s.now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	fields := map[string]string{"delivery": "sent"}
	if err := s.deliver(ctx, func(ctx context.Context) error {
		return s.notifier.SendVerificationCode(ctx, id, code)
	}); err != nil {
		fields["delivery"] = "failed"
	}
	s.emit(ctx, Event{Type: EventVerificationResent, IdentityID: identityID, Fields: fields})
	return nil
}

// RepairOrphans deletes identities that lack their verification or login security
// record. Running it again finds nothing to do.
func (s *Service) RepairOrphans(ctx context.Context) (int, error) {
	orphans, err := s.store.Identities(ctx).Orphans(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, identityID := range orphans {
		err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
			if err := deleteDependents(ctx, tx, identityID); err != nil {
				return err
			}
			return tx.Identities(ctx).Delete(ctx, identityID)
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return repaired, fmt.Errorf("auth: repair %s: %w", identityID, err)
		}
		repaired++
	}
	if repaired > 0 {
		s.emit(ctx, Event{Type: EventOrphansRepaired, Fields: map[string]string{"count": strconv.Itoa(repaired)}})
	}
	return repaired, nil
}

// BeginPasswordChange checks the current password and mails a 6-digit code that confirms
// the change. The new password waits on the session, hashed, until ConfirmPasswordChange.
// Starting again replaces the pending change, so earlier codes stop working.
func (s *Service) BeginPasswordChange(ctx context.Context, sess *Session, identityID, current, next string) error {
	if err := s.sessionFor(sess, identityID); err != nil {
		return err
	}
	if len(next) < minPasswordLength {
		return fmt.Errorf("%w: password too short", ErrInvalidInput)
	}
	id, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return err
	}
	if err := s.hasher.Verify(id.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	code, err := newVerificationCode()
	if err != nil {
		return err
	}

	sess.setPasswordChange(nil)
	if err := s.deliver(ctx, func(ctx context.Context) error {
		return s.notifier.SendPasswordChangeCode(ctx, id, code)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationDeliveryFailed, err)
	}
	sess.setPasswordChange(&PendingPasswordChange{
		Hash:     hash,
		Code:     code,
		BaseTag:  passwordTag(id.PasswordHash),
		IssuedAt: s.now().UTC(),
	})
	s.emit(ctx, Event{Type: EventPasswordCodeSent, IdentityID: id.ID})
	return nil
}

// ConfirmPasswordChange applies the pending change when code matches. A code is single
// use and expires after PasswordChangeCodeTTL. A change started before the password was
// replaced some other way is void.
func (s *Service) ConfirmPasswordChange(ctx context.Context, sess *Session, identityID, code string) error {
	if err := s.sessionFor(sess, identityID); err != nil {
		return err
	}
	pending, err := sess.takePasswordChange(strings.TrimSpace(code), s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrCodeMismatch) || errors.Is(err, ErrVerificationAttemptsExceeded) {
			s.emit(ctx, Event{Type: EventVerificationFailed, IdentityID: identityID,
				Fields: map[string]string{"stage": "password_change"}})
		}
		return err
	}
	id, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return err
	}
	if !constantTimeEqual(pending.BaseTag, passwordTag(id.PasswordHash)) {
		return ErrCodeExpired
	}
	if err := s.storePasswordHash(ctx, id, pending.Hash); err != nil {
		return err
	}
	s.emit(ctx, Event{Type: EventPasswordChanged, IdentityID: id.ID, ActorID: id.ID})
	return nil
}

// RequestPasswordReset mails a signed reset link. Unknown addresses are ignored silently.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	if s.tokens == nil {
		return errMissingSecret
	}
	id, ok, err := s.store.Identities(ctx).FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !ok || !id.Active {
		return nil
	}
	token, err := s.tokens.Sign(TokenPasswordReset, id.ID, resetTokenTTL, Claims{PasswordTag: passwordTag(id.PasswordHash)})
	if err != nil {
		return err
	}
	_ = s.deliver(ctx, func(ctx context.Context) error {
		return s.notifier.SendPasswordResetLink(ctx, id, token)
	})
	return nil
}

// ResetPassword consumes a reset token. Tokens stop working once the password changes.
func (s *Service) ResetPassword(ctx context.Context, token, next string) error {
	if s.tokens == nil {
		return errMissingSecret
	}
	claims, err := s.tokens.Parse(TokenPasswordReset, token)
	if err != nil {
		return err
	}
	id, err := s.store.Identities(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if !constantTimeEqual(claims.PasswordTag, passwordTag(id.PasswordHash)) {
		return ErrInvalidToken
	}
	if err := s.setPassword(ctx, id, next); err != nil {
		return err
	}
	s.emit(ctx, Event{Type: EventPasswordReset, IdentityID: id.ID})
	return nil
}

func (s *Service) setPassword(ctx context.Context, id *Identity, next string) error {
	if len(next) < minPasswordLength {
		return fmt.Errorf("%w: password too short", ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	return s.storePasswordHash(ctx, id, hash)
}

func (s *Service) storePasswordHash(ctx context.Context, id *Identity, hash string) error {
	id.PasswordHash = hash
	id.UpdatedAt = s.now().UTC()
	if err := s.store.Identities(ctx).Update(ctx, id); err != nil {
		return err
	}
	_ = s.deliver(ctx, func(ctx context.Context) error {
		return s.notifier.SendPasswordChangedNotice(ctx, id)
	})
	return nil
}

func passwordTag(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}
