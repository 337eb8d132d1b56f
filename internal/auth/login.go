package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Outcome is the named result of a login attempt. Lockout and pending states are
// expected outcomes, not exceptional errors.
type Outcome int

const (
	OutcomeInvalidCredentials Outcome = iota
	OutcomeSuccess
	OutcomeLocked
	OutcomePendingVerification
	OutcomePendingApproval
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeLocked:
		return "locked"
	case OutcomePendingVerification:
		return "pending_verification"
	case OutcomePendingApproval:
		return "pending_approval"
	default:
		return "invalid_credentials"
	}
}

// Err maps the outcome onto the error taxonomy; success maps to nil.
func (o Outcome) Err() error {
	switch o {
	case OutcomeSuccess:
		return nil
	case OutcomeLocked:
		return ErrAccountLocked
	case OutcomePendingVerification:
		return ErrPendingVerification
	case OutcomePendingApproval:
		return ErrPendingApproval
	default:
		return ErrInvalidCredentials
	}
}

// Credentials is one login attempt.
type Credentials struct {
	Login     string
	Password  string
	IP        string
	UserAgent string
}

// LoginResult reports the outcome. Identity is set for every outcome except invalid
// credentials.
type LoginResult struct {
	Outcome        Outcome
	Identity       *Identity
	FailedAttempts int
}

// Authenticate checks a password login against the lockout state. The returned error is
// reserved for infrastructure failures.
func (s *Service) Authenticate(ctx context.Context, c Credentials) (LoginResult, error) {
	login := strings.TrimSpace(c.Login)
	failed := func(identityID, reason string) {
		s.emit(ctx, Event{Type: EventLoginFailed, IdentityID: identityID, IP: c.IP,
			Fields: map[string]string{"reason": reason}})
	}
	if login == "" || c.Password == "" {
		failed("", "empty")
		return LoginResult{Outcome: OutcomeInvalidCredentials}, nil
	}

	id, ok, err := s.store.Identities(ctx).FindByLogin(ctx, login)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		burnHash(s.hasher, c.Password)
		failed("", "unknown")
		return LoginResult{Outcome: OutcomeInvalidCredentials}, nil
	}

	sec := s.store.LoginSecurity(ctx)
	state, ok, err := sec.Get(ctx, id.ID)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		// Orphaned identity; RepairOrphans reclaims it.
		burnHash(s.hasher, c.Password)
		failed(id.ID, "unknown")
		return LoginResult{Outcome: OutcomeInvalidCredentials}, nil
	}
	if state.Locked {
		failed(id.ID, "locked")
		return LoginResult{Outcome: OutcomeLocked, Identity: id, FailedAttempts: state.FailedAttempts}, nil
	}

	if err := s.hasher.Verify(id.PasswordHash, c.Password); err != nil {
		state, err := sec.RecordFailure(ctx, id.ID, LockoutThreshold, s.now().UTC())
		if errors.Is(err, ErrNotFound) {
			failed(id.ID, "unknown")
			return LoginResult{Outcome: OutcomeInvalidCredentials}, nil
		}
		if err != nil {
			return LoginResult{}, err
		}
		failed(id.ID, "password")
		if state.Locked {
			if state.FailedAttempts == LockoutThreshold {
				s.emit(ctx, Event{Type: EventAccountLocked, IdentityID: id.ID, IP: c.IP,
					Fields: map[string]string{"attempts": strconv.Itoa(state.FailedAttempts)}})
			}
			return LoginResult{Outcome: OutcomeLocked, Identity: id, FailedAttempts: state.FailedAttempts}, nil
		}
		return LoginResult{Outcome: OutcomeInvalidCredentials, FailedAttempts: state.FailedAttempts}, nil
	}

	if !id.Active {
		return LoginResult{Outcome: OutcomePendingVerification, Identity: id, FailedAttempts: state.FailedAttempts}, nil
	}
	if !id.Approved {
		return LoginResult{Outcome: OutcomePendingApproval, Identity: id, FailedAttempts: state.FailedAttempts}, nil
	}
	if err := sec.Reset(ctx, id.ID); err != nil {
		return LoginResult{}, err
	}
	s.emit(ctx, Event{Type: EventLogin, IdentityID: id.ID, IP: c.IP,
		Fields: map[string]string{"user_agent": c.UserAgent}})
	return LoginResult{Outcome: OutcomeSuccess, Identity: id}, nil
}

// Unlock clears the lock and the failure counter. Admins and superagents may unlock
// anyone; agents only identities sharing one of their organizations.
func (s *Service) Unlock(ctx context.Context, actorID, targetID string) error {
	actor, err := s.loadActor(ctx, actorID)
	if err != nil {
		return err
	}
	target, err := s.store.Identities(ctx).Find(ctx, targetID)
	if err != nil {
		return err
	}
	allowed := actor.Role.Privileged() ||
		(actor.Role == RoleAgent && actor.SharesOrganization(target))
	if !allowed {
		return ErrUnauthorized
	}
	sec := s.store.LoginSecurity(ctx)
	if err := sec.Unlock(ctx, targetID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := sec.Init(ctx, targetID); err != nil {
			return err
		}
	}
	s.emit(ctx, Event{Type: EventAccountUnlocked, IdentityID: targetID, ActorID: actorID})
	return nil
}
