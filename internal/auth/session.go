package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingEnrollment is a TOTP secret awaiting its confirmation round-trip. It lives only
// in the session that generated it.
type PendingEnrollment struct {
	Secret   string
	URI      string
	IssuedAt time.Time
}

// PendingPasswordChange is a new password, already hashed, waiting for the emailed
// confirmation code. BaseTag pins the password it replaces.
type PendingPasswordChange struct {
	Hash     string
	Code     string
	BaseTag  string
	IssuedAt time.Time
	Attempts int
}

// Session is the per-login security marker. It belongs to the session layer and is never
// written to the Store; every field is private to one session.
type Session struct {
	mu sync.Mutex

	ID             string
	IdentityID     string
	CreatedAt      time.Time
	VerifiedAt     *time.Time
	GraceExpiresAt *time.Time
	// RedirectTarget is recorded once per gate redirect and reused until the user gets
	// past the gate; Redirects counts how often it was served.
	RedirectTarget string
	Redirects      int
	NextURL        string
	Pending        *PendingEnrollment
	// PendingPassword is the password change awaiting confirmation, if any.
	PendingPassword *PendingPasswordChange
}

// NewSession builds an empty marker for identityID.
func NewSession(identityID string, now time.Time) *Session {
	return &Session{ID: uuid.NewString(), IdentityID: identityID, CreatedAt: now}
}

func (s *Session) verifiedWithin(now time.Time) bool {
	return s.VerifiedAt != nil && now.Sub(*s.VerifiedAt) < SessionVerificationTTL
}

func (s *Session) markVerified(now time.Time) {
	s.VerifiedAt = &now
	s.Pending = nil
	s.RedirectTarget = ""
	s.Redirects = 0
}

// Verified reports whether the session passed a two-factor check within
// SessionVerificationTTL.
func (s *Session) Verified(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifiedWithin(now)
}

// TakeNextURL returns and clears the stashed post-verification destination.
func (s *Session) TakeNextURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.NextURL
	s.NextURL = ""
	return next
}

// Clear drops every piece of session state, pending enrollment and pending password
// change included.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VerifiedAt = nil
	s.GraceExpiresAt = nil
	s.RedirectTarget = ""
	s.Redirects = 0
	s.NextURL = ""
	s.Pending = nil
	s.PendingPassword = nil
}

// takePasswordChange consumes the pending password change when code matches. Expired
// changes and changes that ran out of attempts are dropped.
func (s *Session) takePasswordChange(code string, now time.Time) (*PendingPasswordChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.PendingPassword
	if p == nil {
		return nil, ErrNoPendingPasswordChange
	}
	if now.Sub(p.IssuedAt) > PasswordChangeCodeTTL {
		s.PendingPassword = nil
		return nil, ErrCodeExpired
	}
	if !constantTimeEqual(p.Code, code) {
		p.Attempts++
		if p.Attempts >= MaxVerificationAttempts {
			s.PendingPassword = nil
			return nil, ErrVerificationAttemptsExceeded
		}
		return nil, ErrCodeMismatch
	}
	s.PendingPassword = nil
	return p, nil
}

func (s *Session) setPasswordChange(p *PendingPasswordChange) {
	s.mu.Lock()
	s.PendingPassword = p
	s.mu.Unlock()
}

// StartSession opens a session after a successful password login. An approved identity
// that has not enrolled gets a single SetupGracePeriod window, starting now.
func (s *Service) StartSession(ctx context.Context, res LoginResult) (*Session, error) {
	if res.Outcome != OutcomeSuccess || res.Identity == nil {
		return nil, res.Outcome.Err()
	}
	now := s.now().UTC()
	sess := NewSession(res.Identity.ID, now)
	cred, ok, err := s.store.TwoFactor(ctx).Get(ctx, res.Identity.ID)
	if err != nil {
		return nil, err
	}
	if res.Identity.Approved && (!ok || !cred.Enabled) {
		grace := now.Add(SetupGracePeriod)
		sess.GraceExpiresAt = &grace
	}
	return sess, nil
}

// EndSession clears the marker and records the logout.
func (s *Service) EndSession(ctx context.Context, sess *Session, ip string) {
	if sess == nil {
		return
	}
	sess.Clear()
	s.emit(ctx, Event{Type: EventLogout, IdentityID: sess.IdentityID, IP: ip})
}

// IssueSessionToken signs a bearer token naming the session.
func (s *Service) IssueSessionToken(sess *Session) (string, error) {
	if s.tokens == nil {
		return "", errMissingSecret
	}
	return s.tokens.Sign(TokenSession, sess.IdentityID, sessionTokenTTL, Claims{SessionID: sess.ID})
}

// ParseSessionToken verifies a session bearer token.
func (s *Service) ParseSessionToken(token string) (*Claims, error) {
	if s.tokens == nil {
		return nil, errMissingSecret
	}
	claims, err := s.tokens.Parse(TokenSession, token)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GateRequest describes a request reaching a protected page.
type GateRequest struct {
	Path        string
	Fingerprint string
}

// GateDecision tells the caller to continue or to redirect.
type GateDecision struct {
	Allow    bool
	Redirect string
}

// Gate enforces two-factor authentication for protected paths. Enrolled identities must
// verify (or come from a trusted device); unenrolled ones are sent to setup once their
// grace window is over.
func (s *Service) Gate(ctx context.Context, sess *Session, req GateRequest) (GateDecision, error) {
	if sess == nil || s.exempt(req.Path) {
		return GateDecision{Allow: true}, nil
	}
	now := s.now().UTC()

	cred, ok, err := s.store.TwoFactor(ctx).Get(ctx, sess.IdentityID)
	if err != nil {
		return GateDecision{}, err
	}
	enabled := ok && cred.Enabled
	trusted := false
	if enabled && req.Fingerprint != "" {
		if trusted, err = s.IsTrusted(ctx, sess.IdentityID, req.Fingerprint); err != nil {
			return GateDecision{}, err
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.RedirectTarget != "" && req.Path == sess.RedirectTarget {
		return GateDecision{Allow: true}, nil
	}
	if enabled {
		if sess.verifiedWithin(now) {
			return GateDecision{Allow: true}, nil
		}
		if trusted {
			sess.markVerified(now)
			return GateDecision{Allow: true}, nil
		}
		sess.NextURL = req.Path
		return sess.redirect(s.verifyPath), nil
	}
	if sess.GraceExpiresAt != nil && now.Before(*sess.GraceExpiresAt) {
		return GateDecision{Allow: true}, nil
	}
	return sess.redirect(s.setupPath), nil
}

func (s *Session) redirect(target string) GateDecision {
	if s.RedirectTarget != target {
		s.RedirectTarget = target
		s.Redirects = 0
	}
	s.Redirects++
	return GateDecision{Redirect: s.RedirectTarget}
}

func (s *Service) exempt(path string) bool {
	if strings.HasPrefix(path, s.setupPath) || strings.HasPrefix(path, s.verifyPath) {
		return true
	}
	for _, prefix := range s.exemptPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
