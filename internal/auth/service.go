package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Notifier delivers account messages. Registration and password change treat a delivery
// failure as fatal. Every call is bounded by the service delivery timeout.
type Notifier interface {
	SendVerificationCode(ctx context.Context, id *Identity, code string) error
	SendPasswordChangeCode(ctx context.Context, id *Identity, code string) error
	SendPasswordChangedNotice(ctx context.Context, id *Identity) error
	SendPasswordResetLink(ctx context.Context, id *Identity, token string) error
}

type nopNotifier struct{}

func (nopNotifier) SendVerificationCode(context.Context, *Identity, string) error   { return nil }
func (nopNotifier) SendPasswordChangeCode(context.Context, *Identity, string) error { return nil }
func (nopNotifier) SendPasswordChangedNotice(context.Context, *Identity) error      { return nil }
func (nopNotifier) SendPasswordResetLink(context.Context, *Identity, string) error {
	return nil
}

const (
	defaultIssuer     = "Helpdesk"
	defaultSetupPath  = "/two-factor/setup/"
	defaultVerifyPath = "/two-factor/verify/"
	sessionTokenTTL   = 12 * time.Hour
	resetTokenTTL     = time.Hour

	// DefaultDeliveryTimeout bounds a single Notifier call.
	DefaultDeliveryTimeout = 10 * time.Second
)

var defaultExemptPaths = []string{
	"/login",
	"/logout",
	"/two-factor/recovery/redeem",
	"/register",
	"/verify-email",
	"/password-reset",
	"/static/",
	"/healthz",
	"/readyz",
	"/metrics",
}

// Service is the identity registry: it coordinates registration, approval, login and the
// two-factor subsystem over a Store.
type Service struct {
	store    Store
	hasher   Hasher
	notifier Notifier
	limiter  Limiter
	events   Dispatcher
	tokens   *TokenSigner
	now      func() time.Time
	issuer   string
	delivery time.Duration

	setupPath   string
	verifyPath  string
	exemptPaths []string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithHasher replaces the bcrypt password hasher.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

// WithNotifier sets the delivery collaborator.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithLimiter sets the identity-keyed limiter used for TOTP enrollment.
func WithLimiter(l Limiter) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.limiter = l
		}
		return nil
	}
}

// WithDispatcher sets the event consumer.
func WithDispatcher(d Dispatcher) ServiceOption {
	return func(s *Service) error {
		if d != nil {
			s.events = d
		}
		return nil
	}
}

// WithTokenSigner enables session, device trust and password reset tokens.
func WithTokenSigner(t *TokenSigner) ServiceOption {
	return func(s *Service) error {
		s.tokens = t
		return nil
	}
}

// WithDeliveryTimeout bounds every Notifier call. Registration holds its transaction open
// while the code is delivered, so the bound also caps how long that transaction lives.
func WithDeliveryTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("auth: delivery timeout must be positive")
		}
		s.delivery = d
		return nil
	}
}

// WithIssuer overrides the issuer shown in authenticator apps.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithGatePaths overrides where the two-factor gate redirects and which path prefixes it
// never guards. The setup and verify paths are always exempt, sub-paths included.
func WithGatePaths(setup, verify string, exempt []string) ServiceOption {
	return func(s *Service) error {
		if setup == "" || verify == "" {
			return errors.New("auth: gate paths are required")
		}
		s.setupPath = setup
		s.verifyPath = verify
		if exempt != nil {
			s.exemptPaths = append([]string(nil), exempt...)
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:       store,
		hasher:      BcryptHasher{},
		notifier:    nopNotifier{},
		events:      nopDispatcher{},
		now:         time.Now,
		issuer:      defaultIssuer,
		delivery:    DefaultDeliveryTimeout,
		setupPath:   defaultSetupPath,
		verifyPath:  defaultVerifyPath,
		exemptPaths: defaultExemptPaths,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.limiter == nil {
		svc.limiter = NewMemoryLimiter(svc.now)
	}
	if svc.tokens != nil {
		svc.tokens.now = svc.now
	}
	return svc, nil
}

// Store exposes the underlying store for maintenance tooling.
func (s *Service) Store() Store { return s.store }

// Now returns the service clock reading.
func (s *Service) Now() time.Time { return s.now() }

// Identity loads an identity by id.
func (s *Service) Identity(ctx context.Context, id string) (*Identity, error) {
	return s.store.Identities(ctx).Find(ctx, id)
}

// Organizations lists the organization catalog.
func (s *Service) Organizations(ctx context.Context) ([]*Organization, error) {
	return s.store.Organizations(ctx).List(ctx)
}

// CreateOrganization adds an organization to the catalog.
func (s *Service) CreateOrganization(ctx context.Context, name string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidInput
	}
	org := &Organization{Name: name, CreatedAt: s.now().UTC()}
	if err := s.store.Organizations(ctx).Create(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

// EnsureBuiltins ensures the default groups exist.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.Groups(ctx).Ensure(ctx, DefaultGroups)
}

// deliver runs one Notifier call under the delivery timeout. A notifier that ignores its
// context is abandoned once the timeout fires.
func (s *Service) deliver(ctx context.Context, send func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.delivery)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- send(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadActor resolves the identity performing a privileged action.
func (s *Service) loadActor(ctx context.Context, actorID string) (*Identity, error) {
	return s.txActor(ctx, s.store, actorID)
}

// deleteDependents removes every record owned by identityID, identity itself excluded.
func deleteDependents(ctx context.Context, tx Store, identityID string) error {
	if err := tx.Devices(ctx).DeleteAll(ctx, identityID); err != nil {
		return err
	}
	if err := tx.Recovery(ctx).Delete(ctx, identityID); err != nil {
		return err
	}
	if err := tx.TwoFactor(ctx).Delete(ctx, identityID); err != nil {
		return err
	}
	if err := tx.LoginSecurity(ctx).Delete(ctx, identityID); err != nil {
		return err
	}
	return tx.Verifications(ctx).Delete(ctx, identityID)
}
