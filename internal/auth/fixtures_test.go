package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureNotifier struct {
	mu        sync.Mutex
	codes     map[string][]string
	passwords map[string][]string
	resets    map[string]string
	fail      bool
	// hang, when set, blocks verification deliveries until it is closed, ignoring ctx.
	hang chan struct{}
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{codes: map[string][]string{}, passwords: map[string][]string{}, resets: map[string]string{}}
}

func (n *captureNotifier) SendVerificationCode(_ context.Context, id *Identity, code string) error {
	n.mu.Lock()
	hang := n.hang
	n.mu.Unlock()
	if hang != nil {
		<-hang
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp down")
	}
	n.codes[id.ID] = append(n.codes[id.ID], code)
	return nil
}

func (n *captureNotifier) SendPasswordChangeCode(_ context.Context, id *Identity, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp down")
	}
	n.passwords[id.ID] = append(n.passwords[id.ID], code)
	return nil
}

func (n *captureNotifier) lastPasswordCode(identityID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	codes := n.passwords[identityID]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

func (n *captureNotifier) SendPasswordChangedNotice(context.Context, *Identity) error { return nil }

func (n *captureNotifier) SendPasswordResetLink(_ context.Context, id *Identity, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets[id.ID] = token
	return nil
}

func (n *captureNotifier) last(identityID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	codes := n.codes[identityID]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Dispatch(_ context.Context, ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) last(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	clock    *testClock
	notifier *captureNotifier
	events   *eventLog
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		clock:    &testClock{now: epoch},
		notifier: newCaptureNotifier(),
		events:   &eventLog{},
	}
	svc, err := NewService(f.store, append([]ServiceOption{
		WithClock(f.clock.Now),
		WithHasher(BcryptHasher{Cost: bcrypt.MinCost}),
		WithNotifier(f.notifier),
		WithDispatcher(f.events),
		WithTokenSigner(NewTokenSigner("test-secret", "helpdesk-test")),
	}, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, username, email string) *Identity {
	t.Helper()
	id, err := f.svc.Register(context.Background(), RegisterRequest{
		Username: username,
		Email:    email,
		Password: "P@ssw0rd",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) registerVerified(t *testing.T, username, email string) *Identity {
	t.Helper()
	id := f.register(t, username, email)
	require.NoError(t, f.svc.VerifyEmail(context.Background(), id.ID, f.notifier.last(id.ID)))
	return id
}

// seedStaff stores an active, approved identity directly, bypassing the workflow.
func (f *fixture) seedStaff(t *testing.T, username string, role Role, orgs ...string) *Identity {
	t.Helper()
	ctx := context.Background()
	hash, err := BcryptHasher{Cost: bcrypt.MinCost}.Hash("P@ssw0rd")
	require.NoError(t, err)
	group := ""
	for _, g := range DefaultGroups {
		if g.Role == role {
			group = g.Name
		}
	}
	now := f.clock.Now()
	id := &Identity{
		Username:      username,
		Email:         username + "@helpdesk.test",
		PasswordHash:  hash,
		Active:        true,
		Approved:      true,
		ApprovedAt:    &now,
		Role:          role,
		Group:         group,
		Organizations: orgs,
		CreatedAt:     now,
	}
	require.NoError(t, f.store.Identities(ctx).Create(ctx, id))
	require.NoError(t, f.store.LoginSecurity(ctx).Init(ctx, id.ID))
	require.NoError(t, f.store.Verifications(ctx).Replace(ctx, EmailVerification{IdentityID: id.ID, Verified: true, CreatedAt: now}))
	return id
}

func (f *fixture) org(t *testing.T, name string) string {
	t.Helper()
	org, err := f.svc.CreateOrganization(context.Background(), name)
	require.NoError(t, err)
	return org.ID
}

// approvedClient registers, verifies and approves a client identity.
func (f *fixture) approvedClient(t *testing.T, username string) *Identity {
	t.Helper()
	admin := f.seedStaff(t, username+"-admin", RoleAdmin)
	id := f.registerVerified(t, username, username+"@x.com")
	res, err := f.svc.Approve(context.Background(), ApproveRequest{ApproverID: admin.ID, TargetID: id.ID, Group: "Klient"})
	require.NoError(t, err)
	return res.Identity
}

func (f *fixture) login(t *testing.T, id *Identity) *Session {
	t.Helper()
	res, err := f.svc.Authenticate(context.Background(), Credentials{Login: id.Username, Password: "P@ssw0rd"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	sess, err := f.svc.StartSession(context.Background(), res)
	require.NoError(t, err)
	return sess
}

func (f *fixture) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, f.clock.Now(), totpOpts)
	require.NoError(t, err)
	return code
}

// enroll runs the full enrollment round-trip and returns the secret and recovery code.
func (f *fixture) enroll(t *testing.T, id *Identity, sess *Session) (string, string) {
	t.Helper()
	ctx := context.Background()
	en, err := f.svc.BeginEnrollment(ctx, sess, id.ID)
	require.NoError(t, err)
	res, err := f.svc.ConfirmEnrollment(ctx, sess, id.ID, f.code(t, en.Secret), "")
	require.NoError(t, err)
	require.NotEmpty(t, res.RecoveryCode)
	return en.Secret, res.RecoveryCode
}
