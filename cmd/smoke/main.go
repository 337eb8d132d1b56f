package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"helpdesk.org/internal/auth"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// outbox keeps the last verification code per identity.
type outbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (o *outbox) SendVerificationCode(_ context.Context, id *auth.Identity, code string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.codes[id.ID] = code
	return nil
}

func (o *outbox) SendPasswordChangeCode(context.Context, *auth.Identity, string) error {
	return nil
}

func (o *outbox) SendPasswordChangedNotice(context.Context, *auth.Identity) error { return nil }

func (o *outbox) SendPasswordResetLink(context.Context, *auth.Identity, string) error {
	return nil
}

func (o *outbox) last(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.codes[id]
}

func must(err error, step string) {
	if err != nil {
		log.Fatalf("%s: %v", step, err)
	}
}

func expect(err, want error, step string) {
	if !errors.Is(err, want) {
		log.Fatalf("%s: expected %v, got %v", step, want, err)
	}
}

func main() {
	ctx := context.Background()
	clk := &clock{now: time.Now().UTC().Truncate(time.Second)}
	mail := &outbox{codes: map[string]string{}}
	store := auth.NewMemoryStore()

	svc, err := auth.NewService(store,
		auth.WithClock(clk.Now),
		auth.WithHasher(auth.BcryptHasher{Cost: bcrypt.MinCost}),
		auth.WithNotifier(mail),
		auth.WithTokenSigner(auth.NewTokenSigner("smoke-secret-0123456789", "helpdesk-smoke")),
	)
	must(err, "service")

	alice, err := svc.Register(ctx, auth.RegisterRequest{Username: "alice", Email: "a@x.com", Password: "P@ssw0rd"})
	must(err, "register")
	c1 := mail.last(alice.ID)

	c2 := c1
	for c2 == c1 {
		must(svc.ResendCode(ctx, alice.ID), "resend")
		c2 = mail.last(alice.ID)
	}
	expect(svc.VerifyEmail(ctx, alice.ID, c1), auth.ErrCodeMismatch, "verify with stale code")
	must(svc.VerifyEmail(ctx, alice.ID, c2), "verify")

	res, err := svc.Authenticate(ctx, auth.Credentials{Login: "alice", Password: "P@ssw0rd"})
	must(err, "login before approval")
	if res.Outcome != auth.OutcomePendingApproval {
		log.Fatalf("login before approval: expected pending_approval, got %s", res.Outcome)
	}

	// Бутстрап администратора напрямую через хранилище.
	hash, err := auth.BcryptHasher{Cost: bcrypt.MinCost}.Hash("Adm1n-passw0rd")
	must(err, "hash admin password")
	now := clk.Now()
	admin := &auth.Identity{
		Username: "root", Email: "root@helpdesk.local", PasswordHash: hash,
		Active: true, Approved: true, ApprovedAt: &now, Role: auth.RoleAdmin, Group: "Admin", CreatedAt: now,
	}
	must(store.Identities(ctx).Create(ctx, admin), "create admin")
	must(store.LoginSecurity(ctx).Init(ctx, admin.ID), "admin security state")
	must(store.Verifications(ctx).Replace(ctx, auth.EmailVerification{IdentityID: admin.ID, Verified: true, CreatedAt: now}), "admin verification")

	org, err := svc.CreateOrganization(ctx, "Acme")
	must(err, "create organization")
	approval, err := svc.Approve(ctx, auth.ApproveRequest{ApproverID: admin.ID, TargetID: alice.ID, Group: "Klient", Organizations: []string{org.ID}})
	must(err, "approve")
	if approval.Identity.Role != auth.RoleClient {
		log.Fatalf("approve: expected client role, got %s", approval.Identity.Role)
	}

	res, err = svc.Authenticate(ctx, auth.Credentials{Login: "alice", Password: "P@ssw0rd"})
	must(err, "login")
	sess, err := svc.StartSession(ctx, res)
	must(err, "start session")

	en, err := svc.BeginEnrollment(ctx, sess, alice.ID)
	must(err, "begin enrollment")
	code, err := totp.GenerateCode(en.Secret, clk.Now())
	must(err, "totp code")
	enrolled, err := svc.ConfirmEnrollment(ctx, sess, alice.ID, code, "127.0.0.1")
	must(err, "confirm enrollment")
	if enrolled.RecoveryCode == "" {
		log.Fatal("confirm enrollment: no recovery code issued")
	}

	clk.advance(30 * time.Second)
	res, err = svc.Authenticate(ctx, auth.Credentials{Login: "alice", Password: "P@ssw0rd"})
	must(err, "second login")
	next, err := svc.StartSession(ctx, res)
	must(err, "second session")
	decision, err := svc.Gate(ctx, next, auth.GateRequest{Path: "/tickets/"})
	must(err, "gate")
	if decision.Allow {
		log.Fatal("gate: enrolled session passed without verification")
	}
	code, err = totp.GenerateCode(en.Secret, clk.Now())
	must(err, "totp code")
	_, err = svc.VerifyLogin(ctx, next, alice.ID, code, auth.VerifyOptions{})
	must(err, "verify login")
	_, err = svc.VerifyLogin(ctx, auth.NewSession(alice.ID, clk.Now()), alice.ID, code, auth.VerifyOptions{})
	expect(err, auth.ErrTOTPInvalid, "replayed code")

	decision, err = svc.Gate(ctx, next, auth.GateRequest{Path: "/tickets/"})
	must(err, "gate after verification")
	if !decision.Allow {
		log.Fatalf("gate after verification: redirected to %s", decision.Redirect)
	}

	fmt.Printf("✅ identity smoke test passed: identity=%s organization=%s\n", alice.ID, org.ID)
}
