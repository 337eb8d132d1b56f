package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterCreatesInactiveIdentityWithDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.register(t, "alice", "a@x.com")
	require.False(t, id.Active)
	require.False(t, id.Approved)
	require.Equal(t, RoleClient, id.Role)
	require.Equal(t, RegistrationGroup, id.Group)

	rec, ok, err := f.store.Verifications(ctx).Get(ctx, id.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rec.Code, 6)
	require.Equal(t, rec.Code, f.notifier.last(id.ID))

	_, ok, err = f.store.LoginSecurity(ctx).Get(ctx, id.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, f.events.count(EventUserCreated))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "a@x.com")

	_, err := f.svc.Register(context.Background(), RegisterRequest{Username: "ALICE", Email: "other@x.com", Password: "P@ssw0rd"})
	require.ErrorIs(t, err, ErrDuplicateIdentity)
	_, err = f.svc.Register(context.Background(), RegisterRequest{Username: "bob", Email: "A@X.com", Password: "P@ssw0rd"})
	require.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestRegisterValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), RegisterRequest{Username: "", Email: "a@x.com", Password: "P@ssw0rd"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Register(context.Background(), RegisterRequest{Username: "alice", Email: "nope", Password: "P@ssw0rd"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Register(context.Background(), RegisterRequest{Username: "alice", Email: "a@x.com", Password: "short"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegisterDeliveryFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.notifier.fail = true

	_, err := f.svc.Register(ctx, RegisterRequest{Username: "alice", Email: "a@x.com", Password: "P@ssw0rd"})
	require.ErrorIs(t, err, ErrNotificationDeliveryFailed)

	taken, err := f.store.Identities(ctx).Taken(ctx, "alice", "a@x.com")
	require.NoError(t, err)
	require.False(t, taken)
	orphans, err := f.store.Identities(ctx).Orphans(ctx)
	require.NoError(t, err)
	require.Empty(t, orphans)

	f.notifier.fail = false
	f.register(t, "alice", "a@x.com")
}

func TestRegisterDeliveryIsTimeBounded(t *testing.T) {
	f := newFixture(t, WithDeliveryTimeout(50*time.Millisecond))
	ctx := context.Background()
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	f.notifier.mu.Lock()
	f.notifier.hang = hang
	f.notifier.mu.Unlock()

	start := time.Now()
	_, err := f.svc.Register(ctx, RegisterRequest{Username: "alice", Email: "a@x.com", Password: "P@ssw0rd"})
	require.ErrorIs(t, err, ErrNotificationDeliveryFailed)
	require.Less(t, time.Since(start), 5*time.Second)

	// The store is usable again and nothing was kept.
	taken, err := f.store.Identities(ctx).Taken(ctx, "alice", "a@x.com")
	require.NoError(t, err)
	require.False(t, taken)
}

func TestResendInvalidatesPreviousCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "alice", "a@x.com")
	first := f.notifier.last(id.ID)

	require.NoError(t, f.svc.ResendCode(ctx, id.ID))
	second := f.notifier.last(id.ID)
	if first == second {
		// Six random digits can repeat; reissue until they differ.
		require.NoError(t, f.svc.ResendCode(ctx, id.ID))
		second = f.notifier.last(id.ID)
	}
	require.NotEqual(t, first, second)

	require.ErrorIs(t, f.svc.VerifyEmail(ctx, id.ID, first), ErrCodeMismatch)
	require.NoError(t, f.svc.VerifyEmail(ctx, id.ID, second))
}

func TestVerifyEmailExpiresAfter24Hours(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice", "a@x.com")
	code := f.notifier.last(id.ID)

	f.clock.Advance(24*time.Hour + time.Second)
	require.ErrorIs(t, f.svc.VerifyEmail(context.Background(), id.ID, code), ErrCodeExpired)

	got, err := f.svc.Identity(context.Background(), id.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
}

func TestVerifyEmailAttemptLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "alice", "a@x.com")
	code := f.notifier.last(id.ID)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < MaxVerificationAttempts; i++ {
		require.ErrorIs(t, f.svc.VerifyEmail(ctx, id.ID, wrong), ErrCodeMismatch)
	}
	require.ErrorIs(t, f.svc.VerifyEmail(ctx, id.ID, code), ErrVerificationAttemptsExceeded)

	require.NoError(t, f.svc.ResendCode(ctx, id.ID))
	require.NoError(t, f.svc.VerifyEmail(ctx, id.ID, f.notifier.last(id.ID)))
}

func TestAliceScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.svc.Register(ctx, RegisterRequest{Username: "alice", Email: "a@x.com", Password: "P@ssw0rd"})
	require.NoError(t, err)
	c1 := f.notifier.last(alice.ID)

	require.NoError(t, f.svc.ResendCode(ctx, alice.ID))
	c2 := f.notifier.last(alice.ID)
	for c2 == c1 {
		require.NoError(t, f.svc.ResendCode(ctx, alice.ID))
		c2 = f.notifier.last(alice.ID)
	}

	require.ErrorIs(t, f.svc.VerifyEmail(ctx, alice.ID, c1), ErrCodeMismatch)
	require.NoError(t, f.svc.VerifyEmail(ctx, alice.ID, c2))

	got, err := f.svc.Identity(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, got.Active)
	require.False(t, got.Approved)

	res, err := f.svc.Authenticate(ctx, Credentials{Login: "alice", Password: "P@ssw0rd"})
	require.NoError(t, err)
	require.Equal(t, OutcomePendingApproval, res.Outcome)
	require.ErrorIs(t, res.Outcome.Err(), ErrPendingApproval)
}

func TestRepairOrphansIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.register(t, "alice", "a@x.com")

	orphan := &Identity{Username: "ghost", Email: "ghost@x.com", Role: RoleClient, Group: RegistrationGroup}
	require.NoError(t, f.store.Identities(ctx).Create(ctx, orphan))
	require.NoError(t, f.store.LoginSecurity(ctx).Init(ctx, orphan.ID))

	n, err := f.svc.RepairOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = f.svc.Identity(ctx, orphan.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, ok, err := f.store.LoginSecurity(ctx).Get(ctx, orphan.ID)
	require.NoError(t, err)
	require.False(t, ok)

	n, err = f.svc.RepairOrphans(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = f.svc.Identity(ctx, keep.ID)
	require.NoError(t, err)
}

func TestVerifyEmailOnOrphanIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orphan := &Identity{Username: "ghost", Email: "ghost@x.com"}
	require.NoError(t, f.store.Identities(ctx).Create(ctx, orphan))

	require.ErrorIs(t, f.svc.VerifyEmail(ctx, orphan.ID, "123456"), ErrOrphanedRecordConflict)
}

func TestPasswordChangeNeedsEmailedCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	sess := f.login(t, id)

	require.ErrorIs(t, f.svc.BeginPasswordChange(ctx, sess, id.ID, "wrong-password", "N3w-password"), ErrInvalidCredentials)
	require.ErrorIs(t, f.svc.BeginPasswordChange(ctx, sess, id.ID, "P@ssw0rd", "short"), ErrInvalidInput)
	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, "123456"), ErrNoPendingPasswordChange)

	require.NoError(t, f.svc.BeginPasswordChange(ctx, sess, id.ID, "P@ssw0rd", "N3w-password"))
	code := f.notifier.lastPasswordCode(id.ID)
	require.Regexp(t, `^[0-9]{6}$`, code)

	// Nothing changes until the code comes back.
	res, err := f.svc.Authenticate(ctx, Credentials{Login: "alice", Password: "P@ssw0rd"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)

	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, f.login(t, id), id.ID, code), ErrNoPendingPasswordChange)
	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, wrongCode(code)), ErrCodeMismatch)
	require.NoError(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, code))
	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, code), ErrNoPendingPasswordChange)

	res, err = f.svc.Authenticate(ctx, Credentials{Login: "alice", Password: "N3w-password"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, 1, f.events.count(EventPasswordChanged))
}

func TestPasswordChangeReissueInvalidatesOldCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	sess := f.login(t, id)

	require.NoError(t, f.svc.BeginPasswordChange(ctx, sess, id.ID, "P@ssw0rd", "F1rst-password"))
	first := f.notifier.lastPasswordCode(id.ID)
	second := first
	for second == first {
		require.NoError(t, f.svc.BeginPasswordChange(ctx, sess, id.ID, "P@ssw0rd", "S3cond-password"))
		second = f.notifier.lastPasswordCode(id.ID)
	}

	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, first), ErrCodeMismatch)
	require.NoError(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, second))
	res, err := f.svc.Authenticate(ctx, Credentials{Login: "alice", Password: "S3cond-password"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestPasswordChangeCodeExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	sess := f.login(t, id)

	require.NoError(t, f.svc.BeginPasswordChange(ctx, sess, id.ID, "P@ssw0rd", "N3w-password"))
	code := f.notifier.lastPasswordCode(id.ID)
	f.clock.Advance(PasswordChangeCodeTTL + time.Second)

	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, code), ErrCodeExpired)
	require.Nil(t, sess.PendingPassword)
	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, code), ErrNoPendingPasswordChange)
}

func TestPasswordChangeAttemptLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	sess := f.login(t, id)

	require.NoError(t, f.svc.BeginPasswordChange(ctx, sess, id.ID, "P@ssw0rd", "N3w-password"))
	code := f.notifier.lastPasswordCode(id.ID)
	for i := 1; i < MaxVerificationAttempts; i++ {
		require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, wrongCode(code)), ErrCodeMismatch)
	}
	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, wrongCode(code)), ErrVerificationAttemptsExceeded)
	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, code), ErrNoPendingPasswordChange)
}

func TestLogoutDropsPendingPasswordChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	sess := f.login(t, id)

	require.NoError(t, f.svc.BeginPasswordChange(ctx, sess, id.ID, "P@ssw0rd", "N3w-password"))
	code := f.notifier.lastPasswordCode(id.ID)
	f.svc.EndSession(ctx, sess, "10.0.0.1")

	require.Nil(t, sess.PendingPassword)
	require.ErrorIs(t, f.svc.ConfirmPasswordChange(ctx, sess, id.ID, code), ErrNoPendingPasswordChange)
	res, err := f.svc.Authenticate(ctx, Credentials{Login: "alice", Password: "P@ssw0rd"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestPasswordChangeDeliveryFailureKeepsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	sess := f.login(t, id)
	f.notifier.fail = true

	require.ErrorIs(t, f.svc.BeginPasswordChange(ctx, sess, id.ID, "P@ssw0rd", "N3w-password"), ErrNotificationDeliveryFailed)
	require.Nil(t, sess.PendingPassword)
}

func TestPasswordResetTokenIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "nobody@x.com"))
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@x.com"))
	token := f.notifier.resets[id.ID]
	require.NotEmpty(t, token)

	require.NoError(t, f.svc.ResetPassword(ctx, token, "Reset-passw0rd"))
	require.ErrorIs(t, f.svc.ResetPassword(ctx, token, "Another-passw0rd"), ErrInvalidToken)

	res, err := f.svc.Authenticate(ctx, Credentials{Login: "alice@x.com", Password: "Reset-passw0rd"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
}
