package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateRecoveryCodeCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	sess := f.login(t, id)

	_, err := f.svc.GenerateRecoveryCode(ctx, sess, id.ID, Challenge{})
	require.ErrorIs(t, err, ErrNotEnrolled)

	_, first := f.enroll(t, id, sess)
	_, err = f.svc.GenerateRecoveryCode(ctx, sess, id.ID, Challenge{})
	require.ErrorIs(t, err, ErrRecoveryCodeRateLimited)

	f.clock.Advance(RecoveryCodeCooldown + time.Second)
	second, err := f.svc.GenerateRecoveryCode(ctx, sess, id.ID, Challenge{})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.ErrorIs(t, f.svc.VerifyRecoveryCode(ctx, id.ID, first, ""), ErrRecoveryCodeInvalid)
	require.NoError(t, f.svc.VerifyRecoveryCode(ctx, id.ID, second, ""))
}

func TestGenerateRecoveryCodeRequiresSecondFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	secret, first := f.enroll(t, id, f.login(t, id))
	f.clock.Advance(RecoveryCodeCooldown + time.Second)

	passwordOnly := f.login(t, id)
	_, err := f.svc.GenerateRecoveryCode(ctx, passwordOnly, id.ID, Challenge{})
	require.ErrorIs(t, err, ErrTOTPInvalid)
	rec, _, err := f.store.Recovery(ctx).Get(ctx, id.ID)
	require.NoError(t, err)
	require.True(t, matchRecoveryCode(rec.Hash, first))

	code, err := f.svc.GenerateRecoveryCode(ctx, passwordOnly, id.ID, Challenge{Code: f.code(t, secret)})
	require.NoError(t, err)
	require.Len(t, code, recoveryCodeLength)
}

func TestGenerateRecoveryCodeForRequiresPrivilege(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	f.enroll(t, id, f.login(t, id))
	agent := f.seedStaff(t, "agent", RoleAgent)
	admin := f.seedStaff(t, "root", RoleAdmin)

	_, err := f.svc.GenerateRecoveryCodeFor(ctx, agent.ID, id.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.GenerateRecoveryCodeFor(ctx, admin.ID, id.ID)
	require.ErrorIs(t, err, ErrRecoveryCodeRateLimited)
}

func TestRecoveryCodeRedeemsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	_, code := f.enroll(t, id, f.login(t, id))

	require.NoError(t, f.svc.VerifyRecoveryCode(ctx, id.ID, code, "10.0.0.1"))
	require.ErrorIs(t, f.svc.VerifyRecoveryCode(ctx, id.ID, code, "10.0.0.1"), ErrRecoveryCodeInvalid)

	_, ok, err := f.store.TwoFactor(ctx).Get(ctx, id.ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, f.events.count(EventRecoveryRedeemed))
	require.Equal(t, 1, f.events.count(EventTOTPDisabled))
	require.Equal(t, 1, f.events.count(EventRecoveryFailed))
}

func TestRecoveryMismatchChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	_, code := f.enroll(t, id, f.login(t, id))
	before, _, err := f.store.Recovery(ctx).Get(ctx, id.ID)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.VerifyRecoveryCode(ctx, id.ID, "AAAAAAAAAAAAAAAA", ""), ErrRecoveryCodeInvalid)

	after, _, err := f.store.Recovery(ctx).Get(ctx, id.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	cred, ok, err := f.store.TwoFactor(ctx).Get(ctx, id.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cred.Enabled)

	require.NoError(t, f.svc.VerifyRecoveryCode(ctx, id.ID, code, ""))
}

func TestConcurrentRecoveryRedemption(t *testing.T) {
	f := newFixture(t)
	id := f.approvedClient(t, "alice")
	_, code := f.enroll(t, id, f.login(t, id))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.svc.VerifyRecoveryCode(context.Background(), id.ID, code, ""); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, success)
	require.Equal(t, 1, f.events.count(EventRecoveryRedeemed))
}

func TestRecoveryCodeHashing(t *testing.T) {
	code, err := newRecoveryCode()
	require.NoError(t, err)
	require.Len(t, code, recoveryCodeLength)

	a, err := hashRecoveryCode(code)
	require.NoError(t, err)
	b, err := hashRecoveryCode(code)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "salts must differ")
	require.Len(t, a, (recoverySaltBytes+recoveryKeyBytes)*2)

	require.True(t, matchRecoveryCode(a, code))
	require.True(t, matchRecoveryCode(b, code))
	require.False(t, matchRecoveryCode(a, code+"x"))
	require.False(t, matchRecoveryCode("", code))
	require.False(t, matchRecoveryCode("zz"+a[2:], code))
}

func TestVerificationCodeFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := newVerificationCode()
		require.NoError(t, err)
		require.Regexp(t, `^[0-9]{6}$`, code)
	}
}
