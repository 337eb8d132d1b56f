package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFingerprintCoversEveryHint(t *testing.T) {
	base := Device{UserAgent: "Mozilla/5.0", IP: "10.0.0.1", Hints: ClientHints{Brand: "Chromium", Platform: "macOS"}}
	fp := Fingerprint(base)
	require.Len(t, fp, 64)
	require.Equal(t, fp, Fingerprint(base))

	for _, changed := range []Device{
		{UserAgent: "curl/8", IP: base.IP, Hints: base.Hints},
		{UserAgent: base.UserAgent, IP: "10.0.0.2", Hints: base.Hints},
		{UserAgent: base.UserAgent, IP: base.IP, Hints: ClientHints{Brand: "Firefox", Platform: "macOS"}},
		{UserAgent: base.UserAgent, IP: base.IP, Hints: ClientHints{Brand: "Chromium", Platform: "Windows"}},
	} {
		require.NotEqual(t, fp, Fingerprint(changed))
	}
}

func TestDeviceTrustExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	dev := Device{UserAgent: "Mozilla/5.0", IP: "10.0.0.1"}

	d, token, err := f.svc.TrustDevice(ctx, id.ID, dev)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, f.clock.Now().Add(DeviceTrustTTL), d.ExpiresAt)

	f.clock.Advance(29 * 24 * time.Hour)
	ok, err := f.svc.IsTrusted(ctx, id.ID, d.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(2 * 24 * time.Hour)
	ok, err = f.svc.IsTrusted(ctx, id.ID, d.Fingerprint)
	require.NoError(t, err)
	require.False(t, ok)

	devices, err := f.svc.Devices(ctx, id.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
}

func TestTrustDeviceRefreshesExistingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	dev := Device{UserAgent: "Mozilla/5.0", IP: "10.0.0.1"}

	first, _, err := f.svc.TrustDevice(ctx, id.ID, dev)
	require.NoError(t, err)
	f.clock.Advance(10 * 24 * time.Hour)
	second, _, err := f.svc.TrustDevice(ctx, id.ID, dev)
	require.NoError(t, err)
	require.True(t, second.ExpiresAt.After(first.ExpiresAt))

	devices, err := f.svc.Devices(ctx, id.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	_, _, err = f.svc.TrustDevice(ctx, "missing", dev)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckTrustToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.approvedClient(t, "alice")
	dev := Device{UserAgent: "Mozilla/5.0", IP: "10.0.0.1"}
	_, token, err := f.svc.TrustDevice(ctx, id.ID, dev)
	require.NoError(t, err)

	subject, ok, err := f.svc.CheckTrustToken(ctx, token, dev)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id.ID, subject)

	_, ok, err = f.svc.CheckTrustToken(ctx, token, Device{UserAgent: "Mozilla/5.0", IP: "10.9.9.9"})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = f.svc.CheckTrustToken(ctx, "garbage", dev)
	require.NoError(t, err)
	require.False(t, ok)

	// A valid token without a stored record grants nothing.
	require.NoError(t, f.store.Devices(ctx).DeleteAll(ctx, id.ID))
	_, ok, err = f.svc.CheckTrustToken(ctx, token, dev)
	require.NoError(t, err)
	require.False(t, ok)
}
