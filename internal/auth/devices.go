package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ClientHints are the Sec-CH-UA request headers that contribute to a fingerprint.
type ClientHints struct {
	Brand    string
	Platform string
}

// Device is what a request reveals about the client.
type Device struct {
	UserAgent string
	IP        string
	Hints     ClientHints
}

// Fingerprint returns the hex SHA-256 of "ua|ip|brand|platform".
func Fingerprint(d Device) string {
	raw := strings.Join([]string{d.UserAgent, d.IP, d.Hints.Brand, d.Hints.Platform}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IsTrusted reports whether a trust record exists for the fingerprint and has not expired.
// Expired records are left in place.
func (s *Service) IsTrusted(ctx context.Context, identityID, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	d, ok, err := s.store.Devices(ctx).Get(ctx, identityID, fingerprint)
	if err != nil || !ok {
		return false, err
	}
	return d.ValidAt(s.now()), nil
}

// TrustDevice creates or refreshes a trust record valid for DeviceTrustTTL and returns
// it with a signed trust token for the client. The token is empty when no signer is
// configured.
func (s *Service) TrustDevice(ctx context.Context, identityID string, dev Device) (TrustedDevice, string, error) {
	if _, err := s.store.Identities(ctx).Find(ctx, identityID); err != nil {
		return TrustedDevice{}, "", err
	}
	return s.trustDevice(ctx, identityID, dev, s.now().UTC())
}

func (s *Service) trustDevice(ctx context.Context, identityID string, dev Device, now time.Time) (TrustedDevice, string, error) {
	d := TrustedDevice{
		IdentityID:  identityID,
		Fingerprint: Fingerprint(dev),
		IP:          dev.IP,
		UserAgent:   dev.UserAgent,
		CreatedAt:   now,
		ExpiresAt:   now.Add(DeviceTrustTTL),
		LastUsedAt:  now,
	}
	if err := s.store.Devices(ctx).Upsert(ctx, d); err != nil {
		return TrustedDevice{}, "", err
	}
	var token string
	if s.tokens != nil {
		var err error
		token, err = s.tokens.Sign(TokenDeviceTrust, identityID, DeviceTrustTTL, Claims{Fingerprint: d.Fingerprint})
		if err != nil {
			return TrustedDevice{}, "", err
		}
	}
	s.emit(ctx, Event{Type: EventDeviceTrusted, IdentityID: identityID, IP: dev.IP})
	return d, token, nil
}

// CheckTrustToken validates a device trust token against the presenting device and the
// stored record. A token alone never grants trust.
func (s *Service) CheckTrustToken(ctx context.Context, token string, dev Device) (string, bool, error) {
	if s.tokens == nil || token == "" {
		return "", false, nil
	}
	claims, err := s.tokens.Parse(TokenDeviceTrust, token)
	if err != nil {
		return "", false, nil
	}
	fp := Fingerprint(dev)
	if !constantTimeEqual(claims.Fingerprint, fp) {
		return "", false, nil
	}
	ok, err := s.IsTrusted(ctx, claims.Subject, fp)
	if err != nil || !ok {
		return "", false, err
	}
	return claims.Subject, true, nil
}

// Devices lists the trust records of an identity, expired ones included.
func (s *Service) Devices(ctx context.Context, identityID string) ([]TrustedDevice, error) {
	return s.store.Devices(ctx).List(ctx, identityID)
}
