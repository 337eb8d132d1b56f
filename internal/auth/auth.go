package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("auth: invalid token")

var errMissingSecret = errors.New("auth: token secret is not configured")

// TokenKind separates the purposes a signed token can serve.
type TokenKind string

const (
	TokenSession       TokenKind = "session"
	TokenDeviceTrust   TokenKind = "device"
	TokenPasswordReset TokenKind = "reset"
)

// Claims represents JWT claims used across the service.
type Claims struct {
	Kind        TokenKind `json:"kind"`
	SessionID   string    `json:"sid,omitempty"`
	Fingerprint string    `json:"fp,omitempty"`
	// PasswordTag binds reset tokens to the password hash they were issued against.
	PasswordTag string `json:"pwt,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner signs and verifies HS256 tokens.
type TokenSigner struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenSigner constructs a signer. An empty secret yields a signer that rejects all
// operations with errMissingSecret.
func NewTokenSigner(secret, issuer string) *TokenSigner {
	return &TokenSigner{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
}

// Sign issues a token of kind for subject, valid for ttl.
func (t *TokenSigner) Sign(kind TokenKind, subject string, ttl time.Duration, extra Claims) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("auth: token subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("auth: token ttl must be greater than zero")
	}
	if len(t.secret) == 0 {
		return "", errMissingSecret
	}
	now := t.now().UTC()
	claims := extra
	claims.Kind = kind
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, issuer, expiry and kind.
func (t *TokenSigner) Parse(kind TokenKind, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	if len(t.secret) == 0 {
		return nil, errMissingSecret
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tk *jwt.Token) (any, error) {
		if tk.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithIssuer(t.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
