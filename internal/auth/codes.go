package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	verificationCodeDigits = 6
	recoveryCodeLength     = 16
	recoveryCodeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	recoverySaltBytes      = 32
	recoveryKeyBytes       = 32
	recoveryIterations     = 100000
)

// newVerificationCode returns a uniformly random 6-digit code, leading zeros kept.
func newVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("auth: verification code: %w", err)
	}
	return fmt.Sprintf("%0*d", verificationCodeDigits, n.Int64()), nil
}

func newRecoveryCode() (string, error) {
	var b strings.Builder
	b.Grow(recoveryCodeLength)
	max := big.NewInt(int64(len(recoveryCodeAlphabet)))
	for i := 0; i < recoveryCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("auth: recovery code: %w", err)
		}
		b.WriteByte(recoveryCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// hashRecoveryCode returns hex(salt) || hex(PBKDF2-HMAC-SHA256(code, salt)).
func hashRecoveryCode(code string) (string, error) {
	salt := make([]byte, recoverySaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: recovery salt: %w", err)
	}
	key := pbkdf2.Key([]byte(code), salt, recoveryIterations, recoveryKeyBytes, sha256.New)
	return hex.EncodeToString(salt) + hex.EncodeToString(key), nil
}

func matchRecoveryCode(stored, code string) bool {
	const saltHex = recoverySaltBytes * 2
	if len(stored) != saltHex+recoveryKeyBytes*2 {
		return false
	}
	salt, err := hex.DecodeString(stored[:saltHex])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(stored[saltHex:])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(code), salt, recoveryIterations, recoveryKeyBytes, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
