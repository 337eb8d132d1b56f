package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies account passwords.
type Hasher interface {
	Hash(password string) (string, error)
	// Verify returns nil on match.
	Verify(hash, password string) error
}

// BcryptHasher implements Hasher with bcrypt.
type BcryptHasher struct {
	Cost int
}

// dummyHash is compared against when no identity matched a login so unknown and known
// accounts cost the same.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("helpdesk-dummy-password"), bcrypt.DefaultCost)

func (h BcryptHasher) cost() int {
	if h.Cost < bcrypt.MinCost || h.Cost > bcrypt.MaxCost {
		return bcrypt.DefaultCost
	}
	return h.Cost
}

// Hash hashes plaintext password using bcrypt.
func (h BcryptHasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost())
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares plaintext password with stored hash.
func (h BcryptHasher) Verify(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// HashPassword hashes with the default cost.
func HashPassword(password string) (string, error) {
	return BcryptHasher{}.Hash(password)
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	return BcryptHasher{}.Verify(hash, password)
}

func burnHash(h Hasher, password string) {
	_ = h.Verify(string(dummyHash), password)
}
