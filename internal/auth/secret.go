package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrSecretMismatch = errors.New("secret mismatch")

// GenerateDeviceSecret returns a random 32-byte secret, hex encoded. It is
// shown to the operator once and only its hash is kept.
func GenerateDeviceSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func HashSecret(secret string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func CompareSecret(hash, secret string) error {
	if hash == "" || secret == "" {
		return ErrSecretMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrSecretMismatch
	}
	return nil
}
