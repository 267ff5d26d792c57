// Package secrets seals short strings, such as the room API secret, for
// storage in the config file. Sealed values carry the "enc:" prefix and are
// AES-256-GCM encrypted under a scrypt-derived key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Prefix marks a sealed value.
const Prefix = "enc:"

const (
	saltSize = 16
	keySize  = 32
	scryptN  = 1 << 15
	scryptR  = 8
	scryptP  = 1
)

var (
	// ErrInvalidPassword is returned when the password does not open a value.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrMalformed is returned for a sealed value that cannot be parsed.
	ErrMalformed = errors.New("malformed sealed value")
)

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Seal encrypts value with password. The empty string stays empty.
//
// The sealed form is Prefix + base64(salt || nonce || ciphertext).
func Seal(value, password string) (string, error) {
	if value == "" {
		return "", nil
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	blob := make([]byte, 0, saltSize+len(nonce)+len(value)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, []byte(value), []byte(Prefix))
	return Prefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Open decrypts a value produced by Seal. Values without the prefix are
// returned unchanged with sealed == false.
func Open(value, password string) (plain string, sealed bool, err error) {
	if !IsSealed(value) {
		return value, false, nil
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", true, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(blob) < saltSize {
		return "", true, ErrMalformed
	}
	gcm, err := newGCM(password, blob[:saltSize])
	if err != nil {
		return "", true, err
	}
	rest := blob[saltSize:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return "", true, ErrMalformed
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	out, err := gcm.Open(nil, nonce, ciphertext, []byte(Prefix))
	if err != nil {
		return "", true, ErrInvalidPassword
	}
	return string(out), true, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
