// Package auth hashes passwords and binds authenticated users to
// sessions.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/psyho/psyho/pkg/session"
)

const (
	// DefaultIterations matches Django 5's PBKDF2 work factor.
	DefaultIterations = 600000

	UnusablePrefix = "!"
	unusableLength = 40

	saltChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var ErrUnknownHasher = errors.New("unknown password hasher")

// Hasher encodes passwords as "<algorithm>$..." strings.
type Hasher interface {
	Algorithm() string
	Encode(password string) (string, error)
	Verify(password, encoded string) bool
	// MustUpdate reports whether encoded uses outdated parameters.
	MustUpdate(encoded string) bool
}

// PBKDF2Hasher is pbkdf2_sha256 with a 32-byte derived key.
type PBKDF2Hasher struct {
	Iterations int
}

func (PBKDF2Hasher) Algorithm() string { return "pbkdf2_sha256" }

func (h PBKDF2Hasher) Encode(password string) (string, error) {
	salt, err := session.RandomString(22, saltChars)
	if err != nil {
		return "", err
	}
	return h.encode(password, salt, h.Iterations), nil
}

func (h PBKDF2Hasher) encode(password, salt string, iterations int) string {
	dk := pbkdf2.Key([]byte(password), []byte(salt), iterations, sha256.Size, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s", h.Algorithm(), iterations, salt, base64.StdEncoding.EncodeToString(dk))
}

func (h PBKDF2Hasher) decode(encoded string) (iterations int, salt string, ok bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != h.Algorithm() {
		return 0, "", false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return 0, "", false
	}
	return iterations, parts[2], true
}

func (h PBKDF2Hasher) Verify(password, encoded string) bool {
	iterations, salt, ok := h.decode(encoded)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h.encode(password, salt, iterations)), []byte(encoded)) == 1
}

func (h PBKDF2Hasher) MustUpdate(encoded string) bool {
	iterations, _, ok := h.decode(encoded)
	return !ok || iterations != h.Iterations
}

// BCryptSHA256Hasher runs bcrypt over the hex SHA-256 of the password so
// long passwords are not truncated at 72 bytes.
type BCryptSHA256Hasher struct {
	Cost int
}

func (BCryptSHA256Hasher) Algorithm() string { return "bcrypt_sha256" }

func prehash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(hex.EncodeToString(sum[:]))
}

func (h BCryptSHA256Hasher) cost() int {
	if h.Cost == 0 {
		return 12
	}
	return h.Cost
}

func (h BCryptSHA256Hasher) Encode(password string) (string, error) {
	data, err := bcrypt.GenerateFromPassword(prehash(password), h.cost())
	if err != nil {
		return "", err
	}
	return h.Algorithm() + "$" + string(data), nil
}

func (h BCryptSHA256Hasher) Verify(password, encoded string) bool {
	data, ok := strings.CutPrefix(encoded, h.Algorithm()+"$")
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(data), prehash(password)) == nil
}

func (h BCryptSHA256Hasher) MustUpdate(encoded string) bool {
	data, ok := strings.CutPrefix(encoded, h.Algorithm()+"$")
	if !ok {
		return true
	}
	cost, err := bcrypt.Cost([]byte(data))
	return err != nil || cost != h.cost()
}

// Hashers is an ordered hasher list; the first one encodes new passwords.
type Hashers struct {
	list []Hasher
}

func NewHashers(preferred Hasher, others ...Hasher) *Hashers {
	return &Hashers{list: append([]Hasher{preferred}, others...)}
}

// DefaultHashers prefers pbkdf2_sha256 and also accepts bcrypt_sha256.
func DefaultHashers() *Hashers {
	return NewHashers(PBKDF2Hasher{Iterations: DefaultIterations}, BCryptSHA256Hasher{})
}

func (hs *Hashers) Preferred() Hasher { return hs.list[0] }

// Identify finds the hasher that produced encoded.
func (hs *Hashers) Identify(encoded string) (Hasher, error) {
	algo, _, _ := strings.Cut(encoded, "$")
	for _, h := range hs.list {
		if h.Algorithm() == algo {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownHasher, algo)
}

// MakePassword encodes password with the preferred hasher.
func (hs *Hashers) MakePassword(password string) (string, error) {
	return hs.Preferred().Encode(password)
}

// CheckPassword verifies password against encoded. needsUpdate is set
// when the password matched but should be re-encoded with the preferred
// hasher or its current parameters.
func (hs *Hashers) CheckPassword(password, encoded string) (ok, needsUpdate bool) {
	if !IsUsable(encoded) {
		return false, false
	}
	h, err := hs.Identify(encoded)
	if err != nil {
		return false, false
	}
	if !h.Verify(password, encoded) {
		return false, false
	}
	pref := hs.Preferred()
	return true, h.Algorithm() != pref.Algorithm() || pref.MustUpdate(encoded)
}

// RunDefault hashes password once with the preferred hasher, so failed
// lookups cost about as much as a real check.
func (hs *Hashers) RunDefault(password string) {
	_, _ = hs.Preferred().Encode(password)
}

// IsUsable reports whether encoded can ever match a password.
func IsUsable(encoded string) bool {
	return encoded != "" && !strings.HasPrefix(encoded, UnusablePrefix)
}

// UnusablePassword returns a value IsUsable rejects.
func UnusablePassword() string {
	s, err := session.RandomString(unusableLength, saltChars)
	if err != nil {
		s = strings.Repeat("x", unusableLength)
	}
	return UnusablePrefix + s
}
