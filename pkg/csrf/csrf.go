// Package csrf implements masked CSRF tokens compatible with Django's
// format: a 32-character secret lives in the cookie and each rendered
// token is a fresh 64-character masking of it.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/utils"
)

const (
	allowedChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	SecretLength = 32
	TokenLength  = 2 * SecretLength

	// FormField is the POST field carrying the token for form submissions.
	FormField = "csrfmiddlewaretoken"
)

// Rejection reasons, reported as "CSRF Failed: <reason>".
const (
	ReasonNoReferer        = "Referer checking failed - no Referer."
	ReasonBadReferer       = "Referer checking failed - %s does not match any trusted origins."
	ReasonMalformedReferer = "Referer checking failed - Referer is malformed."
	ReasonInsecureReferer  = "Referer checking failed - Referer is insecure while host is secure."
	ReasonBadOrigin        = "Origin checking failed - %s does not match any trusted origins."
	ReasonNoCookie         = "CSRF cookie not set."
	ReasonTokenMissing     = "CSRF token missing."
)

// Format errors; their text completes "CSRF cookie ..." and
// "CSRF token from <source> ..." reasons.
var (
	ErrIncorrectLength = errors.New("has incorrect length")
	ErrInvalidChars    = errors.New("has invalid characters")
)

// CookieReason is the rejection reason for a malformed cookie.
func CookieReason(err error) string {
	return fmt.Sprintf("CSRF cookie %s.", err)
}

// TokenReason is the rejection reason for a bad request token. source is
// "POST" or the header description.
func TokenReason(source string, err error) string {
	if err == nil {
		return fmt.Sprintf("CSRF token from %s incorrect.", source)
	}
	return fmt.Sprintf("CSRF token from %s %s.", source, err)
}

func randomChars(n int) string {
	max := big.NewInt(int64(len(allowedChars)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("csrf: read random: %v", err))
		}
		b[i] = allowedChars[idx.Int64()]
	}
	return string(b)
}

// NewSecret returns a fresh cookie secret.
func NewSecret() string {
	return randomChars(SecretLength)
}

// Mask returns a token for secret, different on every call.
func Mask(secret string) string {
	mask := randomChars(SecretLength)
	n := len(allowedChars)
	out := make([]byte, SecretLength)
	for i := 0; i < SecretLength; i++ {
		x := strings.IndexByte(allowedChars, secret[i])
		y := strings.IndexByte(allowedChars, mask[i])
		out[i] = allowedChars[(x+y)%n]
	}
	return mask + string(out)
}

// Unmask recovers the secret from a 64-character token.
func Unmask(token string) string {
	mask, cipher := token[:SecretLength], token[SecretLength:]
	n := len(allowedChars)
	out := make([]byte, SecretLength)
	for i := 0; i < SecretLength; i++ {
		x := strings.IndexByte(allowedChars, cipher[i])
		y := strings.IndexByte(allowedChars, mask[i])
		out[i] = allowedChars[(x-y+n)%n]
	}
	return string(out)
}

// CheckFormat validates a secret or token's length and alphabet.
func CheckFormat(token string) error {
	if len(token) != SecretLength && len(token) != TokenLength {
		return ErrIncorrectLength
	}
	for i := 0; i < len(token); i++ {
		if strings.IndexByte(allowedChars, token[i]) < 0 {
			return ErrInvalidChars
		}
	}
	return nil
}

// ToSecret returns the secret a well-formed token or secret stands for.
func ToSecret(token string) string {
	if len(token) == TokenLength {
		return Unmask(token)
	}
	return token
}

// Matches compares a request token (masked or not) with the cookie secret
// in constant time.
func Matches(token, secret string) bool {
	if CheckFormat(token) != nil || len(secret) != SecretLength {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(ToSecret(token)), []byte(secret)) == 1
}

const (
	secretKey      = "csrf.secret"
	needsUpdateKey = "csrf.needs_update"
)

// SetSecret records the secret read from the request cookie.
func SetSecret(c *gin.Context, secret string) {
	c.Set(secretKey, secret)
}

// Secret returns the request's current secret, if any.
func Secret(c *gin.Context) string {
	return c.GetString(secretKey)
}

// GetToken returns a masked token for the request, creating a secret if
// the client has none. The cookie is sent with the response.
func GetToken(c *gin.Context) string {
	secret := Secret(c)
	if secret == "" {
		secret = NewSecret()
		SetSecret(c, secret)
	}
	MarkForUpdate(c)
	return Mask(secret)
}

// Rotate replaces the secret; done on login.
func Rotate(c *gin.Context) {
	SetSecret(c, NewSecret())
	MarkForUpdate(c)
}

// MarkForUpdate makes the response resend the cookie.
func MarkForUpdate(c *gin.Context) {
	c.Set(needsUpdateKey, true)
}

// NeedsUpdate reports whether the cookie must be (re)sent.
func NeedsUpdate(c *gin.Context) bool {
	return c.GetBool(needsUpdateKey)
}

// OriginVerified reports whether origin is the request's own origin or a
// trusted one. Trusted origins may use a leading "*." wildcard for
// subdomains.
func OriginVerified(origin, scheme, host string, trusted []string) bool {
	if origin == scheme+"://"+host {
		return true
	}
	for _, t := range trusted {
		if t == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, t := range trusted {
		tu, err := url.Parse(t)
		if err != nil || !strings.HasPrefix(tu.Host, "*") {
			continue
		}
		if tu.Scheme == u.Scheme && utils.IsSameDomain(strings.ToLower(u.Host), strings.TrimPrefix(tu.Host, "*")) {
			return true
		}
	}
	return false
}

// CheckReferer verifies the Referer of a secure request. goodHost is the
// cookie domain when one is configured, otherwise the request host.
// It returns the rejection reason, or "" when the referer is acceptable.
func CheckReferer(referer, goodHost string, trusted []string) string {
	if referer == "" {
		return ReasonNoReferer
	}
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ReasonMalformedReferer
	}
	if u.Scheme != "https" {
		return ReasonInsecureReferer
	}
	host := strings.ToLower(u.Host)
	if utils.IsSameDomain(host, goodHost) {
		return ""
	}
	for _, t := range trusted {
		tu, err := url.Parse(t)
		if err != nil || tu.Host == "" {
			continue
		}
		if utils.IsSameDomain(host, strings.TrimPrefix(tu.Host, "*")) {
			return ""
		}
	}
	return fmt.Sprintf(ReasonBadReferer, u.String())
}
