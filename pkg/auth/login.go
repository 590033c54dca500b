package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/csrf"
	"github.com/psyho/psyho/pkg/db"
	"github.com/psyho/psyho/pkg/session"
)

// Session keys holding the logged-in user.
const (
	SessionUserIDKey  = "_auth_user_id"
	SessionBackendKey = "_auth_user_backend"
	SessionHashKey    = "_auth_user_hash"

	ModelBackend = "psyho.auth.ModelBackend"
)

var ErrNoSession = errors.New("auth requires the sessions middleware")

// SessionHash ties a session to the user's current password hash so a
// password change logs out other sessions.
func SessionHash(encodedPassword, secret string) string {
	key := sha256.Sum256([]byte("psyho.auth.session_hash" + secret))
	m := hmac.New(sha256.New, key[:])
	m.Write([]byte(encodedPassword))
	return hex.EncodeToString(m.Sum(nil))
}

// Login stores user in the request's session. The session key is cycled
// and the CSRF secret rotated.
func Login(c *gin.Context, user *db.User, secret string) error {
	s, ok := session.FromContext(c)
	if !ok {
		return ErrNoSession
	}
	id := strconv.FormatUint(uint64(user.ID), 10)
	hash := SessionHash(user.Password, secret)
	prev := s.GetString(SessionUserIDKey)
	if prev != "" && (prev != id || !hmac.Equal([]byte(s.GetString(SessionHashKey)), []byte(hash))) {
		// Another user's data must not leak into this login.
		if err := s.Flush(); err != nil {
			return fmt.Errorf("flush session: %w", err)
		}
	} else {
		s.CycleKey()
	}
	s.Set(SessionUserIDKey, id)
	s.Set(SessionBackendKey, ModelBackend)
	s.Set(SessionHashKey, hash)
	csrf.Rotate(c)
	SetUser(c, user)
	return nil
}

// Logout flushes the session and forgets the user.
func Logout(c *gin.Context) error {
	SetUser(c, nil)
	s, ok := session.FromContext(c)
	if !ok {
		return nil
	}
	return s.Flush()
}

const (
	userKey       = "auth.user"
	userLoaderKey = "auth.loader"
)

// SetLoader installs a lazy user lookup; it runs on the first User call.
func SetLoader(c *gin.Context, load func() *db.User) {
	c.Set(userLoaderKey, load)
}

// SetUser fixes the request's user; nil means anonymous.
func SetUser(c *gin.Context, u *db.User) {
	c.Set(userKey, u)
}

// User returns the authenticated user, or nil for anonymous requests.
func User(c *gin.Context) *db.User {
	if v, ok := c.Get(userKey); ok {
		u, _ := v.(*db.User)
		return u
	}
	v, ok := c.Get(userLoaderKey)
	if !ok {
		return nil
	}
	load, _ := v.(func() *db.User)
	var u *db.User
	if load != nil {
		u = load()
	}
	SetUser(c, u)
	return u
}

// IsStaff reports whether the request comes from an active staff user.
func IsStaff(c *gin.Context) bool {
	u := User(c)
	return u != nil && u.IsActive && u.IsStaff
}
