package middleware

import (
	"crypto/hmac"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/auth"
	"github.com/psyho/psyho/pkg/db"
	"github.com/psyho/psyho/pkg/session"
)

// Auth resolves the session's user lazily on first use.
func Auth(d Deps) (gin.HandlerFunc, error) {
	if d.Users == nil {
		return nil, errors.New("no user service configured")
	}
	secret := d.Settings.SecretKey
	log := d.Logger

	return func(c *gin.Context) {
		s, ok := session.FromContext(c)
		if !ok {
			log.Error("auth middleware requires the sessions middleware before it")
			auth.SetUser(c, nil)
			c.Next()
			return
		}
		auth.SetLoader(c, func() *db.User {
			raw := s.GetString(auth.SessionUserIDKey)
			if raw == "" {
				return nil
			}
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil
			}
			u, err := d.Users.GetByID(c.Request.Context(), uint(id))
			if err != nil || !u.IsActive {
				return nil
			}
			want := auth.SessionHash(u.Password, secret)
			if !hmac.Equal([]byte(s.GetString(auth.SessionHashKey)), []byte(want)) {
				// Password changed since login.
				if err := s.Flush(); err != nil {
					log.Error("flush stale session", "error", err)
				}
				return nil
			}
			return u
		})
		c.Next()
	}, nil
}
