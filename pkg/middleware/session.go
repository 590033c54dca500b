package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/session"
)

// Sessions binds a lazily loaded session to the session cookie and saves
// it in the response phase.
func Sessions(d Deps) (gin.HandlerFunc, error) {
	if d.Sessions == nil {
		return nil, errors.New("no session store configured")
	}
	cfg := d.Settings.Session
	age := time.Duration(cfg.CookieAge) * time.Second
	log := d.Logger

	return func(c *gin.Context) {
		key, _ := c.Cookie(cfg.CookieName)
		s := session.New(c.Request.Context(), d.Sessions, key, age)
		session.SetContext(c, s)

		OnBeforeWrite(c, func() {
			h := c.Writer.Header()
			if key != "" && s.IsEmpty() {
				setCookie(c.Writer, cfg.CookieName, "", 0, cfg.CookiePath, cfg.CookieDomain, false, false, cfg.CookieSameSite)
				PatchVary(h, "Cookie")
				return
			}
			if s.Accessed() {
				if err := s.LoadError(); err != nil {
					log.Error("session load failed", "error", err)
				}
				PatchVary(h, "Cookie")
			}
			if !(s.Modified() || cfg.SaveEveryRequest) || s.IsEmpty() {
				return
			}
			if c.Writer.Status() >= http.StatusInternalServerError {
				return
			}
			if err := s.Save(); err != nil {
				log.Error("session save failed", "error", err)
				c.Writer.WriteHeader(http.StatusInternalServerError)
				return
			}
			setCookie(c.Writer, cfg.CookieName, s.Key(), cfg.CookieAge, cfg.CookiePath, cfg.CookieDomain,
				cfg.CookieSecure, cfg.CookieHTTPOnly, cfg.CookieSameSite)
		})
		c.Next()
	}, nil
}
