package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/csrf"
	"github.com/psyho/psyho/pkg/urls"
)

var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// CSRF rejects unsafe requests that lack a valid token or come from an
// untrusted origin, and sends the csrftoken cookie when it changes.
func CSRF(d Deps) (gin.HandlerFunc, error) {
	s := d.Settings
	cfg := s.CSRF
	headerSource := fmt.Sprintf("the '%s' HTTP header", cfg.HeaderName)
	log := d.Logger

	return func(c *gin.Context) {
		var cookieErr error
		if raw, err := c.Cookie(cfg.CookieName); err == nil && raw != "" {
			if cookieErr = csrf.CheckFormat(raw); cookieErr != nil {
				// Replace a malformed cookie; this request is still judged on it.
				csrf.Rotate(c)
			} else {
				csrf.SetSecret(c, csrf.ToSecret(raw))
				if len(raw) == csrf.TokenLength {
					// Older clients hold a masked cookie; downgrade it to the secret.
					csrf.MarkForUpdate(c)
				}
			}
		}
		OnBeforeWrite(c, func() {
			if !csrf.NeedsUpdate(c) {
				return
			}
			setCookie(c.Writer, cfg.CookieName, csrf.Secret(c), cfg.CookieAge, cfg.CookiePath, cfg.CookieDomain,
				cfg.CookieSecure, cfg.CookieHTTPOnly, cfg.CookieSameSite)
			PatchVary(c.Writer.Header(), "Cookie")
		})

		if safeMethods[c.Request.Method] {
			c.Next()
			return
		}
		if m := urls.Current(c); m != nil && m.CSRFExempt {
			c.Next()
			return
		}

		reject := func(reason string) {
			log.Warn("forbidden", "reason", reason, "path", c.Request.URL.Path)
			forbidden(c, "CSRF Failed: "+reason)
		}

		secure := IsSecure(c.Request, s)
		if origin := c.GetHeader("Origin"); origin != "" {
			if !csrf.OriginVerified(origin, scheme(c.Request, s), c.Request.Host, cfg.TrustedOrigins) {
				reject(fmt.Sprintf(csrf.ReasonBadOrigin, origin))
				return
			}
		} else if secure {
			good := cfg.CookieDomain
			if good == "" {
				good = strings.ToLower(c.Request.Host)
			}
			if reason := csrf.CheckReferer(c.GetHeader("Referer"), good, cfg.TrustedOrigins); reason != "" {
				reject(reason)
				return
			}
		}

		if cookieErr != nil {
			reject(csrf.CookieReason(cookieErr))
			return
		}
		secret := csrf.Secret(c)
		if secret == "" {
			reject(csrf.ReasonNoCookie)
			return
		}

		token, source := "", headerSource
		if c.Request.Method == http.MethodPost && isForm(c.ContentType()) {
			token, source = formToken(c), "POST"
		}
		if token == "" {
			token, source = c.GetHeader(cfg.HeaderName), headerSource
		}
		if token == "" {
			reject(csrf.ReasonTokenMissing)
			return
		}
		if err := csrf.CheckFormat(token); err != nil {
			reject(csrf.TokenReason(source, err))
			return
		}
		if !csrf.Matches(token, secret) {
			reject(csrf.TokenReason(source, nil))
			return
		}
		c.Next()
	}, nil
}

// formToken reads the token field from a form body and leaves the body
// readable for the view.
func formToken(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	token := c.PostForm(csrf.FormField)
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return token
}

func isForm(contentType string) bool {
	return contentType == "application/x-www-form-urlencoded" || contentType == "multipart/form-data"
}
