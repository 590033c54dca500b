// Package middleware builds the request pipeline named by the MIDDLEWARE
// setting. Each entry runs its request phase in list order; response
// phases run in reverse order just before the response is written.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/service"
	"github.com/psyho/psyho/pkg/session"
	"github.com/psyho/psyho/pkg/utils"
)

// Deps are the shared services middleware factories may need.
type Deps struct {
	Settings *config.Settings
	Sessions session.Store
	Users    *service.UserService
	Logger   *slog.Logger
}

// Factory builds one middleware from the settings.
type Factory func(d Deps) (gin.HandlerFunc, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"cors":         CORS,
		"security":     Security,
		"sessions":     Sessions,
		"common":       Common,
		"csrf":         CSRF,
		"auth":         Auth,
		"messages":     Messages,
		"clickjacking": Clickjacking,
	}
)

// register adds or replaces a named middleware.
func register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Known reports whether name is registered.
func Known(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Names lists the registered middleware, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Build returns the handlers for names in declared order, preceded by the
// hook writer they rely on.
func Build(names []string, d Deps) ([]gin.HandlerFunc, error) {
	if d.Settings == nil {
		return nil, fmt.Errorf("middleware: settings are required")
	}
	if d.Logger == nil {
		d.Logger = utils.GetLogger()
	}
	out := []gin.HandlerFunc{installHooks}
	for _, name := range names {
		registryMu.RLock()
		f, ok := registry[name]
		registryMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown middleware %q", name)
		}
		h, err := f(d)
		if err != nil {
			return nil, fmt.Errorf("middleware %s: %w", name, err)
		}
		out = append(out, h)
	}
	return out, nil
}

// RequestLogger logs one line per request through slog.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		log.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// IsSecure reports whether the request arrived over TLS, directly or per
// the configured proxy header ("X-Forwarded-Proto: https").
func IsSecure(r *http.Request, s *config.Settings) bool {
	if r.TLS != nil {
		return true
	}
	name, value, ok := strings.Cut(s.Security.ProxySSLHeader, ":")
	if !ok {
		return false
	}
	return strings.TrimSpace(r.Header.Get(strings.TrimSpace(name))) == strings.TrimSpace(value)
}

func scheme(r *http.Request, s *config.Settings) string {
	if IsSecure(r, s) {
		return "https"
	}
	return "http"
}

// setCookie writes a cookie the way the session and CSRF settings
// describe it. maxAge <= 0 deletes the cookie.
func setCookie(w http.ResponseWriter, name, value string, maxAge int, path, domain string, secure, httpOnly bool, sameSite string) {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   domain,
		Secure:   secure,
		HttpOnly: httpOnly,
		SameSite: parseSameSite(sameSite),
	}
	if maxAge > 0 {
		ck.MaxAge = maxAge
		ck.Expires = time.Now().Add(time.Duration(maxAge) * time.Second).UTC()
	} else {
		ck.MaxAge = -1
		ck.Expires = time.Unix(0, 0)
	}
	http.SetCookie(w, ck)
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "lax":
		return http.SameSiteLaxMode
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	}
	return http.SameSiteDefaultMode
}

func forbidden(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": detail})
}
