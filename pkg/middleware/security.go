package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// Security redirects plain HTTP to HTTPS when configured and sets the
// HSTS, nosniff, referrer-policy and opener-policy headers.
func Security(d Deps) (gin.HandlerFunc, error) {
	s := d.Settings
	cfg := s.Security
	exempt := make([]*regexp.Regexp, 0, len(cfg.RedirectExempt))
	for _, expr := range cfg.RedirectExempt {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid security.redirect_exempt %q: %w", expr, err)
		}
		exempt = append(exempt, re)
	}

	hsts := ""
	if cfg.HSTSSeconds > 0 {
		hsts = fmt.Sprintf("max-age=%d", cfg.HSTSSeconds)
		if cfg.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
		if cfg.HSTSPreload {
			hsts += "; preload"
		}
	}

	return func(c *gin.Context) {
		secure := IsSecure(c.Request, s)
		OnBeforeWrite(c, func() {
			h := c.Writer.Header()
			if hsts != "" && secure && h.Get("Strict-Transport-Security") == "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			if cfg.ContentTypeNosniff && h.Get("X-Content-Type-Options") == "" {
				h.Set("X-Content-Type-Options", "nosniff")
			}
			if cfg.ReferrerPolicy != "" && h.Get("Referrer-Policy") == "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			if cfg.CrossOriginOpenerPolicy != "" && h.Get("Cross-Origin-Opener-Policy") == "" {
				h.Set("Cross-Origin-Opener-Policy", cfg.CrossOriginOpenerPolicy)
			}
		})

		if cfg.SSLRedirect && !secure && !matchesAny(exempt, strings.TrimLeft(c.Request.URL.Path, "/")) {
			host := cfg.SSLHost
			if host == "" {
				host = c.Request.Host
			}
			c.Redirect(http.StatusMovedPermanently, "https://"+host+c.Request.URL.RequestURI())
			c.Abort()
			return
		}
		c.Next()
	}, nil
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
