package middleware

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	headerAllowOrigin      = "Access-Control-Allow-Origin"
	headerAllowCredentials = "Access-Control-Allow-Credentials"
	headerAllowHeaders     = "Access-Control-Allow-Headers"
	headerAllowMethods     = "Access-Control-Allow-Methods"
	headerExposeHeaders    = "Access-Control-Expose-Headers"
	headerMaxAge           = "Access-Control-Max-Age"
)

// CORS adds cross-origin headers for allowed origins and answers
// preflight requests itself. Requests from other origins pass through
// without CORS headers and are refused by the browser.
func CORS(d Deps) (gin.HandlerFunc, error) {
	cfg := d.Settings.CORS
	urlsRe, err := regexp.Compile(`^(?:` + cfg.URLsRegex + `)`)
	if err != nil {
		return nil, fmt.Errorf("invalid cors.urls_regex: %w", err)
	}
	originRes := make([]*regexp.Regexp, 0, len(cfg.AllowedOriginRegexes))
	for _, expr := range cfg.AllowedOriginRegexes {
		// Anchored at the start only, like a Python re.match.
		re, err := regexp.Compile(`^(?:` + expr + `)`)
		if err != nil {
			return nil, fmt.Errorf("invalid cors origin regex %q: %w", expr, err)
		}
		originRes = append(originRes, re)
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[normalizeOrigin(o)] = true
	}

	originAllowed := func(origin string) bool {
		if cfg.AllowAllOrigins {
			return true
		}
		if origin == "null" {
			return allowed["null"]
		}
		if allowed[normalizeOrigin(origin)] {
			return true
		}
		for _, re := range originRes {
			if re.MatchString(origin) {
				return true
			}
		}
		return false
	}

	addHeaders := func(c *gin.Context) {
		h := c.Writer.Header()
		PatchVary(h, "origin")
		origin := c.GetHeader("Origin")
		if origin == "" || !originAllowed(origin) {
			return
		}
		if cfg.AllowAllOrigins && !cfg.AllowCredentials {
			h.Set(headerAllowOrigin, "*")
		} else {
			h.Set(headerAllowOrigin, origin)
		}
		if cfg.AllowCredentials {
			h.Set(headerAllowCredentials, "true")
		}
		if len(cfg.ExposeHeaders) > 0 {
			h.Set(headerExposeHeaders, strings.Join(cfg.ExposeHeaders, ", "))
		}
		if c.Request.Method == http.MethodOptions {
			h.Set(headerAllowHeaders, strings.Join(cfg.AllowHeaders, ", "))
			h.Set(headerAllowMethods, strings.Join(cfg.AllowMethods, ", "))
			if cfg.PreflightMaxAge > 0 {
				h.Set(headerMaxAge, strconv.Itoa(cfg.PreflightMaxAge))
			}
		}
	}

	return func(c *gin.Context) {
		if !urlsRe.MatchString(c.Request.URL.Path) {
			c.Next()
			return
		}
		OnBeforeWrite(c, func() { addHeaders(c) })
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.Header("Content-Length", "0")
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}, nil
}

// normalizeOrigin lower-cases scheme and host and drops default ports.
func normalizeOrigin(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return origin
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	scheme := strings.ToLower(u.Scheme)
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}
