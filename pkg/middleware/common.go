package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/urls"
	"github.com/psyho/psyho/pkg/utils"
)

// debugAllowedHosts applies when DEBUG is on and ALLOWED_HOSTS is empty.
var debugAllowedHosts = []string{".localhost", "127.0.0.1", "[::1]"}

// Common validates the Host header, refuses disallowed user agents and
// performs the PREPEND_WWW and APPEND_SLASH redirects.
func Common(d Deps) (gin.HandlerFunc, error) {
	s := d.Settings
	agents := make([]*regexp.Regexp, 0, len(s.DisallowedUserAgents))
	for _, expr := range s.DisallowedUserAgents {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid disallowed user agent %q: %w", expr, err)
		}
		agents = append(agents, re)
	}
	allowed := s.AllowedHosts
	if s.Debug && len(allowed) == 0 {
		allowed = debugAllowedHosts
	}
	log := d.Logger

	return func(c *gin.Context) {
		if ua := c.GetHeader("User-Agent"); ua != "" && matchesAny(agents, ua) {
			forbidden(c, "Forbidden user agent")
			return
		}

		host := c.Request.Host
		domain, _ := utils.SplitDomainPort(host)
		if domain == "" || !utils.ValidateHost(domain, allowed) {
			msg := fmt.Sprintf("Invalid HTTP_HOST header: %q.", host)
			switch {
			case domain == "":
				msg += " The domain name provided is not valid according to RFC 1034/1035."
			case s.Debug:
				msg += fmt.Sprintf(" You may need to add %q to ALLOWED_HOSTS.", domain)
			}
			log.Warn("disallowed host", "host", host)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": msg})
			return
		}

		path := c.Request.URL.Path
		redirectHost := ""
		if s.PrependWWW && host != "" && !strings.HasPrefix(host, "www.") {
			redirectHost = "www." + host
		}
		if s.AppendSlash && needsSlash(c, path) {
			if s.Debug && (c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut || c.Request.Method == http.MethodPatch) {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": fmt.Sprintf(
					"You called this URL via %s, but the URL doesn't end in a slash and you have APPEND_SLASH set. "+
						"The server can't redirect to the slash URL while maintaining %s data. "+
						"Change your request to point to %s/ or set APPEND_SLASH=false in your settings.",
					c.Request.Method, c.Request.Method, host+path)})
				return
			}
			path += "/"
		} else if redirectHost == "" {
			c.Next()
			return
		}

		if redirectHost == "" {
			redirectHost = host
		}
		target := path
		if q := c.Request.URL.RawQuery; q != "" {
			target += "?" + q
		}
		if redirectHost != host {
			target = scheme(c.Request, s) + "://" + redirectHost + target
		}
		c.Redirect(http.StatusMovedPermanently, target)
		c.Abort()
	}, nil
}

// needsSlash reports whether path does not resolve but path+"/" does.
func needsSlash(c *gin.Context, path string) bool {
	if strings.HasSuffix(path, "/") {
		return false
	}
	r := urls.FromContext(c)
	if r == nil {
		return false
	}
	if _, err := r.Resolve(path); err == nil {
		return false
	}
	_, err := r.Resolve(path + "/")
	return err == nil
}
