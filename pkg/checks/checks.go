// Package checks inspects settings for mistakes before the server starts.
package checks

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/psyho/psyho/pkg/apps"
	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/middleware"
)

type Level int

const (
	Debug    Level = 10
	Info     Level = 20
	Warning  Level = 30
	Error    Level = 40
	Critical Level = 50
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Critical:
		return "CRITICAL"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a --fail-level value to a Level.
func ParseLevel(s string) (Level, error) {
	for _, l := range []Level{Debug, Info, Warning, Error, Critical} {
		if strings.EqualFold(l.String(), s) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown check level %q", s)
}

// Message is one check result.
type Message struct {
	Level Level
	ID    string
	Msg   string
	Hint  string
}

func (m Message) String() string {
	s := fmt.Sprintf("?: (%s) %s", m.ID, m.Msg)
	if m.Hint != "" {
		s += "\n\tHINT: " + m.Hint
	}
	return s
}

// IsSerious reports whether m is at or above level.
func (m Message) IsSerious(level Level) bool {
	return m.Level >= level
}

const insecureKeyPrefix = "django-insecure-"

// Run returns the messages for s, ordered by check id. deploy adds the
// production hardening checks.
func Run(s *config.Settings, deploy bool) []Message {
	var out []Message
	out = append(out, checkApps(s)...)
	out = append(out, checkMiddleware(s)...)
	out = append(out, checkCORS(s)...)
	out = append(out, checkCSRF(s)...)
	out = append(out, checkHosts(s)...)
	if deploy {
		out = append(out, checkDeploy(s)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Failed reports whether any message is at or above level.
func Failed(msgs []Message, level Level) bool {
	for _, m := range msgs {
		if m.IsSerious(level) {
			return true
		}
	}
	return false
}

func checkApps(s *config.Settings) []Message {
	var out []Message
	seen := map[string]bool{}
	for _, label := range s.InstalledApps {
		if !apps.Known(label) {
			out = append(out, Message{Level: Error, ID: "apps.E001",
				Msg: fmt.Sprintf("No installed app with label %q.", label)})
		}
		if seen[label] {
			out = append(out, Message{Level: Error, ID: "apps.E002",
				Msg: fmt.Sprintf("Application labels aren't unique, duplicates: %s", label)})
		}
		seen[label] = true
	}
	if !s.HasApp("admin") {
		return out
	}
	for _, dep := range []struct{ app, id string }{
		{"contenttypes", "admin.E401"},
		{"auth", "admin.E405"},
		{"messages", "admin.E406"},
	} {
		if !s.HasApp(dep.app) {
			out = append(out, Message{Level: Error, ID: dep.id,
				Msg: fmt.Sprintf("%q must be in INSTALLED_APPS in order to use the admin application.", dep.app)})
		}
	}
	for _, dep := range []struct{ mw, id string }{
		{"auth", "admin.E408"},
		{"messages", "admin.E409"},
		{"sessions", "admin.E410"},
	} {
		if !s.HasMiddleware(dep.mw) {
			out = append(out, Message{Level: Error, ID: dep.id,
				Msg: fmt.Sprintf("%q must be in MIDDLEWARE in order to use the admin application.", dep.mw)})
		}
	}
	return out
}

func checkMiddleware(s *config.Settings) []Message {
	var out []Message
	for _, name := range s.Middleware {
		if !middleware.Known(name) {
			out = append(out, Message{Level: Error, ID: "middleware.E001",
				Msg: fmt.Sprintf("Unknown middleware %q in MIDDLEWARE.", name)})
		}
	}
	sess := s.MiddlewareIndex("sessions")
	for _, dep := range []struct{ mw, id string }{
		{"auth", "auth.E013"},
		{"messages", "messages.E001"},
	} {
		i := s.MiddlewareIndex(dep.mw)
		if i >= 0 && (sess < 0 || sess > i) {
			out = append(out, Message{Level: Error, ID: dep.id,
				Msg:  fmt.Sprintf("The %q middleware requires the sessions middleware to be installed before it.", dep.mw),
				Hint: "Move \"sessions\" before \"" + dep.mw + "\" in MIDDLEWARE."})
		}
	}
	if c, common := s.MiddlewareIndex("cors"), s.MiddlewareIndex("common"); c >= 0 && common >= 0 && c > common {
		out = append(out, Message{Level: Warning, ID: "corsheaders.W001",
			Msg: "The cors middleware should be placed before common so it can add headers to its redirects."})
	}
	return out
}

func checkCORS(s *config.Settings) []Message {
	var out []Message
	for _, origin := range s.CORS.AllowedOrigins {
		if origin == "null" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			out = append(out, Message{Level: Error, ID: "corsheaders.E013",
				Msg:  fmt.Sprintf("Origin %q in CORS_ALLOWED_ORIGINS is missing scheme or netloc", origin),
				Hint: "Add a scheme (e.g. https://) or netloc (e.g. example.com)."})
			continue
		}
		if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
			out = append(out, Message{Level: Error, ID: "corsheaders.E014",
				Msg:  fmt.Sprintf("Origin %q in CORS_ALLOWED_ORIGINS should not have path", origin),
				Hint: "Remove the path from the origin."})
		}
	}
	return out
}

func checkCSRF(s *config.Settings) []Message {
	var out []Message
	for _, origin := range s.CSRF.TrustedOrigins {
		if !strings.Contains(origin, "://") {
			out = append(out, Message{Level: Error, ID: "4_0.E001",
				Msg: fmt.Sprintf("As of Django 4.0, the values in the CSRF_TRUSTED_ORIGINS setting must start with a scheme (usually http:// or https://) but found %s.", origin)})
		}
	}
	return out
}

func checkHosts(s *config.Settings) []Message {
	if !s.Debug && len(s.AllowedHosts) == 0 {
		return []Message{{Level: Error, ID: "security.E020",
			Msg: "ALLOWED_HOSTS must not be empty when DEBUG is False."}}
	}
	return nil
}

func checkDeploy(s *config.Settings) []Message {
	var out []Message
	warn := func(id, msg string) {
		out = append(out, Message{Level: Warning, ID: id, Msg: msg})
	}
	if !s.HasMiddleware("security") {
		warn("security.W001", "You do not have the security middleware in your MIDDLEWARE so the HSTS, nosniff, referrer-policy, cross-origin-opener-policy and SSL redirect settings will have no effect.")
	} else {
		if s.Security.HSTSSeconds == 0 {
			warn("security.W004", "You have not set a value for the security.hsts_seconds setting.")
		}
		if !s.Security.SSLRedirect {
			warn("security.W008", "Your security.ssl_redirect setting is not set to true.")
		}
		if !s.Security.ContentTypeNosniff {
			warn("security.W006", "Your security.content_type_nosniff setting is not set to true.")
		}
	}
	if !s.HasMiddleware("clickjacking") {
		warn("security.W002", "You do not have the clickjacking middleware in your MIDDLEWARE, so your pages will not be served with an 'x-frame-options' header.")
	} else if !strings.EqualFold(s.XFrameOptions, "DENY") {
		warn("security.W019", "You have the clickjacking middleware in your MIDDLEWARE, but X_FRAME_OPTIONS is not set to 'DENY'.")
	}
	if insecureSecretKey(s.SecretKey) {
		warn("security.W009", "Your SECRET_KEY has less than 50 characters, less than 5 unique characters, or it's prefixed with 'django-insecure-' indicating that it was generated automatically. Please generate a long and random value, otherwise many of the security-critical features will be vulnerable to attack.")
	}
	if s.Debug {
		warn("security.W018", "You should not have DEBUG set to True in deployment.")
	}
	if s.HasApp("sessions") && !s.Session.CookieSecure {
		warn("security.W010", "You have sessions in your INSTALLED_APPS, but you have not set session.cookie_secure to true.")
	}
	if s.HasApp("sessions") && !s.Session.CookieHTTPOnly {
		warn("security.W013", "You have sessions in your INSTALLED_APPS, but you have not set session.cookie_httponly to true.")
	}
	if s.HasMiddleware("csrf") && !s.CSRF.CookieSecure {
		warn("security.W016", "You have the csrf middleware in your MIDDLEWARE, but you have not set csrf.cookie_secure to true.")
	}
	return out
}

func insecureSecretKey(key string) bool {
	unique := map[rune]bool{}
	for _, r := range key {
		unique[r] = true
	}
	return len(key) < 50 || len(unique) < 5 || strings.HasPrefix(key, insecureKeyPrefix)
}
