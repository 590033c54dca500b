package config

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
)

// Lookup returns a setting by its canonical upper-case name, e.g.
// "ALLOWED_HOSTS" or "CORS_ALLOWED_ORIGINS".
func (s *Settings) Lookup(name string) (any, bool) {
	v, ok := s.table()[name]
	return v, ok
}

// Names returns every name Lookup understands, sorted.
func (s *Settings) Names() []string {
	t := s.table()
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// table maps names to values. Slices are copied so callers cannot modify
// s through a looked-up value.
func (s *Settings) table() map[string]any {
	t := map[string]any{
		"BASE_DIR":                    s.BaseDir,
		"SECRET_KEY":                  s.SecretKey,
		"DEBUG":                       s.Debug,
		"INSTALLED_APPS":              s.InstalledApps,
		"ALLOWED_HOSTS":               s.AllowedHosts,
		"MIDDLEWARE":                  s.Middleware,
		"CORS_ALLOWED_ORIGINS":        s.CORS.AllowedOrigins,
		"CORS_ALLOWED_ORIGIN_REGEXES": s.CORS.AllowedOriginRegexes,
		"CORS_ALLOW_ALL_ORIGINS":      s.CORS.AllowAllOrigins,
		"CORS_ALLOW_CREDENTIALS":      s.CORS.AllowCredentials,
		"CORS_ALLOW_METHODS":          s.CORS.AllowMethods,
		"CORS_ALLOW_HEADERS":          s.CORS.AllowHeaders,
		"CORS_EXPOSE_HEADERS":         s.CORS.ExposeHeaders,
		"CORS_PREFLIGHT_MAX_AGE":      s.CORS.PreflightMaxAge,
		"CORS_URLS_REGEX":             s.CORS.URLsRegex,
		"CSRF_TRUSTED_ORIGINS":        s.CSRF.TrustedOrigins,
		"CSRF_COOKIE_NAME":            s.CSRF.CookieName,
		"CSRF_COOKIE_AGE":             s.CSRF.CookieAge,
		"CSRF_COOKIE_SECURE":          s.CSRF.CookieSecure,
		"CSRF_COOKIE_HTTPONLY":        s.CSRF.CookieHTTPOnly,
		"CSRF_COOKIE_SAMESITE":        s.CSRF.CookieSameSite,
		"CSRF_HEADER_NAME":            s.CSRF.HeaderName,
		"SESSION_ENGINE":              s.Session.Engine,
		"SESSION_COOKIE_NAME":         s.Session.CookieName,
		"SESSION_COOKIE_AGE":          s.Session.CookieAge,
		"SESSION_COOKIE_SECURE":       s.Session.CookieSecure,
		"SESSION_COOKIE_HTTPONLY":     s.Session.CookieHTTPOnly,
		"SESSION_COOKIE_SAMESITE":     s.Session.CookieSameSite,
		"SESSION_SAVE_EVERY_REQUEST":  s.Session.SaveEveryRequest,
		"SECURE_SSL_REDIRECT":         s.Security.SSLRedirect,
		"SECURE_HSTS_SECONDS":         s.Security.HSTSSeconds,
		"SECURE_HSTS_PRELOAD":         s.Security.HSTSPreload,
		"SECURE_CONTENT_TYPE_NOSNIFF": s.Security.ContentTypeNosniff,
		"SECURE_REFERRER_POLICY":      s.Security.ReferrerPolicy,
		"X_FRAME_OPTIONS":             s.XFrameOptions,
		"APPEND_SLASH":                s.AppendSlash,
		"PREPEND_WWW":                 s.PrependWWW,
		"DISALLOWED_USER_AGENTS":      s.DisallowedUserAgents,
		"STATIC_URL":                  s.StaticURL,
		"STATIC_ROOT":                 s.StaticRoot,
		"STATICFILES_DIRS":            s.StaticfilesDirs,
		"MEDIA_URL":                   s.MediaURL,
		"MEDIA_ROOT":                  s.MediaRoot,
		"DATABASE_ENGINE":             s.Database.Engine,
		"DATABASE_NAME":               s.Database.Name,
	}
	for k, v := range t {
		if list, ok := v.([]string); ok {
			t[k] = slices.Clone(list)
		}
	}
	return t
}

// SettingDiff is one line of diffsettings output.
type SettingDiff struct {
	Name    string
	Value   any
	Changed bool
}

func (d SettingDiff) String() string {
	line := fmt.Sprintf("%s = %#v", d.Name, d.Value)
	if d.Changed {
		line += "  ###"
	}
	return line
}

// Diff compares s against base. Only changed settings are returned unless
// all is set, in which case every setting is listed and changed ones are
// flagged.
func (s *Settings) Diff(base *Settings, all bool) []SettingDiff {
	mine, theirs := s.table(), base.table()
	var out []SettingDiff
	for _, name := range s.Names() {
		changed := !reflect.DeepEqual(mine[name], theirs[name])
		if changed || all {
			out = append(out, SettingDiff{Name: name, Value: mine[name], Changed: changed})
		}
	}
	return out
}
