package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is read once at startup from a YAML file under the user's home
// directory (or the path passed to Load) and never modified afterwards.
// Every field is optional; Load starts from the defaults below and overlays
// the file, then the PSYHO_* environment.
//
// Example (~/.psyho/config.yaml):
//
//	debug: false
//	secret_key: "change-me"
//	allowed_hosts: ["api.psyho.example"]
//	server:
//	  host: 0.0.0.0
//	  port: 8000
//	cors:
//	  allowed_origins:
//	    - https://psyho.netlify.app
type Settings struct {
	BaseDir       string   `yaml:"base_dir"`
	SecretKey     string   `yaml:"secret_key"`
	Debug         bool     `yaml:"debug"`
	InstalledApps []string `yaml:"installed_apps"`
	AllowedHosts  []string `yaml:"allowed_hosts"`
	Middleware    []string `yaml:"middleware"`

	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Session  SessionConfig  `yaml:"session"`
	CORS     CORSConfig     `yaml:"cors"`
	CSRF     CSRFConfig     `yaml:"csrf"`
	Security SecurityConfig `yaml:"security"`

	XFrameOptions        string   `yaml:"x_frame_options"`
	AppendSlash          bool     `yaml:"append_slash"`
	PrependWWW           bool     `yaml:"prepend_www"`
	DisallowedUserAgents []string `yaml:"disallowed_user_agents"`

	StaticURL       string   `yaml:"static_url"`
	StaticRoot      string   `yaml:"static_root"`
	StaticfilesDirs []string `yaml:"staticfiles_dirs"`
	MediaURL        string   `yaml:"media_url"`
	MediaRoot       string   `yaml:"media_root"`

	Apps    map[string]AppOptions `yaml:"apps"`
	Logging LoggingConfig         `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Engine   string `yaml:"engine"` // sqlite, postgres, mysql
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SessionConfig struct {
	Engine           string `yaml:"engine"` // db, cache
	CookieName       string `yaml:"cookie_name"`
	CookieAge        int    `yaml:"cookie_age"` // seconds
	CookieDomain     string `yaml:"cookie_domain"`
	CookiePath       string `yaml:"cookie_path"`
	CookieSecure     bool   `yaml:"cookie_secure"`
	CookieHTTPOnly   bool   `yaml:"cookie_httponly"`
	CookieSameSite   string `yaml:"cookie_samesite"`
	SaveEveryRequest bool   `yaml:"save_every_request"`
}

type CORSConfig struct {
	AllowedOrigins       []string `yaml:"allowed_origins"`
	AllowedOriginRegexes []string `yaml:"allowed_origin_regexes"`
	AllowAllOrigins      bool     `yaml:"allow_all_origins"`
	AllowCredentials     bool     `yaml:"allow_credentials"`
	AllowMethods         []string `yaml:"allow_methods"`
	AllowHeaders         []string `yaml:"allow_headers"`
	ExposeHeaders        []string `yaml:"expose_headers"`
	PreflightMaxAge      int      `yaml:"preflight_max_age"` // seconds, 0 disables the header
	URLsRegex            string   `yaml:"urls_regex"`
}

type CSRFConfig struct {
	TrustedOrigins []string `yaml:"trusted_origins"`
	CookieName     string   `yaml:"cookie_name"`
	CookieAge      int      `yaml:"cookie_age"`
	CookieDomain   string   `yaml:"cookie_domain"`
	CookiePath     string   `yaml:"cookie_path"`
	CookieSecure   bool     `yaml:"cookie_secure"`
	CookieHTTPOnly bool     `yaml:"cookie_httponly"`
	CookieSameSite string   `yaml:"cookie_samesite"`
	HeaderName     string   `yaml:"header_name"`
}

type SecurityConfig struct {
	SSLRedirect             bool     `yaml:"ssl_redirect"`
	SSLHost                 string   `yaml:"ssl_host"`
	RedirectExempt          []string `yaml:"redirect_exempt"`
	HSTSSeconds             int      `yaml:"hsts_seconds"`
	HSTSIncludeSubdomains   bool     `yaml:"hsts_include_subdomains"`
	HSTSPreload             bool     `yaml:"hsts_preload"`
	ContentTypeNosniff      bool     `yaml:"content_type_nosniff"`
	ReferrerPolicy          string   `yaml:"referrer_policy"`
	CrossOriginOpenerPolicy string   `yaml:"cross_origin_opener_policy"`
	// ProxySSLHeader is "Header-Name: value"; a request carrying it is
	// treated as secure.
	ProxySSLHeader string `yaml:"proxy_ssl_header"`
}

// AppOptions holds per-app options keyed by app label.
type AppOptions struct {
	Upstream string `yaml:"upstream"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 8000
	DefaultTestsUpstream = "http://127.0.0.1:8001"

	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"

	SessionEngineDB    = "db"
	SessionEngineCache = "cache"
)

// DefaultInstalledApps mirrors the project's app list; each label maps to
// a framework app registered in pkg/apps.
var DefaultInstalledApps = []string{
	"admin",
	"auth",
	"contenttypes",
	"sessions",
	"messages",
	"staticfiles",
	"tests",
	"cors",
	"api",
}

// DefaultMiddleware is the request pipeline, outermost first.
var DefaultMiddleware = []string{
	"cors",
	"security",
	"sessions",
	"common",
	"csrf",
	"auth",
	"messages",
	"clickjacking",
}

func defaults() *Settings {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return &Settings{
		BaseDir:       wd,
		SecretKey:     "your-secret-key",
		Debug:         true,
		InstalledApps: append([]string(nil), DefaultInstalledApps...),
		AllowedHosts:  []string{"*"},
		Middleware:    append([]string(nil), DefaultMiddleware...),
		Server:        ServerConfig{Host: DefaultHost, Port: DefaultPort},
		Database:      DatabaseConfig{Engine: EngineSQLite, Name: "db.sqlite3"},
		Cache:         CacheConfig{Redis: RedisConfig{Addr: "127.0.0.1:6379"}},
		Session: SessionConfig{
			Engine:         SessionEngineDB,
			CookieName:     "sessionid",
			CookieAge:      60 * 60 * 24 * 7 * 2,
			CookiePath:     "/",
			CookieHTTPOnly: true,
			CookieSameSite: "Lax",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{
				"https://psyho.netlify.app",
				"http://localhost:5173",
			},
			AllowMethods:    []string{"DELETE", "GET", "OPTIONS", "PATCH", "POST", "PUT"},
			AllowHeaders:    []string{"accept", "authorization", "content-type", "user-agent", "x-csrftoken", "x-requested-with"},
			PreflightMaxAge: 86400,
			URLsRegex:       `^.*$`,
		},
		CSRF: CSRFConfig{
			TrustedOrigins: []string{"https://psyho.netlify.app"},
			CookieName:     "csrftoken",
			CookieAge:      60 * 60 * 24 * 7 * 52,
			CookiePath:     "/",
			CookieSameSite: "Lax",
			HeaderName:     "X-CSRFToken",
		},
		Security: SecurityConfig{
			ContentTypeNosniff:      true,
			ReferrerPolicy:          "same-origin",
			CrossOriginOpenerPolicy: "same-origin",
		},
		XFrameOptions: "DENY",
		AppendSlash:   true,
		StaticURL:     "/static/",
		MediaURL:      "/media/",
		Apps: map[string]AppOptions{
			"tests": {Upstream: DefaultTestsUpstream},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Default returns the settings used when no config file exists.
func Default() *Settings {
	s := defaults()
	s.finalize()
	return s
}

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".psyho")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads the config file at path, or ~/.psyho/config.yaml (or
// $PSYHO_CONFIG) when path is empty. A missing file yields the defaults.
// A file that exists but cannot be parsed, or settings that fail
// validation, return an error.
func Load(path string) (*Settings, string, error) {
	configFile := path
	if configFile == "" {
		configFile = strings.TrimSpace(os.Getenv("PSYHO_CONFIG"))
	}
	if configFile == "" {
		_, p, err := DefaultPaths()
		if err != nil {
			return nil, "", err
		}
		configFile = p
	}

	s := defaults()

	b, err := os.ReadFile(configFile)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, s); err != nil {
			return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := s.applyEnvOverrides(); err != nil {
		return nil, "", err
	}
	s.finalize()

	if err := s.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid settings in %s: %w", configFile, err)
	}
	return s, configFile, nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	b, err := yaml.Marshal(defaults())
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Holds the secret key.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

// finalize derives path settings from BaseDir.
func (s *Settings) finalize() {
	if s.BaseDir == "" {
		s.BaseDir = "."
	}
	if s.StaticRoot == "" {
		s.StaticRoot = filepath.Join(s.BaseDir, "staticfiles")
	} else if !filepath.IsAbs(s.StaticRoot) {
		s.StaticRoot = filepath.Join(s.BaseDir, s.StaticRoot)
	}
	if s.MediaRoot == "" {
		s.MediaRoot = filepath.Join(s.BaseDir, "media")
	} else if !filepath.IsAbs(s.MediaRoot) {
		s.MediaRoot = filepath.Join(s.BaseDir, s.MediaRoot)
	}
	for i, d := range s.StaticfilesDirs {
		if !filepath.IsAbs(d) {
			s.StaticfilesDirs[i] = filepath.Join(s.BaseDir, d)
		}
	}
	if s.Apps == nil {
		s.Apps = map[string]AppOptions{}
	}
}

// Validate reports settings the server cannot start with.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.SecretKey) == "" {
		return errors.New("the SECRET_KEY setting must not be empty")
	}
	for name, u := range map[string]string{"STATIC_URL": s.StaticURL, "MEDIA_URL": s.MediaURL} {
		if u != "" && !strings.HasSuffix(u, "/") {
			return fmt.Errorf("a non-empty %s setting must end with a slash", name)
		}
	}
	if s.StaticURL != "" && s.StaticURL == s.MediaURL {
		return errors.New("the MEDIA_URL and STATIC_URL settings must have different values")
	}
	if filepath.Clean(s.StaticRoot) == filepath.Clean(s.MediaRoot) {
		return errors.New("the MEDIA_ROOT and STATIC_ROOT settings must have different values")
	}
	if s.Server.Port < 1 || s.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", s.Server.Port)
	}
	if strings.TrimSpace(s.Server.Host) == "" {
		return errors.New("invalid server.host (empty)")
	}
	switch s.Database.Engine {
	case EngineSQLite, EnginePostgres, EngineMySQL:
	default:
		return fmt.Errorf("unknown database.engine %q", s.Database.Engine)
	}
	switch s.Session.Engine {
	case SessionEngineDB, SessionEngineCache:
	default:
		return fmt.Errorf("unknown session.engine %q", s.Session.Engine)
	}
	switch s.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", s.Logging.Format)
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Server.Host, s.Server.Port)
}

// App returns the options for an installed app label.
func (s *Settings) App(label string) AppOptions {
	return s.Apps[label]
}

// HasApp reports whether label is in INSTALLED_APPS.
func (s *Settings) HasApp(label string) bool {
	for _, a := range s.InstalledApps {
		if a == label {
			return true
		}
	}
	return false
}

// HasMiddleware reports whether name is in MIDDLEWARE.
func (s *Settings) HasMiddleware(name string) bool {
	return s.MiddlewareIndex(name) >= 0
}

// MiddlewareIndex returns the position of name in MIDDLEWARE, or -1.
func (s *Settings) MiddlewareIndex(name string) int {
	for i, m := range s.Middleware {
		if m == name {
			return i
		}
	}
	return -1
}
