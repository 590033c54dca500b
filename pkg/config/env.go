package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides overlays PSYHO_* environment variables. Empty
// variables are ignored.
func (s *Settings) applyEnvOverrides() error {
	if v := env("PSYHO_SECRET_KEY"); v != "" {
		s.SecretKey = v
	}
	if v := env("PSYHO_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid PSYHO_DEBUG value %q: %w", v, err)
		}
		s.Debug = b
	}
	if v := env("PSYHO_ALLOWED_HOSTS"); v != "" {
		s.AllowedHosts = splitList(v)
	}
	if v := env("PSYHO_CORS_ALLOWED_ORIGINS"); v != "" {
		s.CORS.AllowedOrigins = splitList(v)
	}
	if v := env("PSYHO_CSRF_TRUSTED_ORIGINS"); v != "" {
		s.CSRF.TrustedOrigins = splitList(v)
	}
	if v := env("PSYHO_HOST"); v != "" {
		s.Server.Host = v
	}
	if v := env("PSYHO_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PSYHO_PORT value %q: %w", v, err)
		}
		s.Server.Port = p
	}
	if v := env("PSYHO_DATABASE_ENGINE"); v != "" {
		s.Database.Engine = v
	}
	if v := env("PSYHO_DATABASE_NAME"); v != "" {
		s.Database.Name = v
	}
	if v := env("PSYHO_REDIS_ADDR"); v != "" {
		s.Cache.Redis.Addr = v
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
