package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string // sqlite|postgres
	DBDSN    string

	// Launch state machine knobs.
	LaunchTTL       time.Duration // how long a launch may stay in flight
	LaunchRetention time.Duration // how long terminal records are kept for audit
	SweepInterval   time.Duration

	// KeyStore knobs.
	JWKSCacheTTL     time.Duration
	JWKSFetchTimeout time.Duration

	// Tool-side identity (used when this deployment acts as the LTI tool).
	ToolRedirectURI string // e.g. PUBLIC_URL + "/lti/launch"

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	pub := os.Getenv("PUBLIC_URL")
	defRedirect := ""
	if pub != "" {
		defRedirect = strings.TrimSuffix(pub, "/") + "/lti/launch"
	}
	return Config{
		HTTPAddr:  addr,
		PublicURL: pub,

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		LaunchTTL:       envDur("LAUNCH_TTL", 10*time.Minute),
		LaunchRetention: envDur("LAUNCH_RETENTION", 24*time.Hour),
		SweepInterval:   envDur("SWEEP_INTERVAL", time.Minute),

		JWKSCacheTTL:     envDur("JWKS_CACHE_TTL", time.Hour),
		JWKSFetchTimeout: envDur("JWKS_FETCH_TIMEOUT", 5*time.Second),

		ToolRedirectURI: envOr("LTI_TOOL_REDIRECT_URI", defRedirect),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	// allow bare seconds
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func csvOr(key, def string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
