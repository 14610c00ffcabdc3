// Package config reads node settings from GROUPS_* environment variables.
// Command-line flags in cmd/groupd override what is read here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultHTTPAddr      = "127.0.0.1:7447"
	defaultUnwrapWorkers = 4
)

type Config struct {
	Home          string
	Relays        []string
	Store         string
	DatabaseURL   string
	RedisURL      string
	HTTPAddr      string
	QUICAddr      string
	UnwrapWorkers int
	Debug         bool
	// InsecureQUIC accepts the deterministic dev certificate on quic://
	// relays.
	InsecureQUIC bool
}

func defaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".relaygroups")
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

func envBool(key string) bool {
	return strings.TrimSpace(os.Getenv(key)) == "1"
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// SplitList splits a comma separated list, dropping blanks and repeats.
func SplitList(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

func FromEnv() Config {
	return Config{
		Home:          envString("GROUPS_HOME", defaultHome()),
		Relays:        SplitList(os.Getenv("GROUPS_RELAYS")),
		Store:         strings.ToLower(envString("GROUPS_STORE", "file")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		HTTPAddr:      envString("GROUPS_HTTP_ADDR", defaultHTTPAddr),
		QUICAddr:      os.Getenv("GROUPS_QUIC_ADDR"),
		UnwrapWorkers: envInt("GROUPS_UNWRAP_WORKERS", defaultUnwrapWorkers),
		Debug:         envBool("GROUPS_DEBUG"),
		InsecureQUIC:  envBool("GROUPS_QUIC_INSECURE"),
	}
}

func (c Config) Validate() error {
	switch c.Store {
	case "file", "redis", "postgres":
	default:
		return fmt.Errorf("GROUPS_STORE must be file, redis or postgres: %q", c.Store)
	}
	if c.Home == "" {
		return fmt.Errorf("GROUPS_HOME is empty")
	}
	for _, r := range c.Relays {
		if !strings.Contains(r, "://") {
			return fmt.Errorf("relay %q has no scheme", r)
		}
	}
	return nil
}
