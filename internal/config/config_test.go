package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("GROUPS_HOME", "/tmp/groups")
	t.Setenv("GROUPS_RELAYS", "wss://a, quic://b:4433,,wss://a")
	t.Setenv("GROUPS_STORE", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("GROUPS_UNWRAP_WORKERS", "8")
	t.Setenv("GROUPS_DEBUG", "1")

	c := FromEnv()
	require.Equal(t, "/tmp/groups", c.Home)
	require.Equal(t, []string{"wss://a", "quic://b:4433"}, c.Relays)
	require.Equal(t, "redis", c.Store)
	require.Equal(t, "redis://localhost:6379/0", c.RedisURL)
	require.Equal(t, 8, c.UnwrapWorkers)
	require.True(t, c.Debug)
	require.Equal(t, defaultHTTPAddr, c.HTTPAddr)
	require.NoError(t, c.Validate())
}

func TestEnvIntFallsBack(t *testing.T) {
	t.Setenv("GROUPS_UNWRAP_WORKERS", "-3")
	require.Equal(t, defaultUnwrapWorkers, FromEnv().UnwrapWorkers)
	t.Setenv("GROUPS_UNWRAP_WORKERS", "lots")
	require.Equal(t, defaultUnwrapWorkers, FromEnv().UnwrapWorkers)
}

func TestValidate(t *testing.T) {
	c := Config{Home: "/x", Store: "tape"}
	require.Error(t, c.Validate())
	c.Store = "file"
	c.Relays = []string{"relay.example.com"}
	require.Error(t, c.Validate())
	c.Relays = []string{"local://x"}
	require.NoError(t, c.Validate())
}
