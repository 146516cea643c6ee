package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/amprelay/internal/relay"
)

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "RELAY_BACKEND", "RELAY_TTL",
	"RELAY_SWEEP_INTERVAL", "ORGANIZATION", "PROVIDER_DOMAIN", "MESH_PEERS", "MESH_TOKEN",
	"MESH_TIMEOUT", "MESH_RETRY_INTERVAL", "REQUIRE_SIGNATURE", "REJECT_INVALID_SIGNATURE", "PRESENCE_WINDOW",
	"RATE_LIMIT_WHITELIST", "AUTO_BLOCK_ENABLED",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
	t.Setenv("HOST_ID", "host-a")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "aimaestro.local", cfg.ProviderDomain)
	assert.Equal(t, RelayBackendSQL, cfg.RelayBackend)
	assert.Equal(t, relay.DefaultTTL, cfg.RelayTTL)
	assert.Equal(t, 10*time.Second, cfg.MeshTimeout)
	assert.Equal(t, time.Minute, cfg.MeshRetryInterval)
	assert.Equal(t, 5*time.Minute, cfg.PresenceWindow)
	assert.False(t, cfg.RequireSignature)
	assert.False(t, cfg.RejectInvalidSignature)
	assert.Empty(t, cfg.MeshPeers)
}

func TestLoadMeshAndPolicy(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORGANIZATION", "Acme")
	t.Setenv("MESH_PEERS", "host-b=http://b:8080,host-c=http://c:8080")
	t.Setenv("MESH_TOKEN", "mesh-secret")
	t.Setenv("MESH_TIMEOUT", "3s")
	t.Setenv("MESH_RETRY_INTERVAL", "30s")
	t.Setenv("REQUIRE_SIGNATURE", "true")
	t.Setenv("REJECT_INVALID_SIGNATURE", "1")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8, 127.0.0.1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Organization)
	assert.Equal(t, map[string]string{"host-b": "http://b:8080", "host-c": "http://c:8080"}, cfg.MeshPeers)
	assert.Equal(t, 3*time.Second, cfg.MeshTimeout)
	assert.Equal(t, 30*time.Second, cfg.MeshRetryInterval)
	assert.True(t, cfg.RequireSignature)
	assert.True(t, cfg.RejectInvalidSignature)
	assert.Equal(t, RelayBackendRedis, cfg.RelayBackend)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.RateLimitWhitelist)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"RELAY_TTL": "soon"}},
		{"bad peers", map[string]string{"MESH_PEERS": "host-b", "MESH_TOKEN": "t"}},
		{"peers without token", map[string]string{"MESH_PEERS": "host-b=http://b:8080"}},
		{"unknown backend", map[string]string{"RELAY_BACKEND": "etcd"}},
		{"redis backend without url", map[string]string{"RELAY_BACKEND": "redis", "REDIS_URL": ""}},
		{"production without database", map[string]string{"ENV": "production", "DATABASE_URL": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
