package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "host=localhost port=5432 user=postgres password=postgres dbname=memory", cfg.DSN())
}

func TestStorageNamespace_WildcardStoresUnderDefault(t *testing.T) {
	var cfg Config
	require.Equal(t, "default", cfg.StorageNamespace())

	cfg.Namespace = "alice"
	require.Equal(t, "alice", cfg.StorageNamespace())
}

func TestLocation(t *testing.T) {
	var cfg Config
	require.Equal(t, time.UTC, cfg.Location())

	cfg.Timezone = "false"
	require.Equal(t, time.UTC, cfg.Location())
	require.True(t, cfg.TimezoneDisabled())

	cfg.Timezone = "not-a-zone"
	require.Equal(t, time.UTC, cfg.Location())

	cfg.Timezone = "America/New_York"
	require.Equal(t, "America/New_York", cfg.Location().String())
	require.False(t, cfg.TimezoneDisabled())
}

func TestRedirectURIs_SplitsAndTrims(t *testing.T) {
	cfg := Config{OAuthRedirectURIs: " https://claude.ai/api/mcp/auth_callback , http://localhost/callback ,"}
	require.Equal(t, []string{
		"https://claude.ai/api/mcp/auth_callback",
		"http://localhost/callback",
	}, cfg.RedirectURIs())
}

func TestValidate_OAuthBundledNeedsServerURLAndCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmbeddingURL = "http://localhost:11434/v1/embeddings"
	cfg.EmbeddingModel = "nomic-embed-text"
	require.NoError(t, cfg.Validate())

	cfg.OAuthBundled = true
	require.Error(t, cfg.Validate())

	cfg.ServerURL = "https://memory.example.com"
	require.Error(t, cfg.Validate())

	cfg.OAuthUsername = "admin"
	cfg.OAuthPassword = "secret"
	require.NoError(t, cfg.Validate())
}
