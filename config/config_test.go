package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 20, cfg.Client.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Client.PendingTimeout)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.Client.WSURL)
	assert.True(t, cfg.Client.Notifications)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("FABCHAT_CLIENT_USER_ID", "u42")
	t.Setenv("FABCHAT_CLIENT_PAGE_SIZE", "50")
	t.Setenv("FABCHAT_CLIENT_PENDING_TIMEOUT", "5s")
	t.Setenv("FABCHAT_CLIENT_SERVER_URL", "https://chat.example.com/")
	t.Setenv("FABCHAT_SERVER_LISTEN_ADDR", ":9000")
	t.Setenv("FABCHAT_LOG_MODE", "production")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "u42", cfg.Client.UserID)
	assert.Equal(t, 50, cfg.Client.PageSize)
	assert.Equal(t, 5*time.Second, cfg.Client.PendingTimeout)
	assert.Equal(t, "wss://chat.example.com/ws", cfg.Client.WSURL)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, "production", cfg.LogMode)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("FABCHAT_CLIENT_USER_ID=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FABCHAT_CLIENT_USER_ID") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Client.UserID)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Error(t, cfg.Validate(), "user id is required")

	cfg.Client.UserID = "u1"
	cfg.Client.PageSize = 0
	assert.Error(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "client.page_size", envKey("FABCHAT_CLIENT_PAGE_SIZE"))
	assert.Equal(t, "server.db_path", envKey("FABCHAT_SERVER_DB_PATH"))
	assert.Equal(t, "log_mode", envKey("FABCHAT_LOG_MODE"))
}

func TestRelayDSN(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "./data/relay.db", cfg.RelayDSN())

	t.Setenv("FABCHAT_SERVER_DATABASE_URL", "postgres://chat@localhost/chat")
	cfg, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://chat@localhost/chat", cfg.RelayDSN())
}
