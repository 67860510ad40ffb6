package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "FABCHAT_"

// Config holds the settings of both the relay and the chat client
type Config struct {
	LogMode string `koanf:"log_mode"`

	Server struct {
		ListenAddr  string `koanf:"listen_addr"`
		DBPath      string `koanf:"db_path"`
		DatabaseURL string `koanf:"database_url"`
	} `koanf:"server"`

	Client struct {
		UserID           string        `koanf:"user_id"`
		ServerURL        string        `koanf:"server_url"`
		WSURL            string        `koanf:"ws_url"`
		StatePath        string        `koanf:"state_path"`
		PageSize         int           `koanf:"page_size"`
		MaxMessages      int           `koanf:"max_messages"`
		PendingTimeout   time.Duration `koanf:"pending_timeout"`
		NotificationIcon string        `koanf:"notification_icon"`
		Notifications    bool          `koanf:"notifications"`
	} `koanf:"client"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"log_mode":                 "development",
		"server.listen_addr":       ":8080",
		"server.db_path":           "./data/relay.db",
		"server.database_url":      "",
		"client.server_url":        "http://localhost:8080",
		"client.ws_url":            "",
		"client.state_path":        "./data/client.db",
		"client.page_size":         20,
		"client.max_messages":      0,
		"client.pending_timeout":   "30s",
		"client.notification_icon": "",
		"client.notifications":     true,
	}
}

// Load reads .env files (if present) and then FABCHAT_* variables on top
// of the defaults. FABCHAT_CLIENT_PAGE_SIZE maps to client.page_size.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading env file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if cfg.Client.WSURL == "" {
		cfg.Client.WSURL = WebsocketURL(cfg.Client.ServerURL)
	}
	return &cfg, nil
}

// envKey turns FABCHAT_CLIENT_PAGE_SIZE into client.page_size. Only the
// first underscore after the section separates levels.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range []string{"server_", "client_"} {
		if strings.HasPrefix(key, section) {
			return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(key, section)
		}
	}
	return key
}

// WebsocketURL derives the socket endpoint from the REST base URL
func WebsocketURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// RelayDSN picks the relay database: a Postgres URL when one is set,
// otherwise the SQLite file
func (c *Config) RelayDSN() string {
	if c.Server.DatabaseURL != "" {
		return c.Server.DatabaseURL
	}
	return c.Server.DBPath
}

// Validate checks the client settings needed to run a chat session
func (c *Config) Validate() error {
	if c.Client.UserID == "" {
		return errors.New("client user id is required (FABCHAT_CLIENT_USER_ID)")
	}
	if c.Client.ServerURL == "" {
		return errors.New("client server url is required")
	}
	if c.Client.PageSize <= 0 {
		return fmt.Errorf("client page size must be positive, got %d", c.Client.PageSize)
	}
	if c.Client.PendingTimeout <= 0 {
		return fmt.Errorf("client pending timeout must be positive, got %s", c.Client.PendingTimeout)
	}
	return nil
}
