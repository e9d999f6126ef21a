package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so ID lists can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	LogLevel   string           `env:"ELAINA_LOG_LEVEL" json:"log_level"`
	Access     AccessConfig     `json:"access"`
	Gateway    GatewayConfig    `json:"gateway"`
	Socket     SocketConfig     `json:"socket"`
	BotAPI     BotAPIConfig     `json:"botapi"`
	Plugins    PluginsConfig    `json:"plugins"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Responses  ResponsesConfig  `json:"responses"`
	Database   DatabaseConfig   `json:"database,omitzero"`
	Stats      StatsConfig      `json:"stats"`
}

// AccessConfig holds the static permission roster. Group admin and
// blacklist state live in the store, not here.
type AccessConfig struct {
	Owners FlexibleStringSlice `env:"ELAINA_ACCESS_OWNERS" json:"owners"`
	Admins FlexibleStringSlice `env:"ELAINA_ACCESS_ADMINS" json:"admins,omitempty"`
}

type GatewayConfig struct {
	Host        string `env:"ELAINA_GATEWAY_HOST"         json:"host"`
	Port        int    `env:"ELAINA_GATEWAY_PORT"         json:"port"`
	WebhookPath string `env:"ELAINA_GATEWAY_WEBHOOK_PATH" json:"webhook_path"`
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type SocketConfig struct {
	Enabled           bool   `env:"ELAINA_SOCKET_ENABLED"            json:"enabled"`
	URL               string `env:"ELAINA_SOCKET_URL"                json:"url"`
	Intents           int    `env:"ELAINA_SOCKET_INTENTS"            json:"intents"`
	ReconnectInterval int    `env:"ELAINA_SOCKET_RECONNECT_INTERVAL" json:"reconnect_interval"` // seconds, doubles per attempt
	MaxReconnectWait  int    `env:"ELAINA_SOCKET_MAX_RECONNECT_WAIT" json:"max_reconnect_wait"` // seconds
}

type BotAPIConfig struct {
	Enabled   bool   `env:"ELAINA_BOTAPI_ENABLED"    json:"enabled"`
	AppID     string `env:"ELAINA_BOTAPI_APP_ID"     json:"app_id"`
	AppSecret string `env:"ELAINA_BOTAPI_APP_SECRET" json:"app_secret"`
	BaseURL   string `env:"ELAINA_BOTAPI_BASE_URL"   json:"base_url"`
	Sandbox   bool   `env:"ELAINA_BOTAPI_SANDBOX"    json:"sandbox"`
}

type PluginsConfig struct {
	Dirs            []string `env:"ELAINA_PLUGINS_DIRS"              json:"dirs"`
	WatchEnabled    bool     `env:"ELAINA_PLUGINS_WATCH_ENABLED"     json:"watch_enabled"`
	PollIntervalSec int      `env:"ELAINA_PLUGINS_POLL_INTERVAL_SEC" json:"poll_interval_sec"`
	DebounceMillis  int      `env:"ELAINA_PLUGINS_DEBOUNCE_MS"       json:"debounce_ms"`
}

type DispatchConfig struct {
	// Policy is "first" (stop at the first handler that replies) or "broadcast"
	// (every eligible match is invoked).
	Policy            string `env:"ELAINA_DISPATCH_POLICY"              json:"policy"`
	Concurrency       int    `env:"ELAINA_DISPATCH_CONCURRENCY"         json:"concurrency"`
	HandlerTimeoutSec int    `env:"ELAINA_DISPATCH_HANDLER_TIMEOUT_SEC" json:"handler_timeout_sec"` // 0 means no timeout
	Maintenance       bool   `env:"ELAINA_DISPATCH_MAINTENANCE"         json:"maintenance"`
}

// ResponsesConfig covers the replies the dispatcher sends when no handler
// produced one.
type ResponsesConfig struct {
	DefaultReply       string   `env:"ELAINA_RESPONSES_DEFAULT_REPLY"    json:"default_reply,omitempty"`
	DefaultExclusions  []string `env:"ELAINA_RESPONSES_EXCLUSIONS"       json:"default_exclusions,omitempty"`
	DeniedReply        string   `env:"ELAINA_RESPONSES_DENIED_REPLY"     json:"denied_reply,omitempty"`
	MaintenanceReply   string   `env:"ELAINA_RESPONSES_MAINTENANCE_REPLY" json:"maintenance_reply,omitempty"`
}

type DatabaseConfig struct {
	Enabled  bool   `env:"ELAINA_DATABASE_ENABLED"   json:"enabled"`
	DSN      string `env:"ELAINA_DATABASE_DSN"       json:"dsn"`
	MaxConns int    `env:"ELAINA_DATABASE_MAX_CONNS" json:"max_conns"`
}

type StatsConfig struct {
	Enabled  bool   `env:"ELAINA_STATS_ENABLED"  json:"enabled"`
	Schedule string `env:"ELAINA_STATS_SCHEDULE" json:"schedule"` // cron expression
	ForceGC  bool   `env:"ELAINA_STATS_FORCE_GC" json:"force_gc"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			Host:        "0.0.0.0",
			Port:        5001,
			WebhookPath: "/webhook",
		},
		Socket: SocketConfig{
			Intents:           1 << 25, // group and C2C messages
			ReconnectInterval: 2,
			MaxReconnectWait:  60,
		},
		Plugins: PluginsConfig{
			Dirs:            []string{"plugins"},
			WatchEnabled:    true,
			PollIntervalSec: 2,
			DebounceMillis:  1000,
		},
		Dispatch: DispatchConfig{
			Policy:            "first",
			Concurrency:       8,
			HandlerTimeoutSec: 30,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Stats: StatsConfig{
			Schedule: "0 * * * *",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	switch c.Dispatch.Policy {
	case "first", "broadcast":
	default:
		return fmt.Errorf("dispatch.policy must be \"first\" or \"broadcast\", got %q", c.Dispatch.Policy)
	}
	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be at least 1, got %d", c.Dispatch.Concurrency)
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database.enabled requires database.dsn")
	}
	if c.Socket.Enabled && c.Socket.URL == "" {
		return fmt.Errorf("socket.enabled requires socket.url")
	}
	return nil
}

// IsOwner reports whether id is in the static owner roster.
func (c *Config) IsOwner(id string) bool {
	for _, o := range c.Access.Owners {
		if o == id {
			return true
		}
	}
	return false
}
