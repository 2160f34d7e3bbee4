// Copyright 2024-2026 Aiku AI

// Package config loads the relay configuration from YAML, upgrading the file
// in place against the embedded example config.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the relay configuration.
type Config struct {
	HTTP    HTTPConfig        `yaml:"http"`
	Session SessionConfig     `yaml:"session"`
	Relay   RelayConfig       `yaml:"relay"`
	Notify  NotifyConfig      `yaml:"notify"`
	Logging zeroconfig.Config `yaml:"logging"`
}

type HTTPConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxBodySize    int64    `yaml:"max_body_size"`
}

type SessionConfig struct {
	CredentialsDir string        `yaml:"credentials_dir"`
	StatePath      string        `yaml:"state_path"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DeviceName     string        `yaml:"device_name"`
}

type RelayConfig struct {
	N8NURL         string        `yaml:"n8n_url"`
	WebhookURLs    []string      `yaml:"webhook_urls"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

type NotifyConfig struct {
	Mattermost MattermostConfig `yaml:"mattermost"`
	Matrix     MatrixConfig     `yaml:"matrix"`
}

type MattermostConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

type MatrixConfig struct {
	Enabled       bool   `yaml:"enabled"`
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
	RoomID        string `yaml:"room_id"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "http", "listen_addr")
	helper.Copy(up.List, "http", "allowed_origins")
	helper.Copy(up.Int, "http", "max_body_size")

	helper.Copy(up.Str, "session", "credentials_dir")
	helper.Copy(up.Str, "session", "state_path")
	helper.Copy(up.Str|up.Int, "session", "reconnect_delay")
	helper.Copy(up.Str, "session", "device_name")

	helper.Copy(up.Str|up.Null, "relay", "n8n_url")
	helper.Copy(up.List, "relay", "webhook_urls")
	helper.Copy(up.Str|up.Int, "relay", "webhook_timeout")

	helper.Copy(up.Bool, "notify", "mattermost", "enabled")
	helper.Copy(up.Str, "notify", "mattermost", "server_url")
	helper.Copy(up.Str|up.Null, "notify", "mattermost", "token")
	helper.Copy(up.Str|up.Null, "notify", "mattermost", "channel_id")
	helper.Copy(up.Bool, "notify", "matrix", "enabled")
	helper.Copy(up.Str, "notify", "matrix", "homeserver_url")
	helper.Copy(up.Str|up.Null, "notify", "matrix", "user_id")
	helper.Copy(up.Str|up.Null, "notify", "matrix", "access_token")
	helper.Copy(up.Str|up.Null, "notify", "matrix", "room_id")

	helper.Copy(up.Map, "logging")
}

// Upgrader upgrades an existing config file to the layout of ExampleConfig.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"session"},
		{"relay"},
		{"notify"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Load reads the config at path, creating it from ExampleConfig if it does
// not exist. When save is set, the upgraded config is written back.
// Environment overrides are applied last.
func Load(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err = writeExample(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	data, _, err := up.Do(path, save, Upgrader)
	if err != nil && data == nil {
		return nil, err
	} else if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to save upgraded config:", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeExample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}

// Parse decodes YAML config data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides config values from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("N8N_URL"); ok && v != "" {
		c.Relay.N8NURL = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.HTTP.ListenAddr = ":" + v
	}
	if v, ok := lookup("RELAY_LISTEN_ADDR"); ok && v != "" {
		c.HTTP.ListenAddr = v
	}
	if v, ok := lookup("RELAY_CREDENTIALS_DIR"); ok && v != "" {
		c.Session.CredentialsDir = v
	}
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listen_addr must be set")
	}
	if c.HTTP.MaxBodySize <= 0 {
		c.HTTP.MaxBodySize = 64 * 1024
	}
	if c.Session.CredentialsDir == "" {
		return fmt.Errorf("session.credentials_dir must be set")
	}
	if c.Session.StatePath == "" {
		c.Session.StatePath = filepath.Join(c.Session.CredentialsDir, "relay-state.db")
	}
	if c.Session.ReconnectDelay < 0 {
		return fmt.Errorf("session.reconnect_delay must not be negative")
	}
	if c.Relay.WebhookTimeout < 0 {
		return fmt.Errorf("relay.webhook_timeout must not be negative")
	}
	c.Relay.N8NURL = strings.TrimSpace(c.Relay.N8NURL)
	if mm := c.Notify.Mattermost; mm.Enabled && (mm.ServerURL == "" || mm.Token == "" || mm.ChannelID == "") {
		return fmt.Errorf("notify.mattermost needs server_url, token and channel_id when enabled")
	}
	if mx := c.Notify.Matrix; mx.Enabled && (mx.HomeserverURL == "" || mx.AccessToken == "" || mx.RoomID == "") {
		return fmt.Errorf("notify.matrix needs homeserver_url, access_token and room_id when enabled")
	}
	return nil
}
