package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Game    GameConfig    `yaml:"game"`
	Discord DiscordConfig `yaml:"discord"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second per client IP
	RateBurst int     `yaml:"rate_burst"`
}

type StorageConfig struct {
	Path string `yaml:"path"` // SQLite file path, or ":memory:"
}

type GameConfig struct {
	StartingBalance int `yaml:"starting_balance"`
}

type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url"` // empty disables notifications
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML config at path plus a .env file if one exists.
// Environment variables override YAML values for the keys they cover.
// A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("STARTING_BALANCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Game.StartingBalance = n
		}
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Discord.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":4000"
	}
	if cfg.Server.RateLimit <= 0 {
		cfg.Server.RateLimit = 10
	}
	if cfg.Server.RateBurst <= 0 {
		cfg.Server.RateBurst = 30
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "predictpool.db"
	}
	if cfg.Game.StartingBalance <= 0 {
		cfg.Game.StartingBalance = 1000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
