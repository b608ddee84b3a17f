package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvProduction = "production"
	EnvStaging    = "staging"
	EnvLocal      = "local"
	EnvTesting    = "testing"
)

type Config struct {
	App struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
	} `yaml:"app"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		Schedule      string `yaml:"schedule"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	HTTP struct {
		Port                int `yaml:"port"`
		ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
	} `yaml:"http"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Kiosk struct {
		CodeLength         int `yaml:"code_length"`
		CodeTTLMinutes     int `yaml:"code_ttl_minutes"`
		VerifiedTTLMinutes int `yaml:"verified_ttl_minutes"`
		LockTTLSeconds     int `yaml:"lock_ttl_seconds"`
		SMSPerMinute       int `yaml:"sms_per_minute"`
	} `yaml:"kiosk"`

	SMS struct {
		GatewayURL     string `yaml:"gateway_url"`
		APIKey         string `yaml:"api_key"`
		Sender         string `yaml:"sender"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxRetries     int    `yaml:"max_retries"`
	} `yaml:"sms"`

	Broadcast struct {
		Driver        string `yaml:"driver"`
		ChannelPrefix string `yaml:"channel_prefix"`
		PubNub        struct {
			PublishKey   string `yaml:"publish_key"`
			SubscribeKey string `yaml:"subscribe_key"`
			UserID       string `yaml:"user_id"`
		} `yaml:"pubnub"`
	} `yaml:"broadcast"`

	Telegram struct {
		BotToken    string `yaml:"bot_token"`
		StaffChatID int64  `yaml:"staff_chat_id"`
		Debug       bool   `yaml:"debug"`
	} `yaml:"telegram"`

	Queue struct {
		SweepSchedule string `yaml:"sweep_schedule"`
	} `yaml:"queue"`

	PresetsPath string `yaml:"presets_path"`
}

// LoadEnv loads a .env file when present. A missing file is not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env %s: %w", p, err)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "reservo"
	}
	c.App.Environment = strings.ToLower(strings.TrimSpace(c.App.Environment))
	if c.App.Environment == "" {
		c.App.Environment = EnvProduction
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/reservo.db"
	}
	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "0 3 * * *"
	}
	if c.Backup.Path == "" {
		c.Backup.Path = "data/backups"
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 14
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSeconds == 0 {
		c.HTTP.ReadTimeoutSeconds = 10
	}
	if c.HTTP.WriteTimeoutSeconds == 0 {
		c.HTTP.WriteTimeoutSeconds = 15
	}
	if c.Kiosk.CodeLength == 0 {
		c.Kiosk.CodeLength = 6
	}
	if c.Kiosk.CodeTTLMinutes == 0 {
		c.Kiosk.CodeTTLMinutes = 10
	}
	if c.Kiosk.VerifiedTTLMinutes == 0 {
		c.Kiosk.VerifiedTTLMinutes = 15
	}
	if c.Kiosk.LockTTLSeconds == 0 {
		c.Kiosk.LockTTLSeconds = 5
	}
	if c.Kiosk.SMSPerMinute == 0 {
		c.Kiosk.SMSPerMinute = 30
	}
	if c.SMS.TimeoutSeconds == 0 {
		c.SMS.TimeoutSeconds = 5
	}
	if c.SMS.MaxRetries == 0 {
		c.SMS.MaxRetries = 2
	}
	c.Broadcast.Driver = strings.ToLower(strings.TrimSpace(c.Broadcast.Driver))
	if c.Broadcast.Driver == "" {
		c.Broadcast.Driver = "none"
	}
	if c.Broadcast.ChannelPrefix == "" {
		c.Broadcast.ChannelPrefix = "reservo-queue"
	}
	if c.Broadcast.PubNub.UserID == "" {
		c.Broadcast.PubNub.UserID = "reservo-server"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.App.Environment {
	case EnvProduction, EnvStaging, EnvLocal, EnvTesting:
	default:
		return fmt.Errorf("app.environment: unknown value '%s'", c.App.Environment)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port: invalid port %d", c.HTTP.Port)
	}

	if c.Kiosk.CodeLength < 4 || c.Kiosk.CodeLength > 10 {
		return fmt.Errorf("kiosk.code_length must be between 4 and 10, got %d", c.Kiosk.CodeLength)
	}
	if c.Kiosk.CodeTTLMinutes < 0 || c.Kiosk.VerifiedTTLMinutes < 0 {
		return fmt.Errorf("kiosk ttl values cannot be negative")
	}
	if c.Backup.RetentionDays < 0 {
		return fmt.Errorf("backup.retention_days cannot be negative")
	}

	switch c.Broadcast.Driver {
	case "none", "redis":
	case "pubnub":
		if c.Broadcast.PubNub.PublishKey == "" || c.Broadcast.PubNub.SubscribeKey == "" {
			return fmt.Errorf("broadcast.pubnub: publish_key and subscribe_key are required")
		}
	default:
		return fmt.Errorf("broadcast.driver: unknown value '%s'", c.Broadcast.Driver)
	}

	if c.Broadcast.Driver == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("broadcast.driver redis requires redis.address")
	}

	return nil
}

// IsProductionLike reports whether downstream failures must surface to callers.
func (c *Config) IsProductionLike() bool {
	return c.App.Environment == EnvProduction || c.App.Environment == EnvStaging
}

func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.Kiosk.CodeTTLMinutes) * time.Minute
}

func (c *Config) VerifiedTTL() time.Duration {
	return time.Duration(c.Kiosk.VerifiedTTLMinutes) * time.Minute
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Kiosk.LockTTLSeconds) * time.Second
}

func (c *Config) SMSTimeout() time.Duration {
	return time.Duration(c.SMS.TimeoutSeconds) * time.Second
}
