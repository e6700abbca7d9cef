// Package config loads tracksync configuration.
//
// Precedence, highest first: TRACKSYNC_* environment variables (a .env file
// in the working directory is loaded into the environment first), the YAML
// config file, defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TRACKSYNC_DB_PATH.
const EnvPrefix = "TRACKSYNC"

// Config is the full process configuration.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Spool     SpoolConfig     `mapstructure:"spool"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Export    ExportConfig    `mapstructure:"export"`
	// Servers is a TOML seed file upserted at startup; empty skips it.
	Servers string `mapstructure:"servers"`
}

// DBConfig locates the SQLite database.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables rotated file output next to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SpoolConfig enables the spool directory watcher.
type SpoolConfig struct {
	Dir string `mapstructure:"dir"`
}

// QueueConfig enables the RabbitMQ consumer.
type QueueConfig struct {
	URL      string `mapstructure:"url"`
	Name     string `mapstructure:"name"`
	Prefetch int    `mapstructure:"prefetch"`
}

// RedisConfig enables the cross-process task mirror.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// ExportConfig tunes issue rendering.
type ExportConfig struct {
	// Phrasebook is a YAML file overriding built-in phrases.
	Phrasebook string `mapstructure:"phrasebook"`
	Locale     string `mapstructure:"locale"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.path", "tracksync.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("spool.dir", "")

	v.SetDefault("queue.url", "")
	v.SetDefault("queue.name", "tracksync.webhooks")
	v.SetDefault("queue.prefetch", 1)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.service_name", "tracksync")

	v.SetDefault("export.phrasebook", "")
	v.SetDefault("export.locale", "en")

	v.SetDefault("servers", "")
}

// Load reads configuration. An explicit path must exist; without one the
// first of ./tracksync.yaml and <user config dir>/tracksync/config.yaml is
// used, and having neither is fine.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = locate()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func locate() string {
	candidates := []string{"tracksync.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "tracksync", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Validate checks values viper cannot.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: invalid level %q", c.Log.Level)
	}
	if c.Queue.Prefetch < 0 {
		return fmt.Errorf("queue.prefetch: must not be negative")
	}
	if c.HTTP.ShutdownTimeout < 0 {
		return fmt.Errorf("http.shutdown_timeout: must not be negative")
	}
	return nil
}
