package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full console configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Transport TransportConfig `mapstructure:"transport"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
}

type APIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// TransportConfig is the reconnect policy and endpoint of the event channel.
type TransportConfig struct {
	URL         string        `mapstructure:"url"`
	Path        string        `mapstructure:"path"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type RoomsConfig struct {
	ConfirmWarnAfter time.Duration `mapstructure:"confirm_warn_after"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	Mode           string   `mapstructure:"mode"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from path (or config.yaml in . and ./configs), .env and
// the environment. A missing config file is not an error.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.BindEnv("api.base_url", "TAQEEM_API_URL", "VITE_API_URL")
	v.BindEnv("transport.url", "TAQEEM_SOCKET_URL")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Transport.URL == "" {
		cfg.Transport.URL = cfg.API.BaseURL
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = defaultDatabaseURL()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:3000")
	v.SetDefault("api.timeout", 10*time.Minute)
	v.SetDefault("api.retry_count", 2)
	v.SetDefault("transport.url", "")
	v.SetDefault("transport.path", "/socket.io/")
	v.SetDefault("transport.retry_delay", time.Second)
	v.SetDefault("transport.max_attempts", 5)
	v.SetDefault("transport.max_backoff", 10*time.Second)
	v.SetDefault("rooms.confirm_warn_after", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("server.addr", "127.0.0.1:8089")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "wails://wails"})
}

// defaultDatabaseURL points at a sqlite file in the user config directory,
// falling back to the working directory.
func defaultDatabaseURL() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sqlite://./taqeem-console.db"
	}
	return "sqlite://" + filepath.Join(dir, "taqeem-console", "taqeem-console.db")
}
