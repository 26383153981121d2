package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

type Config struct {
	ServerURL            string `mapstructure:"server_url" yaml:"server_url"`
	StreamPath           string `mapstructure:"stream_path" yaml:"stream_path"`
	MaxRecords           int    `mapstructure:"max_records" yaml:"max_records"`
	RetryDelaySeconds    int    `mapstructure:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	ReconnectBackoff     string `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff"`
	MaxRetryDelaySeconds int    `mapstructure:"max_retry_delay_seconds" yaml:"max_retry_delay_seconds"`
	ListenAddr           string `mapstructure:"listen_addr" yaml:"listen_addr"`
	GeoIPDB              string `mapstructure:"geoip_db" yaml:"geoip_db"`
	ClearOnShutdown      bool   `mapstructure:"clear_on_shutdown" yaml:"clear_on_shutdown"`

	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		ServerURL:            "http://127.0.0.1:5000",
		StreamPath:           "/",
		MaxRecords:           100,
		RetryDelaySeconds:    3,
		ReconnectBackoff:     BackoffFixed,
		MaxRetryDelaySeconds: 60,
		ListenAddr:           "127.0.0.1:8090",
		ClearOnShutdown:      true,
		LogLevel:             "info",
		LogFormat:            "text",
		LogMaxSizeMB:         20,
		LogMaxBackups:        3,
	}
}

// Load reads cfgFile, or trafficmap.yaml from the default locations, and
// applies TRAFFICMAP_* environment overrides on top of the defaults. A missing
// config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("trafficmap")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TRAFFICMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that are
// absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server_url", cfg.ServerURL)
	v.SetDefault("stream_path", cfg.StreamPath)
	v.SetDefault("max_records", cfg.MaxRecords)
	v.SetDefault("retry_delay_seconds", cfg.RetryDelaySeconds)
	v.SetDefault("reconnect_backoff", cfg.ReconnectBackoff)
	v.SetDefault("max_retry_delay_seconds", cfg.MaxRetryDelaySeconds)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("geoip_db", cfg.GeoIPDB)
	v.SetDefault("clear_on_shutdown", cfg.ClearOnShutdown)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
}

// RetryDelay is the fixed reconnect delay, or the first delay of the
// exponential policy.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c *Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelaySeconds) * time.Second
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "TrafficMap")
	case "darwin":
		return "/Library/Application Support/TrafficMap"
	default:
		return "/etc/trafficmap"
	}
}
