// Package config loads consoletap settings from defaults, an optional
// consoletap.yaml and CONSOLETAP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeProxy   = "proxy"
	ModeSniffer = "sniffer"

	EnvPrefix = "CONSOLETAP"
	FileName  = "consoletap"
)

// Config is the full runtime configuration
type Config struct {
	Capture    CaptureConfig    `mapstructure:"capture"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Sniffer    SnifferConfig    `mapstructure:"sniffer"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Log        LogConfig        `mapstructure:"log"`
}

type CaptureConfig struct {
	Mode       string `mapstructure:"mode"`
	Profile    string `mapstructure:"profile"`
	Ports      string `mapstructure:"ports"`
	AutoDetect bool   `mapstructure:"auto_detect"`
}

type ProxyConfig struct {
	TargetHost  string        `mapstructure:"target_host"`
	ListenHost  string        `mapstructure:"listen_host"`
	PortOffset  int           `mapstructure:"port_offset"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type SnifferConfig struct {
	Interface     string        `mapstructure:"interface"`
	Snaplen       int           `mapstructure:"snaplen"`
	ProbeDuration time.Duration `mapstructure:"probe_duration"`
}

type TranscriptConfig struct {
	Dir      string `mapstructure:"dir"`
	Encoding string `mapstructure:"encoding"`
}

type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("capture.mode", ModeProxy)
	v.SetDefault("capture.profile", ProfileStandard)
	v.SetDefault("capture.ports", DefaultPorts)
	v.SetDefault("capture.auto_detect", true)

	v.SetDefault("proxy.target_host", "127.0.0.1")
	v.SetDefault("proxy.listen_host", "0.0.0.0")
	v.SetDefault("proxy.port_offset", 1000)
	v.SetDefault("proxy.dial_timeout", 5*time.Second)

	v.SetDefault("sniffer.interface", "Npcap Loopback Adapter")
	v.SetDefault("sniffer.snaplen", 65536)
	v.SetDefault("sniffer.probe_duration", 2*time.Second)

	v.SetDefault("transcript.dir", "data/logs")
	v.SetDefault("transcript.encoding", "")

	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (or consoletap.yaml from the working directory when path is
// empty) into v and returns the validated configuration. A missing default
// file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every key at its default
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	if _, _, err := c.Capture.ResolvePorts(); err != nil {
		return err
	}
	if c.Transcript.Dir == "" {
		return errors.New("transcript.dir must not be empty")
	}
	if c.Proxy.DialTimeout < 0 {
		return fmt.Errorf("proxy.dial_timeout must not be negative, got %s", c.Proxy.DialTimeout)
	}
	return nil
}
