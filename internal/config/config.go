// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/echoDaveD/ehs-sentinel/internal/logging"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
)

// EnvPrefix prefixes every environment override (EHS_SESSION_ATTEMPTS etc.)
const EnvPrefix = "EHS"

//go:embed polling.yaml
var defaultPollingYAML []byte

// Config is the complete application configuration
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Session    SessionConfig    `mapstructure:"session"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	API        APIConfig        `mapstructure:"api"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Polling    PollingConfig    `mapstructure:"polling"`
}

// ConnectionConfig selects how the bus is reached. Exactly one of Address,
// Port or URL is used, in that order of preference.
type ConnectionConfig struct {
	Address      string        `mapstructure:"address"` // host:port of an RS-485 to TCP adapter
	Port         string        `mapstructure:"port"`    // serial device
	Baud         int           `mapstructure:"baud"`
	URL          string        `mapstructure:"url"` // ws:// or wss:// bridge
	Username     string        `mapstructure:"username"`
	NoSSLVerify  bool          `mapstructure:"no_ssl_verify"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// RepositoryConfig locates the protocol repository file
type RepositoryConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig mirrors session.Options
type SessionConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	Workers        int           `mapstructure:"workers"`
	BatchSize      int           `mapstructure:"batch_size"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	WriteReadDelay time.Duration `mapstructure:"write_read_delay"`
	Attempts       int           `mapstructure:"attempts"`
	AddressWait    time.Duration `mapstructure:"address_wait"`
}

// LoggingConfig mirrors logging.Options
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MQTTConfig enables the MQTT publisher when Broker is set
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         byte   `mapstructure:"qos"`
	Retain      bool   `mapstructure:"retain"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// APIConfig enables the HTTP API when Listen is set
type APIConfig struct {
	Listen   string `mapstructure:"listen"`
	MDNS     bool   `mapstructure:"mdns"`
	Instance string `mapstructure:"instance"`
}

// RedisConfig enables counter persistence when Address is set
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PollingConfig schedules periodic group reads
type PollingConfig struct {
	FetchInterval []Schedule          `mapstructure:"fetch_interval" yaml:"fetch_interval"`
	Groups        map[string][]string `mapstructure:"groups" yaml:"groups"`
}

// Schedule enables one polling group
type Schedule struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Enable   bool   `mapstructure:"enable" yaml:"enable"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// Interval parses the schedule as a Go duration ("30m")
func (s Schedule) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s.Schedule))
	if err != nil {
		return 0, fmt.Errorf("polling %s: invalid schedule %q: %w", s.Name, s.Schedule, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("polling %s: schedule must be positive", s.Name)
	}
	return d, nil
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	opts := session.DefaultOptions()
	polling, err := DefaultPolling()
	if err != nil {
		panic(err) // embedded file is part of the build
	}
	return &Config{
		Connection: ConnectionConfig{
			Baud:         9600,
			DialTimeout:  10 * time.Second,
			ReconnectMin: opts.ReconnectMin,
			ReconnectMax: opts.ReconnectMax,
		},
		Repository: RepositoryConfig{Path: "nasa_repository.yml"},
		Session: SessionConfig{
			QueueSize:      opts.QueueSize,
			Workers:        opts.Workers,
			BatchSize:      opts.BatchSize,
			SettleDelay:    opts.SettleDelay,
			ReadTimeout:    opts.ReadTimeout,
			WriteTimeout:   opts.WriteTimeout,
			WriteReadDelay: opts.WriteReadDelay,
			Attempts:       opts.Attempts,
			AddressWait:    opts.AddressWait,
		},
		Logging: LoggingConfig{Level: "info", MaxSizeMB: 20, MaxBackups: 5, MaxAgeDays: 14},
		MQTT:    MQTTConfig{TopicPrefix: "ehsSentinel", Retain: true},
		API:     APIConfig{Instance: "ehs-sentinel"},
		Redis:   RedisConfig{KeyPrefix: "ehs-sentinel"},
		Polling: polling,
	}
}

// DefaultPolling returns the built-in polling groups, all disabled
func DefaultPolling() (PollingConfig, error) {
	var p PollingConfig
	if err := yaml.Unmarshal(defaultPollingYAML, &p); err != nil {
		return PollingConfig{}, fmt.Errorf("parse default polling: %w", err)
	}
	return p, nil
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"addr":          "connection.address",
	"port":          "connection.port",
	"baud":          "connection.baud",
	"url":           "connection.url",
	"username":      "connection.username",
	"no-ssl-verify": "connection.no_ssl_verify",
	"repository":    "repository.path",
	"log-level":     "logging.level",
	"log-file":      "logging.file",
}

// Load reads path (optional), then EHS_ environment variables, then any
// changed flags in flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("connection.address", d.Connection.Address)
	v.SetDefault("connection.port", d.Connection.Port)
	v.SetDefault("connection.baud", d.Connection.Baud)
	v.SetDefault("connection.url", d.Connection.URL)
	v.SetDefault("connection.username", d.Connection.Username)
	v.SetDefault("connection.no_ssl_verify", d.Connection.NoSSLVerify)
	v.SetDefault("connection.dial_timeout", d.Connection.DialTimeout)
	v.SetDefault("connection.reconnect_min", d.Connection.ReconnectMin)
	v.SetDefault("connection.reconnect_max", d.Connection.ReconnectMax)

	v.SetDefault("repository.path", d.Repository.Path)

	v.SetDefault("session.queue_size", d.Session.QueueSize)
	v.SetDefault("session.workers", d.Session.Workers)
	v.SetDefault("session.batch_size", d.Session.BatchSize)
	v.SetDefault("session.settle_delay", d.Session.SettleDelay)
	v.SetDefault("session.read_timeout", d.Session.ReadTimeout)
	v.SetDefault("session.write_timeout", d.Session.WriteTimeout)
	v.SetDefault("session.write_read_delay", d.Session.WriteReadDelay)
	v.SetDefault("session.attempts", d.Session.Attempts)
	v.SetDefault("session.address_wait", d.Session.AddressWait)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.topic_prefix", d.MQTT.TopicPrefix)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.retain", d.MQTT.Retain)

	v.SetDefault("metrics.listen", d.Metrics.Listen)

	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.mdns", d.API.MDNS)
	v.SetDefault("api.instance", d.API.Instance)

	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("polling.fetch_interval", scheduleMaps(d.Polling.FetchInterval))
	v.SetDefault("polling.groups", d.Polling.Groups)
}

func scheduleMaps(in []Schedule) []map[string]any {
	out := make([]map[string]any, len(in))
	for i, s := range in {
		out[i] = map[string]any{"name": s.Name, "enable": s.Enable, "schedule": s.Schedule}
	}
	return out
}

// Validate rejects values the services cannot run with
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"session.read_timeout":     c.Session.ReadTimeout,
		"session.write_timeout":    c.Session.WriteTimeout,
		"session.address_wait":     c.Session.AddressWait,
		"connection.dial_timeout":  c.Connection.DialTimeout,
		"connection.reconnect_min": c.Connection.ReconnectMin,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Session.SettleDelay < 0 || c.Session.WriteReadDelay < 0 {
		errs = append(errs, errors.New("session delays must not be negative"))
	}
	if c.Connection.ReconnectMax < c.Connection.ReconnectMin {
		errs = append(errs, errors.New("connection.reconnect_max must be at least reconnect_min"))
	}
	if c.Session.BatchSize < 1 || c.Session.BatchSize > 255 {
		errs = append(errs, fmt.Errorf("session.batch_size must be 1..255, got %d", c.Session.BatchSize))
	}
	if c.Session.Attempts < 1 {
		errs = append(errs, errors.New("session.attempts must be at least 1"))
	}
	if c.Session.QueueSize < 1 || c.Session.Workers < 1 {
		errs = append(errs, errors.New("session.queue_size and session.workers must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	for _, s := range c.Polling.FetchInterval {
		if !s.Enable {
			continue
		}
		if _, err := s.Interval(); err != nil {
			errs = append(errs, err)
		}
		if _, ok := c.Polling.Groups[s.Name]; !ok {
			errs = append(errs, fmt.Errorf("polling %s: no such group", s.Name))
		}
	}

	return errors.Join(errs...)
}

// SessionOptions converts the session and reconnect settings
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		QueueSize:      c.Session.QueueSize,
		Workers:        c.Session.Workers,
		BatchSize:      c.Session.BatchSize,
		SettleDelay:    c.Session.SettleDelay,
		ReadTimeout:    c.Session.ReadTimeout,
		WriteTimeout:   c.Session.WriteTimeout,
		WriteReadDelay: c.Session.WriteReadDelay,
		Attempts:       c.Session.Attempts,
		AddressWait:    c.Session.AddressWait,
		ReconnectMin:   c.Connection.ReconnectMin,
		ReconnectMax:   c.Connection.ReconnectMax,
	}
}

// LoggingOptions converts the logging settings
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}
