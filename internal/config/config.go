package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DriverTarantool = "tarantool"
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverMemory    = "memory"
)

type Config struct {
	// Mattermost connection, MM_* in the environment.
	MMServer   string
	MMToken    string
	MMTeam     string
	MMUserName string

	StoreDriver string
	// Tarantool connection, TT_* in the environment.
	TTAddress   string
	TTUser      string
	TTPassword  string
	SQLitePath  string
	PostgresDSN string
	RedisURL    string

	DefaultTimeout time.Duration
	IOTimeout      time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	HTTPAddr string
	LogLevel string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MMTeam:         "PollingBot",
		MMUserName:     "PollingBot",
		StoreDriver:    DriverTarantool,
		TTAddress:      "127.0.0.1:3301",
		SQLitePath:     "reactpoll.db",
		DefaultTimeout: 60 * time.Second,
		IOTimeout:      10 * time.Second,
		KafkaTopic:     "reactpoll.poll-events",
		LogLevel:       "info",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.MMServer == "" {
		return fmt.Errorf("mattermost URL is not set")
	}
	if c.MMToken == "" {
		return fmt.Errorf("mattermost token is not set")
	}
	c.MMServer = strings.TrimSuffix(c.MMServer, "/")

	switch c.StoreDriver {
	case DriverTarantool:
		if c.TTUser == "" {
			return fmt.Errorf("tarantool user is not set")
		}
		if c.TTPassword == "" {
			return fmt.Errorf("tarantool password is not set")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path is not set")
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres dsn is not set")
		}
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis url is not set")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default poll timeout must be positive")
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("io timeout must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	return nil
}

// configSetter applies configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setList splits a comma separated value.
func (s *configSetter) setList(flag, value string, dst *[]string) {
	if value == "" || s.changed[flag] {
		return
	}
	var res []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			res = append(res, item)
		}
	}
	*dst = res
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setSeconds accepts a plain number of seconds or a duration string.
func (s *configSetter) setSeconds(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	return s.setDuration(flag, value, dst)
}
