package config

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Mattermost struct {
		Server   string `toml:"server"`
		Token    string `toml:"token"`
		Team     string `toml:"team"`
		UserName string `toml:"username"`
	} `toml:"mattermost"`

	Store struct {
		Driver string `toml:"driver"`

		Tarantool struct {
			Address  string `toml:"address"`
			User     string `toml:"user"`
			Password string `toml:"password"`
		} `toml:"tarantool"`
		SQLitePath  string `toml:"sqlite_path"`
		PostgresDSN string `toml:"postgres_dsn"`
		RedisURL    string `toml:"redis_url"`
	} `toml:"store"`

	Poll struct {
		DefaultTimeout string `toml:"default_timeout"`
		IOTimeout      string `toml:"io_timeout"`
	} `toml:"poll"`

	Kafka struct {
		Brokers []string `toml:"brokers"`
		Topic   string   `toml:"topic"`
	} `toml:"kafka"`

	HTTP struct {
		Addr string `toml:"addr"`
	} `toml:"http"`

	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.reactpoll/config.toml if the home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".reactpoll", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("server", fc.Mattermost.Server, &cfg.MMServer)
	s.setString("token", fc.Mattermost.Token, &cfg.MMToken)
	s.setString("team", fc.Mattermost.Team, &cfg.MMTeam)
	s.setString("username", fc.Mattermost.UserName, &cfg.MMUserName)

	s.setString("store", fc.Store.Driver, &cfg.StoreDriver)
	s.setString("tt-address", fc.Store.Tarantool.Address, &cfg.TTAddress)
	s.setString("tt-user", fc.Store.Tarantool.User, &cfg.TTUser)
	s.setString("tt-password", fc.Store.Tarantool.Password, &cfg.TTPassword)
	s.setString("sqlite-path", fc.Store.SQLitePath, &cfg.SQLitePath)
	s.setString("postgres-dsn", fc.Store.PostgresDSN, &cfg.PostgresDSN)
	s.setString("redis-url", fc.Store.RedisURL, &cfg.RedisURL)

	if err := s.setSeconds("default-timeout", fc.Poll.DefaultTimeout, &cfg.DefaultTimeout); err != nil {
		return err
	}
	if err := s.setDuration("io-timeout", fc.Poll.IOTimeout, &cfg.IOTimeout); err != nil {
		return err
	}

	if len(fc.Kafka.Brokers) > 0 && !changed["kafka-brokers"] {
		cfg.KafkaBrokers = fc.Kafka.Brokers
	}
	s.setString("kafka-topic", fc.Kafka.Topic, &cfg.KafkaTopic)
	s.setString("http-addr", fc.HTTP.Addr, &cfg.HTTPAddr)
	s.setString("log-level", fc.Log.Level, &cfg.LogLevel)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
