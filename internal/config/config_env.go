package config

import "os"

// ApplyEnvConfig applies configuration from environment variables: MM_* for
// Mattermost, TT_* for tarantool and REACTPOLL_* for the rest.
// It respects flags that have been explicitly set (changed map).
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("server", os.Getenv("MM_SERVER"), &cfg.MMServer)
	s.setString("token", os.Getenv("MM_TOKEN"), &cfg.MMToken)
	s.setString("team", os.Getenv("MM_TEAM"), &cfg.MMTeam)
	s.setString("username", os.Getenv("MM_USERNAME"), &cfg.MMUserName)

	s.setString("store", os.Getenv("REACTPOLL_STORE"), &cfg.StoreDriver)
	s.setString("tt-address", os.Getenv("TT_ADDRESS"), &cfg.TTAddress)
	s.setString("tt-user", os.Getenv("TT_USER"), &cfg.TTUser)
	s.setString("tt-password", os.Getenv("TT_PASSWORD"), &cfg.TTPassword)
	s.setString("sqlite-path", os.Getenv("REACTPOLL_SQLITE_PATH"), &cfg.SQLitePath)
	s.setString("postgres-dsn", os.Getenv("REACTPOLL_POSTGRES_DSN"), &cfg.PostgresDSN)
	s.setString("redis-url", os.Getenv("REACTPOLL_REDIS_URL"), &cfg.RedisURL)

	if err := s.setSeconds("default-timeout", os.Getenv("REACTPOLL_DEFAULT_TIMEOUT"), &cfg.DefaultTimeout); err != nil {
		return err
	}
	if err := s.setDuration("io-timeout", os.Getenv("REACTPOLL_IO_TIMEOUT"), &cfg.IOTimeout); err != nil {
		return err
	}

	s.setList("kafka-brokers", os.Getenv("REACTPOLL_KAFKA_BROKERS"), &cfg.KafkaBrokers)
	s.setString("kafka-topic", os.Getenv("REACTPOLL_KAFKA_TOPIC"), &cfg.KafkaTopic)
	s.setString("http-addr", os.Getenv("REACTPOLL_HTTP_ADDR"), &cfg.HTTPAddr)
	s.setString("log-level", os.Getenv("REACTPOLL_LOG_LEVEL"), &cfg.LogLevel)

	return nil
}
