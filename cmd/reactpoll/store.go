package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarantool/go-tarantool/v2"
	_ "github.com/tarantool/go-tarantool/v2/datetime"
	_ "github.com/tarantool/go-tarantool/v2/decimal"
	_ "github.com/tarantool/go-tarantool/v2/uuid"

	"github.com/Xausdorf/reactpoll/internal/config"
	"github.com/Xausdorf/reactpoll/internal/repository/memory"
	"github.com/Xausdorf/reactpoll/internal/repository/postgres"
	"github.com/Xausdorf/reactpoll/internal/repository/redisstore"
	"github.com/Xausdorf/reactpoll/internal/repository/sqlite"
	"github.com/Xausdorf/reactpoll/internal/repository/ttadapter"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

const (
	ttReconnectSeconds = 3
	ttMaxReconnects    = 5
)

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (usecase.PollStore, func() error, error) {
	log = log.With().Str("store", cfg.StoreDriver).Logger()

	switch cfg.StoreDriver {
	case config.DriverTarantool:
		conn, err := connectTarantool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connection to tarantool refused: %w", err)
		}
		store := ttadapter.NewStore(conn)
		if err = store.EnsureSchema(ctx); err != nil {
			conn.Close()
			return nil, nil, err
		}
		log.Info().Str("address", cfg.TTAddress).Msg("connected to tarantool")
		return store, conn.Close, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite database opened")
		return store, store.Close, nil

	case config.DriverPostgres:
		store, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("connected to postgres")
		return store, store.Close, nil

	case config.DriverRedis:
		store, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("connected to redis")
		return store, store.Close, nil

	case config.DriverMemory:
		log.Warn().Msg("polls are kept in memory and will not survive a restart")
		return memory.NewStore(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func connectTarantool(ctx context.Context, cfg config.Config) (*tarantool.Connection, error) {
	dialer := tarantool.NetDialer{
		Address:  cfg.TTAddress,
		User:     cfg.TTUser,
		Password: cfg.TTPassword,
	}
	opts := tarantool.Opts{
		Timeout:       time.Second,
		Reconnect:     ttReconnectSeconds * time.Second,
		MaxReconnects: ttMaxReconnects,
	}

	return tarantool.Connect(ctx, dialer, opts)
}
