package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/Xausdorf/reactpoll/internal/config"
	"github.com/Xausdorf/reactpoll/internal/eventbus"
	"github.com/Xausdorf/reactpoll/internal/events"
	"github.com/Xausdorf/reactpoll/internal/gateway/bot"
	"github.com/Xausdorf/reactpoll/internal/gateway/httpapi"
	"github.com/Xausdorf/reactpoll/internal/logging"
	"github.com/Xausdorf/reactpoll/internal/metrics"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

const longHelp = `Mattermost bot running timed polls that are voted on with emoji reactions.

Start a poll with /poll create "question" "option 1" "option 2" in any channel the bot
is a member of. Running polls are persisted and resumed after a restart.`

var exampleUsage = strings.TrimSpace(`
  reactpoll --server https://chat.example.com --token <bot-token> --tt-user bot --tt-password secret
  reactpoll --store sqlite --sqlite-path /var/lib/reactpoll/polls.db --http-addr :8080
  reactpoll --config $HOME/.reactpoll/config.toml
`)

// reloadSource is the config file watched for hot settings. An empty path disables reloading.
type reloadSource struct {
	path    string
	base    config.Config
	changed map[string]bool
}

// publisher is a lifecycle event sink that must be flushed on exit.
type publisher interface {
	usecase.Notifier
	Close() error
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := config.DefaultConfig()
	var cfgPath string

	log, _ := logging.New(cfg.LogLevel)

	root := &cobra.Command{
		Use:     "reactpoll",
		Short:   "Mattermost bot running reaction polls",
		Long:    longHelp,
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = config.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			// the watcher re-applies file and env on top of the flags and defaults
			base := cfg
			watch := cfgFile != "" && config.FileExists(cfgFile)
			if watch {
				fc, err := config.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err = config.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}
			if err := config.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.SetLevel(cfg.LogLevel); err != nil {
				return fmt.Errorf("log level: %w", err)
			}

			logCfg := cfg
			logCfg.MMToken = "*****"
			logCfg.TTPassword = "*****"
			logCfg.PostgresDSN = ""
			logCfg.RedisURL = ""
			log.Info().Interface("config", logCfg).Msg("configuration")

			reload := reloadSource{base: base, changed: changed}
			if watch {
				reload.path = cfgFile
			}
			return run(cmd.Context(), cfg, reload, log)
		},
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.reactpoll/config.toml)")
	f.StringVar(&cfg.MMServer, "server", cfg.MMServer, "mattermost server URL")
	f.StringVar(&cfg.MMToken, "token", cfg.MMToken, "bot access token")
	f.StringVar(&cfg.MMTeam, "team", cfg.MMTeam, "team the bot works in")
	f.StringVar(&cfg.MMUserName, "username", cfg.MMUserName, "bot user name")

	f.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "poll store: tarantool, sqlite, postgres, redis or memory")
	f.StringVar(&cfg.TTAddress, "tt-address", cfg.TTAddress, "tarantool address")
	f.StringVar(&cfg.TTUser, "tt-user", cfg.TTUser, "tarantool user")
	f.StringVar(&cfg.TTPassword, "tt-password", cfg.TTPassword, "tarantool password")
	f.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite database file")
	f.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "postgres connection string")
	f.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL, redis://host:6379/0")

	f.DurationVar(&cfg.DefaultTimeout, "default-timeout", cfg.DefaultTimeout, "duration of polls created without a timeout")
	f.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "timeout of chat and store calls made when a poll closes")

	f.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "kafka brokers for poll events (disabled when empty)")
	f.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "kafka topic for poll events")
	f.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "listen address of the inspection API (disabled when empty)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("reactpoll")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, reload reloadSource, log zerolog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error().Err(err).Msg("could not close store")
		}
	}()

	pollMetrics := metrics.New(prometheus.DefaultRegisterer)
	bus := eventbus.New()

	pollingBot, err := bot.NewPollingBot(bot.Config{
		Server:      cfg.MMServer,
		Token:       cfg.MMToken,
		Team:        cfg.MMTeam,
		UserName:    cfg.MMUserName,
		HTTPTimeout: cfg.IOTimeout,
	}, bus, log)
	if err != nil {
		return err
	}
	pollingBot.SetDefaultTimeout(cfg.DefaultTimeout)
	defer pollingBot.Close()

	var pub publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Error().Err(err).Msg("could not flush poll events")
		}
	}()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := httpapi.NewHub(log)
	go hub.Run(hubCtx)

	registry := usecase.NewRegistry(pollMetrics.InstrumentStore(store), pollingBot, bus, pollingBot,
		usecase.WithLogger(log),
		usecase.WithMetrics(pollMetrics),
		usecase.WithNotifiers(pub, hub),
		usecase.WithIOTimeout(cfg.IOTimeout),
	)
	// runs before the deferred closes above
	defer registry.Shutdown()

	if err = registry.Bootstrap(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- pollingBot.Listen(ctx, registry)
	}()
	if cfg.HTTPAddr != "" {
		server := httpapi.NewServer(registry, hub, prometheus.DefaultGatherer, log)
		go func() {
			errCh <- server.ListenAndServe(ctx, cfg.HTTPAddr)
		}()
	}
	if reload.path != "" {
		watcher := config.NewWatcher(reload.path, reload.base, reload.changed, func(hs config.HotSettings) {
			if err := logging.SetLevel(hs.LogLevel); err != nil {
				log.Warn().Err(err).Str("level", hs.LogLevel).Msg("ignoring invalid log level")
			}
			pollingBot.SetDefaultTimeout(hs.DefaultTimeout)
		}, log)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("received signal, stopping...")
		return nil
	case err = <-errCh:
		return err
	}
}
