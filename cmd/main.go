package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/purgectl/internal/config"
	"github.com/l0p7/purgectl/internal/health"
	"github.com/l0p7/purgectl/internal/logging"
	"github.com/l0p7/purgectl/internal/metrics"
	"github.com/l0p7/purgectl/internal/purge"
	"github.com/l0p7/purgectl/internal/secrets"
	"github.com/l0p7/purgectl/internal/server"
	"github.com/l0p7/purgectl/internal/settings"
	"github.com/l0p7/purgectl/internal/templates"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchPurgers(ctx context.Context, cfg config.Config, onChange func(config.PurgerBundle), onError func(error)) (purgersWatcher, error)
}

type purgersWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) WatchPurgers(ctx context.Context, cfg config.Config, onChange func(config.PurgerBundle), onError func(error)) (purgersWatcher, error) {
	return l.Loader.WatchPurgers(ctx, cfg, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return loaderAdapter{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(listen, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "PURGECTL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	for _, skip := range cfg.SkippedDefinitions {
		logger.Warn("purger definition skipped",
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources),
		)
	}

	repo := buildSettingsRepository(logger.With(slog.String("agent", "settings_factory")), cfg.Server.Settings)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Error("settings repository shutdown failed", slog.Any("error", err))
		}
	}()

	store, err := buildSecretStore(cfg.Server.Secrets)
	if err != nil {
		return fmt.Errorf("configure secrets: %w", err)
	}

	seeder := &purgerSeeder{repo: repo, logger: logger}
	if err := seeder.apply(ctx, cfg.Purgers); err != nil {
		logger.Error("purger settings sync failed", slog.Any("error", err))
	}

	if cfg.Server.Purgers.PurgersFile != "" || cfg.Server.Purgers.PurgersFolder != "" {
		watcher, err := loader.WatchPurgers(ctx, cfg, func(bundle config.PurgerBundle) {
			if err := seeder.apply(ctx, bundle.Purgers); err != nil {
				logger.Error("purger settings sync failed", slog.Any("error", err))
			}
		}, func(err error) {
			logger.Error("purgers watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("purgers watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	clients := purge.NewClientPool()

	registry, err := purge.NewRegistry(purge.Dependencies{
		Settings: repo,
		Secrets:  store,
		Tokens:   templates.NewRenderer(cfg.Server.Templates.AllowEnv, cfg.Server.Templates.AllowedEnv),
		Clients:  clients.Client,
		Metrics:  recorder,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build purgers: %w", err)
	}
	sensor, err := health.NewSensor(health.Config{
		Settings: repo,
		Secrets:  store,
		Clients:  clients.Client,
		Metrics:  recorder,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build health sensor: %w", err)
	}

	srv, err := newHTTPServer(cfg.Server.Listen, logger, server.NewHandler(registry, sensor, recorder.Handler(), logger))
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated unexpectedly: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

// purgerSeeder mirrors config-defined purgers into the settings repository.
type purgerSeeder struct {
	repo   settings.Repository
	logger *slog.Logger

	mu    sync.Mutex
	owned []string
}

func (s *purgerSeeder) apply(ctx context.Context, desired map[string]settings.PurgerSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned, err := settings.Sync(ctx, s.repo, s.owned, desired)
	s.owned = owned
	s.logger.Info("purger settings synced", slog.Int("purgers", len(owned)))
	return err
}

func buildSettingsRepository(logger *slog.Logger, cfg config.SettingsConfig) settings.Repository {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "memory":
		logger.Info("using memory settings repository")
		return settings.NewMemory()
	case "redis":
		repo, err := settings.NewRedis(settings.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: settings.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis settings repository initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory settings repository")
			return settings.NewMemory()
		}
		logger.Info("using redis settings repository", slog.String("address", cfg.Redis.Address))
		return repo
	case "leveldb":
		repo, err := settings.NewLevelDB(cfg.LevelDB.Path)
		if err != nil {
			logger.Error("leveldb settings repository initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory settings repository")
			return settings.NewMemory()
		}
		logger.Info("using leveldb settings repository", slog.String("path", cfg.LevelDB.Path))
		return repo
	default:
		logger.Warn("unsupported settings backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return settings.NewMemory()
	}
}

func buildSecretStore(cfg config.SecretsConfig) (secrets.Store, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "env":
		return secrets.NewEnvStore(cfg.EnvPrefix), nil
	case "file":
		store, err := secrets.NewFileStore(cfg.Root)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported secrets backend %q", cfg.Backend)
	}
}
