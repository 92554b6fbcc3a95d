package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/synapse/internal/api"
	"github.com/matheus3301/synapse/internal/bus"
	"github.com/matheus3301/synapse/internal/cache"
	"github.com/matheus3301/synapse/internal/config"
	"github.com/matheus3301/synapse/internal/lock"
	"github.com/matheus3301/synapse/internal/logging"
	"github.com/matheus3301/synapse/internal/metrics"
	"github.com/matheus3301/synapse/internal/outbox"
	"github.com/matheus3301/synapse/internal/profile"
	"github.com/matheus3301/synapse/internal/remote"
	"github.com/matheus3301/synapse/internal/remote/memstore"
	"github.com/matheus3301/synapse/internal/remote/redisstore"
	"github.com/matheus3301/synapse/internal/store"
	intsync "github.com/matheus3301/synapse/internal/sync"
	"github.com/matheus3301/synapse/internal/unread"
	"github.com/matheus3301/synapse/internal/watermark"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Backend is a remote store that can also administer conversations.
type Backend interface {
	remote.Store
	remote.Admin
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideBackend,
			provideCache,
			provideListener,
			provideGuard,
			provideCoordinator,
			provideSender,
			provideCounter,
			provideConversationService,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.LoadProfile(profile.ConfigPath(p.ProfileName))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", profile.ConfigPath(p.ProfileName), err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("user_id", cfg.UserID)), nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock first so two daemons never share a cache.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CachePath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (Backend, error) {
	switch cfg.Remote.Backend {
	case config.BackendRedis:
		s, err := redisstore.Open(context.Background(), cfg.Remote.RedisURL, cfg.Remote.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return s.Close() }})
		logger.Info("remote store: redis", zap.String("prefix", cfg.Remote.Prefix))
		return s, nil
	default:
		logger.Info("remote store: in-memory")
		return memstore.NewServer().Client(), nil
	}
}

func provideCache(db *store.DB, b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(db, b, logger)
}

func provideListener(backend Backend, cfg *config.Config, logger *zap.Logger) *remote.Listener {
	return remote.NewListener(backend, logger, cfg.Sync.RetryInterval.Std())
}

func provideGuard(backend Backend, cfg *config.Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *watermark.Guard {
	return watermark.NewGuard(backend, cfg.UserID, cfg.Watermark.Quiescence.Std(), b, m, logger)
}

func provideCoordinator(cfg *config.Config, c *cache.Cache, l *remote.Listener, g *watermark.Guard, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *intsync.Coordinator {
	return intsync.New(intsync.Config{
		UserID:              cfg.UserID,
		MergeTimeout:        cfg.Sync.MergeTimeout.Std(),
		MaxConcurrentMerges: cfg.Sync.MaxConcurrentMerges,
		StallAfter:          cfg.Sync.StallAfter.Std(),
		RetryInterval:       cfg.Sync.RetryInterval.Std(),
	}, c, l, g, b, m, logger)
}

func provideSender(cfg *config.Config, c *cache.Cache, backend Backend, coord *intsync.Coordinator, g *watermark.Guard, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(cfg.UserID, c, backend, coord, g, b, m, logger)
}

func provideCounter(cfg *config.Config, db *store.DB) *unread.Counter {
	return unread.NewCounter(db, cfg.UserID, cfg.Unread.Ceiling)
}

func provideConversationService(cfg *config.Config, c *cache.Cache, coord *intsync.Coordinator, sender *outbox.Sender,
	counter *unread.Counter, backend Backend, b *bus.Bus, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(cfg.UserID, cfg.Sync.PageSize, cfg.Sync.LeaseTTL.Std(), c, coord, sender, counter, backend, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	metricsSrv *MetricsServer,
	lk *lock.Lock,
	db *store.DB,
	svc *api.ConversationService,
	coord *intsync.Coordinator,
	guard *watermark.Guard,
	sender *outbox.Sender,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Merge jobs start lazily when a UI calls StartSync.
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			metricsSrv.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			metricsSrv.Stop(ctx)
			svc.ReleaseAll()
			sender.Stop()
			coord.Shutdown()
			guard.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
