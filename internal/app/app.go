package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/events"
	"sentinal-e2ee/internal/handler"
	sredis "sentinal-e2ee/internal/redis"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/server"
	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/signal"
	"sentinal-e2ee/pkg/database"
	"sentinal-e2ee/pkg/logger"
)

// App holds every long-lived component of one process.
type App struct {
	Config *config.Config
	Logger *logger.Logger

	Pool  *pgxpool.Pool
	Redis *goredis.Client

	Store  repository.Store
	Keys   *services.KeyService
	Crypto *services.CryptoService
	Auth   *services.AuthService

	Hub    *server.Hub
	Server *server.Server
	Worker *services.MaintenanceWorker
}

// New connects to Postgres and Redis and wires the services, relay and HTTP
// server. Callers must Close the result.
func New(ctx context.Context, cfg *config.Config, l *logger.Logger) (*App, error) {
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rdb := sredis.NewClient(sredis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := sredis.Ping(ctx, rdb); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	sealer, err := signal.NewSealer(cfg.Keys.SealingSecret)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to init key sealing: %w", err)
	}

	a := &App{Config: cfg, Logger: l, Pool: pool, Redis: rdb}

	store := repository.NewPostgresStore(pool)
	cached := repository.NewCachedStore(store.Sessions, store.SenderKeys, sredis.NewCacheStore(rdb), cfg.Cache.SessionTTL, l.Named("cache"))
	store.Sessions = cached
	store.SenderKeys = cached
	a.Store = store

	signal.SetLogger(l.Named("signal"))
	lib := signal.New()
	a.Keys = services.NewKeyService(store, lib, sealer, cfg.Keys, l.Named("keys"))
	a.Crypto = services.NewCryptoService(a.Keys, store.Identities, cached, cached, lib, cfg.Crypto, l.Named("crypto"))
	a.Auth = services.NewAuthService(cfg.JWTSecret, 0)

	var members services.MembershipChecker
	if cfg.Relay.Membership == "redis" {
		members = sredis.NewMembershipStore(rdb)
		a.Crypto.SetMembershipChecker(members)
	}

	var broker events.Broker
	switch cfg.Relay.Broker {
	case "redis":
		broker = sredis.NewBroker(rdb, l.Named("broker"))
	default:
		broker = events.NewLocalBroker()
	}

	presence := sredis.NewPresenceStore(rdb, 0)
	limiter := sredis.NewRateLimiter(rdb, sredis.RateLimitConfig{
		MessageLimit:  cfg.Relay.MessageLimit,
		MessageWindow: cfg.Relay.MessageWindow,
		UpgradeLimit:  cfg.Relay.UpgradeLimit,
		UpgradeWindow: cfg.Relay.UpgradeWindow,
	})

	a.Hub = server.NewHub(server.HubDeps{
		Broker:    broker,
		Messenger: a.Crypto,
		Envelopes: store.Envelopes,
		Presence:  presence,
		Limiter:   limiter,
		Members:   members,
		Logger:    l.Named("relay"),
	}, cfg.Relay)

	a.Server = server.New(cfg, l)
	a.Server.AddHealthCheck("postgres", func(ctx context.Context) error {
		return database.HealthCheck(ctx, pool)
	})
	a.Server.AddHealthCheck("redis", func(ctx context.Context) error {
		return sredis.Ping(ctx, rdb)
	})
	a.Server.SetupRoutes(&server.Handlers{
		Encryption: handler.NewEncryptionHandler(a.Keys, a.Crypto, store.Envelopes, members),
		Relay:      server.NewWebSocketHandler(a.Hub, a.Auth),
	}, a.Auth, limiter)

	a.Worker = services.NewMaintenanceWorker(a.Keys, presence, cfg.Keys.PurgeInterval, 2*cfg.Relay.IdleTimeout, l.Named("maintenance"))
	return a, nil
}

// Run serves until ctx is cancelled or one component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Hub.Run(ctx) })
	g.Go(func() error { return a.Worker.Run(ctx) })
	g.Go(func() error { return a.Server.Start(ctx) })

	err := g.Wait()
	a.Keys.Wait()
	if err != nil {
		a.Logger.Logger.Error("shutdown after failure", zap.Error(err))
	}
	return err
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
