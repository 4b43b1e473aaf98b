package main

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"kanban-api/api"
	"kanban-api/broadcast"
	"kanban-api/config"
	"kanban-api/domain"
	"kanban-api/storage"
)

// store is what the server needs from a storage backend.
type store interface {
	domain.CardStore
	domain.StageCatalogue
	SeedDefaultStages(ctx context.Context, accountID string) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx := context.Background()
	st, closeStore := openStore(cfg)
	defer closeStore()
	for _, account := range cfg.SeedAccounts {
		if err := st.SeedDefaultStages(ctx, account); err != nil {
			log.Fatalf("seed stages for %s: %v", account, err)
		}
	}

	var rc *redis.Client
	if opts := cfg.RedisOptions(); opts != nil {
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	var channel broadcast.Channel = broadcast.NewHub(0)
	if rc != nil {
		channel = broadcast.NewRedis(rc, 0, logger)
	}
	var publisher broadcast.Publisher = channel
	if cfg.EventQueue != "" {
		q, err := azqueue.NewQueueClientFromConnectionString(cfg.StorageConnectionString, cfg.EventQueue, nil)
		if err != nil {
			log.Fatalf("event queue: %v", err)
		}
		publisher = broadcast.Fanout{channel, broadcast.NewQueueSink(q)}
	}

	cache := storage.NewCache(domain.NewBoardReader(st, st, cfg.CardsPerStage), rc, cfg.CacheTTL)
	engine := domain.NewEngine(st, st, publisher, logger,
		domain.WithInvalidator(cache),
		domain.WithMaxAttempts(cfg.MaxMoveAttempts),
	)

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.Decompress())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))

	api.Register(e, api.Options{
		Engine:    engine,
		Boards:    cache,
		Stream:    channel,
		Auth:      newAuth(cfg),
		Deduper:   deduper,
		Logger:    logger,
		Heartbeat: cfg.StreamHeartbeat,
	})

	e.Logger.Fatal(e.Start(cfg.ListenAddr()))
}

func openStore(cfg config.Config) (store, func()) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		return db, func() { _ = db.Close() }
	default:
		tables, err := storage.NewTables(cfg.StorageConnectionString, cfg.CardsTable, cfg.StagesTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return tables, func() {}
	}
}

func newAuth(cfg config.Config) *api.Auth {
	authCfg := api.AuthConfig{AccountClaim: cfg.AccountClaim}
	if cfg.AuthTestMode {
		authCfg.TestSecret = []byte(cfg.TestJWTSecret)
		return api.NewAuth(nil, authCfg)
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	authCfg.Audience = cfg.Auth0Audience
	authCfg.Issuer = cfg.Issuer()
	return api.NewAuth(jwks, authCfg)
}
