// Command execored is the composition root: it wires OrderRepository,
// SymbolValidator, PriceCache, OrderQueueManager, OrderFillMonitor,
// CancelQueueWorker, FailedOrderManager and WebhookDispatcher into one
// running process, in the teacher's cmd/polybot/main.go startup idiom
// (zerolog console writer, godotenv, config.Load, signal-driven shutdown).
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/orderpilot/execore/internal/adapter"
	"github.com/orderpilot/execore/internal/adapter/mock"
	"github.com/orderpilot/execore/internal/adapter/restws"
	"github.com/orderpilot/execore/internal/config"
	"github.com/orderpilot/execore/internal/fillmonitor"
	"github.com/orderpilot/execore/internal/notify"
	"github.com/orderpilot/execore/internal/position"
	"github.com/orderpilot/execore/internal/pricecache"
	"github.com/orderpilot/execore/internal/queue"
	"github.com/orderpilot/execore/internal/repository"
	"github.com/orderpilot/execore/internal/retry"
	"github.com/orderpilot/execore/internal/symbols"
	"github.com/orderpilot/execore/internal/webhook"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Info().Str("version", version).Str("env", cfg.Env).Msg("starting execored")

	db, err := openDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.AutoMigrate(repository.AllModels()...); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	repo := repository.New(db, cfg.DBDriver == "postgres")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reap(ctx, repo, cfg)

	exchanges := buildExchanges(cfg)

	validator := symbols.NewValidator()

	priceFetcher := pricecache.NewHTTPFetcher(nil, os.Getenv("FX_USDT_KRW_URL"))
	priceCache := pricecache.New(cfg.PriceCacheTTL, priceFetcher)

	limits := config.NewBucketLimits(cfg)
	manager := queue.NewManager(repo, validator, exchanges, limits)

	reconciler := position.New(repo)

	sink := buildNotifySink(cfg)

	supervisor := fillmonitor.NewSupervisor(repo, exchanges.All(), reconciler, manager, sink)
	manager.SetMappingRegistrar(supervisor)

	var accounts []repository.Account
	if err := db.Find(&accounts).Error; err != nil {
		log.Fatal().Err(err).Msg("failed to load accounts")
	}

	var wg sync.WaitGroup
	for _, a := range accounts {
		acct := fillmonitor.Account{ID: a.ID, Exchange: a.ExchangeName}
		wg.Add(1)
		go func() {
			defer wg.Done()
			supervisor.Run(ctx, acct)
		}()
	}

	cancelWorker := retry.NewCancelQueueWorker(repo, exchanges, cfg.CancelQueueInterval)
	go cancelWorker.Run(ctx)

	failedOrderMgr := retry.NewFailedOrderManager(repo, exchanges, cfg.FailedOrderInterval)
	go failedOrderMgr.Run(ctx)

	go runReapLoop(ctx, repo, cfg)

	webhookServer := webhook.NewServer(cfg.WebhookAddr, repo, manager, cfg.MaxWebhookLocks).WithSizing(priceCache, repo, priceCache)
	go func() {
		if err := webhookServer.Start(); err != nil {
			log.Error().Err(err).Msg("webhook server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webhookServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("webhook server shutdown error")
	}

	wg.Wait()
	log.Info().Msg("goodbye")
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{}
	switch cfg.DBDriver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DBDSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.DBDSN), gormCfg)
	}
}

// buildExchanges registers every adapter.Exchange this process can reach.
// The mock simulator is always present so the composition root runs
// end-to-end without external credentials; a single restws-backed live
// venue is added on top when LIVE_EXCHANGE_NAME is set. Registering more
// than one live venue is a matter of repeating this block per venue — out
// of scope here since nothing in this repo's test fixtures exercises two
// live venues at once.
func buildExchanges(cfg *config.Config) *adapter.Registry {
	limiters := adapter.NewRateLimiterRegistry(adapter.DefaultRateLimitConfig())
	for exchange, reqPerSec := range cfg.ExchangeRateLimits {
		limiters.Configure(exchange, reqPerSec)
	}

	mockExchange := mock.New("mockex")
	mockExchange.SetRateLimiter(limiters)

	registry := adapter.NewRegistry()
	registry.Register(mockExchange)

	if cfg.LiveExchangeName != "" {
		authStyle := restws.AuthHMACRealtime
		if cfg.LiveExchangeAuthStyle == "listen_key" {
			authStyle = restws.AuthListenKey
		}
		liveExchange := restws.New(restws.Config{
			Name:      cfg.LiveExchangeName,
			RESTBase:  cfg.LiveExchangeRESTBase,
			WSBase:    cfg.LiveExchangeWSBase,
			APIKey:    cfg.LiveExchangeAPIKey,
			APISecret: cfg.LiveExchangeAPISecret,
			AuthStyle: authStyle,
		})
		liveExchange.SetRateLimiter(limiters)
		registry.Register(liveExchange)
		log.Info().Str("exchange", cfg.LiveExchangeName).Msg("registered live exchange adapter")
	}

	return registry
}

func buildNotifySink(cfg *config.Config) notify.Sink {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		return notify.NoopSink{}
	}
	sink, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Error().Err(err).Msg("failed to init telegram sink, falling back to log-only notifications")
		return notify.NoopSink{}
	}
	return sink
}

// reap runs the crash-recovery sweep once at startup (spec.md §7): clear
// stale is_processing flags left by a process that died mid-confirmation.
func reap(ctx context.Context, repo *repository.Repository, cfg *config.Config) {
	err := repo.DB().Transaction(func(tx *gorm.DB) error {
		n, err := repo.ReapStaleProcessing(tx, cfg.ReapStaleThreshold)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Warn().Int64("count", n).Msg("reaped stale processing locks at startup")
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("startup reap failed")
	}
}

func runReapLoop(ctx context.Context, repo *repository.Repository, cfg *config.Config) {
	ticker := time.NewTicker(cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reap(ctx, repo, cfg)
		}
	}
}
