package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"exec_gateway/internal/alert"
	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	"exec_gateway/internal/credentials"
	"exec_gateway/internal/exchange"
	"exec_gateway/internal/infrastructure/health"
	"exec_gateway/internal/infrastructure/metrics"
	"exec_gateway/internal/server"
	"exec_gateway/pkg/concurrency"
	"exec_gateway/pkg/logging"
	"exec_gateway/pkg/telemetry"
)

var configFile = flag.String("config", "", "Path to optional YAML configuration file")

func main() {
	flag.Parse()

	// Best-effort .env load for local development
	_ = godotenv.Load()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	bootLogger, _ := logging.NewZapLogger("INFO")

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", "error", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		bootLogger.Fatal("Failed to initialize logger", "error", err)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting execution gateway",
		"port", cfg.Service.Port,
		"exchanges", len(cfg.Exchanges))

	tel, err := telemetry.Setup("exec_gateway")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}
	if err := telemetry.InitMetrics(); err != nil {
		logger.Fatal("Failed to initialize metrics", "error", err)
	}

	// One adapter per configured venue; a bad entry is fatal.
	adapters := make(map[string]core.Exchange, len(cfg.Exchanges))
	for i := range cfg.Exchanges {
		ex, err := exchange.New(&cfg.Exchanges[i], logger)
		if err != nil {
			logger.Fatal("Failed to initialize exchange adapter",
				"exchange", cfg.Exchanges[i].ID, "error", err)
		}
		adapters[ex.ID()] = ex
		logger.Info("Initialized exchange adapter", "exchange", ex.ID())
	}

	sweepConnectivity(adapters, logger)

	store, err := credentials.OpenStore(cfg.Database.DSN(), cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("Failed to open credential store", "error", err)
	}
	defer store.Close()
	credCache := credentials.NewCache(store, credentials.DefaultCacheTTL)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer rdb.Close()

	healthMgr := health.NewManager(logger)
	healthMgr.Register("redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	})
	healthMgr.Register("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.Ping(ctx)
	})

	metricsSrv := metrics.NewServer(cfg.Service.Port, healthMgr, logger)
	metricsSrv.Start()

	alerts := alert.NewManager(logger)
	if cfg.Alert.WebhookURL != "" {
		alerts.AddChannel(alert.NewWebhookChannel(cfg.Alert.WebhookURL))
	}

	execSrv := server.NewServer(rdb, adapters, credCache, cfg.Slicing, alerts, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return execSrv.Run(ctx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("Execution server stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}
	_ = logger.Sync()
	logger.Info("Execution gateway shut down")
}

// probeSymbols are the per-venue spellings of the BTC perpetual used by
// the startup connectivity sweep.
var probeSymbols = map[string]string{
	"binance": "BTCUSDT",
	"bybit":   "BTCUSDT",
	"okx":     "BTC-USDT-SWAP",
	"mexc":    "BTC_USDT",
	"bitget":  "BTCUSDT",
	"kucoin":  "XBTUSDTM",
	"gateio":  "BTC_USDT",
	"bingx":   "BTC-USDT",
	"coinex":  "BTCUSDT",
	"lbank":   "BTCUSDT",
	"htx":     "BTC-USDT",
}

// sweepConnectivity probes every venue's public ticker endpoint once at
// startup. Failures are advisory; a venue that is down at boot may well
// be up by the time a request arrives.
func sweepConnectivity(adapters map[string]core.Exchange, logger core.ILogger) {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "ConnectivitySweep",
		MaxWorkers:  len(adapters),
		MaxCapacity: len(adapters),
	}, logger)

	for _, ex := range adapters {
		ex := ex
		symbol, ok := probeSymbols[ex.ID()]
		if !ok {
			symbol = "BTCUSDT"
		}
		_ = pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, _, err := ex.GetBestPrice(ctx, symbol); err != nil {
				logger.Warn("Venue connectivity probe failed", "exchange", ex.ID(), "error", err)
			} else {
				logger.Info("Venue reachable", "exchange", ex.ID())
			}
		})
	}
	pool.StopAndWait()
}
