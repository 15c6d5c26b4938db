// Package main provides the amsd daemon - an account management and
// ledger service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mioyvo/amsd/internal/account"
	"github.com/mioyvo/amsd/internal/api"
	"github.com/mioyvo/amsd/internal/config"
	"github.com/mioyvo/amsd/internal/cryptobox"
	"github.com/mioyvo/amsd/internal/ledger/integrity"
	"github.com/mioyvo/amsd/internal/ledger/lock"
	"github.com/mioyvo/amsd/internal/ledger/shard"
	"github.com/mioyvo/amsd/internal/ledger/store"
	"github.com/mioyvo/amsd/internal/ledger/transfer"
	"github.com/mioyvo/amsd/internal/notify"
	"github.com/mioyvo/amsd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "config.yaml", "Config file path")
		listenAddr  = flag.String("listen", "", "HTTP listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("amsd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	cfg.EnvOverride()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", *configFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal("database ping failed", "error", err)
	}
	log.Info("database connected", "host", cfg.DB.Host, "name", cfg.DB.Name)

	router := shard.NewRouter(pool)
	if cfg.RecreateTables {
		log.Warn("RECREATE_TABLES is set; this is a dev-only setting")
	}
	if err := router.EnsureAccountTables(ctx); err != nil {
		log.Fatal("failed to prepare account shard tables", "error", err)
	}

	st := store.New(pool, router)

	redisOpts, err := redis.ParseURL(cfg.Redis)
	if err != nil {
		log.Fatal("failed to parse REDIS_URL", "error", err)
	}
	locks := lock.New(lock.Config{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB, Prefix: strings.TrimSuffix(cfg.BulkTxnLockName, "{from_addr}")})
	defer locks.Close()
	if err := locks.Ping(ctx); err != nil {
		log.Fatal("lock service ping failed", "error", err)
	}
	log.Info("lock service connected")

	box, err := cryptobox.LoadFromFiles(cfg.AccountSecretAESKeyFile, cfg.AccountSecretAESIVFile)
	if err != nil {
		log.Fatal("failed to load account secret key material", "error", err)
	}

	notifier := notify.New(pool, notify.NewLogSink(log.Component("notify")))
	if err := notifier.EnsureSchema(ctx); err != nil {
		log.Fatal("failed to prepare notification outbox", "error", err)
	}

	verifier := integrity.New(notifier)
	accounts := account.New(st, box, verifier)
	engine := transfer.New(st, locks, verifier, cfg.TxnExpiry(), cfg.FinanceAddr)

	server := api.New(accounts, engine, st, verifier)
	if err := server.Start(cfg.ListenAddr); err != nil {
		log.Fatal("failed to start api server", "error", err)
	}
	log.Info("amsd started", "listen", cfg.ListenAddr, "version", version)

	// Periodically retry any outbox notifications that failed delivery.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := notifier.DrainPending(ctx); err != nil {
					log.Warn("failed to drain pending notifications", "error", err)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("error stopping api server", "error", err)
	}

	log.Info("goodbye!")
}
