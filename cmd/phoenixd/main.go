// Package main runs the phoenix transaction engine: a custodial wallet,
// transfer, scheduling and referral service fronted by a chat-style command
// API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/ekmloo/phoenix/internal/app"
	"github.com/ekmloo/phoenix/internal/app/httpapi"
	"github.com/ekmloo/phoenix/internal/app/notify"
	"github.com/ekmloo/phoenix/internal/app/services/conversation"
	"github.com/ekmloo/phoenix/internal/app/services/feepolicy"
	"github.com/ekmloo/phoenix/internal/app/services/transfer"
	"github.com/ekmloo/phoenix/internal/app/storage/postgres"
	"github.com/ekmloo/phoenix/internal/chain"
	"github.com/ekmloo/phoenix/internal/config"
	"github.com/ekmloo/phoenix/internal/database"
	"github.com/ekmloo/phoenix/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logger.NewDefault("phoenixd")
		fallback.WithError(err).Fatal("load configuration")
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}).WithField("component", "phoenixd")

	masterKey, err := config.DecodeKey(cfg.Vault.MasterKey)
	if err != nil {
		log.WithError(err).Fatal("decode master key")
	}
	var operatorSeed []byte
	if cfg.Vault.OperatorSeed != "" {
		operatorSeed, err = config.DecodeKey(cfg.Vault.OperatorSeed)
		if err != nil {
			log.WithError(err).Fatal("decode operator seed")
		}
	}

	stores := app.Stores{}
	if cfg.Database.DSN != "" {
		db, err := database.Open(database.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.WithError(err).Fatal("open database")
		}
		defer db.Close()
		if err := database.Migrate(db, cfg.Database.MigrationsPath); err != nil {
			log.WithError(err).Fatal("run migrations")
		}
		pg := postgres.New(db)
		stores = app.Stores{
			Accounts:    pg,
			Intents:     pg,
			Receipts:    pg,
			Followups:   pg,
			Jobs:        pg,
			Commissions: pg,
		}
		log.Info("using postgres storage")
	} else {
		log.Warn("no database DSN configured; using in-memory storage")
	}

	var dialogs conversation.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		dialogs = conversation.NewRedisStore(client)
		log.WithField("addr", cfg.Redis.Addr).Info("using redis dialog store")
	}

	var chainClient chain.Client
	if cfg.Chain.RPCURL == "mock" {
		log.Warn("chain RPC set to mock; transfers settle against an in-process ledger")
		chainClient = chain.NewMock()
	} else {
		chainClient, err = chain.NewRPCClient(chain.Config{
			RPCURL:          cfg.Chain.RPCURL,
			Timeout:         cfg.Chain.Timeout,
			SubmitPerSecond: cfg.Chain.SubmitPerSecond,
		})
		if err != nil {
			log.WithError(err).Fatal("chain RPC client")
		}
	}

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, log)
	}

	application, err := app.New(stores, app.Options{
		MasterKey:    masterKey,
		OperatorSeed: operatorSeed,
		Chain:        chainClient,
		Notifier:     notifier,
		Dialogs:      dialogs,
		Fees: feepolicy.Config{
			ImmediateBps:      cfg.Fees.ImmediateBps,
			ScheduledBps:      cfg.Fees.ScheduledBps,
			ReferralSharePct:  cfg.Fees.ReferralSharePct,
			NetworkFeeBuffer:  cfg.Fees.NetworkFeeBuffer,
			BumpActivationFee: cfg.Fees.BumpActivationFee,
			BumpTradeAmount:   cfg.Fees.BumpTradeAmount,
		},
		Pipeline: transfer.PipelineConfig{
			ConfirmTimeout: cfg.Scheduler.ConfirmTimeout,
		},
		SchedulerPoll: cfg.Scheduler.PollInterval,
		RetryInterval: cfg.Scheduler.RetryInterval,
		MaxRetries:    cfg.Scheduler.MaxRetries,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("initialise application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start services")
	}

	handler := httpapi.NewHandler(application.Dispatcher, application.Stores.Accounts, application.Transfers, application.Metrics, log)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("service shutdown")
	}
	log.Info("stopped")
}
