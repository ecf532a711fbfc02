package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"bitbucket.org/mmdatafocus/property_backend/config"
	"bitbucket.org/mmdatafocus/property_backend/models"
	"bitbucket.org/mmdatafocus/property_backend/trust"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := config.ConnectDatabase(cfg)
	if err != nil {
		logger.WithError(err).Fatal("connecting to database")
	}
	if err := models.MigrateTables(db); err != nil {
		logger.WithError(err).Fatal("migrating tables")
	}

	rdb, locker, err := config.ConnectRedis(ctx, cfg)
	if err != nil {
		// Redis only backs the snapshot cache and cross-instance job
		// guards; the ledger itself does not depend on it.
		logger.WithError(err).Warn("redis unavailable, continuing without cache and job locks")
	}

	engine := trust.NewEngine(trust.Options{
		DB:          db,
		Logger:      logger,
		Redis:       rdb,
		Locker:      locker,
		TxSupported: cfg.TxSupported,
	})

	pubsubClient, err := config.NewPubSubClient(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("connecting to pubsub")
	}
	defer pubsubClient.Close()

	topic, err := config.CreateTopicIfNotExists(ctx, pubsubClient, cfg.PaymentTopic)
	if err != nil {
		logger.WithError(err).Fatal("ensuring payment topic")
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, pubsubClient, cfg.PaymentSubscription, topic)
	if err != nil {
		logger.WithError(err).Fatal("ensuring payment subscription")
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := engine.RunPaymentListener(ctx, sub); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("payment listener stopped")
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		engine.RunRetrySweeper(ctx, cfg.RetrySweepInterval)
	}()
	go func() {
		defer wg.Done()
		engine.RunReconciliationScheduler(ctx, cfg.ReconcileInterval)
	}()

	logger.Info("trust ledger service started")
	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")
	wg.Wait()

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.WithError(err).Warn("closing redis client")
		}
	}
	logger.Info("trust ledger service stopped")
	os.Exit(0)
}
