package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pdpj/materializer/pkg/blobstore"
	"github.com/pdpj/materializer/pkg/broker"
	"github.com/pdpj/materializer/pkg/common/config"
	"github.com/pdpj/materializer/pkg/common/database"
	"github.com/pdpj/materializer/pkg/common/httpclient"
	"github.com/pdpj/materializer/pkg/common/logger"
	"github.com/pdpj/materializer/pkg/materialize"
	"github.com/pdpj/materializer/pkg/upstream"
	"github.com/pdpj/materializer/pkg/webhook"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	repo := materialize.NewRepository(db)
	if err := repo.Migrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate materialize tables")
	}

	blobs, err := blobstore.NewMinioStore(cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseSSL)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to construct blob store")
	}

	upstreamClient := upstream.NewOAuthClient(cfg.UpstreamBaseURL, cfg.UpstreamTokenURL, cfg.UpstreamClientID, cfg.UpstreamClientSecret)
	dispatcher := webhook.NewDispatcher(httpclient.New(cfg.WebhookRequestTimeout), cfg.WebhookMaxAttempts, cfg.WebhookRetryBaseDelay)

	worker := materialize.NewWorker(repo, upstreamClient, blobs, dispatcher, cfg.WorkerBatchSize, cfg.DocumentRetryAttempts, cfg.DocumentRetryBaseDelay, cfg.PresignedURLTTL)

	consumer := broker.NewConsumer(cfg.BrokerAddrs, cfg.BrokerTopic, cfg.BrokerGroupID)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Log.Info("shutting down materializer worker...")
		cancel()
	}()

	logger.Log.WithFields(map[string]interface{}{
		"topic":    cfg.BrokerTopic,
		"group_id": cfg.BrokerGroupID,
	}).Info("materializer worker started")

	if err := consumer.Run(ctx, func(ctx context.Context, ticket broker.Ticket) error {
		return worker.ProcessJob(ctx, ticket.JobID)
	}); err != nil {
		logger.Log.WithError(err).Fatal("consumer loop exited with error")
	}

	logger.Log.Info("materializer worker stopped")
}
