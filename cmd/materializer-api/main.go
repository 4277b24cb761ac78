package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

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
	if err := blobs.EnsureBucket(context.Background()); err != nil {
		logger.Log.WithError(err).Fatal("failed to ensure blob bucket")
	}

	upstreamClient := upstream.NewOAuthClient(cfg.UpstreamBaseURL, cfg.UpstreamTokenURL, cfg.UpstreamClientID, cfg.UpstreamClientSecret)

	producer := broker.NewProducer(cfg.BrokerAddrs, cfg.BrokerTopic)
	defer producer.Close()

	production := cfg.Environment == "production"
	redisClient := database.GetRedis()

	scheduler := materialize.NewScheduler(repo, upstreamClient, producer, production)
	projection := materialize.NewProjection(repo, blobs, redisClient, cfg.PresignedURLTTL, cfg.ProcessCacheTTL)
	dispatcher := webhook.NewDispatcher(httpclient.New(cfg.WebhookRequestTimeout), cfg.WebhookMaxAttempts, cfg.WebhookRetryBaseDelay)

	handler := materialize.NewHandler(scheduler, projection, dispatcher, production)

	rateLimiter := materialize.NewRateLimiter(redisClient, cfg.RateLimitRPS, cfg.RateLimitBurst)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(materialize.Logging, materialize.Recovery, materialize.CORS, materialize.BodyLimit(cfg.MaxRequestBody), rateLimiter.Middleware)
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("materializer API started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down materializer API...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("materializer API stopped")
}
