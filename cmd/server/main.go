package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"mediatrans/internal/admission"
	"mediatrans/internal/auth"
	"mediatrans/internal/config"
	"mediatrans/internal/db"
	"mediatrans/internal/gateway"
	"mediatrans/internal/handlers"
	"mediatrans/internal/processing"
	"mediatrans/internal/queue"
	"mediatrans/internal/services"
	"mediatrans/internal/storage"
	"mediatrans/internal/store"
	"mediatrans/internal/webhook"
	"mediatrans/internal/websocket"
)

func main() {
	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer database.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	objects, err := storage.NewDirStore(cfg.StorageDir, "/files")
	if err != nil {
		log.Fatalf("failed to prepare storage: %v", err)
	}

	producer, err := queue.NewProducer(cfg.MQNameServers, cfg.MQProducerGrp, cfg.MQTopic)
	if err != nil {
		log.Fatalf("failed to start task producer: %v", err)
	}
	defer producer.Close()

	users := store.NewUserStore(database)
	ledgerStore := store.NewLedgerStore(database)
	jobs := store.NewJobStore(database)
	fingerprints := store.NewFingerprintStore(database)
	txRunner := db.NewTxRunner(database)

	hub := websocket.NewHub()
	relay := websocket.NewRelay(rdb)

	ledger := services.NewLedgerService(txRunner, database, ledgerStore, users, rdb, cfg.CreditExpiryMonths)
	quota := admission.NewDeviceQuota(database, fingerprints, cfg.AnonymousJobLimit)
	dispatcher := webhook.NewDispatcher(cfg.GatewayWebhookSecret, cfg.WebhookTimeout, cfg.WebhookMaxRetries)
	engine := processing.NewEngineClient(cfg.EngineURL)
	jobSvc := services.NewJobService(database, jobs, ledger, quota, objects, producer, engine, dispatcher, relay)
	payments := services.NewPaymentService(txRunner, ledger, ledgerStore, gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey), cfg.GatewayWebhookSecret)
	verifier := auth.NewGoogleVerifier(cfg.GoogleClientID)
	limiter := admission.NewSlidingWindowLimiter(rdb, time.Minute)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	go relay.Run(relayCtx, hub)

	handler := handlers.New(cfg, txRunner, database, users, ledger, jobSvc, payments, verifier, quota, objects, hub)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(limiter, users),
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("mediatrans API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}
