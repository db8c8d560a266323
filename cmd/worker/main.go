package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"mediatrans/internal/admission"
	"mediatrans/internal/config"
	"mediatrans/internal/db"
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

	users := store.NewUserStore(database)
	ledgerStore := store.NewLedgerStore(database)
	jobs := store.NewJobStore(database)
	fingerprints := store.NewFingerprintStore(database)
	txRunner := db.NewTxRunner(database)

	ledger := services.NewLedgerService(txRunner, database, ledgerStore, users, rdb, cfg.CreditExpiryMonths)
	quota := admission.NewDeviceQuota(database, fingerprints, cfg.AnonymousJobLimit)
	dispatcher := webhook.NewDispatcher(cfg.GatewayWebhookSecret, cfg.WebhookTimeout, cfg.WebhookMaxRetries)
	engine := processing.NewEngineClient(cfg.EngineURL)
	relay := websocket.NewRelay(rdb)

	// Workers publish updates into the relay; the API process fans them
	// out to attached websocket clients. No enqueuer is needed here.
	jobSvc := services.NewJobService(database, jobs, ledger, quota, objects, nil, engine, dispatcher, relay)

	consumer, err := queue.NewConsumer(cfg.MQNameServers, cfg.MQConsumerGrp, cfg.MQTopic, jobSvc.Process)
	if err != nil {
		log.Fatalf("failed to create task consumer: %v", err)
	}
	if err := consumer.Start(); err != nil {
		log.Fatalf("failed to start task consumer: %v", err)
	}
	log.Printf("mediatrans worker consuming %s", cfg.MQTopic)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	if err := consumer.Close(); err != nil {
		log.Printf("consumer shutdown error: %v", err)
	}
}
