package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/robfig/cron/v3"

	"mediatrans/internal/admission"
	"mediatrans/internal/config"
	"mediatrans/internal/db"
	"mediatrans/internal/metrics"
	"mediatrans/internal/processing"
	"mediatrans/internal/services"
	"mediatrans/internal/storage"
	"mediatrans/internal/store"
	"mediatrans/internal/webhook"
	"mediatrans/internal/websocket"
)

const sweepBatch = 500

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
	jobSvc := services.NewJobService(database, jobs, ledger, quota, objects, nil, engine, dispatcher, relay)

	// Only one sweeper instance should run a given pass at a time even
	// when several replicas are deployed.
	locks := redsync.New(goredis.NewPool(rdb))
	m := metrics.Get()

	runSweep := func(name string, ttl time.Duration, fn func(ctx context.Context) (int64, error)) func() {
		return func() {
			mutex := locks.NewMutex("sweep:"+name, redsync.WithExpiry(ttl))
			if err := mutex.Lock(); err != nil {
				log.Printf("sweep %s skipped, lock held elsewhere: %v", name, err)
				return
			}
			defer func() {
				if ok, err := mutex.Unlock(); !ok || err != nil {
					log.Printf("sweep %s unlock failed: %v", name, err)
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), ttl)
			defer cancel()

			start := time.Now()
			n, err := fn(ctx)
			m.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if err != nil {
				log.Printf("sweep %s failed after %d rows: %v", name, n, err)
				return
			}
			if n > 0 {
				log.Printf("sweep %s touched %d rows", name, n)
			}
		}
	}

	scheduler := cron.New()

	mustSchedule(scheduler, "@every 10m", runSweep("expire_credits", 5*time.Minute, func(ctx context.Context) (int64, error) {
		n, err := ledger.ExpireDueCredits(ctx, time.Now().UTC(), sweepBatch)
		return int64(n), err
	}))

	mustSchedule(scheduler, "@every 5m", runSweep("fail_stuck_jobs", 4*time.Minute, func(ctx context.Context) (int64, error) {
		n, err := jobSvc.FailStuck(ctx, time.Now().UTC().Add(-cfg.StuckJobCutoff), sweepBatch)
		return int64(n), err
	}))

	mustSchedule(scheduler, "@every 15m", runSweep("refund_orphaned_usage", 5*time.Minute, func(ctx context.Context) (int64, error) {
		n, err := ledger.RefundOrphanedUsage(ctx, time.Now().UTC().Add(-cfg.OrphanGracePeriod), sweepBatch)
		return int64(n), err
	}))

	mustSchedule(scheduler, "@daily", runSweep("prune_jobs", 10*time.Minute, func(ctx context.Context) (int64, error) {
		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.JobRetentionDays)
		return jobs.DeleteTerminalBefore(ctx, database, cutoff)
	}))

	mustSchedule(scheduler, "@daily", runSweep("prune_fingerprints", 10*time.Minute, func(ctx context.Context) (int64, error) {
		cutoff := time.Now().UTC().Add(-cfg.FingerprintMaxAge)
		return fingerprints.DeleteIdleBefore(ctx, database, cutoff)
	}))

	scheduler.Start()
	log.Printf("mediatrans sweeper started")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	stopped := scheduler.Stop()
	select {
	case <-stopped.Done():
		log.Printf("sweeper stopped")
	case <-time.After(30 * time.Second):
		log.Printf("sweeper stopped with passes still running")
	}
}

func mustSchedule(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		log.Fatalf("failed to schedule %q: %v", spec, err)
	}
}
