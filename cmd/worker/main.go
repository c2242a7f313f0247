package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// The worker repairs partial dual writes: it consumes committed session ids
// from the queue and inserts any individual marks the API failed to write.
func main() {
	cfg := config.Load()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Fatal("worker requires a shared queue backend, set QUEUE_BACKEND=redis")
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	repo := attendance.NewRepository(db.Client)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("schema init failed: %v", err)
	}

	// The worker never calls the recognizer or publishes further jobs.
	svc := attendance.NewService(repo, nil, nil, cfg.Location())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down worker...")
		cancel()
	}()

	jobs, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume failed: %v", err)
	}

	log.Println("Worker started, waiting for sessions")
	for job := range jobs {
		if job.Type != "session" || job.SessionID == "" {
			log.Printf("skipping unknown job %+v", job)
			continue
		}
		n, err := svc.ReconcileSession(ctx, job.SessionID)
		if err != nil {
			log.Printf("reconcile of session %s failed: %v", job.SessionID, err)
			continue
		}
		if n > 0 {
			log.Printf("session %s: backfilled %d marks", job.SessionID, n)
		}
	}

	log.Println("Worker exited")
}
