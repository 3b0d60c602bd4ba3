package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/chainledger/chainledger/internal/app"
	"github.com/chainledger/chainledger/internal/config"
	"github.com/chainledger/chainledger/pkg/queue"
	"github.com/chainledger/chainledger/pkg/report"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load(getEnv("LEDGER_CONFIG", "config.yaml"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Received shutdown signal")
		cancel()
	}()

	log.Println("Starting ledger worker...")
	err = a.Queue.Consume(ctx, func(ctx context.Context, job queue.Job) error {
		return handleJob(ctx, a, job)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Worker error: %v", err)
	}
	log.Println("Worker stopped")
}

// handleJob runs one queued wallet. The claim is released on any terminal
// outcome so the wallet can be queued again; a returned error leaves the
// claim in place and nacks the message for redelivery.
func handleJob(ctx context.Context, a *app.App, job queue.Job) error {
	log.Printf("[Worker] processing %s on %s (run %s)", job.Wallet, job.Chain, job.RunID)

	r, err := a.Runner(job.Chain)
	if err != nil {
		// Unconfigured chain will not fix itself on redelivery.
		log.Printf("[Worker] dropping job %s: %v", job.RunID, err)
		releaseClaim(a, job)
		return nil
	}

	result, err := r.Process(ctx, job.Wallet)
	if err != nil {
		if result != nil && result.Status == report.StatusFailed {
			if herr := a.HandleResult(ctx, result); herr != nil {
				log.Printf("[Worker] failed to record failed run %s: %v", result.RunID, herr)
			}
		}
		return err
	}

	if err := a.HandleResult(ctx, result); err != nil {
		return err
	}
	releaseClaim(a, job)
	log.Printf("[Worker] finished %s on %s: %s, %d events",
		job.Wallet, job.Chain, result.Status, len(result.Events))
	return nil
}

func releaseClaim(a *app.App, job queue.Job) {
	if err := a.Queue.Release(job); err != nil {
		log.Printf("[Worker] failed to release claim for %s: %v", job.RunID, err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
