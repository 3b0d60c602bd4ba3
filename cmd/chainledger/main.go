package main

import (
	"context"
	"errors"
	"fmt"
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

const usage = `usage:
  chainledger process <address> <chain|all>   run the full pipeline for one wallet
  chainledger enqueue <address> <chain>       queue the wallet for a worker
  chainledger events  <address>               print stored tax events for a wallet

exit codes: 0 complete, 1 failed, 2 partial with warnings`

func main() {
	// Optional .env for local development
	godotenv.Load()

	if len(os.Args) < 3 {
		log.Fatal(usage)
	}

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

	switch os.Args[1] {
	case "process":
		requireArgs(4)
		runProcess(ctx, a, os.Args[2], os.Args[3])
	case "enqueue":
		requireArgs(4)
		runEnqueue(a, os.Args[2], os.Args[3])
	case "events":
		runEvents(ctx, a, os.Args[2])
	default:
		log.Fatal(usage)
	}
}

// exitCode maps a run status to the process exit code: partial runs finish
// but carry findings that need attention, so they are distinguishable from
// both clean and failed runs in scripts.
func exitCode(status report.Status) int {
	switch status {
	case report.StatusFailed:
		return 1
	case report.StatusPartial:
		return 2
	}
	return 0
}

func requireArgs(n int) {
	if len(os.Args) < n {
		log.Fatal(usage)
	}
}

func runProcess(ctx context.Context, a *app.App, wallet, chain string) {
	r, err := a.Runner(chain)
	if err != nil {
		log.Fatalf("Failed to build runner: %v", err)
	}

	result, err := r.Process(ctx, wallet)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	if err := a.HandleResult(ctx, result); err != nil {
		log.Fatalf("Failed to store result: %v", err)
	}

	log.Printf("Run %s finished: %s", result.RunID, result.Status)
	log.Printf("  events=%d incomes=%d quarantined=%d unknown=%d negative=%d skipped=%d",
		len(result.Events), len(result.Incomes), len(result.Quarantined),
		len(result.Unknown), len(result.NegativeBalances), len(result.Skipped))
	log.Printf("  total realized gain: %s", result.TotalGain())
	for _, w := range result.Warnings {
		log.Printf("  warning: %s", w)
	}
	if code := exitCode(result.Status); code != 0 {
		os.Exit(code)
	}
}

func runEnqueue(a *app.App, wallet, chain string) {
	if _, err := a.Config.FindChain(chain); err != nil {
		log.Fatalf("Cannot enqueue: %v", err)
	}
	job, err := a.Queue.Enqueue(wallet, chain)
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			log.Printf("Wallet %s on %s is already queued or running", wallet, chain)
			return
		}
		log.Fatalf("Failed to enqueue: %v", err)
	}
	log.Printf("Queued run %s for %s on %s", job.RunID, wallet, chain)
}

func runEvents(ctx context.Context, a *app.App, wallet string) {
	events, err := a.Store.TaxEventsForWallet(ctx, wallet)
	if err != nil {
		log.Fatalf("Failed to read events: %v", err)
	}
	for _, e := range events {
		fmt.Printf("%s\t%s\t%s %s\tproceeds=%s basis=%s gain=%s\t%s\n",
			e.DisposedAt.Format("2006-01-02 15:04:05"), e.AssetKey,
			e.Quantity, e.Symbol, e.Proceeds, e.CostBasis, e.Gain, e.Term)
	}
	log.Printf("%d events for %s", len(events), wallet)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
