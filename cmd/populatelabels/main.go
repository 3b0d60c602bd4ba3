// Loads a curated address-label dump into DuckDB so the classifier can
// resolve counterparties. The input is a JSON array of label objects:
//
//	[{"chain":"ethereum","address":"0x...","name":"Uniswap V3","category":"dex"}]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/chainledger/chainledger/internal/storage"
	"github.com/chainledger/chainledger/pkg/labels"
)

func main() {
	file := flag.String("file", "labels.json", "path to the JSON label dump")
	dbPath := flag.String("db", getEnv("DUCKDB_PATH", "chainledger.db"), "DuckDB database path")
	flag.Parse()

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *file, err)
	}

	var ls []labels.Label
	if err := json.Unmarshal(data, &ls); err != nil {
		log.Fatalf("Failed to parse %s: %v", *file, err)
	}

	valid := ls[:0]
	for _, l := range ls {
		if err := labels.Validate(l); err != nil {
			log.Printf("Skipping invalid label %s/%s: %v", l.Chain, l.Address, err)
			continue
		}
		valid = append(valid, l)
	}
	if len(valid) == 0 {
		log.Fatal("No valid labels to load")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	store, err := storage.New(*dbPath, logger)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *dbPath, err)
	}
	defer store.Close()

	if err := store.BulkLoadLabels(context.Background(), valid); err != nil {
		log.Fatalf("Failed to load labels: %v", err)
	}
	log.Printf("Loaded %d labels from %s into %s", len(valid), *file, *dbPath)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
