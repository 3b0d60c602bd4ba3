// Operational tool for unwedging the job queue: clears wallet claims left
// behind by a crashed worker, and optionally the run checkpoints so the next
// run starts from scratch.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/nats-io/nats.go"
)

const (
	claimsKVName      = "jobclaims"
	checkpointsKVName = "checkpoints"
)

func main() {
	bucket := flag.String("bucket", claimsKVName, "KV bucket to clear: jobclaims or checkpoints")
	key := flag.String("key", "", "single key to delete (chain.wallet); empty clears every key")
	flag.Parse()

	if *bucket != claimsKVName && *bucket != checkpointsKVName {
		log.Fatalf("Unknown bucket %q, expected %q or %q", *bucket, claimsKVName, checkpointsKVName)
	}

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		log.Fatalf("Error connecting to NATS at %s: %v", natsURL, err)
	}
	defer nc.Close()
	log.Printf("Connected to NATS at %s", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		log.Fatalf("Error getting JetStream context: %v", err)
	}

	kv, err := js.KeyValue(*bucket)
	if err != nil {
		log.Fatalf("Error binding to KV store '%s': %v", *bucket, err)
	}

	if *key != "" {
		if err := kv.Delete(*key); err != nil {
			log.Fatalf("Error deleting key '%s': %v", *key, err)
		}
		log.Printf("Deleted key '%s' from '%s'", *key, *bucket)
		return
	}

	keys, err := kv.Keys()
	if err != nil && err != nats.ErrNoKeysFound {
		log.Fatalf("Error listing keys from KV store '%s': %v", *bucket, err)
	}
	if len(keys) == 0 {
		log.Printf("KV store '%s' is already empty.", *bucket)
		return
	}

	log.Printf("Found %d keys in KV store '%s'. Deleting them...", len(keys), *bucket)
	for _, k := range keys {
		if err := kv.Delete(k); err != nil {
			log.Printf("Error deleting key '%s': %v", k, err)
			continue
		}
		log.Printf("Deleted key '%s'", k)
	}
	log.Printf("Finished cleaning KV store '%s'.", *bucket)
}
