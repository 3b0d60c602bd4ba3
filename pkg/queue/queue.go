// Package queue mediates wallet processing jobs over NATS JetStream. A
// work-queue stream delivers each job to exactly one worker, a KV claim
// bucket guarantees a wallet is never enqueued twice concurrently, and a KV
// checkpoint bucket carries enough state to resume a partial run.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/chainledger/chainledger/pkg/adapters"
)

const (
	streamName     = "LEDGER_JOBS"
	subjectPrefix  = "jobs"
	claimsBucket   = "jobclaims"
	checkpointsKV  = "checkpoints"
	consumerName   = "ledger-workers"
	defaultFetchTO = 5 * time.Second
)

// ErrAlreadyQueued is returned when a wallet+chain job is enqueued while an
// identical job is still pending or running.
var ErrAlreadyQueued = errors.New("wallet already queued")

// Job is one wallet processing request.
type Job struct {
	RunID      string    `json:"run_id"`
	Wallet     string    `json:"wallet"`
	Chain      string    `json:"chain"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (j Job) key() string { return j.Chain + "." + j.Wallet }

// Checkpoint is the resumable state of one wallet run. A run may span
// several chains, so cursors and boundary transaction ids are keyed by
// chain name.
type Checkpoint struct {
	Cursors    map[string]adapters.Cursor `json:"cursors"`
	LastTxIDs  map[string]string          `json:"last_tx_ids"`
	Ledger     json.RawMessage            `json:"ledger"` // lot-book snapshot
	UpdatedAt  time.Time                  `json:"updated_at"`
	EventCount int                        `json:"event_count"`
}

// Queue is a JetStream-backed durable job queue.
type Queue struct {
	conn        *nats.Conn
	js          nats.JetStreamContext
	claims      nats.KeyValue
	checkpoints nats.KeyValue
}

// New connects to NATS and ensures the stream and KV buckets exist.
func New(url string) (*Queue, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err = js.StreamInfo(streamName); err != nil {
		log.Printf("[Queue] creating stream %s", streamName)
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subjectPrefix + ".>"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	claims, err := bindOrCreateKV(js, claimsBucket, "In-flight wallet job claims.")
	if err != nil {
		conn.Close()
		return nil, err
	}
	checkpoints, err := bindOrCreateKV(js, checkpointsKV, "Resumable per-wallet run checkpoints.")
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Queue{conn: conn, js: js, claims: claims, checkpoints: checkpoints}, nil
}

func bindOrCreateKV(js nats.JetStreamContext, bucket, description string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	log.Printf("[Queue] KV bucket %q not found, creating: %v", bucket, err)
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, Description: description})
	if err != nil {
		return nil, fmt.Errorf("failed to create KV bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// Enqueue claims the wallet and publishes the job. A second enqueue for the
// same wallet+chain fails with ErrAlreadyQueued until the first completes.
func (q *Queue) Enqueue(wallet, chain string) (Job, error) {
	job := Job{
		RunID:      uuid.NewString(),
		Wallet:     wallet,
		Chain:      chain,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	// Create fails if the key exists, which is the dedup guarantee.
	if _, err := q.claims.Create(job.key(), data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return Job{}, fmt.Errorf("%w: %s on %s", ErrAlreadyQueued, wallet, chain)
		}
		return Job{}, fmt.Errorf("failed to claim %s: %w", job.key(), err)
	}

	subject := fmt.Sprintf("%s.%s.%s", subjectPrefix, chain, wallet)
	if _, err := q.js.Publish(subject, data); err != nil {
		// Roll the claim back so the wallet is not wedged.
		if derr := q.claims.Delete(job.key()); derr != nil {
			log.Printf("[Queue] failed to roll back claim %s: %v", job.key(), derr)
		}
		return Job{}, fmt.Errorf("failed to publish job: %w", err)
	}
	log.Printf("[Queue] enqueued %s (run %s)", subject, job.RunID)
	return job, nil
}

// Release drops the claim for a finished or abandoned job.
func (q *Queue) Release(job Job) error {
	if err := q.claims.Delete(job.key()); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to release claim %s: %w", job.key(), err)
	}
	return nil
}

// Handler processes one job. A nil return acks the message; an error nacks
// it for redelivery.
type Handler func(ctx context.Context, job Job) error

// Consume pulls jobs until ctx is cancelled. Each worker process calls this
// once; JetStream balances jobs across the durable consumer group.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	sub, err := q.js.PullSubscribe(subjectPrefix+".>", consumerName, nats.BindStream(streamName))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	log.Printf("[Queue] consuming from %s as %s", streamName, consumerName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(defaultFetchTO))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[Queue] fetch failed: %v", err)
			continue
		}

		for _, msg := range msgs {
			var job Job
			if err := json.Unmarshal(msg.Data, &job); err != nil {
				log.Printf("[Queue] dropping undecodable job: %v", err)
				msg.Term()
				continue
			}
			if err := handler(ctx, job); err != nil {
				log.Printf("[Queue] job %s failed, requeueing: %v", job.RunID, err)
				msg.Nak()
				continue
			}
			msg.Ack()
		}
	}
}

// SaveCheckpoint persists the resumable state for one wallet+chain.
func (q *Queue) SaveCheckpoint(wallet, chain string, cp Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if _, err := q.checkpoints.Put(chain+"."+wallet, data); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", wallet, err)
	}
	return nil
}

// LoadCheckpoint returns the stored checkpoint, or ok=false for a fresh run.
func (q *Queue) LoadCheckpoint(wallet, chain string) (Checkpoint, bool, error) {
	entry, err := q.checkpoints.Get(chain + "." + wallet)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("failed to load checkpoint for %s: %w", wallet, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(entry.Value(), &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("corrupt checkpoint for %s: %w", wallet, err)
	}
	return cp, true, nil
}

// ClearCheckpoint removes the checkpoint after a fully completed run.
func (q *Queue) ClearCheckpoint(wallet, chain string) error {
	if err := q.checkpoints.Delete(chain + "." + wallet); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to clear checkpoint for %s: %w", wallet, err)
	}
	return nil
}

// Close drains the connection.
func (q *Queue) Close() {
	q.conn.Close()
}
