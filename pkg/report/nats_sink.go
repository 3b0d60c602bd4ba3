package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	resultStream  = "LEDGER_RESULTS"
	resultSubject = "ledger.results.>"
)

// NATSSink publishes run results to JetStream for the report aggregator.
type NATSSink struct {
	conn      *nats.Conn
	js        nats.JetStreamContext
	connected bool
}

// NewNATSSink connects and ensures the results stream exists.
func NewNATSSink(url string) (*NATSSink, error) {
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

	if _, err = js.StreamInfo(resultStream); err != nil {
		log.Printf("[ResultSink] creating stream %s", resultStream)
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      resultStream,
			Subjects:  []string{resultSubject},
			Retention: nats.InterestPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    30 * 24 * time.Hour,
			Replicas:  1,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	return &NATSSink{conn: conn, js: js, connected: true}, nil
}

// Publish sends one run result to ledger.results.<chain>.<wallet>.
func (s *NATSSink) Publish(ctx context.Context, result *Result) error {
	if !s.connected {
		return fmt.Errorf("sink connection is closed")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	subject := fmt.Sprintf("ledger.results.%s.%s", result.Chain, result.Wallet)
	if _, err := s.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	log.Printf("[ResultSink] published %s (%d events, status %s)", subject, len(result.Events), result.Status)
	return nil
}

// Close closes the connection.
func (s *NATSSink) Close() {
	if s.connected {
		s.conn.Close()
		s.connected = false
	}
}
