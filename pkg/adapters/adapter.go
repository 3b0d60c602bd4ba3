// Package adapters fetches per-wallet transaction history from chain RPC
// endpoints and emits chain-neutral raw records. Adapters do no accounting:
// amounts stay in integer base units and semantics are left to the
// normalizer and classifier downstream.
package adapters

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chainledger/chainledger/pkg/model"
)

// RawTransfer is one asset movement as reported by the chain, before
// decimal scaling. Amount is an unsigned integer in base units, rendered as
// a decimal string so it survives JSON without precision loss.
type RawTransfer struct {
	Contract string `json:"contract,omitempty"` // empty for the native asset
	Symbol   string `json:"symbol,omitempty"`
	Decimals int    `json:"decimals"`
	TokenID  string `json:"token_id,omitempty"`
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
}

// RawTransaction is one confirmed chain event touching the tracked address.
type RawTransaction struct {
	Chain     string        `json:"chain"`
	Hash      string        `json:"hash"`
	Block     uint64        `json:"block"`
	Index     int           `json:"index"` // intra-block position
	Timestamp time.Time     `json:"timestamp"`
	Fee       string        `json:"fee"` // native base units
	FeePayer  string        `json:"fee_payer"`
	Success   bool          `json:"success"`
	Transfers []RawTransfer `json:"transfers"`
}

// Cursor marks fetch progress for resumable runs. EVM chains advance Block;
// Solana advances Signature (its history API pages by signature, not slot).
type Cursor struct {
	Block     uint64 `json:"block,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Zero reports whether the cursor marks the start of history.
func (c Cursor) Zero() bool { return c.Block == 0 && c.Signature == "" }

// Adapter fetches the confirmed transaction history of one address, oldest
// first, strictly after the given cursor. Implementations wrap transient RPC
// failures with model.ErrAdapterUnavailable so callers can retry the run.
type Adapter interface {
	Chain() model.Chain
	FetchTransactions(ctx context.Context, address string, since Cursor) ([]RawTransaction, Cursor, error)
}

// RetryConfig bounds the backoff applied around individual RPC calls.
type RetryConfig struct {
	MaxRetries uint64
	Initial    time.Duration
}

// DefaultRetry matches typical public RPC rate limiting.
var DefaultRetry = RetryConfig{MaxRetries: 4, Initial: 500 * time.Millisecond}

// withRetry runs op under exponential backoff, honoring ctx cancellation.
func withRetry(ctx context.Context, cfg RetryConfig, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := op(); err != nil {
			if attempt <= int(cfg.MaxRetries) {
				log.Printf("[Adapter] %s failed (attempt %d): %v", what, attempt, err)
			}
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrAdapterUnavailable, what, err)
	}
	return nil
}
