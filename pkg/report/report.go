// Package report defines the outcome of a wallet processing run and
// publishes it for downstream aggregation. A run never ends in a silent
// approximation: everything that could not be ledgered automatically is
// listed for attention.
package report

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/pkg/model"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial" // finished with items needing attention
	StatusFailed   Status = "failed"
)

// Income records value received without a disposal: staking rewards and
// airdrops, valued at market price on receipt.
type Income struct {
	Wallet   string          `json:"wallet"`
	AssetKey string          `json:"asset_key"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	Value    decimal.Decimal `json:"value"`
	At       time.Time       `json:"at"`
	TxHash   string          `json:"tx_hash"`
	Kind     model.OpType    `json:"kind"`
}

// QuarantinedTransfer is a transfer withheld from lot accounting because no
// price could be resolved for it.
type QuarantinedTransfer struct {
	TxID     string          `json:"tx_id"`
	AssetKey string          `json:"asset_key"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	At       time.Time       `json:"at"`
	Reason   string          `json:"reason"`
}

// UnknownTransaction could not be classified and needs manual review.
type UnknownTransaction struct {
	TxID string    `json:"tx_id"`
	At   time.Time `json:"at"`
}

// NegativeBalance flags a disposal that exceeded the known open quantity,
// which means acquisition data is missing upstream.
type NegativeBalance struct {
	TxID     string          `json:"tx_id"`
	AssetKey string          `json:"asset_key"`
	Missing  decimal.Decimal `json:"missing"`
	At       time.Time       `json:"at"`
}

// SkippedRecord is a raw record that violated the canonical shape.
type SkippedRecord struct {
	Hash   string `json:"hash"`
	Reason string `json:"reason"`
}

// Result is the full outcome of one wallet run.
type Result struct {
	RunID      string    `json:"run_id"`
	Wallet     string    `json:"wallet"`
	Chain      string    `json:"chain"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Events           []model.TaxEvent      `json:"events"`
	Incomes          []Income              `json:"incomes,omitempty"`
	Quarantined      []QuarantinedTransfer `json:"quarantined,omitempty"`
	Unknown          []UnknownTransaction  `json:"unknown,omitempty"`
	NegativeBalances []NegativeBalance     `json:"negative_balances,omitempty"`
	Skipped          []SkippedRecord       `json:"skipped,omitempty"`
	Warnings         []string              `json:"warnings,omitempty"`
}

// NeedsAttention reports whether anything requires manual review.
func (r *Result) NeedsAttention() bool {
	return len(r.Quarantined) > 0 || len(r.Unknown) > 0 ||
		len(r.NegativeBalances) > 0 || len(r.Skipped) > 0 || len(r.Warnings) > 0
}

// Finalize sets the status from the collected findings unless the run
// already failed outright.
func (r *Result) Finalize(at time.Time) {
	r.FinishedAt = at
	if r.Status == StatusFailed {
		return
	}
	if r.NeedsAttention() {
		r.Status = StatusPartial
		return
	}
	r.Status = StatusComplete
}

// TotalGain sums realized gain across all events.
func (r *Result) TotalGain() decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.Events {
		total = total.Add(e.Gain)
	}
	return total
}
