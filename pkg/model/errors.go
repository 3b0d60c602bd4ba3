package model

import "errors"

// Sentinel errors shared across the engine. Callers match with errors.Is;
// none of these ever cause financial data to be fabricated (no invented
// prices, no invented lots).
var (
	// ErrMalformedRecord means adapter data violates the canonical shape
	// (missing hash, timestamp, or transfers). The record is skipped and
	// logged; the run continues.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrPriceUnavailable means no fiat price could be resolved within the
	// configured tolerance. The transfer is quarantined, never ledgered.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrAdapterUnavailable means a chain fetch failed after the retry
	// budget. The run completes with partial status.
	ErrAdapterUnavailable = errors.New("adapter unavailable")

	// ErrOutOfOrder means a transaction was presented to the lot ledger
	// earlier than one it already processed for the same wallet.
	ErrOutOfOrder = errors.New("transaction out of chronological order")
)
