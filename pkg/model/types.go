package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Supported virtual machine families.
const (
	VMEVM    = "evm"
	VMSolana = "solana"
)

// Chain is immutable reference data for one supported network.
type Chain struct {
	Name           string `json:"name"`    // e.g., "ethereum", "polygon", "solana"
	VMType         string `json:"vm_type"` // "evm" or "solana"
	NativeSymbol   string `json:"native_symbol"`
	NativeDecimals int    `json:"native_decimals"`
}

// NativeAsset returns the chain's gas/native asset.
func (c Chain) NativeAsset() Asset {
	return Asset{
		Chain:    c.Name,
		Symbol:   c.NativeSymbol,
		Decimals: c.NativeDecimals,
	}
}

// Asset identifies a token on one chain. Contract is empty for the native
// asset. TokenID is set for NFTs (ERC-721/1155 ids, Solana mint editions).
type Asset struct {
	Chain    string `json:"chain"`
	Contract string `json:"contract,omitempty"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	TokenID  string `json:"token_id,omitempty"`
}

// IsNative reports whether the asset is the chain's native asset.
func (a Asset) IsNative() bool { return a.Contract == "" }

// IsNFT reports whether the asset is a non-fungible token instance.
func (a Asset) IsNFT() bool { return a.TokenID != "" }

// Key returns the canonical identity string, unique per (chain,
// contract-or-native, token id). Used as the lot-book and price-cache key.
func (a Asset) Key() string {
	contract := a.Contract
	if contract == "" {
		contract = "native"
	}
	key := a.Chain + ":" + strings.ToLower(contract)
	if a.TokenID != "" {
		key += ":" + a.TokenID
	}
	return key
}

// Direction of a transfer relative to the tracked wallet.
type Direction int

const (
	DirIn Direction = iota
	DirOut
	DirSelf // both legs belong to wallets owned by the same user
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirSelf:
		return "self"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// Treatment is the lot effect assigned to a transfer by classification.
type Treatment int

const (
	TreatNone Treatment = iota // no lot effect (self-transfers, unknown, bridges)
	TreatAcquire
	TreatDispose
)

func (t Treatment) String() string {
	switch t {
	case TreatAcquire:
		return "acquire"
	case TreatDispose:
		return "dispose"
	}
	return "none"
}

// Transfer is an atomic movement of one asset inside a transaction. Quantity
// is always positive; Direction carries the sign. UnitPrice is the fiat price
// per whole unit at the transaction timestamp, set exactly once by price
// enrichment (Priced reports whether it resolved).
type Transfer struct {
	Index       int             `json:"index"` // position within the source record, tie-break order
	Asset       Asset           `json:"asset"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Direction   Direction       `json:"direction"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	PriceSource string          `json:"price_source,omitempty"`
	Priced      bool            `json:"priced"`
	Treatment   Treatment       `json:"treatment"`
	Synthetic   bool            `json:"synthetic,omitempty"` // true for fee transfers added by the engine
}

// Transaction is one chain event with its ordered transfers. Hash together
// with Index (intra-block position) orders transactions that share a
// timestamp. Op is set exactly once by the classifier and frozen.
type Transaction struct {
	Chain        string          `json:"chain"`
	Hash         string          `json:"hash"`
	Index        int             `json:"index"`
	Timestamp    time.Time       `json:"timestamp"`
	Wallet       string          `json:"wallet"` // tracked wallet this view is relative to
	FeeAsset     Asset           `json:"fee_asset"`
	FeeAmount    decimal.Decimal `json:"fee_amount"`
	FeePayer     string          `json:"fee_payer,omitempty"`
	Transfers    []Transfer      `json:"transfers"`
	Op           OpType          `json:"op"`
	Counterparty string          `json:"counterparty,omitempty"` // single labeled counterparty, if resolved
}

// ID returns a stable identifier used for checkpoints and idempotent re-runs.
func (t *Transaction) ID() string {
	return fmt.Sprintf("%s:%s:%d", t.Chain, t.Hash, t.Index)
}

// Incoming returns the transfers moving value into the wallet.
func (t *Transaction) Incoming() []*Transfer { return t.byDirection(DirIn) }

// Outgoing returns the transfers moving value out of the wallet.
func (t *Transaction) Outgoing() []*Transfer { return t.byDirection(DirOut) }

func (t *Transaction) byDirection(d Direction) []*Transfer {
	var out []*Transfer
	for i := range t.Transfers {
		if t.Transfers[i].Direction == d {
			out = append(out, &t.Transfers[i])
		}
	}
	return out
}

// Lot is a discrete acquired quantity with a fixed per-unit cost basis.
// Remaining shrinks as disposals consume it; the lot closes at zero.
type Lot struct {
	ID         string          `json:"id"`
	Wallet     string          `json:"wallet"`
	AssetKey   string          `json:"asset_key"`
	AcquiredAt time.Time       `json:"acquired_at"`
	TxHash     string          `json:"tx_hash"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Quantity   decimal.Decimal `json:"quantity"` // as acquired
	Remaining  decimal.Decimal `json:"remaining"`
}

// HoldingTerm is the tax treatment category of a disposal.
type HoldingTerm string

const (
	TermShort HoldingTerm = "short"
	TermLong  HoldingTerm = "long"
)

// LongTermHolding is the minimum acquisition-to-disposal delta for long-term
// treatment.
const LongTermHolding = 365 * 24 * time.Hour

// TaxEvent records the consumption of (part of) one lot by a disposal.
// Gain is always Proceeds - CostBasis, never estimated.
type TaxEvent struct {
	ID            string          `json:"id"`
	Wallet        string          `json:"wallet"`
	AssetKey      string          `json:"asset_key"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	Proceeds      decimal.Decimal `json:"proceeds"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	Gain          decimal.Decimal `json:"gain"`
	AcquiredAt    time.Time       `json:"acquired_at"`
	DisposedAt    time.Time       `json:"disposed_at"`
	Term          HoldingTerm     `json:"term"`
	LotID         string          `json:"lot_id"`
	AcquireTxHash string          `json:"acquire_tx_hash"`
	DisposeTxHash string          `json:"dispose_tx_hash"`
}
