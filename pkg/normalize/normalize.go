// Package normalize converts chain-specific raw records into the canonical
// transaction shape: base-unit integer amounts become decimal quantities,
// directions are resolved relative to the tracked wallet, and malformed
// records are rejected without aborting the batch.
package normalize

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/pkg/adapters"
	"github.com/chainledger/chainledger/pkg/model"
)

// Normalizer converts raw records for one chain. own lists every wallet the
// user controls so both legs of an internal move are recognized.
type Normalizer struct {
	chain model.Chain
	own   map[string]bool
}

// New builds a normalizer for one chain.
func New(chain model.Chain, ownWallets []string) *Normalizer {
	n := &Normalizer{chain: chain, own: make(map[string]bool, len(ownWallets))}
	for _, w := range ownWallets {
		n.own[n.canon(w)] = true
	}
	return n
}

// Result carries the usable transactions plus the records that violated the
// canonical shape. Skipped records are logged and reported, never silently
// dropped or silently ledgered.
type Result struct {
	Transactions []*model.Transaction
	Skipped      []SkippedRecord
}

// SkippedRecord pairs a rejected raw record with the reason.
type SkippedRecord struct {
	Hash   string
	Reason string
}

// Normalize converts a fetched batch for wallet, preserving input order.
// Individual malformed records are skipped; the batch never fails wholesale.
func (n *Normalizer) Normalize(wallet string, raws []adapters.RawTransaction) Result {
	var res Result
	for i := range raws {
		tx, err := n.one(wallet, &raws[i])
		if err != nil {
			log.Printf("[Normalizer] skipping record %s: %v", raws[i].Hash, err)
			res.Skipped = append(res.Skipped, SkippedRecord{Hash: raws[i].Hash, Reason: err.Error()})
			continue
		}
		res.Transactions = append(res.Transactions, tx)
	}
	return res
}

func (n *Normalizer) one(wallet string, raw *adapters.RawTransaction) (*model.Transaction, error) {
	if raw.Hash == "" {
		return nil, fmt.Errorf("%w: missing transaction hash", model.ErrMalformedRecord)
	}
	if raw.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp on %s", model.ErrMalformedRecord, raw.Hash)
	}
	if raw.Chain != n.chain.Name {
		return nil, fmt.Errorf("%w: record for chain %q routed to %q normalizer", model.ErrMalformedRecord, raw.Chain, n.chain.Name)
	}

	fee, err := n.scale(raw.Fee, n.chain.NativeDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: fee %q on %s", model.ErrMalformedRecord, raw.Fee, raw.Hash)
	}

	tx := &model.Transaction{
		Chain:     n.chain.Name,
		Hash:      raw.Hash,
		Index:     raw.Index,
		Timestamp: raw.Timestamp.UTC().Truncate(time.Second),
		Wallet:    wallet,
		FeeAsset:  n.chain.NativeAsset(),
		FeeAmount: fee,
		FeePayer:  raw.FeePayer,
	}

	// A reverted transaction still burned its fee; its transfers never
	// settled and must not reach the ledger.
	if !raw.Success {
		return tx, nil
	}

	for i, rt := range raw.Transfers {
		tr, err := n.transfer(wallet, i, rt)
		if err != nil {
			return nil, err
		}
		if tr != nil {
			tx.Transfers = append(tx.Transfers, *tr)
		}
	}
	return tx, nil
}

func (n *Normalizer) transfer(wallet string, index int, rt adapters.RawTransfer) (*model.Transfer, error) {
	if rt.Decimals < 0 {
		return nil, fmt.Errorf("%w: unknown decimals for %s", model.ErrMalformedRecord, rt.Contract)
	}
	qty, err := n.scale(rt.Amount, rt.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", model.ErrMalformedRecord, rt.Amount)
	}
	if qty.IsZero() {
		return nil, nil
	}

	dir, err := n.direction(wallet, rt.From, rt.To)
	if err != nil {
		return nil, err
	}

	return &model.Transfer{
		Index: index,
		Asset: model.Asset{
			Chain:    n.chain.Name,
			Contract: rt.Contract,
			Symbol:   rt.Symbol,
			Decimals: rt.Decimals,
			TokenID:  rt.TokenID,
		},
		From:      rt.From,
		To:        rt.To,
		Direction: dir,
		Quantity:  qty,
	}, nil
}

// direction resolves the transfer legs against the owned-wallet set. A
// record that touches neither side of the tracked user is malformed: the
// adapter should not have emitted it.
func (n *Normalizer) direction(wallet, from, to string) (model.Direction, error) {
	fromOwn := n.own[n.canon(from)] || n.canon(from) == n.canon(wallet)
	toOwn := n.own[n.canon(to)] || n.canon(to) == n.canon(wallet)
	switch {
	case fromOwn && toOwn:
		return model.DirSelf, nil
	case fromOwn:
		return model.DirOut, nil
	case toOwn:
		return model.DirIn, nil
	}
	return 0, fmt.Errorf("%w: transfer %s->%s does not involve tracked wallets", model.ErrMalformedRecord, from, to)
}

// scale converts an integer base-unit string into a whole-unit decimal.
func (n *Normalizer) scale(amount string, decimals int) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, err
	}
	if v.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("negative amount %s", amount)
	}
	return v.Shift(int32(-decimals)), nil
}

// canon lowercases hex addresses; base58 addresses pass through unchanged.
func (n *Normalizer) canon(a string) string {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.ToLower(a)
	}
	return a
}
