// Package classify assigns a semantic operation type to each normalized
// transaction. The decision procedure is an explicit ordered rule table over
// transfer-shape predicates and counterparty labels; the first matching rule
// wins and anything unmatched falls through to unknown for manual review.
package classify

import (
	"strings"

	"github.com/chainledger/chainledger/pkg/labels"
	"github.com/chainledger/chainledger/pkg/model"
)

// Classifier evaluates the rule table against one transaction at a time.
// It is stateless between calls; cross-transaction bridge correlation is the
// Correlator's job.
type Classifier struct {
	labels labels.Labeler
	own    map[string]bool // user-owned wallet addresses, normalized
	rules  []rule
}

type rule struct {
	name  string
	op    model.OpType
	match func(*txView) bool
}

// txView is the precomputed shape of one transaction the predicates read.
type txView struct {
	tx           *model.Transaction
	ins          []*model.Transfer
	outs         []*model.Transfer
	selfOnly     bool
	inAssets     map[string]bool
	outAssets    map[string]bool
	hasNFT       bool
	counterparty string
	label        labels.Label
	labeled      bool
	walletPays   bool // the tracked wallet paid the fee
}

// New builds a classifier. own lists every wallet address the user controls,
// so movements between them are recognized as self-transfers.
func New(l labels.Labeler, own []string) *Classifier {
	c := &Classifier{
		labels: l,
		own:    make(map[string]bool, len(own)),
	}
	for _, a := range own {
		c.own[normalizeAddr(a)] = true
	}
	c.rules = []rule{
		{"fee-only", model.OpFeeOnly, matchFeeOnly},
		{"self-transfer", model.OpSimpleTransfer, matchSelfTransfer},
		{"nft-trade", model.OpNFTTrade, matchNFTTrade},
		{"swap", model.OpSwap, matchSwap},
		{"liquidity-add", model.OpLiquidityAdd, matchLiquidityAdd},
		{"liquidity-remove", model.OpLiquidityRemove, matchLiquidityRemove},
		{"staking-reward", model.OpStakingReward, matchStakingReward},
		{"airdrop", model.OpAirdrop, matchAirdrop},
		{"bridge-out", model.OpBridgeOut, matchBridgeOut},
		{"bridge-in", model.OpBridgeIn, matchBridgeIn},
		{"simple-transfer", model.OpSimpleTransfer, matchSimpleTransfer},
	}
	return c
}

// Classify sets tx.Op, tx.Counterparty and per-transfer treatments. The
// operation type is assigned exactly once; calling Classify on an already
// classified transaction is a no-op.
func (c *Classifier) Classify(tx *model.Transaction) model.OpType {
	if tx.Op != "" {
		return tx.Op
	}
	v := c.view(tx)
	tx.Op = model.OpUnknown
	for _, r := range c.rules {
		if r.match(v) {
			tx.Op = r.op
			break
		}
	}
	if v.counterparty != "" {
		tx.Counterparty = v.counterparty
	}
	assignTreatments(tx)
	return tx.Op
}

func (c *Classifier) view(tx *model.Transaction) *txView {
	v := &txView{
		tx:        tx,
		ins:       tx.Incoming(),
		outs:      tx.Outgoing(),
		selfOnly:  len(tx.Transfers) > 0,
		inAssets:  make(map[string]bool),
		outAssets: make(map[string]bool),
	}
	var counterparties []string
	seen := make(map[string]bool)
	record := func(addr string) {
		n := normalizeAddr(addr)
		if n == "" || c.own[n] || seen[n] {
			return
		}
		seen[n] = true
		counterparties = append(counterparties, addr)
	}
	for i := range tx.Transfers {
		tr := &tx.Transfers[i]
		if tr.Direction != model.DirSelf {
			v.selfOnly = false
		}
		if tr.Asset.IsNFT() {
			v.hasNFT = true
		}
		switch tr.Direction {
		case model.DirIn:
			v.inAssets[tr.Asset.Key()] = true
			record(tr.From)
		case model.DirOut:
			v.outAssets[tr.Asset.Key()] = true
			record(tr.To)
		}
	}
	if len(counterparties) == 1 {
		v.counterparty = counterparties[0]
		v.label, v.labeled = c.labels.Lookup(tx.Chain, v.counterparty)
	}
	v.walletPays = tx.FeePayer == "" || normalizeAddr(tx.FeePayer) == normalizeAddr(tx.Wallet)
	return v
}

// normalizeAddr lowercases hex addresses. Base58 Solana addresses contain no
// 0x prefix and are left intact.
func normalizeAddr(a string) string {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.ToLower(a)
	}
	return a
}

func matchFeeOnly(v *txView) bool {
	return len(v.tx.Transfers) == 0 && v.tx.FeeAmount.IsPositive()
}

func matchSelfTransfer(v *txView) bool {
	return v.selfOnly
}

// matchNFTTrade: one NFT leg, with or without a fungible counter-leg in the
// opposite direction (a pure NFT send still trades at its resolved price).
func matchNFTTrade(v *txView) bool {
	if !v.hasNFT {
		return false
	}
	return len(v.ins)+len(v.outs) <= 2
}

// matchSwap: one asset out and a different asset in against a single
// counterparty. A label strengthens the match but shape alone suffices when
// the counterparty is unlabeled.
func matchSwap(v *txView) bool {
	if len(v.outs) != 1 || len(v.ins) != 1 || v.hasNFT {
		return false
	}
	if v.outs[0].Asset.Key() == v.ins[0].Asset.Key() {
		return false
	}
	return v.counterparty != ""
}

// Liquidity ops need a labeled pool or lending counterparty; the shapes are
// too close to multi-send batches to classify on shape alone.
func matchLiquidityAdd(v *txView) bool {
	if !v.labeled || !isPoolCategory(v.label.Category) {
		return false
	}
	return len(v.outs) >= 1 && len(v.ins) == 1 && len(v.outAssets) >= 2
}

func matchLiquidityRemove(v *txView) bool {
	if !v.labeled || !isPoolCategory(v.label.Category) {
		return false
	}
	return len(v.outs) == 1 && len(v.ins) >= 2 && len(v.inAssets) >= 2
}

func isPoolCategory(cat string) bool {
	return cat == labels.CategoryDEX || cat == labels.CategoryLending
}

func matchStakingReward(v *txView) bool {
	if len(v.ins) == 0 || len(v.outs) != 0 || !v.labeled {
		return false
	}
	return v.label.Category == labels.CategoryStaking || v.label.Category == labels.CategoryValidator
}

// matchAirdrop: inbound only, unlabeled sender, and the wallet did not pay
// for the transaction. Claimed airdrops where the wallet pays gas classify as
// simple transfers and acquire at market price.
func matchAirdrop(v *txView) bool {
	if len(v.ins) == 0 || len(v.outs) != 0 || v.labeled {
		return false
	}
	return !v.walletPays
}

func matchBridgeOut(v *txView) bool {
	if len(v.outs) != 1 || len(v.ins) != 0 || !v.labeled {
		return false
	}
	return v.label.Category == labels.CategoryBridge
}

func matchBridgeIn(v *txView) bool {
	if len(v.ins) != 1 || len(v.outs) != 0 || !v.labeled {
		return false
	}
	return v.label.Category == labels.CategoryBridge
}

func matchSimpleTransfer(v *txView) bool {
	if v.hasNFT {
		return false
	}
	in, out := len(v.ins), len(v.outs)
	return (in == 1 && out == 0) || (in == 0 && out == 1)
}

// assignTreatments maps the operation type onto per-transfer lot effects.
// Self legs never touch lots regardless of the operation.
func assignTreatments(tx *model.Transaction) {
	for i := range tx.Transfers {
		tr := &tx.Transfers[i]
		tr.Treatment = model.TreatNone
		if tr.Direction == model.DirSelf {
			continue
		}
		switch tx.Op {
		case model.OpSwap, model.OpLiquidityAdd, model.OpLiquidityRemove,
			model.OpNFTTrade, model.OpSimpleTransfer:
			if tr.Direction == model.DirOut {
				tr.Treatment = model.TreatDispose
			} else {
				tr.Treatment = model.TreatAcquire
			}
		case model.OpStakingReward, model.OpAirdrop:
			if tr.Direction == model.DirIn {
				tr.Treatment = model.TreatAcquire
			}
		}
		// Unknown, bridges and fee-only leave TreatNone: unknown is surfaced
		// for review and bridged assets keep their origin-chain basis.
	}
}
