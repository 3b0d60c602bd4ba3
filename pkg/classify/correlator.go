package classify

import (
	"sort"
	"time"

	"github.com/chainledger/chainledger/pkg/model"
)

// Correlator pairs symmetric transfer legs across two different chains into
// bridge-out/bridge-in. It runs after per-transaction classification, over
// the full window-sorted batch of a run, and upgrades matched simple
// transfers in place. Bridged assets keep their origin-chain lots, so
// upgraded legs lose any acquire/dispose treatment.
type Correlator struct {
	window time.Duration
}

// NewCorrelator returns a correlator with the given pairing window; the
// inbound leg must land within window after the outbound leg.
func NewCorrelator(window time.Duration) *Correlator {
	return &Correlator{window: window}
}

// Correlate matches outbound legs to inbound legs and returns the number of
// pairs formed. Candidate order is total: earliest timestamp first, then
// lexicographic (chain, hash), so repeated runs over the same batch pair
// identically.
func (c *Correlator) Correlate(txs []*model.Transaction) int {
	outs, ins := c.candidates(txs)
	sortCandidates(outs)
	sortCandidates(ins)

	matched := make(map[*model.Transaction]bool)
	pairs := 0
	for _, out := range outs {
		for _, in := range ins {
			if matched[in] || !c.pairs(out, in) {
				continue
			}
			out.Op = model.OpBridgeOut
			in.Op = model.OpBridgeIn
			clearTreatments(out)
			clearTreatments(in)
			matched[in] = true
			pairs++
			break
		}
	}
	return pairs
}

// candidates splits the batch into potential bridge legs. Label-identified
// bridge legs participate too, so a labeled bridge-out can pair with an
// unlabeled inbound on the destination chain.
func (c *Correlator) candidates(txs []*model.Transaction) (outs, ins []*model.Transaction) {
	for _, tx := range txs {
		switch tx.Op {
		case model.OpSimpleTransfer, model.OpBridgeOut, model.OpBridgeIn:
		default:
			continue
		}
		in, out := tx.Incoming(), tx.Outgoing()
		if len(out) == 1 && len(in) == 0 && tx.Op != model.OpBridgeIn {
			outs = append(outs, tx)
		}
		if len(in) == 1 && len(out) == 0 && tx.Op != model.OpBridgeOut {
			ins = append(ins, tx)
		}
	}
	return outs, ins
}

// pairs reports whether in is the destination leg of out: different chains,
// same symbol and quantity, landing within the window after departure.
func (c *Correlator) pairs(out, in *model.Transaction) bool {
	if out.Chain == in.Chain {
		return false
	}
	o, i := out.Outgoing()[0], in.Incoming()[0]
	if o.Asset.Symbol != i.Asset.Symbol || !o.Quantity.Equal(i.Quantity) {
		return false
	}
	delta := in.Timestamp.Sub(out.Timestamp)
	return delta >= 0 && delta <= c.window
}

func sortCandidates(txs []*model.Transaction) {
	sort.SliceStable(txs, func(a, b int) bool {
		if !txs[a].Timestamp.Equal(txs[b].Timestamp) {
			return txs[a].Timestamp.Before(txs[b].Timestamp)
		}
		if txs[a].Chain != txs[b].Chain {
			return txs[a].Chain < txs[b].Chain
		}
		return txs[a].Hash < txs[b].Hash
	})
}

func clearTreatments(tx *model.Transaction) {
	for i := range tx.Transfers {
		tx.Transfers[i].Treatment = model.TreatNone
	}
}
