// Package ledger implements tax-lot accounting for one user's wallets. It is
// pure and synchronous: no I/O, no clocks, no goroutines. All blocking work
// (fetching, pricing) happens before transfers reach the ledger, which keeps
// the accounting invariants testable in isolation.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/pkg/model"
)

// Strategy selects the lot consumed first on disposal.
type Strategy string

const (
	FIFO Strategy = "fifo"
	LIFO Strategy = "lifo"
	// SpecificID consumes explicitly designated lots, falling back to FIFO
	// when no designation is given.
	SpecificID Strategy = "specific-id"
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case FIFO, LIFO, SpecificID:
		return Strategy(s), nil
	case "":
		return FIFO, nil
	}
	return "", fmt.Errorf("unknown matching strategy %q", s)
}

// Disposal is the outcome of consuming lots against one disposal transfer.
// Unmatched is non-zero when the disposal exceeded the open quantity: events
// cover the consumable portion and the excess is reported, never priced
// against a fabricated zero-cost lot.
type Disposal struct {
	Events    []model.TaxEvent
	Unmatched decimal.Decimal
}

// NegativeBalance reports whether acquisition data upstream is missing.
func (d Disposal) NegativeBalance() bool { return d.Unmatched.IsPositive() }

// Ledger maintains per-(wallet, asset) open-lot books. It must only be
// mutated by one processing run at a time per wallet; the runner holds a
// wallet-scoped lock around it.
type Ledger struct {
	strategy Strategy
	books    map[string][]*model.Lot // key: wallet|assetKey, chronological append order
	lastTS   map[string]time.Time    // per wallet, ordering guard
}

// New returns an empty ledger using the given matching strategy.
func New(strategy Strategy) *Ledger {
	return &Ledger{
		strategy: strategy,
		books:    make(map[string][]*model.Lot),
		lastTS:   make(map[string]time.Time),
	}
}

func bookKey(wallet, assetKey string) string { return wallet + "|" + assetKey }

func (l *Ledger) checkOrder(wallet string, at time.Time) error {
	if last, ok := l.lastTS[wallet]; ok && at.Before(last) {
		return fmt.Errorf("%w: %s before %s for wallet %s",
			model.ErrOutOfOrder, at.Format(time.RFC3339), last.Format(time.RFC3339), wallet)
	}
	l.lastTS[wallet] = at
	return nil
}

// Acquire opens a new lot. Basis is unitCost x quantity; the transfer must
// already carry a resolved price.
func (l *Ledger) Acquire(wallet string, asset model.Asset, quantity, unitCost decimal.Decimal, at time.Time, txHash string) (*model.Lot, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("acquisition quantity must be positive, got %s", quantity)
	}
	if err := l.checkOrder(wallet, at); err != nil {
		return nil, err
	}
	lot := &model.Lot{
		ID:         uuid.NewString(),
		Wallet:     wallet,
		AssetKey:   asset.Key(),
		AcquiredAt: at,
		TxHash:     txHash,
		UnitCost:   unitCost,
		Quantity:   quantity,
		Remaining:  quantity,
	}
	key := bookKey(wallet, asset.Key())
	l.books[key] = append(l.books[key], lot)
	return lot, nil
}

// Dispose consumes open lots for a disposal of quantity at unitPrice.
// designated lot IDs are honored under SpecificID; every lot consumption
// step emits exactly one TaxEvent, so a disposal spanning lots on both sides
// of the long-term boundary yields correctly apportioned split events.
func (l *Ledger) Dispose(wallet string, asset model.Asset, quantity, unitPrice decimal.Decimal, at time.Time, txHash string, designated []string) (Disposal, error) {
	if !quantity.IsPositive() {
		return Disposal{}, fmt.Errorf("disposal quantity must be positive, got %s", quantity)
	}
	if err := l.checkOrder(wallet, at); err != nil {
		return Disposal{}, err
	}

	key := bookKey(wallet, asset.Key())
	remaining := quantity
	var events []model.TaxEvent

	for remaining.IsPositive() {
		lot := l.nextLot(key, at, designated)
		if lot == nil {
			break
		}
		consumed := decimal.Min(remaining, lot.Remaining)
		if asset.IsNFT() {
			// NFT lots are indivisible; consume whole.
			consumed = lot.Remaining
		}
		lot.Remaining = lot.Remaining.Sub(consumed)
		remaining = remaining.Sub(consumed)

		events = append(events, model.TaxEvent{
			ID:            uuid.NewString(),
			Wallet:        wallet,
			AssetKey:      asset.Key(),
			Symbol:        asset.Symbol,
			Quantity:      consumed,
			Proceeds:      consumed.Mul(unitPrice),
			CostBasis:     consumed.Mul(lot.UnitCost),
			Gain:          consumed.Mul(unitPrice).Sub(consumed.Mul(lot.UnitCost)),
			AcquiredAt:    lot.AcquiredAt,
			DisposedAt:    at,
			Term:          holdingTerm(lot.AcquiredAt, at),
			LotID:         lot.ID,
			AcquireTxHash: lot.TxHash,
			DisposeTxHash: txHash,
		})
		if !lot.Remaining.IsPositive() {
			l.closeLot(key, lot.ID)
		}
	}

	return Disposal{Events: events, Unmatched: remaining}, nil
}

// nextLot picks the lot to consume under the configured strategy. Lots dated
// after the disposal are never eligible.
func (l *Ledger) nextLot(key string, disposedAt time.Time, designated []string) *model.Lot {
	book := l.books[key]
	if len(book) == 0 {
		return nil
	}

	if l.strategy == SpecificID && len(designated) > 0 {
		for _, id := range designated {
			for _, lot := range book {
				if lot.ID == id && lot.Remaining.IsPositive() && !lot.AcquiredAt.After(disposedAt) {
					return lot
				}
			}
		}
		// No designated lot available; fall back to FIFO.
	}

	if l.strategy == LIFO {
		for i := len(book) - 1; i >= 0; i-- {
			if book[i].Remaining.IsPositive() && !book[i].AcquiredAt.After(disposedAt) {
				return book[i]
			}
		}
		return nil
	}

	for _, lot := range book {
		if lot.Remaining.IsPositive() && !lot.AcquiredAt.After(disposedAt) {
			return lot
		}
	}
	return nil
}

func (l *Ledger) closeLot(key, id string) {
	book := l.books[key]
	for i, lot := range book {
		if lot.ID == id {
			l.books[key] = append(book[:i], book[i+1:]...)
			return
		}
	}
}

func holdingTerm(acquired, disposed time.Time) model.HoldingTerm {
	if disposed.Sub(acquired) > model.LongTermHolding {
		return model.TermLong
	}
	return model.TermShort
}

// OpenQuantity returns the sum of open lot remainders for one wallet+asset.
// At every point in a run it equals cumulative acquisitions minus cumulative
// disposals processed so far; tests rely on this conservation law.
func (l *Ledger) OpenQuantity(wallet string, asset model.Asset) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range l.books[bookKey(wallet, asset.Key())] {
		total = total.Add(lot.Remaining)
	}
	return total
}

// OpenLots returns copies of the open lots for one wallet+asset in
// acquisition order.
func (l *Ledger) OpenLots(wallet string, asset model.Asset) []model.Lot {
	book := l.books[bookKey(wallet, asset.Key())]
	out := make([]model.Lot, len(book))
	for i, lot := range book {
		out[i] = *lot
	}
	return out
}

// snapshot is the serialized ledger state written into run checkpoints.
type snapshot struct {
	Strategy Strategy                `json:"strategy"`
	Books    map[string][]*model.Lot `json:"books"`
	LastTS   map[string]time.Time    `json:"last_ts"`
}

// Snapshot serializes the full lot-book state for checkpointing.
func (l *Ledger) Snapshot() ([]byte, error) {
	return json.Marshal(snapshot{Strategy: l.strategy, Books: l.books, LastTS: l.lastTS})
}

// Restore rebuilds a ledger from a Snapshot payload.
func Restore(data []byte) (*Ledger, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode ledger snapshot: %w", err)
	}
	l := New(s.Strategy)
	if s.Books != nil {
		l.books = s.Books
	}
	if s.LastTS != nil {
		l.lastTS = s.LastTS
	}
	return l, nil
}
