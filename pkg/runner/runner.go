// Package runner executes one wallet's full processing run: fetch,
// normalize, classify, price-enrich, then ledger, in strict transaction
// order. Runs are cancellable, checkpointed, and resumable; a transient
// failure downgrades the run to partial instead of aborting it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/pkg/adapters"
	"github.com/chainledger/chainledger/pkg/classify"
	"github.com/chainledger/chainledger/pkg/ledger"
	"github.com/chainledger/chainledger/pkg/model"
	"github.com/chainledger/chainledger/pkg/normalize"
	"github.com/chainledger/chainledger/pkg/queue"
	"github.com/chainledger/chainledger/pkg/report"
)

// FeeTreatment selects how transaction fees hit the ledger.
type FeeTreatment string

const (
	// FeeSell disposes the fee quantity at market price, realizing gain or
	// loss on the native asset spent.
	FeeSell FeeTreatment = "sell"
	// FeeLoss disposes the fee quantity at zero proceeds, a pure loss.
	FeeLoss FeeTreatment = "loss"
)

// ParseFeeTreatment maps a config string to a FeeTreatment.
func ParseFeeTreatment(s string) (FeeTreatment, error) {
	switch FeeTreatment(s) {
	case FeeSell, FeeLoss:
		return FeeTreatment(s), nil
	case "":
		return FeeSell, nil
	}
	return "", fmt.Errorf("unknown fee treatment %q", s)
}

// PriceResolver answers unit price queries during enrichment.
type PriceResolver interface {
	UnitPrice(ctx context.Context, asset model.Asset, at time.Time) (decimal.Decimal, string, error)
}

// CheckpointStore persists resumable run state. queue.Queue implements it;
// tests use an in-memory fake.
type CheckpointStore interface {
	SaveCheckpoint(wallet, chain string, cp queue.Checkpoint) error
	LoadCheckpoint(wallet, chain string) (queue.Checkpoint, bool, error)
}

// Options tune a Runner.
type Options struct {
	Strategy     ledger.Strategy
	FeeTreatment FeeTreatment
	Workers      int // price enrichment fan-out
	BridgeWindow time.Duration
}

// ChainPipeline is the per-chain half of a runner: the adapter fetching one
// chain's history and the normalizer shaping it.
type ChainPipeline struct {
	Adapter    adapters.Adapter
	Normalizer *normalize.Normalizer
}

// Runner processes wallets across one or more chains. With several
// pipelines, transactions from all chains are classified together, so
// bridge legs on different chains can pair up.
type Runner struct {
	pipelines   []ChainPipeline
	classifier  *classify.Classifier
	correlator  *classify.Correlator
	resolver    PriceResolver
	checkpoints CheckpointStore
	opts        Options

	locks sync.Map // wallet -> *sync.Mutex
}

// New wires a single-chain runner. checkpoints may be nil, which disables
// resumability.
func New(adapter adapters.Adapter, normalizer *normalize.Normalizer, classifier *classify.Classifier,
	resolver PriceResolver, checkpoints CheckpointStore, opts Options) *Runner {
	return NewMulti([]ChainPipeline{{Adapter: adapter, Normalizer: normalizer}}, classifier, resolver, checkpoints, opts)
}

// NewMulti wires a runner over several chain pipelines. Cross-chain bridge
// correlation only happens between chains present in the same runner.
func NewMulti(pipelines []ChainPipeline, classifier *classify.Classifier,
	resolver PriceResolver, checkpoints CheckpointStore, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.FeeTreatment == "" {
		opts.FeeTreatment = FeeSell
	}
	if opts.BridgeWindow == 0 {
		opts.BridgeWindow = time.Hour
	}
	return &Runner{
		pipelines:   pipelines,
		classifier:  classifier,
		correlator:  classify.NewCorrelator(opts.BridgeWindow),
		resolver:    resolver,
		checkpoints: checkpoints,
		opts:        opts,
	}
}

// chainKey identifies the runner's chain set in checkpoints and reports.
func (r *Runner) chainKey() string {
	names := make([]string, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		names = append(names, p.Adapter.Chain().Name)
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}

// Process runs the full pipeline for one wallet. Ledger state for a wallet
// is guarded by a wallet-scoped lock, so concurrent Process calls for the
// same wallet serialize while different wallets run in parallel.
//
// The run collects every chain's history first, then classifies and
// correlates the combined batch, so an outbound leg on one chain can pair
// with its inbound leg on another. Nothing is ledgered until collection
// finishes; the checkpoint is written once, after the batch is applied.
func (r *Runner) Process(ctx context.Context, wallet string) (*report.Result, error) {
	muAny, _ := r.locks.LoadOrStore(wallet, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	chainKey := r.chainKey()
	result := &report.Result{
		RunID:     uuid.NewString(),
		Wallet:    wallet,
		Chain:     chainKey,
		StartedAt: time.Now().UTC(),
	}

	led := ledger.New(r.opts.Strategy)
	cursors := make(map[string]adapters.Cursor)
	lastTxIDs := make(map[string]string)

	if r.checkpoints != nil {
		cp, ok, err := r.checkpoints.LoadCheckpoint(wallet, chainKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if ok {
			restored, err := ledger.Restore(cp.Ledger)
			if err != nil {
				return nil, fmt.Errorf("failed to restore ledger state: %w", err)
			}
			led = restored
			for name, c := range cp.Cursors {
				cursors[name] = c
			}
			for name, id := range cp.LastTxIDs {
				lastTxIDs[name] = id
			}
			log.Printf("[Runner] resuming %s on %s from %v", wallet, chainKey, cp.LastTxIDs)
		}
	}

	var txs []*model.Transaction
collect:
	for _, p := range r.pipelines {
		chain := p.Adapter.Chain()
		cursor := cursors[chain.Name]
		for {
			select {
			case <-ctx.Done():
				result.Warnings = append(result.Warnings, "run cancelled before completion, no state applied")
				result.Finalize(time.Now().UTC())
				return result, nil
			default:
			}

			raws, next, err := p.Adapter.FetchTransactions(ctx, wallet, cursor)
			if err != nil {
				if errors.Is(err, model.ErrAdapterUnavailable) {
					result.Warnings = append(result.Warnings, fmt.Sprintf("%s fetch stopped early: %v", chain.Name, err))
					cursors[chain.Name] = cursor
					continue collect
				}
				result.Status = report.StatusFailed
				result.Finalize(time.Now().UTC())
				return result, err
			}
			if len(raws) == 0 && next == cursor {
				break
			}

			norm := p.Normalizer.Normalize(wallet, raws)
			for _, s := range norm.Skipped {
				result.Skipped = append(result.Skipped, report.SkippedRecord{Hash: s.Hash, Reason: s.Reason})
			}
			for _, tx := range norm.Transactions {
				r.classifier.Classify(tx)
			}
			txs = append(txs, norm.Transactions...)
			cursor = next
		}
		cursors[chain.Name] = cursor
	}

	r.correlator.Correlate(txs)
	r.synthesizeFees(txs)
	r.enrich(ctx, txs)

	// Deterministic total order: timestamp, then intra-block index, then
	// hash. Hashes are unique across chains, so the order is total.
	sort.SliceStable(txs, func(a, b int) bool {
		if !txs[a].Timestamp.Equal(txs[b].Timestamp) {
			return txs[a].Timestamp.Before(txs[b].Timestamp)
		}
		if txs[a].Index != txs[b].Index {
			return txs[a].Index < txs[b].Index
		}
		return txs[a].Hash < txs[b].Hash
	})

	for _, tx := range txs {
		if tx.ID() == lastTxIDs[tx.Chain] {
			continue // boundary overlap with the previous checkpoint
		}
		r.apply(led, tx, result)
		lastTxIDs[tx.Chain] = tx.ID()
	}

	if err := r.checkpoint(wallet, chainKey, led, cursors, lastTxIDs, len(result.Events)); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("checkpoint failed: %v", err))
	}

	result.Finalize(time.Now().UTC())
	log.Printf("[Runner] %s on %s: %s, %d events, %d quarantined, %d unknown",
		wallet, chainKey, result.Status, len(result.Events), len(result.Quarantined), len(result.Unknown))
	return result, nil
}

// synthesizeFees appends a synthetic disposal transfer for every fee the
// wallet paid. Unknown transactions are excluded from all automatic lot
// effects, fees included.
func (r *Runner) synthesizeFees(txs []*model.Transaction) {
	for _, tx := range txs {
		if tx.Op == model.OpUnknown || !tx.FeeAmount.IsPositive() {
			continue
		}
		if tx.FeePayer != "" && !sameAddress(tx.FeePayer, tx.Wallet) {
			continue
		}
		tr := model.Transfer{
			Index:     len(tx.Transfers),
			Asset:     tx.FeeAsset,
			From:      tx.Wallet,
			Direction: model.DirOut,
			Quantity:  tx.FeeAmount,
			Treatment: model.TreatDispose,
			Synthetic: true,
		}
		if r.opts.FeeTreatment == FeeLoss {
			// Zero proceeds: the entire basis is realized as a loss, no
			// market price needed.
			tr.UnitPrice = decimal.Zero
			tr.Priced = true
			tr.PriceSource = "fee-loss"
		}
		tx.Transfers = append(tx.Transfers, tr)
	}
}

// enrich resolves prices for every transfer with a lot effect, fanning out
// over a bounded worker pool since the resolver may hit the network.
func (r *Runner) enrich(ctx context.Context, txs []*model.Transaction) {
	type task struct {
		tx *model.Transaction
		tr *model.Transfer
	}
	var tasks []task
	for _, tx := range txs {
		for i := range tx.Transfers {
			tr := &tx.Transfers[i]
			if tr.Treatment == model.TreatNone || tr.Priced {
				continue
			}
			tasks = append(tasks, task{tx: tx, tr: tr})
		}
	}
	if len(tasks) == 0 {
		return
	}

	ch := make(chan task, len(tasks))
	for _, t := range tasks {
		ch <- t
	}
	close(ch)

	var wg sync.WaitGroup
	for w := 0; w < r.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range ch {
				if ctx.Err() != nil {
					return
				}
				price, source, err := r.resolver.UnitPrice(ctx, t.tr.Asset, t.tx.Timestamp)
				if err != nil {
					if !errors.Is(err, model.ErrPriceUnavailable) {
						log.Printf("[Runner] price lookup failed for %s: %v", t.tr.Asset.Key(), err)
					}
					continue
				}
				t.tr.UnitPrice = price
				t.tr.PriceSource = source
				t.tr.Priced = true
			}
		}()
	}
	wg.Wait()
}

// apply runs one classified, enriched transaction through the ledger.
func (r *Runner) apply(led *ledger.Ledger, tx *model.Transaction, result *report.Result) {
	if tx.Op == model.OpUnknown {
		result.Unknown = append(result.Unknown, report.UnknownTransaction{TxID: tx.ID(), At: tx.Timestamp})
		return
	}

	for i := range tx.Transfers {
		tr := &tx.Transfers[i]
		switch tr.Treatment {
		case model.TreatAcquire:
			if !tr.Priced {
				r.quarantine(result, tx, tr)
				continue
			}
			if _, err := led.Acquire(tx.Wallet, tr.Asset, tr.Quantity, tr.UnitPrice, tx.Timestamp, tx.Hash); err != nil {
				r.ledgerWarning(result, tx, err)
				continue
			}
			if tx.Op == model.OpStakingReward || tx.Op == model.OpAirdrop {
				result.Incomes = append(result.Incomes, report.Income{
					Wallet:   tx.Wallet,
					AssetKey: tr.Asset.Key(),
					Symbol:   tr.Asset.Symbol,
					Quantity: tr.Quantity,
					Value:    tr.Quantity.Mul(tr.UnitPrice),
					At:       tx.Timestamp,
					TxHash:   tx.Hash,
					Kind:     tx.Op,
				})
			}

		case model.TreatDispose:
			if !tr.Priced {
				r.quarantine(result, tx, tr)
				continue
			}
			disposal, err := led.Dispose(tx.Wallet, tr.Asset, tr.Quantity, tr.UnitPrice, tx.Timestamp, tx.Hash, nil)
			if err != nil {
				r.ledgerWarning(result, tx, err)
				continue
			}
			result.Events = append(result.Events, disposal.Events...)
			if disposal.NegativeBalance() {
				result.NegativeBalances = append(result.NegativeBalances, report.NegativeBalance{
					TxID:     tx.ID(),
					AssetKey: tr.Asset.Key(),
					Missing:  disposal.Unmatched,
					At:       tx.Timestamp,
				})
			}
		}
	}
}

func (r *Runner) quarantine(result *report.Result, tx *model.Transaction, tr *model.Transfer) {
	result.Quarantined = append(result.Quarantined, report.QuarantinedTransfer{
		TxID:     tx.ID(),
		AssetKey: tr.Asset.Key(),
		Symbol:   tr.Asset.Symbol,
		Quantity: tr.Quantity,
		At:       tx.Timestamp,
		Reason:   "no resolvable price",
	})
}

func (r *Runner) ledgerWarning(result *report.Result, tx *model.Transaction, err error) {
	log.Printf("[Runner] ledger rejected %s: %v", tx.ID(), err)
	result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", tx.ID(), err))
}

func (r *Runner) checkpoint(wallet, chainKey string, led *ledger.Ledger, cursors map[string]adapters.Cursor, lastTxIDs map[string]string, events int) error {
	if r.checkpoints == nil {
		return nil
	}
	snapshot, err := led.Snapshot()
	if err != nil {
		return err
	}
	return r.checkpoints.SaveCheckpoint(wallet, chainKey, queue.Checkpoint{
		Cursors:    cursors,
		LastTxIDs:  lastTxIDs,
		Ledger:     snapshot,
		EventCount: events,
	})
}

// sameAddress compares hex addresses case-insensitively; base58 addresses
// compare exact.
func sameAddress(a, b string) bool {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
