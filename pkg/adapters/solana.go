package adapters

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/chainledger/chainledger/pkg/model"
)

const splDecimalsUnknown = -1

// SolanaClient is the subset of rpc.Client the adapter uses.
type SolanaClient interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// SolanaAdapter derives transfers from pre/post balance deltas of confirmed
// transactions, the only portable way to observe value movement without
// decoding every program's instructions. Sub-dust SOL deltas (rent churn,
// temporary token accounts) are suppressed.
type SolanaAdapter struct {
	chain        model.Chain
	client       SolanaClient
	retry        RetryConfig
	pageSize     int
	dustLamports uint64
}

// NewSolanaAdapter connects to rpcURL. dustLamports below which SOL deltas
// are ignored; pageSize bounds signatures fetched per call.
func NewSolanaAdapter(chain model.Chain, rpcURL string, pageSize int, dustLamports uint64, retry RetryConfig) *SolanaAdapter {
	log.Printf("[SolanaAdapter] using RPC %s", rpcURL)
	return NewSolanaAdapterWithClient(chain, rpc.New(rpcURL), pageSize, dustLamports, retry)
}

// NewSolanaAdapterWithClient wires an existing client, used by tests.
func NewSolanaAdapterWithClient(chain model.Chain, client SolanaClient, pageSize int, dustLamports uint64, retry RetryConfig) *SolanaAdapter {
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 200
	}
	return &SolanaAdapter{
		chain:        chain,
		client:       client,
		retry:        retry,
		pageSize:     pageSize,
		dustLamports: dustLamports,
	}
}

func (a *SolanaAdapter) Chain() model.Chain { return a.chain }

// FetchTransactions returns confirmed transactions newer than since.Signature,
// oldest first, at most pageSize per call. The signature RPC only pages
// newest-to-oldest, so the full span back to the cursor is walked with Before
// first; otherwise any wallet with more than one page of history would lose
// its oldest acquisitions. The cursor advances to the newest signature of the
// emitted page, so the caller's next call picks up the remainder.
func (a *SolanaAdapter) FetchTransactions(ctx context.Context, address string, since Cursor) ([]RawTransaction, Cursor, error) {
	wallet, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, since, fmt.Errorf("invalid solana address %q: %w", address, err)
	}

	var until solana.Signature
	if since.Signature != "" {
		until, err = solana.SignatureFromBase58(since.Signature)
		if err != nil {
			return nil, since, fmt.Errorf("corrupt solana cursor %q: %w", since.Signature, err)
		}
	}

	var sigs []*rpc.TransactionSignature
	var before solana.Signature
	for {
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &a.pageSize,
			Commitment: rpc.CommitmentFinalized,
		}
		if !until.IsZero() {
			opts.Until = until
		}
		if !before.IsZero() {
			opts.Before = before
		}

		var page []*rpc.TransactionSignature
		err = withRetry(ctx, a.retry, "getSignaturesForAddress", func() error {
			var e error
			page, e = a.client.GetSignaturesForAddressWithOpts(ctx, wallet, opts)
			return e
		})
		if err != nil {
			return nil, since, err
		}
		sigs = append(sigs, page...)
		if len(page) < a.pageSize {
			break
		}
		before = page[len(page)-1].Signature
	}
	if len(sigs) == 0 {
		return nil, since, nil
	}

	// The walk accumulated newest first; reverse into chain order and emit
	// only the oldest page so the caller can checkpoint between pages.
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	if len(sigs) > a.pageSize {
		sigs = sigs[:a.pageSize]
	}

	var txs []RawTransaction
	for _, sig := range sigs {
		if sig.Err != nil {
			continue
		}
		raw, err := a.fetchOne(ctx, wallet, sig.Signature)
		if err != nil {
			return nil, since, err
		}
		if raw != nil {
			txs = append(txs, *raw)
		}
	}

	next := Cursor{Signature: sigs[len(sigs)-1].Signature.String()}
	log.Printf("[SolanaAdapter] %d signatures, %d transactions for %s", len(sigs), len(txs), address)
	return txs, next, nil
}

func (a *SolanaAdapter) fetchOne(ctx context.Context, wallet solana.PublicKey, sig solana.Signature) (*RawTransaction, error) {
	var maxTxVersion uint64 = 0
	var result *rpc.GetTransactionResult
	err := withRetry(ctx, a.retry, "getTransaction", func() error {
		var e error
		result, e = a.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Commitment:                     rpc.CommitmentFinalized,
			MaxSupportedTransactionVersion: &maxTxVersion,
		})
		return e
	})
	if err != nil {
		return nil, err
	}
	if result == nil || result.Meta == nil {
		return nil, nil
	}

	decoded, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", sig, err)
	}
	keys := decoded.Message.AccountKeys

	raw := &RawTransaction{
		Chain:   a.chain.Name,
		Hash:    sig.String(),
		Block:   result.Slot,
		Success: result.Meta.Err == nil,
	}
	if result.BlockTime != nil {
		raw.Timestamp = result.BlockTime.Time().UTC()
	}
	if len(keys) > 0 {
		// Account 0 is always the fee payer.
		raw.FeePayer = keys[0].String()
	}
	raw.Fee = new(big.Int).SetUint64(result.Meta.Fee).String()

	a.appendSOLTransfer(raw, wallet, keys, result.Meta)
	a.appendTokenTransfers(raw, wallet, keys, result.Meta)

	if len(raw.Transfers) == 0 && result.Meta.Fee == 0 {
		return nil, nil
	}
	return raw, nil
}

// appendSOLTransfer emits one native transfer from the wallet's lamport
// delta, fee-adjusted when the wallet paid it. The counterparty is the
// account with the largest opposite delta.
func (a *SolanaAdapter) appendSOLTransfer(raw *RawTransaction, wallet solana.PublicKey, keys []solana.PublicKey, meta *rpc.TransactionMeta) {
	walletIdx := -1
	for i, k := range keys {
		if k.Equals(wallet) {
			walletIdx = i
			break
		}
	}
	if walletIdx < 0 || walletIdx >= len(meta.PreBalances) || walletIdx >= len(meta.PostBalances) {
		return
	}

	delta := new(big.Int).Sub(
		new(big.Int).SetUint64(meta.PostBalances[walletIdx]),
		new(big.Int).SetUint64(meta.PreBalances[walletIdx]),
	)
	if walletIdx == 0 {
		// Undo the fee so it is not double-counted as a transfer.
		delta.Add(delta, new(big.Int).SetUint64(meta.Fee))
	}
	if delta.CmpAbs(new(big.Int).SetUint64(a.dustLamports)) <= 0 {
		return
	}

	counterparty := a.largestOppositeDelta(keys, meta, walletIdx, delta.Sign())
	tr := RawTransfer{
		Symbol:   a.chain.NativeSymbol,
		Decimals: a.chain.NativeDecimals,
		Amount:   new(big.Int).Abs(delta).String(),
	}
	if delta.Sign() > 0 {
		tr.To = wallet.String()
		tr.From = counterparty
	} else {
		tr.From = wallet.String()
		tr.To = counterparty
	}
	raw.Transfers = append(raw.Transfers, tr)
}

func (a *SolanaAdapter) largestOppositeDelta(keys []solana.PublicKey, meta *rpc.TransactionMeta, walletIdx, walletSign int) string {
	best := ""
	bestAbs := new(big.Int)
	for i := range keys {
		if i == walletIdx || i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			continue
		}
		d := new(big.Int).Sub(
			new(big.Int).SetUint64(meta.PostBalances[i]),
			new(big.Int).SetUint64(meta.PreBalances[i]),
		)
		if d.Sign() == walletSign || d.Sign() == 0 {
			continue
		}
		if d.CmpAbs(bestAbs) > 0 {
			bestAbs.Abs(d)
			best = keys[i].String()
		}
	}
	return best
}

// appendTokenTransfers derives SPL token movements from the wallet-owned
// token account balance deltas.
func (a *SolanaAdapter) appendTokenTransfers(raw *RawTransaction, wallet solana.PublicKey, keys []solana.PublicKey, meta *rpc.TransactionMeta) {
	type tokenDelta struct {
		mint     solana.PublicKey
		decimals int
		pre      *big.Int
		post     *big.Int
	}
	deltas := make(map[string]*tokenDelta)

	walk := func(balances []rpc.TokenBalance, post bool) {
		for _, tb := range balances {
			if tb.Owner == nil || !tb.Owner.Equals(wallet) || tb.UiTokenAmount == nil {
				continue
			}
			amt, ok := new(big.Int).SetString(tb.UiTokenAmount.Amount, 10)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s/%d", tb.Mint, tb.AccountIndex)
			td, exists := deltas[key]
			if !exists {
				td = &tokenDelta{mint: tb.Mint, decimals: int(tb.UiTokenAmount.Decimals), pre: new(big.Int), post: new(big.Int)}
				deltas[key] = td
			}
			if post {
				td.post = amt
			} else {
				td.pre = amt
			}
		}
	}
	walk(meta.PreTokenBalances, false)
	walk(meta.PostTokenBalances, true)

	ordered := make([]string, 0, len(deltas))
	for k := range deltas {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, k := range ordered {
		td := deltas[k]
		delta := new(big.Int).Sub(td.post, td.pre)
		if delta.Sign() == 0 {
			continue
		}
		counterparty := a.tokenCounterparty(meta, wallet, td.mint, delta.Sign())
		tr := RawTransfer{
			Contract: td.mint.String(),
			Symbol:   shortMint(td.mint),
			Decimals: td.decimals,
			Amount:   new(big.Int).Abs(delta).String(),
		}
		if delta.Sign() > 0 {
			tr.To = wallet.String()
			tr.From = counterparty
		} else {
			tr.From = wallet.String()
			tr.To = counterparty
		}
		raw.Transfers = append(raw.Transfers, tr)
	}
}

// tokenCounterparty finds the owner of a token account of the same mint
// whose balance moved opposite to the wallet's.
func (a *SolanaAdapter) tokenCounterparty(meta *rpc.TransactionMeta, wallet solana.PublicKey, mint solana.PublicKey, walletSign int) string {
	pre := make(map[uint16]*big.Int)
	for _, tb := range meta.PreTokenBalances {
		if tb.Mint.Equals(mint) && tb.UiTokenAmount != nil {
			if v, ok := new(big.Int).SetString(tb.UiTokenAmount.Amount, 10); ok {
				pre[tb.AccountIndex] = v
			}
		}
	}
	for _, tb := range meta.PostTokenBalances {
		if !tb.Mint.Equals(mint) || tb.UiTokenAmount == nil {
			continue
		}
		if tb.Owner == nil || tb.Owner.Equals(wallet) {
			continue
		}
		post, ok := new(big.Int).SetString(tb.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		p := pre[tb.AccountIndex]
		if p == nil {
			p = new(big.Int)
		}
		if new(big.Int).Sub(post, p).Sign() == -walletSign {
			return tb.Owner.String()
		}
	}
	return ""
}

// shortMint is the placeholder symbol for SPL tokens; real symbols come from
// the address label store during enrichment.
func shortMint(mint solana.PublicKey) string {
	s := mint.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// SolanaDefaultDust is ~0.00001 SOL, the rent churn threshold used when the
// config does not override it.
const SolanaDefaultDust uint64 = 10_000
