package adapters

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chainledger/chainledger/pkg/model"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), shared by
// ERC-20 and ERC-721. ERC-721 indexes the token id as a fourth topic, which
// is how the two are told apart.
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// selectors for token metadata calls.
var (
	symbolSelector   = common.Hex2Bytes("95d89b41")
	decimalsSelector = common.Hex2Bytes("313ce567")
)

// EVMClient is the subset of ethclient.Client the adapter uses, extracted so
// tests can substitute a fake without a node.
type EVMClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
}

type tokenMeta struct {
	Symbol   string
	Decimals int
}

// EVMAdapter fetches history for one address on one EVM chain by scanning a
// bounded block range per call: Transfer logs for token movements, full
// blocks for native value transfers and fees.
type EVMAdapter struct {
	chain      model.Chain
	client     EVMClient
	retry      RetryConfig
	pageBlocks uint64
	workers    int

	mu     sync.Mutex
	signer types.Signer
	meta   map[common.Address]tokenMeta
}

// NewEVMAdapter dials rpcURL and returns an adapter scanning pageBlocks
// blocks per FetchTransactions call with the given worker fan-out.
func NewEVMAdapter(chain model.Chain, rpcURL string, pageBlocks uint64, workers int, retry RetryConfig) (*EVMAdapter, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", chain.Name, err)
	}
	log.Printf("[EVMAdapter] connected to %s via %s", chain.Name, rpcURL)
	return NewEVMAdapterWithClient(chain, client, pageBlocks, workers, retry), nil
}

// NewEVMAdapterWithClient wires an existing client, used by tests.
func NewEVMAdapterWithClient(chain model.Chain, client EVMClient, pageBlocks uint64, workers int, retry RetryConfig) *EVMAdapter {
	if pageBlocks == 0 {
		pageBlocks = 1000
	}
	if workers <= 0 {
		workers = 4
	}
	return &EVMAdapter{
		chain:      chain,
		client:     client,
		retry:      retry,
		pageBlocks: pageBlocks,
		workers:    workers,
		meta:       make(map[common.Address]tokenMeta),
	}
}

func (a *EVMAdapter) Chain() model.Chain { return a.chain }

// FetchTransactions scans (since.Block, since.Block+pageBlocks] and returns
// the raw transactions touching address, ordered by (block, index). The
// returned cursor is the last scanned block, so repeated calls page through
// history until the cursor reaches the chain head.
func (a *EVMAdapter) FetchTransactions(ctx context.Context, address string, since Cursor) ([]RawTransaction, Cursor, error) {
	addr := common.HexToAddress(address)

	var latest uint64
	err := withRetry(ctx, a.retry, "blockNumber", func() error {
		var e error
		latest, e = a.client.BlockNumber(ctx)
		return e
	})
	if err != nil {
		return nil, since, err
	}
	if latest <= since.Block {
		return nil, since, nil
	}
	from := since.Block + 1
	to := from + a.pageBlocks - 1
	if to > latest {
		to = latest
	}

	byHash := make(map[common.Hash]*RawTransaction)

	if err := a.collectTokenTransfers(ctx, addr, from, to, byHash); err != nil {
		return nil, since, err
	}
	if err := a.collectNativeTransfers(ctx, addr, from, to, byHash); err != nil {
		return nil, since, err
	}
	if err := a.fillDetails(ctx, addr, byHash); err != nil {
		return nil, since, err
	}

	txs := make([]RawTransaction, 0, len(byHash))
	for _, tx := range byHash {
		txs = append(txs, *tx)
	}
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].Block != txs[j].Block {
			return txs[i].Block < txs[j].Block
		}
		return txs[i].Index < txs[j].Index
	})
	log.Printf("[EVMAdapter] %s: blocks %d-%d, %d transactions for %s", a.chain.Name, from, to, len(txs), address)
	return txs, Cursor{Block: to}, nil
}

// collectTokenTransfers pulls Transfer logs with address in either indexed
// position and folds them into byHash.
func (a *EVMAdapter) collectTokenTransfers(ctx context.Context, addr common.Address, from, to uint64, byHash map[common.Hash]*RawTransaction) error {
	addrTopic := common.BytesToHash(addr.Bytes())
	queries := []ethereum.FilterQuery{
		{FromBlock: new(big.Int).SetUint64(from), ToBlock: new(big.Int).SetUint64(to),
			Topics: [][]common.Hash{{transferTopic}, {addrTopic}}}, // sent
		{FromBlock: new(big.Int).SetUint64(from), ToBlock: new(big.Int).SetUint64(to),
			Topics: [][]common.Hash{{transferTopic}, nil, {addrTopic}}}, // received
	}
	for _, q := range queries {
		var logs []types.Log
		err := withRetry(ctx, a.retry, "filterLogs", func() error {
			var e error
			logs, e = a.client.FilterLogs(ctx, q)
			return e
		})
		if err != nil {
			return err
		}
		for _, lg := range logs {
			if lg.Removed || len(lg.Topics) < 3 {
				continue
			}
			tr, err := a.decodeTransferLog(ctx, lg)
			if err != nil {
				log.Printf("[EVMAdapter] skipping undecodable log %s#%d: %v", lg.TxHash.Hex(), lg.Index, err)
				continue
			}
			tx := a.ensureTx(byHash, lg.TxHash, lg.BlockNumber, int(lg.TxIndex))
			tx.Transfers = append(tx.Transfers, tr)
		}
	}
	return nil
}

// decodeTransferLog turns one Transfer log into a RawTransfer. Three topics
// is ERC-20 (amount in data); four is ERC-721 (token id in the fourth topic,
// quantity one).
func (a *EVMAdapter) decodeTransferLog(ctx context.Context, lg types.Log) (RawTransfer, error) {
	meta := a.tokenMeta(ctx, lg.Address)
	tr := RawTransfer{
		Contract: lg.Address.Hex(),
		Symbol:   meta.Symbol,
		Decimals: meta.Decimals,
		From:     common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:       common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
	}
	if len(lg.Topics) == 4 {
		tr.TokenID = new(big.Int).SetBytes(lg.Topics[3].Bytes()).String()
		tr.Decimals = 0
		tr.Amount = "1"
		return tr, nil
	}
	if len(lg.Data) != 32 {
		return RawTransfer{}, fmt.Errorf("unexpected data length %d", len(lg.Data))
	}
	tr.Amount = new(big.Int).SetBytes(lg.Data).String()
	return tr, nil
}

// collectNativeTransfers scans full blocks for value transfers from or to
// the address, fanning the range out over a worker pool.
func (a *EVMAdapter) collectNativeTransfers(ctx context.Context, addr common.Address, from, to uint64, byHash map[common.Hash]*RawTransaction) error {
	type blockHit struct {
		hash      common.Hash
		block     uint64
		index     int
		timestamp time.Time
		transfer  *RawTransfer
		sent      bool
	}

	numbers := make(chan uint64, int(to-from+1))
	for n := from; n <= to; n++ {
		numbers <- n
	}
	close(numbers)
	hits := make(chan blockHit, 64)
	errCh := make(chan error, a.workers)
	var wg sync.WaitGroup

	signer, err := a.chainSigner(ctx)
	if err != nil {
		return err
	}

	for w := 0; w < a.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range numbers {
				var block *types.Block
				err := withRetry(ctx, a.retry, "blockByNumber", func() error {
					var e error
					block, e = a.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
					return e
				})
				if err != nil {
					errCh <- err
					return
				}
				ts := time.Unix(int64(block.Time()), 0).UTC()
				for i, tx := range block.Transactions() {
					sender, err := types.Sender(signer, tx)
					if err != nil {
						continue
					}
					sent := sender == addr
					received := tx.To() != nil && *tx.To() == addr
					if !sent && !received {
						continue
					}
					hits <- blockHit{hash: tx.Hash(), block: n, index: i, timestamp: ts, transfer: a.nativeTransfer(tx, sender), sent: sent}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(hits)
	}()

	for hit := range hits {
		tx := a.ensureTx(byHash, hit.hash, hit.block, hit.index)
		tx.Timestamp = hit.timestamp
		if hit.transfer != nil {
			tx.Transfers = append(tx.Transfers, *hit.transfer)
		}
	}
	select {
	case err := <-errCh:
		return err
	default:
	}
	return ctx.Err()
}

// nativeTransfer builds the value movement for one transaction, or nil when
// no value moved. Contract creations carry no To address; the funds land at
// the created contract, derived from sender and nonce.
func (a *EVMAdapter) nativeTransfer(tx *types.Transaction, sender common.Address) *RawTransfer {
	if tx.Value().Sign() == 0 {
		return nil
	}
	to := tx.To()
	if to == nil {
		created := crypto.CreateAddress(sender, tx.Nonce())
		to = &created
	}
	return &RawTransfer{
		Symbol:   a.chain.NativeSymbol,
		Decimals: a.chain.NativeDecimals,
		From:     sender.Hex(),
		To:       to.Hex(),
		Amount:   tx.Value().String(),
	}
}

// fillDetails resolves timestamps for log-only transactions and fees plus
// success status for every collected transaction.
func (a *EVMAdapter) fillDetails(ctx context.Context, addr common.Address, byHash map[common.Hash]*RawTransaction) error {
	headerTimes := make(map[uint64]time.Time)
	signer, err := a.chainSigner(ctx)
	if err != nil {
		return err
	}

	for hash, raw := range byHash {
		if raw.Timestamp.IsZero() {
			ts, ok := headerTimes[raw.Block]
			if !ok {
				var header *types.Header
				err := withRetry(ctx, a.retry, "headerByNumber", func() error {
					var e error
					header, e = a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(raw.Block))
					return e
				})
				if err != nil {
					return err
				}
				ts = time.Unix(int64(header.Time), 0).UTC()
				headerTimes[raw.Block] = ts
			}
			raw.Timestamp = ts
		}

		var receipt *types.Receipt
		err := withRetry(ctx, a.retry, "transactionReceipt", func() error {
			var e error
			receipt, e = a.client.TransactionReceipt(ctx, hash)
			return e
		})
		if err != nil {
			return err
		}
		raw.Success = receipt.Status == types.ReceiptStatusSuccessful

		var tx *types.Transaction
		err = withRetry(ctx, a.retry, "transactionByHash", func() error {
			var e error
			tx, _, e = a.client.TransactionByHash(ctx, hash)
			return e
		})
		if err != nil {
			return err
		}
		sender, err := types.Sender(signer, tx)
		if err != nil {
			return fmt.Errorf("failed to recover sender of %s: %w", hash.Hex(), err)
		}
		raw.FeePayer = sender.Hex()
		fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
		raw.Fee = fee.String()
	}
	return nil
}

func (a *EVMAdapter) ensureTx(byHash map[common.Hash]*RawTransaction, hash common.Hash, block uint64, index int) *RawTransaction {
	if tx, ok := byHash[hash]; ok {
		return tx
	}
	tx := &RawTransaction{
		Chain: a.chain.Name,
		Hash:  hash.Hex(),
		Block: block,
		Index: index,
	}
	byHash[hash] = tx
	return tx
}

func (a *EVMAdapter) chainSigner(ctx context.Context) (types.Signer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.signer != nil {
		return a.signer, nil
	}
	var id *big.Int
	err := withRetry(ctx, a.retry, "networkID", func() error {
		var e error
		id, e = a.client.NetworkID(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}
	a.signer = types.LatestSignerForChainID(id)
	return a.signer, nil
}

// tokenMeta resolves and caches symbol/decimals for a token contract.
// Failures fall back to a truncated address and zero decimals; the
// normalizer treats such transfers as malformed if decimals matter.
func (a *EVMAdapter) tokenMeta(ctx context.Context, contract common.Address) tokenMeta {
	a.mu.Lock()
	if m, ok := a.meta[contract]; ok {
		a.mu.Unlock()
		return m
	}
	a.mu.Unlock()

	m := tokenMeta{Symbol: abbreviateAddress(contract), Decimals: 18}
	if out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: symbolSelector}, nil); err == nil {
		if s := decodeABIString(out); s != "" {
			m.Symbol = s
		}
	}
	if out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: decimalsSelector}, nil); err == nil && len(out) == 32 {
		m.Decimals = int(new(big.Int).SetBytes(out).Int64())
	}

	a.mu.Lock()
	a.meta[contract] = m
	a.mu.Unlock()
	return m
}

func abbreviateAddress(a common.Address) string {
	h := a.Hex()
	return h[:10]
}

// decodeABIString handles both dynamic ABI strings and legacy bytes32
// symbols (MKR and friends).
func decodeABIString(out []byte) string {
	if len(out) == 32 {
		return strings.TrimRight(string(out), "\x00")
	}
	if len(out) < 64 {
		return ""
	}
	offset := new(big.Int).SetBytes(out[:32]).Uint64()
	if offset+32 > uint64(len(out)) {
		return ""
	}
	length := new(big.Int).SetBytes(out[offset : offset+32]).Uint64()
	if offset+32+length > uint64(len(out)) {
		return ""
	}
	return string(out[offset+32 : offset+32+length])
}
