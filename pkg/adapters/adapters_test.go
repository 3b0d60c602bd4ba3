package adapters

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainledger/chainledger/pkg/model"
)

var solChain = model.Chain{Name: "solana", VMType: model.VMSolana, NativeSymbol: "SOL", NativeDecimals: 9}

func TestCursorZero(t *testing.T) {
	assert.True(t, Cursor{}.Zero())
	assert.False(t, Cursor{Block: 19000000}.Zero())
	assert.False(t, Cursor{Signature: "5j7s"}.Zero())
}

func TestDecodeABIStringDynamic(t *testing.T) {
	// offset=32, length=4, "USDC" padded to a word
	out := make([]byte, 96)
	out[31] = 32
	out[63] = 4
	copy(out[64:], "USDC")
	assert.Equal(t, "USDC", decodeABIString(out))
}

func TestDecodeABIStringBytes32(t *testing.T) {
	out := make([]byte, 32)
	copy(out, "MKR")
	assert.Equal(t, "MKR", decodeABIString(out))
}

func TestDecodeABIStringGarbage(t *testing.T) {
	assert.Equal(t, "", decodeABIString([]byte{1, 2, 3}))
	out := make([]byte, 64)
	out[31] = 200 // offset past the buffer
	assert.Equal(t, "", decodeABIString(out))
}

func solTestAdapter(dust uint64) *SolanaAdapter {
	return NewSolanaAdapterWithClient(solChain, nil, 200, dust, DefaultRetry)
}

func solMeta(wallet, other solana.PublicKey, walletPre, walletPost, otherPre, otherPost, fee uint64) ([]solana.PublicKey, *rpc.TransactionMeta) {
	keys := []solana.PublicKey{wallet, other}
	meta := &rpc.TransactionMeta{
		Fee:          fee,
		PreBalances:  []uint64{walletPre, otherPre},
		PostBalances: []uint64{walletPost, otherPost},
	}
	return keys, meta
}

func TestSolanaNativeDeltaFeeAdjusted(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()

	// Wallet is fee payer (index 0): sent 1 SOL and paid 5000 lamports fee.
	keys, meta := solMeta(wallet, other, 2_000_000_000, 999_995_000, 0, 1_000_000_000, 5000)

	raw := &RawTransaction{}
	solTestAdapter(0).appendSOLTransfer(raw, wallet, keys, meta)
	require.Len(t, raw.Transfers, 1)

	tr := raw.Transfers[0]
	assert.Equal(t, "1000000000", tr.Amount, "fee excluded from the transfer amount")
	assert.Equal(t, wallet.String(), tr.From)
	assert.Equal(t, other.String(), tr.To)
	assert.Equal(t, "SOL", tr.Symbol)
	assert.Equal(t, 9, tr.Decimals)
}

func TestSolanaDustSuppressed(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()

	// 2000 lamport rent refund, below the dust threshold.
	keys, meta := solMeta(other, wallet, 1_000_000_000, 999_998_000, 0, 2000, 5000)
	// wallet at index 1, not the fee payer

	raw := &RawTransaction{}
	solTestAdapter(SolanaDefaultDust).appendSOLTransfer(raw, wallet, keys, meta)
	assert.Empty(t, raw.Transfers)
}

func TestSolanaTokenDeltas(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	amount := func(s string) *rpc.UiTokenAmount {
		return &rpc.UiTokenAmount{Amount: s, Decimals: 6}
	}
	meta := &rpc.TransactionMeta{
		PreTokenBalances: []rpc.TokenBalance{
			{AccountIndex: 1, Mint: mint, Owner: &wallet, UiTokenAmount: amount("1000000")},
			{AccountIndex: 2, Mint: mint, Owner: &other, UiTokenAmount: amount("0")},
		},
		PostTokenBalances: []rpc.TokenBalance{
			{AccountIndex: 1, Mint: mint, Owner: &wallet, UiTokenAmount: amount("250000")},
			{AccountIndex: 2, Mint: mint, Owner: &other, UiTokenAmount: amount("750000")},
		},
	}

	raw := &RawTransaction{}
	solTestAdapter(0).appendTokenTransfers(raw, wallet, nil, meta)
	require.Len(t, raw.Transfers, 1)

	tr := raw.Transfers[0]
	assert.Equal(t, mint.String(), tr.Contract)
	assert.Equal(t, "750000", tr.Amount)
	assert.Equal(t, 6, tr.Decimals)
	assert.Equal(t, wallet.String(), tr.From)
	assert.Equal(t, other.String(), tr.To, "counterparty resolved by opposite delta")
}

func TestSolanaTokenNoDeltaNoTransfer(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	amt := &rpc.UiTokenAmount{Amount: "500", Decimals: 6}
	meta := &rpc.TransactionMeta{
		PreTokenBalances:  []rpc.TokenBalance{{AccountIndex: 1, Mint: mint, Owner: &wallet, UiTokenAmount: amt}},
		PostTokenBalances: []rpc.TokenBalance{{AccountIndex: 1, Mint: mint, Owner: &wallet, UiTokenAmount: amt}},
	}

	raw := &RawTransaction{}
	solTestAdapter(0).appendTokenTransfers(raw, wallet, nil, meta)
	assert.Empty(t, raw.Transfers)
}

// sigWalkClient serves a fixed signature history, newest first, honoring the
// Before, Until, and Limit paging options the way the RPC node does. It records
// every signature requested through GetTransaction.
type sigWalkClient struct {
	history []*rpc.TransactionSignature
	fetched []solana.Signature
}

func (c *sigWalkClient) GetSignaturesForAddressWithOpts(_ context.Context, _ solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	start := 0
	if !opts.Before.IsZero() {
		for i, s := range c.history {
			if s.Signature == opts.Before {
				start = i + 1
				break
			}
		}
	}
	var out []*rpc.TransactionSignature
	for i := start; i < len(c.history); i++ {
		if !opts.Until.IsZero() && c.history[i].Signature == opts.Until {
			break
		}
		out = append(out, c.history[i])
		if opts.Limit != nil && len(out) >= *opts.Limit {
			break
		}
	}
	return out, nil
}

func (c *sigWalkClient) GetTransaction(_ context.Context, sig solana.Signature, _ *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	c.fetched = append(c.fetched, sig)
	return nil, nil
}

func walkSig(n int) solana.Signature {
	var s solana.Signature
	s[0] = byte(n)
	s[1] = byte(n >> 8)
	return s
}

func TestSolanaPagingCoversFullHistory(t *testing.T) {
	const total = 300
	client := &sigWalkClient{}
	for n := total; n >= 1; n-- {
		client.history = append(client.history, &rpc.TransactionSignature{
			Signature: walkSig(n),
			Slot:      uint64(n),
		})
	}

	a := NewSolanaAdapterWithClient(solChain, client, 200, 0, DefaultRetry)
	wallet := solana.NewWallet().PublicKey().String()

	cursor := Cursor{}
	for i := 0; i < 10; i++ {
		_, next, err := a.FetchTransactions(context.Background(), wallet, cursor)
		require.NoError(t, err)
		if next == cursor {
			break
		}
		cursor = next
	}

	require.Len(t, client.fetched, total, "history older than the newest page must still be fetched")
	for i, sig := range client.fetched {
		require.Equal(t, walkSig(i+1), sig, "signatures must be processed oldest first (position %d)", i)
	}
	assert.Equal(t, walkSig(total).String(), cursor.Signature)
}

func TestEVMNativeTransferContractCreation(t *testing.T) {
	chain := model.Chain{Name: "ethereum", VMType: model.VMEVM, NativeSymbol: "ETH", NativeDecimals: 18}
	a := NewEVMAdapterWithClient(chain, nil, 100, 1, DefaultRetry)
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    7,
		Value:    big.NewInt(1_000_000_000),
		Gas:      200_000,
		GasPrice: big.NewInt(1),
		Data:     []byte{0x60, 0x80},
	})
	require.Nil(t, tx.To())

	tr := a.nativeTransfer(tx, sender)
	require.NotNil(t, tr)
	assert.Equal(t, sender.Hex(), tr.From)
	assert.Equal(t, crypto.CreateAddress(sender, 7).Hex(), tr.To)
	assert.Equal(t, "1000000000", tr.Amount)
	assert.Equal(t, "ETH", tr.Symbol)
}

func TestEVMNativeTransferZeroValue(t *testing.T) {
	chain := model.Chain{Name: "ethereum", VMType: model.VMEVM, NativeSymbol: "ETH", NativeDecimals: 18}
	a := NewEVMAdapterWithClient(chain, nil, 100, 1, DefaultRetry)
	sender := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tx := types.NewTx(&types.LegacyTx{Nonce: 1, Value: big.NewInt(0), Gas: 21_000, GasPrice: big.NewInt(1)})
	assert.Nil(t, a.nativeTransfer(tx, sender))
}
