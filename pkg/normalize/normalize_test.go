package normalize

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainledger/chainledger/pkg/adapters"
	"github.com/chainledger/chainledger/pkg/model"
)

var (
	ethereum = model.Chain{Name: "ethereum", VMType: model.VMEVM, NativeSymbol: "ETH", NativeDecimals: 18}
	wallet   = "0xAbCd000000000000000000000000000000000001"
	other    = "0x1111000000000000000000000000000000000002"
	when     = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
)

func raw(transfers ...adapters.RawTransfer) adapters.RawTransaction {
	return adapters.RawTransaction{
		Chain:     "ethereum",
		Hash:      "0xdeadbeef",
		Block:     19000000,
		Index:     7,
		Timestamp: when,
		Fee:       "21000000000000",
		FeePayer:  wallet,
		Success:   true,
		Transfers: transfers,
	}
}

func TestNormalizeScalesBaseUnits(t *testing.T) {
	n := New(ethereum, []string{wallet})
	res := n.Normalize(wallet, []adapters.RawTransaction{raw(
		adapters.RawTransfer{Symbol: "ETH", Decimals: 18, From: wallet, To: other, Amount: "1500000000000000000"},
		adapters.RawTransfer{Contract: "0xA0b86991", Symbol: "USDC", Decimals: 6, From: other, To: wallet, Amount: "2500000000"},
	)})

	require.Empty(t, res.Skipped)
	require.Len(t, res.Transactions, 1)
	tx := res.Transactions[0]

	assert.Equal(t, "ethereum:0xdeadbeef:7", tx.ID())
	assert.True(t, tx.FeeAmount.Equal(dec("0.000021")))
	require.Len(t, tx.Transfers, 2)

	assert.True(t, tx.Transfers[0].Quantity.Equal(dec("1.5")))
	assert.Equal(t, model.DirOut, tx.Transfers[0].Direction)
	assert.True(t, tx.Transfers[0].Asset.IsNative())

	assert.True(t, tx.Transfers[1].Quantity.Equal(dec("2500")))
	assert.Equal(t, model.DirIn, tx.Transfers[1].Direction)
	assert.Equal(t, "ethereum:0xa0b86991", tx.Transfers[1].Asset.Key())
}

func TestNormalizeSelfTransfer(t *testing.T) {
	mine := "0x2222000000000000000000000000000000000003"
	n := New(ethereum, []string{wallet, mine})

	res := n.Normalize(wallet, []adapters.RawTransaction{raw(
		adapters.RawTransfer{Symbol: "ETH", Decimals: 18, From: wallet, To: mine, Amount: "1000000000000000000"},
	)})
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, model.DirSelf, res.Transactions[0].Transfers[0].Direction)
}

func TestNormalizeAddressComparisonIsCaseInsensitiveOnEVM(t *testing.T) {
	n := New(ethereum, []string{wallet})
	res := n.Normalize(wallet, []adapters.RawTransaction{raw(
		adapters.RawTransfer{Symbol: "ETH", Decimals: 18, From: "0xABCD000000000000000000000000000000000001", To: other, Amount: "1"},
	)})
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, model.DirOut, res.Transactions[0].Transfers[0].Direction)
}

func TestNormalizeSkipsMalformedRecordsAndKeepsGoing(t *testing.T) {
	n := New(ethereum, []string{wallet})

	noHash := raw()
	noHash.Hash = ""
	noTime := raw()
	noTime.Hash = "0xnotime"
	noTime.Timestamp = time.Time{}
	badAmount := raw(adapters.RawTransfer{Symbol: "ETH", Decimals: 18, From: wallet, To: other, Amount: "not-a-number"})
	badAmount.Hash = "0xbadamount"
	good := raw(adapters.RawTransfer{Symbol: "ETH", Decimals: 18, From: wallet, To: other, Amount: "1000000000000000000"})

	res := n.Normalize(wallet, []adapters.RawTransaction{noHash, noTime, badAmount, good})

	require.Len(t, res.Transactions, 1)
	assert.Equal(t, "0xdeadbeef", res.Transactions[0].Hash)
	require.Len(t, res.Skipped, 3)
	assert.Equal(t, "0xbadamount", res.Skipped[2].Hash)
}

func TestNormalizeWrongChainIsMalformed(t *testing.T) {
	n := New(ethereum, []string{wallet})
	r := raw()
	r.Chain = "polygon"

	res := n.Normalize(wallet, []adapters.RawTransaction{r})
	assert.Empty(t, res.Transactions)
	require.Len(t, res.Skipped, 1)
}

func TestNormalizeFailedTxKeepsFeeDropsTransfers(t *testing.T) {
	n := New(ethereum, []string{wallet})
	r := raw(adapters.RawTransfer{Symbol: "ETH", Decimals: 18, From: wallet, To: other, Amount: "1000000000000000000"})
	r.Success = false

	res := n.Normalize(wallet, []adapters.RawTransaction{r})
	require.Len(t, res.Transactions, 1)
	tx := res.Transactions[0]
	assert.Empty(t, tx.Transfers)
	assert.True(t, tx.FeeAmount.IsPositive())
}

func TestNormalizeDropsZeroQuantityTransfers(t *testing.T) {
	n := New(ethereum, []string{wallet})
	res := n.Normalize(wallet, []adapters.RawTransaction{raw(
		adapters.RawTransfer{Symbol: "ETH", Decimals: 18, From: wallet, To: other, Amount: "0"},
	)})
	require.Len(t, res.Transactions, 1)
	assert.Empty(t, res.Transactions[0].Transfers)
}

func TestNormalizePreservesInputOrder(t *testing.T) {
	n := New(ethereum, []string{wallet})
	a := raw()
	a.Hash = "0xa"
	b := raw()
	b.Hash = "0xb"
	c := raw()
	c.Hash = "0xc"

	res := n.Normalize(wallet, []adapters.RawTransaction{a, b, c})
	require.Len(t, res.Transactions, 3)
	assert.Equal(t, "0xa", res.Transactions[0].Hash)
	assert.Equal(t, "0xb", res.Transactions[1].Hash)
	assert.Equal(t, "0xc", res.Transactions[2].Hash)
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}
