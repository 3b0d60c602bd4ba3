package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainledger/chainledger/pkg/adapters"
)

func TestJobKeyIsPerWalletAndChain(t *testing.T) {
	a := Job{Wallet: "0xabc", Chain: "ethereum"}
	b := Job{Wallet: "0xabc", Chain: "polygon"}
	c := Job{Wallet: "0xdef", Chain: "ethereum"}

	assert.Equal(t, "ethereum.0xabc", a.key())
	assert.NotEqual(t, a.key(), b.key(), "same wallet on another chain is a distinct job")
	assert.NotEqual(t, a.key(), c.key())
}

func TestCheckpointCarriesOpaqueLedgerSnapshot(t *testing.T) {
	snapshot := []byte(`{"strategy":"fifo","books":{}}`)
	cp := Checkpoint{
		Cursors: map[string]adapters.Cursor{
			"ethereum": {Block: 19000000},
			"solana":   {Signature: "5j7s"},
		},
		LastTxIDs: map[string]string{"ethereum": "ethereum:0xdead:3"},
		Ledger:    snapshot,
	}

	data, err := json.Marshal(cp)
	require.NoError(t, err)

	var got Checkpoint
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, cp.LastTxIDs, got.LastTxIDs)
	assert.Equal(t, cp.Cursors, got.Cursors)
	assert.JSONEq(t, string(snapshot), string(got.Ledger), "snapshot passes through untouched")
}
