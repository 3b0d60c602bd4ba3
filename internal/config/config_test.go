package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainledger/chainledger/pkg/model"
)

func TestLoadFromEnvRequiresChains(t *testing.T) {
	t.Setenv("LEDGER_CHAINS", "")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LEDGER_CHAINS", "ethereum,solana")
	t.Setenv("LEDGER_ETHEREUM_RPC_URL", "https://eth.example/rpc")
	t.Setenv("LEDGER_SOLANA_RPC_URL", "https://sol.example/rpc")
	t.Setenv("LEDGER_SOLANA_VM_TYPE", "solana")
	t.Setenv("LEDGER_SOLANA_NATIVE_DECIMALS", "9")
	t.Setenv("MATCHING_STRATEGY", "lifo")
	t.Setenv("PRICE_TOLERANCE", "30m")
	t.Setenv("PRICE_ASSET_IDS", "ethereum:native=ethereum,solana:native=solana")
	t.Setenv("LEDGER_OWN_WALLETS", "0xabc, 0xdef")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 2)
	eth := cfg.Chains[0]
	assert.Equal(t, "ethereum", eth.Name)
	assert.Equal(t, model.VMEVM, eth.VMType)
	assert.Equal(t, "ETH", eth.NativeSymbol)
	assert.Equal(t, 18, eth.NativeDecimals)
	assert.Equal(t, "https://eth.example/rpc", eth.RPCURL)

	sol := cfg.Chains[1]
	assert.Equal(t, model.VMSolana, sol.VMType)
	assert.Equal(t, "SOL", sol.NativeSymbol)
	assert.Equal(t, 9, sol.NativeDecimals)

	assert.Equal(t, "lifo", cfg.Strategy)
	assert.Equal(t, 30*time.Minute, cfg.PriceTolerance)
	assert.Equal(t, "ethereum", cfg.Provider.AssetIDs["ethereum:native"])
	assert.Equal(t, []string{"0xabc", "0xdef"}, cfg.OwnWallets)
}

func TestLoadYAMLOverridesChains(t *testing.T) {
	t.Setenv("LEDGER_CHAINS", "")
	t.Setenv("ETH_RPC", "https://expanded.example/rpc")

	yamlBody := `
chains:
  - name: ethereum
    rpc_url: ${ETH_RPC}
  - name: solana
    vm_type: solana
    rpc_url: https://sol.example/rpc
own_wallets:
  - 0xabc
provider:
  base_url: https://prices.example/api/v3
  asset_ids:
    ethereum:native: ethereum
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, "https://expanded.example/rpc", cfg.Chains[0].RPCURL, "env vars expand inside YAML URLs")
	assert.Equal(t, "ETH", cfg.Chains[0].NativeSymbol)
	assert.Equal(t, 9, cfg.Chains[1].NativeDecimals)
	assert.Equal(t, "https://prices.example/api/v3", cfg.Provider.BaseURL)
	assert.Equal(t, "fifo", cfg.Strategy, "ambient defaults still apply")
}

func TestFindChain(t *testing.T) {
	cfg := &Config{Chains: []ChainConfig{{Name: "ethereum"}}}

	_, err := cfg.FindChain("ethereum")
	assert.NoError(t, err)
	_, err = cfg.FindChain("dogecoin")
	assert.Error(t, err)
}

func TestChainConfigChain(t *testing.T) {
	cc := ChainConfig{Name: "polygon", VMType: model.VMEVM, NativeSymbol: "MATIC", NativeDecimals: 18}
	ch := cc.Chain()
	assert.Equal(t, "polygon", ch.Name)
	assert.Equal(t, "MATIC", ch.NativeAsset().Symbol)
}
