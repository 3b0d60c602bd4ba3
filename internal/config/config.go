package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chainledger/chainledger/pkg/model"
)

// ChainConfig holds the connection and identity settings for one chain.
type ChainConfig struct {
	Name           string `yaml:"name"` // e.g. "ethereum", "polygon", "solana"
	VMType         string `yaml:"vm_type,omitempty"`
	NativeSymbol   string `yaml:"native_symbol,omitempty"`
	NativeDecimals int    `yaml:"native_decimals,omitempty"`
	RPCURL         string `yaml:"rpc_url"`
	PageBlocks     uint64 `yaml:"page_blocks,omitempty"`    // EVM blocks scanned per fetch
	PageSize       int    `yaml:"page_size,omitempty"`      // Solana signatures per fetch
	DustThreshold  uint64 `yaml:"dust_threshold,omitempty"` // Solana lamport dust floor
}

// Chain converts the config entry into the immutable chain descriptor.
func (c ChainConfig) Chain() model.Chain {
	return model.Chain{
		Name:           c.Name,
		VMType:         c.VMType,
		NativeSymbol:   c.NativeSymbol,
		NativeDecimals: c.NativeDecimals,
	}
}

// ProviderConfig configures the external price provider.
type ProviderConfig struct {
	BaseURL        string            `yaml:"base_url,omitempty"`
	Currency       string            `yaml:"currency,omitempty"`
	APIKey         string            `yaml:"api_key,omitempty"`
	RequestsPerMin int               `yaml:"requests_per_min,omitempty"`
	AssetIDs       map[string]string `yaml:"asset_ids,omitempty"` // asset key -> provider id
}

// Config holds the application configuration.
type Config struct {
	Chains []ChainConfig `yaml:"chains"`

	// Wallets the user controls beyond the one being processed; both legs
	// of a move between them are treated as a self-transfer.
	OwnWallets []string `yaml:"own_wallets,omitempty"`

	Provider ProviderConfig `yaml:"provider,omitempty"`

	RedisURL   string
	NatsURL    string
	DuckDBPath string

	Strategy     string // fifo, lifo, specific-id
	FeeTreatment string // sell or loss
	Workers      int    // price enrichment fan-out

	PriceTolerance time.Duration
	BridgeWindow   time.Duration
	LabelCacheTTL  time.Duration

	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	chainsStr := os.Getenv("LEDGER_CHAINS")
	if chainsStr == "" {
		return nil, fmt.Errorf("LEDGER_CHAINS is required (comma-separated list of chain names)")
	}

	chainNames := strings.Split(chainsStr, ",")
	chains := make([]ChainConfig, 0, len(chainNames))
	for _, name := range chainNames {
		name = strings.TrimSpace(name)
		prefix := "LEDGER_" + strings.ToUpper(name)

		rpcURL := os.Getenv(prefix + "_RPC_URL")
		if rpcURL == "" {
			return nil, fmt.Errorf("%s_RPC_URL is required", prefix)
		}

		cc := ChainConfig{
			Name:           name,
			VMType:         getEnvWithDefault(prefix+"_VM_TYPE", model.VMEVM),
			NativeSymbol:   os.Getenv(prefix + "_NATIVE_SYMBOL"),
			NativeDecimals: getEnvAsInt(prefix+"_NATIVE_DECIMALS", 18),
			RPCURL:         rpcURL,
			PageBlocks:     uint64(getEnvAsInt(prefix+"_PAGE_BLOCKS", 1000)),
			PageSize:       getEnvAsInt(prefix+"_PAGE_SIZE", 200),
			DustThreshold:  uint64(getEnvAsInt(prefix+"_DUST_THRESHOLD", 10000)),
		}
		applyChainDefaults(&cc)
		chains = append(chains, cc)
	}

	var ownWallets []string
	if raw := os.Getenv("LEDGER_OWN_WALLETS"); raw != "" {
		for _, w := range strings.Split(raw, ",") {
			if w = strings.TrimSpace(w); w != "" {
				ownWallets = append(ownWallets, w)
			}
		}
	}

	assetIDs := make(map[string]string)
	if raw := os.Getenv("PRICE_ASSET_IDS"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) == 2 {
				assetIDs[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
			}
		}
	}

	return &Config{
		Chains:     chains,
		OwnWallets: ownWallets,
		Provider: ProviderConfig{
			BaseURL:        os.Getenv("PRICE_PROVIDER_URL"),
			Currency:       getEnvWithDefault("PRICE_CURRENCY", "usd"),
			APIKey:         os.Getenv("PRICE_API_KEY"),
			RequestsPerMin: getEnvAsInt("PRICE_REQUESTS_PER_MIN", 30),
			AssetIDs:       assetIDs,
		},
		RedisURL:       getEnvWithDefault("REDIS_URL", "localhost:6379"),
		NatsURL:        getEnvWithDefault("NATS_URL", "nats://localhost:4222"),
		DuckDBPath:     getEnvWithDefault("DUCKDB_PATH", "chainledger.db"),
		Strategy:       getEnvWithDefault("MATCHING_STRATEGY", "fifo"),
		FeeTreatment:   getEnvWithDefault("FEE_TREATMENT", "sell"),
		Workers:        getEnvAsInt("PRICE_WORKERS", 4),
		PriceTolerance: getEnvAsDuration("PRICE_TOLERANCE", time.Hour),
		BridgeWindow:   getEnvAsDuration("BRIDGE_WINDOW", time.Hour),
		LabelCacheTTL:  getEnvAsDuration("LABEL_CACHE_TTL", time.Hour),
		MaxRetries:     getEnvAsInt("MAX_RETRIES", 3),
		RetryDelay:     getEnvAsDuration("RETRY_DELAY", 5*time.Second),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
	}, nil
}

// Load reads a YAML config file, falling back to the environment loader when
// the file is absent. YAML chain entries override the env-derived ones.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadFromEnv()
	}
	var fileCfg struct {
		Chains     []ChainConfig  `yaml:"chains"`
		OwnWallets []string       `yaml:"own_wallets"`
		Provider   ProviderConfig `yaml:"provider"`
	}
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for i := range fileCfg.Chains {
		fileCfg.Chains[i].RPCURL = os.ExpandEnv(fileCfg.Chains[i].RPCURL)
		applyChainDefaults(&fileCfg.Chains[i])
	}

	cfg, err := LoadFromEnv()
	if err != nil {
		// Env may legitimately lack LEDGER_CHAINS when the file carries them.
		if len(fileCfg.Chains) == 0 {
			return nil, err
		}
		cfg = defaultConfig()
	}
	if len(fileCfg.Chains) > 0 {
		cfg.Chains = fileCfg.Chains
	}
	if len(fileCfg.OwnWallets) > 0 {
		cfg.OwnWallets = fileCfg.OwnWallets
	}
	if fileCfg.Provider.BaseURL != "" || len(fileCfg.Provider.AssetIDs) > 0 {
		cfg.Provider = fileCfg.Provider
	}
	return cfg, nil
}

// FindChain returns the config entry for a chain name.
func (c *Config) FindChain(name string) (ChainConfig, error) {
	for _, cc := range c.Chains {
		if cc.Name == name {
			return cc, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("chain %q is not configured", name)
}

func defaultConfig() *Config {
	return &Config{
		RedisURL:       getEnvWithDefault("REDIS_URL", "localhost:6379"),
		NatsURL:        getEnvWithDefault("NATS_URL", "nats://localhost:4222"),
		DuckDBPath:     getEnvWithDefault("DUCKDB_PATH", "chainledger.db"),
		Strategy:       getEnvWithDefault("MATCHING_STRATEGY", "fifo"),
		FeeTreatment:   getEnvWithDefault("FEE_TREATMENT", "sell"),
		Workers:        getEnvAsInt("PRICE_WORKERS", 4),
		PriceTolerance: getEnvAsDuration("PRICE_TOLERANCE", time.Hour),
		BridgeWindow:   getEnvAsDuration("BRIDGE_WINDOW", time.Hour),
		LabelCacheTTL:  getEnvAsDuration("LABEL_CACHE_TTL", time.Hour),
		MaxRetries:     getEnvAsInt("MAX_RETRIES", 3),
		RetryDelay:     getEnvAsDuration("RETRY_DELAY", 5*time.Second),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
	}
}

// applyChainDefaults fills native asset identity for the well-known chains
// so minimal configs stay minimal.
func applyChainDefaults(cc *ChainConfig) {
	if cc.Name == "solana" && cc.VMType == "" {
		cc.VMType = model.VMSolana
	}
	if cc.VMType == "" {
		cc.VMType = model.VMEVM
	}
	if cc.NativeSymbol == "" {
		switch cc.Name {
		case "ethereum", "arbitrum", "optimism", "base":
			cc.NativeSymbol = "ETH"
		case "polygon":
			cc.NativeSymbol = "MATIC"
		case "avalanche":
			cc.NativeSymbol = "AVAX"
		case "solana":
			cc.NativeSymbol = "SOL"
		}
	}
	if cc.NativeDecimals == 0 {
		if cc.VMType == model.VMSolana {
			cc.NativeDecimals = 9
		} else {
			cc.NativeDecimals = 18
		}
	}
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns environment variable as integer or default if not set
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvAsDuration returns environment variable as duration or default if not set
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
