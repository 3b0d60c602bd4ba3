// Package app assembles the processing stack from configuration: chain
// adapters, the price resolver, label lookups, durable storage, the job
// queue and the result sink. Both the CLI and the worker build the same
// stack through it.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chainledger/chainledger/internal/config"
	"github.com/chainledger/chainledger/internal/storage"
	"github.com/chainledger/chainledger/pkg/adapters"
	"github.com/chainledger/chainledger/pkg/classify"
	"github.com/chainledger/chainledger/pkg/labels"
	"github.com/chainledger/chainledger/pkg/ledger"
	"github.com/chainledger/chainledger/pkg/model"
	"github.com/chainledger/chainledger/pkg/normalize"
	"github.com/chainledger/chainledger/pkg/pricing"
	"github.com/chainledger/chainledger/pkg/queue"
	"github.com/chainledger/chainledger/pkg/report"
	"github.com/chainledger/chainledger/pkg/runner"
)

// App holds the wired processing stack.
type App struct {
	Config *config.Config
	Store  *storage.Storage
	Queue  *queue.Queue
	Sink   *report.NATSSink
	Logger *zap.Logger

	resolver *pricing.Resolver
	labeler  labels.Labeler

	mu      sync.Mutex
	runners map[string]*runner.Runner
}

// New builds the stack from a loaded config.
func New(cfg *config.Config) (*App, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	store, err := storage.New(cfg.DuckDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	q, err := queue.New(cfg.NatsURL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect to queue: %w", err)
	}

	sink, err := report.NewNATSSink(cfg.NatsURL)
	if err != nil {
		q.Close()
		store.Close()
		return nil, fmt.Errorf("failed to create result sink: %w", err)
	}

	a := &App{
		Config:   cfg,
		Store:    store,
		Queue:    q,
		Sink:     sink,
		Logger:   logger,
		resolver: buildResolver(cfg, store),
		labeler:  labels.NewCachedLabeler(store, cfg.LabelCacheTTL),
		runners:  make(map[string]*runner.Runner),
	}
	return a, nil
}

func buildResolver(cfg *config.Config, store *storage.Storage) *pricing.Resolver {
	var cache pricing.Cache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			opt = &redis.Options{Addr: cfg.RedisURL}
		}
		cache = pricing.NewRedisCache(redis.NewClient(opt))
	}
	provider := pricing.NewHTTPProvider(pricing.HTTPProviderConfig{
		BaseURL:        cfg.Provider.BaseURL,
		Currency:       cfg.Provider.Currency,
		APIKey:         cfg.Provider.APIKey,
		RequestTimeout: cfg.RequestTimeout,
		RequestsPerMin: cfg.Provider.RequestsPerMin,
		MaxRetries:     uint64(cfg.MaxRetries),
	})
	return pricing.NewResolver(pricing.Config{
		Cache:     cache,
		Store:     store,
		Provider:  provider,
		IDs:       cfg.Provider.AssetIDs,
		Tolerance: cfg.PriceTolerance,
	})
}

// AllChains selects every configured chain in a single run. Only such a run
// can pair bridge legs across chains; a single-chain run relies on
// counterparty labels alone.
const AllChains = "all"

// Runner returns the runner for a configured chain, or for every chain at
// once when given AllChains, building it on first use.
func (a *App) Runner(chain string) (*runner.Runner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.runners[chain]; ok {
		return r, nil
	}

	var chainCfgs []config.ChainConfig
	if chain == AllChains {
		chainCfgs = a.Config.Chains
	} else {
		cc, err := a.Config.FindChain(chain)
		if err != nil {
			return nil, err
		}
		chainCfgs = []config.ChainConfig{cc}
	}

	pipelines := make([]runner.ChainPipeline, 0, len(chainCfgs))
	for _, cc := range chainCfgs {
		adapter, err := a.buildAdapter(cc)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, runner.ChainPipeline{
			Adapter:    adapter,
			Normalizer: normalize.New(cc.Chain(), a.Config.OwnWallets),
		})
	}

	strategy, err := ledger.ParseStrategy(a.Config.Strategy)
	if err != nil {
		return nil, err
	}
	feeTreatment, err := runner.ParseFeeTreatment(a.Config.FeeTreatment)
	if err != nil {
		return nil, err
	}

	r := runner.NewMulti(
		pipelines,
		classify.New(a.labeler, a.Config.OwnWallets),
		a.resolver,
		a.Queue,
		runner.Options{
			Strategy:     strategy,
			FeeTreatment: feeTreatment,
			Workers:      a.Config.Workers,
			BridgeWindow: a.Config.BridgeWindow,
		},
	)
	a.runners[chain] = r
	return r, nil
}

func (a *App) buildAdapter(cc config.ChainConfig) (adapters.Adapter, error) {
	retry := adapters.RetryConfig{
		MaxRetries: uint64(a.Config.MaxRetries),
		Initial:    a.Config.RetryDelay,
	}
	switch cc.VMType {
	case model.VMSolana:
		return adapters.NewSolanaAdapter(cc.Chain(), cc.RPCURL, cc.PageSize, cc.DustThreshold, retry), nil
	default:
		return adapters.NewEVMAdapter(cc.Chain(), cc.RPCURL, cc.PageBlocks, a.Config.Workers, retry)
	}
}

// HandleResult persists a finished run and publishes it downstream.
func (a *App) HandleResult(ctx context.Context, result *report.Result) error {
	if len(result.Events) > 0 {
		if err := a.Store.SaveTaxEvents(ctx, result.Events); err != nil {
			return fmt.Errorf("failed to persist tax events: %w", err)
		}
	}
	if len(result.Quarantined) > 0 {
		if err := a.Store.SaveQuarantined(ctx, quarantineRecords(result)); err != nil {
			return fmt.Errorf("failed to persist quarantined transfers: %w", err)
		}
	}
	if err := a.Store.SaveRun(ctx, runRecord(result)); err != nil {
		return fmt.Errorf("failed to persist run: %w", err)
	}
	if err := a.Sink.Publish(ctx, result); err != nil {
		// The run is already durable; publishing is best effort.
		log.Printf("[App] failed to publish result %s: %v", result.RunID, err)
	}
	return nil
}

func quarantineRecords(r *report.Result) []storage.QuarantineRecord {
	out := make([]storage.QuarantineRecord, 0, len(r.Quarantined))
	for _, q := range r.Quarantined {
		out = append(out, storage.QuarantineRecord{
			Wallet:   r.Wallet,
			TxID:     q.TxID,
			AssetKey: q.AssetKey,
			Symbol:   q.Symbol,
			Quantity: q.Quantity,
			At:       q.At,
			Reason:   q.Reason,
		})
	}
	return out
}

func runRecord(r *report.Result) storage.RunRecord {
	return storage.RunRecord{
		RunID:            r.RunID,
		Wallet:           r.Wallet,
		Chain:            r.Chain,
		Status:           string(r.Status),
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		Events:           len(r.Events),
		Quarantined:      len(r.Quarantined),
		Unknown:          len(r.Unknown),
		NegativeBalances: len(r.NegativeBalances),
		Warnings:         strings.Join(r.Warnings, "; "),
	}
}

// Close releases every held connection.
func (a *App) Close() {
	a.Sink.Close()
	a.Queue.Close()
	if err := a.Store.Close(); err != nil {
		log.Printf("[App] storage close: %v", err)
	}
	a.Logger.Sync()
}
