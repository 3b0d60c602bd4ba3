// Package pricing resolves fiat unit prices for assets at points in time.
// Resolution is strictly ordered: exact hot-cache hit, then nearest stored
// price inside the tolerance window, then a provider fetch. Gaps wider than
// the tolerance fail with model.ErrPriceUnavailable; the resolver never
// interpolates across them.
package pricing

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/pkg/model"
)

// Provenance values recorded on priced transfers.
const (
	SourceCacheExact = "cache-exact"
	SourceCacheNear  = "cache-near"
	SourceProvider   = "provider"
)

// Bucket is the hot-cache granularity.
const Bucket = time.Hour

// PricePoint is one persisted price observation.
type PricePoint struct {
	AssetKey string          `json:"asset_key"`
	At       time.Time       `json:"at"`
	Price    decimal.Decimal `json:"price"`
	Source   string          `json:"source"`
}

// Store is the durable price history the resolver reads through to and
// writes provider fetches back into.
type Store interface {
	NearestPrice(ctx context.Context, assetKey string, at time.Time, tolerance time.Duration) (PricePoint, bool, error)
	SavePrices(ctx context.Context, points []PricePoint) error
}

// Resolver answers (asset, timestamp) price queries.
type Resolver struct {
	cache     Cache
	store     Store
	provider  Provider
	ids       map[string]string // asset key -> provider asset id
	tolerance time.Duration
	cacheTTL  time.Duration
}

// Config wires a Resolver.
type Config struct {
	Cache     Cache
	Store     Store
	Provider  Provider
	IDs       map[string]string
	Tolerance time.Duration // max distance between query and observation
	CacheTTL  time.Duration
}

// NewResolver builds a resolver. Tolerance defaults to one hour, matching
// the cache bucket; CacheTTL defaults to 30 days since historical prices
// never change.
func NewResolver(cfg Config) *Resolver {
	if cfg.Tolerance == 0 {
		cfg.Tolerance = time.Hour
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * 24 * time.Hour
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	return &Resolver{
		cache:     cfg.Cache,
		store:     cfg.Store,
		provider:  cfg.Provider,
		ids:       cfg.IDs,
		tolerance: cfg.Tolerance,
		cacheTTL:  cfg.CacheTTL,
	}
}

func cacheKey(assetKey string, bucket time.Time) string {
	return fmt.Sprintf("price:%s:%d", assetKey, bucket.Unix())
}

// UnitPrice resolves the fiat price of one whole unit of asset at the given
// time, returning the price and its provenance.
func (r *Resolver) UnitPrice(ctx context.Context, asset model.Asset, at time.Time) (decimal.Decimal, string, error) {
	assetKey := asset.Key()
	bucket := at.UTC().Truncate(Bucket)
	key := cacheKey(assetKey, bucket)

	if val, ok, err := r.cache.GetString(ctx, key); err == nil && ok {
		price, perr := decimal.NewFromString(val)
		if perr == nil {
			return price, SourceCacheExact, nil
		}
		log.Printf("[PriceResolver] corrupt cache entry %s=%q, ignoring", key, val)
	} else if err != nil {
		log.Printf("[PriceResolver] cache read failed for %s: %v", key, err)
	}

	if r.store != nil {
		point, ok, err := r.store.NearestPrice(ctx, assetKey, at, r.tolerance)
		if err != nil {
			log.Printf("[PriceResolver] store lookup failed for %s: %v", assetKey, err)
		} else if ok {
			r.cacheSet(ctx, key, point.Price)
			return point.Price, SourceCacheNear, nil
		}
	}

	price, err := r.fetch(ctx, asset, assetKey, at)
	if err != nil {
		return decimal.Zero, "", err
	}
	r.cacheSet(ctx, key, price)
	return price, SourceProvider, nil
}

// fetch asks the provider for a window around the query time and picks the
// nearest observation inside the tolerance.
func (r *Resolver) fetch(ctx context.Context, asset model.Asset, assetKey string, at time.Time) (decimal.Decimal, error) {
	if r.provider == nil {
		return decimal.Zero, fmt.Errorf("%w: %s at %s (no provider configured)", model.ErrPriceUnavailable, assetKey, at.Format(time.RFC3339))
	}
	id, ok := r.ids[assetKey]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s is not mapped to a provider id", model.ErrPriceUnavailable, assetKey)
	}

	points, err := r.provider.FetchRange(ctx, id, at.Add(-r.tolerance), at.Add(r.tolerance))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s at %s: %v", model.ErrPriceUnavailable, assetKey, at.Format(time.RFC3339), err)
	}

	best := -1
	var bestDist time.Duration
	stored := make([]PricePoint, 0, len(points))
	for i, p := range points {
		stored = append(stored, PricePoint{AssetKey: assetKey, At: p.At, Price: p.Price, Source: SourceProvider})
		dist := at.Sub(p.At)
		if dist < 0 {
			dist = -dist
		}
		if dist > r.tolerance {
			continue
		}
		if best < 0 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}

	if r.store != nil && len(stored) > 0 {
		if err := r.store.SavePrices(ctx, stored); err != nil {
			log.Printf("[PriceResolver] failed to persist %d provider prices for %s: %v", len(stored), assetKey, err)
		}
	}
	if best < 0 {
		return decimal.Zero, fmt.Errorf("%w: no %s observation within %s of %s", model.ErrPriceUnavailable, assetKey, r.tolerance, at.Format(time.RFC3339))
	}
	return points[best].Price, nil
}

func (r *Resolver) cacheSet(ctx context.Context, key string, price decimal.Decimal) {
	if err := r.cache.SetString(ctx, key, price.String(), r.cacheTTL); err != nil {
		log.Printf("[PriceResolver] cache write failed for %s: %v", key, err)
	}
}
