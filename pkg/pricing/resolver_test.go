package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainledger/chainledger/pkg/model"
)

var (
	eth    = model.Asset{Chain: "ethereum", Symbol: "ETH", Decimals: 18}
	queryT = time.Date(2024, 5, 1, 14, 37, 12, 0, time.UTC)
	bucket = time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeStore struct {
	point PricePoint
	found bool
	saved []PricePoint
}

func (s *fakeStore) NearestPrice(_ context.Context, assetKey string, at time.Time, tolerance time.Duration) (PricePoint, bool, error) {
	return s.point, s.found, nil
}

func (s *fakeStore) SavePrices(_ context.Context, points []PricePoint) error {
	s.saved = append(s.saved, points...)
	return nil
}

type fakeProvider struct {
	points []ProviderPrice
	calls  int
	err    error
}

func (p *fakeProvider) FetchRange(_ context.Context, id string, from, to time.Time) ([]ProviderPrice, error) {
	p.calls++
	return p.points, p.err
}

func TestUnitPriceExactCacheHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectGet(cacheKey(eth.Key(), bucket)).SetVal("3124.55")

	r := NewResolver(Config{Cache: NewRedisCache(db)})
	price, source, err := r.UnitPrice(context.Background(), eth, queryT)

	require.NoError(t, err)
	assert.True(t, price.Equal(d("3124.55")))
	assert.Equal(t, SourceCacheExact, source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitPriceFallsBackToStore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	key := cacheKey(eth.Key(), bucket)
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, "3100", 30*24*time.Hour).SetVal("OK")

	store := &fakeStore{
		point: PricePoint{AssetKey: eth.Key(), At: queryT.Add(-20 * time.Minute), Price: d("3100")},
		found: true,
	}
	r := NewResolver(Config{Cache: NewRedisCache(db), Store: store})

	price, source, err := r.UnitPrice(context.Background(), eth, queryT)
	require.NoError(t, err)
	assert.True(t, price.Equal(d("3100")))
	assert.Equal(t, SourceCacheNear, source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitPriceProviderFetchPicksNearestAndPersists(t *testing.T) {
	provider := &fakeProvider{points: []ProviderPrice{
		{At: queryT.Add(-50 * time.Minute), Price: d("3000")},
		{At: queryT.Add(-5 * time.Minute), Price: d("3050")},
		{At: queryT.Add(40 * time.Minute), Price: d("3080")},
	}}
	store := &fakeStore{}
	r := NewResolver(Config{
		Store:    store,
		Provider: provider,
		IDs:      map[string]string{eth.Key(): "ethereum"},
	})

	price, source, err := r.UnitPrice(context.Background(), eth, queryT)
	require.NoError(t, err)
	assert.True(t, price.Equal(d("3050")), "nearest observation wins")
	assert.Equal(t, SourceProvider, source)
	assert.Len(t, store.saved, 3, "all fetched observations persisted")
}

func TestUnitPriceUnavailableWhenGapExceedsTolerance(t *testing.T) {
	provider := &fakeProvider{points: []ProviderPrice{
		{At: queryT.Add(-3 * time.Hour), Price: d("2900")},
	}}
	r := NewResolver(Config{
		Provider:  provider,
		IDs:       map[string]string{eth.Key(): "ethereum"},
		Tolerance: time.Hour,
	})

	_, _, err := r.UnitPrice(context.Background(), eth, queryT)
	assert.ErrorIs(t, err, model.ErrPriceUnavailable)
}

func TestUnitPriceUnavailableForUnmappedAsset(t *testing.T) {
	r := NewResolver(Config{Provider: &fakeProvider{}, IDs: map[string]string{}})

	_, _, err := r.UnitPrice(context.Background(), eth, queryT)
	assert.ErrorIs(t, err, model.ErrPriceUnavailable)
}

func TestUnitPriceUnavailableWithoutProvider(t *testing.T) {
	r := NewResolver(Config{})

	_, _, err := r.UnitPrice(context.Background(), eth, queryT)
	assert.ErrorIs(t, err, model.ErrPriceUnavailable)
}

func TestUnitPriceProviderErrorSurfacesAsUnavailable(t *testing.T) {
	provider := &fakeProvider{err: assert.AnError}
	r := NewResolver(Config{Provider: provider, IDs: map[string]string{eth.Key(): "ethereum"}})

	_, _, err := r.UnitPrice(context.Background(), eth, queryT)
	assert.ErrorIs(t, err, model.ErrPriceUnavailable)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.SetString(ctx, "k", "v", time.Minute))
	val, ok, err := c.GetString(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", val)

	require.NoError(t, c.SetString(ctx, "gone", "v", -time.Second))
	_, ok, err = c.GetString(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}
