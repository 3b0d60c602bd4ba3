package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainledger/chainledger/pkg/labels"
	"github.com/chainledger/chainledger/pkg/model"
	"github.com/chainledger/chainledger/pkg/pricing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestNearestPriceWithinTolerance(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SavePrices(ctx, []pricing.PricePoint{
		{AssetKey: "ethereum:native", At: base.Add(-45 * time.Minute), Price: d("3000"), Source: pricing.SourceProvider},
		{AssetKey: "ethereum:native", At: base.Add(10 * time.Minute), Price: d("3010"), Source: pricing.SourceProvider},
		{AssetKey: "solana:native", At: base, Price: d("140"), Source: pricing.SourceProvider},
	}))

	p, ok, err := s.NearestPrice(ctx, "ethereum:native", base, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Price.Equal(d("3010")), "closest observation wins, got %s", p.Price)

	_, ok, err = s.NearestPrice(ctx, "ethereum:native", base.Add(12*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "outside tolerance is a miss, not a stale estimate")

	_, ok, err = s.NearestPrice(ctx, "bitcoin:native", base, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSavePricesUpserts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SavePrices(ctx, []pricing.PricePoint{{AssetKey: "ethereum:native", At: at, Price: d("3000"), Source: pricing.SourceProvider}}))
	require.NoError(t, s.SavePrices(ctx, []pricing.PricePoint{{AssetKey: "ethereum:native", At: at, Price: d("3001"), Source: pricing.SourceProvider}}))

	p, ok, err := s.NearestPrice(ctx, "ethereum:native", at, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Price.Equal(d("3001")))
}

func TestLabelRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.BulkLoadLabels(ctx, []labels.Label{
		{Chain: "ethereum", Address: "0xDEF1", Name: "0x Exchange Proxy", Category: labels.CategoryDEX},
	}))

	l, ok, err := s.LookupLabel("ethereum", "0xdef1")
	require.NoError(t, err)
	require.True(t, ok, "lookup is case-insensitive")
	assert.Equal(t, "0x Exchange Proxy", l.Name)
	assert.Equal(t, labels.CategoryDEX, l.Category)

	_, ok, err = s.LookupLabel("ethereum", "0xmissing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBulkLoadLabelsRejectsInvalid(t *testing.T) {
	s := newTestStorage(t)
	err := s.BulkLoadLabels(context.Background(), []labels.Label{{Chain: "ethereum", Address: "0x1"}})
	assert.Error(t, err)
}

func TestTaxEventsRoundTripAndIdempotentReplace(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	acq := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	disp := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	ev := model.TaxEvent{
		ID: "ev-1", Wallet: "w1", AssetKey: "ethereum:native", Symbol: "ETH",
		Quantity: d("1.5"), Proceeds: d("4500"), CostBasis: d("2250"), Gain: d("2250"),
		AcquiredAt: acq, DisposedAt: disp, Term: model.TermLong,
		LotID: "lot-1", AcquireTxHash: "0xa", DisposeTxHash: "0xb",
	}
	require.NoError(t, s.SaveTaxEvents(ctx, []model.TaxEvent{ev}))
	require.NoError(t, s.SaveTaxEvents(ctx, []model.TaxEvent{ev}), "re-save is an upsert")

	got, err := s.TaxEventsForWallet(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Gain.Equal(d("2250")))
	assert.Equal(t, model.TermLong, got[0].Term)
	assert.Equal(t, acq, got[0].AcquiredAt)

	other, err := s.TaxEventsForWallet(ctx, "w2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestQuarantineRoundTripAndReplace(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	rec := QuarantineRecord{
		Wallet: "w1", TxID: "ethereum:0xabc:0", AssetKey: "ethereum:0xshib",
		Symbol: "SHIB", Quantity: d("1000"), At: at, Reason: "no resolvable price",
	}
	require.NoError(t, s.SaveQuarantined(ctx, []QuarantineRecord{rec}))

	rec.Reason = "still no resolvable price"
	require.NoError(t, s.SaveQuarantined(ctx, []QuarantineRecord{rec}), "re-run replaces the row")

	got, err := s.QuarantinedForWallet(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Quantity.Equal(d("1000")))
	assert.Equal(t, "still no resolvable price", got[0].Reason)

	other, err := s.QuarantinedForWallet(ctx, "w2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSaveRun(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now().UTC()
	err := s.SaveRun(context.Background(), RunRecord{
		RunID: "run-1", Wallet: "w1", Chain: "ethereum", Status: "complete",
		StartedAt: now.Add(-time.Minute), FinishedAt: now, Events: 3,
	})
	assert.NoError(t, err)
}
