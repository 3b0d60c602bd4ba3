package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ProviderPrice is one observation returned by an external price provider.
type ProviderPrice struct {
	At    time.Time
	Price decimal.Decimal
}

// Provider fetches historical market prices for one provider-known asset id
// over a time range.
type Provider interface {
	FetchRange(ctx context.Context, providerID string, from, to time.Time) ([]ProviderPrice, error)
}

// HTTPProvider talks to a CoinGecko-compatible market-chart API. Calls are
// rate limited client-side and retried with exponential backoff on 429 and
// 5xx, since free tiers throttle aggressively.
type HTTPProvider struct {
	baseURL    string
	currency   string
	apiKey     string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL        string
	Currency       string // fiat quote currency, e.g. "usd"
	APIKey         string
	RequestTimeout time.Duration
	RequestsPerMin int
	MaxRetries     uint64
}

// NewHTTPProvider builds a provider from config, applying free-tier
// defaults where fields are zero.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.RequestsPerMin == 0 {
		cfg.RequestsPerMin = 30
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &HTTPProvider{
		baseURL:    cfg.BaseURL,
		currency:   cfg.Currency,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMin)/60.0), 1),
		maxRetries: cfg.MaxRetries,
	}
}

// marketChart is the wire shape of /coins/{id}/market_chart/range.
// Prices rows are [unix_ms, price] pairs.
type marketChart struct {
	Prices [][2]json.Number `json:"prices"`
}

func (p *HTTPProvider) FetchRange(ctx context.Context, providerID string, from, to time.Time) ([]ProviderPrice, error) {
	if providerID == "" {
		return nil, fmt.Errorf("empty provider id")
	}

	endpoint := fmt.Sprintf("%s/coins/%s/market_chart/range", p.baseURL, url.PathEscape(providerID))
	q := url.Values{}
	q.Set("vs_currency", p.currency)
	q.Set("from", fmt.Sprintf("%d", from.Unix()))
	q.Set("to", fmt.Sprintf("%d", to.Unix()))

	var chart marketChart
	op := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if p.apiKey != "" {
			req.Header.Set("x-cg-demo-api-key", p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			log.Printf("[PriceProvider] %s returned %d, backing off", providerID, resp.StatusCode)
			return fmt.Errorf("provider returned %d", resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("provider returned %d: %s", resp.StatusCode, body))
		}
		return json.NewDecoder(resp.Body).Decode(&chart)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("failed to fetch %s prices: %w", providerID, err)
	}

	points := make([]ProviderPrice, 0, len(chart.Prices))
	for _, row := range chart.Prices {
		ms, err := row[0].Int64()
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(row[1].String())
		if err != nil {
			continue
		}
		points = append(points, ProviderPrice{At: time.UnixMilli(ms).UTC(), Price: price})
	}
	return points, nil
}
