package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// asset ids as the provider names them.
var assetIDs = map[string]string{
	"XRP": "ripple",
	"BTC": "bitcoin",
	"ETH": "ethereum",
}

// CoinGeckoClient implements Client against the CoinGecko HTTP API.
// An API key, when configured, is sent as the pro header and unlocks the
// higher request ceiling.
type CoinGeckoClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewCoinGeckoClient(baseURL, apiKey string) *CoinGeckoClient {
	return &CoinGeckoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// splitPair maps "XRP/USD" to the provider's (asset id, vs currency).
func splitPair(pair string) (string, string, error) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid asset pair %q", pair)
	}
	id, ok := assetIDs[strings.ToUpper(parts[0])]
	if !ok {
		return "", "", fmt.Errorf("unknown asset %q", parts[0])
	}
	return id, strings.ToLower(parts[1]), nil
}

func (c *CoinGeckoClient) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("market %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrThrottled
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("market %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CurrentPrice implements Client.
func (c *CoinGeckoClient) CurrentPrice(ctx context.Context, pair string) (*Price, error) {
	id, vs, err := splitPair(pair)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", vs)
	q.Set("include_24hr_change", "true")

	var res map[string]map[string]float64
	if err := c.get(ctx, "/simple/price", q, &res); err != nil {
		return nil, err
	}
	data, ok := res[id]
	if !ok {
		return nil, fmt.Errorf("market: no quote for %s", pair)
	}

	return &Price{
		Pair:      pair,
		Value:     decimal.NewFromFloat(data[vs]),
		Change24h: data[vs+"_24h_change"],
		Timestamp: time.Now().UTC(),
	}, nil
}

// History implements Client.
func (c *CoinGeckoClient) History(ctx context.Context, pair string, days int) ([]PricePoint, error) {
	id, vs, err := splitPair(pair)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("vs_currency", vs)
	q.Set("days", fmt.Sprintf("%d", days))

	var res struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := c.get(ctx, "/coins/"+id+"/market_chart", q, &res); err != nil {
		return nil, err
	}

	points := make([]PricePoint, 0, len(res.Prices))
	for _, p := range res.Prices {
		points = append(points, PricePoint{
			Timestamp: time.UnixMilli(int64(p[0])).UTC(),
			Value:     p[1],
		})
	}
	return points, nil
}

// MarketStats implements Client.
func (c *CoinGeckoClient) MarketStats(ctx context.Context, pair string) (*Stats, error) {
	id, vs, err := splitPair(pair)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", vs)
	q.Set("include_market_cap", "true")
	q.Set("include_24hr_vol", "true")
	q.Set("include_24hr_change", "true")

	var res map[string]map[string]float64
	if err := c.get(ctx, "/simple/price", q, &res); err != nil {
		return nil, err
	}
	data, ok := res[id]
	if !ok {
		return nil, fmt.Errorf("market: no stats for %s", pair)
	}

	return &Stats{
		Pair:      pair,
		MarketCap: data[vs+"_market_cap"],
		Volume24h: data[vs+"_24h_vol"],
		Change24h: data[vs+"_24h_change"],
		Timestamp: time.Now().UTC(),
	}, nil
}

var _ Client = (*CoinGeckoClient)(nil)
