package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// COINGECKO FETCHER
// =============================================================================

// DefaultBaseURL is the public CoinGecko API root.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// CoinGecko fetches spot prices from the simple/price endpoint.
type CoinGecko struct {
	baseURL string
	coin    string
	vs      string
	client  *http.Client
}

// NewCoinGecko creates a fetcher for the bitcoin/usd pair.
func NewCoinGecko(baseURL string, timeout time.Duration) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		coin:    "bitcoin",
		vs:      "usd",
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch returns the current price.
func (c *CoinGecko) Fetch(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("ids", c.coin)
	q.Set("vs_currencies", c.vs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("coingecko returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result simplePriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	price, ok := result[c.coin][c.vs]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("coingecko response has no %s/%s price", c.coin, c.vs)
	}
	return price, nil
}

// simplePriceResponse is {"bitcoin":{"usd":64000.12}}.
type simplePriceResponse map[string]map[string]float64
