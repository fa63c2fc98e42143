package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CoinGeckoFeed fetches spot prices from the CoinGecko simple-price API.
type CoinGeckoFeed struct {
	baseURL string
	http    *http.Client
}

func NewCoinGeckoFeed(baseURL string) *CoinGeckoFeed {
	return &CoinGeckoFeed{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *CoinGeckoFeed) FetchPrice(ctx context.Context, feedID string) (float64, error) {
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", f.baseURL, feedID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price feed returned %d", resp.StatusCode)
	}

	// Response shape: {"<id>": {"usd": <price>}}
	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode price response: %w", err)
	}
	price, ok := body[feedID]["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("price not found for %s", feedID)
	}
	return price, nil
}
