// Package fiat converts the wallet balance to a fiat value using public
// BTC spot price APIs.
package fiat

import (
	"context"
	"displaywallet/pkg/logger"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrUnknownProvider = errors.New("unknown fiat provider")

// PriceProvider returns the price of one BTC in a fiat currency.
type PriceProvider interface {
	Name() string
	BTCPrice(ctx context.Context, currency string) (float64, error)
}

const (
	coinbaseBaseURL  = "https://api.coinbase.com"
	coingeckoBaseURL = "https://api.coingecko.com"
	bitstampBaseURL  = "https://www.bitstamp.net"
)

type coinbase struct {
	httpClient *http.Client
	baseURL    string
}

type coingecko struct {
	httpClient *http.Client
	baseURL    string
}

type bitstamp struct {
	httpClient *http.Client
	baseURL    string
}

type coinbaseSpotResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

type coingeckoSimplePriceResponse map[string]map[string]float64

type bitstampTickerResponse struct {
	Last string `json:"last"`
}

// NewProvider returns the provider called name (coinbase, coingecko or
// bitstamp, case-insensitive). An empty baseURL selects the public API and a
// nil httpClient a client with a 10s timeout.
func NewProvider(name string, baseURL string, httpClient *http.Client) (PriceProvider, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	switch name {
	case "coinbase":
		return &coinbase{httpClient: httpClient, baseURL: orDefault(baseURL, coinbaseBaseURL)}, nil
	case "coingecko":
		return &coingecko{httpClient: httpClient, baseURL: orDefault(baseURL, coingeckoBaseURL)}, nil
	case "bitstamp":
		return &bitstamp{httpClient: httpClient, baseURL: orDefault(baseURL, bitstampBaseURL)}, nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: coinbase, coingecko, bitstamp)", ErrUnknownProvider, name)
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return strings.TrimRight(value, "/")
}

// fetchJSON makes an HTTP GET request and decodes the JSON response into target.
func fetchJSON(ctx context.Context, client *http.Client, url string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("Failed to fetch price data", zap.String("url", url), zap.Error(err))
		return fmt.Errorf("failed to fetch data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("Price API returned error", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func parsePrice(provider, raw string) (float64, error) {
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid price format: %w", provider, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%s: invalid price value: %f", provider, price)
	}
	return price, nil
}

func (c *coinbase) Name() string { return "coinbase" }

// BTCPrice reads the spot price, e.g. /v2/prices/BTC-EUR/spot.
func (c *coinbase) BTCPrice(ctx context.Context, currency string) (float64, error) {
	currency = strings.ToUpper(currency)
	apiURL := fmt.Sprintf("%s/v2/prices/BTC-%s/spot", c.baseURL, currency)

	var response coinbaseSpotResponse
	if err := fetchJSON(ctx, c.httpClient, apiURL, &response); err != nil {
		return 0, fmt.Errorf("coinbase: %w", err)
	}
	return parsePrice("coinbase", response.Data.Amount)
}

func (c *coingecko) Name() string { return "coingecko" }

func (c *coingecko) BTCPrice(ctx context.Context, currency string) (float64, error) {
	currency = strings.ToLower(currency)
	apiURL := fmt.Sprintf("%s/api/v3/simple/price?ids=bitcoin&vs_currencies=%s", c.baseURL, currency)

	var response coingeckoSimplePriceResponse
	if err := fetchJSON(ctx, c.httpClient, apiURL, &response); err != nil {
		return 0, fmt.Errorf("coingecko: %w", err)
	}

	price, ok := response["bitcoin"][currency]
	if !ok {
		return 0, fmt.Errorf("coingecko: currency %s not found in response", currency)
	}
	if price <= 0 {
		return 0, fmt.Errorf("coingecko: invalid price value: %f", price)
	}
	return price, nil
}

func (c *bitstamp) Name() string { return "bitstamp" }

// BTCPrice uses the last trade of the btc<currency> ticker. Bitstamp only
// lists a few currencies (usd, eur, gbp).
func (c *bitstamp) BTCPrice(ctx context.Context, currency string) (float64, error) {
	currency = strings.ToLower(currency)
	apiURL := fmt.Sprintf("%s/api/v2/ticker/btc%s", c.baseURL, currency)

	var response bitstampTickerResponse
	if err := fetchJSON(ctx, c.httpClient, apiURL, &response); err != nil {
		return 0, fmt.Errorf("bitstamp: %w", err)
	}
	return parsePrice("bitstamp", response.Last)
}
