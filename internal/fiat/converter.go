package fiat

import (
	"context"
	"displaywallet/pkg/logger"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const SatsPerBTC = 100_000_000

// SatsToFiat converts sats at btcPrice and rounds to cents.
func SatsToFiat(sats int64, btcPrice float64) float64 {
	value := float64(sats) / SatsPerBTC * btcPrice
	return math.Round(value*100) / 100
}

// Converter caches prices per currency so a burst of balance changes costs
// one API call.
type Converter struct {
	provider PriceProvider
	currency string
	prices   *expirable.LRU[string, float64]
}

func NewConverter(provider PriceProvider, currency string, ttl time.Duration) (*Converter, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("fiat currency must be 3 characters (got %q)", currency)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Converter{
		provider: provider,
		currency: currency,
		prices:   expirable.NewLRU[string, float64](8, nil, ttl),
	}, nil
}

func (c *Converter) Currency() string {
	return c.currency
}

// Value returns the fiat value of sats in the configured currency.
func (c *Converter) Value(ctx context.Context, sats int64) (float64, error) {
	price, ok := c.prices.Get(c.currency)
	if !ok {
		var err error
		price, err = c.provider.BTCPrice(ctx, c.currency)
		if err != nil {
			return 0, err
		}
		c.prices.Add(c.currency, price)
		logger.Debug("Fetched BTC price",
			zap.String("provider", c.provider.Name()),
			zap.String("currency", c.currency),
			zap.Float64("price", price))
	}
	return SatsToFiat(sats, price), nil
}
