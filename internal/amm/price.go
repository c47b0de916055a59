package amm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SOLPriceUSD returns the SOL/USD price with a short TTL cache. Best-effort:
// a stale value is served while the refresh fails, and callers treat 0 as
// unknown. Never sits on the trade path.
func (c *Client) SOLPriceUSD(ctx context.Context) float64 {
	c.priceMu.RLock()
	if time.Since(c.priceAsOf) < c.priceTTL && c.solPrice > 0 {
		price := c.solPrice
		c.priceMu.RUnlock()
		return price
	}
	stale := c.solPrice
	c.priceMu.RUnlock()

	var result struct {
		PriceUSD float64 `json:"priceUsd"`
	}
	if err := c.getJSON(ctx, "/v1/price/sol", &result); err != nil {
		log.Debug().Err(err).Msg("sol price refresh failed")
		return stale
	}
	if result.PriceUSD <= 0 {
		return stale
	}

	c.priceMu.Lock()
	c.solPrice = result.PriceUSD
	c.priceAsOf = time.Now()
	c.priceMu.Unlock()

	return result.PriceUSD
}
