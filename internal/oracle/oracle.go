// Package oracle provides price lookups for trading pairs.
package oracle

import (
	"context"
	"strings"
)

// Oracle is the sole source of market data.
type Oracle interface {
	// GetPrice returns the price of pair. Fails with model.ErrPriceUnavailable
	// for unknown pairs or when the upstream cannot be reached.
	GetPrice(ctx context.Context, pair string) (float64, error)
	// GetPrices prices a batch. A pair that cannot be priced is omitted from
	// the result rather than failing the batch.
	GetPrices(ctx context.Context, pairs []string) (map[string]float64, error)
}

// Pair builds the canonical BASE/QUOTE pair name.
func Pair(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}
