// Package swap executes trades on a venue and reports balances.
package swap

import "context"

// Request is a trade intent: sell AmountIn of TokenIn for at least
// MinAmountOut of TokenOut.
type Request struct {
	TokenIn      string
	TokenOut     string
	AmountIn     float64
	MinAmountOut float64
	Venue        string
}

// Receipt confirms an executed swap.
type Receipt struct {
	TxID      string
	AmountOut float64
}

// Client is the swap executor.
type Client interface {
	// ExecuteSwap fails with model.ErrSwapFailed when the venue rejects the
	// trade or does not confirm it.
	ExecuteSwap(ctx context.Context, req Request) (Receipt, error)
	GetBalance(ctx context.Context, token string) (float64, error)
}
