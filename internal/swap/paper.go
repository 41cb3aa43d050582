package swap

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/oracle"
)

// Paper is a simulated venue that fills every swap at the oracle price.
// Used for dry runs and tests.
type Paper struct {
	mu       sync.Mutex
	balances map[string]float64
	oracle   oracle.Oracle
	quote    string
	swaps    []Request
}

// NewPaper creates a paper venue priced in quote.
func NewPaper(o oracle.Oracle, quote string, balances map[string]float64) *Paper {
	p := &Paper{balances: make(map[string]float64), oracle: o, quote: quote}
	for k, v := range balances {
		p.balances[k] = v
	}
	return p
}

// SetBalance overrides the balance of token.
func (p *Paper) SetBalance(token string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[token] = amount
}

// Swaps returns the executed requests in order.
func (p *Paper) Swaps() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.swaps...)
}

func (p *Paper) GetBalance(_ context.Context, token string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[token], nil
}

func (p *Paper) ExecuteSwap(ctx context.Context, r Request) (Receipt, error) {
	if r.AmountIn <= 0 {
		return Receipt{}, fmt.Errorf("%w: non-positive amount %v", model.ErrSwapFailed, r.AmountIn)
	}
	priceIn, err := p.oracle.GetPrice(ctx, oracle.Pair(r.TokenIn, p.quote))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", model.ErrSwapFailed, err)
	}
	priceOut, err := p.oracle.GetPrice(ctx, oracle.Pair(r.TokenOut, p.quote))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", model.ErrSwapFailed, err)
	}
	out := r.AmountIn * priceIn / priceOut

	p.mu.Lock()
	defer p.mu.Unlock()
	have := p.balances[r.TokenIn]
	if have < r.AmountIn && r.AmountIn-have > 1e-9*r.AmountIn {
		return Receipt{}, fmt.Errorf("%w: insufficient %s balance: have %v, need %v",
			model.ErrSwapFailed, r.TokenIn, have, r.AmountIn)
	}
	if out < r.MinAmountOut {
		return Receipt{}, fmt.Errorf("%w: slippage: out %v < min %v", model.ErrSwapFailed, out, r.MinAmountOut)
	}
	p.balances[r.TokenIn] = math.Max(0, have-r.AmountIn)
	p.balances[r.TokenOut] += out
	p.swaps = append(p.swaps, r)
	return Receipt{TxID: "paper-" + uuid.NewString(), AmountOut: out}, nil
}
