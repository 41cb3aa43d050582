package model

import "time"

// TradeAction is the side of a rebalance trade.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// AllocationTarget is the desired share of one asset in a portfolio.
type AllocationTarget struct {
	Asset         string  `json:"asset" yaml:"asset"`
	TargetPercent float64 `json:"target_percent" yaml:"percent"`
}

// PortfolioSnapshot is a point-in-time valuation. Never mutated after creation.
type PortfolioSnapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	TotalValue  float64            `json:"total_value"`
	Holdings    map[string]float64 `json:"holdings"`
	Prices      map[string]float64 `json:"prices"`
	Allocations map[string]float64 `json:"allocations"`
}

// Value returns the quote value held in asset.
func (s *PortfolioSnapshot) Value(asset string) float64 {
	return s.Holdings[asset] * s.Prices[asset]
}

// RebalanceTrade moves one asset's allocation back toward its target.
// DeltaValue is positive for underweight assets (BUY) and negative for
// overweight ones (SELL).
type RebalanceTrade struct {
	Asset          string      `json:"asset"`
	Action         TradeAction `json:"action"`
	DeltaValue     float64     `json:"delta_value"`
	CurrentPercent float64     `json:"current_percent"`
	TargetPercent  float64     `json:"target_percent"`
	Drift          float64     `json:"drift"`
	AmountIn       float64     `json:"amount_in,omitempty"`
	TxID           string      `json:"tx_id,omitempty"`
}
