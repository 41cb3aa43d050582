package oracle

import (
	"context"
	"fmt"
	"sync"

	"PortfolioAutopilot/internal/model"
)

// MockOracle returns controllable fixed prices for development and testing.
type MockOracle struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  int
}

// NewMockOracle creates a MockOracle seeded with prices keyed by pair.
func NewMockOracle(prices map[string]float64) *MockOracle {
	m := &MockOracle{prices: make(map[string]float64, len(prices))}
	for k, v := range prices {
		m.prices[k] = v
	}
	return m
}

// SetPrice sets or replaces the price of pair.
func (m *MockOracle) SetPrice(pair string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[pair] = price
}

// Remove makes pair unknown.
func (m *MockOracle) Remove(pair string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prices, pair)
}

// Calls returns the number of pairs looked up so far.
func (m *MockOracle) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockOracle) GetPrice(_ context.Context, pair string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	p, ok := m.prices[pair]
	if !ok {
		return 0, fmt.Errorf("%w: unknown pair %s", model.ErrPriceUnavailable, pair)
	}
	return p, nil
}

func (m *MockOracle) GetPrices(_ context.Context, pairs []string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		m.calls++
		if p, ok := m.prices[pair]; ok {
			out[pair] = p
		}
	}
	return out, nil
}
