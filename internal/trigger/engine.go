// Package trigger implements one-shot conditional execution keyed on the
// percentage price movement of an asset from a fixed baseline.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/oracle"
	"PortfolioAutopilot/internal/swap"
)

// DefaultSlippage is the tolerance applied to the minimum swap output.
const DefaultSlippage = 0.01

// Phase is the engine's position in Idle -> Monitoring -> Fired.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseMonitoring Phase = "monitoring"
	PhaseFired      Phase = "fired"
)

// Config is one trigger rule. TriggerPercent is signed: positive fires on a
// rise of at least that much, negative on a fall of at least that much.
type Config struct {
	ID             string
	Asset          string
	BaselinePrice  float64
	TriggerPercent float64
	ActionPercent  float64
	Venue          string
}

// State is the engine's mutable state.
type State struct {
	Phase         Phase
	Fired         bool
	CheckCount    int
	LastCheckedAt time.Time
	LastPrice     float64
	LastChange    float64
	FiredAt       time.Time
	TxID          string
}

// Result describes one CheckAndExecute call.
type Result struct {
	Fired        bool
	AlreadyFired bool
	Price        float64
	Change       float64
	SellAmount   float64
	TxID         string
}

// Options carries the engine's collaborators.
type Options struct {
	Oracle      oracle.Oracle
	Swap        swap.Client
	StableAsset string
	Quote       string
	Slippage    float64
}

// Engine evaluates one trigger rule. Safe for concurrent use; checks are serialized.
type Engine struct {
	runMu sync.Mutex // serializes CheckAndExecute

	mu    sync.Mutex // guards cfg and state
	cfg   Config
	state State

	oracle   oracle.Oracle
	swap     swap.Client
	stable   string
	quote    string
	slippage float64
	now      func() time.Time
}

// New validates cfg and creates an idle engine.
func New(cfg Config, opts Options) (*Engine, error) {
	if cfg.Asset == "" {
		return nil, fmt.Errorf("%w: trigger %s: asset is required", model.ErrInvalidConfig, cfg.ID)
	}
	if cfg.BaselinePrice <= 0 || math.IsNaN(cfg.BaselinePrice) {
		return nil, fmt.Errorf("%w: trigger %s: baseline price must be positive", model.ErrInvalidConfig, cfg.ID)
	}
	if cfg.TriggerPercent == 0 || math.IsNaN(cfg.TriggerPercent) {
		return nil, fmt.Errorf("%w: trigger %s: trigger percent must be non-zero", model.ErrInvalidConfig, cfg.ID)
	}
	if cfg.ActionPercent <= 0 || cfg.ActionPercent > 100 {
		return nil, fmt.Errorf("%w: trigger %s: action percent must be in (0, 100]", model.ErrInvalidConfig, cfg.ID)
	}
	if opts.Oracle == nil || opts.Swap == nil {
		return nil, fmt.Errorf("%w: trigger %s: oracle and swap client are required", model.ErrInvalidConfig, cfg.ID)
	}
	if opts.StableAsset == "" {
		opts.StableAsset = "USDC"
	}
	if opts.Quote == "" {
		opts.Quote = "USD"
	}
	if opts.Slippage <= 0 {
		opts.Slippage = DefaultSlippage
	}
	return &Engine{
		cfg:      cfg,
		state:    State{Phase: PhaseIdle},
		oracle:   opts.Oracle,
		swap:     opts.Swap,
		stable:   opts.StableAsset,
		quote:    opts.Quote,
		slippage: opts.Slippage,
		now:      time.Now,
	}, nil
}

// CalculateChange returns the percentage move of current from baseline.
// A zero baseline yields 0.
func CalculateChange(current, baseline float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (current - baseline) * 100 / baseline
}

func crossed(change, threshold float64) bool {
	if threshold > 0 {
		return change >= threshold
	}
	return change <= threshold
}

// CheckAndExecute fetches the current price and, if the threshold is crossed,
// sells ActionPercent of the asset balance into the stable asset. The engine
// only becomes Fired after the swap is confirmed; a failed swap leaves it
// monitoring so the next check retries. Fired engines return immediately
// without querying the oracle.
func (e *Engine) CheckAndExecute(ctx context.Context) (Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	if e.state.Phase == PhaseFired {
		e.mu.Unlock()
		return Result{AlreadyFired: true}, nil
	}
	e.state.Phase = PhaseMonitoring
	e.state.CheckCount++
	e.state.LastCheckedAt = e.now()
	cfg := e.cfg
	e.mu.Unlock()

	price, err := e.oracle.GetPrice(ctx, oracle.Pair(cfg.Asset, e.quote))
	if err != nil {
		if !errors.Is(err, model.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrPriceUnavailable, err)
		}
		return Result{}, fmt.Errorf("trigger %s: %w", cfg.ID, err)
	}
	change := CalculateChange(price, cfg.BaselinePrice)
	res := Result{Price: price, Change: change}

	e.mu.Lock()
	e.state.LastPrice = price
	e.state.LastChange = change
	e.mu.Unlock()

	if !crossed(change, cfg.TriggerPercent) {
		log.Debug().Str("trigger", cfg.ID).Float64("price", price).Float64("change_pct", change).
			Float64("threshold_pct", cfg.TriggerPercent).Msg("trigger not crossed")
		return res, nil
	}

	log.Info().Str("trigger", cfg.ID).Str("asset", cfg.Asset).Float64("price", price).
		Float64("change_pct", change).Msg("trigger threshold crossed, executing action")
	sold, rcpt, err := e.execute(ctx, cfg, price)
	if err != nil {
		return res, fmt.Errorf("trigger %s: %w", cfg.ID, err)
	}

	res.Fired = true
	res.SellAmount = sold
	res.TxID = rcpt.TxID

	e.mu.Lock()
	e.state.Phase = PhaseFired
	e.state.Fired = true
	e.state.FiredAt = e.now()
	e.state.TxID = rcpt.TxID
	e.mu.Unlock()

	log.Info().Str("trigger", cfg.ID).Str("tx", rcpt.TxID).Float64("sold", sold).Msg("trigger fired")
	return res, nil
}

func (e *Engine) execute(ctx context.Context, cfg Config, price float64) (float64, swap.Receipt, error) {
	balance, err := e.swap.GetBalance(ctx, cfg.Asset)
	if err != nil {
		return 0, swap.Receipt{}, fmt.Errorf("%w: get %s balance: %w", model.ErrSwapFailed, cfg.Asset, err)
	}
	sell := balance * cfg.ActionPercent / 100
	if sell <= 0 {
		return 0, swap.Receipt{}, fmt.Errorf("%w: no %s balance to sell", model.ErrSwapFailed, cfg.Asset)
	}
	stablePrice, err := e.oracle.GetPrice(ctx, oracle.Pair(e.stable, e.quote))
	if err == nil && stablePrice <= 0 {
		err = fmt.Errorf("non-positive price %v", stablePrice)
	}
	if err != nil {
		if !errors.Is(err, model.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrPriceUnavailable, err)
		}
		return 0, swap.Receipt{}, fmt.Errorf("price %s: %w", e.stable, err)
	}
	minOut := sell * price / stablePrice * (1 - e.slippage)

	rcpt, err := e.swap.ExecuteSwap(ctx, swap.Request{
		TokenIn:      cfg.Asset,
		TokenOut:     e.stable,
		AmountIn:     sell,
		MinAmountOut: minOut,
		Venue:        cfg.Venue,
	})
	if err != nil {
		if !errors.Is(err, model.ErrSwapFailed) {
			err = fmt.Errorf("%w: %w", model.ErrSwapFailed, err)
		}
		return 0, swap.Receipt{}, err
	}
	return sell, rcpt, nil
}

// Reset re-arms the engine: clears fired and the check count and returns to
// monitoring. It waits for an in-flight CheckAndExecute to finish.
func (e *Engine) Reset() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = State{Phase: PhaseMonitoring}
}

// UpdateBaseline re-bases future comparisons. Allowed in any phase.
func (e *Engine) UpdateBaseline(baseline float64) error {
	if baseline <= 0 || math.IsNaN(baseline) {
		return fmt.Errorf("%w: trigger %s: baseline price must be positive", model.ErrInvalidConfig, e.ID())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.BaselinePrice = baseline
	return nil
}

// Restore replaces the engine state, e.g. with state loaded from the store.
func (e *Engine) Restore(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.Fired {
		s.Phase = PhaseFired
	} else if s.Phase == PhaseFired || s.Phase == "" {
		s.Phase = PhaseIdle
	}
	e.state = s
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Config returns a copy of the current rule.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// ID returns the trigger id.
func (e *Engine) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.ID
}
