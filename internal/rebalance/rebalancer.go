// Package rebalance keeps a portfolio's allocations within a drift tolerance
// of configured targets.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/oracle"
	"PortfolioAutopilot/internal/swap"
)

const (
	// TargetTolerance is the allowed deviation of the target sum from 100.
	TargetTolerance = 0.01
	// DefaultSlippage is the tolerance applied to each trade's minimum output.
	DefaultSlippage = 0.01
	// DefaultHistorySize bounds the retained snapshots.
	DefaultHistorySize = 50
)

// Options configures a Rebalancer.
type Options struct {
	ID             string
	Targets        []model.AllocationTarget
	DriftThreshold float64
	StableAsset    string
	Quote          string
	Venue          string
	Slippage       float64
	HistorySize    int
}

// Result is the outcome of one rebalance cycle. Trades holds the executed
// trades (or the planned ones up to the failing trade on error).
type Result struct {
	Before *model.PortfolioSnapshot
	After  *model.PortfolioSnapshot
	Trades []model.RebalanceTrade
}

// Rebalancer owns one set of allocation targets and its snapshot history.
type Rebalancer struct {
	runMu sync.Mutex // serializes Rebalance

	opts   Options
	oracle oracle.Oracle
	swap   swap.Client
	now    func() time.Time

	mu      sync.Mutex
	history []model.PortfolioSnapshot
}

// ValidateTargets checks that targets are well-formed and sum to 100 within TargetTolerance.
func ValidateTargets(targets []model.AllocationTarget) error {
	if len(targets) == 0 {
		return fmt.Errorf("%w: at least one allocation target is required", model.ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(targets))
	sum := 0.0
	for _, t := range targets {
		asset := strings.ToUpper(t.Asset)
		if asset == "" {
			return fmt.Errorf("%w: allocation target without asset", model.ErrInvalidConfig)
		}
		if seen[asset] {
			return fmt.Errorf("%w: duplicate allocation target %s", model.ErrInvalidConfig, asset)
		}
		seen[asset] = true
		if t.TargetPercent < 0 || math.IsNaN(t.TargetPercent) {
			return fmt.Errorf("%w: target for %s must be non-negative", model.ErrInvalidConfig, asset)
		}
		sum += t.TargetPercent
	}
	if math.Abs(sum-100) > TargetTolerance {
		return fmt.Errorf("%w: allocation targets sum to %.4f%%, want 100%%", model.ErrInvalidConfig, sum)
	}
	return nil
}

// RequireStable checks that the stable asset is one of the targets. Every
// trade is funded by or paid out in the stable asset, so its holdings must be
// part of the valued portfolio.
func RequireStable(targets []model.AllocationTarget, stable string) error {
	for _, t := range targets {
		if strings.EqualFold(t.Asset, stable) {
			return nil
		}
	}
	return fmt.Errorf("%w: stable asset %s must be one of the allocation targets", model.ErrInvalidConfig, strings.ToUpper(stable))
}

// New validates opts and creates a Rebalancer.
func New(opts Options, o oracle.Oracle, s swap.Client) (*Rebalancer, error) {
	if err := ValidateTargets(opts.Targets); err != nil {
		return nil, fmt.Errorf("rebalancer %s: %w", opts.ID, err)
	}
	if opts.DriftThreshold < 0 || math.IsNaN(opts.DriftThreshold) {
		return nil, fmt.Errorf("rebalancer %s: %w: drift threshold must be non-negative", opts.ID, model.ErrInvalidConfig)
	}
	if o == nil || s == nil {
		return nil, fmt.Errorf("rebalancer %s: %w: oracle and swap client are required", opts.ID, model.ErrInvalidConfig)
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
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	opts.StableAsset = strings.ToUpper(opts.StableAsset)
	if err := RequireStable(opts.Targets, opts.StableAsset); err != nil {
		return nil, fmt.Errorf("rebalancer %s: %w", opts.ID, err)
	}
	targets := make([]model.AllocationTarget, len(opts.Targets))
	for i, t := range opts.Targets {
		targets[i] = model.AllocationTarget{Asset: strings.ToUpper(t.Asset), TargetPercent: t.TargetPercent}
	}
	opts.Targets = targets
	return &Rebalancer{opts: opts, oracle: o, swap: s, now: time.Now}, nil
}

// ID returns the rebalancer id.
func (r *Rebalancer) ID() string { return r.opts.ID }

// Targets returns a copy of the configured targets in order.
func (r *Rebalancer) Targets() []model.AllocationTarget {
	return append([]model.AllocationTarget(nil), r.opts.Targets...)
}

// Snapshot values the current holdings at live prices.
func (r *Rebalancer) Snapshot(ctx context.Context) (*model.PortfolioSnapshot, error) {
	holdings := make(map[string]float64, len(r.opts.Targets))
	pairs := make([]string, 0, len(r.opts.Targets)+1)
	for _, t := range r.opts.Targets {
		bal, err := r.swap.GetBalance(ctx, t.Asset)
		if err != nil {
			return nil, fmt.Errorf("rebalancer %s: get %s balance: %w", r.opts.ID, t.Asset, err)
		}
		holdings[t.Asset] = bal
		pairs = append(pairs, oracle.Pair(t.Asset, r.opts.Quote))
	}
	if _, ok := holdings[r.opts.StableAsset]; !ok {
		pairs = append(pairs, oracle.Pair(r.opts.StableAsset, r.opts.Quote))
	}

	quoted, err := r.oracle.GetPrices(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("rebalancer %s: get prices: %w", r.opts.ID, err)
	}
	prices := make(map[string]float64, len(pairs))
	var missing []string
	for _, t := range r.opts.Targets {
		p, ok := quoted[oracle.Pair(t.Asset, r.opts.Quote)]
		if !ok || p <= 0 {
			missing = append(missing, t.Asset)
			continue
		}
		prices[t.Asset] = p
	}
	if _, ok := prices[r.opts.StableAsset]; !ok {
		if p, ok := quoted[oracle.Pair(r.opts.StableAsset, r.opts.Quote)]; ok && p > 0 {
			prices[r.opts.StableAsset] = p
		} else {
			missing = append(missing, r.opts.StableAsset)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("rebalancer %s: %w: %s", r.opts.ID, model.ErrPriceUnavailable, strings.Join(missing, ", "))
	}
	return BuildSnapshot(r.now(), r.opts.Targets, holdings, prices), nil
}

// BuildSnapshot values holdings for the target assets. When the total value
// is zero every allocation is zero.
func BuildSnapshot(ts time.Time, targets []model.AllocationTarget, holdings, prices map[string]float64) *model.PortfolioSnapshot {
	snap := &model.PortfolioSnapshot{
		Timestamp:   ts,
		Holdings:    make(map[string]float64, len(holdings)),
		Prices:      make(map[string]float64, len(prices)),
		Allocations: make(map[string]float64, len(targets)),
	}
	for k, v := range prices {
		snap.Prices[k] = v
	}
	for _, t := range targets {
		snap.Holdings[t.Asset] = holdings[t.Asset]
		snap.TotalValue += holdings[t.Asset] * prices[t.Asset]
	}
	for _, t := range targets {
		if snap.TotalValue == 0 {
			snap.Allocations[t.Asset] = 0
			continue
		}
		snap.Allocations[t.Asset] = snap.Value(t.Asset) / snap.TotalValue * 100
	}
	return snap
}

// plan computes per-asset drift against the targets and derives the trades.
// Both Rebalance and NeedsRebalance go through here.
//
// The stable asset is the counter-leg of every swap, so its own drift is
// settled implicitly and it never gets a trade of its own. If the stable
// asset is the only one outside the threshold, every other asset with a
// non-zero drift is traded.
func (r *Rebalancer) plan(snap *model.PortfolioSnapshot) ([]model.RebalanceTrade, bool) {
	if snap.TotalValue == 0 {
		return nil, false
	}
	needed := false
	var trades, residual []model.RebalanceTrade
	for _, t := range r.opts.Targets {
		current := snap.Allocations[t.Asset]
		drift := current - t.TargetPercent
		outside := math.Abs(drift) > r.opts.DriftThreshold
		if outside {
			needed = true
		}
		if t.Asset == r.opts.StableAsset || drift == 0 {
			continue
		}
		delta := (t.TargetPercent - current) / 100 * snap.TotalValue
		trade := model.RebalanceTrade{
			Asset:          t.Asset,
			Action:         model.ActionSell,
			DeltaValue:     delta,
			CurrentPercent: current,
			TargetPercent:  t.TargetPercent,
			Drift:          drift,
		}
		if delta > 0 {
			trade.Action = model.ActionBuy
		}
		if outside {
			trades = append(trades, trade)
		} else {
			residual = append(residual, trade)
		}
	}
	if needed && len(trades) == 0 {
		trades = residual
	}
	return trades, needed
}

// Plan returns the trades the current snapshot calls for without executing them.
func (r *Rebalancer) Plan(ctx context.Context) (*model.PortfolioSnapshot, []model.RebalanceTrade, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	trades, _ := r.plan(snap)
	return snap, trades, nil
}

// NeedsRebalance reports whether any asset is outside the drift threshold. No side effects.
func (r *Rebalancer) NeedsRebalance(ctx context.Context) (bool, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	_, needed := r.plan(snap)
	return needed, nil
}

// Rebalance snapshots the portfolio, executes the planned trades in target
// order and records the post-trade snapshot. No trades is a success.
func (r *Rebalancer) Rebalance(ctx context.Context) (Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	before, err := r.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	trades, _ := r.plan(before)
	res := Result{Before: before}
	if len(trades) == 0 {
		log.Info().Str("portfolio", r.opts.ID).Float64("total_value", before.TotalValue).Msg("allocations within threshold, no trades")
		res.After = before
		r.record(*before)
		return res, nil
	}

	for _, t := range trades {
		executed, err := r.execute(ctx, before, t)
		if err != nil {
			return res, fmt.Errorf("rebalancer %s: %s %s: %w", r.opts.ID, t.Action, t.Asset, err)
		}
		res.Trades = append(res.Trades, executed)
		log.Info().Str("portfolio", r.opts.ID).Str("asset", t.Asset).Str("action", string(t.Action)).
			Float64("delta_value", t.DeltaValue).Float64("drift", t.Drift).Str("tx", executed.TxID).Msg("rebalance trade executed")
	}

	after, err := r.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("post-trade snapshot: %w", err)
	}
	res.After = after
	r.record(*after)
	return res, nil
}

func (r *Rebalancer) execute(ctx context.Context, snap *model.PortfolioSnapshot, t model.RebalanceTrade) (model.RebalanceTrade, error) {
	value := math.Abs(t.DeltaValue)
	assetPrice := snap.Prices[t.Asset]
	stablePrice := snap.Prices[r.opts.StableAsset]
	slip := 1 - r.opts.Slippage

	req := swap.Request{Venue: r.opts.Venue}
	if t.Action == model.ActionSell {
		req.TokenIn, req.TokenOut = t.Asset, r.opts.StableAsset
		req.AmountIn = value / assetPrice
		req.MinAmountOut = value / stablePrice * slip
	} else {
		req.TokenIn, req.TokenOut = r.opts.StableAsset, t.Asset
		req.AmountIn = value / stablePrice
		req.MinAmountOut = value / assetPrice * slip
	}
	rcpt, err := r.swap.ExecuteSwap(ctx, req)
	if err != nil {
		if !errors.Is(err, model.ErrSwapFailed) {
			err = fmt.Errorf("%w: %w", model.ErrSwapFailed, err)
		}
		return t, err
	}
	t.AmountIn = req.AmountIn
	t.TxID = rcpt.TxID
	return t, nil
}

func (r *Rebalancer) record(s model.PortfolioSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, s)
	if len(r.history) > r.opts.HistorySize {
		r.history = r.history[len(r.history)-r.opts.HistorySize:]
	}
}

// History returns up to limit of the most recent snapshots, oldest first.
// limit <= 0 returns all retained snapshots.
func (r *Rebalancer) History(limit int) []model.PortfolioSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]model.PortfolioSnapshot(nil), h...)
}
