package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/oracle"
	"PortfolioAutopilot/internal/swap"
)

// failingSwap rejects swaps while fail is set.
type failingSwap struct {
	*swap.Paper
	fail bool
}

func (f *failingSwap) ExecuteSwap(ctx context.Context, r swap.Request) (swap.Receipt, error) {
	if f.fail {
		return swap.Receipt{}, errors.New("venue unreachable")
	}
	return f.Paper.ExecuteSwap(ctx, r)
}

// blockingSwap holds every swap until release is closed.
type blockingSwap struct {
	*swap.Paper
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSwap) ExecuteSwap(ctx context.Context, r swap.Request) (swap.Receipt, error) {
	close(b.entered)
	<-b.release
	return b.Paper.ExecuteSwap(ctx, r)
}

func newTestEngine(t *testing.T, threshold float64) (*Engine, *oracle.MockOracle, *swap.Paper) {
	t.Helper()
	o := oracle.NewMockOracle(map[string]float64{"ETH/USD": 200, "USDC/USD": 1})
	p := swap.NewPaper(o, "USD", map[string]float64{"ETH": 10})
	e, err := New(Config{
		ID:             "eth-pump",
		Asset:          "ETH",
		BaselinePrice:  200,
		TriggerPercent: threshold,
		ActionPercent:  50,
		Venue:          "paper",
	}, Options{Oracle: o, Swap: p, StableAsset: "USDC", Quote: "USD"})
	require.NoError(t, err)
	return e, o, p
}

func TestCalculateChange(t *testing.T) {
	tests := []struct {
		current, baseline, want float64
	}{
		{200, 200, 0},
		{230, 200, 15},
		{170, 200, -15},
		{265, 230, 15.217391304347826},
		{0.5, 1, -50},
	}
	for _, tt := range tests {
		got := CalculateChange(tt.current, tt.baseline)
		assert.InDelta(t, tt.want, got, 1e-9, "current=%v baseline=%v", tt.current, tt.baseline)
	}
	assert.Equal(t, 0.0, CalculateChange(100, 0))
	assert.Greater(t, CalculateChange(200.0001, 200), 0.0)
	assert.Less(t, CalculateChange(199.9999, 200), 0.0)
}

func TestEngine_FiresOnceAtThreshold(t *testing.T) {
	e, o, p := newTestEngine(t, 15)
	ctx := context.Background()
	assert.Equal(t, PhaseIdle, e.State().Phase)

	for _, price := range []float64{200, 215} {
		o.SetPrice("ETH/USD", price)
		res, err := e.CheckAndExecute(ctx)
		require.NoError(t, err)
		assert.False(t, res.Fired, "price %v", price)
		assert.Equal(t, PhaseMonitoring, e.State().Phase)
	}

	o.SetPrice("ETH/USD", 230)
	res, err := e.CheckAndExecute(ctx)
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.InDelta(t, 15, res.Change, 1e-9)
	assert.InDelta(t, 5, res.SellAmount, 1e-9)
	assert.NotEmpty(t, res.TxID)

	st := e.State()
	assert.Equal(t, PhaseFired, st.Phase)
	assert.True(t, st.Fired)
	assert.Equal(t, 3, st.CheckCount)

	// Further rises are ignored and never reach the oracle.
	calls := o.Calls()
	o.SetPrice("ETH/USD", 300)
	res, err = e.CheckAndExecute(ctx)
	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.True(t, res.AlreadyFired)
	assert.Equal(t, calls, o.Calls())
	assert.Equal(t, 3, e.State().CheckCount)
	assert.Len(t, p.Swaps(), 1)
}

func TestEngine_ResetAndRebaseFiresAgain(t *testing.T) {
	e, o, p := newTestEngine(t, 15)
	ctx := context.Background()

	o.SetPrice("ETH/USD", 230)
	res, err := e.CheckAndExecute(ctx)
	require.NoError(t, err)
	require.True(t, res.Fired)

	e.Reset()
	st := e.State()
	assert.Equal(t, PhaseMonitoring, st.Phase)
	assert.False(t, st.Fired)
	assert.Equal(t, 0, st.CheckCount)

	require.NoError(t, e.UpdateBaseline(230))
	o.SetPrice("ETH/USD", 265)
	res, err = e.CheckAndExecute(ctx)
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.InDelta(t, 15.2173, res.Change, 1e-3)
	assert.Len(t, p.Swaps(), 2)
}

func TestEngine_DumpTrigger(t *testing.T) {
	e, o, p := newTestEngine(t, -10)
	ctx := context.Background()

	o.SetPrice("ETH/USD", 185)
	res, err := e.CheckAndExecute(ctx)
	require.NoError(t, err)
	assert.False(t, res.Fired)

	o.SetPrice("ETH/USD", 180)
	res, err = e.CheckAndExecute(ctx)
	require.NoError(t, err)
	assert.True(t, res.Fired)

	swaps := p.Swaps()
	require.Len(t, swaps, 1)
	assert.Equal(t, "ETH", swaps[0].TokenIn)
	assert.Equal(t, "USDC", swaps[0].TokenOut)
	assert.InDelta(t, 5*180*0.99, swaps[0].MinAmountOut, 1e-9)
}

func TestEngine_FailedSwapStaysRetriable(t *testing.T) {
	o := oracle.NewMockOracle(map[string]float64{"ETH/USD": 230, "USDC/USD": 1})
	fs := &failingSwap{Paper: swap.NewPaper(o, "USD", map[string]float64{"ETH": 10}), fail: true}
	e, err := New(Config{ID: "t", Asset: "ETH", BaselinePrice: 200, TriggerPercent: 15, ActionPercent: 100},
		Options{Oracle: o, Swap: fs})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.CheckAndExecute(ctx)
	require.ErrorIs(t, err, model.ErrSwapFailed)
	st := e.State()
	assert.Equal(t, PhaseMonitoring, st.Phase)
	assert.False(t, st.Fired)
	assert.Equal(t, 1, st.CheckCount)

	fs.fail = false
	res, err := e.CheckAndExecute(ctx)
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Equal(t, 2, e.State().CheckCount)

	eth, _ := fs.GetBalance(ctx, "ETH")
	assert.InDelta(t, 0, eth, 1e-9)
}

func TestEngine_ZeroBalanceDoesNotFire(t *testing.T) {
	e, o, p := newTestEngine(t, 15)
	p.SetBalance("ETH", 0)
	o.SetPrice("ETH/USD", 240)

	_, err := e.CheckAndExecute(context.Background())
	require.ErrorIs(t, err, model.ErrSwapFailed)
	assert.False(t, e.State().Fired)
}

func TestEngine_PriceUnavailableCountsCheck(t *testing.T) {
	e, o, _ := newTestEngine(t, 15)
	o.Remove("ETH/USD")

	_, err := e.CheckAndExecute(context.Background())
	require.ErrorIs(t, err, model.ErrPriceUnavailable)
	assert.Equal(t, 1, e.State().CheckCount)
	assert.Equal(t, PhaseMonitoring, e.State().Phase)
}

func TestEngine_RepeatedCheckHitsOracleOnce(t *testing.T) {
	mock := oracle.NewMockOracle(map[string]float64{"ETH/USD": 210, "USDC/USD": 1})
	cached := oracle.NewCachedOracle(mock, oracle.NewMemoryCache(), time.Minute)
	e, err := New(Config{ID: "t", Asset: "ETH", BaselinePrice: 200, TriggerPercent: 15, ActionPercent: 50},
		Options{Oracle: cached, Swap: swap.NewPaper(mock, "USD", nil)})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := e.CheckAndExecute(ctx)
	require.NoError(t, err)
	second, err := e.CheckAndExecute(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, first.Fired)
	assert.Equal(t, 1, mock.Calls())
	assert.Equal(t, 2, e.State().CheckCount)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	o := oracle.NewMockOracle(nil)
	p := swap.NewPaper(o, "USD", nil)
	opts := Options{Oracle: o, Swap: p}
	valid := Config{ID: "t", Asset: "ETH", BaselinePrice: 200, TriggerPercent: 10, ActionPercent: 50}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero baseline", func(c *Config) { c.BaselinePrice = 0 }},
		{"negative baseline", func(c *Config) { c.BaselinePrice = -1 }},
		{"zero threshold", func(c *Config) { c.TriggerPercent = 0 }},
		{"action over 100", func(c *Config) { c.ActionPercent = 150 }},
		{"no asset", func(c *Config) { c.Asset = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg, opts)
			require.ErrorIs(t, err, model.ErrInvalidConfig)
		})
	}

	e, err := New(valid, opts)
	require.NoError(t, err)
	require.ErrorIs(t, e.UpdateBaseline(0), model.ErrInvalidConfig)
}

func TestEngine_MinOutUsesStablePrice(t *testing.T) {
	e, o, p := newTestEngine(t, 15)
	o.SetPrice("USDC/USD", 1.02)
	o.SetPrice("ETH/USD", 230)

	res, err := e.CheckAndExecute(context.Background())
	require.NoError(t, err)
	require.True(t, res.Fired)

	swaps := p.Swaps()
	require.Len(t, swaps, 1)
	assert.InDelta(t, 5*230/1.02*0.99, swaps[0].MinAmountOut, 1e-9)
}

func TestEngine_StablePriceUnavailableDoesNotFire(t *testing.T) {
	e, o, p := newTestEngine(t, 15)
	o.Remove("USDC/USD")
	o.SetPrice("ETH/USD", 230)

	_, err := e.CheckAndExecute(context.Background())
	require.ErrorIs(t, err, model.ErrPriceUnavailable)
	assert.False(t, e.State().Fired)
	assert.Equal(t, PhaseMonitoring, e.State().Phase)
	assert.Empty(t, p.Swaps())
}

func TestEngine_ResetWaitsForInFlightCheck(t *testing.T) {
	o := oracle.NewMockOracle(map[string]float64{"ETH/USD": 230, "USDC/USD": 1})
	bs := &blockingSwap{
		Paper:   swap.NewPaper(o, "USD", map[string]float64{"ETH": 10}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e, err := New(Config{ID: "t", Asset: "ETH", BaselinePrice: 200, TriggerPercent: 15, ActionPercent: 50},
		Options{Oracle: o, Swap: bs})
	require.NoError(t, err)

	checked := make(chan Result, 1)
	go func() {
		res, err := e.CheckAndExecute(context.Background())
		assert.NoError(t, err)
		checked <- res
	}()
	<-bs.entered

	reset := make(chan struct{})
	go func() {
		e.Reset()
		close(reset)
	}()
	select {
	case <-reset:
		t.Fatal("Reset returned while a check was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(bs.release)
	assert.True(t, (<-checked).Fired)
	<-reset

	st := e.State()
	assert.False(t, st.Fired)
	assert.Equal(t, PhaseMonitoring, st.Phase)
	assert.Zero(t, st.CheckCount)
}

func TestEngine_RestoreFiredState(t *testing.T) {
	e, o, _ := newTestEngine(t, 15)
	e.Restore(State{Fired: true, CheckCount: 7})
	assert.Equal(t, PhaseFired, e.State().Phase)

	res, err := e.CheckAndExecute(context.Background())
	require.NoError(t, err)
	assert.True(t, res.AlreadyFired)
	assert.Equal(t, 0, o.Calls())
}

func TestSignedPercent(t *testing.T) {
	v, err := SignedPercent(model.DirectionAbove, 15)
	require.NoError(t, err)
	assert.Equal(t, 15.0, v)

	v, err = SignedPercent(model.DirectionBelow, 10)
	require.NoError(t, err)
	assert.Equal(t, -10.0, v)

	_, err = SignedPercent("sideways", 10)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
	_, err = SignedPercent(model.DirectionAbove, 0)
	require.ErrorIs(t, err, model.ErrInvalidConfig)

	dir, mag := DirectionOf(-12.5)
	assert.Equal(t, model.DirectionBelow, dir)
	assert.Equal(t, 12.5, mag)
}
