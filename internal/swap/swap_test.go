package swap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/oracle"
	"PortfolioAutopilot/internal/resilience"
)

func testGuard() *resilience.Guard {
	return resilience.NewGuard(resilience.Options{
		Name:            "swap-test",
		Timeout:         time.Second,
		Attempts:        3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		BreakerFailures: 100,
	})
}

func TestHTTPClient_ExecuteSwap(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/swap", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"tx_id":"0xabc","status":"confirmed","amount_out":"594.5"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", testGuard())
	rcpt, err := c.ExecuteSwap(context.Background(), Request{
		TokenIn: "ETH", TokenOut: "USDC", AmountIn: 0.3, MinAmountOut: 594, Venue: "uniswap",
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", rcpt.TxID)
	assert.Equal(t, 594.5, rcpt.AmountOut)
	assert.Equal(t, "0.3", got["amount_in"])
	assert.Equal(t, "594", got["min_amount_out"])
	assert.Equal(t, "uniswap", got["venue"])
}

func TestHTTPClient_RetriesKeepIdempotencyKey(t *testing.T) {
	var mu sync.Mutex
	keys := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys[r.Header.Get("Idempotency-Key")]++
		n := keys[r.Header.Get("Idempotency-Key")]
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"tx_id":"0x1","status":"confirmed"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", testGuard())
	_, err := c.ExecuteSwap(context.Background(), Request{TokenIn: "ETH", TokenOut: "USDC", AmountIn: 1})
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestHTTPClient_RejectedSwap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx_id":"0x2","status":"reverted","error":"slippage"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", testGuard())
	_, err := c.ExecuteSwap(context.Background(), Request{TokenIn: "ETH", TokenOut: "USDC", AmountIn: 1})
	require.ErrorIs(t, err, model.ErrSwapFailed)
}

func TestHTTPClient_GetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/balances/ETH", r.URL.Path)
		w.Write([]byte(`{"token":"ETH","balance":"3.3"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", testGuard())
	b, err := c.GetBalance(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3.3, b)
}

func TestPaper_FillsAtOraclePrice(t *testing.T) {
	o := oracle.NewMockOracle(map[string]float64{"ETH/USD": 2000, "USDC/USD": 1})
	p := NewPaper(o, "USD", map[string]float64{"ETH": 2})
	ctx := context.Background()

	rcpt, err := p.ExecuteSwap(ctx, Request{TokenIn: "ETH", TokenOut: "USDC", AmountIn: 0.5, MinAmountOut: 990})
	require.NoError(t, err)
	assert.InDelta(t, 1000, rcpt.AmountOut, 1e-9)

	eth, _ := p.GetBalance(ctx, "ETH")
	usdc, _ := p.GetBalance(ctx, "USDC")
	assert.InDelta(t, 1.5, eth, 1e-9)
	assert.InDelta(t, 1000, usdc, 1e-9)
	assert.Len(t, p.Swaps(), 1)
}

func TestPaper_RejectsSlippageAndOverdraft(t *testing.T) {
	o := oracle.NewMockOracle(map[string]float64{"ETH/USD": 2000, "USDC/USD": 1})
	p := NewPaper(o, "USD", map[string]float64{"ETH": 1})
	ctx := context.Background()

	_, err := p.ExecuteSwap(ctx, Request{TokenIn: "ETH", TokenOut: "USDC", AmountIn: 0.5, MinAmountOut: 1500})
	require.ErrorIs(t, err, model.ErrSwapFailed)

	_, err = p.ExecuteSwap(ctx, Request{TokenIn: "ETH", TokenOut: "USDC", AmountIn: 5})
	require.ErrorIs(t, err, model.ErrSwapFailed)

	eth, _ := p.GetBalance(ctx, "ETH")
	assert.Equal(t, 1.0, eth)
}
