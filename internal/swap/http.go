package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/resilience"
)

// HTTPClient implements Client against a REST swap service.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	guard   *resilience.Guard
}

// NewHTTPClient creates a swap client with optional proxy support.
func NewHTTPClient(baseURL, apiKey, proxyURL string, guard *resilience.Guard) *HTTPClient {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if guard == nil {
		guard = resilience.NewGuard(resilience.Options{Name: "swap"})
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
		guard: guard,
	}
}

// Amounts travel as decimal strings so the venue never sees float artifacts.
type swapRequest struct {
	TokenIn      string          `json:"token_in"`
	TokenOut     string          `json:"token_out"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
	Venue        string          `json:"venue,omitempty"`
}

type swapResponse struct {
	TxID      string          `json:"tx_id"`
	Status    string          `json:"status"`
	AmountOut decimal.Decimal `json:"amount_out"`
	Error     string          `json:"error"`
}

type balanceResponse struct {
	Token   string          `json:"token"`
	Balance decimal.Decimal `json:"balance"`
}

func (c *HTTPClient) ExecuteSwap(ctx context.Context, r Request) (Receipt, error) {
	payload := swapRequest{
		TokenIn:      r.TokenIn,
		TokenOut:     r.TokenOut,
		AmountIn:     decimal.NewFromFloat(r.AmountIn).Truncate(18),
		MinAmountOut: decimal.NewFromFloat(r.MinAmountOut).Truncate(18),
		Venue:        r.Venue,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal swap request: %w", err)
	}
	// Same key on every retry so the venue executes the intent at most once.
	idempotencyKey := uuid.NewString()

	var out swapResponse
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/swap", bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)
		return c.do(req, &out)
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %s->%s: %w", model.ErrSwapFailed, r.TokenIn, r.TokenOut, err)
	}
	if out.Status != "" && out.Status != "confirmed" {
		return Receipt{}, fmt.Errorf("%w: %s->%s: status %s %s", model.ErrSwapFailed, r.TokenIn, r.TokenOut, out.Status, out.Error)
	}
	if out.TxID == "" {
		return Receipt{}, fmt.Errorf("%w: %s->%s: missing tx id", model.ErrSwapFailed, r.TokenIn, r.TokenOut)
	}
	return Receipt{TxID: out.TxID, AmountOut: out.AmountOut.InexactFloat64()}, nil
}

func (c *HTTPClient) GetBalance(ctx context.Context, token string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/balances/%s", c.BaseURL, url.PathEscape(token))
	var out balanceResponse
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return resilience.Permanent(err)
		}
		return c.do(req, &out)
	})
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", token, err)
	}
	return out.Balance.InexactFloat64(), nil
}

func (c *HTTPClient) do(req *http.Request, dst interface{}) error {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("status %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resilience.Permanent(statusErr)
		}
		return statusErr
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return resilience.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
