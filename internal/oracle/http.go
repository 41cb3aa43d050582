package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/resilience"
)

// HTTPOracle implements Oracle against a REST price service.
type HTTPOracle struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	limiter *rate.Limiter
	guard   *resilience.Guard
}

// NewHTTPOracle creates an oracle client with optional proxy support.
// rps <= 0 disables rate limiting.
func NewHTTPOracle(baseURL, apiKey, proxyURL string, rps float64, burst int, guard *resilience.Guard) *HTTPOracle {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	if guard == nil {
		guard = resilience.NewGuard(resilience.Options{Name: "oracle"})
	}
	return &HTTPOracle{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		limiter: rate.NewLimiter(limit, burst),
		guard:   guard,
	}
}

// quoteResponse is the JSON shape of /api/v1/price. Prices may be numbers or strings.
type quoteResponse struct {
	Pair  string          `json:"pair"`
	Price decimal.Decimal `json:"price"`
}

type batchResponse struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

func (o *HTTPOracle) GetPrice(ctx context.Context, pair string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/price?pair=%s", o.BaseURL, url.QueryEscape(pair))
	var q quoteResponse
	err := o.guard.Do(ctx, func(ctx context.Context) error {
		return o.getJSON(ctx, endpoint, &q)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", model.ErrPriceUnavailable, pair, err)
	}
	price := q.Price.InexactFloat64()
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s: non-positive price %s", model.ErrPriceUnavailable, pair, q.Price)
	}
	return price, nil
}

func (o *HTTPOracle) GetPrices(ctx context.Context, pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}
	endpoint := fmt.Sprintf("%s/api/v1/prices?pairs=%s", o.BaseURL, url.QueryEscape(strings.Join(pairs, ",")))
	var batch batchResponse
	err := o.guard.Do(ctx, func(ctx context.Context) error {
		return o.getJSON(ctx, endpoint, &batch)
	})
	if err != nil {
		// Fallback: price pairs one at a time, dropping the ones that fail.
		log.Warn().Err(err).Int("pairs", len(pairs)).Msg("batch price fetch failed, falling back to single lookups")
		for _, p := range pairs {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			price, perr := o.GetPrice(ctx, p)
			if perr != nil {
				log.Warn().Err(perr).Str("pair", p).Msg("price omitted from batch")
				continue
			}
			out[p] = price
		}
		return out, nil
	}
	for _, p := range pairs {
		d, ok := batch.Prices[p]
		if !ok || !d.IsPositive() {
			log.Warn().Str("pair", p).Msg("price omitted from batch")
			continue
		}
		out[p] = d.InexactFloat64()
	}
	return out, nil
}

func (o *HTTPOracle) getJSON(ctx context.Context, endpoint string, dst interface{}) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return resilience.Permanent(err)
	}
	if o.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.APIKey)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", endpoint, err)
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
