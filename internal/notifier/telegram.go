// Package notifier delivers operator notifications over Telegram and answers
// chat commands.
package notifier

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

	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/resilience"
)

// DefaultAPIBase is the Telegram Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// Notifier delivers a formatted message to the operator.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Noop discards every message. Used when Telegram is not configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// Telegram sends messages via the Telegram Bot API.
type Telegram struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
	guard    *resilience.Guard
}

// NewTelegram creates a notifier with optional proxy support. A nil guard
// gets the resilience defaults.
func NewTelegram(botToken, chatID, proxyURL string, guard *resilience.Guard) *Telegram {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if guard == nil {
		guard = resilience.NewGuard(resilience.Options{Name: "telegram"})
	}
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  DefaultAPIBase,
		client:   &http.Client{Timeout: 30 * time.Second, Transport: transport},
		guard:    guard,
	}
}

// WithAPIBase points the notifier at another Bot API endpoint.
func (t *Telegram) WithAPIBase(base string) *Telegram {
	t.apiBase = strings.TrimRight(base, "/")
	return t
}

func (t *Telegram) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.botToken, method)
}

// Send makes a single sendMessage call. 4xx responses other than 429 are permanent.
func (t *Telegram) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("telegram API error: status %d, body: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resilience.Permanent(err)
		}
		return err
	}
	return nil
}

// Notify sends text with retry and circuit breaking.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := t.guard.Do(ctx, func(ctx context.Context) error { return t.Send(ctx, text) }); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// SendBestEffort notifies and logs failures instead of returning them.
func SendBestEffort(ctx context.Context, n Notifier, text string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, text); err != nil {
		log.Error().Err(err).Msg("telegram send failed")
	}
}
