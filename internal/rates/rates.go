// Package rates provides the currency conversion adapter.
//
// Conversion fetches the live rate table for the source currency and
// multiplies. The table is never cached beyond the request: rates move,
// and a stale quote is worse than a slow one. Concurrent conversions
// from the same base currency share one in-flight table fetch.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/creatorops/quotient/internal/httpkit"
	"github.com/creatorops/quotient/internal/upstream"
)

// DefaultTimeout bounds a single rate table fetch, including the retry.
const DefaultTimeout = 15 * time.Second

// Conversion is the result of a currency conversion.
type Conversion struct {
	Amount    float64
	From      string
	To        string
	Rate      float64
	Converted float64
	FetchedAt time.Time
}

// String formats the conversion the way it is reported to the model.
func (c *Conversion) String() string {
	return fmt.Sprintf("%.2f %s = %.2f %s (rate %.6f)", c.Amount, c.From, c.Converted, c.To, c.Rate)
}

// Client fetches live exchange rates.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	group      singleflight.Group
	logger     *slog.Logger
}

// NewClient creates a rates client. hc may be nil; a default client with
// one transient retry is then constructed.
func NewClient(baseURL, apiKey string, hc *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if hc == nil {
		hc = httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
			httpkit.WithRetry(0),
		)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: hc,
		logger:     logger.With("adapter", "rates"),
	}
}

// ratesResponse is the provider's latest-rates payload.
type ratesResponse struct {
	Base  string             `json:"base_code"`
	Rates map[string]float64 `json:"rates"`
}

// Convert converts amount from one ISO 4217 currency to another using
// the current rate table. A target currency absent from the table fails
// with an UnsupportedCurrency-kinded error; there is no fallback value.
func (c *Client) Convert(ctx context.Context, amount float64, from, to string) (*Conversion, error) {
	const op = "rates.convert"

	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))

	if !validCurrencyCode(from) {
		return nil, upstream.Errorf(upstream.InvalidArgument, op, "invalid source currency %q", from)
	}
	if !validCurrencyCode(to) {
		return nil, upstream.Errorf(upstream.InvalidArgument, op, "invalid target currency %q", to)
	}

	table, err := c.fetchTable(ctx, from)
	if err != nil {
		return nil, err
	}

	rate, ok := table[to]
	if !ok {
		return nil, upstream.Errorf(upstream.UnsupportedCurrency, op, "currency %s not in rate table for base %s", to, from)
	}

	return &Conversion{
		Amount:    amount,
		From:      from,
		To:        to,
		Rate:      rate,
		Converted: amount * rate,
		FetchedAt: time.Now(),
	}, nil
}

// fetchTable retrieves the rate table for a base currency. Concurrent
// fetches for the same base share one upstream request.
func (c *Client) fetchTable(ctx context.Context, base string) (map[string]float64, error) {
	v, err, _ := c.group.Do(base, func() (any, error) {
		return c.fetch(ctx, base)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]float64), nil
}

func (c *Client) fetch(ctx context.Context, base string) (map[string]float64, error) {
	const op = "rates.fetch"

	url := fmt.Sprintf("%s/%s/latest/%s", c.baseURL, c.apiKey, base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, upstream.Errorf(upstream.InvalidArgument, op, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, upstream.Classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		c.logger.Warn("rate fetch failed", "base", base, "status", resp.StatusCode, "body", body)
		return nil, upstream.ClassifyStatus(op, resp.StatusCode, body)
	}

	var rr ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, upstream.Errorf(upstream.InvalidArgument, op, "decode response: %v", err)
	}
	if len(rr.Rates) == 0 {
		return nil, upstream.Errorf(upstream.Unavailable, op, "empty rate table for base %s", base)
	}

	c.logger.Debug("rate table fetched", "base", base, "currencies", len(rr.Rates))
	return rr.Rates, nil
}

// validCurrencyCode checks the shape of an ISO 4217 code: exactly three
// ASCII letters. Whether the currency actually exists is the provider's
// call.
func validCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
