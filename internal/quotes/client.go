package quotes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"coinbank/internal/config"
)

// ErrQuoteUnavailable means the price feed could not supply a usable
// quote after retries.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Quote is the slice of the 24hr ticker the ledger cares about.
type Quote struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	HighPrice decimal.Decimal `json:"high_price"`
	LowPrice  decimal.Decimal `json:"low_price"`
}

// Source supplies a current price for a symbol on demand.
type Source interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// Client is a client for the Binance public market data API.
// It implements the Source interface.
type Client struct {
	client  *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

// ensure Client implements the interface
var _ Source = (*Client)(nil)

// NewClient creates a new market data client.
func NewClient(cfg *config.Quotes, logger *zap.Logger) *Client {
	client := resty.New().SetBaseURL(cfg.BaseURL)

	// Initialize the rate limiter
	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:  client,
		logger:  logger,
		limiter: limiter,
	}
}

// Ping checks connectivity by fetching the exchange server time.
func (c *Client) Ping(ctx context.Context) error {
	type serverTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetContext(ctx).
		SetResult(&serverTimeResponse{})

	if _, err := c.doRequest(ctx, "GET", "/time", req); err != nil {
		return fmt.Errorf("failed to reach price feed: %w", err)
	}
	return nil
}

// tickerResponse mirrors the /ticker/24hr payload. Binance returns
// prices as strings.
type tickerResponse struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	HighPrice string `json:"highPrice"`
	LowPrice  string `json:"lowPrice"`
}

// GetQuote fetches the 24hr ticker for a symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	var ticker tickerResponse

	req := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&ticker).
		SetHeader("Content-Type", "application/json")

	if _, err := c.doRequest(ctx, "GET", "/ticker/24hr", req); err != nil {
		c.logger.Error("Failed to get quote", zap.String("symbol", symbol), zap.Error(err))
		return Quote{}, fmt.Errorf("%w for %s: %v", ErrQuoteUnavailable, symbol, err)
	}

	quote, err := ticker.toQuote()
	if err != nil {
		c.logger.Error("Quote payload unparseable", zap.String("symbol", symbol), zap.Error(err))
		return Quote{}, fmt.Errorf("%w for %s: %v", ErrQuoteUnavailable, symbol, err)
	}
	return quote, nil
}

func (t tickerResponse) toQuote() (Quote, error) {
	last, err := decimal.NewFromString(t.LastPrice)
	if err != nil {
		return Quote{}, fmt.Errorf("bad lastPrice %q: %w", t.LastPrice, err)
	}
	high, err := decimal.NewFromString(t.HighPrice)
	if err != nil {
		return Quote{}, fmt.Errorf("bad highPrice %q: %w", t.HighPrice, err)
	}
	low, err := decimal.NewFromString(t.LowPrice)
	if err != nil {
		return Quote{}, fmt.Errorf("bad lowPrice %q: %w", t.LowPrice, err)
	}
	if !last.IsPositive() {
		return Quote{}, fmt.Errorf("non-positive lastPrice %q", t.LastPrice)
	}
	return Quote{Symbol: t.Symbol, LastPrice: last, HighPrice: high, LowPrice: low}, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s", resp.Status())
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
