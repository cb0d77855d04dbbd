// Package exchange provides a thin REST client for the exchange the rented
// bots trade on. Only pricing and balance lookups live here; order placement
// is owned by the strategy providers.
package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"bot-rental-engine/config"
)

// Credentials are per-user API keys resolved from Vault.
type Credentials struct {
	APIKey    string
	SecretKey string
	IsTestnet bool
}

// Balance is a point-in-time asset balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Client wraps the exchange REST API.
type Client struct {
	http  *resty.Client
	creds Credentials
}

// NewClient creates a client bound to one user's credentials.
func NewClient(cfg config.ExchangeConfig, creds Credentials) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetHeader("X-MBX-APIKEY", creds.APIKey)

	return &Client{http: http, creds: creds}
}

// GetTicker returns the last traded price for a symbol. A fetch failure is
// an error for the caller; there is no zero-price fallback because a zero
// price corrupts quantity and P&L math downstream.
func (c *Client) GetTicker(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/api/v3/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("ticker %s: exchange returned %d", symbol, resp.StatusCode())
	}

	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("ticker %s: bad price %q: %w", symbol, out.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("ticker %s: non-positive price %f", symbol, price)
	}
	return price, nil
}

// GetBalance returns the free/locked balance for a single asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	var out struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v3/account")
	if err != nil {
		return nil, fmt.Errorf("account balance: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("account balance: exchange returned %d", resp.StatusCode())
	}

	for _, b := range out.Balances {
		if b.Asset != asset {
			continue
		}
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		return &Balance{Asset: asset, Free: free, Locked: locked}, nil
	}
	return &Balance{Asset: asset}, nil
}

// GetKlines returns up to limit recent candles for a symbol and interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	var raw [][]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("klines %s %s: exchange returned %d", symbol, interval, resp.StatusCode())
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(int64(toFloat(k[0]))),
			Open:     toFloat(k[1]),
			High:     toFloat(k[2]),
			Low:      toFloat(k[3]),
			Close:    toFloat(k[4]),
			Volume:   toFloat(k[5]),
		})
	}
	return candles, nil
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
