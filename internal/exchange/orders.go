package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// OrderRequest is a market order placement.
type OrderRequest struct {
	Symbol   string
	Side     string // BUY or SELL
	Quantity float64
}

// OrderResult is the exchange's fill acknowledgement.
type OrderResult struct {
	OrderID     int64
	Symbol      string
	Side        string
	Price       float64
	ExecutedQty float64
	FilledAt    time.Time
}

// PlaceMarketOrder submits a market order and returns the fill.
func (c *Client) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var out struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Price       string `json:"price"`
		ExecutedQty string `json:"executedQty"`
		Fills       []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
		TransactTime int64 `json:"transactTime"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   req.Symbol,
			"side":     req.Side,
			"type":     "MARKET",
			"quantity": strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		}).
		SetResult(&out).
		Post("/api/v3/order")
	if err != nil {
		return nil, fmt.Errorf("place order %s %s: %w", req.Side, req.Symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("place order %s %s: exchange returned %d: %s",
			req.Side, req.Symbol, resp.StatusCode(), resp.String())
	}

	result := &OrderResult{
		OrderID:  out.OrderID,
		Symbol:   out.Symbol,
		Side:     req.Side,
		FilledAt: time.UnixMilli(out.TransactTime),
	}

	// Average the fills; fall back to the quoted price for exchanges that
	// do not itemize.
	var notional, qty float64
	for _, f := range out.Fills {
		p, _ := strconv.ParseFloat(f.Price, 64)
		q, _ := strconv.ParseFloat(f.Qty, 64)
		notional += p * q
		qty += q
	}
	if qty > 0 {
		result.Price = notional / qty
		result.ExecutedQty = qty
	} else {
		result.Price, _ = strconv.ParseFloat(out.Price, 64)
		result.ExecutedQty, _ = strconv.ParseFloat(out.ExecutedQty, 64)
	}

	if result.Price <= 0 || result.ExecutedQty <= 0 {
		return nil, fmt.Errorf("place order %s %s: exchange reported empty fill", req.Side, req.Symbol)
	}
	return result, nil
}
