package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/kalshi-alpha/internal/model"
)

// GetMarkets fetches one page of markets.
func (c *Client) GetMarkets(ctx context.Context, opts GetMarketsOptions) (*MarketsResponse, error) {
	query := url.Values{}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	query.Set("limit", strconv.Itoa(limit))
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}

	var resp MarketsResponse
	if err := c.get(ctx, basePath+"/markets", query, &resp); err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}

	return &resp, nil
}

// GetMarket fetches a single market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*model.Market, error) {
	var resp SingleMarketResponse
	if err := c.get(ctx, basePath+"/markets/"+ticker, nil, &resp); err != nil {
		return nil, fmt.Errorf("get market %s: %w", ticker, err)
	}
	return &resp.Market, nil
}

// GetTrades fetches one page of trades for a market, optionally bounded
// to a time window.
func (c *Client) GetTrades(ctx context.Context, ticker string, opts GetTradesOptions) (*TradesResponse, error) {
	query := url.Values{}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	query.Set("limit", strconv.Itoa(limit))
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.MinTS > 0 {
		query.Set("min_ts", strconv.FormatInt(opts.MinTS, 10))
	}
	if opts.MaxTS > 0 {
		query.Set("max_ts", strconv.FormatInt(opts.MaxTS, 10))
	}

	var resp TradesResponse
	if err := c.get(ctx, basePath+"/markets/"+ticker+"/trades", query, &resp); err != nil {
		return nil, fmt.Errorf("get trades %s: %w", ticker, err)
	}

	return &resp, nil
}
