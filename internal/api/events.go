package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/kalshi-alpha/internal/model"
)

// GetEvents fetches one page of events.
func (c *Client) GetEvents(ctx context.Context, cursor string) (*EventsResponse, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(DefaultPageLimit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var resp EventsResponse
	if err := c.get(ctx, basePath+"/events", query, &resp); err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}

	return &resp, nil
}

// GetSeries fetches a series by ticker.
func (c *Client) GetSeries(ctx context.Context, seriesTicker string) (*model.Series, error) {
	var resp SeriesResponse
	if err := c.get(ctx, basePath+"/series/"+seriesTicker, nil, &resp); err != nil {
		return nil, fmt.Errorf("get series %s: %w", seriesTicker, err)
	}
	return &resp.Series, nil
}

// GetCandlesticks fetches OHLC buckets for a market. periodInterval is
// in minutes.
func (c *Client) GetCandlesticks(ctx context.Context, seriesTicker, marketTicker string, periodInterval int) (*CandlesticksResponse, error) {
	query := url.Values{}
	if periodInterval > 0 {
		query.Set("period_interval", strconv.Itoa(periodInterval))
	}

	path := fmt.Sprintf("%s/series/%s/markets/%s/candlesticks", basePath, seriesTicker, marketTicker)
	var resp CandlesticksResponse
	if err := c.get(ctx, path, query, &resp); err != nil {
		return nil, fmt.Errorf("get candlesticks %s: %w", marketTicker, err)
	}

	return &resp, nil
}
