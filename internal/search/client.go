// Package search queries a Google Shopping compatible API for purchasable
// offers.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"procure/internal"
	"procure/internal/config"
)

var ErrMissingAPIKey = errors.New("missing SERPER_API_KEY")

type Client struct {
	apiKey     string
	baseURL    string
	country    string
	language   string
	num        int
	httpClient *http.Client
	limiter    *RateLimiter
}

type shoppingRequest struct {
	Q   string `json:"q"`
	GL  string `json:"gl"`
	HL  string `json:"hl"`
	Num int    `json:"num"`
}

type shoppingResult struct {
	Title       string   `json:"title"`
	Source      string   `json:"source"`
	Price       string   `json:"price"`
	Link        string   `json:"link"`
	ImageURL    string   `json:"imageUrl"`
	Rating      *float64 `json:"rating"`
	RatingCount *int     `json:"ratingCount"`
	ProductID   *string  `json:"productId"`
	Position    *int     `json:"position"`
}

type shoppingResponse struct {
	Shopping []shoppingResult `json:"shopping"`
}

func NewClient(cfg config.Config) (*Client, error) {
	if err := cfg.Require("SERPER_API_KEY", cfg.SerperAPIKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingAPIKey, err)
	}
	num := cfg.SerperNum
	if num <= 0 {
		num = 40
	}
	return &Client{
		apiKey:     cfg.SerperAPIKey,
		baseURL:    strings.TrimRight(cfg.SerperBaseURL, "/"),
		country:    cfg.SerperCountry,
		language:   cfg.SerperLanguage,
		num:        num,
		httpClient: &http.Client{Timeout: time.Duration(cfg.SerperTimeoutMs) * time.Millisecond},
		limiter:    NewRateLimiter(cfg.SerperRateLimitRPS),
	}, nil
}

// Search runs one shopping query. Results keep the provider's order; there
// is no retry, a failed call is reported to the caller as is.
func (c *Client) Search(ctx context.Context, query string) ([]internal.Offer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty search query")
	}

	payload, err := json.Marshal(shoppingRequest{Q: query, GL: c.country, HL: c.language, Num: c.num})
	if err != nil {
		return nil, err
	}

	if err := c.limiter.WaitTurn(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/shopping", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shopping search: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("shopping search: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("shopping search error: status=%d body=%s", resp.StatusCode, truncate(string(body), 300))
	}

	var parsed shoppingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("shopping search: decode: %w", err)
	}

	out := make([]internal.Offer, 0, len(parsed.Shopping))
	for _, r := range parsed.Shopping {
		out = append(out, internal.Offer{
			Title:       strings.TrimSpace(r.Title),
			Vendor:      strings.TrimSpace(r.Source),
			PriceText:   r.Price,
			URL:         strings.TrimSpace(r.Link),
			ImageURL:    strings.TrimSpace(r.ImageURL),
			Rating:      r.Rating,
			RatingCount: r.RatingCount,
			ProductID:   r.ProductID,
			Position:    r.Position,
		})
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
