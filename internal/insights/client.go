package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Package insights wraps the question/market insights service. The
// payloads feed the system prompt and the news annotations on assistant
// messages.

type NewsItem struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type Insights struct {
	Summary string     `json:"summary"`
	Results []NewsItem `json:"results"`
}

// StatusError carries a non-2xx upstream status so handlers can pass it
// through instead of collapsing everything into a 500.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("insights: status %d", e.StatusCode)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path, key, value string) (*Insights, error) {
	u := fmt.Sprintf("%s%s?%s=%s", c.BaseURL, path, key, url.QueryEscape(value))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var out Insights
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QuestionInsights returns the summary and related news for a free-text
// question.
func (c *Client) QuestionInsights(ctx context.Context, question string) (*Insights, error) {
	return c.get(ctx, "/question-insights", "question", question)
}

// MarketInsights returns the summary and related news for a market id.
func (c *Client) MarketInsights(ctx context.Context, marketID string) (*Insights, error) {
	return c.get(ctx, "/market-insights", "market_id", marketID)
}
