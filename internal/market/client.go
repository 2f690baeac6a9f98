package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Package market reads fixed-product market makers from the Omen
// subgraph. One outbound call per lookup, no retries, no caching:
// upstream failures propagate to the caller.

var ErrNotFound = errors.New("market: not found")

// Market is the subset of subgraph fields the chat pipeline uses.
type Market struct {
	ID                         string   `json:"id"`
	Title                      string   `json:"title"`
	Outcomes                   []string `json:"outcomes"`
	OutcomeTokenMarginalPrices []string `json:"outcomeTokenMarginalPrices"`
	CreationTimestamp          string   `json:"creationTimestamp"`
	OpeningTimestamp           string   `json:"openingTimestamp"`
	ResolutionTimestamp        string   `json:"resolutionTimestamp"`
}

// YesNoOdds returns the two marginal prices as rounded percentages.
// Missing or unparseable prices read as zero.
func (m *Market) YesNoOdds() (yes, no int) {
	pct := func(i int) int {
		if i >= len(m.OutcomeTokenMarginalPrices) {
			return 0
		}
		f, err := strconv.ParseFloat(m.OutcomeTokenMarginalPrices[i], 64)
		if err != nil {
			return 0
		}
		return int(math.Round(f * 100))
	}
	return pct(0), pct(1)
}

const getMarketQuery = `query GetMarket($id: ID!) {
  fixedProductMarketMaker(id: $id) {
    id
    title
    outcomes
    outcomeTokenMarginalPrices
    creationTimestamp
    openingTimestamp
    resolutionTimestamp
  }
}`

type Client struct {
	URL  string
	HTTP *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		URL:  url,
		HTTP: &http.Client{Timeout: 15 * time.Second},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type getMarketResponse struct {
	Data struct {
		FixedProductMarketMaker *Market `json:"fixedProductMarketMaker"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GetMarket fetches one market by its lowercased on-chain address.
// Returns ErrNotFound when the subgraph has no market at that address.
func (c *Client) GetMarket(ctx context.Context, address string) (*Market, error) {
	body, err := json.Marshal(graphqlRequest{
		Query:     getMarketQuery,
		Variables: map[string]any{"id": strings.ToLower(address)},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
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
		return nil, fmt.Errorf("market: subgraph status %d", resp.StatusCode)
	}

	var decoded getMarketResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("market: subgraph error: %s", decoded.Errors[0].Message)
	}
	if decoded.Data.FixedProductMarketMaker == nil {
		return nil, ErrNotFound
	}
	return decoded.Data.FixedProductMarketMaker, nil
}

// ValidAddress reports whether s is a hex Ethereum address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress lowercases an address for use as a lookup key.
func NormalizeAddress(s string) string {
	return strings.ToLower(s)
}
