// Package accounts fetches a user's account balances from the internal
// accounts service.
package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Balances holds the per-category totals for one user, in dollars.
type Balances struct {
	Cash                float64 `json:"cash"`
	Savings             float64 `json:"savings"`
	InvestingRetirement float64 `json:"investing_retirement"`
}

// Client talks to the accounts service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given accounts service base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BalancesForUser returns the user's current balances.
func (c *Client) BalancesForUser(ctx context.Context, userID string) (Balances, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/"+userID+"/balances", nil)
	if err != nil {
		return Balances{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Balances{}, fmt.Errorf("requesting balances: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Balances{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var b Balances
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return Balances{}, fmt.Errorf("decoding balances: %w", err)
	}
	return b, nil
}
