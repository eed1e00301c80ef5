// Package stove polls the pellet stove cloud API for its current status.
package stove

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Status is the raw stove state as reported by the vendor cloud.
type Status struct {
	Text      string `json:"status"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// onStates is the fixed vocabulary of stove states that count as "heating".
// Anything unknown is treated as off.
var onStates = map[string]struct{}{
	"work":       {},
	"working":    {},
	"modulation": {},
	"modulating": {},
	"start":      {},
	"starting":   {},
}

// IsOn classifies a raw status string into the boolean the engine works with.
func IsOn(statusText string) bool {
	_, ok := onStates[strings.ToLower(strings.TrimSpace(statusText))]
	return ok
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // default 10s
}

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("stove base_url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
	}, nil
}

// GetStatus fetches the current stove status.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return Status{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("stove status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("stove status: unexpected status %d", resp.StatusCode)
	}

	var s Status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Status{}, fmt.Errorf("stove status decode: %w", err)
	}
	return s, nil
}
