// Package chain provides the client for the external token bridge that
// performs mint and burn settlement.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Settler performs token issuance and destruction against the settlement
// layer and returns an external reference. Implementations must be
// swappable; the core never retries these calls itself.
type Settler interface {
	Mint(ctx context.Context, walletRef string, amount float64, reference, metadata string) (string, error)
	Burn(ctx context.Context, walletRef string, amount float64) (bool, error)
}

// Client talks to the token bridge over HTTP. Transient failures are retried
// with a bounded fibonacci backoff; retry policy lives here, at the
// collaborator boundary, not in the workflow core.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an HTTP client for the token bridge at the given address.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type mintRequest struct {
	Wallet    string  `json:"wallet"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference"`
	Metadata  string  `json:"metadata,omitempty"`
}

type mintResponse struct {
	TransactionHash string `json:"transactionHash"`
}

type burnRequest struct {
	Wallet string  `json:"wallet"`
	Amount float64 `json:"amount"`
}

type burnResponse struct {
	Success bool `json:"success"`
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("do request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("bridge status: %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		return nil
	})
}

// Mint asks the bridge to issue tokens to the wallet and returns the
// settlement reference.
func (c *Client) Mint(ctx context.Context, walletRef string, amount float64, reference, metadata string) (string, error) {
	var res mintResponse
	err := c.post(ctx, "/api/tokens/mint", mintRequest{
		Wallet:    walletRef,
		Amount:    amount,
		Reference: reference,
		Metadata:  metadata,
	}, &res)
	if err != nil {
		return "", fmt.Errorf("mint: %w", err)
	}
	if res.TransactionHash == "" {
		return "", errors.New("mint: bridge returned empty transaction hash")
	}
	return res.TransactionHash, nil
}

// Burn asks the bridge to destroy tokens held by the wallet.
func (c *Client) Burn(ctx context.Context, walletRef string, amount float64) (bool, error) {
	var res burnResponse
	err := c.post(ctx, "/api/tokens/burn", burnRequest{
		Wallet: walletRef,
		Amount: amount,
	}, &res)
	if err != nil {
		return false, fmt.Errorf("burn: %w", err)
	}
	return res.Success, nil
}
