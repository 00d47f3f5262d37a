// Package directory provides the client for the external patient directory.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrPatientNotFound is returned when the directory does not know the patient.
var ErrPatientNotFound = errors.New("patient not found")

// Client resolves patient existence and wallet addresses over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a directory client with bounded built-in retries for
// transient failures.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	return resp, nil
}

// Exists reports whether the directory knows the patient.
func (c *Client) Exists(ctx context.Context, patientID int64) (bool, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/api/patients/%d", patientID))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

type walletResponse struct {
	WalletAddress string `json:"walletAddress"`
}

// WalletAddress returns the on-chain wallet of the patient.
func (c *Client) WalletAddress(ctx context.Context, patientID int64) (string, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/api/patients/%d/wallet", patientID))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrPatientNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var res walletResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return res.WalletAddress, nil
}
