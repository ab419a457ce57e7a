// Package custody is an HTTP client for the custodial signer that owns the
// gateway's smart account. Keys never leave the custody service; the
// gateway only asks it to sign typed data and submit user operations.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultPollInterval = time.Second
	DefaultWaitTimeout  = 60 * time.Second

	maxResponseSize = 1 << 20
)

var (
	ErrNotConfigured       = errors.New("custody: service URL not configured")
	ErrUserOperationFailed = errors.New("custody: user operation failed")
)

// APIError is a non-2xx response from the custody service.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("custody: %s returned HTTP %d: %s", e.Op, e.Status, e.Body)
}

// Account is a custody-held owner key and the smart account it controls.
type Account struct {
	Name         string         `json:"name"`
	Owner        common.Address `json:"owner"`
	SmartAccount common.Address `json:"address"`
}

// Call is one contract call inside a user operation.
type Call struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value,omitempty"`
}

// UserOperation status values reported by the service.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// UserOperation is the state of a submitted user operation.
type UserOperation struct {
	Hash            string `json:"userOpHash"`
	Status          string `json:"status"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Client talks to the custody service.
type Client struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	pollInterval time.Duration
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPollInterval sets how often WaitForUserOperation polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// New returns a client for the service at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("custody: invalid URL: %w", err)
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		http:         &http.Client{Timeout: DefaultTimeout},
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetOrCreateSmartAccount returns the smart account registered under name,
// creating it on first use.
func (c *Client) GetOrCreateSmartAccount(ctx context.Context, name string) (*Account, error) {
	var acct Account
	if err := c.do(ctx, "get_or_create_account", http.MethodPost, "/v1/smart-accounts", map[string]string{"name": name}, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// SignTypedData signs an EIP-712 message with the owner key of account and
// returns the 0x-encoded signature.
func (c *Client) SignTypedData(ctx context.Context, account common.Address, data apitypes.TypedData) (string, error) {
	var out struct {
		Signature string `json:"signature"`
	}
	path := "/v1/accounts/" + account.Hex() + "/sign/typed-data"
	if err := c.do(ctx, "sign_typed_data", http.MethodPost, path, data, &out); err != nil {
		return "", err
	}
	return out.Signature, nil
}

// SendUserOperation submits calls from smartAccount and returns the user
// operation hash. Gas is paid from the smart account.
func (c *Client) SendUserOperation(ctx context.Context, smartAccount common.Address, network string, calls []Call) (string, error) {
	body := struct {
		Network string `json:"network"`
		Calls   []Call `json:"calls"`
	}{network, calls}

	var op UserOperation
	path := "/v1/smart-accounts/" + smartAccount.Hex() + "/user-operations"
	if err := c.do(ctx, "send_user_operation", http.MethodPost, path, body, &op); err != nil {
		return "", err
	}
	if op.Hash == "" {
		return "", fmt.Errorf("custody: send_user_operation returned no hash")
	}
	return op.Hash, nil
}

// WaitForUserOperation polls until the operation completes or fails, or
// until timeout (DefaultWaitTimeout when zero) elapses.
func (c *Client) WaitForUserOperation(ctx context.Context, smartAccount common.Address, hash string, timeout time.Duration) (*UserOperation, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := "/v1/smart-accounts/" + smartAccount.Hex() + "/user-operations/" + url.PathEscape(hash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var op UserOperation
		err := c.do(ctx, "get_user_operation", http.MethodGet, path, nil, &op)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("custody: waiting for user operation %s: %w", hash, ctx.Err())
		}
		if err == nil {
			switch op.Status {
			case StatusComplete:
				return &op, nil
			case StatusFailed:
				return &op, fmt.Errorf("%w: %s", ErrUserOperationFailed, op.Reason)
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("custody: waiting for user operation %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("custody: marshal %s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("custody: create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("custody: %s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("custody: read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("custody: decode %s response: %w", op, err)
		}
	}
	return nil
}
