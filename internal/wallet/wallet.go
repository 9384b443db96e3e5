// Package wallet is the client for the ecash wallet sidecar.
//
// The gateway needs exactly three operations from the wallet service — mint a
// spendable token (Send), redeem a token or amount claim (Receive), and read
// the spendable balance. The underlying blind-signature cryptography lives
// entirely in the sidecar; every token crossing this interface is an opaque
// string.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SendResponse is returned by Send. Balance is the wallet's spendable balance
// after the token value has been deducted.
type SendResponse struct {
	Token   string `json:"token"`
	Balance int64  `json:"balance"`
}

// ReceiveResponse reports the balance immediately before and after a
// redemption. The redeemed value is Balance - InitialBalance.
type ReceiveResponse struct {
	InitialBalance int64 `json:"initial_balance"`
	Balance        int64 `json:"balance"`
}

// BalanceResponse is returned by Balance.
type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

// Client is the wallet protocol consumed by the gateway.
type Client interface {
	// Send mints a spendable token worth amount sats.
	Send(ctx context.Context, amount int64) (*SendResponse, error)

	// Receive redeems claim into the wallet. claim is either a full ecash
	// token or an amount claim issued by the upstream (X-CHANGE-SATS).
	Receive(ctx context.Context, claim string) (*ReceiveResponse, error)

	// Balance reads the current spendable balance.
	Balance(ctx context.Context) (*BalanceResponse, error)
}

const defaultTimeout = 30 * time.Second

// HTTPClient talks to the wallet sidecar over its HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying *http.Client (used in tests).
func WithHTTPClient(c *http.Client) Option {
	return func(w *HTTPClient) { w.client = c }
}

// New creates an HTTPClient for the wallet service at baseURL.
func New(baseURL string, opts ...Option) *HTTPClient {
	w := &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *HTTPClient) Send(ctx context.Context, amount int64) (*SendResponse, error) {
	q := url.Values{"amount": {strconv.FormatInt(amount, 10)}}
	var out SendResponse
	if err := w.do(ctx, http.MethodPost, "/send", q, &out); err != nil {
		return nil, fmt.Errorf("wallet: send: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("wallet: send: empty token in response")
	}
	return &out, nil
}

func (w *HTTPClient) Receive(ctx context.Context, claim string) (*ReceiveResponse, error) {
	q := url.Values{"token": {claim}}
	var out ReceiveResponse
	if err := w.do(ctx, http.MethodPost, "/receive", q, &out); err != nil {
		return nil, fmt.Errorf("wallet: receive: %w", err)
	}
	return &out, nil
}

func (w *HTTPClient) Balance(ctx context.Context) (*BalanceResponse, error) {
	var out BalanceResponse
	if err := w.do(ctx, http.MethodGet, "/balance", nil, &out); err != nil {
		return nil, fmt.Errorf("wallet: balance: %w", err)
	}
	return &out, nil
}

// do issues a request against the sidecar and decodes the JSON response into out.
func (w *HTTPClient) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := w.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ServiceError{Status: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ServiceError is a non-2xx reply from the wallet sidecar.
type ServiceError struct {
	Status int
	Body   string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("wallet service returned %d: %s", e.Status, e.Body)
}
