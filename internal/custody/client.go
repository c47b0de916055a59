// Package custody talks to the delegated-signing service that holds every
// tenant wallet's key material. The engine never sees private keys; it hands
// the service an unsigned transaction envelope and gets back either a signed
// envelope (Sign) or a broadcast signature (SignAndSend). The service never
// mutates the envelope's blockhash or fee payer; callers set those first.
package custody

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Failure modes surfaced to the executor. The first three are fatal for the
// wallet or transaction; upstream faults are retryable.
var (
	ErrNotAuthorized      = errors.New("custody: not authorized for wallet")
	ErrWalletNotFound     = errors.New("custody: wallet not found")
	ErrInvalidTransaction = errors.New("custody: invalid transaction")
)

// IsFatal reports whether a custody error must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrInvalidTransaction)
}

// Client is the custody REST API client.
type Client struct {
	http *resty.Client
}

// NewClient creates a custody client with bearer auth and bounded retry on
// upstream faults. Signing the same envelope twice yields identical bytes,
// so transport-level retry is safe.
func NewClient(baseURL, apiToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetAuthToken(apiToken).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient}
}

type signRequest struct {
	Transaction string `json:"transaction"`
}

type signResponse struct {
	SignedTransaction string `json:"signed_transaction"`
	Error             string `json:"error,omitempty"`
}

type sendResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

// Sign returns the envelope with the wallet's signature applied; the caller
// broadcasts it.
func (c *Client) Sign(ctx context.Context, walletAddress, serializedTxBase64 string) (string, error) {
	var result signResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(signRequest{Transaction: serializedTxBase64}).
		SetResult(&result).
		SetError(&result).
		Post("/v1/wallets/" + walletAddress + "/sign")
	if err != nil {
		return "", fmt.Errorf("custody sign: %w", err)
	}
	if err := mapStatus(resp, result.Error); err != nil {
		return "", err
	}
	if result.SignedTransaction == "" {
		return "", fmt.Errorf("custody sign: empty signed transaction")
	}
	return result.SignedTransaction, nil
}

// SignAndSend has custody sign and broadcast; the caller polls the returned
// signature.
func (c *Client) SignAndSend(ctx context.Context, walletAddress, serializedTxBase64 string) (string, error) {
	var result sendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(signRequest{Transaction: serializedTxBase64}).
		SetResult(&result).
		SetError(&result).
		Post("/v1/wallets/" + walletAddress + "/sign-and-send")
	if err != nil {
		return "", fmt.Errorf("custody sign-and-send: %w", err)
	}
	if err := mapStatus(resp, result.Error); err != nil {
		return "", err
	}
	if result.Signature == "" {
		return "", fmt.Errorf("custody sign-and-send: empty signature")
	}
	return result.Signature, nil
}

type createWalletResponse struct {
	Address  string `json:"address"`
	WalletID string `json:"wallet_id"`
	Error    string `json:"error,omitempty"`
}

// CreateWallet provisions a fresh custody wallet, returning its address and
// the opaque handle stored alongside the wallet record.
func (c *Client) CreateWallet(ctx context.Context) (address, custodyID string, err error) {
	var result createWalletResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&result).
		Post("/v1/wallets")
	if err != nil {
		return "", "", fmt.Errorf("custody create wallet: %w", err)
	}
	if err := mapStatus(resp, result.Error); err != nil {
		return "", "", err
	}
	if result.Address == "" {
		return "", "", fmt.Errorf("custody create wallet: empty address")
	}
	return result.Address, result.WalletID, nil
}

// Ping probes the custody service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/v1/health")
	if err != nil {
		return fmt.Errorf("custody ping: %w", err)
	}
	return mapStatus(resp, "")
}

func mapStatus(resp *resty.Response, detail string) error {
	code := resp.StatusCode()
	if code == http.StatusOK {
		return nil
	}
	if detail == "" {
		detail = resp.String()
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrNotAuthorized, detail)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrWalletNotFound, detail)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidTransaction, detail)
	case code >= 500:
		return fmt.Errorf("custody upstream unavailable, status %d: %s", code, detail)
	default:
		return fmt.Errorf("custody status %d: %s", code, detail)
	}
}
