package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// LamportsPerSOL is the number of lamports in one SOL.
	LamportsPerSOL = uint64(1_000_000_000)

	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	SystemProgramID    = "11111111111111111111111111111111"
)

// SOLToLamports converts a SOL amount to lamports.
func SOLToLamports(sol float64) uint64 {
	if sol <= 0 {
		return 0
	}
	return uint64(sol * float64(LamportsPerSOL))
}

// LamportsToSOL converts lamports to a SOL amount.
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / float64(LamportsPerSOL)
}

// Client handles JSON-RPC calls against the chain node
type Client struct {
	primaryURL  string
	fallbackURL string
	apiKey      string
	httpClient  *http.Client

	// Circuit breaker state
	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	circuitOpen bool
}

// rpcRequest is the JSON-RPC 2.0 request format
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC 2.0 response format
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error format
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BlockhashResult is the result of getLatestBlockhash
type BlockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

// SignatureStatus represents the status of a transaction signature
type SignatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`      // nil = finalized
	Err                interface{} `json:"err"`                // nil = success
	ConfirmationStatus string      `json:"confirmationStatus"` // "processed", "confirmed", "finalized"
}

// SignatureInfo is one entry of getSignaturesForAddress, newest first
type SignatureInfo struct {
	Signature string      `json:"signature"`
	Slot      uint64      `json:"slot"`
	Err       interface{} `json:"err"`
	BlockTime *int64      `json:"blockTime"`
}

// SendOpts controls sendTransaction behavior at the node
type SendOpts struct {
	SkipPreflight bool
	MaxRetries    int // node-side rebroadcast attempts
}

// NewClient creates a new chain RPC client
func NewClient(primaryURL, fallbackURL, apiKey string, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// GetLatestBlockhash fetches the latest blockhash
func (c *Client) GetLatestBlockhash(ctx context.Context) (*BlockhashResult, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getLatestBlockhash",
		Params:  []interface{}{map[string]string{"commitment": "confirmed"}},
	}

	var result BlockhashResult
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// GetBalance fetches the SOL balance for a public key, in lamports
func (c *Client) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getBalance",
		Params:  []interface{}{pubkey, map[string]string{"commitment": "confirmed"}},
	}

	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, err
	}

	return result.Value, nil
}

// GetBlockHeight fetches the current block height
func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getBlockHeight",
		Params:  []interface{}{map[string]string{"commitment": "confirmed"}},
	}

	var height uint64
	if err := c.call(ctx, req, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// SendRawTransaction broadcasts a base64-encoded signed transaction
func (c *Client) SendRawTransaction(ctx context.Context, signedTx string, opts SendOpts) (string, error) {
	params := map[string]interface{}{
		"encoding":            "base64",
		"skipPreflight":       opts.SkipPreflight,
		"preflightCommitment": "processed",
	}
	if opts.MaxRetries > 0 {
		params["maxRetries"] = opts.MaxRetries
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "sendTransaction",
		Params:  []interface{}{signedTx, params},
	}

	var signature string
	if err := c.call(ctx, req, &signature); err != nil {
		return "", err
	}

	return signature, nil
}

// GetSignatureStatuses checks the status of transaction signatures
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSignatureStatuses",
		Params: []interface{}{
			signatures,
			map[string]bool{"searchTransactionHistory": true},
		},
	}

	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	return result.Value, nil
}

// ConfirmTransaction polls a signature until it reaches the requested
// commitment, the blockhash expires, or the polling window closes.
// lastValidBlockHeight of 0 disables the expiry check.
func (c *Client) ConfirmTransaction(ctx context.Context, signature string, lastValidBlockHeight uint64, commitment string) error {
	if commitment == "" {
		commitment = "confirmed"
	}

	deadline := time.Now().Add(confirmWindow)
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		statuses, err := c.GetSignatureStatuses(ctx, []string{signature})
		if err != nil {
			log.Debug().Err(err).Str("sig", signature).Msg("status poll failed")
		} else if len(statuses) > 0 && statuses[0] != nil {
			st := statuses[0]
			if st.Err != nil {
				detail, _ := json.Marshal(st.Err)
				return fmt.Errorf("%w: %s", ErrOnChain, string(detail))
			}
			if confirmationReached(st.ConfirmationStatus, commitment) {
				return nil
			}
		} else if lastValidBlockHeight > 0 {
			// Not yet visible. Check whether it can still land.
			height, herr := c.GetBlockHeight(ctx)
			if herr == nil && height > lastValidBlockHeight {
				return ErrBlockhashExpired
			}
		}

		if time.Now().After(deadline) {
			return ErrConfirmTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

const (
	confirmPollInterval = 2 * time.Second
	confirmWindow       = 60 * time.Second
)

func confirmationReached(got, want string) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	g, w := rank[got], rank[want]
	return g > 0 && w > 0 && g >= w
}

// GetSignaturesForAddress returns recent signatures for an address, newest first
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSignaturesForAddress",
		Params: []interface{}{
			address,
			map[string]interface{}{"limit": limit, "commitment": "confirmed"},
		},
	}

	var result []SignatureInfo
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ParsedTransfer is a system-program transfer extracted from a parsed transaction
type ParsedTransfer struct {
	Source      string
	Destination string
	Lamports    uint64
}

// TransactionDetail is the subset of getTransaction the engine inspects
type TransactionDetail struct {
	Signature Signature
	BlockTime *int64
	Failed    bool
	Transfers []ParsedTransfer
}

// Signature aliases the base58 transaction signature string.
type Signature = string

// GetTransaction fetches a confirmed transaction and extracts its
// system-program transfers (jsonParsed encoding)
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionDetail, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []interface{}{
			signature,
			map[string]interface{}{
				"encoding":                       "jsonParsed",
				"commitment":                     "confirmed",
				"maxSupportedTransactionVersion": 0,
			},
		},
	}

	var result struct {
		BlockTime *int64 `json:"blockTime"`
		Meta      *struct {
			Err interface{} `json:"err"`
		} `json:"meta"`
		Transaction struct {
			Message struct {
				Instructions []struct {
					Program string `json:"program"`
					Parsed  *struct {
						Type string `json:"type"`
						Info struct {
							Source      string      `json:"source"`
							Destination string      `json:"destination"`
							Lamports    json.Number `json:"lamports"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
	}

	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	detail := &TransactionDetail{
		Signature: signature,
		BlockTime: result.BlockTime,
		Failed:    result.Meta != nil && result.Meta.Err != nil,
	}

	for _, ins := range result.Transaction.Message.Instructions {
		if ins.Program != "system" || ins.Parsed == nil || ins.Parsed.Type != "transfer" {
			continue
		}
		lamports, err := strconv.ParseUint(ins.Parsed.Info.Lamports.String(), 10, 64)
		if err != nil {
			continue
		}
		detail.Transfers = append(detail.Transfers, ParsedTransfer{
			Source:      ins.Parsed.Info.Source,
			Destination: ins.Parsed.Info.Destination,
			Lamports:    lamports,
		})
	}

	return detail, nil
}

// TokenAccountInfo holds token account data
type TokenAccountInfo struct {
	Address  string
	Mint     string
	Amount   uint64
	Decimals uint8
}

// GetTokenBalance sums all token accounts an owner holds for a mint.
// Returns the atomic amount and the mint decimals.
func (c *Client) GetTokenBalance(ctx context.Context, owner, mint string) (uint64, uint8, error) {
	accounts, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"mint": mint})
	if err != nil {
		return 0, 0, err
	}

	var total uint64
	var decimals uint8
	for _, a := range accounts {
		total += a.Amount
		decimals = a.Decimals
	}
	return total, decimals, nil
}

// GetTokenAccountsByOwner fetches all token accounts for an owner across
// both token programs. With a mint it filters to that mint only.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner, mint string) ([]TokenAccountInfo, error) {
	if mint != "" {
		return c.fetchTokenAccounts(ctx, owner, map[string]string{"mint": mint})
	}

	accounts, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"programId": TokenProgramID})
	if err != nil {
		return nil, err
	}

	// A partial result would read as zero balances downstream, so the
	// Token-2022 leg failing fails the whole fetch.
	accounts2022, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"programId": Token2022ProgramID})
	if err != nil {
		return nil, fmt.Errorf("fetch token-2022 accounts: %w", err)
	}

	return append(accounts, accounts2022...), nil
}

func (c *Client) fetchTokenAccounts(ctx context.Context, owner string, filter map[string]string) ([]TokenAccountInfo, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenAccountsByOwner",
		Params: []interface{}{
			owner,
			filter,
			map[string]string{"encoding": "jsonParsed"},
		},
	}

	var result struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals uint8  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}

	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	accounts := make([]TokenAccountInfo, 0, len(result.Value))
	for _, v := range result.Value {
		amount, _ := strconv.ParseUint(v.Account.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
		accounts = append(accounts, TokenAccountInfo{
			Address:  v.Pubkey,
			Mint:     v.Account.Data.Parsed.Info.Mint,
			Amount:   amount,
			Decimals: v.Account.Data.Parsed.Info.TokenAmount.Decimals,
		})
	}

	return accounts, nil
}

func (c *Client) call(ctx context.Context, req rpcRequest, result interface{}) error {
	if c.isCircuitOpen() && c.fallbackURL != "" && c.fallbackURL != c.primaryURL {
		return c.callURL(ctx, c.fallbackURL, req, result)
	}

	err := c.callURL(ctx, c.primaryURL, req, result)
	if err != nil {
		c.recordFailure()
		if c.fallbackURL == "" || c.fallbackURL == c.primaryURL {
			return err
		}
		log.Warn().Err(err).Str("method", req.Method).Msg("primary RPC failed, trying fallback")
		return c.callURL(ctx, c.fallbackURL, req, result)
	}

	c.recordSuccess()
	return nil
}

func (c *Client) callURL(ctx context.Context, url string, rpcReq rpcRequest, result interface{}) error {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}

	return nil
}

// Circuit breaker methods
func (c *Client) isCircuitOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.circuitOpen {
		return false
	}
	if time.Since(c.lastFailure) > 30*time.Second {
		return false
	}
	return true
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = time.Now()

	if c.failures >= 5 {
		c.circuitOpen = true
		log.Warn().Msg("RPC circuit breaker opened")
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
	c.circuitOpen = false
}
