// Package amm is the client for the bonding-curve trading service: quotes,
// swap transaction generation, creator-fee positions and claims, token
// metadata and launches. Graduated tokens route through the same surface.
package amm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// SOLMint is the wrapped SOL mint address
const SOLMint = "So11111111111111111111111111111111111111112"

// ErrNoRoute means the service found no route for the requested pair/amount.
// Not fatal: the caller skips the tick.
var ErrNoRoute = errors.New("amm: no route for quote")

// Side labels a swap direction. It is derived from mint ordering and never
// transmitted upstream; quote calls accept it for logging clarity only.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SideFromMints derives the trade side from mint ordering.
func SideFromMints(inputMint string) Side {
	if inputMint == SOLMint {
		return SideBuy
	}
	return SideSell
}

// Client handles trading-service API calls with HTTP/2 pooling and API key
// rotation.
type Client struct {
	baseURL     string
	slippageBps int
	clientPool  *HTTPClientPool
	apiKeys     []string
	keyIdx      atomic.Uint32
	maxLamports uint64 // priority fee cap forwarded to swap generation

	priceTTL  time.Duration
	priceMu   sync.RWMutex
	solPrice  float64
	priceAsOf time.Time
}

// HTTPClientPool provides HTTP/2 connection pooling
type HTTPClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

// NewHTTPClientPool creates an HTTP/2 optimized client pool
func NewHTTPClientPool(size int, timeout time.Duration) *HTTPClientPool {
	pool := &HTTPClientPool{
		clients: make([]*http.Client, size),
	}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		http2.ConfigureTransport(transport)

		pool.clients[i] = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	log.Info().Int("poolSize", size).Msg("HTTP/2 client pool initialized")
	return pool
}

func (p *HTTPClientPool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}

// NewClient creates a trading-service client. apiKeys are rotated
// round-robin per request; an empty slice sends no key header.
func NewClient(baseURL string, slippageBps int, timeout time.Duration, apiKeys []string, priceTTL time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if priceTTL <= 0 {
		priceTTL = 60 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		slippageBps: slippageBps,
		clientPool:  NewHTTPClientPool(4, timeout),
		apiKeys:     apiKeys,
		maxLamports: 1_250_000,
		priceTTL:    priceTTL,
	}
}

// SetMaxPriorityFee sets the priority fee cap in lamports forwarded to swap
// transaction generation.
func (c *Client) SetMaxPriorityFee(lamports uint64) {
	c.maxLamports = lamports
}

// getAPIKey returns the next API key (round-robin)
func (c *Client) getAPIKey() string {
	if len(c.apiKeys) == 0 {
		return ""
	}
	idx := c.keyIdx.Add(1) % uint32(len(c.apiKeys))
	return c.apiKeys[idx]
}

// Quote is a priced route. Raw is the opaque blob the swap endpoint
// requires; callers never inspect it, only the parsed fields beside it.
type Quote struct {
	Raw            json.RawMessage
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct float64
	FeeAmount      uint64
	SlippageBps    int
}

// quoteWire is the service's quote response shape.
type quoteWire struct {
	InputMint      string `json:"inputMint"`
	InAmount       string `json:"inAmount"`
	OutputMint     string `json:"outputMint"`
	OutAmount      string `json:"outAmount"`
	SlippageBps    int    `json:"slippageBps"`
	PriceImpactPct string `json:"priceImpactPct"`
	PlatformFee    *struct {
		Amount string `json:"amount"`
		FeeBps int    `json:"feeBps"`
	} `json:"platformFee"`
	Error string `json:"error"`
}

// GetQuote fetches a quote for amountAtomic of inputMint into outputMint.
// slippageBps of 0 uses the client default. side is logged only.
func (c *Client) GetQuote(ctx context.Context, inputMint, outputMint string, amountAtomic uint64, slippageBps int, side Side) (*Quote, error) {
	if slippageBps <= 0 {
		slippageBps = c.slippageBps
	}

	start := time.Now()
	url := fmt.Sprintf("%s/v1/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		c.baseURL, inputMint, outputMint, amountAtomic, slippageBps)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if key := c.getAPIKey(); key != "" {
		req.Header.Set("x-api-key", key)
	}

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read quote: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoRoute
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote failed (%d): %s", resp.StatusCode, string(body))
	}

	var wire quoteWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if wire.Error != "" {
		if wire.OutAmount == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoRoute, wire.Error)
		}
		return nil, fmt.Errorf("quote error: %s", wire.Error)
	}

	quote := &Quote{
		Raw:            json.RawMessage(body),
		InputMint:      wire.InputMint,
		OutputMint:     wire.OutputMint,
		InAmount:       parseAmount(wire.InAmount),
		OutAmount:      parseAmount(wire.OutAmount),
		SlippageBps:    wire.SlippageBps,
		PriceImpactPct: parseFloat(wire.PriceImpactPct),
	}
	if wire.PlatformFee != nil {
		quote.FeeAmount = parseAmount(wire.PlatformFee.Amount)
	}

	log.Debug().
		Dur("latency", time.Since(start)).
		Str("side", string(side)).
		Uint64("inAmount", quote.InAmount).
		Uint64("outAmount", quote.OutAmount).
		Msg("amm quote")

	return quote, nil
}

// SwapTxResult carries the serialized swap transaction and the height its
// blockhash stays valid for.
type SwapTxResult struct {
	Transaction          string
	LastValidBlockHeight uint64
}

type priorityLevelWithMaxLamports struct {
	PriorityLevelWithMaxLamports struct {
		PriorityLevel string `json:"priorityLevel"`
		MaxLamports   uint64 `json:"maxLamports"`
	} `json:"priorityLevelWithMaxLamports"`
}

// GetSwapTx exchanges a quote for an unsigned swap transaction with the
// wallet as fee payer. The quote's raw blob is passed through untouched.
func (c *Client) GetSwapTx(ctx context.Context, walletAddress string, quote *Quote) (*SwapTxResult, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return nil, fmt.Errorf("nil quote")
	}

	fee := &priorityLevelWithMaxLamports{}
	fee.PriorityLevelWithMaxLamports.PriorityLevel = "high"
	fee.PriorityLevelWithMaxLamports.MaxLamports = c.maxLamports

	reqBody := struct {
		QuoteResponse             json.RawMessage               `json:"quoteResponse"`
		UserPublicKey             string                        `json:"userPublicKey"`
		WrapAndUnwrapSol          bool                          `json:"wrapAndUnwrapSol"`
		DynamicComputeUnitLimit   bool                          `json:"dynamicComputeUnitLimit"`
		PrioritizationFeeLamports *priorityLevelWithMaxLamports `json:"prioritizationFeeLamports"`
	}{
		QuoteResponse:             quote.Raw,
		UserPublicKey:             walletAddress,
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: fee,
	}

	var result struct {
		SwapTransaction      string `json:"swapTransaction"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		Error                string `json:"error"`
	}
	if err := c.postJSON(ctx, "/v1/swap", reqBody, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("swap generation: %s", result.Error)
	}
	if result.SwapTransaction == "" {
		return nil, fmt.Errorf("swap generation: empty transaction")
	}

	return &SwapTxResult{
		Transaction:          result.SwapTransaction,
		LastValidBlockHeight: result.LastValidBlockHeight,
	}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, reqBody, result interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := c.getAPIKey(); key != "" {
		req.Header.Set("x-api-key", key)
	}

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed (%d): %s", path, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if key := c.getAPIKey(); key != "" {
		req.Header.Set("x-api-key", key)
	}

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed (%d): %s", path, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Ping probes the trade API health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var out json.RawMessage
	return c.getJSON(ctx, "/health", &out)
}

func parseAmount(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
