package amm

import (
	"context"
	"fmt"
	"net/url"
)

// TokenMetadata is display metadata for a mint. Fields may be empty when
// the service has no record.
type TokenMetadata struct {
	Mint    string `json:"mint"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Image   string `json:"image"`
	Creator string `json:"creator"`
}

// TokenMetadata fetches display metadata for a mint.
func (c *Client) TokenMetadata(ctx context.Context, mint string) (*TokenMetadata, error) {
	var result TokenMetadata
	if err := c.getJSON(ctx, "/v1/tokens/"+url.PathEscape(mint)+"/metadata", &result); err != nil {
		return nil, err
	}
	if result.Mint == "" {
		result.Mint = mint
	}
	return &result, nil
}

// LifetimeFees are cumulative creator fees for a mint.
type LifetimeFees struct {
	TotalSol   float64 `json:"totalSol"`
	CreatorSol float64 `json:"creatorSol"`
	TotalUSD   float64 `json:"totalUsd"`
	CreatorUSD float64 `json:"creatorUsd"`
}

// LifetimeFees fetches cumulative fee totals for a mint.
func (c *Client) LifetimeFees(ctx context.Context, mint string) (*LifetimeFees, error) {
	var result LifetimeFees
	if err := c.getJSON(ctx, "/v1/tokens/"+url.PathEscape(mint)+"/fees", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClaimablePosition is one mint with accrued, claimable creator fees.
type ClaimablePosition struct {
	Mint          string  `json:"mint"`
	Symbol        string  `json:"symbol"`
	ClaimableSol  float64 `json:"claimableSol"`
	LastClaimTime int64   `json:"lastClaimTime"`
}

// ClaimablePositions lists claimable creator-fee positions for a wallet.
func (c *Client) ClaimablePositions(ctx context.Context, walletAddress string) ([]ClaimablePosition, error) {
	var result struct {
		Positions []ClaimablePosition `json:"positions"`
	}
	if err := c.getJSON(ctx, "/v1/wallets/"+url.PathEscape(walletAddress)+"/claimable", &result); err != nil {
		return nil, err
	}
	return result.Positions, nil
}

// ClaimTxs requests claim transactions for the wallet's positions in the
// given mints. The service may batch several mints into one transaction or
// split one mint across several.
func (c *Client) ClaimTxs(ctx context.Context, walletAddress string, mints []string) ([]string, error) {
	if len(mints) == 0 {
		return nil, nil
	}

	reqBody := struct {
		WalletAddress string   `json:"walletAddress"`
		Mints         []string `json:"mints"`
	}{WalletAddress: walletAddress, Mints: mints}

	var result struct {
		Transactions []string `json:"transactions"`
		Error        string   `json:"error"`
	}
	if err := c.postJSON(ctx, "/v1/claim", reqBody, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("claim generation: %s", result.Error)
	}
	return result.Transactions, nil
}

// LaunchMetadata is the token identity submitted at launch.
type LaunchMetadata struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description,omitempty"`
	ImageURI    string `json:"imageUri,omitempty"`
}

// LaunchResult is a generated token-creation transaction and the mint it
// will create.
type LaunchResult struct {
	Mint                 string `json:"mint"`
	Transaction          string `json:"transaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// LaunchTx requests a token-creation transaction on the curve with the dev
// wallet as creator and fee payer. devBuySol, when positive, bundles an
// initial dev buy.
func (c *Client) LaunchTx(ctx context.Context, walletAddress string, meta LaunchMetadata, devBuySol float64) (*LaunchResult, error) {
	reqBody := struct {
		WalletAddress string         `json:"walletAddress"`
		Metadata      LaunchMetadata `json:"metadata"`
		DevBuySol     float64        `json:"devBuySol,omitempty"`
	}{WalletAddress: walletAddress, Metadata: meta, DevBuySol: devBuySol}

	var result struct {
		LaunchResult
		Error string `json:"error"`
	}
	if err := c.postJSON(ctx, "/v1/launch", reqBody, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("launch generation: %s", result.Error)
	}
	if result.Mint == "" || result.Transaction == "" {
		return nil, fmt.Errorf("launch generation: incomplete response")
	}
	return &result.LaunchResult, nil
}
