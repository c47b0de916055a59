package deposit

import (
	"context"
	"fmt"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/store"
)

// LaunchOutcome is what a completed launch hands back for registration.
type LaunchOutcome struct {
	Mint         string
	OpsWallet    string
	OpsCustodyID string
	Signature    string
}

// WalletMaker provisions custody wallets.
type WalletMaker interface {
	CreateWallet(ctx context.Context) (address, custodyID string, err error)
}

// LaunchTxSource builds token-creation transactions on the curve.
type LaunchTxSource interface {
	LaunchTx(ctx context.Context, walletAddress string, meta amm.LaunchMetadata, devBuySol float64) (*amm.LaunchResult, error)
}

// CurveLauncher launches tokens through the AMM service with the funded
// dev wallet as creator and fee payer, provisioning a fresh custody ops
// wallet for the flywheel.
type CurveLauncher struct {
	custody WalletMaker
	amm     LaunchTxSource
	exec    TxRunner
}

func NewCurveLauncher(custody WalletMaker, ammClient LaunchTxSource, exec TxRunner) *CurveLauncher {
	return &CurveLauncher{custody: custody, amm: ammClient, exec: exec}
}

// Launch provisions the ops wallet, builds the creation transaction and
// lands it with the dev wallet. The ops wallet is created first so a
// failed launch leaves no on-chain state behind.
func (cl *CurveLauncher) Launch(ctx context.Context, l *store.Launch) (*LaunchOutcome, error) {
	opsAddr, opsID, err := cl.custody.CreateWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("ops wallet: %w", err)
	}

	res, err := cl.amm.LaunchTx(ctx, l.DepositAddress, amm.LaunchMetadata{
		Name:        l.TokenName,
		Symbol:      l.TokenSymbol,
		Description: l.TokenDescription,
		ImageURI:    l.ImageURI,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("launch tx: %w", err)
	}

	exec := cl.exec.ExecuteDelegated(ctx, l.DepositAddress, res.Transaction, res.LastValidBlockHeight)
	if !exec.Succeeded() {
		return nil, fmt.Errorf("launch send: %w", exec.Err)
	}
	return &LaunchOutcome{
		Mint:         res.Mint,
		OpsWallet:    opsAddr,
		OpsCustodyID: opsID,
		Signature:    exec.Signature,
	}, nil
}
