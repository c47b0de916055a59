package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./tools/checktx <TX_SIGNATURE>")
		fmt.Println("Example: go run ./tools/checktx 2gHc4gtPHJgVJhccGytQqivvETZoyfiAu12UTE3vN4v6WPz3mGmPGmwxS7NwbXcv28NAQP6Re8rdi2XS9tU6rMRs")
		os.Exit(1)
	}

	txSig := os.Args[1]

	fmt.Println("📊 TX STATUS CHECKER")
	fmt.Println("===================")
	fmt.Printf("TX: %s\n\n", txSig)

	// Load config
	cfg, err := config.NewManager("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return
	}

	rpcCfg := cfg.Get().RPC
	rpc := chain.NewClient(
		cfg.GetPrimaryRPCURL(),
		cfg.GetFallbackRPCURL(),
		os.Getenv(rpcCfg.PrimaryAPIKeyEnv),
		time.Duration(rpcCfg.TimeoutSeconds)*time.Second,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	statuses, err := rpc.GetSignatureStatuses(ctx, []string{txSig})
	if err != nil {
		fmt.Printf("❌ RPC Error: %v\n", err)
		os.Exit(1)
	}

	if len(statuses) == 0 || statuses[0] == nil {
		fmt.Println("⏳ NOT FOUND: signature unknown to the node (dropped or never landed)")
		os.Exit(1)
	}

	st := statuses[0]
	if st.Err != nil {
		detail, _ := json.Marshal(st.Err)
		fmt.Println("❌ FAILED")
		fmt.Println("")
		fmt.Println("📋 ERROR DETAILS:")
		fmt.Printf("%s\n", detail)
		os.Exit(1)
	}

	fmt.Println("✅ SUCCESS")
	fmt.Printf("Slot: %d\n", st.Slot)
	if st.Confirmations != nil {
		fmt.Printf("Confirmations: %d\n", *st.Confirmations)
	} else {
		fmt.Println("Confirmations: finalized")
	}
	fmt.Printf("Status: %s\n", st.ConfirmationStatus)

	// System-program transfers, useful when tracing deposits and refunds
	detail, err := rpc.GetTransaction(ctx, txSig)
	if err != nil {
		fmt.Printf("\n(transfer lookup failed: %v)\n", err)
		return
	}
	if len(detail.Transfers) > 0 {
		fmt.Println("\n💸 TRANSFERS:")
		for _, tr := range detail.Transfers {
			fmt.Printf("  %s -> %s  %.9f SOL\n",
				tr.Source, tr.Destination, chain.LamportsToSOL(tr.Lamports))
		}
	}
	if detail.BlockTime != nil {
		fmt.Printf("\nBlock time: %s\n", time.Unix(*detail.BlockTime, 0).UTC().Format(time.RFC3339))
	}
}
