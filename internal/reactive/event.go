package reactive

import (
	"strconv"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
)

// SwapEvent is one enhanced transaction from the webhook provider. Only
// the fields the pipeline reads are modelled; the rest of the payload is
// ignored on decode.
type SwapEvent struct {
	Signature       string           `json:"signature"`
	Type            string           `json:"type"`
	FeePayer        string           `json:"feePayer"`
	Timestamp       int64            `json:"timestamp"`
	NativeTransfers []NativeTransfer `json:"nativeTransfers"`
	TokenTransfers  []TokenTransfer  `json:"tokenTransfers"`
	AccountData     []AccountChange  `json:"accountData"`
	Events          EventBundle      `json:"events"`
}

type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          uint64 `json:"amount"` // lamports
}

type TokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
}

type AccountChange struct {
	Account             string `json:"account"`
	NativeBalanceChange int64  `json:"nativeBalanceChange"` // lamports, signed
}

type EventBundle struct {
	Swap *SwapDetail `json:"swap"`
}

// SwapDetail carries the provider's decoded swap legs. Native amounts
// arrive as decimal strings of lamports.
type SwapDetail struct {
	NativeInput  *NativeBalance `json:"nativeInput"`
	NativeOutput *NativeBalance `json:"nativeOutput"`
	TokenInputs  []TokenLeg     `json:"tokenInputs"`
	TokenOutputs []TokenLeg     `json:"tokenOutputs"`
}

type NativeBalance struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type TokenLeg struct {
	Mint        string `json:"mint"`
	UserAccount string `json:"userAccount"`
}

// parsedSwap is the normalized view the pipeline works with. side is the
// observed trade direction.
type parsedSwap struct {
	mint string
	sol  float64
	side amm.Side
}

// parse extracts (mint, SOL amount, direction) from the event. The
// decoded swap legs are authoritative when present: SOL flowing in is a
// buy with the mint on the output side, SOL flowing out a sell with the
// mint on the input side. Without them the mint comes from the token
// transfers, the amount from the largest native movement and the
// direction from the event type, or from which way tokens moved past
// the fee payer when the type is a bare SWAP.
func (ev *SwapEvent) parse() (parsedSwap, bool) {
	if sw := ev.Events.Swap; sw != nil {
		if p, ok := parseSwapLegs(sw); ok {
			return p, true
		}
	}

	mint := ""
	for _, tt := range ev.TokenTransfers {
		if tt.Mint != "" {
			mint = tt.Mint
			break
		}
	}
	if mint == "" {
		return parsedSwap{}, false
	}

	var lamports uint64
	for _, nt := range ev.NativeTransfers {
		if nt.Amount > lamports {
			lamports = nt.Amount
		}
	}
	if lamports == 0 {
		for _, ac := range ev.AccountData {
			change := ac.NativeBalanceChange
			if change < 0 {
				change = -change
			}
			if uint64(change) > lamports {
				lamports = uint64(change)
			}
		}
	}
	if lamports == 0 {
		return parsedSwap{}, false
	}

	side, ok := ev.fallbackSide(mint)
	if !ok {
		return parsedSwap{}, false
	}
	return parsedSwap{mint: mint, sol: chain.LamportsToSOL(lamports), side: side}, true
}

func parseSwapLegs(sw *SwapDetail) (parsedSwap, bool) {
	if sw.NativeInput != nil && len(sw.TokenOutputs) > 0 && sw.TokenOutputs[0].Mint != "" {
		if lam, err := strconv.ParseUint(sw.NativeInput.Amount, 10, 64); err == nil && lam > 0 {
			return parsedSwap{
				mint: sw.TokenOutputs[0].Mint,
				sol:  chain.LamportsToSOL(lam),
				side: amm.SideBuy,
			}, true
		}
	}
	if sw.NativeOutput != nil && len(sw.TokenInputs) > 0 && sw.TokenInputs[0].Mint != "" {
		if lam, err := strconv.ParseUint(sw.NativeOutput.Amount, 10, 64); err == nil && lam > 0 {
			return parsedSwap{
				mint: sw.TokenInputs[0].Mint,
				sol:  chain.LamportsToSOL(lam),
				side: amm.SideSell,
			}, true
		}
	}
	return parsedSwap{}, false
}

func (ev *SwapEvent) fallbackSide(mint string) (amm.Side, bool) {
	switch ev.Type {
	case "BUY":
		return amm.SideBuy, true
	case "SELL":
		return amm.SideSell, true
	}
	// Bare SWAP: the buyer is the one the tokens moved toward.
	for _, tt := range ev.TokenTransfers {
		if tt.Mint != mint {
			continue
		}
		if tt.ToUserAccount == ev.FeePayer {
			return amm.SideBuy, true
		}
		if tt.FromUserAccount == ev.FeePayer {
			return amm.SideSell, true
		}
	}
	return "", false
}

// involves reports whether the wallet shows up on the sending side of
// the transaction, which marks the event as one of our own trades.
func (ev *SwapEvent) involves(wallet string) bool {
	if wallet == "" {
		return false
	}
	if ev.FeePayer == wallet {
		return true
	}
	for _, nt := range ev.NativeTransfers {
		if nt.FromUserAccount == wallet {
			return true
		}
	}
	for _, tt := range ev.TokenTransfers {
		if tt.FromUserAccount == wallet {
			return true
		}
	}
	return false
}
