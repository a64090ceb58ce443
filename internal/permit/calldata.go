package permit

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"trade-executor/internal/apperr"
)

const permit2ABIJSON = `[
{"inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"},{"name":"nonce","type":"uint48"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"owner","type":"address"},{"components":[{"components":[{"name":"token","type":"address"},{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"},{"name":"nonce","type":"uint48"}],"name":"details","type":"tuple"},{"name":"spender","type":"address"},{"name":"sigDeadline","type":"uint256"}],"name":"permitSingle","type":"tuple"},{"name":"signature","type":"bytes"}],"name":"permit","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var permit2ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(permit2ABIJSON))
	if err != nil {
		panic("failed to parse Permit2 ABI: " + err.Error())
	}
	permit2ABI = parsed
}

// Caller performs read-only contract calls; chain.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// Allowance is the Permit2 allowance state for (owner, token, spender).
type Allowance struct {
	Amount     *big.Int `json:"amount"`
	Expiration *big.Int `json:"expiration"`
	Nonce      *big.Int `json:"nonce"`
}

func readAllowance(ctx context.Context, caller Caller, permit2, owner, token, spender common.Address) (Allowance, error) {
	payload, err := permit2ABI.Pack("allowance", owner, token, spender)
	if err != nil {
		return Allowance{}, err
	}

	res, err := caller.Call(ctx, ethereum.CallMsg{To: &permit2, Data: payload})
	if err != nil {
		return Allowance{}, err
	}

	outputs, err := permit2ABI.Unpack("allowance", res)
	if err != nil {
		return Allowance{}, apperr.UpstreamShape("decode permit2 allowance: %v", err)
	}
	if len(outputs) != 3 {
		return Allowance{}, apperr.UpstreamShape("unexpected permit2 allowance response")
	}

	values := make([]*big.Int, 3)
	for i, out := range outputs {
		v, ok := out.(*big.Int)
		if !ok {
			return Allowance{}, apperr.UpstreamShape("failed to decode permit2 allowance output %d", i)
		}
		values[i] = v
	}
	return Allowance{Amount: values[0], Expiration: values[1], Nonce: values[2]}, nil
}

// Encoding selects how a Permit2 signature reaches the chain.
type Encoding string

const (
	// EncodingAppended appends the signature to the swap calldata.
	EncodingAppended Encoding = "appended"
	// EncodingStandalone submits permit(owner, permitSingle, signature) to the
	// Permit2 contract before the swap.
	EncodingStandalone Encoding = "standalone"
)

// ParseEncoding accepts "" as EncodingAppended.
func ParseEncoding(raw string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(raw))) {
	case "", EncodingAppended:
		return EncodingAppended, nil
	case EncodingStandalone:
		return EncodingStandalone, nil
	}
	return "", fmt.Errorf("unknown permit encoding %q (expected appended or standalone)", raw)
}

// AppendSignature appends sig to calldata with a 32-byte big-endian length
// prefix, the layout 0x Permit2 settlers expect.
func AppendSignature(calldata, sig []byte) []byte {
	out := make([]byte, 0, len(calldata)+32+len(sig))
	out = append(out, calldata...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(sig))).Bytes(), 32)...)
	out = append(out, sig...)
	return out
}

type permitDetailsTuple struct {
	Token      common.Address
	Amount     *big.Int
	Expiration *big.Int
	Nonce      *big.Int
}

type permitSingleTuple struct {
	Details     permitDetailsTuple
	Spender     common.Address
	SigDeadline *big.Int
}

// PermitCalldata encodes a standalone Permit2 permit(owner, permitSingle, signature) call.
func PermitCalldata(owner common.Address, msg PermitSingle, sig []byte) ([]byte, error) {
	return permit2ABI.Pack("permit", owner, permitSingleTuple{
		Details: permitDetailsTuple{
			Token:      msg.Details.Token,
			Amount:     msg.Details.Amount,
			Expiration: msg.Details.Expiration,
			Nonce:      msg.Details.Nonce,
		},
		Spender:     msg.Spender,
		SigDeadline: msg.SigDeadline,
	}, sig)
}
