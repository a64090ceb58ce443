package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"trade-executor/internal/apperr"
)

const (
	erc20ABIJSON = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`
	wrappedNativeABIJSON = `[{"inputs":[],"name":"deposit","outputs":[],"stateMutability":"payable","type":"function"}]`
)

var (
	erc20ABI         abi.ABI
	wrappedNativeABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed

	parsed, err = abi.JSON(strings.NewReader(wrappedNativeABIJSON))
	if err != nil {
		panic("failed to parse wrapped native ABI: " + err.Error())
	}
	wrappedNativeABI = parsed
}

// TokenBalance reads balanceOf(owner) on an ERC-20 token.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint256(ctx, token, "balanceOf", owner)
}

// TokenAllowance reads allowance(owner, spender) on an ERC-20 token.
func (c *Client) TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint256(ctx, token, "allowance", owner, spender)
}

func (c *Client) callUint256(ctx context.Context, token common.Address, method string, args ...any) (*big.Int, error) {
	payload, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := c.Call(ctx, ethereum.CallMsg{To: &token, Data: payload})
	if err != nil {
		return nil, err
	}

	outputs, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return nil, apperr.UpstreamShape("decode %s: %v", method, err)
	}
	if len(outputs) != 1 {
		return nil, apperr.UpstreamShape("unexpected %s response", method)
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, apperr.UpstreamShape("failed to decode %s output", method)
	}
	return value, nil
}

// ApproveCalldata encodes approve(spender, amount).
func ApproveCalldata(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// DepositCalldata encodes the wrapped-native deposit() call.
func DepositCalldata() []byte {
	payload, err := wrappedNativeABI.Pack("deposit")
	if err != nil {
		panic("pack deposit: " + err.Error())
	}
	return payload
}
