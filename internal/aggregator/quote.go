package aggregator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"trade-executor/internal/apperr"
)

// Strategy names an aggregator execution path.
type Strategy string

const (
	StrategyPermit2         Strategy = "permit2"
	StrategyAllowanceHolder Strategy = "allowance-holder"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(name))); s {
	case StrategyPermit2, StrategyAllowanceHolder:
		return s, nil
	default:
		return "", fmt.Errorf("unknown aggregator strategy %q", name)
	}
}

// QuoteRequest is what the engine asks the aggregator for.
type QuoteRequest struct {
	ChainID     int64
	SellToken   common.Address
	BuyToken    common.Address
	SellAmount  *big.Int
	Taker       common.Address
	SlippageBps int
}

// TxTemplate is the unsigned swap call proposed by the aggregator.
type TxTemplate struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// PermitChallenge is the EIP-712 payload the aggregator asks the taker to sign.
type PermitChallenge struct {
	PrimaryType string
	Domain      ChallengeDomain
	Message     json.RawMessage
	Hash        string
}

// ChallengeDomain is the typed-data domain of a PermitChallenge.
type ChallengeDomain struct {
	Name              string
	ChainID           int64
	VerifyingContract common.Address
}

// Quote is a validated aggregator response.
type Quote struct {
	Strategy     Strategy
	Price        decimal.Decimal
	SellAmount   *big.Int
	BuyAmount    *big.Int
	MinBuyAmount *big.Int
	GasEstimate  uint64
	Transaction  TxTemplate
	// AllowanceTarget is the contract the sell token must be approved to.
	AllowanceTarget common.Address
	Permit          *PermitChallenge
	Raw             json.RawMessage
}

type quoteResponse struct {
	LiquidityAvailable *bool        `json:"liquidityAvailable"`
	SellAmount         amount       `json:"sellAmount"`
	BuyAmount          amount       `json:"buyAmount"`
	MinBuyAmount       amount       `json:"minBuyAmount"`
	Transaction        *txResponse  `json:"transaction"`
	Issues             issues       `json:"issues"`
	Permit2            *permit2Resp `json:"permit2"`
}

type txResponse struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Gas   amount `json:"gas"`
	Value amount `json:"value"`
}

type issues struct {
	Allowance *struct {
		Actual  amount `json:"actual"`
		Spender string `json:"spender"`
	} `json:"allowance"`
}

type permit2Resp struct {
	Type   string `json:"type"`
	Hash   string `json:"hash"`
	EIP712 struct {
		PrimaryType string `json:"primaryType"`
		Domain      struct {
			Name              string `json:"name"`
			ChainID           amount `json:"chainId"`
			VerifyingContract string `json:"verifyingContract"`
		} `json:"domain"`
		Message json.RawMessage `json:"message"`
	} `json:"eip712"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// amount decodes integers that arrive either as JSON strings or numbers.
type amount struct {
	*big.Int
}

func (a *amount) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		a.Int = nil
		return nil
	}
	value, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		return fmt.Errorf("invalid integer %q", raw)
	}
	a.Int = value
	return nil
}

func (a amount) present() bool {
	return a.Int != nil
}

// decodeQuote turns the raw body into a Quote, rejecting anything the engine
// cannot act on.
func decodeQuote(strategy Strategy, req QuoteRequest, body []byte) (*Quote, error) {
	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.UpstreamShape("decode %s quote: %v", strategy, err)
	}
	if resp.LiquidityAvailable != nil && !*resp.LiquidityAvailable {
		return nil, apperr.Upstream(nil, "no liquidity available for %s", strategy).With("strategy", string(strategy))
	}

	if !resp.BuyAmount.present() || resp.BuyAmount.Sign() <= 0 {
		return nil, apperr.UpstreamShape("%s quote missing positive buyAmount", strategy)
	}
	sellAmount := req.SellAmount
	if resp.SellAmount.present() {
		sellAmount = resp.SellAmount.Int
	}
	if sellAmount == nil || sellAmount.Sign() <= 0 {
		return nil, apperr.UpstreamShape("%s quote missing positive sellAmount", strategy)
	}
	if sellAmount.Cmp(req.SellAmount) != 0 {
		return nil, apperr.UpstreamShape("%s quote sellAmount %s differs from requested %s", strategy, sellAmount, req.SellAmount)
	}

	price := decimal.NewFromBigInt(resp.BuyAmount.Int, 0).Div(decimal.NewFromBigInt(sellAmount, 0))
	if !price.IsPositive() {
		return nil, apperr.UpstreamShape("%s quote price must be positive", strategy)
	}

	minBuy := resp.BuyAmount.Int
	if resp.MinBuyAmount.present() {
		minBuy = resp.MinBuyAmount.Int
	}

	tx, err := decodeTx(strategy, resp.Transaction)
	if err != nil {
		return nil, err
	}

	quote := &Quote{
		Strategy:     strategy,
		Price:        price,
		SellAmount:   new(big.Int).Set(sellAmount),
		BuyAmount:    new(big.Int).Set(resp.BuyAmount.Int),
		MinBuyAmount: new(big.Int).Set(minBuy),
		GasEstimate:  tx.Gas,
		Transaction:  tx,
		Raw:          json.RawMessage(body),
	}

	if resp.Issues.Allowance != nil {
		if !common.IsHexAddress(resp.Issues.Allowance.Spender) {
			return nil, apperr.UpstreamShape("%s quote allowance spender is not an address", strategy)
		}
		quote.AllowanceTarget = common.HexToAddress(resp.Issues.Allowance.Spender)
	}

	if resp.Permit2 != nil {
		challenge, err := decodeChallenge(strategy, resp.Permit2)
		if err != nil {
			return nil, err
		}
		quote.Permit = challenge
	}
	return quote, nil
}

func decodeTx(strategy Strategy, resp *txResponse) (TxTemplate, error) {
	if resp == nil {
		return TxTemplate{}, apperr.UpstreamShape("%s quote missing transaction", strategy)
	}
	if !common.IsHexAddress(resp.To) || common.HexToAddress(resp.To) == (common.Address{}) {
		return TxTemplate{}, apperr.UpstreamShape("%s quote transaction has no destination", strategy)
	}
	data, err := hexutil.Decode(resp.Data)
	if err != nil || len(data) == 0 {
		return TxTemplate{}, apperr.UpstreamShape("%s quote transaction has no call data", strategy)
	}

	tx := TxTemplate{
		To:    common.HexToAddress(resp.To),
		Data:  data,
		Value: new(big.Int),
	}
	if resp.Value.present() {
		tx.Value = resp.Value.Int
	}
	if resp.Gas.present() {
		if !resp.Gas.IsUint64() {
			return TxTemplate{}, apperr.UpstreamShape("%s quote gas out of range", strategy)
		}
		tx.Gas = resp.Gas.Uint64()
	}
	return tx, nil
}

func decodeChallenge(strategy Strategy, resp *permit2Resp) (*PermitChallenge, error) {
	domain := resp.EIP712.Domain
	if resp.EIP712.PrimaryType == "" || len(resp.EIP712.Message) == 0 {
		return nil, apperr.UpstreamShape("%s quote permit2 challenge is incomplete", strategy)
	}
	if !common.IsHexAddress(domain.VerifyingContract) {
		return nil, apperr.UpstreamShape("%s quote permit2 verifyingContract is not an address", strategy)
	}
	if !domain.ChainID.present() || !domain.ChainID.IsInt64() {
		return nil, apperr.UpstreamShape("%s quote permit2 chainId missing", strategy)
	}
	return &PermitChallenge{
		PrimaryType: resp.EIP712.PrimaryType,
		Domain: ChallengeDomain{
			Name:              domain.Name,
			ChainID:           domain.ChainID.Int64(),
			VerifyingContract: common.HexToAddress(domain.VerifyingContract),
		},
		Message: resp.EIP712.Message,
		Hash:    resp.Hash,
	}, nil
}
