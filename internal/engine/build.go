package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"trade-executor/internal/aggregator"
	"trade-executor/internal/apperr"
	"trade-executor/internal/guard"
	"trade-executor/internal/permit"
	"trade-executor/internal/storage"
)

// Mode selects how far Build goes.
type Mode string

const (
	// ModeBuild stops once the trade is built.
	ModeBuild Mode = "build"
	// ModeExecute continues into Send under the same lock.
	ModeExecute Mode = "execute"
)

// BuildRequest describes a desired swap.
type BuildRequest struct {
	UserID        string `json:"user_id"`
	StrategyID    string `json:"strategy_id"`
	Symbol        string `json:"symbol"`
	SellToken     string `json:"sell_token"`
	BuyToken      string `json:"buy_token"`
	Side          string `json:"side"`
	SellAmount    string `json:"sell_amount"`
	SlippageBps   int    `json:"slippage_bps"`
	ClosePosition bool   `json:"close_position"`
	Mode          Mode   `json:"mode"`
	RequestID     string `json:"request_id"`
	Notes         string `json:"notes"`
}

type buildInput struct {
	scope     storage.ScopeKey
	sellToken common.Address
	buyToken  common.Address
	side      storage.Side
	amount    *big.Int
}

func (r BuildRequest) parse() (buildInput, error) {
	in := buildInput{scope: storage.ScopeKey{
		UserID:     strings.TrimSpace(r.UserID),
		StrategyID: strings.TrimSpace(r.StrategyID),
		Symbol:     strings.TrimSpace(r.Symbol),
	}}
	if err := in.scope.Validate(); err != nil {
		return in, apperr.Validation(apperr.CodeInvalidRequest, "%s", err.Error())
	}
	if !common.IsHexAddress(r.SellToken) {
		return in, apperr.Validation(apperr.CodeInvalidRequest, "sell_token %q is not an address", r.SellToken)
	}
	if !common.IsHexAddress(r.BuyToken) {
		return in, apperr.Validation(apperr.CodeInvalidRequest, "buy_token %q is not an address", r.BuyToken)
	}
	in.sellToken = common.HexToAddress(r.SellToken)
	in.buyToken = common.HexToAddress(r.BuyToken)
	if in.sellToken == in.buyToken {
		return in, apperr.Validation(apperr.CodeInvalidRequest, "sell and buy token must differ")
	}

	side, err := storage.ParseSide(r.Side)
	if err != nil {
		return in, apperr.Validation(apperr.CodeInvalidRequest, "%s", err.Error())
	}
	in.side = side

	amount, ok := new(big.Int).SetString(strings.TrimSpace(r.SellAmount), 10)
	if !ok {
		return in, apperr.Validation(apperr.CodeInvalidRequest, "sell_amount must be an integer in atomic units")
	}
	in.amount = amount

	switch r.Mode {
	case "", ModeBuild, ModeExecute:
	default:
		return in, apperr.Validation(apperr.CodeInvalidRequest, "mode must be build or execute, got %q", r.Mode)
	}
	return in, nil
}

// Build runs the guards, takes the scope lock, quotes and stores a built
// trade. With ModeExecute it continues into Send while still holding the lock.
func (e *Engine) Build(ctx context.Context, req BuildRequest) (Result, error) {
	defer e.metrics.Since("build", time.Now())

	result, err := e.build(ctx, req)
	if err != nil {
		e.reject(err)
	}
	return result, err
}

func (e *Engine) build(ctx context.Context, req BuildRequest) (Result, error) {
	in, err := req.parse()
	if err != nil {
		return Result{}, err
	}
	if err := e.opts.Limits.CheckStateless(in.amount, req.SlippageBps); err != nil {
		return Result{}, err
	}

	bypass := e.bypassGuards(in.side, req.ClosePosition)

	wallet, err := e.wallet(ctx, in.scope.UserID)
	if err != nil {
		return Result{}, err
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var result Result
	err = e.locker.With(ctx, in.scope.LockKey(), requestID, func(ctx context.Context) error {
		if !bypass {
			if err := e.checkGuards(ctx, in.scope, in.side); err != nil {
				return err
			}
		}
		trade := &storage.Trade{
			ID:            uuid.NewString(),
			ChainID:       e.opts.ChainID,
			UserID:        in.scope.UserID,
			StrategyID:    in.scope.StrategyID,
			Symbol:        in.scope.Symbol,
			WalletAddress: wallet.Address,
			SellToken:     in.sellToken.Hex(),
			BuyToken:      in.buyToken.Hex(),
			Side:          in.side,
			SellAmount:    in.amount,
			SlippageBps:   req.SlippageBps,
			ClosePosition: req.ClosePosition,
			Status:        storage.StatusRequested,
			Notes:         req.Notes,
		}
		if err := e.store.CreateTrade(ctx, trade); err != nil {
			return fmt.Errorf("create trade: %w", err)
		}
		e.appendEvent(ctx, trade.ID, "requested", storage.SeverityInfo, map[string]any{
			"request_id":   requestID,
			"side":         in.side,
			"sell_amount":  in.amount.String(),
			"slippage_bps": req.SlippageBps,
			"mode":         req.Mode,
		})
		if bypass {
			e.appendEvent(ctx, trade.ID, "guard_bypass", storage.SeverityWarn, map[string]any{
				"reason":  "risk_reducing_sell",
				"skipped": []string{"breaker", "cooldown"},
			})
			e.logger.Warn().Str("trade_id", trade.ID).Str("lock_key", in.scope.LockKey()).Msg("guards bypassed for position-closing sell")
		}

		err := e.quoteAndBuild(ctx, trade, common.HexToAddress(wallet.Address), "built")
		result = newResult(trade)
		if err != nil {
			return err
		}

		if req.Mode == ModeExecute {
			var sendErr error
			result, sendErr = e.sendLocked(ctx, trade, SendRequest{})
			return sendErr
		}
		return nil
	})
	return result, err
}

// Rebuild fetches a fresh quote for a trade whose simulation reverted.
func (e *Engine) Rebuild(ctx context.Context, tradeID string) (Result, error) {
	trade, err := e.loadTrade(ctx, tradeID)
	if err != nil {
		return Result{}, err
	}
	if trade.Status != storage.StatusSimulateRevert {
		return newResult(trade), apperr.New(apperr.ClassState, apperr.CodeInvalidTransition, "only simulate_revert trades can be rebuilt, trade is %s", trade.Status)
	}
	var result Result
	err = e.locker.With(ctx, trade.Scope().LockKey(), "rebuild:"+tradeID, func(ctx context.Context) error {
		fresh, err := e.loadTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		result = newResult(fresh)
		if fresh.Status != storage.StatusSimulateRevert {
			return apperr.New(apperr.ClassState, apperr.CodeInvalidTransition, "trade %s moved to %s", tradeID, fresh.Status)
		}
		if !e.bypassGuards(fresh.Side, fresh.ClosePosition) {
			if err := e.breakers.Check(ctx, fresh.Scope()); err != nil {
				return err
			}
		}
		fresh.FailureReason = ""
		fresh.Permit = nil
		err = e.quoteAndBuild(ctx, fresh, common.HexToAddress(fresh.WalletAddress), "rebuilt")
		result = newResult(fresh)
		return err
	})
	if err != nil {
		e.reject(err)
	}
	return result, err
}

// quoteAndBuild fetches quotes in strategy order and moves trade to built.
// A trade still in requested is failed when no usable quote comes back.
func (e *Engine) quoteAndBuild(ctx context.Context, trade *storage.Trade, taker common.Address, phase string) error {
	quote, attempts, err := e.quoter.QuoteInOrder(ctx, aggregator.QuoteRequest{
		ChainID:     e.opts.ChainID,
		SellToken:   common.HexToAddress(trade.SellToken),
		BuyToken:    common.HexToAddress(trade.BuyToken),
		SellAmount:  new(big.Int).Set(trade.SellAmount),
		Taker:       taker,
		SlippageBps: trade.SlippageBps,
	})

	severity := storage.SeverityInfo
	if err != nil {
		severity = storage.SeverityError
	} else if len(attempts) > 1 {
		severity = storage.SeverityWarn
	}
	e.appendEvent(ctx, trade.ID, "quote_attempts", severity, map[string]any{"attempts": attempts})

	if err == nil {
		var snapshot *storage.QuoteSnapshot
		var payload *storage.TxPayload
		snapshot, payload, err = e.snapshot(trade, quote)
		if err == nil {
			trade.Quote = snapshot
			trade.TxPayload = payload
			e.metrics.Built(snapshot.Source)
			return e.transition(ctx, trade, storage.StatusBuilt, phase, storage.SeverityInfo, map[string]any{
				"strategy":       snapshot.Source,
				"price":          snapshot.Price.String(),
				"buy_amount":     snapshot.BuyAmount,
				"min_buy_amount": snapshot.MinBuyAmount,
				"gas_estimate":   snapshot.GasEstimate,
				"spender":        snapshot.Spender,
			})
		}
	}

	if trade.Status == storage.StatusRequested {
		reason := "quote_failed"
		if apperr.HasCode(err, apperr.CodeUpstreamShape) || apperr.HasCode(err, apperr.CodeSlippageTooHigh) {
			reason = "quote_rejected"
		}
		if failErr := e.fail(ctx, trade, reason, err); failErr != nil {
			return errors.Join(err, failErr)
		}
	} else {
		e.appendEvent(ctx, trade.ID, "quote_failed", storage.SeverityError, errorPayload(err))
	}
	return err
}

// snapshot validates an untrusted quote against the trade and freezes it.
func (e *Engine) snapshot(trade *storage.Trade, q *aggregator.Quote) (*storage.QuoteSnapshot, *storage.TxPayload, error) {
	if q == nil {
		return nil, nil, apperr.UpstreamShape("aggregator returned no quote")
	}
	if !q.Price.IsPositive() {
		return nil, nil, apperr.UpstreamShape("quote price must be positive")
	}
	if q.BuyAmount == nil || q.BuyAmount.Sign() <= 0 || q.MinBuyAmount == nil || q.MinBuyAmount.Sign() <= 0 {
		return nil, nil, apperr.UpstreamShape("quote output amounts must be positive")
	}
	if q.Transaction.To == (common.Address{}) || len(q.Transaction.Data) == 0 {
		return nil, nil, apperr.UpstreamShape("quote transaction needs a destination and call data")
	}

	floor := new(big.Int).Mul(q.BuyAmount, big.NewInt(int64(guard.MaxBps-trade.SlippageBps)))
	floor.Quo(floor, big.NewInt(guard.MaxBps))
	if q.MinBuyAmount.Cmp(floor) < 0 {
		return nil, nil, apperr.Validation(apperr.CodeSlippageTooHigh, "quote minimum output %s is below the %d bps floor %s", q.MinBuyAmount, trade.SlippageBps, floor).
			With("min_buy_amount", q.MinBuyAmount.String()).
			With("floor", floor.String())
	}

	spender, proposal, err := resolveSpender(q)
	if err != nil {
		return nil, nil, err
	}

	snapshot := &storage.QuoteSnapshot{
		Source:       string(q.Strategy),
		Price:        q.Price,
		BuyAmount:    q.BuyAmount.String(),
		MinBuyAmount: q.MinBuyAmount.String(),
		GasEstimate:  q.GasEstimate,
		Spender:      spender.Hex(),
		Challenge:    proposal,
		Raw:          q.Raw,
	}
	if q.AllowanceTarget != (common.Address{}) {
		snapshot.AllowanceTarget = q.AllowanceTarget.Hex()
	}

	value := "0"
	if q.Transaction.Value != nil {
		value = q.Transaction.Value.String()
	}
	payload := &storage.TxPayload{
		ChainID: e.opts.ChainID,
		To:      q.Transaction.To.Hex(),
		Data:    hexutil.Encode(q.Transaction.Data),
		Value:   value,
		Gas:     q.Transaction.Gas,
	}
	return snapshot, payload, nil
}

// resolveSpender picks who must be authorized to pull the sell token. A
// PermitSingle challenge names its spender; otherwise the swap target is used.
func resolveSpender(q *aggregator.Quote) (common.Address, *storage.PermitProposal, error) {
	if q.Strategy != aggregator.StrategyPermit2 {
		if q.AllowanceTarget != (common.Address{}) {
			return q.AllowanceTarget, nil, nil
		}
		return q.Transaction.To, nil, nil
	}

	if q.Permit == nil || q.Permit.PrimaryType != "PermitSingle" {
		return q.Transaction.To, nil, nil
	}
	proposal := &storage.PermitProposal{
		PrimaryType:       q.Permit.PrimaryType,
		DomainName:        q.Permit.Domain.Name,
		ChainID:           q.Permit.Domain.ChainID,
		VerifyingContract: q.Permit.Domain.VerifyingContract.Hex(),
		Message:           q.Permit.Message,
	}
	challenge, err := parseProposal(proposal)
	if err != nil {
		return common.Address{}, nil, err
	}
	return challenge.Message.Spender, proposal, nil
}

func parseProposal(p *storage.PermitProposal) (*permit.Challenge, error) {
	domain := permit.Domain{
		Name:              p.DomainName,
		ChainID:           big.NewInt(p.ChainID),
		VerifyingContract: common.HexToAddress(p.VerifyingContract),
	}
	return permit.ParseChallenge(p.PrimaryType, domain, p.Message)
}

// checkGuards reads breaker and cooldown state for scope. Callers hold the
// scope lock so a trip or a broadcast cannot slip in between check and use.
func (e *Engine) checkGuards(ctx context.Context, scope storage.ScopeKey, side storage.Side) error {
	if err := e.breakers.Check(ctx, scope); err != nil {
		return err
	}
	return e.cooldowns.Check(ctx, scope, side, e.opts.Now())
}

func (e *Engine) bypassGuards(side storage.Side, closePosition bool) bool {
	return e.opts.Capabilities.RiskReducingBypass && closePosition && side == storage.SideSell
}

func (e *Engine) wallet(ctx context.Context, userID string) (*storage.Wallet, error) {
	wallet, err := e.store.GetWalletByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("wallet for user", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if !common.IsHexAddress(wallet.Address) {
		return nil, apperr.Custody(nil, apperr.CodeCustodyAddressMismatch, "wallet address for user %s is malformed", userID)
	}
	return wallet, nil
}

func (e *Engine) reject(err error) {
	ae, ok := apperr.As(err)
	if !ok {
		return
	}
	e.metrics.Rejected(string(ae.Code))
	if ae.Code == apperr.CodeLocked {
		e.metrics.Contended()
	}
}
