package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"trade-executor/internal/aggregator"
	"trade-executor/internal/apperr"
	"trade-executor/internal/chain"
	"trade-executor/internal/permit"
	"trade-executor/internal/storage"
	"trade-executor/internal/vault"
)

// Preflight reasons. A preflight suspends the trade; the caller satisfies the
// prerequisite and sends again.
const (
	ReasonInsufficientBalance       = "insufficient_balance"
	ReasonInsufficientNative        = "insufficient_native_balance"
	ReasonApprovalRequired          = "erc20_approval_required"
	ReasonPermitSignatureRequired   = "permit_signature_required"
	ReasonAllowanceHolderUnapproved = "allowance_target_unapproved"
	ReasonAuxTxPending              = "helper_tx_pending"
)

// Preflight describes the unmet prerequisite of a suspended trade.
type Preflight struct {
	Reason    string `json:"reason"`
	Token     string `json:"token"`
	Spender   string `json:"spender,omitempty"`
	Required  string `json:"required"`
	Available string `json:"available"`
	// TxHash is the wrap or approve transaction still awaiting a receipt.
	TxHash string `json:"tx_hash,omitempty"`
	// Permit typed-data fields for callers that sign themselves.
	Digest     string `json:"digest,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Expiration string `json:"expiration,omitempty"`
	Deadline   string `json:"deadline,omitempty"`
}

// SendRequest carries caller input for Send.
type SendRequest struct {
	// PermitSignature is a caller-produced Permit2 signature (r||s||v).
	PermitSignature []byte
	// Confirm waits for the receipt after a successful broadcast.
	Confirm bool
}

// Send drives a built trade through preflight, simulation, signing and
// broadcast. Trades already submitted or final are returned unchanged.
func (e *Engine) Send(ctx context.Context, tradeID string, req SendRequest) (Result, error) {
	defer e.metrics.Since("send", time.Now())

	trade, err := e.loadTrade(ctx, tradeID)
	if err != nil {
		return Result{}, err
	}
	if trade.Status == storage.StatusSubmitted || trade.Status.Terminal() {
		if req.Confirm && trade.Status == storage.StatusSubmitted {
			return e.Confirm(ctx, tradeID)
		}
		result := newResult(trade)
		result.Replayed = true
		return result, nil
	}

	var result Result
	err = e.locker.With(ctx, trade.Scope().LockKey(), "send:"+tradeID, func(ctx context.Context) error {
		fresh, err := e.loadTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		var sendErr error
		result, sendErr = e.sendLocked(ctx, fresh, req)
		return sendErr
	})
	if err != nil {
		e.reject(err)
		return result, err
	}
	if req.Confirm && result.Status == string(storage.StatusSubmitted) {
		return e.Confirm(ctx, tradeID)
	}
	return result, nil
}

// sendLocked runs with the scope lock held.
func (e *Engine) sendLocked(ctx context.Context, trade *storage.Trade, req SendRequest) (Result, error) {
	switch trade.Status {
	case storage.StatusSubmitted, storage.StatusConfirmed, storage.StatusFailed:
		result := newResult(trade)
		result.Replayed = true
		return result, nil
	case storage.StatusBuilt, storage.StatusPreflightRequired:
	default:
		return newResult(trade), apperr.New(apperr.ClassState, apperr.CodeInvalidTransition, "trade %s is %s, send needs built or preflight_required", trade.ID, trade.Status).
			With("status", string(trade.Status))
	}

	if e.bypassGuards(trade.Side, trade.ClosePosition) {
		e.appendEvent(ctx, trade.ID, "guard_bypass", storage.SeverityWarn, map[string]any{
			"reason":  "risk_reducing_sell",
			"stage":   "send",
			"skipped": []string{"breaker", "cooldown"},
		})
	} else if err := e.checkGuards(ctx, trade.Scope(), trade.Side); err != nil {
		e.appendEvent(ctx, trade.ID, "guard_rejected", storage.SeverityWarn, errorPayload(err))
		return newResult(trade), err
	}

	if e.broadcaster.DryRun() {
		e.appendEvent(ctx, trade.ID, "dry_run_halt", storage.SeverityInfo, map[string]any{"status": trade.Status})
		result := newResult(trade)
		result.DryRun = true
		return result, nil
	}

	wallet, err := e.wallet(ctx, trade.UserID)
	if err != nil {
		return newResult(trade), err
	}
	owner := common.HexToAddress(wallet.Address)
	if owner != common.HexToAddress(trade.WalletAddress) {
		return newResult(trade), apperr.Custody(nil, apperr.CodeCustodyAddressMismatch, "wallet for user %s no longer matches trade %s", trade.UserID, trade.ID)
	}
	signer := e.vault.Signer(owner, wallet.Secret)

	calldata, pre, err := e.preflight(ctx, trade, signer, req)
	if err != nil {
		e.appendEvent(ctx, trade.ID, "preflight_error", storage.SeverityError, errorPayload(err))
		return newResult(trade), err
	}
	if pre != nil {
		return e.suspend(ctx, trade, pre)
	}
	return e.execute(ctx, trade, signer, calldata)
}

// preflight checks balance and allowances, runs the permitted on-chain fixes
// and returns the final swap calldata, or the prerequisite still missing.
func (e *Engine) preflight(ctx context.Context, trade *storage.Trade, signer *vault.Signer, req SendRequest) ([]byte, *Preflight, error) {
	owner := signer.Address()
	token := common.HexToAddress(trade.SellToken)
	amount := trade.SellAmount
	caps := e.opts.Capabilities

	data, err := hexutil.Decode(trade.TxPayload.Data)
	if err != nil {
		return nil, nil, apperr.New(apperr.ClassState, apperr.CodeInvalidRequest, "stored call data is not hex")
	}

	balance, err := e.chain.TokenBalance(ctx, token, owner)
	if err != nil {
		return nil, nil, err
	}
	if balance.Cmp(amount) < 0 {
		wrappable := caps.AutoWrap && e.opts.WrappedNative != (common.Address{}) && token == e.opts.WrappedNative
		if !wrappable {
			return nil, &Preflight{Reason: ReasonInsufficientBalance, Token: token.Hex(), Required: amount.String(), Available: balance.String()}, nil
		}
		if pre, err := e.autoWrap(ctx, trade, signer, new(big.Int).Sub(amount, balance)); pre != nil || err != nil {
			return nil, pre, err
		}
	}

	switch aggregator.Strategy(trade.Quote.Source) {
	case aggregator.StrategyPermit2:
		permit2 := e.permits.Permit2()
		if pre, err := e.ensureApproval(ctx, trade, signer, token, permit2, math.MaxBig256, ReasonApprovalRequired); pre != nil || err != nil {
			return nil, pre, err
		}
		sig, msg, pre, err := e.authorize(ctx, trade, signer, req.PermitSignature)
		if pre != nil || err != nil {
			return nil, pre, err
		}
		if sig != nil {
			if e.opts.PermitEncoding == permit.EncodingStandalone {
				payload, err := permit.PermitCalldata(owner, *msg, sig)
				if err != nil {
					return nil, nil, fmt.Errorf("encode permit call: %w", err)
				}
				if pre, err := e.sendAux(ctx, trade, signer, "permit2_permit", permit2, payload, nil); pre != nil || err != nil {
					return nil, pre, err
				}
			} else {
				data = permit.AppendSignature(data, sig)
			}
		}
	default:
		target := common.HexToAddress(trade.Quote.Spender)
		if pre, err := e.ensureApproval(ctx, trade, signer, token, target, amount, ReasonAllowanceHolderUnapproved); pre != nil || err != nil {
			return nil, pre, err
		}
	}

	e.appendEvent(ctx, trade.ID, "preflight_ok", storage.SeverityInfo, map[string]any{
		"balance":  balance.String(),
		"strategy": trade.Quote.Source,
	})
	return data, nil, nil
}

func (e *Engine) autoWrap(ctx context.Context, trade *storage.Trade, signer *vault.Signer, deficit *big.Int) (*Preflight, error) {
	native, err := e.chain.NativeBalance(ctx, signer.Address())
	if err != nil {
		return nil, err
	}
	if native.Cmp(deficit) < 0 {
		return &Preflight{
			Reason:    ReasonInsufficientNative,
			Token:     e.opts.WrappedNative.Hex(),
			Required:  deficit.String(),
			Available: native.String(),
		}, nil
	}
	return e.sendAux(ctx, trade, signer, "auto_wrap", e.opts.WrappedNative, chain.DepositCalldata(), deficit)
}

// ensureApproval makes sure spender may pull amount of token via ERC-20
// allowance. Only system-operated trades send the approval themselves.
func (e *Engine) ensureApproval(ctx context.Context, trade *storage.Trade, signer *vault.Signer, token, spender common.Address, amount *big.Int, reason string) (*Preflight, error) {
	allowance, err := e.chain.TokenAllowance(ctx, token, signer.Address(), spender)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(trade.SellAmount) >= 0 {
		return nil, nil
	}
	if !e.opts.Capabilities.SystemOperator {
		return &Preflight{
			Reason:    reason,
			Token:     token.Hex(),
			Spender:   spender.Hex(),
			Required:  trade.SellAmount.String(),
			Available: allowance.String(),
		}, nil
	}
	calldata, err := chain.ApproveCalldata(spender, amount)
	if err != nil {
		return nil, err
	}
	return e.sendAux(ctx, trade, signer, "erc20_approve", token, calldata, nil)
}

// authorize runs the Permit2 decision and returns the signature with the
// message it covers, or nil when the existing allowance already covers the
// trade.
func (e *Engine) authorize(ctx context.Context, trade *storage.Trade, signer *vault.Signer, supplied []byte) ([]byte, *permit.PermitSingle, *Preflight, error) {
	token := common.HexToAddress(trade.SellToken)
	spender := common.HexToAddress(trade.Quote.Spender)

	req := permit.Request{
		Owner:     signer.Address(),
		Token:     token,
		Spender:   spender,
		Amount:    trade.SellAmount,
		Signature: supplied,
	}
	if p := trade.Quote.Challenge; p != nil {
		challenge, err := parseProposal(p)
		if err != nil {
			return nil, nil, nil, err
		}
		req.Challenge = challenge
	} else if len(supplied) > 0 {
		challenge, err := e.pendingProposal(trade)
		if err != nil {
			return nil, nil, nil, err
		}
		req.Challenge = challenge
	}
	caps := e.opts.Capabilities
	if len(supplied) == 0 && (caps.AutoPermit || caps.SystemOperator) {
		req.Signer = signer
	}

	decision, err := e.permits.Authorize(ctx, req)
	if err != nil {
		e.reject(err)
		e.appendEvent(ctx, trade.ID, "permit_rejected", storage.SeverityError, errorPayload(err))
		return nil, nil, nil, err
	}

	switch decision.Outcome {
	case permit.OutcomeSkipped:
		trade.Permit = &storage.PermitData{Outcome: string(decision.Outcome), Token: token.Hex(), Spender: spender.Hex()}
		e.appendEvent(ctx, trade.ID, "permit_skipped_sufficient", storage.SeverityInfo, map[string]any{
			"allowance":  bigString(decision.Existing.Amount),
			"expiration": bigString(decision.Existing.Expiration),
			"required":   trade.SellAmount.String(),
		})
		return nil, nil, nil, nil
	case permit.OutcomeSignatureRequired:
		msg := decision.Message
		trade.Permit = &storage.PermitData{
			Outcome:    string(decision.Outcome),
			Token:      msg.Details.Token.Hex(),
			Spender:    msg.Spender.Hex(),
			Amount:     bigString(msg.Details.Amount),
			Nonce:      bigString(msg.Details.Nonce),
			Expiration: bigString(msg.Details.Expiration),
			Deadline:   bigString(msg.SigDeadline),
		}
		return nil, nil, &Preflight{
			Reason:     ReasonPermitSignatureRequired,
			Token:      token.Hex(),
			Spender:    spender.Hex(),
			Required:   trade.SellAmount.String(),
			Available:  bigString(decision.Existing.Amount),
			Digest:     decision.Digest.Hex(),
			Nonce:      trade.Permit.Nonce,
			Expiration: trade.Permit.Expiration,
			Deadline:   trade.Permit.Deadline,
		}, nil
	}

	msg := decision.Message
	trade.Permit = &storage.PermitData{
		Outcome:       string(decision.Outcome),
		Token:         token.Hex(),
		Spender:       spender.Hex(),
		Amount:        bigString(msg.Details.Amount),
		Nonce:         bigString(msg.Details.Nonce),
		Expiration:    bigString(msg.Details.Expiration),
		Deadline:      bigString(msg.SigDeadline),
		SignatureHash: crypto.Keccak256Hash(decision.Signature).Hex(),
	}
	e.appendEvent(ctx, trade.ID, "permit_"+string(decision.Outcome), storage.SeverityInfo, map[string]any{
		"nonce":          trade.Permit.Nonce,
		"deadline":       trade.Permit.Deadline,
		"spender":        trade.Permit.Spender,
		"signature_hash": trade.Permit.SignatureHash,
	})
	return decision.Signature, decision.Message, nil, nil
}

// pendingProposal rebuilds the PermitSingle last proposed to the caller, or
// returns nil when none is stored.
func (e *Engine) pendingProposal(trade *storage.Trade) (*permit.Challenge, error) {
	p := trade.Permit
	if p == nil || p.Outcome != string(permit.OutcomeSignatureRequired) {
		return nil, nil
	}
	amount, okAmount := new(big.Int).SetString(p.Amount, 10)
	nonce, okNonce := new(big.Int).SetString(p.Nonce, 10)
	expiration, okExp := new(big.Int).SetString(p.Expiration, 10)
	deadline, okDeadline := new(big.Int).SetString(p.Deadline, 10)
	if !okAmount || !okNonce || !okExp || !okDeadline || !common.IsHexAddress(p.Token) || !common.IsHexAddress(p.Spender) {
		return nil, apperr.New(apperr.ClassState, apperr.CodeInvalidRequest, "stored permit proposal for trade %s is malformed", trade.ID)
	}
	return &permit.Challenge{
		Domain: e.permits.Domain(),
		Message: permit.PermitSingle{
			Details: permit.PermitDetails{
				Token:      common.HexToAddress(p.Token),
				Amount:     amount,
				Expiration: expiration,
				Nonce:      nonce,
			},
			Spender:     common.HexToAddress(p.Spender),
			SigDeadline: deadline,
		},
	}, nil
}

func (e *Engine) suspend(ctx context.Context, trade *storage.Trade, pre *Preflight) (Result, error) {
	payload := map[string]any{"preflight": pre}
	if trade.Status == storage.StatusPreflightRequired {
		if err := e.save(ctx, trade); err != nil {
			return newResult(trade), err
		}
		e.appendEvent(ctx, trade.ID, "preflight_required", storage.SeverityWarn, payload)
	} else if err := e.transition(ctx, trade, storage.StatusPreflightRequired, "preflight_required", storage.SeverityWarn, payload); err != nil {
		return newResult(trade), err
	}
	result := newResult(trade)
	result.Preflight = pre
	return result, nil
}

// execute simulates, signs and broadcasts the swap.
func (e *Engine) execute(ctx context.Context, trade *storage.Trade, signer *vault.Signer, calldata []byte) (Result, error) {
	owner := signer.Address()
	to := common.HexToAddress(trade.TxPayload.To)
	value, ok := new(big.Int).SetString(trade.TxPayload.Value, 10)
	if !ok {
		value = new(big.Int)
	}

	tx, err := e.chain.BuildTx(ctx, chain.TxRequest{From: owner, To: to, Data: calldata, Value: value, Gas: trade.TxPayload.Gas})
	if err != nil {
		if apperr.HasCode(err, apperr.CodeSimulationReverted) {
			return e.reverted(ctx, trade, err)
		}
		e.appendEvent(ctx, trade.ID, "build_tx_error", storage.SeverityWarn, errorPayload(err))
		return newResult(trade), err
	}

	start := time.Now()
	err = e.chain.Simulate(ctx, ethereum.CallMsg{
		From:      owner,
		To:        &to,
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Value:     value,
		Data:      calldata,
	})
	e.metrics.Since("simulate", start)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeSimulationReverted) {
			return e.reverted(ctx, trade, err)
		}
		e.appendEvent(ctx, trade.ID, "simulate_error", storage.SeverityWarn, errorPayload(err))
		return newResult(trade), err
	}
	e.appendEvent(ctx, trade.ID, "simulated", storage.SeverityInfo, map[string]any{"gas": tx.Gas()})

	signed, err := signer.SignTx(tx, e.chain.ChainID())
	if err != nil {
		e.logger.Error().Err(err).Str("trade_id", trade.ID).Str("code", string(apperr.CodeOf(err))).Msg("custody failure while signing")
		e.appendEvent(ctx, trade.ID, "sign_failed", storage.SeverityError, errorPayload(err))
		return newResult(trade), err
	}

	hash := signed.Hash().Hex()
	trade.TxPayload = txPayload(signed, e.opts.ChainID)
	if err := e.broadcaster.Broadcast(ctx, "swap", signed); err != nil {
		if apperr.HasCode(err, apperr.CodeDryRun) {
			e.appendEvent(ctx, trade.ID, "dry_run_halt", storage.SeverityInfo, map[string]any{"status": trade.Status})
			result := newResult(trade)
			result.DryRun = true
			return result, nil
		}
		trade.TxHash = &hash
		if failErr := e.fail(ctx, trade, "broadcast_failed", err); failErr != nil {
			return newResult(trade), errors.Join(err, failErr)
		}
		return newResult(trade), err
	}

	trade.TxHash = &hash
	if err := e.transition(ctx, trade, storage.StatusSubmitted, "submitted", storage.SeverityInfo, map[string]any{
		"tx_hash": hash,
		"nonce":   signed.Nonce(),
		"gas":     signed.Gas(),
	}); err != nil {
		e.logger.Error().Err(err).Str("trade_id", trade.ID).Str("tx_hash", hash).Msg("transaction broadcast but trade not marked submitted")
		return newResult(trade), err
	}
	return newResult(trade), nil
}

// reverted parks the trade in simulate_revert. It never reaches submitted
// from there without an explicit rebuild.
func (e *Engine) reverted(ctx context.Context, trade *storage.Trade, cause error) (Result, error) {
	e.metrics.Revert("simulation")
	trade.FailureReason = "simulate_revert"
	if err := e.transition(ctx, trade, storage.StatusSimulateRevert, "simulate_revert", storage.SeverityError, map[string]any{
		"error": errorPayload(cause),
	}); err != nil {
		return newResult(trade), errors.Join(cause, err)
	}
	e.recordFailure(ctx, trade)
	return newResult(trade), cause
}

// sendAux signs, broadcasts and waits for a helper transaction (wrap or
// approve) that must land before the swap. The hash is recorded as soon as
// the transaction is out, and a later send waits for that transaction
// instead of broadcasting another one.
func (e *Engine) sendAux(ctx context.Context, trade *storage.Trade, signer *vault.Signer, kind string, to common.Address, data []byte, value *big.Int) (*Preflight, error) {
	if pre, err := e.resolveAux(ctx, trade, kind, to); pre != nil || err != nil {
		return pre, err
	}

	tx, err := e.chain.BuildTx(ctx, chain.TxRequest{From: signer.Address(), To: to, Data: data, Value: value})
	if err != nil {
		return nil, err
	}
	signed, err := signer.SignTx(tx, e.chain.ChainID())
	if err != nil {
		return nil, err
	}
	if err := e.broadcaster.Broadcast(ctx, kind, signed); err != nil {
		return nil, err
	}
	hash := signed.Hash()
	if err := e.recordEvent(ctx, trade.ID, kind+"_submitted", storage.SeverityInfo, map[string]any{
		"tx_hash": hash.Hex(),
		"nonce":   signed.Nonce(),
	}); err != nil {
		e.logger.Error().Err(err).Str("trade_id", trade.ID).Str("tx_hash", hash.Hex()).Str("kind", kind).Msg("helper transaction broadcast but not recorded")
		return nil, err
	}

	receipt, err := e.chain.WaitReceipt(ctx, hash, e.opts.ReceiptAttempts, e.opts.ReceiptInterval)
	if err != nil {
		return nil, err
	}
	return nil, e.settleAux(ctx, trade, kind, hash, receipt)
}

// resolveAux checks the last recorded helper transaction of kind. It
// suspends while that transaction is unmined and records its outcome once a
// receipt exists.
func (e *Engine) resolveAux(ctx context.Context, trade *storage.Trade, kind string, to common.Address) (*Preflight, error) {
	hash, ok, err := e.pendingAux(ctx, trade.ID, kind)
	if err != nil || !ok {
		return nil, err
	}
	receipt, err := e.chain.Receipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return &Preflight{Reason: ReasonAuxTxPending, Token: to.Hex(), TxHash: hash.Hex()}, nil
	}
	return nil, e.settleAux(ctx, trade, kind, hash, receipt)
}

// pendingAux returns the hash of the newest <kind>_submitted event that has
// no recorded outcome yet.
func (e *Engine) pendingAux(ctx context.Context, tradeID, kind string) (common.Hash, bool, error) {
	events, err := e.store.ListEvents(ctx, tradeID)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("load events: %w", err)
	}
	var pending string
	for _, ev := range events {
		switch ev.Phase {
		case kind + "_submitted":
			var body struct {
				TxHash string `json:"tx_hash"`
			}
			if err := json.Unmarshal(ev.Payload, &body); err == nil {
				pending = body.TxHash
			}
		case kind, kind + "_reverted":
			pending = ""
		}
	}
	if pending == "" {
		return common.Hash{}, false, nil
	}
	return common.HexToHash(pending), true, nil
}

func (e *Engine) settleAux(ctx context.Context, trade *storage.Trade, kind string, hash common.Hash, receipt *types.Receipt) error {
	if receipt.Status != types.ReceiptStatusSuccessful {
		e.metrics.Revert(kind)
		e.appendEvent(ctx, trade.ID, kind+"_reverted", storage.SeverityError, map[string]any{"tx_hash": hash.Hex()})
		return apperr.New(apperr.ClassUpstream, apperr.CodeBroadcastFailed, "%s transaction reverted on chain", kind).
			With("tx_hash", hash.Hex())
	}
	e.appendEvent(ctx, trade.ID, kind, storage.SeverityInfo, map[string]any{
		"tx_hash":  hash.Hex(),
		"gas_used": receipt.GasUsed,
	})
	return nil
}

func txPayload(tx *types.Transaction, chainID int64) *storage.TxPayload {
	payload := &storage.TxPayload{
		ChainID:   chainID,
		Data:      hexutil.Encode(tx.Data()),
		Value:     bigString(tx.Value()),
		Gas:       tx.Gas(),
		Nonce:     tx.Nonce(),
		GasTipCap: bigString(tx.GasTipCap()),
		GasFeeCap: bigString(tx.GasFeeCap()),
	}
	if tx.To() != nil {
		payload.To = tx.To().Hex()
	}
	return payload
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
