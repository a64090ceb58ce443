package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trade-executor/internal/alerting"
	"trade-executor/internal/api"
	"trade-executor/internal/apperr"
	"trade-executor/internal/engine"
	"trade-executor/internal/storage"
	"trade-executor/internal/vault"
)

// SendOptions configure the send command.
type SendOptions struct {
	TradeID         string
	PermitSignature string
	Confirm         bool
	// IdempotencyKey routes the send through the job queue when set.
	IdempotencyKey string
}

// BreakerOptions select a breaker for trip and reset.
type BreakerOptions struct {
	Key       storage.ScopeKey
	Name      string
	Reason    string
	Current   decimal.Decimal
	Threshold decimal.Decimal
}

func (a *App) withRuntime(ctx context.Context, fn func(rt *runtime) error) error {
	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Build quotes and builds a trade, printing the result.
func (a *App) Build(ctx context.Context, req engine.BuildRequest) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		result, err := rt.engine.Build(ctx, req)
		if err != nil {
			return err
		}
		return a.printJSON(result)
	})
}

// Send executes a built trade directly or through the job queue.
func (a *App) Send(ctx context.Context, opts SendOptions) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		if opts.IdempotencyKey != "" {
			return a.sendQueued(ctx, rt, opts)
		}
		var sig []byte
		if opts.PermitSignature != "" {
			decoded, err := hexutil.Decode(opts.PermitSignature)
			if err != nil {
				return apperr.Validation(apperr.CodeSignatureInvalid, "permit signature is not hex")
			}
			sig = decoded
		}
		result, err := rt.engine.Send(ctx, opts.TradeID, engine.SendRequest{PermitSignature: sig, Confirm: opts.Confirm})
		if err != nil {
			return err
		}
		return a.printJSON(result)
	})
}

func (a *App) sendQueued(ctx context.Context, rt *runtime, opts SendOptions) error {
	queue := rt.runner.Queue()
	job, _, err := queue.Submit(ctx, opts.IdempotencyKey, engine.SendJob{TradeID: opts.TradeID, PermitSignature: opts.PermitSignature})
	if err != nil {
		return err
	}
	replayed := job.Status != storage.JobQueued
	if !replayed {
		claimed, err := queue.Claim(ctx, opts.IdempotencyKey)
		if err != nil {
			return err
		}
		if claimed != nil {
			job = claimed
			if err := rt.runner.Process(ctx, job); err != nil {
				return err
			}
		}
	}
	return a.printJSON(map[string]any{
		"idempotency_key": job.IdempotencyKey,
		"job_status":      job.Status,
		"trade_id":        job.TradeID,
		"result":          json.RawMessage(orEmpty(job.Result)),
		"replayed":        replayed,
	})
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Get prints a trade and its event log.
func (a *App) Get(ctx context.Context, tradeID string) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		trade, events, err := rt.engine.Get(ctx, tradeID)
		if err != nil {
			return err
		}
		return a.printJSON(map[string]any{"trade": trade, "events": events})
	})
}

// Rebuild re-quotes a trade.
func (a *App) Rebuild(ctx context.Context, tradeID string) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		result, err := rt.engine.Rebuild(ctx, tradeID)
		if err != nil {
			return err
		}
		return a.printJSON(result)
	})
}

// Confirm waits for a submitted trade's receipt.
func (a *App) Confirm(ctx context.Context, tradeID string) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		result, err := rt.engine.Confirm(ctx, tradeID)
		if err != nil {
			return err
		}
		return a.printJSON(result)
	})
}

// TripBreaker halts execution for a scope.
func (a *App) TripBreaker(ctx context.Context, opts BreakerOptions) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		breaker, err := rt.engine.TripBreaker(ctx, opts.Key, opts.Name, opts.Reason, "cli", opts.Current, opts.Threshold)
		if err != nil {
			return err
		}
		return a.printJSON(breaker)
	})
}

// ResetBreaker re-enables execution for a scope.
func (a *App) ResetBreaker(ctx context.Context, opts BreakerOptions) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		breaker, err := rt.engine.ResetBreaker(ctx, opts.Key, opts.Name, "cli")
		if err != nil {
			return err
		}
		return a.printJSON(breaker)
	})
}

// ListBreakers prints breakers, optionally for one scope, with its history.
func (a *App) ListBreakers(ctx context.Context, key *storage.ScopeKey, history int) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		breakers, err := rt.engine.ListBreakers(ctx, key)
		if err != nil {
			return err
		}
		out := map[string]any{"breakers": breakers}
		if key != nil && history > 0 {
			events, err := rt.engine.BreakerHistory(ctx, *key, history)
			if err != nil {
				return err
			}
			out["history"] = events
		}
		return a.printJSON(out)
	})
}

// ImportWallet reads a hex private key from In, seals it and stores the
// wallet for userID. The key is never logged or echoed.
func (a *App) ImportWallet(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("--user is required")
	}
	line, err := bufio.NewReader(a.In).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read private key: %w", err)
	}
	raw, err := hexutil.Decode("0x" + strings.TrimPrefix(strings.TrimSpace(line), "0x"))
	if err != nil {
		return apperr.Validation(apperr.CodeInvalidRequest, "private key must be hex encoded")
	}
	defer vault.Zero(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return apperr.Validation(apperr.CodeInvalidRequest, "private key is not a valid secp256k1 scalar")
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	key.D.SetInt64(0)

	keys, err := a.newVault()
	if err != nil {
		return err
	}
	secret, err := keys.Wrap(raw)
	if err != nil {
		return err
	}

	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	wallet := &storage.Wallet{ID: uuid.NewString(), UserID: userID, Address: address.Hex(), Secret: secret}
	if err := repo.SaveWallet(ctx, wallet); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return apperr.New(apperr.ClassState, apperr.CodeInvalidRequest, "user %s already has a wallet", userID)
		}
		return err
	}
	a.Logger.Info().Str("user_id", userID).Str("address", address.Hex()).Int("kek_version", secret.KEKVersion).Msg("wallet imported")
	return a.printJSON(map[string]any{"user_id": userID, "address": address.Hex(), "kek_version": secret.KEKVersion})
}

// IssueToken prints an API bearer token.
func (a *App) IssueToken(userID, role string, ttl time.Duration) error {
	token, err := api.IssueToken(a.Config.Server.JWTSecret, userID, role, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.Out, token)
	return err
}

// AlertTest sends a test notification through the configured channel.
func (a *App) AlertTest(ctx context.Context, message string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	notifier := a.newNotifier()
	if _, ok := notifier.(alerting.Nop); ok {
		return errors.New("未配置任何告警通道")
	}
	return notifier.Notify(ctx, alerting.Notification{
		Kind:          alerting.KindTest,
		At:            time.Now().UTC(),
		Scope:         "test",
		AdditionalMsg: message,
	})
}
