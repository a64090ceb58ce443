// Package engine sequences a trade from quote to finality:
// guard → lock → quote → build → preflight → simulate → sign → broadcast → confirm.
//
// Every status change is a compare-and-set on the stored trade followed by an
// appended TradeEvent. Live sends only leave the process through the
// GatedBroadcaster, which refuses to touch the RPC client while dry-run is on.
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
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"trade-executor/internal/aggregator"
	"trade-executor/internal/alerting"
	"trade-executor/internal/apperr"
	"trade-executor/internal/chain"
	"trade-executor/internal/guard"
	"trade-executor/internal/jobs"
	"trade-executor/internal/logging"
	"trade-executor/internal/metrics"
	"trade-executor/internal/permit"
	"trade-executor/internal/storage"
	"trade-executor/internal/vault"
)

// Quoter returns the first valid quote from an ordered strategy list.
type Quoter interface {
	QuoteInOrder(ctx context.Context, req aggregator.QuoteRequest) (*aggregator.Quote, []aggregator.Attempt, error)
}

// Chain is the node access the engine needs; chain.Client satisfies it.
type Chain interface {
	ChainID() *big.Int
	Simulate(ctx context.Context, msg ethereum.CallMsg) error
	BuildTx(ctx context.Context, req chain.TxRequest) (*types.Transaction, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	WaitReceipt(ctx context.Context, hash common.Hash, attempts int, interval time.Duration) (*types.Receipt, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Authorizer decides and produces Permit2 authorizations; permit.Manager
// satisfies it.
type Authorizer interface {
	Permit2() common.Address
	Domain() permit.Domain
	Authorize(ctx context.Context, req permit.Request) (permit.Decision, error)
}

// Store is the persistence the engine reads and writes directly.
type Store interface {
	storage.TradeStore
	storage.EventStore
	storage.WalletStore
}

// Capabilities switch optional behaviour of the single orchestrator.
type Capabilities struct {
	// AutoWrap deposits native coin into the wrapped token when the sell
	// balance falls short.
	AutoWrap bool
	// AutoPermit signs Permit2 typed data with the custodied key when the
	// caller did not supply a signature.
	AutoPermit bool
	// SystemOperator marks trades run by the system itself: permits are signed
	// custodially and missing ERC-20 approvals to Permit2 are sent. It never
	// skips validation or the dry-run gate.
	SystemOperator bool
	// RiskReducingBypass lets sells flagged ClosePosition skip breaker and
	// cooldown checks. Stateless limits still apply.
	RiskReducingBypass bool
}

// Options are the immutable engine settings.
type Options struct {
	ChainID          int64
	Limits           guard.Limits
	Capabilities     Capabilities
	WrappedNative    common.Address
	ReceiptAttempts  int
	ReceiptInterval  time.Duration
	AutoTripFailures int
	// PermitEncoding picks appended signatures or a standalone permit tx.
	PermitEncoding permit.Encoding
	Now            func() time.Time
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Store       Store
	Locker      *jobs.Locker
	Breakers    *guard.Breakers
	Cooldowns   *guard.Cooldowns
	Quoter      Quoter
	Chain       Chain
	Broadcaster *GatedBroadcaster
	Permits     Authorizer
	Vault       *vault.Vault
	Notifier    alerting.Notifier
	Metrics     *metrics.Metrics
}

// Engine is the trade lifecycle orchestrator.
type Engine struct {
	opts        Options
	store       Store
	locker      *jobs.Locker
	breakers    *guard.Breakers
	cooldowns   *guard.Cooldowns
	quoter      Quoter
	chain       Chain
	broadcaster *GatedBroadcaster
	permits     Authorizer
	vault       *vault.Vault
	notifier    alerting.Notifier
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New wires an engine.
func New(opts Options, deps Deps, logger zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReceiptAttempts <= 0 {
		opts.ReceiptAttempts = 30
	}
	if opts.ReceiptInterval <= 0 {
		opts.ReceiptInterval = 4 * time.Second
	}
	if opts.PermitEncoding == "" {
		opts.PermitEncoding = permit.EncodingAppended
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = alerting.Nop{}
	}
	return &Engine{
		opts:        opts,
		store:       deps.Store,
		locker:      deps.Locker,
		breakers:    deps.Breakers,
		cooldowns:   deps.Cooldowns,
		quoter:      deps.Quoter,
		chain:       deps.Chain,
		broadcaster: deps.Broadcaster,
		permits:     deps.Permits,
		vault:       deps.Vault,
		notifier:    notifier,
		metrics:     deps.Metrics,
		logger:      logging.Component(logger, "engine"),
	}
}

// DryRun reports whether the broadcast gate is closed.
func (e *Engine) DryRun() bool {
	return e.broadcaster.DryRun()
}

// Result is the outcome of a lifecycle operation.
type Result struct {
	Trade     *storage.Trade `json:"trade"`
	Status    string         `json:"status"`
	DryRun    bool           `json:"dryRun"`
	Replayed  bool           `json:"replayed,omitempty"`
	Preflight *Preflight     `json:"preflight,omitempty"`
}

func newResult(trade *storage.Trade) Result {
	return Result{Trade: trade, Status: string(trade.Status)}
}

// Get returns a trade with its event log.
func (e *Engine) Get(ctx context.Context, tradeID string) (*storage.Trade, []storage.TradeEvent, error) {
	trade, err := e.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, nil, err
	}
	events, err := e.store.ListEvents(ctx, tradeID)
	if err != nil {
		return nil, nil, fmt.Errorf("list events: %w", err)
	}
	return trade, events, nil
}

func (e *Engine) loadTrade(ctx context.Context, tradeID string) (*storage.Trade, error) {
	trade, err := e.store.GetTrade(ctx, tradeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("trade", tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("load trade: %w", err)
	}
	return trade, nil
}

var transitions = map[storage.TradeStatus][]storage.TradeStatus{
	storage.StatusRequested:         {storage.StatusBuilt, storage.StatusFailed},
	storage.StatusBuilt:             {storage.StatusPreflightRequired, storage.StatusSimulateRevert, storage.StatusSubmitted, storage.StatusFailed},
	storage.StatusPreflightRequired: {storage.StatusSimulateRevert, storage.StatusSubmitted, storage.StatusFailed},
	storage.StatusSimulateRevert:    {storage.StatusBuilt},
	storage.StatusSubmitted:         {storage.StatusConfirmed, storage.StatusFailed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to storage.TradeStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition persists trade with status to, guarded on its current status,
// and appends the event for phase. Field changes made to trade before the
// call are written in the same update.
// save persists field changes on trade while its status stays put.
func (e *Engine) save(ctx context.Context, trade *storage.Trade) error {
	next := trade.Clone()
	if err := e.store.UpdateTrade(ctx, &next, trade.Status); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return apperr.Wrap(err, apperr.ClassConcurrency, apperr.CodeInvalidTransition, "trade %s changed concurrently", trade.ID)
		}
		return fmt.Errorf("update trade: %w", err)
	}
	*trade = next
	return nil
}

func (e *Engine) transition(ctx context.Context, trade *storage.Trade, to storage.TradeStatus, phase string, severity storage.Severity, payload map[string]any) error {
	from := trade.Status
	if !CanTransition(from, to) {
		return apperr.New(apperr.ClassState, apperr.CodeInvalidTransition, "trade %s cannot move from %s to %s", trade.ID, from, to).
			With("status", string(from))
	}

	next := trade.Clone()
	next.Status = to
	if err := e.store.UpdateTrade(ctx, &next, from); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return apperr.Wrap(err, apperr.ClassConcurrency, apperr.CodeInvalidTransition, "trade %s changed concurrently", trade.ID)
		}
		return fmt.Errorf("update trade: %w", err)
	}
	*trade = next

	if payload == nil {
		payload = make(map[string]any)
	}
	payload["from"] = from
	payload["to"] = to
	e.appendEvent(ctx, trade.ID, phase, severity, payload)
	e.metrics.Transition(string(from), string(to))

	e.logger.Info().
		Str("trade_id", trade.ID).
		Str("lock_key", trade.Scope().LockKey()).
		Str("from", string(from)).
		Str("status", string(to)).
		Msg("trade transition")
	return nil
}

// appendEvent records an audit entry. A failed append is logged; the
// transition it describes is already persisted.
func (e *Engine) appendEvent(ctx context.Context, tradeID, phase string, severity storage.Severity, payload any) {
	if err := e.recordEvent(ctx, tradeID, phase, severity, payload); err != nil {
		e.logger.Error().Err(err).Str("trade_id", tradeID).Str("phase", phase).Msg("failed to append trade event")
	}
}

// recordEvent is appendEvent for events later decisions depend on.
func (e *Engine) recordEvent(ctx context.Context, tradeID, phase string, severity storage.Severity, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	event := &storage.TradeEvent{TradeID: tradeID, Phase: phase, Severity: severity, Payload: body}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append %s event: %w", phase, err)
	}
	return nil
}

// fail moves trade to failed with a stable reason and pushes a notification.
func (e *Engine) fail(ctx context.Context, trade *storage.Trade, reason string, cause error) error {
	trade.FailureReason = reason
	payload := map[string]any{"reason": reason}
	code := ""
	if cause != nil {
		payload["error"] = errorPayload(cause)
		code = string(apperr.CodeOf(cause))
	}
	if err := e.transition(ctx, trade, storage.StatusFailed, "failed", storage.SeverityError, payload); err != nil {
		return err
	}
	e.notify(ctx, alerting.Notification{
		Kind:    alerting.KindTradeFailed,
		Scope:   trade.Scope().LockKey(),
		TradeID: trade.ID,
		Status:  string(trade.Status),
		Code:    code,
		Reason:  reason,
		TxHash:  deref(trade.TxHash),
	})
	return nil
}

func (e *Engine) notify(ctx context.Context, note alerting.Notification) {
	if note.At.IsZero() {
		note.At = e.opts.Now()
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		e.logger.Error().Err(err).Str("kind", note.Kind).Str("trade_id", note.TradeID).Msg("failed to dispatch alert")
	}
}

func errorPayload(err error) map[string]any {
	if e, ok := apperr.As(err); ok {
		out := map[string]any{"code": e.Code, "class": e.Class, "message": e.Message}
		if len(e.Details) > 0 {
			out["details"] = e.Details
		}
		if e.Err != nil {
			out["cause"] = e.Err.Error()
		}
		return out
	}
	return map[string]any{"code": apperr.CodeInternal, "message": err.Error()}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
