package storage

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade-executor/internal/vault"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	StatusRequested         TradeStatus = "requested"
	StatusBuilt             TradeStatus = "built"
	StatusPreflightRequired TradeStatus = "preflight_required"
	StatusSimulateRevert    TradeStatus = "simulate_revert"
	StatusSubmitted         TradeStatus = "submitted"
	StatusConfirmed         TradeStatus = "confirmed"
	StatusFailed            TradeStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TradeStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Side is the trade direction relative to the symbol.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates a side string.
func ParseSide(value string) (Side, error) {
	switch s := Side(strings.ToLower(strings.TrimSpace(value))); s {
	case SideBuy, SideSell:
		return s, nil
	default:
		return "", fmt.Errorf("side must be buy or sell, got %q", value)
	}
}

// ScopeKey identifies a (user, strategy, symbol) execution scope.
type ScopeKey struct {
	UserID     string `json:"user_id"`
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
}

// LockKey renders the scope as an execution lock key.
func (k ScopeKey) LockKey() string {
	return k.UserID + ":" + k.StrategyID + ":" + k.Symbol
}

// Validate checks that every component is present and separator-free.
func (k ScopeKey) Validate() error {
	parts := [][2]string{{"user_id", k.UserID}, {"strategy_id", k.StrategyID}, {"symbol", k.Symbol}}
	for _, part := range parts {
		if strings.TrimSpace(part[1]) == "" {
			return fmt.Errorf("%s is required", part[0])
		}
		if strings.Contains(part[1], ":") {
			return fmt.Errorf("%s must not contain ':'", part[0])
		}
	}
	return nil
}

// QuoteSnapshot is the aggregator quote a trade was built from.
type QuoteSnapshot struct {
	Source          string          `json:"source"`
	Price           decimal.Decimal `json:"price"`
	BuyAmount       string          `json:"buy_amount"`
	MinBuyAmount    string          `json:"min_buy_amount"`
	GasEstimate     uint64          `json:"gas_estimate"`
	Spender         string          `json:"spender"`
	AllowanceTarget string          `json:"allowance_target,omitempty"`
	Challenge       *PermitProposal `json:"challenge,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// PermitProposal is typed data proposed by the aggregator, kept until send.
type PermitProposal struct {
	PrimaryType       string          `json:"primary_type"`
	DomainName        string          `json:"domain_name"`
	ChainID           int64           `json:"chain_id"`
	VerifyingContract string          `json:"verifying_contract"`
	Message           json.RawMessage `json:"message"`
}

// TxPayload is the transaction built for a trade.
type TxPayload struct {
	ChainID   int64  `json:"chain_id"`
	To        string `json:"to"`
	Data      string `json:"data"`
	Value     string `json:"value"`
	Gas       uint64 `json:"gas"`
	Nonce     uint64 `json:"nonce,omitempty"`
	GasTipCap string `json:"gas_tip_cap,omitempty"`
	GasFeeCap string `json:"gas_fee_cap,omitempty"`
}

// ReceiptData is the subset of a receipt kept with the trade.
type ReceiptData struct {
	BlockNumber       uint64 `json:"block_number"`
	GasUsed           uint64 `json:"gas_used"`
	Status            uint64 `json:"status"`
	EffectiveGasPrice string `json:"effective_gas_price,omitempty"`
}

// PermitData records allowance authorization metadata. Only a hash of the
// signature is kept. With outcome signature_required it holds the exact
// PermitSingle proposed to the caller, so a later signature is checked
// against the same message.
type PermitData struct {
	Outcome       string `json:"outcome"`
	Token         string `json:"token"`
	Spender       string `json:"spender"`
	Amount        string `json:"amount,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
	Expiration    string `json:"expiration,omitempty"`
	Deadline      string `json:"deadline,omitempty"`
	SignatureHash string `json:"signature_hash,omitempty"`
}

// Trade is a single execution intent and its outcome.
type Trade struct {
	ID            string
	ChainID       int64
	UserID        string
	StrategyID    string
	Symbol        string
	WalletAddress string
	SellToken     string
	BuyToken      string
	Side          Side
	SellAmount    *big.Int
	SlippageBps   int
	ClosePosition bool
	Quote         *QuoteSnapshot
	Status        TradeStatus
	TxHash        *string
	TxPayload     *TxPayload
	Receipt       *ReceiptData
	Permit        *PermitData
	Notes         string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Scope returns the trade's execution scope.
func (t Trade) Scope() ScopeKey {
	return ScopeKey{UserID: t.UserID, StrategyID: t.StrategyID, Symbol: t.Symbol}
}

// Clone returns a deep copy safe to mutate.
func (t Trade) Clone() Trade {
	out := t
	if t.SellAmount != nil {
		out.SellAmount = new(big.Int).Set(t.SellAmount)
	}
	if t.Quote != nil {
		q := *t.Quote
		out.Quote = &q
	}
	if t.TxHash != nil {
		h := *t.TxHash
		out.TxHash = &h
	}
	if t.TxPayload != nil {
		p := *t.TxPayload
		out.TxPayload = &p
	}
	if t.Receipt != nil {
		r := *t.Receipt
		out.Receipt = &r
	}
	if t.Permit != nil {
		p := *t.Permit
		out.Permit = &p
	}
	return out
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	Scope    *ScopeKey
	Statuses []TradeStatus
	Since    time.Time
	Limit    int
}

// Severity classifies a TradeEvent.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// TradeEvent is an append-only log entry attached to a trade.
type TradeEvent struct {
	ID        int64
	TradeID   string
	Seq       int
	Phase     string
	Severity  Severity
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ExecutionLock is a TTL mutual-exclusion record.
type ExecutionLock struct {
	LockKey    string
	RequestID  string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// JobStatus is the state of an ExecutionJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobLocked    JobStatus = "locked"
	JobSubmitted JobStatus = "submitted"
	JobConfirmed JobStatus = "confirmed"
	JobFailed    JobStatus = "failed"
)

// Done reports whether the job reached a final state.
func (s JobStatus) Done() bool {
	return s == JobConfirmed || s == JobFailed
}

// ExecutionJob is a queued unit of on-chain work.
type ExecutionJob struct {
	ID             string
	IdempotencyKey string
	Status         JobStatus
	TradeID        string
	Payload        json.RawMessage
	Result         json.RawMessage
	Attempts       int
	LastError      string
	LockedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CircuitBreaker is the state of a named breaker for one scope.
type CircuitBreaker struct {
	Key            ScopeKey
	Name           string
	Tripped        bool
	TripCount      int
	CurrentValue   decimal.Decimal
	ThresholdValue decimal.Decimal
	Reason         string
	Thresholds     json.RawMessage
	TrippedAt      *time.Time
	LastResetAt    *time.Time
	UpdatedAt      time.Time
}

// BreakerTrip carries the inputs of a trip action.
type BreakerTrip struct {
	Key            ScopeKey
	Name           string
	Reason         string
	CurrentValue   decimal.Decimal
	ThresholdValue decimal.Decimal
	Actor          string
}

// BreakerEvent is the audit row for trip and reset actions.
type BreakerEvent struct {
	ID        int64
	Key       ScopeKey
	Name      string
	Action    string
	Actor     string
	Reason    string
	CreatedAt time.Time
}

// Wallet is a custodied signing identity.
type Wallet struct {
	ID        string
	UserID    string
	Address   string
	Secret    vault.EncryptedWalletSecret
	CreatedAt time.Time
}
