package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"trade-executor/internal/apperr"
	"trade-executor/internal/engine"
	"trade-executor/internal/guard"
	"trade-executor/internal/storage"
)

const idempotencyHeader = "Idempotency-Key"

type tradeView struct {
	ID            string                 `json:"id"`
	ChainID       int64                  `json:"chain_id"`
	UserID        string                 `json:"user_id"`
	StrategyID    string                 `json:"strategy_id"`
	Symbol        string                 `json:"symbol"`
	WalletAddress string                 `json:"wallet_address"`
	SellToken     string                 `json:"sell_token"`
	BuyToken      string                 `json:"buy_token"`
	Side          storage.Side           `json:"side"`
	SellAmount    string                 `json:"sell_amount"`
	SlippageBps   int                    `json:"slippage_bps"`
	ClosePosition bool                   `json:"close_position"`
	Status        storage.TradeStatus    `json:"status"`
	Quote         *storage.QuoteSnapshot `json:"quote,omitempty"`
	TxHash        *string                `json:"tx_hash,omitempty"`
	TxPayload     *storage.TxPayload     `json:"tx_payload,omitempty"`
	Receipt       *storage.ReceiptData   `json:"receipt,omitempty"`
	Permit        *storage.PermitData    `json:"permit,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Notes         string                 `json:"notes,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func newTradeView(t *storage.Trade) *tradeView {
	if t == nil {
		return nil
	}
	view := &tradeView{
		ID:            t.ID,
		ChainID:       t.ChainID,
		UserID:        t.UserID,
		StrategyID:    t.StrategyID,
		Symbol:        t.Symbol,
		WalletAddress: t.WalletAddress,
		SellToken:     t.SellToken,
		BuyToken:      t.BuyToken,
		Side:          t.Side,
		SlippageBps:   t.SlippageBps,
		ClosePosition: t.ClosePosition,
		Status:        t.Status,
		Quote:         t.Quote,
		TxHash:        t.TxHash,
		TxPayload:     t.TxPayload,
		Receipt:       t.Receipt,
		Permit:        t.Permit,
		FailureReason: t.FailureReason,
		Notes:         t.Notes,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.SellAmount != nil {
		view.SellAmount = t.SellAmount.String()
	}
	if view.Quote != nil {
		// raw aggregator bodies stay server side
		q := *view.Quote
		q.Raw = nil
		view.Quote = &q
	}
	return view
}

type eventView struct {
	Seq       int              `json:"seq"`
	Phase     string           `json:"phase"`
	Severity  storage.Severity `json:"severity"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type breakerView struct {
	UserID       string     `json:"user_id"`
	StrategyID   string     `json:"strategy_id"`
	Symbol       string     `json:"symbol"`
	Name         string     `json:"name"`
	Tripped      bool       `json:"tripped"`
	TripCount    int        `json:"trip_count"`
	CurrentValue string     `json:"current_value"`
	Threshold    string     `json:"threshold_value"`
	Reason       string     `json:"reason,omitempty"`
	TrippedAt    *time.Time `json:"tripped_at,omitempty"`
	LastResetAt  *time.Time `json:"last_reset_at,omitempty"`
}

func newBreakerView(b storage.CircuitBreaker) breakerView {
	return breakerView{
		UserID:       b.Key.UserID,
		StrategyID:   b.Key.StrategyID,
		Symbol:       b.Key.Symbol,
		Name:         b.Name,
		Tripped:      b.Tripped,
		TripCount:    b.TripCount,
		CurrentValue: b.CurrentValue.String(),
		Threshold:    b.ThresholdValue.String(),
		Reason:       b.Reason,
		TrippedAt:    b.TrippedAt,
		LastResetAt:  b.LastResetAt,
	}
}

func resultBody(r engine.Result) gin.H {
	body := gin.H{
		"status": r.Status,
		"dryRun": r.DryRun,
		"trade":  newTradeView(r.Trade),
	}
	if r.Replayed {
		body["replayed"] = true
	}
	if r.Preflight != nil {
		body["preflight"] = r.Preflight
	}
	return body
}

func errorBody(err error) gin.H {
	e, ok := apperr.As(err)
	if !ok {
		return gin.H{"status": "error", "error": gin.H{"code": apperr.CodeInternal, "message": "internal error"}}
	}
	payload := gin.H{"code": e.Code, "message": e.Message}
	if len(e.Details) > 0 {
		payload["details"] = e.Details
	}
	return gin.H{"status": "error", "error": payload}
}

func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, errorBody(err))
}

func (s *Server) buildTrade(c *gin.Context) {
	var req engine.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body: %v", err))
		return
	}
	if !isOperator(c) || req.UserID == "" {
		req.UserID = CurrentUserID(c)
	}
	if req.RequestID == "" {
		req.RequestID = c.GetString(requestIDKey)
	}

	result, err := s.engine.Build(c.Request.Context(), req)
	if err != nil {
		s.logError(c, err, "build failed")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resultBody(result))
}

// authorizedTrade loads the trade and enforces ownership for non-operators.
// Trades owned by someone else read as not found.
func (s *Server) authorizedTrade(c *gin.Context) (*storage.Trade, []storage.TradeEvent, bool) {
	id := c.Param("id")
	trade, events, err := s.engine.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	if !isOperator(c) && trade.UserID != CurrentUserID(c) {
		writeError(c, apperr.NotFound("trade", id))
		return nil, nil, false
	}
	return trade, events, true
}

func (s *Server) getTrade(c *gin.Context) {
	trade, events, ok := s.authorizedTrade(c)
	if !ok {
		return
	}
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{Seq: ev.Seq, Phase: ev.Phase, Severity: ev.Severity, Payload: ev.Payload, CreatedAt: ev.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"trade": newTradeView(trade), "events": views})
}

type sendBody struct {
	PermitSignature string `json:"permit_signature"`
	Confirm         bool   `json:"confirm"`
}

func (s *Server) sendTrade(c *gin.Context) {
	trade, _, ok := s.authorizedTrade(c)
	if !ok {
		return
	}
	var body sendBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body: %v", err))
			return
		}
	}

	if key := strings.TrimSpace(c.GetHeader(idempotencyHeader)); key != "" {
		s.sendIdempotent(c, key, engine.SendJob{TradeID: trade.ID, PermitSignature: body.PermitSignature})
		return
	}

	var sig []byte
	if body.PermitSignature != "" {
		decoded, err := hexutil.Decode(body.PermitSignature)
		if err != nil {
			writeError(c, apperr.Validation(apperr.CodeSignatureInvalid, "permit_signature is not hex"))
			return
		}
		sig = decoded
	}
	result, err := s.engine.Send(c.Request.Context(), trade.ID, engine.SendRequest{PermitSignature: sig, Confirm: body.Confirm})
	if err != nil {
		s.logError(c, err, "send failed")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resultBody(result))
}

// sendIdempotent routes a send through the job queue so a repeated key
// replays the stored result instead of executing twice.
func (s *Server) sendIdempotent(c *gin.Context, key string, payload engine.SendJob) {
	if s.runner == nil {
		writeError(c, apperr.Configuration(nil, "job runner is not configured"))
		return
	}
	ctx := c.Request.Context()
	queue := s.runner.Queue()

	job, _, err := queue.Submit(ctx, key, payload)
	if err != nil {
		writeError(c, err)
		return
	}
	var stored engine.SendJob
	if err := json.Unmarshal(job.Payload, &stored); err == nil && stored.TradeID != payload.TradeID {
		writeError(c, apperr.New(apperr.ClassConcurrency, apperr.CodeInvalidRequest,
			"idempotency key %s already used for trade %s", key, stored.TradeID))
		return
	}

	replayed := job.Status != storage.JobQueued
	if !replayed {
		claimed, err := queue.Claim(ctx, key)
		if err != nil {
			writeError(c, err)
			return
		}
		if claimed == nil {
			// another worker owns it right now
			c.JSON(http.StatusAccepted, jobBody(job, false))
			return
		}
		job = claimed
		if err := s.runner.Process(ctx, job); err != nil {
			s.logError(c, err, "job failed")
			writeError(c, err)
			return
		}
	}

	switch job.Status {
	case storage.JobLocked, storage.JobQueued:
		c.JSON(http.StatusAccepted, jobBody(job, replayed))
	default:
		c.JSON(http.StatusOK, jobBody(job, replayed))
	}
}

func jobBody(job *storage.ExecutionJob, replayed bool) gin.H {
	body := gin.H{
		"idempotency_key": job.IdempotencyKey,
		"job_status":      job.Status,
		"trade_id":        job.TradeID,
		"attempts":        job.Attempts,
	}
	if len(job.Result) > 0 {
		body["result"] = json.RawMessage(job.Result)
	}
	if job.LastError != "" {
		body["last_error"] = job.LastError
	}
	if replayed {
		body["replayed"] = true
	}
	return body
}

func (s *Server) getJob(c *gin.Context) {
	if s.runner == nil {
		writeError(c, apperr.Configuration(nil, "job runner is not configured"))
		return
	}
	job, err := s.runner.Queue().Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !isOperator(c) && job.TradeID != "" {
		trade, _, err := s.engine.Get(c.Request.Context(), job.TradeID)
		if err != nil || trade.UserID != CurrentUserID(c) {
			writeError(c, apperr.NotFound("job", job.IdempotencyKey))
			return
		}
	}
	c.JSON(http.StatusOK, jobBody(job, false))
}

func (s *Server) rebuildTrade(c *gin.Context) {
	trade, _, ok := s.authorizedTrade(c)
	if !ok {
		return
	}
	result, err := s.engine.Rebuild(c.Request.Context(), trade.ID)
	if err != nil {
		s.logError(c, err, "rebuild failed")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resultBody(result))
}

func (s *Server) confirmTrade(c *gin.Context) {
	trade, _, ok := s.authorizedTrade(c)
	if !ok {
		return
	}
	result, err := s.engine.Confirm(c.Request.Context(), trade.ID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeReceiptTimeout) {
			c.JSON(http.StatusAccepted, gin.H{"status": string(trade.Status), "trade": newTradeView(trade), "pending": true})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resultBody(result))
}

func (s *Server) listBreakers(c *gin.Context) {
	var key *storage.ScopeKey
	if user := c.Query("user_id"); user != "" {
		key = &storage.ScopeKey{UserID: user, StrategyID: c.Query("strategy_id"), Symbol: c.Query("symbol")}
		if err := key.Validate(); err != nil {
			writeError(c, apperr.Validation(apperr.CodeInvalidRequest, "%v", err))
			return
		}
	}
	breakers, err := s.engine.ListBreakers(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]breakerView, 0, len(breakers))
	for _, b := range breakers {
		views = append(views, newBreakerView(b))
	}
	c.JSON(http.StatusOK, gin.H{"breakers": views})
}

type breakerBody struct {
	UserID     string `json:"user_id" binding:"required"`
	StrategyID string `json:"strategy_id" binding:"required"`
	Symbol     string `json:"symbol" binding:"required"`
	Name       string `json:"name"`
	Reason     string `json:"reason"`
	Current    string `json:"current_value"`
	Threshold  string `json:"threshold_value"`
}

func (b breakerBody) scope() storage.ScopeKey {
	return storage.ScopeKey{UserID: b.UserID, StrategyID: b.StrategyID, Symbol: b.Symbol}
}

func (b breakerBody) name() string {
	if b.Name == "" {
		return guard.BreakerManual
	}
	return b.Name
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, apperr.Validation(apperr.CodeInvalidRequest, "%s must be a decimal, got %q", field, value)
	}
	return d, nil
}

func (s *Server) tripBreaker(c *gin.Context) {
	var body breakerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body: %v", err))
		return
	}
	current, err := parseDecimal("current_value", body.Current)
	if err != nil {
		writeError(c, err)
		return
	}
	threshold, err := parseDecimal("threshold_value", body.Threshold)
	if err != nil {
		writeError(c, err)
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "manual trip"
	}

	breaker, err := s.engine.TripBreaker(c.Request.Context(), body.scope(), body.name(), reason, actor(c), current, threshold)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breaker": newBreakerView(*breaker)})
}

func (s *Server) resetBreaker(c *gin.Context) {
	var body breakerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body: %v", err))
		return
	}
	breaker, err := s.engine.ResetBreaker(c.Request.Context(), body.scope(), body.name(), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breaker": newBreakerView(*breaker)})
}

func actor(c *gin.Context) string {
	return "api:" + CurrentUserID(c)
}

func (s *Server) logError(c *gin.Context, err error, msg string) {
	event := s.logger.Warn()
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("request_id", c.GetString(requestIDKey)).
		Str("code", string(apperr.CodeOf(err))).
		Str("status", strconv.Itoa(apperr.HTTPStatus(err))).
		Msg(msg)
}
