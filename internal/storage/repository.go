package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgErrUniqueViolation = "23505"

const (
	tradeColumns = `id, chain_id, user_id, strategy_id, symbol, wallet_address,
        sell_token, buy_token, side, sell_amount::text, slippage_bps, close_position,
        quote, status, tx_hash, tx_payload, receipt, permit, notes, failure_reason,
        created_at, updated_at`

	insertTradeSQL = `INSERT INTO trades (
        id, chain_id, user_id, strategy_id, symbol, wallet_address,
        sell_token, buy_token, side, sell_amount, slippage_bps, close_position,
        quote, status, tx_hash, tx_payload, receipt, permit, notes, failure_reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10::numeric,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
    )
    RETURNING created_at, updated_at;`

	getTradeSQL = `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1;`

	updateTradeSQL = `UPDATE trades
    SET status         = $2,
        quote          = $3,
        tx_hash        = $4,
        tx_payload     = $5,
        receipt        = $6,
        permit         = $7,
        notes          = $8,
        failure_reason = $9,
        updated_at     = now()
    WHERE id = $1
      AND status = $10
    RETURNING updated_at;`

	lastTradeAtSQL = `SELECT created_at
    FROM trades
    WHERE user_id = $1
      AND strategy_id = $2
      AND symbol = $3
      AND side = $4
      AND tx_hash IS NOT NULL
    ORDER BY created_at DESC
    LIMIT 1;`

	appendEventSQL = `INSERT INTO trade_events (trade_id, seq, phase, severity, payload)
    VALUES (
        $1,
        COALESCE((SELECT MAX(seq) FROM trade_events WHERE trade_id = $1), 0) + 1,
        $2, $3, $4
    )
    RETURNING id, seq, created_at;`

	listEventsSQL = `SELECT id, trade_id, seq, phase, severity, payload, created_at
    FROM trade_events
    WHERE trade_id = $1
    ORDER BY seq;`

	acquireLockSQL = `INSERT INTO execution_locks (lock_key, request_id, acquired_at, expires_at)
    VALUES ($1, $2, now(), now() + ($3 * interval '1 millisecond'))
    ON CONFLICT (lock_key) DO UPDATE
    SET request_id  = EXCLUDED.request_id,
        acquired_at = EXCLUDED.acquired_at,
        expires_at  = EXCLUDED.expires_at
    WHERE execution_locks.expires_at < now()
    RETURNING lock_key;`

	releaseLockSQL = `DELETE FROM execution_locks WHERE lock_key = $1 AND request_id = $2;`

	jobColumns = `id, idempotency_key, status, trade_id, payload, result, attempts,
        last_error, locked_at, created_at, updated_at`

	insertJobSQL = `INSERT INTO execution_jobs (id, idempotency_key, status, trade_id, payload)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (idempotency_key) DO NOTHING
    RETURNING created_at, updated_at;`

	getJobByKeySQL = `SELECT ` + jobColumns + ` FROM execution_jobs WHERE idempotency_key = $1;`

	claimNextJobSQL = `UPDATE execution_jobs
    SET status = 'locked', locked_at = now(), attempts = attempts + 1, updated_at = now()
    WHERE id = (
        SELECT id FROM execution_jobs
        WHERE status = 'queued'
        ORDER BY updated_at, created_at
        FOR UPDATE SKIP LOCKED
        LIMIT 1
    )
    RETURNING ` + jobColumns + `;`

	claimJobSQL = `UPDATE execution_jobs
    SET status = 'locked', locked_at = now(), attempts = attempts + 1, updated_at = now()
    WHERE idempotency_key = $1
      AND status = 'queued'
    RETURNING ` + jobColumns + `;`

	updateJobSQL = `UPDATE execution_jobs
    SET status     = $2,
        trade_id   = $3,
        result     = $4,
        last_error = $5,
        updated_at = now()
    WHERE id = $1
      AND status = $6
    RETURNING updated_at;`

	listJobsByStatusSQL = `SELECT ` + jobColumns + ` FROM execution_jobs
    WHERE status = $1
    ORDER BY updated_at, created_at
    LIMIT $2;`

	requeueStaleJobsSQL = `UPDATE execution_jobs
    SET status = 'queued', locked_at = NULL, updated_at = now()
    WHERE status = 'locked'
      AND locked_at < $1;`

	breakerColumns = `user_id, strategy_id, symbol, name, tripped, trip_count,
        current_value::text, threshold_value::text, reason, thresholds,
        tripped_at, last_reset_at, updated_at`

	tripBreakerSQL = `WITH trip AS (
        INSERT INTO circuit_breakers (
            user_id, strategy_id, symbol, name, tripped, trip_count,
            current_value, threshold_value, reason, tripped_at, updated_at
        ) VALUES ($1, $2, $3, $4, true, 1, $5::numeric, $6::numeric, $7, now(), now())
        ON CONFLICT (user_id, strategy_id, symbol, name) DO UPDATE
        SET tripped         = true,
            trip_count      = circuit_breakers.trip_count + 1,
            current_value   = EXCLUDED.current_value,
            threshold_value = EXCLUDED.threshold_value,
            reason          = EXCLUDED.reason,
            tripped_at      = now(),
            updated_at      = now()
        RETURNING *
    ), audit AS (
        INSERT INTO breaker_events (user_id, strategy_id, symbol, name, action, actor, reason)
        SELECT user_id, strategy_id, symbol, name, 'trip', $8, reason FROM trip
    )
    SELECT ` + breakerColumns + ` FROM trip;`

	resetBreakerSQL = `WITH reset AS (
        UPDATE circuit_breakers
        SET tripped = false, current_value = 0, last_reset_at = now(), updated_at = now()
        WHERE user_id = $1 AND strategy_id = $2 AND symbol = $3 AND name = $4
        RETURNING *
    ), audit AS (
        INSERT INTO breaker_events (user_id, strategy_id, symbol, name, action, actor, reason)
        SELECT user_id, strategy_id, symbol, name, 'reset', $5, '' FROM reset
    )
    SELECT ` + breakerColumns + ` FROM reset;`

	listAllBreakersSQL = `SELECT ` + breakerColumns + ` FROM circuit_breakers
    ORDER BY user_id, strategy_id, symbol, name;`

	listScopeBreakersSQL = `SELECT ` + breakerColumns + ` FROM circuit_breakers
    WHERE user_id = $1 AND strategy_id = $2 AND symbol = $3
    ORDER BY name;`

	listBreakerEventsSQL = `SELECT id, user_id, strategy_id, symbol, name, action, actor, reason, created_at
    FROM breaker_events
    WHERE user_id = $1 AND strategy_id = $2 AND symbol = $3
    ORDER BY id DESC
    LIMIT $4;`

	insertWalletSQL = `INSERT INTO wallets (id, user_id, address, secret, kek_version)
    VALUES ($1, $2, $3, $4, $5)
    RETURNING created_at;`

	getWalletByUserSQL = `SELECT id, user_id, address, secret, created_at
    FROM wallets
    WHERE user_id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store implements Repository on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// CreateTrade inserts a new trade.
func (s *Store) CreateTrade(ctx context.Context, trade *Trade) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cols, err := encodeTradeJSON(trade)
	if err != nil {
		return err
	}

	row := pool.QueryRow(ctx, insertTradeSQL,
		trade.ID,
		trade.ChainID,
		trade.UserID,
		trade.StrategyID,
		trade.Symbol,
		trade.WalletAddress,
		trade.SellToken,
		trade.BuyToken,
		string(trade.Side),
		bigString(trade.SellAmount),
		trade.SlippageBps,
		trade.ClosePosition,
		cols.quote,
		string(trade.Status),
		trade.TxHash,
		cols.txPayload,
		cols.receipt,
		cols.permit,
		trade.Notes,
		trade.FailureReason,
	)
	if err := row.Scan(&trade.CreatedAt, &trade.UpdatedAt); err != nil {
		if isDuplicateKeyError(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetTrade loads one trade.
func (s *Store) GetTrade(ctx context.Context, id string) (*Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	trade, err := scanTrade(pool.QueryRow(ctx, getTradeSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return trade, nil
}

// UpdateTrade writes the mutable trade columns guarded by the expected status.
func (s *Store) UpdateTrade(ctx context.Context, trade *Trade, expected TradeStatus) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cols, err := encodeTradeJSON(trade)
	if err != nil {
		return err
	}

	row := pool.QueryRow(ctx, updateTradeSQL,
		trade.ID,
		string(trade.Status),
		cols.quote,
		trade.TxHash,
		cols.txPayload,
		cols.receipt,
		cols.permit,
		trade.Notes,
		trade.FailureReason,
		string(expected),
	)
	if err := row.Scan(&trade.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		return fmt.Errorf("update trade: %w", err)
	}
	return nil
}

// ListTrades lists trades newest first.
func (s *Store) ListTrades(ctx context.Context, filter TradeFilter) ([]Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Scope != nil {
		where = append(where,
			"user_id = "+arg(filter.Scope.UserID),
			"strategy_id = "+arg(filter.Scope.StrategyID),
			"symbol = "+arg(filter.Scope.Symbol),
		)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= "+arg(filter.Since))
	}

	query := "SELECT " + tradeColumns + " FROM trades"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	trades := make([]Trade, 0)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, *trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

// LastTradeAt returns when the most recent broadcast trade of side happened.
func (s *Store) LastTradeAt(ctx context.Context, key ScopeKey, side Side) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var at time.Time
	err = pool.QueryRow(ctx, lastTradeAtSQL, key.UserID, key.StrategyID, key.Symbol, string(side)).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last trade at: %w", err)
	}
	return at, true, nil
}

// AppendEvent appends an event, assigning the next sequence number.
func (s *Store) AppendEvent(ctx context.Context, event *TradeEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	row := pool.QueryRow(ctx, appendEventSQL, event.TradeID, event.Phase, string(event.Severity), []byte(payload))
	if err := row.Scan(&event.ID, &event.Seq, &event.CreatedAt); err != nil {
		return fmt.Errorf("append trade event: %w", err)
	}
	return nil
}

// ListEvents returns a trade's events in order.
func (s *Store) ListEvents(ctx context.Context, tradeID string) ([]TradeEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listEventsSQL, tradeID)
	if err != nil {
		return nil, fmt.Errorf("list trade events: %w", err)
	}
	defer rows.Close()

	events := make([]TradeEvent, 0)
	for rows.Next() {
		var (
			ev       TradeEvent
			severity string
		)
		if err := rows.Scan(&ev.ID, &ev.TradeID, &ev.Seq, &ev.Phase, &severity, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Severity = Severity(severity)
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// AcquireLock creates or takes over an expired lock in one statement.
func (s *Store) AcquireLock(ctx context.Context, key, requestID string, ttl time.Duration) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var got string
	err = pool.QueryRow(ctx, acquireLockSQL, key, requestID, ttl.Milliseconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return true, nil
}

// ReleaseLock deletes the lock only while requestID still holds it. A lock
// taken over after expiry is left to its new holder.
func (s *Store) ReleaseLock(ctx context.Context, key, requestID string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, err := pool.Exec(ctx, releaseLockSQL, key, requestID)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertJob enqueues a job unless its idempotency key is known.
func (s *Store) InsertJob(ctx context.Context, job *ExecutionJob) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	err = pool.QueryRow(ctx, insertJobSQL, job.ID, job.IdempotencyKey, string(job.Status), job.TradeID, []byte(payload)).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetJobByKey(ctx, job.IdempotencyKey)
		if getErr != nil {
			return false, getErr
		}
		*job = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return true, nil
}

// GetJobByKey loads a job by idempotency key.
func (s *Store) GetJobByKey(ctx context.Context, key string) (*ExecutionJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	job, err := scanJob(pool.QueryRow(ctx, getJobByKeySQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimNextJob claims the oldest queued job, skipping rows locked by others.
func (s *Store) ClaimNextJob(ctx context.Context) (*ExecutionJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	job, err := scanJob(pool.QueryRow(ctx, claimNextJobSQL))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// ClaimJob claims a specific queued job.
func (s *Store) ClaimJob(ctx context.Context, key string) (*ExecutionJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	job, err := scanJob(pool.QueryRow(ctx, claimJobSQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// UpdateJob writes job state guarded by the expected status.
func (s *Store) UpdateJob(ctx context.Context, job *ExecutionJob, expected JobStatus) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var result []byte
	if len(job.Result) > 0 {
		result = job.Result
	}

	err = pool.QueryRow(ctx, updateJobSQL, job.ID, string(job.Status), job.TradeID, result, job.LastError, string(expected)).
		Scan(&job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// RequeueStaleJobs returns locked jobs older than lockedBefore to the queue.
func (s *Store) RequeueStaleJobs(ctx context.Context, lockedBefore time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tag, err := pool.Exec(ctx, requeueStaleJobsSQL, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListJobsByStatus returns up to limit jobs in status, oldest update first.
func (s *Store) ListJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]ExecutionJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listJobsByStatusSQL, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	defer rows.Close()

	jobs := make([]ExecutionJob, 0)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, *job)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

// TripBreaker trips a breaker and writes its audit row in one statement.
func (s *Store) TripBreaker(ctx context.Context, trip BreakerTrip) (*CircuitBreaker, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	breaker, err := scanBreaker(pool.QueryRow(ctx, tripBreakerSQL,
		trip.Key.UserID,
		trip.Key.StrategyID,
		trip.Key.Symbol,
		trip.Name,
		trip.CurrentValue.String(),
		trip.ThresholdValue.String(),
		trip.Reason,
		trip.Actor,
	))
	if err != nil {
		return nil, fmt.Errorf("trip breaker: %w", err)
	}
	return breaker, nil
}

// ResetBreaker clears a breaker and writes its audit row in one statement.
func (s *Store) ResetBreaker(ctx context.Context, key ScopeKey, name, actor string) (*CircuitBreaker, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	breaker, err := scanBreaker(pool.QueryRow(ctx, resetBreakerSQL, key.UserID, key.StrategyID, key.Symbol, name, actor))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reset breaker: %w", err)
	}
	return breaker, nil
}

// ListBreakers lists breakers for one scope, or all when key is nil.
func (s *Store) ListBreakers(ctx context.Context, key *ScopeKey) ([]CircuitBreaker, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	if key == nil {
		rows, err = pool.Query(ctx, listAllBreakersSQL)
	} else {
		rows, err = pool.Query(ctx, listScopeBreakersSQL, key.UserID, key.StrategyID, key.Symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	defer rows.Close()

	breakers := make([]CircuitBreaker, 0)
	for rows.Next() {
		breaker, scanErr := scanBreaker(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		breakers = append(breakers, *breaker)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return breakers, nil
}

// ListBreakerEvents returns the newest audit rows for a scope.
func (s *Store) ListBreakerEvents(ctx context.Context, key ScopeKey, limit int) ([]BreakerEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listBreakerEventsSQL, key.UserID, key.StrategyID, key.Symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list breaker events: %w", err)
	}
	defer rows.Close()

	events := make([]BreakerEvent, 0, limit)
	for rows.Next() {
		var ev BreakerEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.Key.UserID,
			&ev.Key.StrategyID,
			&ev.Key.Symbol,
			&ev.Name,
			&ev.Action,
			&ev.Actor,
			&ev.Reason,
			&ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// SaveWallet stores a new custodied wallet; one per user.
func (s *Store) SaveWallet(ctx context.Context, wallet *Wallet) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	secret, err := json.Marshal(wallet.Secret)
	if err != nil {
		return fmt.Errorf("encode wallet secret: %w", err)
	}

	err = pool.QueryRow(ctx, insertWalletSQL, wallet.ID, wallet.UserID, wallet.Address, secret, wallet.Secret.KEKVersion).
		Scan(&wallet.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// GetWalletByUser loads the wallet of a user.
func (s *Store) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		wallet Wallet
		secret []byte
	)
	err = pool.QueryRow(ctx, getWalletByUserSQL, userID).Scan(&wallet.ID, &wallet.UserID, &wallet.Address, &secret, &wallet.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	if err := json.Unmarshal(secret, &wallet.Secret); err != nil {
		return nil, fmt.Errorf("decode wallet secret: %w", err)
	}
	return &wallet, nil
}

type tradeJSON struct {
	quote     []byte
	txPayload []byte
	receipt   []byte
	permit    []byte
}

func encodeTradeJSON(trade *Trade) (tradeJSON, error) {
	var (
		out tradeJSON
		err error
	)
	if out.quote, err = marshalOptional(trade.Quote); err != nil {
		return out, fmt.Errorf("encode quote: %w", err)
	}
	if out.txPayload, err = marshalOptional(trade.TxPayload); err != nil {
		return out, fmt.Errorf("encode tx payload: %w", err)
	}
	if out.receipt, err = marshalOptional(trade.Receipt); err != nil {
		return out, fmt.Errorf("encode receipt: %w", err)
	}
	if out.permit, err = marshalOptional(trade.Permit); err != nil {
		return out, fmt.Errorf("encode permit: %w", err)
	}
	return out, nil
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOptional[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanTrade(row pgx.Row) (*Trade, error) {
	var (
		trade      Trade
		side       string
		sellAmount string
		status     string
		quote      []byte
		txPayload  []byte
		receipt    []byte
		permit     []byte
	)
	if err := row.Scan(
		&trade.ID,
		&trade.ChainID,
		&trade.UserID,
		&trade.StrategyID,
		&trade.Symbol,
		&trade.WalletAddress,
		&trade.SellToken,
		&trade.BuyToken,
		&side,
		&sellAmount,
		&trade.SlippageBps,
		&trade.ClosePosition,
		&quote,
		&status,
		&trade.TxHash,
		&txPayload,
		&receipt,
		&permit,
		&trade.Notes,
		&trade.FailureReason,
		&trade.CreatedAt,
		&trade.UpdatedAt,
	); err != nil {
		return nil, err
	}

	amount, ok := new(big.Int).SetString(sellAmount, 10)
	if !ok {
		return nil, fmt.Errorf("parse sell amount %q", sellAmount)
	}
	trade.SellAmount = amount
	trade.Side = Side(side)
	trade.Status = TradeStatus(status)

	var err error
	if trade.Quote, err = unmarshalOptional[QuoteSnapshot](quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if trade.TxPayload, err = unmarshalOptional[TxPayload](txPayload); err != nil {
		return nil, fmt.Errorf("decode tx payload: %w", err)
	}
	if trade.Receipt, err = unmarshalOptional[ReceiptData](receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	if trade.Permit, err = unmarshalOptional[PermitData](permit); err != nil {
		return nil, fmt.Errorf("decode permit: %w", err)
	}
	return &trade, nil
}

func scanJob(row pgx.Row) (*ExecutionJob, error) {
	var (
		job    ExecutionJob
		status string
		result []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.IdempotencyKey,
		&status,
		&job.TradeID,
		&job.Payload,
		&result,
		&job.Attempts,
		&job.LastError,
		&job.LockedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	if len(result) > 0 {
		job.Result = result
	}
	return &job, nil
}

func scanBreaker(row pgx.Row) (*CircuitBreaker, error) {
	var (
		breaker      CircuitBreaker
		currentStr   string
		thresholdStr string
	)
	if err := row.Scan(
		&breaker.Key.UserID,
		&breaker.Key.StrategyID,
		&breaker.Key.Symbol,
		&breaker.Name,
		&breaker.Tripped,
		&breaker.TripCount,
		&currentStr,
		&thresholdStr,
		&breaker.Reason,
		&breaker.Thresholds,
		&breaker.TrippedAt,
		&breaker.LastResetAt,
		&breaker.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if breaker.CurrentValue, err = decimal.NewFromString(currentStr); err != nil {
		return nil, fmt.Errorf("parse current value: %w", err)
	}
	if breaker.ThresholdValue, err = decimal.NewFromString(thresholdStr); err != nil {
		return nil, fmt.Errorf("parse threshold value: %w", err)
	}
	return &breaker, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

var _ Repository = (*Store)(nil)
