package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trade-executor/internal/apperr"
)

const defaultBaseURL = "https://api.0x.org"

// maxResponseBytes caps how much of an aggregator response is read.
const maxResponseBytes = 4 << 20

// Options parameterise the aggregator client.
type Options struct {
	BaseURL       string
	APIKey        string
	APIVersion    string
	Strategies    []Strategy
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	UserAgent     string
}

// Attempt records the outcome of one strategy in an ordered quote run.
type Attempt struct {
	Strategy   Strategy    `json:"strategy"`
	Outcome    string      `json:"outcome"`
	Code       apperr.Code `json:"code,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// Observer receives per-request latency; metrics plug in here.
type Observer func(strategy Strategy, outcome string, elapsed time.Duration)

// Client fetches swap quotes over HTTP.
type Client struct {
	opts     Options
	logger   zerolog.Logger
	client   *http.Client
	baseURL  string
	limiter  *rate.Limiter
	observer Observer
}

// NewClient constructs an aggregator client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = []Strategy{StrategyPermit2, StrategyAllowanceHolder}
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "aggregator").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// SetObserver installs a latency observer.
func (c *Client) SetObserver(observer Observer) {
	c.observer = observer
}

// Strategies returns the configured strategy order.
func (c *Client) Strategies() []Strategy {
	out := make([]Strategy, len(c.opts.Strategies))
	copy(out, c.opts.Strategies)
	return out
}

// QuoteInOrder tries each configured strategy in sequence and returns the first
// valid quote together with every attempt made.
func (c *Client) QuoteInOrder(ctx context.Context, req QuoteRequest) (*Quote, []Attempt, error) {
	attempts := make([]Attempt, 0, len(c.opts.Strategies))
	var lastErr error

	for _, strategy := range c.opts.Strategies {
		start := time.Now()
		quote, err := c.Quote(ctx, strategy, req)
		attempt := Attempt{Strategy: strategy, DurationMs: time.Since(start).Milliseconds()}
		if err == nil {
			attempt.Outcome = "ok"
			attempts = append(attempts, attempt)
			return quote, attempts, nil
		}

		attempt.Outcome = "error"
		attempt.Code = apperr.CodeOf(err)
		attempt.Error = err.Error()
		attempts = append(attempts, attempt)
		lastErr = err

		c.logger.Warn().Err(err).Str("strategy", string(strategy)).Msg("quote strategy failed")
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = apperr.Configuration(nil, "no aggregator strategies configured")
	}
	return nil, attempts, lastErr
}

// Quote fetches one quote using a single strategy.
func (c *Client) Quote(ctx context.Context, strategy Strategy, req QuoteRequest) (*Quote, error) {
	if req.SellAmount == nil || req.SellAmount.Sign() <= 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "sell amount must be positive")
	}

	path, err := strategyPath(strategy)
	if err != nil {
		return nil, apperr.Configuration(err, "aggregator strategy")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperr.Upstream(err, "aggregator rate limiter")
	}

	query := url.Values{}
	query.Set("chainId", strconv.FormatInt(req.ChainID, 10))
	query.Set("sellToken", req.SellToken.Hex())
	query.Set("buyToken", req.BuyToken.Hex())
	query.Set("sellAmount", req.SellAmount.String())
	query.Set("taker", req.Taker.Hex())
	query.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	endpoint := c.baseURL + path + "?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	} else {
		httpReq.Header.Set("User-Agent", "tradexec/1.0")
	}
	if c.opts.APIKey != "" {
		httpReq.Header.Set("0x-api-key", c.opts.APIKey)
	}
	version := c.opts.APIVersion
	if version == "" {
		version = "v2"
	}
	httpReq.Header.Set("0x-version", version)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.observe(strategy, "transport_error", start)
		return nil, apperr.Upstream(err, "aggregator request").With("strategy", string(strategy))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		c.observe(strategy, "transport_error", start)
		return nil, apperr.Upstream(err, "read aggregator response")
	}
	if len(payload) > maxResponseBytes {
		c.observe(strategy, "oversized", start)
		return nil, apperr.UpstreamShape("aggregator response exceeds %d bytes", maxResponseBytes).With("strategy", string(strategy))
	}

	if resp.StatusCode != http.StatusOK {
		c.observe(strategy, "http_"+strconv.Itoa(resp.StatusCode), start)
		return nil, parseHTTPError(resp.StatusCode, payload).With("strategy", string(strategy))
	}

	quote, err := decodeQuote(strategy, req, payload)
	if err != nil {
		c.observe(strategy, "invalid", start)
		return nil, err
	}
	c.observe(strategy, "ok", start)
	return quote, nil
}

func (c *Client) observe(strategy Strategy, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer(strategy, outcome, time.Since(start))
	}
}

func strategyPath(strategy Strategy) (string, error) {
	switch strategy {
	case StrategyPermit2:
		return "/swap/permit2/quote", nil
	case StrategyAllowanceHolder:
		return "/swap/allowance-holder/quote", nil
	default:
		return "", fmt.Errorf("unknown strategy %q", strategy)
	}
}

func parseHTTPError(status int, payload []byte) *apperr.Error {
	var apiErr errorResponse
	detail := ""
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Reason != "":
			detail = apiErr.Reason
		case apiErr.Message != "":
			detail = apiErr.Message
		case apiErr.Name != "":
			detail = apiErr.Name
		}
	}
	if detail == "" && len(payload) > 0 {
		detail = strings.TrimSpace(string(payload))
	}

	err := apperr.Upstream(nil, "aggregator api error (%d)", status).With("http_status", status)
	if detail != "" {
		err.Message = fmt.Sprintf("aggregator api error (%d): %s", status, detail)
		err.With("body", detail)
	}
	return err
}
