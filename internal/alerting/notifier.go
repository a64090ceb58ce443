package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-executor/internal/logging"
)

// Notification kinds.
const (
	KindBreakerTripped = "breaker_tripped"
	KindTradeFailed    = "trade_failed"
	KindTest           = "test"
)

// Channel names accepted in alerting.channels.
const (
	ChannelTelegram = "telegram"
	ChannelLog      = "log"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind           string
	At             time.Time
	Scope          string
	TradeID        string
	Status         string
	Code           string
	Reason         string
	TxHash         string
	Breaker        string
	CurrentValue   decimal.Decimal
	ThresholdValue decimal.Decimal
	AdditionalMsg  string
}

// fingerprint identifies repeats of the same condition.
func (n Notification) fingerprint() string {
	return strings.Join([]string{n.Kind, n.Scope, n.Breaker, n.TradeID, n.Code}, "|")
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Nop drops every notification; used when alerting is disabled.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Fanout delivers each notification to every sink. A failing sink does not
// stop delivery to the rest.
type Fanout struct {
	sinks []Notifier
}

// NewFanout combines sinks.
func NewFanout(sinks ...Notifier) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警通道。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "alert_log")}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	event := n.logger.Warn()
	if note.Kind == KindTest {
		event = n.logger.Info()
	}
	event = event.Str("kind", note.Kind).Str("lock_key", note.Scope)
	if note.TradeID != "" {
		event = event.Str("trade_id", note.TradeID).Str("status", note.Status).Str("code", note.Code)
	}
	if note.Breaker != "" {
		event = event.Str("breaker", note.Breaker).
			Str("current_value", note.CurrentValue.String()).
			Str("threshold_value", note.ThresholdValue.String())
	}
	if note.TxHash != "" {
		event = event.Str("tx_hash", logging.Redact(note.TxHash))
	}
	event.Str("reason", note.Reason).Msg("alert")
	return nil
}

// Dedup suppresses a notification when an identical one was delivered within
// the window. Test notifications always pass.
type Dedup struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedup wraps next; a non-positive window disables suppression.
func NewDedup(next Notifier, window time.Duration, now func() time.Time) *Dedup {
	if now == nil {
		now = time.Now
	}
	return &Dedup{next: next, window: window, now: now, seen: make(map[string]time.Time)}
}

func (d *Dedup) Notify(ctx context.Context, note Notification) error {
	if d.window <= 0 || note.Kind == KindTest {
		return d.next.Notify(ctx, note)
	}

	key := note.fingerprint()
	now := d.now()

	d.mu.Lock()
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return nil
	}
	d.seen[key] = now
	d.mu.Unlock()

	if err := d.next.Notify(ctx, note); err != nil {
		// 投递失败时允许下一次重试
		d.mu.Lock()
		delete(d.seen, key)
		d.mu.Unlock()
		return err
	}
	return nil
}

func renderMessage(note Notification) string {
	at := note.At
	if at.IsZero() {
		at = time.Now()
	}

	lines := []string{
		fmt.Sprintf("[tradexec %s]", strings.ReplaceAll(note.Kind, "_", " ")),
		fmt.Sprintf("Time: %s UTC", at.UTC().Format(time.RFC3339)),
	}
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, label+": "+value)
		}
	}
	add("Scope", note.Scope)
	if note.Breaker != "" {
		add("Breaker", fmt.Sprintf("%s (value %s, threshold %s)", note.Breaker, note.CurrentValue, note.ThresholdValue))
	}
	add("Trade", note.TradeID)
	add("Status", note.Status)
	add("Code", note.Code)
	add("Reason", note.Reason)
	add("Tx", logging.Redact(note.TxHash))
	if note.AdditionalMsg != "" {
		lines = append(lines, note.AdditionalMsg)
	}
	return strings.Join(lines, "\n")
}

var (
	_ Notifier = (*Fanout)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Dedup)(nil)
	_ Notifier = Nop{}
)
