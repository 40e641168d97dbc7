package notify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/marketcal"
)

const (
	sendWorkers  = 2
	sendCapacity = 64
	messageLimit = 4096 // telegram caps message length
)

// Telegram sends events to one operator chat. Deliveries run on a bounded
// worker pool; a full queue or a failed send drops the message with a
// warning, never an error back to the decision path.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	pool   *pond.WorkerPool
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewTelegram(cfg *config.Config, logger zerolog.Logger) (*Telegram, error) {
	if cfg.Notify.TelegramToken == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	chatID, err := strconv.ParseInt(cfg.Notify.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing telegram chat id %q: %w", cfg.Notify.TelegramChatID, err)
	}
	api, err := tgbotapi.NewBotAPI(cfg.Notify.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("connecting telegram bot: %w", err)
	}

	lg := logger.With().Str("component", "telegram").Logger()
	lg.Info().Str("username", api.Self.UserName).Msg("telegram bot connected")
	return &Telegram{
		api:    api,
		chatID: chatID,
		pool:   newSendPool(lg),
		logger: lg,
		seen:   make(map[string]struct{}),
	}, nil
}

func newSendPool(logger zerolog.Logger) *pond.WorkerPool {
	return pond.New(sendWorkers, sendCapacity,
		pond.MinWorkers(1),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error().Interface("panic", p).Msg("notification worker panicked")
		}),
	)
}

func (t *Telegram) Notify(e Event) {
	if e.Dedup != "" {
		key := string(e.Kind) + ":" + e.Dedup
		t.mu.Lock()
		if _, dup := t.seen[key]; dup {
			t.mu.Unlock()
			t.logger.Debug().Str("kind", string(e.Kind)).Str("dedup", e.Dedup).Msg("duplicate notification suppressed")
			return
		}
		t.seen[key] = struct{}{}
		t.mu.Unlock()
	}

	text := formatEvent(e)
	if !t.pool.TrySubmit(func() { t.send(text) }) {
		t.logger.Warn().Str("kind", string(e.Kind)).Msg("notification queue full, dropping")
	}
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		t.logger.Warn().Err(err).Msg("telegram send failed, dropping message")
	}
}

// Close drains queued deliveries.
func (t *Telegram) Close() {
	t.pool.StopAndWait()
}

var _ Notifier = (*Telegram)(nil)

// ============ Formatting ============

var sectionRule = strings.Repeat("━", 18)

// line is one rendered payload field. An empty key draws a section rule; an
// empty label renders the value bare.
type line struct {
	key, label string
}

var templates = map[Kind]struct {
	title string
	lines []line
	note  string
}{
	KindSystemStart: {
		title: "🚀 *System start*",
		lines: []line{{"mode", "Mode"}, {"symbols", "Universe"}, {"interval", "Interval"}, {"qty", "Order qty"}},
		note:  "✅ Engine is running.",
	},
	KindSystemStop: {
		title: "⏹ *System stop*",
		lines: []line{{"reason", "Reason"}, {"trades", "Trades today"}, {"daily_pnl", "P&L today"}},
	},
	KindBuyFilled: {
		title: "📈 *Buy filled*",
		lines: []line{{"symbol", "Symbol"}, {"price", "Fill"}, {"qty", "Qty"}, {"stop", "Stop"}, {"target", "Target"}},
	},
	KindSellFilled: {
		title: "📉 *Sell filled*",
		lines: []line{{"symbol", "Symbol"}, {"price", "Fill"}, {"qty", "Qty"}, {"reason", "Reason"}, {"pnl", "P&L"}, {"pnl_pct", "P&L %"}},
	},
	KindStopLoss: {
		title: "🛑 *Stop loss exit*",
		lines: []line{{"symbol", "Symbol"}, {"entry", "Entry"}, {"exit", "Exit"}, {"pnl", "P&L"}, {"pnl_pct", "P&L %"}},
		note:  "Position closed at the stop.",
	},
	KindTakeProfit: {
		title: "🎯 *Take profit exit*",
		lines: []line{{"symbol", "Symbol"}, {"entry", "Entry"}, {"exit", "Exit"}, {"pnl", "P&L"}, {"pnl_pct", "P&L %"}},
		note:  "🎉 Target reached.",
	},
	KindGapProtection: {
		title: "🛡 *Gap protection exit*",
		lines: []line{
			{"symbol", "Symbol"}, {"open", "Open"}, {"reference", "Reference"}, {"stop", "Stop"},
			{"raw_gap_pct", "Gap (raw)"}, {"display_gap_pct", "Gap (display)"},
			{}, {"entry", "Entry"}, {"pnl", "P&L"}, {"pnl_pct", "P&L %"},
		},
		note: "⚠️ Market order exit executed.",
	},
	KindNearStop: {
		title: "⚠️ *Approaching stop*",
		lines: []line{
			{"symbol", "Symbol"}, {"current", "Current"}, {"stop", "Stop"}, {"progress", "Progress"},
			{}, {"entry", "Entry"}, {"pnl", "P&L"}, {"pnl_pct", "P&L %"},
		},
	},
	KindNearTarget: {
		title: "🎯 *Approaching target*",
		lines: []line{
			{"symbol", "Symbol"}, {"current", "Current"}, {"target", "Target"}, {"progress", "Progress"},
			{}, {"entry", "Entry"}, {"pnl", "P&L"}, {"pnl_pct", "P&L %"},
		},
	},
	KindTrailingRaised: {
		title: "📈 *Trailing stop raised*",
		lines: []line{
			{"symbol", "Symbol"}, {"highest", "New high"}, {"trailing", "New trail"},
			{}, {"entry", "Entry"}, {"pnl", "P&L"}, {"pnl_pct", "P&L %"},
		},
		note: "Profit floor lifted.",
	},
	KindPositionRestored: {
		title: "🔄 *Position restored*",
		lines: []line{
			{"symbol", "Symbol"}, {"entry", "Entry"}, {"qty", "Qty"}, {"entry_date", "Entered"}, {"holding_days", "Held (days)"},
			{}, {"stop", "Stop"}, {"target", "Target"}, {"trailing", "Trailing"}, {"atr", "Entry ATR"},
		},
		note: "✅ Exit monitoring resumed.",
	},
	KindPendingExit: {
		title: "⏳ *Exit pending*",
		lines: []line{{"symbol", "Symbol"}, {"reason", "Reason"}, {"status", "Status"}},
	},
	KindRiskTrip: {
		title: "⚠️ *Risk rule tripped*",
		lines: []line{{"rule", "Rule"}, {"reason", "Reason"}},
		note:  "🔒 New entries are blocked.",
	},
	KindKillSwitch: {
		title: "🚨 *Kill switch engaged*",
		lines: []line{{"reason", "Reason"}},
		note:  "⛔ All trading is halted.",
	},
	KindReconciliation: {
		title: "🔍 *Reconciliation*",
		lines: []line{{"verdict", "Verdict"}, {"symbol", "Symbol"}, {"detail", "Detail"}},
	},
	KindSignalOnly: {
		title: "📋 *Signal only*",
		lines: []line{
			{"signal", "Signal"}, {"symbol", "Symbol"}, {"price", "Price"},
			{"stop", "Stop"}, {"target", "Target"}, {"atr", "ATR"}, {"reason", "Reason"},
		},
		note: "🔒 No order was placed.",
	},
	KindError: {
		title: "❌ *System error*",
		lines: []line{{"context", "Context"}, {"symbol", "Symbol"}, {"mode", "Mode"}, {"reason_code", "Reason code"}, {"idempotency_key", "Idempotency key"}},
		note:  "🔧 Needs immediate attention.",
	},
	KindWarning: {
		title: "⚠️ *Warning*",
		lines: []line{{"message", ""}},
	},
	KindInfo: {
		title: "ℹ️ *Info*",
		lines: []line{{"message", ""}},
	},
}

func formatEvent(e Event) string {
	t, ok := templates[e.Kind]
	if !ok {
		return formatGeneric(e)
	}

	var b strings.Builder
	b.WriteString(t.title + "\n" + sectionRule + "\n")
	for _, ln := range t.lines {
		if ln.key == "" {
			b.WriteString(sectionRule + "\n")
			continue
		}
		v, ok := e.Payload[ln.key]
		if !ok || v == "" {
			continue
		}
		if ln.key == "symbol" {
			v = "`" + v + "`"
		}
		if ln.label == "" {
			b.WriteString(v + "\n")
			continue
		}
		fmt.Fprintf(&b, "• %s: %s\n", ln.label, v)
	}
	if e.Kind == KindError {
		if msg := e.Payload["error"]; msg != "" {
			b.WriteString("```\n" + msg + "\n```\n")
		}
	}
	b.WriteString(sectionRule + "\n")
	if t.note != "" {
		b.WriteString(t.note + "\n")
	}
	b.WriteString("⏰ " + stamp())
	return clip(b.String())
}

// formatGeneric renders kinds without a template: sorted payload bullets
// under a severity banner.
func formatGeneric(e Event) string {
	banner := "ℹ️"
	switch e.Severity {
	case SeverityWarning:
		banner = "⚠️"
	case SeverityError:
		banner = "❌"
	}

	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n%s\n", banner, e.Kind, sectionRule)
	for _, k := range keys {
		fmt.Fprintf(&b, "• %s: %s\n", k, e.Payload[k])
	}
	b.WriteString(sectionRule + "\n⏰ " + stamp())
	return clip(b.String())
}

func stamp() string {
	return time.Now().In(marketcal.KST()).Format("2006-01-02 15:04:05 KST")
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= messageLimit {
		return s
	}
	return string(r[:messageLimit-2]) + "\n…"
}
