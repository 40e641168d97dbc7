package notify

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/models"
)

// botServer emulates the two Telegram endpoints the notifier touches and
// records every delivered message text.
type botServer struct {
	mu       sync.Mutex
	texts    []string
	attempts int
	fail     bool
}

func (s *botServer) handler(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bot","username":"test_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		s.mu.Lock()
		s.attempts++
		if !s.fail {
			s.texts = append(s.texts, r.Form.Get("text"))
		}
		s.mu.Unlock()
		if s.fail {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: test"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":99,"type":"private"},"text":"ok"}}`)
	default:
		http.NotFound(w, r)
	}
}

func (s *botServer) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func testTelegram(t *testing.T, bs *botServer) *Telegram {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(bs.handler))
	t.Cleanup(srv.Close)
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint("TESTTOKEN", srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("building test bot api: %v", err)
	}
	return &Telegram{
		api:    api,
		chatID: 99,
		pool:   newSendPool(zerolog.Nop()),
		logger: zerolog.Nop(),
		seen:   make(map[string]struct{}),
	}
}

func samplePosition() *models.Position {
	return &models.Position{
		ID:               "pos-1",
		Mode:             models.ModePaper,
		Symbol:           "005930",
		State:            models.StateEntered,
		Quantity:         10,
		EntryPrice:       decimal.NewFromInt(70_000),
		CurrentPrice:     decimal.NewFromInt(70_900),
		HighestPrice:     decimal.NewFromInt(71_000),
		ATRAtEntry:       decimal.NewFromInt(300),
		StopLoss:         decimal.NewFromInt(69_400),
		TakeProfit:       decimal.NewFromInt(72_400),
		TrailingStop:     decimal.NewFromInt(70_400),
		UnrealizedPnL:    decimal.NewFromInt(9_000),
		UnrealizedPnLPct: decimal.NewFromFloat(1.29),
	}
}

func TestNewTelegramValidation(t *testing.T) {
	cfg := &config.Config{}
	if _, err := NewTelegram(cfg, zerolog.Nop()); err == nil {
		t.Error("empty token accepted")
	}
	cfg.Notify.TelegramToken = "token"
	cfg.Notify.TelegramChatID = "not-a-number"
	if _, err := NewTelegram(cfg, zerolog.Nop()); err == nil {
		t.Error("unparseable chat id accepted")
	}
}

func TestFormatBuyFilled(t *testing.T) {
	text := formatEvent(BuyFilled(samplePosition()))

	for _, want := range []string{
		"📈 *Buy filled*",
		"`005930`",
		"• Fill: ₩70,000",
		"• Qty: 10",
		"• Stop: ₩69,400",
		"• Target: ₩72,400",
		"⏰ ",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}
}

func TestFormatGapExitCarriesBothPercentages(t *testing.T) {
	p := samplePosition()
	p.ExitPrice = decimal.NewFromInt(64_000)
	p.RealizedPnL = decimal.NewFromInt(-60_000)
	p.RealizedPnLPct = decimal.NewFromFloat(-8.57)

	raw := decimal.NewFromFloat(-8.571429)
	e := GapExit(p, decimal.NewFromInt(64_000), decimal.NewFromInt(70_000), raw, raw.Abs())
	text := formatEvent(e)

	for _, want := range []string{
		"🛡 *Gap protection exit*",
		"• Gap (raw): -8.571429%",
		"• Gap (display): 8.571%",
		"• Open: ₩64,000",
		"• Reference: ₩70,000",
		"• P&L: -₩60,000",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}
}

func TestFormatErrorCarriesContextAndFence(t *testing.T) {
	e := SystemError("order submit", errors.New("rt_cd=1: insufficient balance"), map[string]string{
		"symbol":          "005930",
		"mode":            "PAPER",
		"reason_code":     "SUBMIT_FAILED",
		"idempotency_key": "20260304-005930-BUY-1",
	})
	text := formatEvent(e)

	for _, want := range []string{
		"❌ *System error*",
		"• Context: order submit",
		"• Symbol: `005930`",
		"• Mode: PAPER",
		"• Reason code: SUBMIT_FAILED",
		"• Idempotency key: 20260304-005930-BUY-1",
		"```\nrt_cd=1: insufficient balance\n```",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}
}

func TestFormatGenericSortsUnknownKind(t *testing.T) {
	e := Event{Severity: SeverityWarning, Kind: Kind("CUSTOM"), Payload: map[string]string{
		"zeta":  "2",
		"alpha": "1",
	}}
	text := formatEvent(e)

	if !strings.Contains(text, "⚠️ *CUSTOM*") {
		t.Errorf("banner missing:\n%s", text)
	}
	if strings.Index(text, "alpha") > strings.Index(text, "zeta") {
		t.Errorf("keys not sorted:\n%s", text)
	}
}

func TestFormatWarningBareMessage(t *testing.T) {
	text := formatEvent(Warning("volume rank unavailable"))
	if !strings.Contains(text, "⚠️ *Warning*") || !strings.Contains(text, "\nvolume rank unavailable\n") {
		t.Errorf("unexpected warning message:\n%s", text)
	}
}

func TestClipLongMessage(t *testing.T) {
	long := strings.Repeat("가", messageLimit+100)
	got := clip(long)
	if n := len([]rune(got)); n > messageLimit {
		t.Errorf("clipped length = %d runes", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("clipped message missing ellipsis")
	}
}

func TestNotifyDeliversThroughPool(t *testing.T) {
	bs := &botServer{}
	tg := testTelegram(t, bs)

	tg.Notify(BuyFilled(samplePosition()))
	tg.Notify(Info("cycle complete"))
	tg.Close()

	sent := bs.sent()
	if len(sent) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(sent))
	}
}

func TestNotifyDedupSuppressesRepeats(t *testing.T) {
	bs := &botServer{}
	tg := testTelegram(t, bs)

	pos := samplePosition()
	tg.Notify(TrailingRaised(pos))
	tg.Notify(TrailingRaised(pos)) // same level, suppressed
	pos.TrailingStop = decimal.NewFromInt(70_900)
	tg.Notify(TrailingRaised(pos)) // new level delivers

	other := samplePosition()
	other.Symbol = "000660"
	tg.Notify(NearStop(pos, decimal.NewFromInt(85)))
	tg.Notify(NearStop(other, decimal.NewFromInt(90)))
	tg.Notify(NearStop(pos, decimal.NewFromInt(95))) // suppressed per symbol
	tg.Close()

	if sent := bs.sent(); len(sent) != 4 {
		t.Fatalf("delivered %d messages, want 4", len(sent))
	}
}

func TestNotifySendFailureDropsQuietly(t *testing.T) {
	bs := &botServer{fail: true}
	tg := testTelegram(t, bs)

	tg.Notify(Warning("this will fail"))
	tg.Close()

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", bs.attempts)
	}
}
