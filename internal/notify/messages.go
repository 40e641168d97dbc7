package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/strategy"
	"github.com/kisquant/trendatr/internal/util"
)

// Constructors for the event set the engine emits. Each fills the payload
// keys its template renders; formatting stays in the notifier.

func SystemStart(mode models.Mode, symbols []string, interval time.Duration, qty int64) Event {
	return Event{
		Severity: SeverityInfo,
		Kind:     KindSystemStart,
		Payload: map[string]string{
			"mode":     string(mode),
			"symbols":  strings.Join(symbols, ", "),
			"interval": interval.String(),
			"qty":      fmt.Sprintf("%d", qty),
		},
	}
}

func SystemStop(reason string, trades int, dailyPnL decimal.Decimal) Event {
	return Event{
		Severity: SeverityInfo,
		Kind:     KindSystemStop,
		Payload: map[string]string{
			"reason":    reason,
			"trades":    fmt.Sprintf("%d", trades),
			"daily_pnl": util.FormatSignedWon(dailyPnL),
		},
	}
}

func BuyFilled(p *models.Position) Event {
	return Event{
		Severity: SeverityInfo,
		Kind:     KindBuyFilled,
		Payload: map[string]string{
			"symbol": p.Symbol,
			"price":  util.FormatWon(p.EntryPrice),
			"qty":    fmt.Sprintf("%d", p.Quantity),
			"stop":   util.FormatWon(p.StopLoss),
			"target": util.FormatWon(p.TakeProfit),
		},
	}
}

// SellFilled covers exits without a dedicated template: trailing stop,
// trend break, manual, recovered.
func SellFilled(p *models.Position) Event {
	return Event{
		Severity: SeverityInfo,
		Kind:     KindSellFilled,
		Payload: map[string]string{
			"symbol":  p.Symbol,
			"price":   util.FormatWon(p.ExitPrice),
			"qty":     fmt.Sprintf("%d", p.Quantity),
			"reason":  p.ExitReason,
			"pnl":     util.FormatSignedWon(p.RealizedPnL),
			"pnl_pct": util.FormatSignedPct(p.RealizedPnLPct),
		},
	}
}

func StopLossExit(p *models.Position) Event {
	return Event{
		Severity: SeverityWarning,
		Kind:     KindStopLoss,
		Payload: map[string]string{
			"symbol":  p.Symbol,
			"entry":   util.FormatWon(p.EntryPrice),
			"exit":    util.FormatWon(p.ExitPrice),
			"pnl":     util.FormatSignedWon(p.RealizedPnL),
			"pnl_pct": util.FormatSignedPct(p.RealizedPnLPct),
		},
	}
}

func TakeProfitExit(p *models.Position) Event {
	return Event{
		Severity: SeverityInfo,
		Kind:     KindTakeProfit,
		Payload: map[string]string{
			"symbol":  p.Symbol,
			"entry":   util.FormatWon(p.EntryPrice),
			"exit":    util.FormatWon(p.ExitPrice),
			"pnl":     util.FormatSignedWon(p.RealizedPnL),
			"pnl_pct": util.FormatSignedPct(p.RealizedPnLPct),
		},
	}
}

// GapExit carries the exact numbers the gap decision used: raw is the
// signed trigger percentage, display the magnitude the operator sees.
func GapExit(p *models.Position, open, reference, raw, display decimal.Decimal) Event {
	return Event{
		Severity: SeverityWarning,
		Kind:     KindGapProtection,
		Payload: map[string]string{
			"symbol":          p.Symbol,
			"open":            util.FormatWon(open),
			"reference":       util.FormatWon(reference),
			"stop":            util.FormatWon(p.StopLoss),
			"raw_gap_pct":     raw.StringFixed(6) + "%",
			"display_gap_pct": display.StringFixed(3) + "%",
			"entry":           util.FormatWon(p.EntryPrice),
			"pnl":             util.FormatSignedWon(p.RealizedPnL),
			"pnl_pct":         util.FormatSignedPct(p.RealizedPnLPct),
		},
	}
}

func NearStop(p *models.Position, progress decimal.Decimal) Event {
	return Event{
		Severity: SeverityWarning,
		Kind:     KindNearStop,
		Dedup:    p.Symbol,
		Payload: map[string]string{
			"symbol":   p.Symbol,
			"current":  util.FormatWon(p.CurrentPrice),
			"stop":     util.FormatWon(p.EffectiveStop()),
			"progress": progress.StringFixed(1) + "%",
			"entry":    util.FormatWon(p.EntryPrice),
			"pnl":      util.FormatSignedWon(p.UnrealizedPnL),
			"pnl_pct":  util.FormatSignedPct(p.UnrealizedPnLPct),
		},
	}
}

func NearTarget(p *models.Position, progress decimal.Decimal) Event {
	return Event{
		Severity: SeverityInfo,
		Kind:     KindNearTarget,
		Dedup:    p.Symbol,
		Payload: map[string]string{
			"symbol":   p.Symbol,
			"current":  util.FormatWon(p.CurrentPrice),
			"target":   util.FormatWon(p.TakeProfit),
			"progress": progress.StringFixed(1) + "%",
			"entry":    util.FormatWon(p.EntryPrice),
			"pnl":      util.FormatSignedWon(p.UnrealizedPnL),
			"pnl_pct":  util.FormatSignedPct(p.UnrealizedPnLPct),
		},
	}
}

// TrailingRaised dedups on the new level, so each advance notifies once.
func TrailingRaised(p *models.Position) Event {
	return Event{
		Severity: SeverityInfo,
		Kind:     KindTrailingRaised,
		Dedup:    fmt.Sprintf("%s:%s", p.Symbol, p.TrailingStop.StringFixed(0)),
		Payload: map[string]string{
			"symbol":   p.Symbol,
			"highest":  util.FormatWon(p.HighestPrice),
			"trailing": util.FormatWon(p.TrailingStop),
			"entry":    util.FormatWon(p.EntryPrice),
			"pnl":      util.FormatSignedWon(p.UnrealizedPnL),
			"pnl_pct":  util.FormatSignedPct(p.UnrealizedPnLPct),
		},
	}
}

func PositionRestored(p *models.Position, holdingDays int) Event {
	entryDate := ""
	if !p.EntryTime.IsZero() {
		entryDate = p.EntryTime.Format("2006-01-02")
	}
	return Event{
		Severity: SeverityInfo,
		Kind:     KindPositionRestored,
		Payload: map[string]string{
			"symbol":       p.Symbol,
			"entry":        util.FormatWon(p.EntryPrice),
			"qty":          fmt.Sprintf("%d", p.Quantity),
			"entry_date":   entryDate,
			"holding_days": fmt.Sprintf("%d", holdingDays),
			"stop":         util.FormatWon(p.StopLoss),
			"target":       util.FormatWon(p.TakeProfit),
			"trailing":     util.FormatWon(p.TrailingStop),
			"atr":          util.FormatWon(p.ATRAtEntry),
		},
	}
}

func PendingExit(symbol, reason string, cleared bool) Event {
	status := "waiting for the market to reopen"
	sev := SeverityWarning
	if cleared {
		status = "resubmitted and filled"
		sev = SeverityInfo
	}
	return Event{
		Severity: sev,
		Kind:     KindPendingExit,
		Payload: map[string]string{
			"symbol": symbol,
			"reason": reason,
			"status": status,
		},
	}
}

func RiskTrip(rule, reason string) Event {
	return Event{
		Severity: SeverityWarning,
		Kind:     KindRiskTrip,
		Dedup:    rule,
		Payload: map[string]string{
			"rule":   rule,
			"reason": reason,
		},
	}
}

func KillSwitchEngaged(reason string) Event {
	return Event{
		Severity: SeverityWarning,
		Kind:     KindKillSwitch,
		Payload:  map[string]string{"reason": reason},
	}
}

// ReconcileVerdict reports one reconciliation outcome. UNTRACKED_HOLDING
// and CRITICAL_MISMATCH arrive as ERROR, everything else as INFO.
func ReconcileVerdict(sev Severity, verdict, symbol, detail string) Event {
	return Event{
		Severity: sev,
		Kind:     KindReconciliation,
		Payload: map[string]string{
			"verdict": verdict,
			"symbol":  symbol,
			"detail":  detail,
		},
	}
}

// SignalOnly reports a decision taken in signal-only mode, where nothing
// reaches the broker.
func SignalOnly(symbol string, sig strategy.Signal) Event {
	return Event{
		Severity: SeverityInfo,
		Kind:     KindSignalOnly,
		Payload: map[string]string{
			"signal": string(sig.Type),
			"symbol": symbol,
			"price":  util.FormatWon(sig.ReferencePrice),
			"stop":   util.FormatWon(sig.Stop),
			"target": util.FormatWon(sig.TakeProfit),
			"atr":    util.FormatWon(sig.ATR),
			"reason": sig.Reason,
		},
	}
}

// SystemError carries the context every ERROR notification must include.
// extra holds optional fields such as idempotency_key and reason_code.
func SystemError(context string, err error, extra map[string]string) Event {
	payload := map[string]string{"context": context}
	if err != nil {
		payload["error"] = err.Error()
	}
	for k, v := range extra {
		payload[k] = v
	}
	return Event{Severity: SeverityError, Kind: KindError, Payload: payload}
}

func Warning(message string) Event {
	return Event{Severity: SeverityWarning, Kind: KindWarning, Payload: map[string]string{"message": message}}
}

func Info(message string) Event {
	return Event{Severity: SeverityInfo, Kind: KindInfo, Payload: map[string]string{"message": message}}
}
