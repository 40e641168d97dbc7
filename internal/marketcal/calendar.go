// Package marketcal provides the KST trading calendar: KRX session windows,
// market holidays, and trading-day arithmetic.
package marketcal

import "time"

// Session identifies which KRX trading window a time falls in.
type Session int

const (
	SessionClosed Session = iota
	SessionRegular
	SessionCallAuction
)

// String returns the session name used in logs and denial reasons.
func (s Session) String() string {
	switch s {
	case SessionRegular:
		return "REGULAR"
	case SessionCallAuction:
		return "CALL_AUCTION"
	default:
		return "CLOSED"
	}
}

// Session boundaries, minutes from midnight exchange time. The regular
// session runs to 15:30 but routine orders stop at 15:20 when the closing
// call auction begins.
const (
	regularOpenMinute  = 9 * 60      // 09:00
	regularCloseMinute = 15*60 + 20  // 15:20
	auctionCloseMinute = 15*60 + 30  // 15:30
)

var kst = loadKST()

func loadKST() *time.Location {
	if loc, err := time.LoadLocation("Asia/Seoul"); err == nil {
		return loc
	}
	// Korea has no DST, so a fixed offset is exact
	return time.FixedZone("KST", 9*60*60)
}

// KST returns the exchange time zone.
func KST() *time.Location { return kst }

// Calendar answers session and trading-day questions in exchange time.
type Calendar struct {
	loc      *time.Location
	holidays map[string]struct{}
}

// New returns a calendar carrying the KRX holiday table.
func New() *Calendar {
	h := make(map[string]struct{}, len(krxHolidays))
	for _, d := range krxHolidays {
		h[d] = struct{}{}
	}
	return &Calendar{loc: kst, holidays: h}
}

// Now returns the current exchange time.
func (c *Calendar) Now() time.Time { return time.Now().In(c.loc) }

// TradeDate formats t as the exchange-local trade date.
func (c *Calendar) TradeDate(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// IsHoliday reports whether t falls on a KRX market holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[c.TradeDate(t)]
	return ok
}

// IsTradingDay reports whether the exchange opens at all on t's date.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	day := t.In(c.loc)
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.IsHoliday(day)
}

// SessionAt classifies t. 15:20:00 sharp already belongs to the call
// auction, so the last moment a routine order passes is 15:19:59.
func (c *Calendar) SessionAt(t time.Time) Session {
	if !c.IsTradingDay(t) {
		return SessionClosed
	}
	local := t.In(c.loc)
	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes >= regularOpenMinute && minutes < regularCloseMinute:
		return SessionRegular
	case minutes >= regularCloseMinute && minutes < auctionCloseMinute:
		return SessionCallAuction
	default:
		return SessionClosed
	}
}

// CanEnter reports whether a new entry order may be placed at t.
func (c *Calendar) CanEnter(t time.Time) bool {
	return c.SessionAt(t) == SessionRegular
}

// CanExit reports whether an exit order may be placed at t. The second
// return value carries the denial reason consumed by the risk gate.
func (c *Calendar) CanExit(t time.Time) (bool, string) {
	switch c.SessionAt(t) {
	case SessionRegular:
		return true, ""
	case SessionCallAuction:
		return false, "CALL_AUCTION"
	default:
		return false, "MARKET_CLOSED"
	}
}

// NextTradingDay walks forward from t to the next weekday that is not a
// holiday, returned at midnight exchange time.
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	day := t.In(c.loc)
	for {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
		}
	}
}

// NextOpen returns the next moment the regular session begins after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	todayOpen := time.Date(local.Year(), local.Month(), local.Day(), 9, 0, 0, 0, c.loc)
	if c.IsTradingDay(local) && local.Before(todayOpen) {
		return todayOpen
	}
	next := c.NextTradingDay(local)
	return next.Add(9 * time.Hour)
}
