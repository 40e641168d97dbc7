package marketcal

// KRX market holidays, maintained by hand. Exchange closures beyond the
// statutory holidays (election days, year-end close) are included. Extend
// this table before each new year; un-listed future dates fail open as
// trading days.
var krxHolidays = []string{
	// 2024
	"2024-01-01", // New Year's Day
	"2024-02-09", // Seollal holiday
	"2024-02-10", // Seollal
	"2024-02-11", // Seollal holiday
	"2024-02-12", // substitute holiday
	"2024-03-01", // Independence Movement Day
	"2024-04-10", // National Assembly election
	"2024-05-01", // Labor Day
	"2024-05-06", // substitute holiday
	"2024-05-15", // Buddha's Birthday
	"2024-06-06", // Memorial Day
	"2024-08-15", // Liberation Day
	"2024-09-16", // Chuseok holiday
	"2024-09-17", // Chuseok
	"2024-09-18", // Chuseok holiday
	"2024-10-03", // National Foundation Day
	"2024-10-09", // Hangul Day
	"2024-12-25", // Christmas
	"2024-12-31", // year-end close

	// 2025
	"2025-01-01", // New Year's Day
	"2025-01-28", // Seollal holiday
	"2025-01-29", // Seollal
	"2025-01-30", // Seollal holiday
	"2025-03-01", // Independence Movement Day
	"2025-05-01", // Labor Day
	"2025-05-05", // Children's Day
	"2025-05-06", // substitute holiday
	"2025-06-06", // Memorial Day
	"2025-08-15", // Liberation Day
	"2025-10-03", // National Foundation Day
	"2025-10-05", // Chuseok holiday
	"2025-10-06", // Chuseok
	"2025-10-07", // Chuseok holiday
	"2025-10-08", // substitute holiday
	"2025-10-09", // Hangul Day
	"2025-12-25", // Christmas
	"2025-12-31", // year-end close

	// 2026
	"2026-01-01", // New Year's Day
	"2026-02-16", // Seollal holiday
	"2026-02-17", // Seollal
	"2026-02-18", // Seollal holiday
	"2026-03-01", // Independence Movement Day
	"2026-03-02", // substitute holiday
	"2026-05-01", // Labor Day
	"2026-05-05", // Children's Day
	"2026-05-24", // Buddha's Birthday
	"2026-05-25", // substitute holiday
	"2026-06-06", // Memorial Day
	"2026-08-15", // Liberation Day
	"2026-08-17", // substitute holiday
	"2026-09-24", // Chuseok holiday
	"2026-09-25", // Chuseok
	"2026-09-26", // Chuseok holiday
	"2026-10-03", // National Foundation Day
	"2026-10-05", // substitute holiday
	"2026-10-09", // Hangul Day
	"2026-12-25", // Christmas
	"2026-12-31", // year-end close
}
