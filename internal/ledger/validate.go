package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade and lot dates are calendar dates without time. They are parsed from
// the client format "YYYY/MM/DD" and normalized to UTC midnight so range
// comparisons behave the same regardless of server timezone.

func parseTradeDate(input, field string) (time.Time, error) {
	t, err := time.Parse("2006/01/02", input)
	if err != nil {
		return time.Time{}, validationf("%s must be a valid YYYY/MM/DD date", field)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func formatTradeDate(t time.Time) string {
	return t.Format("2006/01/02")
}

func requirePositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return validationf("%s must be greater than 0", field)
	}
	return nil
}

func requirePositiveInt(field string, v int) error {
	if v <= 0 {
		return validationf("%s must be greater than 0", field)
	}
	return nil
}

// Persisted layout: prices carry 4 fractional digits, every cost/amount/P&L
// field carries 2.

func roundPrice(v decimal.Decimal) decimal.Decimal {
	return v.Round(4)
}

func roundAmount(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

func yearMonthWindow(year, month int) (time.Time, time.Time, error) {
	if year < 1970 || year > 2100 {
		return time.Time{}, time.Time{}, validationf("year must be between 1970 and 2100")
	}
	if month < 1 || month > 12 {
		return time.Time{}, time.Time{}, validationf("month must be between 1 and 12")
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0), nil
}

func yearWindow(year int) (time.Time, time.Time, error) {
	if year < 1970 || year > 2100 {
		return time.Time{}, time.Time{}, validationf("year must be between 1970 and 2100")
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, 0), nil
}

func monthPeriod(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}
