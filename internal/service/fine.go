package service

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// FinePolicy prices late returns
type FinePolicy struct {
	PerDay decimal.Decimal
}

// DaysLate counts started days past due. Returning on or before the due date is zero.
func DaysLate(due, returned time.Time) int64 {
	if !returned.After(due) {
		return 0
	}
	late := returned.Sub(due)
	days := int64(late / day)
	if late%day != 0 {
		days++
	}
	return days
}

// Assess returns the fine for a return, rounded to cents and never negative
func (p FinePolicy) Assess(due, returned time.Time) decimal.Decimal {
	days := DaysLate(due, returned)
	if days == 0 || !p.PerDay.IsPositive() {
		return decimal.Zero
	}
	return p.PerDay.Mul(decimal.NewFromInt(days)).Round(2)
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
