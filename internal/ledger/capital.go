package ledger

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Capital guard: a user may never lock more cost in open lots than they have
// contributed net of realized results.
//
//	availableCash = totalInvest - sum(remainingCost of open lots)
//
// Reads happen inside the caller's transaction, with the capital row locked,
// so two concurrent buys cannot both claim the same cash.

func (e *Engine) availableCash(tx *gorm.DB, userID string) (decimal.Decimal, error) {
	capital, err := e.capitals.GetOrCreateForUpdate(tx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	locked, err := e.lots.OpenCostSum(tx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return capital.TotalInvest.Sub(locked), nil
}

// checkCashFor rejects a cost-increasing operation that available cash cannot
// cover. freedCost is cost the operation releases at the same time (the old
// amount of a lot being replaced), so the check reflects the balance after
// the swap. A balance already negative blocks any further cost increase.
func (e *Engine) checkCashFor(tx *gorm.DB, userID string, newCost, freedCost decimal.Decimal) error {
	available, err := e.availableCash(tx, userID)
	if err != nil {
		return err
	}
	if available.Add(freedCost).LessThan(newCost) {
		return statef("cost %s exceeds available cash %s",
			newCost.StringFixed(2), available.Add(freedCost).StringFixed(2))
	}
	return nil
}

// creditRealizedPnl applies a realized result to the user's capital, flooring
// the balance at zero.
func (e *Engine) creditRealizedPnl(tx *gorm.DB, userID string, pnl decimal.Decimal) error {
	capital, err := e.capitals.GetOrCreateForUpdate(tx, userID)
	if err != nil {
		return err
	}
	next := capital.TotalInvest.Add(pnl)
	if next.IsNegative() {
		next = decimal.Zero
	}
	capital.TotalInvest = next
	return e.capitals.Save(tx, capital)
}
