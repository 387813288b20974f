package ledger

import (
	"context"
	"errors"
	"math"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stockfolio/ledger/internal/quota"
	"github.com/stockfolio/ledger/internal/storage"
)

// Historical reports backfill a closed position in one call: one lot, one buy
// deal, one sell deal. Edits and cancels undo the sell with a compensating
// reversal against the restored lot balances. Like every other trade
// mutation, an edited sell is superseded by a new row rather than rewritten,
// so the deals table stays append-only.

type HistoricalBuy struct {
	Price    decimal.Decimal
	Quantity int
	Cost     decimal.Decimal
	Date     string
	Note     string
}

type HistoricalSell struct {
	Price       decimal.Decimal
	Quantity    int
	Cost        decimal.Decimal
	RealizedPnl decimal.Decimal
	Date        string
	Note        string
}

type CreateReportInput struct {
	StockID string
	Buy     HistoricalBuy
	Sell    HistoricalSell
}

type CreateReportResult struct {
	LotID       string `json:"lotId"`
	BuyTradeID  string `json:"buyTradeId"`
	SellTradeID string `json:"sellTradeId"`
}

func (e *Engine) CreateHistoricalReport(ctx context.Context, userID string, role quota.Role, in CreateReportInput) (*CreateReportResult, error) {
	if in.StockID == "" {
		return nil, validationf("stockId is required")
	}
	if err := requirePositive("buyPrice", in.Buy.Price); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("buyQuantity", in.Buy.Quantity); err != nil {
		return nil, err
	}
	if err := requirePositive("buyCost", in.Buy.Cost); err != nil {
		return nil, err
	}
	buyDate, err := parseTradeDate(in.Buy.Date, "buyDate")
	if err != nil {
		return nil, err
	}

	sell, err := validateSell(in.Sell)
	if err != nil {
		return nil, err
	}
	if in.Sell.Quantity > in.Buy.Quantity {
		return nil, validationf("sellQuantity %d exceeds buyQuantity %d", in.Sell.Quantity, in.Buy.Quantity)
	}

	buyPrice := roundPrice(in.Buy.Price)
	buyCost := roundAmount(in.Buy.Cost)
	limits := e.quota.For(role)

	var result CreateReportResult
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.checkActiveLotQuota(tx, userID, limits); err != nil {
			return err
		}
		// This call records a buy and a sell at once.
		if err := e.checkDailyTradeQuota(tx, userID, limits, 2); err != nil {
			return err
		}
		if err := e.checkCashFor(tx, userID, buyCost, decimal.Zero); err != nil {
			return err
		}

		stock, err := e.resolveStock(tx, in.StockID)
		if err != nil {
			return err
		}

		lot := &storage.Lot{
			UserID:            userID,
			StockID:           stock.StockID,
			StockName:         stock.StockName,
			BuyDate:           buyDate,
			BuyPrice:          buyPrice,
			BuyQuantity:       in.Buy.Quantity,
			RemainingQuantity: in.Buy.Quantity,
			BuyAmount:         buyCost,
			RemainingCost:     buyCost,
			Note:              in.Buy.Note,
		}
		if err := e.lots.Create(tx, lot); err != nil {
			return err
		}

		buyDeal := &storage.Deal{
			UserID:    userID,
			LotID:     lot.LotID,
			StockID:   stock.StockID,
			StockName: stock.StockName,
			Type:      storage.DealTypeBuy,
			Price:     buyPrice,
			Quantity:  in.Buy.Quantity,
			TotalCost: buyCost,
			DealDate:  buyDate,
			Note:      in.Buy.Note,
		}
		if err := e.deals.Create(tx, buyDeal); err != nil {
			return err
		}

		sellDeal, err := e.applySell(tx, lot, sell)
		if err != nil {
			return err
		}
		if err := e.creditRealizedPnl(tx, userID, sellDeal.RealizedPnl); err != nil {
			return err
		}

		result = CreateReportResult{
			LotID:       lot.LotID,
			BuyTradeID:  buyDeal.TradeID,
			SellTradeID: sellDeal.TradeID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("historical report created", "user_id", userID, "lot_id", result.LotID)
	return &result, nil
}

// UpdateHistoricalReport replaces the sell side of a report: the old sell is
// reversed against the lot and capital, then the new values are validated and
// applied exactly as a fresh sale against the restored balances. The call
// nets zero new trades (old row voided, replacement inserted), so the quota
// check only verifies the current count.
func (e *Engine) UpdateHistoricalReport(ctx context.Context, userID string, role quota.Role, tradeID string, in HistoricalSell) (string, error) {
	sell, err := validateSell(in)
	if err != nil {
		return "", err
	}

	limits := e.quota.For(role)

	var newTradeID string
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.checkDailyTradeQuota(tx, userID, limits, 0); err != nil {
			return err
		}

		oldSell, err := e.lockActiveSell(tx, userID, tradeID)
		if err != nil {
			return err
		}
		lot, err := e.lockLot(tx, userID, oldSell.LotID)
		if err != nil {
			return err
		}

		now := e.now()
		e.reverseSell(lot, oldSell)
		oldSell.Void(now)
		if err := e.deals.Save(tx, oldSell); err != nil {
			return err
		}
		if err := e.creditRealizedPnl(tx, userID, oldSell.RealizedPnl.Neg()); err != nil {
			return err
		}

		newSell, err := e.applySell(tx, lot, sell)
		if err != nil {
			return err
		}
		if err := e.creditRealizedPnl(tx, userID, newSell.RealizedPnl); err != nil {
			return err
		}

		newTradeID = newSell.TradeID
		return nil
	})
	if err != nil {
		return "", err
	}

	e.log.Info("historical report updated", "user_id", userID, "old_trade_id", tradeID, "trade_id", newTradeID)
	return newTradeID, nil
}

// CancelHistoricalReport reverses a sell without reapplying anything. When
// the canceled sell was the lot's only one, the whole report disappears: the
// lot and its buy deal are voided along with the sell.
func (e *Engine) CancelHistoricalReport(ctx context.Context, userID, tradeID string) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sellDeal, err := e.lockActiveSell(tx, userID, tradeID)
		if err != nil {
			return err
		}
		lot, err := e.lockLot(tx, userID, sellDeal.LotID)
		if err != nil {
			return err
		}

		now := e.now()
		e.reverseSell(lot, sellDeal)
		sellDeal.Void(now)
		if err := e.deals.Save(tx, sellDeal); err != nil {
			return err
		}
		if err := e.creditRealizedPnl(tx, userID, sellDeal.RealizedPnl.Neg()); err != nil {
			return err
		}

		remaining, err := e.deals.ActiveSellsForLot(tx, userID, lot.LotID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			// Only sell gone: retire the report entirely.
			buy, err := e.soleActiveBuy(tx, userID, lot.LotID, "CancelHistoricalReport")
			if err != nil {
				return err
			}
			buy.Void(now)
			if err := e.deals.Save(tx, buy); err != nil {
				return err
			}
			lot.Void(now)
		}
		return e.lots.Save(tx, lot)
	})
	if err != nil {
		return err
	}

	e.log.Info("historical report canceled", "user_id", userID, "trade_id", tradeID)
	return nil
}

// reverseSell adds a sell's quantity and cost slice back to the lot,
// un-voiding it if the sell had closed it.
func (e *Engine) reverseSell(lot *storage.Lot, sell *storage.Deal) {
	lot.RemainingQuantity += sell.Quantity
	lot.RemainingCost = lot.RemainingCost.Add(sell.TotalCost)
	if lot.IsVoided {
		lot.IsVoided = false
		lot.VoidedAt = nil
	}
}

func (e *Engine) lockActiveSell(tx *gorm.DB, userID, tradeID string) (*storage.Deal, error) {
	deal, err := e.deals.ActiveSellForUpdate(tx, userID, tradeID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundf("sell trade %s not found", tradeID)
	}
	if err != nil {
		return nil, err
	}
	return deal, nil
}

func validateSell(in HistoricalSell) (sellInstruction, error) {
	if err := requirePositive("sellPrice", in.Price); err != nil {
		return sellInstruction{}, err
	}
	if err := requirePositiveInt("sellQuantity", in.Quantity); err != nil {
		return sellInstruction{}, err
	}
	if err := requirePositive("sellCost", in.Cost); err != nil {
		return sellInstruction{}, err
	}
	date, err := parseTradeDate(in.Date, "sellDate")
	if err != nil {
		return sellInstruction{}, err
	}

	soldCost := roundAmount(in.Cost.Sub(in.RealizedPnl))
	if soldCost.IsNegative() {
		return sellInstruction{}, validationf("sellCost minus realizedPnl must not be negative")
	}

	return sellInstruction{
		Price:       roundPrice(in.Price),
		Quantity:    in.Quantity,
		SellCost:    roundAmount(in.Cost),
		RealizedPnl: roundAmount(in.RealizedPnl),
		SoldCost:    soldCost,
		Date:        date,
		Note:        in.Note,
	}, nil
}

type ReportItem struct {
	TradesID          string  `json:"tradesId"`
	StockID           string  `json:"stockId"`
	StockName         string  `json:"stockName"`
	TradesDate        string  `json:"tradesDate"`
	BuyPrice          float64 `json:"buyPrice"`
	SellPrice         float64 `json:"sellPrice"`
	Quantity          int     `json:"quantity"`
	BuyCost           float64 `json:"buyCost"`
	ActualRealizedPnl float64 `json:"actualRealizedPnl"`
	StockProfit       float64 `json:"stockProfit"`
	ProfitLossRate    float64 `json:"profitLossRate"`
	Note              string  `json:"note"`
}

type ReportsPage struct {
	TotalTrades []ReportItem `json:"totalTrades"`
	Pagination  Pagination   `json:"pagination"`
}

// ListReports pages a month's sell deals, newest first, enriched with the
// originating lot's buy price and the return on the allocated cost.
func (e *Engine) ListReports(ctx context.Context, userID string, year, month, page int) (*ReportsPage, error) {
	start, end, err := yearMonthWindow(year, month)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}

	deals, total, err := e.deals.ListSells(e.db.WithContext(ctx), userID, start, end,
		(page-1)*defaultPageSize, defaultPageSize)
	if err != nil {
		return nil, err
	}

	items := make([]ReportItem, 0, len(deals))
	for _, d := range deals {
		item := ReportItem{
			TradesID:          d.TradeID,
			StockID:           d.StockID,
			StockName:         d.StockName,
			TradesDate:        formatTradeDate(d.DealDate),
			SellPrice:         d.Price.InexactFloat64(),
			Quantity:          d.Quantity,
			BuyCost:           d.TotalCost.InexactFloat64(),
			ActualRealizedPnl: d.SellCost.InexactFloat64(),
			StockProfit:       d.RealizedPnl.InexactFloat64(),
			Note:              d.Note,
		}
		if d.Lot != nil {
			item.BuyPrice = d.Lot.BuyPrice.InexactFloat64()
		}
		if d.TotalCost.IsPositive() {
			item.ProfitLossRate = d.RealizedPnl.
				Div(d.TotalCost).
				Mul(decimal.NewFromInt(100)).
				Round(2).
				InexactFloat64()
		}
		items = append(items, item)
	}

	totalPage := int(math.Ceil(float64(total) / float64(defaultPageSize)))
	if totalPage < 1 {
		totalPage = 1
	}
	return &ReportsPage{
		TotalTrades: items,
		Pagination:  Pagination{TotalPage: totalPage, CurrentPage: page},
	}, nil
}

type TrendPoint struct {
	Period string  `json:"period"`
	Pnl    float64 `json:"pnl"`
}

// MonthlyTrendSeries sums realized P/L per calendar month of a year, always
// returning twelve points with empty months zero-filled.
func (e *Engine) MonthlyTrendSeries(ctx context.Context, userID string, year int) ([]TrendPoint, error) {
	start, end, err := yearWindow(year)
	if err != nil {
		return nil, err
	}

	deals, err := e.deals.SellsBetween(e.db.WithContext(ctx), userID, start, end)
	if err != nil {
		return nil, err
	}

	byMonth := make(map[int]decimal.Decimal, 12)
	for _, d := range deals {
		m := int(d.DealDate.Month())
		byMonth[m] = byMonth[m].Add(d.RealizedPnl)
	}

	series := make([]TrendPoint, 0, 12)
	for m := 1; m <= 12; m++ {
		series = append(series, TrendPoint{
			Period: monthPeriod(year, m),
			Pnl:    byMonth[m].InexactFloat64(),
		})
	}
	return series, nil
}
