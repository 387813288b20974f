// Package ledger implements lot accounting: purchase lots, their buy/sell
// deals, and the per-user capital balance, with quota and cash-availability
// enforcement. Every mutation runs in a single transaction; no operation is
// allowed to partially apply.
package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stockfolio/ledger/internal/logger"
	"github.com/stockfolio/ledger/internal/quota"
	"github.com/stockfolio/ledger/internal/storage"
)

const defaultPageSize = 10

// Alerter receives out-of-band notifications for faults that need operator
// attention. Implemented by the telegram notifier; may be nil.
type Alerter interface {
	NotifyConsistencyFault(op string, err error)
}

type Engine struct {
	db       *gorm.DB
	lots     storage.LotRepo
	deals    storage.DealRepo
	capitals storage.CapitalRepo
	stocks   storage.StockRepo
	quota    quota.Table
	loc      *time.Location
	log      *logger.Logger
	alerter  Alerter
}

func New(db *gorm.DB, table quota.Table, loc *time.Location, log *logger.Logger, alerter Alerter) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		db:      db,
		quota:   table,
		loc:     loc,
		log:     log,
		alerter: alerter,
	}
}

func (e *Engine) now() time.Time {
	return time.Now().In(e.loc)
}

type CreateLotInput struct {
	StockID  string
	BuyPrice decimal.Decimal
	Quantity int
	BuyCost  decimal.Decimal
	BuyDate  string
	Note     string
}

type CreateLotResult struct {
	LotID   string `json:"lotId"`
	TradeID string `json:"tradeId"`
}

func (e *Engine) CreateLot(ctx context.Context, userID string, role quota.Role, in CreateLotInput) (*CreateLotResult, error) {
	if in.StockID == "" {
		return nil, validationf("stockId is required")
	}
	if err := requirePositive("buyPrice", in.BuyPrice); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("quantity", in.Quantity); err != nil {
		return nil, err
	}
	if err := requirePositive("buyCost", in.BuyCost); err != nil {
		return nil, err
	}
	buyDate, err := parseTradeDate(in.BuyDate, "buyDate")
	if err != nil {
		return nil, err
	}

	price := roundPrice(in.BuyPrice)
	cost := roundAmount(in.BuyCost)
	limits := e.quota.For(role)

	var result CreateLotResult
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.checkActiveLotQuota(tx, userID, limits); err != nil {
			return err
		}
		if err := e.checkDailyTradeQuota(tx, userID, limits, 1); err != nil {
			return err
		}
		if err := e.checkCashFor(tx, userID, cost, decimal.Zero); err != nil {
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
			BuyPrice:          price,
			BuyQuantity:       in.Quantity,
			RemainingQuantity: in.Quantity,
			BuyAmount:         cost,
			RemainingCost:     cost,
			Note:              in.Note,
		}
		if err := e.lots.Create(tx, lot); err != nil {
			return err
		}

		deal := &storage.Deal{
			UserID:    userID,
			LotID:     lot.LotID,
			StockID:   stock.StockID,
			StockName: stock.StockName,
			Type:      storage.DealTypeBuy,
			Price:     price,
			Quantity:  in.Quantity,
			TotalCost: cost,
			DealDate:  buyDate,
			Note:      in.Note,
		}
		if err := e.deals.Create(tx, deal); err != nil {
			return err
		}

		result = CreateLotResult{LotID: lot.LotID, TradeID: deal.TradeID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("lot created", "user_id", userID, "lot_id", result.LotID, "stock_id", in.StockID)
	return &result, nil
}

type EditLotInput struct {
	StockID  string
	BuyDate  string
	BuyPrice decimal.Decimal
	Quantity int
	BuyCost  decimal.Decimal
	Note     string
}

// EditLot replaces the purchase terms of an untouched lot. The lot's sole
// active buy deal is voided and superseded by a fresh row so the audit trail
// keeps both versions.
func (e *Engine) EditLot(ctx context.Context, userID, lotID string, in EditLotInput) error {
	if in.StockID == "" {
		return validationf("stockId is required")
	}
	if err := requirePositive("buyPrice", in.BuyPrice); err != nil {
		return err
	}
	if err := requirePositiveInt("quantity", in.Quantity); err != nil {
		return err
	}
	if err := requirePositive("buyCost", in.BuyCost); err != nil {
		return err
	}
	buyDate, err := parseTradeDate(in.BuyDate, "buyDate")
	if err != nil {
		return err
	}

	price := roundPrice(in.BuyPrice)
	cost := roundAmount(in.BuyCost)

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lot, err := e.lockLot(tx, userID, lotID)
		if err != nil {
			return err
		}
		if lot.IsVoided {
			return statef("lot %s is deleted and cannot be edited", lotID)
		}
		if lot.RemainingQuantity != lot.BuyQuantity {
			return statef("lot %s has recorded sells and cannot be edited", lotID)
		}

		// The old cost is freed by the swap, so it must not count against
		// the new cost.
		if err := e.checkCashFor(tx, userID, cost, lot.BuyAmount); err != nil {
			return err
		}

		stock, err := e.resolveStock(tx, in.StockID)
		if err != nil {
			return err
		}

		oldBuy, err := e.soleActiveBuy(tx, userID, lotID, "EditLot")
		if err != nil {
			return err
		}

		now := e.now()
		oldBuy.Void(now)
		if err := e.deals.Save(tx, oldBuy); err != nil {
			return err
		}

		newBuy := &storage.Deal{
			UserID:    userID,
			LotID:     lotID,
			StockID:   stock.StockID,
			StockName: stock.StockName,
			Type:      storage.DealTypeBuy,
			Price:     price,
			Quantity:  in.Quantity,
			TotalCost: cost,
			DealDate:  buyDate,
			Note:      in.Note,
		}
		if err := e.deals.Create(tx, newBuy); err != nil {
			return err
		}

		// Nothing has been sold, so purchase and remaining reset together.
		lot.StockID = stock.StockID
		lot.StockName = stock.StockName
		lot.BuyDate = buyDate
		lot.BuyPrice = price
		lot.BuyQuantity = in.Quantity
		lot.RemainingQuantity = in.Quantity
		lot.BuyAmount = cost
		lot.RemainingCost = cost
		lot.Note = in.Note
		return e.lots.Save(tx, lot)
	})
}

// DeleteLot soft-voids an untouched lot together with its active deals.
func (e *Engine) DeleteLot(ctx context.Context, userID, lotID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lot, err := e.lockLot(tx, userID, lotID)
		if err != nil {
			return err
		}
		if lot.IsVoided {
			return statef("lot %s is already deleted", lotID)
		}
		if lot.RemainingQuantity != lot.BuyQuantity {
			return statef("lot %s has recorded sells and cannot be deleted", lotID)
		}

		now := e.now()
		lot.Void(now)
		if err := e.lots.Save(tx, lot); err != nil {
			return err
		}

		deals, err := e.deals.ActiveForLot(tx, userID, lotID)
		if err != nil {
			return err
		}
		for i := range deals {
			deals[i].Void(now)
			if err := e.deals.Save(tx, &deals[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

type SellLotInput struct {
	SellPrice   decimal.Decimal
	SellQty     int
	SellCost    decimal.Decimal
	RealizedPnl decimal.Decimal
	SellDate    string
	Note        string
}

// SellLot liquidates part or all of a lot. The cost slice the sale claims is
// soldCost = sellCost - realizedPnl, bounded by the lot's average cost per
// share times the quantity sold, so a partial sale cannot distort the average
// cost of the remainder.
func (e *Engine) SellLot(ctx context.Context, userID string, role quota.Role, lotID string, in SellLotInput) (string, error) {
	if err := requirePositive("sellPrice", in.SellPrice); err != nil {
		return "", err
	}
	if err := requirePositiveInt("sellQty", in.SellQty); err != nil {
		return "", err
	}
	if err := requirePositive("sellCost", in.SellCost); err != nil {
		return "", err
	}
	sellDate, err := parseTradeDate(in.SellDate, "sellDate")
	if err != nil {
		return "", err
	}

	soldCost := roundAmount(in.SellCost.Sub(in.RealizedPnl))
	if soldCost.IsNegative() {
		return "", validationf("sellCost minus realizedPnl must not be negative")
	}

	limits := e.quota.For(role)

	var tradeID string
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.checkDailyTradeQuota(tx, userID, limits, 1); err != nil {
			return err
		}

		lot, err := e.lockLot(tx, userID, lotID)
		if err != nil {
			return err
		}
		if lot.IsVoided {
			return statef("lot %s is deleted and cannot be sold", lotID)
		}

		deal, err := e.applySell(tx, lot, sellInstruction{
			Price:       roundPrice(in.SellPrice),
			Quantity:    in.SellQty,
			SellCost:    roundAmount(in.SellCost),
			RealizedPnl: roundAmount(in.RealizedPnl),
			SoldCost:    soldCost,
			Date:        sellDate,
			Note:        in.Note,
		})
		if err != nil {
			return err
		}

		tradeID = deal.TradeID
		return e.creditRealizedPnl(tx, userID, deal.RealizedPnl)
	})
	if err != nil {
		return "", err
	}

	e.log.Info("lot sold", "user_id", userID, "lot_id", lotID, "trade_id", tradeID, "qty", in.SellQty)
	return tradeID, nil
}

// sellInstruction is a validated, rounded sell ready to apply against a lot.
type sellInstruction struct {
	Price       decimal.Decimal
	Quantity    int
	SellCost    decimal.Decimal
	RealizedPnl decimal.Decimal
	SoldCost    decimal.Decimal
	Date        time.Time
	Note        string
}

// applySell checks the quantity and cost-allocation bounds against the lot's
// remaining balances, inserts the sell deal, and decrements the lot, voiding
// it when fully sold. The caller settles capital.
func (e *Engine) applySell(tx *gorm.DB, lot *storage.Lot, in sellInstruction) (*storage.Deal, error) {
	if in.Quantity > lot.RemainingQuantity {
		return nil, statef("sell quantity %d exceeds remaining quantity %d",
			in.Quantity, lot.RemainingQuantity)
	}

	avgCost := lot.RemainingCost.Div(decimal.NewFromInt(int64(lot.RemainingQuantity)))
	maxAllocatable := roundAmount(avgCost.Mul(decimal.NewFromInt(int64(in.Quantity))))
	if in.SoldCost.GreaterThan(maxAllocatable) {
		return nil, statef("allocated cost %s exceeds the %s allocatable for %d shares",
			in.SoldCost.StringFixed(2), maxAllocatable.StringFixed(2), in.Quantity)
	}

	newRemainingCost := lot.RemainingCost.Sub(in.SoldCost)
	if newRemainingCost.IsNegative() {
		return nil, statef("allocated cost %s exceeds remaining cost %s",
			in.SoldCost.StringFixed(2), lot.RemainingCost.StringFixed(2))
	}

	deal := &storage.Deal{
		UserID:      lot.UserID,
		LotID:       lot.LotID,
		StockID:     lot.StockID,
		StockName:   lot.StockName,
		Type:        storage.DealTypeSell,
		Price:       in.Price,
		Quantity:    in.Quantity,
		TotalCost:   in.SoldCost,
		SellCost:    in.SellCost,
		RealizedPnl: in.RealizedPnl,
		DealDate:    in.Date,
		Note:        in.Note,
	}
	if err := e.deals.Create(tx, deal); err != nil {
		return nil, err
	}

	lot.RemainingQuantity -= in.Quantity
	lot.RemainingCost = newRemainingCost
	if lot.RemainingQuantity == 0 {
		lot.Void(e.now())
	}
	if err := e.lots.Save(tx, lot); err != nil {
		return nil, err
	}
	return deal, nil
}

type OpenLotItem struct {
	AssetID   string  `json:"assetId"`
	StockID   string  `json:"stockId"`
	StockName string  `json:"stockName"`
	Quantity  int     `json:"quantity"`
	BuyPrice  float64 `json:"buyPrice"`
	TotalCost float64 `json:"totalCost"`
	BuyDate   string  `json:"buyDate"`
	Note      string  `json:"note"`
}

type Pagination struct {
	TotalPage   int `json:"total_page"`
	CurrentPage int `json:"current_page"`
}

type OpenLotsPage struct {
	Shareholding []OpenLotItem `json:"shareholding"`
	Pagination   Pagination    `json:"pagination"`
}

func (e *Engine) ListOpenLots(ctx context.Context, userID string, page, pageSize int) (*OpenLotsPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	lots, total, err := e.lots.ListOpen(e.db.WithContext(ctx), userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}

	items := make([]OpenLotItem, 0, len(lots))
	for _, l := range lots {
		items = append(items, OpenLotItem{
			AssetID:   l.LotID,
			StockID:   l.StockID,
			StockName: l.StockName,
			Quantity:  l.RemainingQuantity,
			BuyPrice:  l.BuyPrice.InexactFloat64(),
			TotalCost: l.BuyAmount.InexactFloat64(),
			BuyDate:   formatTradeDate(l.BuyDate),
			Note:      l.Note,
		})
	}

	totalPage := int(math.Ceil(float64(total) / float64(pageSize)))
	if totalPage < 1 {
		totalPage = 1
	}
	return &OpenLotsPage{
		Shareholding: items,
		Pagination:   Pagination{TotalPage: totalPage, CurrentPage: page},
	}, nil
}

type PortfolioSummary struct {
	TotalInvest   float64 `json:"totalInvest"`
	CashInvest    float64 `json:"cashInvest"`
	StockCost     float64 `json:"stockCost"`
	PositionRatio float64 `json:"positionRatio"`
}

func (e *Engine) PortfolioSummary(ctx context.Context, userID string) (*PortfolioSummary, error) {
	var out PortfolioSummary
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		capital, err := e.capitals.GetOrCreateForUpdate(tx, userID)
		if err != nil {
			return err
		}
		stockCost, err := e.lots.OpenCostSum(tx, userID)
		if err != nil {
			return err
		}

		cash := capital.TotalInvest.Sub(stockCost)
		if cash.IsNegative() {
			cash = decimal.Zero
		}

		ratio := decimal.Zero
		if capital.TotalInvest.IsPositive() {
			ratio = stockCost.Div(capital.TotalInvest).Round(3)
		}

		out = PortfolioSummary{
			TotalInvest:   capital.TotalInvest.InexactFloat64(),
			CashInvest:    cash.InexactFloat64(),
			StockCost:     stockCost.InexactFloat64(),
			PositionRatio: ratio.InexactFloat64(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// lockLot fetches the user's lot under a row lock, mapping a missing row to
// the not-found taxonomy.
func (e *Engine) lockLot(tx *gorm.DB, userID, lotID string) (*storage.Lot, error) {
	lot, err := e.lots.ForUpdate(tx, userID, lotID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundf("lot %s not found", lotID)
	}
	if err != nil {
		return nil, err
	}
	return lot, nil
}

func (e *Engine) resolveStock(tx *gorm.DB, stockID string) (*storage.StockInfo, error) {
	stock, err := e.stocks.Lookup(tx, stockID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundf("unknown stock id %s", stockID)
	}
	if err != nil {
		return nil, err
	}
	if !stock.IsActive {
		return nil, validationf("stock %s is no longer listed", stockID)
	}
	return stock, nil
}

// soleActiveBuy returns the lot's single active buy deal, raising a
// consistency fault for any other count.
func (e *Engine) soleActiveBuy(tx *gorm.DB, userID, lotID, op string) (*storage.Deal, error) {
	buys, err := e.deals.ActiveBuysForLot(tx, userID, lotID)
	if err != nil {
		return nil, err
	}
	if len(buys) != 1 {
		fault := consistencyf("lot %s has %d active buy deals, want exactly 1", lotID, len(buys))
		e.log.Error("ledger consistency fault", "op", op, "lot_id", lotID, "active_buys", len(buys))
		if e.alerter != nil {
			e.alerter.NotifyConsistencyFault(op, fault)
		}
		return nil, fault
	}
	return &buys[0], nil
}

func (e *Engine) checkActiveLotQuota(tx *gorm.DB, userID string, limits quota.Limits) error {
	if limits.ActiveLots == nil {
		return nil
	}
	n, err := e.lots.CountOpen(tx, userID)
	if err != nil {
		return err
	}
	if n >= int64(*limits.ActiveLots) {
		return quotaf("active lot limit of %d reached", *limits.ActiveLots)
	}
	return nil
}

// checkDailyTradeQuota verifies that recording `adding` more trades today
// stays within the daily limit.
func (e *Engine) checkDailyTradeQuota(tx *gorm.DB, userID string, limits quota.Limits, adding int) error {
	if limits.DailyTrades == nil {
		return nil
	}
	start, end := quota.DayWindow(e.now())
	n, err := e.deals.CountCreatedBetween(tx, userID, start, end)
	if err != nil {
		return err
	}
	if n+int64(adding) > int64(*limits.DailyTrades) {
		return quotaf("daily trade limit of %d reached", *limits.DailyTrades)
	}
	return nil
}
