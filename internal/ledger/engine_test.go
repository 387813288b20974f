package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockfolio/ledger/internal/logger"
	"github.com/stockfolio/ledger/internal/quota"
	"github.com/stockfolio/ledger/internal/storage"
)

func newTestEngine(t *testing.T, table quota.Table) *Engine {
	t.Helper()

	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if table == nil {
		table = quota.Default()
	}
	return New(db, table, time.Local, logger.New("error"), nil)
}

func seedStock(t *testing.T, e *Engine, id, name string) {
	t.Helper()
	if err := e.db.Create(&storage.StockInfo{StockID: id, StockName: name, IsActive: true}).Error; err != nil {
		t.Fatalf("seed stock: %v", err)
	}
}

func seedCapital(t *testing.T, e *Engine, userID, amount string) {
	t.Helper()
	if err := e.db.Create(&storage.Capital{UserID: userID, TotalInvest: dec(amount)}).Error; err != nil {
		t.Fatalf("seed capital: %v", err)
	}
}

func fetchLot(t *testing.T, e *Engine, lotID string) storage.Lot {
	t.Helper()
	var lot storage.Lot
	if err := e.db.Where("lot_id = ?", lotID).First(&lot).Error; err != nil {
		t.Fatalf("fetch lot %s: %v", lotID, err)
	}
	return lot
}

func fetchDeal(t *testing.T, e *Engine, tradeID string) storage.Deal {
	t.Helper()
	var deal storage.Deal
	if err := e.db.Where("trade_id = ?", tradeID).First(&deal).Error; err != nil {
		t.Fatalf("fetch deal %s: %v", tradeID, err)
	}
	return deal
}

func fetchCapital(t *testing.T, e *Engine, userID string) storage.Capital {
	t.Helper()
	var c storage.Capital
	if err := e.db.Where("user_id = ?", userID).First(&c).Error; err != nil {
		t.Fatalf("fetch capital %s: %v", userID, err)
	}
	return c
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustCreateLot(t *testing.T, e *Engine, userID string, in CreateLotInput) *CreateLotResult {
	t.Helper()
	result, err := e.CreateLot(context.Background(), userID, quota.RoleAdmin, in)
	if err != nil {
		t.Fatalf("CreateLot: %v", err)
	}
	return result
}

func tsmcLot(cost string, qty int) CreateLotInput {
	return CreateLotInput{
		StockID:  "2330",
		BuyPrice: dec("500"),
		Quantity: qty,
		BuyCost:  dec(cost),
		BuyDate:  "2025/08/11",
	}
}

func TestCreateLotGatedByAvailableCash(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	result := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))

	lot := fetchLot(t, e, result.LotID)
	if lot.RemainingQuantity != 10 || !lot.RemainingCost.Equal(dec("5000")) {
		t.Errorf("lot remaining = %d/%s, want 10/5000", lot.RemainingQuantity, lot.RemainingCost)
	}

	summary, err := e.PortfolioSummary(context.Background(), "u1")
	if err != nil {
		t.Fatalf("PortfolioSummary: %v", err)
	}
	if summary.CashInvest != 5000 {
		t.Errorf("cash = %v, want 5000", summary.CashInvest)
	}
	if summary.PositionRatio != 0.5 {
		t.Errorf("position ratio = %v, want 0.5", summary.PositionRatio)
	}

	// Second buy exceeds the remaining 5000 of available cash.
	_, err = e.CreateLot(context.Background(), "u1", quota.RoleAdmin, tsmcLot("6000.00", 12))
	var sErr *StateError
	if !errors.As(err, &sErr) {
		t.Fatalf("want StateError for over-commitment, got %v", err)
	}
}

func TestCreateLotUnknownStock(t *testing.T) {
	e := newTestEngine(t, nil)
	seedCapital(t, e, "u1", "10000.00")

	_, err := e.CreateLot(context.Background(), "u1", quota.RoleAdmin, tsmcLot("5000.00", 10))
	var nErr *NotFoundError
	if !errors.As(err, &nErr) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestCreateLotValidation(t *testing.T) {
	e := newTestEngine(t, nil)

	cases := []struct {
		name string
		in   CreateLotInput
	}{
		{"missing stock", CreateLotInput{BuyPrice: dec("500"), Quantity: 10, BuyCost: dec("5000"), BuyDate: "2025/08/11"}},
		{"zero price", CreateLotInput{StockID: "2330", Quantity: 10, BuyCost: dec("5000"), BuyDate: "2025/08/11"}},
		{"negative quantity", CreateLotInput{StockID: "2330", BuyPrice: dec("500"), Quantity: -1, BuyCost: dec("5000"), BuyDate: "2025/08/11"}},
		{"bad date", CreateLotInput{StockID: "2330", BuyPrice: dec("500"), Quantity: 10, BuyCost: dec("5000"), BuyDate: "11-08-2025"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CreateLot(context.Background(), "u1", quota.RoleAdmin, tc.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("want ValidationError, got %v", err)
			}
		})
	}
}

func TestSellLotPartial(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))

	tradeID, err := e.SellLot(context.Background(), "u1", quota.RoleAdmin, created.LotID, SellLotInput{
		SellPrice:   dec("550"),
		SellQty:     4,
		SellCost:    dec("2200.00"),
		RealizedPnl: dec("200.00"),
		SellDate:    "2025/08/20",
	})
	if err != nil {
		t.Fatalf("SellLot: %v", err)
	}

	lot := fetchLot(t, e, created.LotID)
	if lot.RemainingQuantity != 6 {
		t.Errorf("remaining quantity = %d, want 6", lot.RemainingQuantity)
	}
	if !lot.RemainingCost.Equal(dec("3000")) {
		t.Errorf("remaining cost = %s, want 3000", lot.RemainingCost)
	}
	if lot.IsVoided {
		t.Error("partial sale must not void the lot")
	}

	deal := fetchDeal(t, e, tradeID)
	if !deal.TotalCost.Equal(dec("2000")) {
		t.Errorf("sold cost = %s, want 2000", deal.TotalCost)
	}

	capital := fetchCapital(t, e, "u1")
	if !capital.TotalInvest.Equal(dec("10200")) {
		t.Errorf("total invest = %s, want 10200", capital.TotalInvest)
	}
}

func TestSellLotAllocationBoundRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))

	// soldCost = 2500 > avg 500 x 4 = 2000.
	_, err := e.SellLot(context.Background(), "u1", quota.RoleAdmin, created.LotID, SellLotInput{
		SellPrice:   dec("625"),
		SellQty:     4,
		SellCost:    dec("2500.00"),
		RealizedPnl: dec("0"),
		SellDate:    "2025/08/20",
	})
	var sErr *StateError
	if !errors.As(err, &sErr) {
		t.Fatalf("want StateError for allocation bound, got %v", err)
	}

	// No state change.
	lot := fetchLot(t, e, created.LotID)
	if lot.RemainingQuantity != 10 || !lot.RemainingCost.Equal(dec("5000")) {
		t.Errorf("rejected sell changed lot state: %d/%s", lot.RemainingQuantity, lot.RemainingCost)
	}
	capital := fetchCapital(t, e, "u1")
	if !capital.TotalInvest.Equal(dec("10000")) {
		t.Errorf("rejected sell changed capital: %s", capital.TotalInvest)
	}
}

func TestSellLotFullVoids(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))

	_, err := e.SellLot(context.Background(), "u1", quota.RoleAdmin, created.LotID, SellLotInput{
		SellPrice:   dec("520"),
		SellQty:     10,
		SellCost:    dec("5200.00"),
		RealizedPnl: dec("200.00"),
		SellDate:    "2025/08/20",
	})
	if err != nil {
		t.Fatalf("SellLot: %v", err)
	}

	lot := fetchLot(t, e, created.LotID)
	if !lot.IsVoided || lot.VoidedAt == nil {
		t.Error("full sale must void the lot")
	}
	if lot.RemainingQuantity != 0 {
		t.Errorf("remaining quantity = %d, want 0", lot.RemainingQuantity)
	}
}

func TestSellLotExceedsRemaining(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))

	_, err := e.SellLot(context.Background(), "u1", quota.RoleAdmin, created.LotID, SellLotInput{
		SellPrice:   dec("500"),
		SellQty:     11,
		SellCost:    dec("5500.00"),
		RealizedPnl: dec("0"),
		SellDate:    "2025/08/20",
	})
	var sErr *StateError
	if !errors.As(err, &sErr) {
		t.Fatalf("want StateError, got %v", err)
	}
}

func TestDeleteLotRestoresAvailableCash(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	before, err := e.PortfolioSummary(context.Background(), "u1")
	if err != nil {
		t.Fatalf("PortfolioSummary: %v", err)
	}

	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))
	if err := e.DeleteLot(context.Background(), "u1", created.LotID); err != nil {
		t.Fatalf("DeleteLot: %v", err)
	}

	after, err := e.PortfolioSummary(context.Background(), "u1")
	if err != nil {
		t.Fatalf("PortfolioSummary: %v", err)
	}
	if after.CashInvest != before.CashInvest {
		t.Errorf("cash after delete = %v, want %v", after.CashInvest, before.CashInvest)
	}

	lot := fetchLot(t, e, created.LotID)
	if !lot.IsVoided {
		t.Error("deleted lot must be voided")
	}
	deal := fetchDeal(t, e, created.TradeID)
	if !deal.IsVoided {
		t.Error("deleting a lot must void its buy deal")
	}
}

func TestDeleteLotAfterSellRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))
	if _, err := e.SellLot(context.Background(), "u1", quota.RoleAdmin, created.LotID, SellLotInput{
		SellPrice:   dec("500"),
		SellQty:     2,
		SellCost:    dec("1000.00"),
		RealizedPnl: dec("0"),
		SellDate:    "2025/08/20",
	}); err != nil {
		t.Fatalf("SellLot: %v", err)
	}

	err := e.DeleteLot(context.Background(), "u1", created.LotID)
	var sErr *StateError
	if !errors.As(err, &sErr) {
		t.Fatalf("want StateError, got %v", err)
	}
}

func TestEditLotSupersedesBuyDeal(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedStock(t, e, "2317", "Hon Hai")
	seedCapital(t, e, "u1", "10000.00")

	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))

	err := e.EditLot(context.Background(), "u1", created.LotID, EditLotInput{
		StockID:  "2317",
		BuyDate:  "2025/08/12",
		BuyPrice: dec("120"),
		Quantity: 50,
		BuyCost:  dec("6000.00"),
		Note:     "corrected entry",
	})
	if err != nil {
		t.Fatalf("EditLot: %v", err)
	}

	lot := fetchLot(t, e, created.LotID)
	if lot.StockID != "2317" || lot.BuyQuantity != 50 || lot.RemainingQuantity != 50 {
		t.Errorf("lot not rewritten: %s %d/%d", lot.StockID, lot.RemainingQuantity, lot.BuyQuantity)
	}
	if !lot.BuyAmount.Equal(dec("6000")) || !lot.RemainingCost.Equal(dec("6000")) {
		t.Errorf("lot cost not rewritten: %s/%s", lot.RemainingCost, lot.BuyAmount)
	}

	oldBuy := fetchDeal(t, e, created.TradeID)
	if !oldBuy.IsVoided {
		t.Error("old buy deal must be voided")
	}

	var activeBuys []storage.Deal
	if err := e.db.Where("lot_id = ? AND type = ? AND is_voided = ?", created.LotID, storage.DealTypeBuy, false).
		Find(&activeBuys).Error; err != nil {
		t.Fatalf("query buys: %v", err)
	}
	if len(activeBuys) != 1 {
		t.Fatalf("active buys = %d, want 1", len(activeBuys))
	}
	if !activeBuys[0].TotalCost.Equal(dec("6000")) {
		t.Errorf("replacement buy cost = %s, want 6000", activeBuys[0].TotalCost)
	}
}

func TestEditLotCashCheckFreesOldCost(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	created := mustCreateLot(t, e, "u1", tsmcLot("9000.00", 10))

	// 10000 available once the old 9000 is freed.
	if err := e.EditLot(context.Background(), "u1", created.LotID, EditLotInput{
		StockID:  "2330",
		BuyDate:  "2025/08/11",
		BuyPrice: dec("500"),
		Quantity: 20,
		BuyCost:  dec("10000.00"),
	}); err != nil {
		t.Fatalf("EditLot within freed cost: %v", err)
	}

	err := e.EditLot(context.Background(), "u1", created.LotID, EditLotInput{
		StockID:  "2330",
		BuyDate:  "2025/08/11",
		BuyPrice: dec("500"),
		Quantity: 22,
		BuyCost:  dec("11000.00"),
	})
	var sErr *StateError
	if !errors.As(err, &sErr) {
		t.Fatalf("want StateError beyond capital, got %v", err)
	}
}

func TestEditLotAfterSellRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))
	if _, err := e.SellLot(context.Background(), "u1", quota.RoleAdmin, created.LotID, SellLotInput{
		SellPrice:   dec("500"),
		SellQty:     1,
		SellCost:    dec("500.00"),
		RealizedPnl: dec("0"),
		SellDate:    "2025/08/20",
	}); err != nil {
		t.Fatalf("SellLot: %v", err)
	}

	err := e.EditLot(context.Background(), "u1", created.LotID, EditLotInput{
		StockID:  "2330",
		BuyDate:  "2025/08/11",
		BuyPrice: dec("490"),
		Quantity: 10,
		BuyCost:  dec("4900.00"),
	})
	var sErr *StateError
	if !errors.As(err, &sErr) {
		t.Fatalf("want StateError, got %v", err)
	}
}

func intPtr(n int) *int { return &n }

func TestActiveLotQuota(t *testing.T) {
	table := quota.Table{
		quota.RoleGuest: {ActiveLots: intPtr(2)},
	}
	e := newTestEngine(t, table)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "100000.00")

	for i := 0; i < 2; i++ {
		if _, err := e.CreateLot(context.Background(), "u1", quota.RoleGuest, tsmcLot("1000.00", 2)); err != nil {
			t.Fatalf("CreateLot %d: %v", i, err)
		}
	}

	_, err := e.CreateLot(context.Background(), "u1", quota.RoleGuest, tsmcLot("1000.00", 2))
	var qErr *QuotaError
	if !errors.As(err, &qErr) {
		t.Fatalf("want QuotaError, got %v", err)
	}
}

func TestDailyTradeQuotaCountsReportAsTwo(t *testing.T) {
	table := quota.Table{
		quota.RoleGuest: {DailyTrades: intPtr(3)},
	}
	e := newTestEngine(t, table)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "100000.00")

	// Two buys leave one trade of headroom; a report needs two.
	for i := 0; i < 2; i++ {
		if _, err := e.CreateLot(context.Background(), "u1", quota.RoleGuest, tsmcLot("1000.00", 2)); err != nil {
			t.Fatalf("CreateLot %d: %v", i, err)
		}
	}

	_, err := e.CreateHistoricalReport(context.Background(), "u1", quota.RoleGuest, CreateReportInput{
		StockID: "2330",
		Buy:     HistoricalBuy{Price: dec("500"), Quantity: 10, Cost: dec("5000.00"), Date: "2025/08/01"},
		Sell:    HistoricalSell{Price: dec("550"), Quantity: 10, Cost: dec("5500.00"), RealizedPnl: dec("500.00"), Date: "2025/08/05"},
	})
	var qErr *QuotaError
	if !errors.As(err, &qErr) {
		t.Fatalf("want QuotaError for two-trade report, got %v", err)
	}

	// A single further trade still fits.
	if _, err := e.CreateLot(context.Background(), "u1", quota.RoleGuest, tsmcLot("1000.00", 2)); err != nil {
		t.Fatalf("CreateLot within quota: %v", err)
	}
}

func TestSellLotDailyTradeQuota(t *testing.T) {
	table := quota.Table{
		quota.RoleGuest: {DailyTrades: intPtr(1)},
		quota.RoleAdmin: {},
	}
	e := newTestEngine(t, table)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	// The buy already fills the guest's single daily trade.
	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))

	in := SellLotInput{
		SellPrice:   dec("550"),
		SellQty:     4,
		SellCost:    dec("2200.00"),
		RealizedPnl: dec("200.00"),
		SellDate:    "2025/08/20",
	}
	_, err := e.SellLot(context.Background(), "u1", quota.RoleGuest, created.LotID, in)
	var qErr *QuotaError
	if !errors.As(err, &qErr) {
		t.Fatalf("want QuotaError for second trade of the day, got %v", err)
	}

	// The rejected sell must not touch the lot.
	lot := fetchLot(t, e, created.LotID)
	if lot.RemainingQuantity != 10 || !lot.RemainingCost.Equal(dec("5000")) {
		t.Errorf("rejected sell changed lot state: %d/%s", lot.RemainingQuantity, lot.RemainingCost)
	}

	// An unconstrained role sells the same lot fine.
	if _, err := e.SellLot(context.Background(), "u1", quota.RoleAdmin, created.LotID, in); err != nil {
		t.Fatalf("SellLot as admin: %v", err)
	}
}

type alertSpy struct {
	ops []string
}

func (a *alertSpy) NotifyConsistencyFault(op string, _ error) {
	a.ops = append(a.ops, op)
}

func TestEditLotConsistencyFault(t *testing.T) {
	e := newTestEngine(t, nil)
	spy := &alertSpy{}
	e.alerter = spy
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "10000.00")

	created := mustCreateLot(t, e, "u1", tsmcLot("5000.00", 10))

	// Corrupt the ledger: a second active buy deal on the same lot.
	extra := storage.Deal{
		UserID:    "u1",
		LotID:     created.LotID,
		StockID:   "2330",
		StockName: "TSMC",
		Type:      storage.DealTypeBuy,
		Price:     dec("500"),
		Quantity:  10,
		TotalCost: dec("5000.00"),
		DealDate:  time.Date(2025, 8, 11, 0, 0, 0, 0, time.UTC),
	}
	if err := e.db.Create(&extra).Error; err != nil {
		t.Fatalf("seed corrupt deal: %v", err)
	}

	err := e.EditLot(context.Background(), "u1", created.LotID, EditLotInput{
		StockID:  "2330",
		BuyDate:  "2025/08/11",
		BuyPrice: dec("500"),
		Quantity: 10,
		BuyCost:  dec("5000.00"),
	})
	var cErr *ConsistencyError
	if !errors.As(err, &cErr) {
		t.Fatalf("want ConsistencyError, got %v", err)
	}
	if len(spy.ops) != 1 || spy.ops[0] != "EditLot" {
		t.Errorf("alerter calls = %v, want [EditLot]", spy.ops)
	}
}

func TestListOpenLotsPagination(t *testing.T) {
	e := newTestEngine(t, nil)
	seedStock(t, e, "2330", "TSMC")
	seedCapital(t, e, "u1", "100000.00")

	for i := 0; i < 12; i++ {
		mustCreateLot(t, e, "u1", tsmcLot("1000.00", 2))
	}

	page1, err := e.ListOpenLots(context.Background(), "u1", 1, 0)
	if err != nil {
		t.Fatalf("ListOpenLots: %v", err)
	}
	if len(page1.Shareholding) != 10 {
		t.Errorf("page 1 size = %d, want 10", len(page1.Shareholding))
	}
	if page1.Pagination.TotalPage != 2 {
		t.Errorf("total pages = %d, want 2", page1.Pagination.TotalPage)
	}

	page2, err := e.ListOpenLots(context.Background(), "u1", 2, 0)
	if err != nil {
		t.Fatalf("ListOpenLots page 2: %v", err)
	}
	if len(page2.Shareholding) != 2 {
		t.Errorf("page 2 size = %d, want 2", len(page2.Shareholding))
	}

	// Out-of-range page clamps to 1.
	clamped, err := e.ListOpenLots(context.Background(), "u1", -3, 0)
	if err != nil {
		t.Fatalf("ListOpenLots clamped: %v", err)
	}
	if clamped.Pagination.CurrentPage != 1 {
		t.Errorf("current page = %d, want 1", clamped.Pagination.CurrentPage)
	}
}
