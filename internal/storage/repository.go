package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repositories are stateless: every method takes the unit of work explicitly
// so a multi-row mutation can never mix transactional and ambient handles.
// Pass the *gorm.DB from within a db.Transaction closure.

type LotRepo struct{}

// ForUpdate loads a user's lot under a row lock scoped to the transaction.
func (LotRepo) ForUpdate(tx *gorm.DB, userID, lotID string) (*Lot, error) {
	var lot Lot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("lot_id = ? AND user_id = ?", lotID, userID).
		First(&lot).Error
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (LotRepo) Create(tx *gorm.DB, lot *Lot) error {
	return tx.Create(lot).Error
}

func (LotRepo) Save(tx *gorm.DB, lot *Lot) error {
	return tx.Save(lot).Error
}

func (LotRepo) CountOpen(tx *gorm.DB, userID string) (int64, error) {
	var n int64
	err := tx.Model(&Lot{}).
		Where("user_id = ? AND is_voided = ? AND remaining_quantity > 0", userID, false).
		Count(&n).Error
	return n, err
}

// OpenCostSum returns the cost currently locked in the user's open lots.
func (LotRepo) OpenCostSum(tx *gorm.DB, userID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.Model(&Lot{}).
		Where("user_id = ? AND is_voided = ? AND remaining_quantity > 0", userID, false).
		Select("COALESCE(SUM(remaining_cost), 0)").
		Scan(&sum).Error
	return sum, err
}

func (LotRepo) ListOpen(tx *gorm.DB, userID string, offset, limit int) ([]Lot, int64, error) {
	q := tx.Model(&Lot{}).
		Where("user_id = ? AND is_voided = ? AND remaining_quantity > 0", userID, false)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var lots []Lot
	err := q.Order("buy_date DESC").Offset(offset).Limit(limit).Find(&lots).Error
	return lots, total, err
}

type DealRepo struct{}

func (DealRepo) Create(tx *gorm.DB, deal *Deal) error {
	return tx.Create(deal).Error
}

func (DealRepo) Save(tx *gorm.DB, deal *Deal) error {
	return tx.Save(deal).Error
}

// ActiveBuysForLot returns the non-voided buy deals of a lot. A healthy lot
// has exactly one; callers treat any other count as a consistency fault.
func (DealRepo) ActiveBuysForLot(tx *gorm.DB, userID, lotID string) ([]Deal, error) {
	var deals []Deal
	err := tx.Where("user_id = ? AND lot_id = ? AND type = ? AND is_voided = ?",
		userID, lotID, DealTypeBuy, false).
		Find(&deals).Error
	return deals, err
}

func (DealRepo) ActiveForLot(tx *gorm.DB, userID, lotID string) ([]Deal, error) {
	var deals []Deal
	err := tx.Where("user_id = ? AND lot_id = ? AND is_voided = ?", userID, lotID, false).
		Find(&deals).Error
	return deals, err
}

func (DealRepo) ActiveSellsForLot(tx *gorm.DB, userID, lotID string) ([]Deal, error) {
	var deals []Deal
	err := tx.Where("user_id = ? AND lot_id = ? AND type = ? AND is_voided = ?",
		userID, lotID, DealTypeSell, false).
		Find(&deals).Error
	return deals, err
}

// ActiveSellForUpdate loads a user's non-voided sell deal under a row lock.
func (DealRepo) ActiveSellForUpdate(tx *gorm.DB, userID, tradeID string) (*Deal, error) {
	var deal Deal
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("trade_id = ? AND user_id = ? AND type = ? AND is_voided = ?",
			tradeID, userID, DealTypeSell, false).
		First(&deal).Error
	if err != nil {
		return nil, err
	}
	return &deal, nil
}

// CountCreatedBetween counts the user's non-voided deals recorded in
// [start, end). Quota enforcement feeds it the current trade-day window.
func (DealRepo) CountCreatedBetween(tx *gorm.DB, userID string, start, end time.Time) (int64, error) {
	var n int64
	err := tx.Model(&Deal{}).
		Where("user_id = ? AND is_voided = ? AND created_at >= ? AND created_at < ?",
			userID, false, start, end).
		Count(&n).Error
	return n, err
}

// ListSells pages the user's non-voided sell deals with deal_date in
// [start, end), newest first, with the parent lot preloaded.
func (DealRepo) ListSells(tx *gorm.DB, userID string, start, end time.Time, offset, limit int) ([]Deal, int64, error) {
	q := tx.Model(&Deal{}).
		Where("user_id = ? AND type = ? AND is_voided = ? AND deal_date >= ? AND deal_date < ?",
			userID, DealTypeSell, false, start, end)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var deals []Deal
	err := q.Preload("Lot").
		Order("deal_date DESC").Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&deals).Error
	return deals, total, err
}

// SellsBetween returns all non-voided sells with deal_date in [start, end),
// unpaged, for aggregation.
func (DealRepo) SellsBetween(tx *gorm.DB, userID string, start, end time.Time) ([]Deal, error) {
	var deals []Deal
	err := tx.Where("user_id = ? AND type = ? AND is_voided = ? AND deal_date >= ? AND deal_date < ?",
		userID, DealTypeSell, false, start, end).
		Find(&deals).Error
	return deals, err
}

type CapitalRepo struct{}

// GetOrCreateForUpdate fetches the user's capital row under a row lock,
// inserting a zero-balance row on first use.
func (CapitalRepo) GetOrCreateForUpdate(tx *gorm.DB, userID string) (*Capital, error) {
	var row Capital
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&row).Error
	if err == nil {
		return &row, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	row = Capital{UserID: userID, TotalInvest: decimal.Zero}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (CapitalRepo) Save(tx *gorm.DB, row *Capital) error {
	return tx.Save(row).Error
}

type StockRepo struct{}

// Lookup resolves a stock id against the reference store.
func (StockRepo) Lookup(tx *gorm.DB, stockID string) (*StockInfo, error) {
	var info StockInfo
	err := tx.Where("stock_id = ?", stockID).First(&info).Error
	if err != nil {
		return nil, err
	}
	return &info, nil
}
