package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	DealTypeBuy  = "buy"
	DealTypeSell = "sell"
)

// Lot is a single purchase batch. Remaining fields shrink as the lot is sold;
// a fully sold or deleted lot is soft-voided, never removed.
type Lot struct {
	LotID  string `gorm:"column:lot_id;primaryKey;size:36" json:"lot_id"`
	UserID string `gorm:"column:user_id;size:36;not null;index:idx_lots_user" json:"user_id"`

	StockID   string `gorm:"column:stock_id;size:10;not null;index:idx_lots_stock" json:"stock_id"`
	StockName string `gorm:"column:stock_name;size:50;not null" json:"stock_name"`

	BuyDate           time.Time       `gorm:"column:buy_date;not null" json:"buy_date"`
	BuyPrice          decimal.Decimal `gorm:"column:buy_price;type:numeric(12,4);not null" json:"buy_price"`
	BuyQuantity       int             `gorm:"column:buy_quantity;not null" json:"buy_quantity"`
	RemainingQuantity int             `gorm:"column:remaining_quantity;not null" json:"remaining_quantity"`
	BuyAmount         decimal.Decimal `gorm:"column:buy_amount;type:numeric(14,2);not null" json:"buy_amount"`
	RemainingCost     decimal.Decimal `gorm:"column:remaining_cost;type:numeric(14,2);not null" json:"remaining_cost"`

	Note string `gorm:"column:note;size:100" json:"note"`

	IsVoided bool       `gorm:"column:is_voided;not null;default:false" json:"is_voided"`
	VoidedAt *time.Time `gorm:"column:voided_at" json:"voided_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Lot) TableName() string { return "lots" }

func (l *Lot) BeforeCreate(*gorm.DB) error {
	if l.LotID == "" {
		l.LotID = uuid.NewString()
	}
	return nil
}

// Void soft-deletes the lot.
func (l *Lot) Void(now time.Time) {
	l.IsVoided = true
	l.VoidedAt = &now
}

// Deal is one ledger entry against a lot. Deals are never mutated in place:
// an edit voids the old row and inserts a replacement, keeping the audit
// trail append-only.
type Deal struct {
	TradeID string `gorm:"column:trade_id;primaryKey;size:36" json:"trade_id"`
	UserID  string `gorm:"column:user_id;size:36;not null;index:idx_deals_user" json:"user_id"`
	LotID   string `gorm:"column:lot_id;size:36;not null;index:idx_deals_lot" json:"lot_id"`

	StockID   string `gorm:"column:stock_id;size:10;not null" json:"stock_id"`
	StockName string `gorm:"column:stock_name;size:50;not null" json:"stock_name"`

	Type     string          `gorm:"column:type;size:10;not null" json:"type"`
	Price    decimal.Decimal `gorm:"column:price;type:numeric(12,4);not null" json:"price"`
	Quantity int             `gorm:"column:quantity;not null" json:"quantity"`

	// TotalCost is the slice of lot cost this deal represents. For sells,
	// SellCost carries gross proceeds and RealizedPnl the recognized result.
	TotalCost   decimal.Decimal `gorm:"column:total_cost;type:numeric(12,2);not null" json:"total_cost"`
	SellCost    decimal.Decimal `gorm:"column:sell_cost;type:numeric(12,2)" json:"sell_cost"`
	RealizedPnl decimal.Decimal `gorm:"column:realized_pnl;type:numeric(12,2)" json:"realized_pnl"`

	DealDate time.Time `gorm:"column:deal_date;not null;index:idx_deals_date" json:"deal_date"`
	Note     string    `gorm:"column:note" json:"note"`

	IsVoided bool       `gorm:"column:is_voided;not null;default:false" json:"is_voided"`
	VoidedAt *time.Time `gorm:"column:voided_at" json:"voided_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Lot *Lot `json:"-"`
}

func (Deal) TableName() string { return "deals" }

func (d *Deal) BeforeCreate(*gorm.DB) error {
	if d.TradeID == "" {
		d.TradeID = uuid.NewString()
	}
	return nil
}

func (d *Deal) Void(now time.Time) {
	d.IsVoided = true
	d.VoidedAt = &now
}

// Capital is the per-user cash ledger: contributed funds adjusted by realized
// results. One row per user, created lazily with a zero balance.
type Capital struct {
	UserID      string          `gorm:"column:user_id;primaryKey;size:36" json:"user_id"`
	TotalInvest decimal.Decimal `gorm:"column:total_invest;type:numeric(12,2);not null" json:"total_invest"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (Capital) TableName() string { return "user_capitals" }

// StockInfo is the reference record for a listed stock. The ledger only reads
// it; ingestion is owned by a separate sync job.
type StockInfo struct {
	StockID   string    `gorm:"column:stock_id;primaryKey;size:10" json:"stock_id"`
	StockName string    `gorm:"column:stock_name;size:100;not null" json:"stock_name"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	Note      string    `gorm:"column:note" json:"note"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StockInfo) TableName() string { return "stock_metadata" }
