package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yuhenglin/cardvault-backend/pkg/enums"
)

// CardLink is a sellable link backed by a pool of redeemable cards.
//
// StockLimit semantics depend on Mode:
//   - exclusive: number of loaded cards; remaining = StockLimit - SoldCount.
//   - shared: <= 0 means unlimited, > 0 caps total purchase events.
//   - bundle: whole bundles, floor(loaded cards / BundleSize).
//
// SoldCount counts paid purchase quantity, not distinct cards consumed. It only
// ever increases and only inside a successful fulfillment.
type CardLink struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	MerchantID    string          `gorm:"column:merchant_id;not null;index"`
	MerchantName  string          `gorm:"column:merchant_name;not null"`
	ShortCode     string          `gorm:"column:short_code;not null;uniqueIndex"`
	Title         string          `gorm:"column:title;not null"`
	Description   *string         `gorm:"column:description"`
	Price         decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null"`
	Mode          enums.CardMode  `gorm:"column:mode;not null;default:exclusive"`
	BundleSize    int             `gorm:"column:bundle_size;not null;default:1"`
	StockLimit    int             `gorm:"column:stock_limit;not null;default:0"`
	SoldCount     int             `gorm:"column:sold_count;not null;default:0"`
	PerBuyerLimit int             `gorm:"column:per_buyer_limit;not null;default:0"`
	MinTrustLevel int             `gorm:"column:min_trust_level;not null;default:0"`
	IsActive      bool            `gorm:"column:is_active;not null;default:true"`
	Cards         []Card          `gorm:"foreignKey:LinkID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// Unlimited reports whether the link never runs out of capacity.
func (l *CardLink) Unlimited() bool {
	return l.Mode == enums.CardModeShared && l.StockLimit <= 0
}

// Remaining returns the advertised remaining capacity in purchase units.
func (l *CardLink) Remaining() int {
	return l.StockLimit - l.SoldCount
}
