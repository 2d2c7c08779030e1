package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TipLink is a no-inventory payment link; buyers pick an amount and the link
// accumulates totals.
type TipLink struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	MerchantID    string          `gorm:"column:merchant_id;not null;index"`
	MerchantName  string          `gorm:"column:merchant_name;not null"`
	ShortCode     string          `gorm:"column:short_code;not null;uniqueIndex"`
	Title         string          `gorm:"column:title;not null"`
	Description   *string         `gorm:"column:description"`
	PresetAmounts string          `gorm:"column:preset_amounts;not null;default:'[5,10,20,50]'"`
	MinAmount     decimal.Decimal `gorm:"column:min_amount;type:numeric(12,2);not null;default:1"`
	MaxAmount     decimal.Decimal `gorm:"column:max_amount;type:numeric(12,2);not null;default:1000"`
	AllowCustom   bool            `gorm:"column:allow_custom;not null;default:true"`
	TotalReceived decimal.Decimal `gorm:"column:total_received;type:numeric(14,2);not null;default:0"`
	TipCount      int             `gorm:"column:tip_count;not null;default:0"`
	IsActive      bool            `gorm:"column:is_active;not null;default:true"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TipPayment records one settled tip notification. The unique trade number
// absorbs gateway redelivery so totals are bumped at most once per payment.
type TipPayment struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	LinkID         uuid.UUID       `gorm:"column:link_id;type:uuid;not null;index"`
	OutTradeNo     string          `gorm:"column:out_trade_no;not null;uniqueIndex"`
	GatewayTradeNo *string         `gorm:"column:gateway_trade_no"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
}
