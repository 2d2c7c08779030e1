package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	dbtypes "github.com/yuhenglin/cardvault-backend/pkg/db/types"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
)

// CardOrder is the durable record of one purchase attempt, keyed by the
// merchant-generated trade number. A trade number maps to at most one row and
// the row transitions pending->paid at most once.
type CardOrder struct {
	ID             uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	LinkID         uuid.UUID          `gorm:"column:link_id;type:uuid;not null;index"`
	OutTradeNo     string             `gorm:"column:out_trade_no;not null;uniqueIndex"`
	BuyerID        *string            `gorm:"column:buyer_id;index"`
	BuyerName      *string            `gorm:"column:buyer_name"`
	Quantity       int                `gorm:"column:quantity;not null;default:1"`
	Amount         decimal.Decimal    `gorm:"column:amount;type:numeric(12,2);not null"`
	Status         enums.OrderStatus  `gorm:"column:status;not null;default:pending"`
	CardIDs        dbtypes.UUIDArray  `gorm:"column:card_ids;type:text"`
	ShortCount     int                `gorm:"column:short_count;not null;default:0"`
	GatewayTradeNo *string            `gorm:"column:gateway_trade_no"`
	PaidAt         *time.Time         `gorm:"column:paid_at"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// Short reports whether the order was fulfilled with fewer cards than paid for.
func (o *CardOrder) Short() bool {
	return o.ShortCount > 0
}
