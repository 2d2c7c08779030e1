package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/yuhenglin/cardvault-backend/pkg/enums"
)

// Card is one redeemable secret belonging to a card link.
//
// The available->reserved transition is the sole serialization point keeping
// two buyers from receiving the same exclusive-mode card; it must happen as a
// single guarded UPDATE.
type Card struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	LinkID         uuid.UUID       `gorm:"column:link_id;type:uuid;not null;index:idx_cards_link_state"`
	Secret         string          `gorm:"column:secret;not null"`
	State          enums.CardState `gorm:"column:state;not null;default:available;index:idx_cards_link_state"`
	ReservationTag *string         `gorm:"column:reservation_tag;index"`
	OrderTradeNo   *string         `gorm:"column:order_trade_no;index"`
	BuyerID        *string         `gorm:"column:buyer_id"`
	BuyerName      *string         `gorm:"column:buyer_name"`
	SoldAt         *time.Time      `gorm:"column:sold_at"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
