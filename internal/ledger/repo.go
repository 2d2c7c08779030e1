package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	dbtypes "github.com/yuhenglin/cardvault-backend/pkg/db/types"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
	"github.com/yuhenglin/cardvault-backend/pkg/pagination"
)

// Repository is the order ledger: one durable row per purchase attempt,
// keyed by the merchant-generated trade number.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds an order ledger bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// GetByTradeNo loads the order for a trade number, or (nil, nil) when absent.
func (r *Repository) GetByTradeNo(ctx context.Context, tradeNo string) (*models.CardOrder, error) {
	var order models.CardOrder
	err := r.db.WithContext(ctx).Where("out_trade_no = ?", tradeNo).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return &order, nil
}

// CreatePending inserts a pending order before the buyer is redirected to the
// gateway. The unique trade-number index makes a second insert with the same
// token a conflict rather than a silent duplicate.
func (r *Repository) CreatePending(ctx context.Context, order *models.CardOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.Status = enums.OrderStatusPending
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		if db.IsUniqueViolation(err, "uq_card_orders_out_trade_no") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "trade number already used")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create pending order")
	}
	return nil
}

// PaidUpdate carries the terminal state written by MarkPaid.
type PaidUpdate struct {
	Amount         decimal.Decimal
	GatewayTradeNo string
	CardIDs        dbtypes.UUIDArray
	ShortCount     int
}

// MarkPaid transitions pending->paid exactly once. The guarded WHERE clause
// is the primary defense against duplicate notification delivery: a second
// caller matches zero rows and is told so, never an error.
func (r *Repository) MarkPaid(ctx context.Context, tradeNo string, update PaidUpdate) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.CardOrder{}).
		Where("out_trade_no = ? AND status = ?", tradeNo, enums.OrderStatusPending).
		Updates(map[string]any{
			"status":           enums.OrderStatusPaid,
			"amount":           update.Amount,
			"gateway_trade_no": update.GatewayTradeNo,
			"card_ids":         update.CardIDs,
			"short_count":      update.ShortCount,
			"paid_at":          now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "mark order paid")
	}
	return res.RowsAffected > 0, nil
}

// CreatePaidDirect inserts an already-paid order for the path where no
// pending row exists (buyer unauthenticated at payment time). A unique
// violation means a concurrent delivery won the race; callers treat it as a
// duplicate, not a failure.
func (r *Repository) CreatePaidDirect(ctx context.Context, order *models.CardOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := time.Now().UTC()
	order.Status = enums.OrderStatusPaid
	order.PaidAt = &now
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		if db.IsUniqueViolation(err, "uq_card_orders_out_trade_no") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "order already recorded")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create paid order")
	}
	return nil
}

// CountBuyerQuantity sums the purchase quantity a buyer already holds against
// a link, pending rows included, for per-buyer limit checks.
func (r *Repository) CountBuyerQuantity(ctx context.Context, linkID uuid.UUID, buyerID string) (int, error) {
	var total *int
	err := r.db.WithContext(ctx).
		Model(&models.CardOrder{}).
		Select("SUM(quantity)").
		Where("link_id = ? AND buyer_id = ?", linkID, buyerID).
		Scan(&total).Error
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count buyer quantity")
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// ListByBuyer returns a buyer's orders newest first, with an opaque cursor
// for the next page when one exists.
func (r *Repository) ListByBuyer(ctx context.Context, buyerID string, params pagination.Params) ([]models.CardOrder, string, error) {
	query := r.db.WithContext(ctx).Where("buyer_id = ?", buyerID)

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	if cursor != nil {
		query = query.Where(
			"created_at < ? OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}

	limit := pagination.NormalizeLimit(params.Limit)
	var orders []models.CardOrder
	err = query.
		Order("created_at DESC, id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&orders).Error
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list buyer orders")
	}

	next := ""
	if len(orders) > limit {
		orders = orders[:limit]
		last := orders[len(orders)-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return orders, next, nil
}

// ListShortOrders returns paid orders fulfilled with fewer cards than paid
// for; the operator reconciliation queue.
func (r *Repository) ListShortOrders(ctx context.Context, params pagination.Params) ([]models.CardOrder, error) {
	var orders []models.CardOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND short_count > 0", enums.OrderStatusPaid).
		Order("created_at DESC").
		Limit(pagination.NormalizeLimit(params.Limit)).
		Find(&orders).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list short orders")
	}
	return orders, nil
}

// HasPaidOrder reports whether a paid order exists for the trade number;
// used by the sweeper to decide whether a reserved card has an owner.
func (r *Repository) HasPaidOrder(ctx context.Context, tradeNo string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.CardOrder{}).
		Where("out_trade_no = ? AND status = ?", tradeNo, enums.OrderStatusPaid).
		Count(&n).Error
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check paid order")
	}
	return n > 0, nil
}
