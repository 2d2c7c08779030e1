package tips

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
)

// Repository persists tip links and their settled payments.
type Repository struct {
	db *gorm.DB
}

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

func (r *Repository) Create(ctx context.Context, link *models.TipLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		if db.IsUniqueViolation(err, "uq_tip_links_short_code") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "short code already in use")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create tip link")
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.TipLink, error) {
	var link models.TipLink
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "tip link not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load tip link")
	}
	return &link, nil
}

func (r *Repository) GetByShortCode(ctx context.Context, code string) (*models.TipLink, error) {
	var link models.TipLink
	err := r.db.WithContext(ctx).Where("short_code = ?", code).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "tip link not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load tip link")
	}
	return &link, nil
}

func (r *Repository) ListByMerchant(ctx context.Context, merchantID string) ([]models.TipLink, error) {
	var links []models.TipLink
	err := r.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		Order("created_at DESC").
		Find(&links).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list tip links")
	}
	return links, nil
}

func (r *Repository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.TipLink{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update tip link")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "tip link not found")
	}
	return nil
}

// RecordPayment inserts the settled payment row. Conflict means the same
// notification already landed.
func (r *Repository) RecordPayment(ctx context.Context, payment *models.TipPayment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		if db.IsUniqueViolation(err, "uq_tip_payments_out_trade_no") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "tip payment already recorded")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record tip payment")
	}
	return nil
}

// AddToTotals bumps the link's running totals by one settled payment.
func (r *Repository) AddToTotals(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	res := r.db.WithContext(ctx).
		Model(&models.TipLink{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_received": gorm.Expr("total_received + ?", amount),
			"tip_count":      gorm.Expr("tip_count + 1"),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update tip totals")
	}
	return nil
}
