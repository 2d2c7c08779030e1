package links

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/pagination"
)

// Repository persists card links and their mutable stock counters.
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

// Create inserts a new link. Short code collisions surface as Conflict so the
// service can regenerate and retry.
func (r *Repository) Create(ctx context.Context, link *models.CardLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		if db.IsUniqueViolation(err, "uq_card_links_short_code") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "short code already in use")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create link")
	}
	return nil
}

// GetByID loads a link by primary key.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.CardLink, error) {
	var link models.CardLink
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "link not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load link")
	}
	return &link, nil
}

// GetByShortCode loads a link by its public short code. Inactive links are
// returned as well; visibility decisions belong to the caller.
func (r *Repository) GetByShortCode(ctx context.Context, code string) (*models.CardLink, error) {
	var link models.CardLink
	err := r.db.WithContext(ctx).Where("short_code = ?", code).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "link not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load link")
	}
	return &link, nil
}

// ListByMerchant returns a merchant's links newest first with cursor paging.
func (r *Repository) ListByMerchant(ctx context.Context, merchantID string, params pagination.Params) ([]models.CardLink, string, error) {
	query := r.db.WithContext(ctx).Where("merchant_id = ?", merchantID)

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
	var links []models.CardLink
	err = query.
		Order("created_at DESC, id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&links).Error
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list links")
	}

	next := ""
	if len(links) > limit {
		links = links[:limit]
		last := links[len(links)-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return links, next, nil
}

// UpdateFields applies a partial update to a merchant-owned link.
func (r *Repository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.CardLink{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update link")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "link not found")
	}
	return nil
}

// IncrementSold adds the paid quantity to sold_count. stock_limit is never
// touched here; it only moves when cards are loaded or the merchant edits it.
func (r *Repository) IncrementSold(ctx context.Context, id uuid.UUID, quantity int) error {
	res := r.db.WithContext(ctx).
		Model(&models.CardLink{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sold_count": gorm.Expr("sold_count + ?", quantity),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "increment sold count")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "link not found")
	}
	return nil
}

// AdjustStockLimit adds delta to the advertised capacity, used when cards are
// loaded into an existing pool.
func (r *Repository) AdjustStockLimit(ctx context.Context, id uuid.UUID, delta int) error {
	res := r.db.WithContext(ctx).
		Model(&models.CardLink{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"stock_limit": gorm.Expr("stock_limit + ?", delta),
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "adjust stock limit")
	}
	return nil
}

// DeactivateIfExhausted flips is_active off once a capped link has sold its
// full capacity. The guard is in the WHERE clause so a concurrent fulfillment
// cannot deactivate a link that still has stock.
func (r *Repository) DeactivateIfExhausted(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.CardLink{}).
		Where("id = ? AND stock_limit > 0 AND sold_count >= stock_limit AND is_active = ?", id, true).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "deactivate exhausted link")
	}
	return res.RowsAffected > 0, nil
}

// Delete removes a link and, through the FK cascade, its card pool. Links with
// paid history should be deactivated instead; the service enforces that.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.CardLink{})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "delete link")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "link not found")
	}
	return nil
}

