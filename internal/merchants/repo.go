package merchants

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
)

// Repository persists per-merchant payment gateway credentials.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Get loads a merchant's gateway settings. Missing settings are a NotFound
// error because no payment flow can proceed without them.
func (r *Repository) Get(ctx context.Context, merchantID string) (*models.MerchantSettings, error) {
	var settings models.MerchantSettings
	err := r.db.WithContext(ctx).Where("merchant_id = ?", merchantID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "merchant settings not configured")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load merchant settings")
	}
	return &settings, nil
}

// Upsert stores or replaces the merchant's gateway credentials.
func (r *Repository) Upsert(ctx context.Context, settings *models.MerchantSettings) error {
	settings.EpayPID = strings.TrimSpace(settings.EpayPID)
	settings.EpayKey = strings.TrimSpace(settings.EpayKey)
	if settings.MerchantID == "" || settings.EpayPID == "" || settings.EpayKey == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "merchant id, gateway pid and key are required")
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "merchant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"epay_pid", "epay_key", "updated_at"}),
		}).
		Create(settings).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save merchant settings")
	}
	return nil
}
