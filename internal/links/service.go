package links

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/yuhenglin/cardvault-backend/internal/inventory"
	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/pagination"
	"github.com/yuhenglin/cardvault-backend/pkg/shortcode"
)

const shortCodeRetries = 5

// Service manages the merchant-facing lifecycle of card links.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*models.CardLink, error)
	AddCards(ctx context.Context, merchantID string, linkID uuid.UUID, secrets []string) (*models.CardLink, error)
	Update(ctx context.Context, merchantID string, linkID uuid.UUID, req UpdateRequest) (*models.CardLink, error)
	SetActive(ctx context.Context, merchantID string, linkID uuid.UUID, active bool) error
	Delete(ctx context.Context, merchantID string, linkID uuid.UUID) error
	GetOwned(ctx context.Context, merchantID string, linkID uuid.UUID) (*models.CardLink, error)
	GetPublic(ctx context.Context, shortCode string) (*PublicView, error)
	List(ctx context.Context, merchantID string, params pagination.Params) ([]models.CardLink, string, error)
}

type service struct {
	repo   *Repository
	cards  cardStore
	txn    db.TxRunner
	logger *logger.Logger
}

type cardStore interface {
	Insert(ctx context.Context, cards []models.Card) error
	WithTx(tx *gorm.DB) *inventory.Store
	CountAvailable(ctx context.Context, linkID uuid.UUID) (int64, error)
}

// ServiceParams bundles the dependencies required to build a links service.
type ServiceParams struct {
	Repo   *Repository
	Cards  cardStore
	Txn    db.TxRunner
	Logger *logger.Logger
}

// NewService constructs a link management service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("links repository is required")
	}
	if params.Cards == nil {
		return nil, fmt.Errorf("card store is required")
	}
	if params.Txn == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &service{
		repo:   params.Repo,
		cards:  params.Cards,
		txn:    params.Txn,
		logger: params.Logger,
	}, nil
}

// CreateRequest carries the fields for a new link plus its initial card load.
type CreateRequest struct {
	MerchantID    string
	MerchantName  string
	Title         string
	Description   *string
	Price         decimal.Decimal
	Mode          enums.CardMode
	BundleSize    int
	MaxSales      int
	PerBuyerLimit int
	MinTrustLevel int
	CardSecrets   []string
}

// UpdateRequest carries optional field updates. Nil fields are left untouched.
type UpdateRequest struct {
	Title         *string
	Description   *string
	Price         *decimal.Decimal
	PerBuyerLimit *int
	MinTrustLevel *int
	MaxSales      *int
}

// PublicView is the buyer-facing projection of a link. Card secrets and
// merchant credentials never appear here.
type PublicView struct {
	ShortCode     string          `json:"short_code"`
	Title         string          `json:"title"`
	Description   *string         `json:"description,omitempty"`
	MerchantName  string          `json:"merchant_name"`
	Price         decimal.Decimal `json:"price"`
	Mode          enums.CardMode  `json:"mode"`
	BundleSize    int             `json:"bundle_size,omitempty"`
	Remaining     *int            `json:"remaining,omitempty"`
	PerBuyerLimit int             `json:"per_buyer_limit,omitempty"`
	MinTrustLevel int             `json:"min_trust_level,omitempty"`
	IsActive      bool            `json:"is_active"`
}

func (s *service) Create(ctx context.Context, req CreateRequest) (*models.CardLink, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.MerchantID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "merchant id is required")
	}
	if req.Title == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "title is required")
	}
	if !req.Mode.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid card mode")
	}
	if req.Price.IsNegative() || req.Price.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must be positive")
	}

	bundleSize := req.BundleSize
	switch req.Mode {
	case enums.CardModeBundle:
		if bundleSize < 2 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "bundle size must be at least 2")
		}
	default:
		bundleSize = 1
	}

	secrets := normalizeSecrets(req.CardSecrets)
	switch req.Mode {
	case enums.CardModeShared:
		if len(secrets) != 1 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "shared links carry exactly one card")
		}
	default:
		if len(secrets) == 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one card is required")
		}
	}

	link := &models.CardLink{
		ID:            uuid.New(),
		MerchantID:    req.MerchantID,
		MerchantName:  req.MerchantName,
		Title:         req.Title,
		Description:   req.Description,
		Price:         req.Price,
		Mode:          req.Mode,
		BundleSize:    bundleSize,
		StockLimit:    deriveStock(req.Mode, len(secrets), bundleSize, req.MaxSales),
		PerBuyerLimit: req.PerBuyerLimit,
		MinTrustLevel: req.MinTrustLevel,
		IsActive:      true,
	}

	// A unique violation aborts the whole transaction on Postgres, so the
	// short-code retry wraps the transaction rather than running inside it.
	var err error
	for attempt := 0; attempt < shortCodeRetries; attempt++ {
		link.ShortCode = shortcode.Generate()
		err = s.txn.WithTx(ctx, func(tx *gorm.DB) error {
			if err := s.repo.WithTx(tx).Create(ctx, link); err != nil {
				return err
			}
			return s.cards.WithTx(tx).Insert(ctx, buildCards(link.ID, secrets))
		})
		if err == nil || pkgerrors.CodeOf(err) != pkgerrors.CodeConflict {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	logCtx := s.logger.WithMerchantID(ctx, req.MerchantID)
	logCtx = s.logger.WithFields(logCtx, map[string]any{
		"link_id":    link.ID.String(),
		"short_code": link.ShortCode,
		"mode":       link.Mode.String(),
		"cards":      len(secrets),
	})
	s.logger.Info(logCtx, "card link created")
	return link, nil
}

func (s *service) AddCards(ctx context.Context, merchantID string, linkID uuid.UUID, secrets []string) (*models.CardLink, error) {
	secrets = normalizeSecrets(secrets)
	if len(secrets) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one card is required")
	}

	link, err := s.GetOwned(ctx, merchantID, linkID)
	if err != nil {
		return nil, err
	}
	if link.Mode == enums.CardModeShared {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "shared links cannot take additional cards")
	}

	delta := len(secrets)
	if link.Mode == enums.CardModeBundle {
		delta = capacityDelta(ctx, s.cards, link, len(secrets))
	}

	err = s.txn.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.cards.WithTx(tx).Insert(ctx, buildCards(link.ID, secrets)); err != nil {
			return err
		}
		if delta > 0 {
			if err := s.repo.WithTx(tx).AdjustStockLimit(ctx, link.ID, delta); err != nil {
				return err
			}
		}
		// Topping up a sold-out link makes it sellable again.
		return s.repo.WithTx(tx).UpdateFields(ctx, link.ID, map[string]any{"is_active": true})
	})
	if err != nil {
		return nil, err
	}

	return s.repo.GetByID(ctx, linkID)
}

func (s *service) Update(ctx context.Context, merchantID string, linkID uuid.UUID, req UpdateRequest) (*models.CardLink, error) {
	link, err := s.GetOwned(ctx, merchantID, linkID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "title cannot be empty")
		}
		fields["title"] = title
	}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.Price != nil {
		if req.Price.IsNegative() || req.Price.IsZero() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must be positive")
		}
		fields["price"] = *req.Price
	}
	if req.PerBuyerLimit != nil {
		fields["per_buyer_limit"] = *req.PerBuyerLimit
	}
	if req.MinTrustLevel != nil {
		fields["min_trust_level"] = *req.MinTrustLevel
	}
	if req.MaxSales != nil {
		if link.Mode != enums.CardModeShared {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "sales cap only applies to shared links")
		}
		fields["stock_limit"] = *req.MaxSales
	}
	if len(fields) == 0 {
		return link, nil
	}

	if err := s.repo.UpdateFields(ctx, linkID, fields); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, linkID)
}

func (s *service) SetActive(ctx context.Context, merchantID string, linkID uuid.UUID, active bool) error {
	if _, err := s.GetOwned(ctx, merchantID, linkID); err != nil {
		return err
	}
	return s.repo.UpdateFields(ctx, linkID, map[string]any{"is_active": active})
}

func (s *service) Delete(ctx context.Context, merchantID string, linkID uuid.UUID) error {
	link, err := s.GetOwned(ctx, merchantID, linkID)
	if err != nil {
		return err
	}
	if link.SoldCount > 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "links with sales history can only be deactivated")
	}
	return s.repo.Delete(ctx, linkID)
}

func (s *service) GetOwned(ctx context.Context, merchantID string, linkID uuid.UUID) (*models.CardLink, error) {
	link, err := s.repo.GetByID(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link.MerchantID != merchantID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "link belongs to another merchant")
	}
	return link, nil
}

func (s *service) GetPublic(ctx context.Context, shortCode string) (*PublicView, error) {
	link, err := s.repo.GetByShortCode(ctx, shortCode)
	if err != nil {
		return nil, err
	}

	view := &PublicView{
		ShortCode:     link.ShortCode,
		Title:         link.Title,
		Description:   link.Description,
		MerchantName:  link.MerchantName,
		Price:         link.Price,
		Mode:          link.Mode,
		PerBuyerLimit: link.PerBuyerLimit,
		MinTrustLevel: link.MinTrustLevel,
		IsActive:      link.IsActive,
	}
	if link.Mode == enums.CardModeBundle {
		view.BundleSize = link.BundleSize
	}
	if !link.Unlimited() {
		remaining := link.Remaining()
		if remaining < 0 {
			remaining = 0
		}
		view.Remaining = &remaining
	}
	return view, nil
}

func (s *service) List(ctx context.Context, merchantID string, params pagination.Params) ([]models.CardLink, string, error) {
	return s.repo.ListByMerchant(ctx, merchantID, params)
}

// deriveStock converts loaded card count into advertised purchase capacity.
func deriveStock(mode enums.CardMode, cardCount, bundleSize, maxSales int) int {
	switch mode {
	case enums.CardModeShared:
		if maxSales < 0 {
			return 0
		}
		return maxSales
	case enums.CardModeBundle:
		return cardCount / bundleSize
	default:
		return cardCount
	}
}

// capacityDelta computes how many extra whole bundles a top-up unlocks, given
// leftover cards from earlier loads.
func capacityDelta(ctx context.Context, store cardStore, link *models.CardLink, added int) int {
	available, err := store.CountAvailable(ctx, link.ID)
	if err != nil {
		// Conservative fallback: count only the whole bundles in this batch.
		return added / link.BundleSize
	}
	leftover := int(available) % link.BundleSize
	return (leftover + added) / link.BundleSize
}

func buildCards(linkID uuid.UUID, secrets []string) []models.Card {
	cards := make([]models.Card, 0, len(secrets))
	for _, secret := range secrets {
		cards = append(cards, models.Card{
			ID:     uuid.New(),
			LinkID: linkID,
			Secret: secret,
			State:  enums.CardStateAvailable,
		})
	}
	return cards
}

func normalizeSecrets(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, secret := range raw {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		if _, dup := seen[secret]; dup {
			continue
		}
		seen[secret] = struct{}{}
		out = append(out, secret)
	}
	return out
}

