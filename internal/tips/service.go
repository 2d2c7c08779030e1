package tips

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/yuhenglin/cardvault-backend/internal/fulfillment"
	"github.com/yuhenglin/cardvault-backend/internal/merchants"
	"github.com/yuhenglin/cardvault-backend/pkg/config"
	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	"github.com/yuhenglin/cardvault-backend/pkg/epay"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/shortcode"
)

var errDuplicateTip = errors.New("tip payment already recorded")

// Service owns no-inventory tip links: merchant CRUD, buyer checkout, and the
// settlement notification.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*models.TipLink, error)
	Update(ctx context.Context, merchantID string, linkID uuid.UUID, req UpdateRequest) (*models.TipLink, error)
	SetActive(ctx context.Context, merchantID string, linkID uuid.UUID, active bool) error
	List(ctx context.Context, merchantID string) ([]models.TipLink, error)
	GetPublic(ctx context.Context, shortCode string) (*PublicView, error)
	Checkout(ctx context.Context, shortCode string, amount decimal.Decimal, returnURL string) (*CheckoutResponse, error)
	HandleNotification(ctx context.Context, notif epay.Notification) error
}

type service struct {
	cfg      *config.Config
	logger   *logger.Logger
	txn      db.TxRunner
	repo     *Repository
	settings *merchants.Repository
}

// ServiceParams bundles the dependencies required to build a tips service.
type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	Txn      db.TxRunner
	Repo     *Repository
	Settings *merchants.Repository
}

// NewService constructs a tips service.
func NewService(params ServiceParams) (Service, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.Txn == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("tips repository is required")
	}
	if params.Settings == nil {
		return nil, fmt.Errorf("merchant settings repository is required")
	}
	return &service{
		cfg:      params.Config,
		logger:   params.Logger,
		txn:      params.Txn,
		repo:     params.Repo,
		settings: params.Settings,
	}, nil
}

// CreateRequest carries the fields for a new tip link.
type CreateRequest struct {
	MerchantID    string
	MerchantName  string
	Title         string
	Description   *string
	PresetAmounts []decimal.Decimal
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	AllowCustom   bool
}

// UpdateRequest carries optional field updates. Nil fields are left untouched.
type UpdateRequest struct {
	Title         *string
	Description   *string
	PresetAmounts []decimal.Decimal
	MinAmount     *decimal.Decimal
	MaxAmount     *decimal.Decimal
	AllowCustom   *bool
}

// PublicView is the buyer-facing projection of a tip link.
type PublicView struct {
	ShortCode     string            `json:"short_code"`
	Title         string            `json:"title"`
	Description   *string           `json:"description,omitempty"`
	MerchantName  string            `json:"merchant_name"`
	PresetAmounts []decimal.Decimal `json:"preset_amounts"`
	MinAmount     decimal.Decimal   `json:"min_amount"`
	MaxAmount     decimal.Decimal   `json:"max_amount"`
	AllowCustom   bool              `json:"allow_custom"`
	IsActive      bool              `json:"is_active"`
}

// CheckoutResponse mirrors the card flow: signed fields plus the GET URL.
type CheckoutResponse struct {
	OutTradeNo string            `json:"out_trade_no"`
	Amount     decimal.Decimal   `json:"amount"`
	PayURL     string            `json:"pay_url"`
	Params     map[string]string `json:"params"`
}

func (s *service) Create(ctx context.Context, req CreateRequest) (*models.TipLink, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.MerchantID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "merchant id is required")
	}
	if req.Title == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "title is required")
	}
	if req.MinAmount.IsNegative() || req.MinAmount.IsZero() {
		req.MinAmount = decimal.NewFromInt(1)
	}
	if req.MaxAmount.LessThan(req.MinAmount) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "max amount must be at least min amount")
	}
	presets, err := encodePresets(req.PresetAmounts)
	if err != nil {
		return nil, err
	}

	link := &models.TipLink{
		ID:            uuid.New(),
		MerchantID:    req.MerchantID,
		MerchantName:  req.MerchantName,
		Title:         req.Title,
		Description:   req.Description,
		PresetAmounts: presets,
		MinAmount:     req.MinAmount,
		MaxAmount:     req.MaxAmount,
		AllowCustom:   req.AllowCustom,
		TotalReceived: decimal.Zero,
		IsActive:      true,
	}
	for attempt := 0; ; attempt++ {
		link.ShortCode = shortcode.Generate()
		err := s.repo.Create(ctx, link)
		if err == nil {
			break
		}
		if pkgerrors.CodeOf(err) != pkgerrors.CodeConflict || attempt >= 4 {
			return nil, err
		}
	}
	return link, nil
}

func (s *service) Update(ctx context.Context, merchantID string, linkID uuid.UUID, req UpdateRequest) (*models.TipLink, error) {
	link, err := s.owned(ctx, merchantID, linkID)
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
	if req.PresetAmounts != nil {
		presets, err := encodePresets(req.PresetAmounts)
		if err != nil {
			return nil, err
		}
		fields["preset_amounts"] = presets
	}
	if req.MinAmount != nil {
		fields["min_amount"] = *req.MinAmount
	}
	if req.MaxAmount != nil {
		fields["max_amount"] = *req.MaxAmount
	}
	if req.AllowCustom != nil {
		fields["allow_custom"] = *req.AllowCustom
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
	if _, err := s.owned(ctx, merchantID, linkID); err != nil {
		return err
	}
	return s.repo.UpdateFields(ctx, linkID, map[string]any{"is_active": active})
}

func (s *service) List(ctx context.Context, merchantID string) ([]models.TipLink, error) {
	return s.repo.ListByMerchant(ctx, merchantID)
}

func (s *service) GetPublic(ctx context.Context, shortCode string) (*PublicView, error) {
	link, err := s.repo.GetByShortCode(ctx, shortCode)
	if err != nil {
		return nil, err
	}
	presets, err := decodePresets(link.PresetAmounts)
	if err != nil {
		return nil, err
	}
	return &PublicView{
		ShortCode:     link.ShortCode,
		Title:         link.Title,
		Description:   link.Description,
		MerchantName:  link.MerchantName,
		PresetAmounts: presets,
		MinAmount:     link.MinAmount,
		MaxAmount:     link.MaxAmount,
		AllowCustom:   link.AllowCustom,
		IsActive:      link.IsActive,
	}, nil
}

func (s *service) Checkout(ctx context.Context, shortCode string, amount decimal.Decimal, returnURL string) (*CheckoutResponse, error) {
	link, err := s.repo.GetByShortCode(ctx, shortCode)
	if err != nil {
		return nil, err
	}
	if !link.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "tip link is not accepting payments")
	}
	if err := s.validateAmount(link, amount); err != nil {
		return nil, err
	}

	settings, err := s.settings.Get(ctx, link.MerchantID)
	if err != nil {
		return nil, err
	}

	tradeNo := fulfillment.NewTipTradeNo(link.ShortCode, time.Now())
	if returnURL == "" {
		returnURL = s.cfg.App.BaseURL + "/tips/" + link.ShortCode
	}
	params := epay.BuildPaymentParams(epay.PaymentRequest{
		PID:        settings.EpayPID,
		Secret:     settings.EpayKey,
		OutTradeNo: tradeNo,
		Name:       link.Title,
		Money:      amount,
		NotifyURL:  s.cfg.App.BaseURL + "/webhooks/epay/notify",
		ReturnURL:  returnURL,
	})
	return &CheckoutResponse{
		OutTradeNo: tradeNo,
		Amount:     amount,
		PayURL:     epay.PaymentURL(s.cfg.Gateway.SubmitURL, params),
		Params:     params,
	}, nil
}

// HandleNotification settles one tip payment. Unlike the card flow there is
// nothing to deliver, so a signature failure rejects the notification
// outright.
func (s *service) HandleNotification(ctx context.Context, notif epay.Notification) error {
	tradeNo := notif.OutTradeNo()
	ctx = s.logger.WithTradeNo(ctx, tradeNo)

	if notif.TradeStatus() != epay.TradeStatusSuccess {
		return pkgerrors.New(pkgerrors.CodeValidation, "unexpected trade status")
	}
	// Permanently unresolvable notifications are acked so the gateway stops
	// redelivering them.
	shortCode, err := fulfillment.ParseTipTradeNo(tradeNo)
	if err != nil {
		s.logger.Warn(ctx, "malformed tip trade number acknowledged without processing")
		return nil
	}
	link, err := s.repo.GetByShortCode(ctx, shortCode)
	if err != nil {
		if pkgerrors.CodeOf(err) == pkgerrors.CodeNotFound {
			s.logger.Warn(ctx, "tip for unknown link acknowledged without processing")
			return nil
		}
		return err
	}
	settings, err := s.settings.Get(ctx, link.MerchantID)
	if err != nil {
		if pkgerrors.CodeOf(err) == pkgerrors.CodeNotFound {
			s.logger.Warn(ctx, "merchant gateway settings missing; tip acknowledged")
			return nil
		}
		return err
	}
	if !epay.Verify(notif.Params, settings.EpayKey) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "signature verification failed")
	}

	amount := notif.Money()
	if amount.IsNegative() || amount.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid tip amount")
	}

	err = s.txn.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		gatewayNo := notif.GatewayTradeNo()
		payment := &models.TipPayment{
			LinkID:         link.ID,
			OutTradeNo:     tradeNo,
			GatewayTradeNo: &gatewayNo,
			Amount:         amount,
		}
		if err := repo.RecordPayment(ctx, payment); err != nil {
			if pkgerrors.CodeOf(err) == pkgerrors.CodeConflict {
				return errDuplicateTip
			}
			return err
		}
		return repo.AddToTotals(ctx, link.ID, amount)
	})
	if errors.Is(err, errDuplicateTip) {
		s.logger.Info(ctx, "duplicate tip notification ignored")
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info(s.logger.WithField(ctx, "amount", amount.String()), "tip recorded")
	return nil
}

func (s *service) owned(ctx context.Context, merchantID string, linkID uuid.UUID) (*models.TipLink, error) {
	link, err := s.repo.GetByID(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link.MerchantID != merchantID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "tip link belongs to another merchant")
	}
	return link, nil
}

func (s *service) validateAmount(link *models.TipLink, amount decimal.Decimal) error {
	if amount.IsNegative() || amount.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if amount.LessThan(link.MinAmount) || amount.GreaterThan(link.MaxAmount) {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount is outside the allowed range")
	}
	if link.AllowCustom {
		return nil
	}
	presets, err := decodePresets(link.PresetAmounts)
	if err != nil {
		return err
	}
	for _, preset := range presets {
		if amount.Equal(preset) {
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "amount must be one of the preset values")
}

func encodePresets(presets []decimal.Decimal) (string, error) {
	if len(presets) == 0 {
		return "[5,10,20,50]", nil
	}
	for _, p := range presets {
		if p.IsNegative() || p.IsZero() {
			return "", pkgerrors.New(pkgerrors.CodeValidation, "preset amounts must be positive")
		}
	}
	raw, err := json.Marshal(presets)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode preset amounts")
	}
	return string(raw), nil
}

func decodePresets(raw string) ([]decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var presets []decimal.Decimal
	if err := json.Unmarshal([]byte(raw), &presets); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode preset amounts")
	}
	return presets, nil
}
