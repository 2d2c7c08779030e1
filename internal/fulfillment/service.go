package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/yuhenglin/cardvault-backend/internal/allocation"
	"github.com/yuhenglin/cardvault-backend/internal/inventory"
	"github.com/yuhenglin/cardvault-backend/internal/ledger"
	"github.com/yuhenglin/cardvault-backend/internal/links"
	"github.com/yuhenglin/cardvault-backend/internal/merchants"
	"github.com/yuhenglin/cardvault-backend/pkg/auth"
	"github.com/yuhenglin/cardvault-backend/pkg/config"
	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	dbtypes "github.com/yuhenglin/cardvault-backend/pkg/db/types"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
	"github.com/yuhenglin/cardvault-backend/pkg/epay"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/metrics"
	"github.com/yuhenglin/cardvault-backend/pkg/pagination"
)

// Out-of-band outcomes inside the fulfillment transaction. Both roll the
// transaction back, undoing any card claims made along the way.
var (
	errDuplicateDelivery = errors.New("order already fulfilled by a concurrent delivery")
	errEmptyPool         = errors.New("no cards available for a paid order")
)

// Service owns the buyer-facing purchase flow: checkout, the payment
// notification that triggers allocation, and order status lookups.
type Service interface {
	Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error)
	HandleNotification(ctx context.Context, notif epay.Notification) error
	OrderStatus(ctx context.Context, tradeNo string) (*OrderStatusView, error)
	BuyerOrders(ctx context.Context, buyerID string, params pagination.Params) ([]models.CardOrder, string, error)
}

type service struct {
	cfg      *config.Config
	logger   *logger.Logger
	txn      db.TxRunner
	links    *links.Repository
	ledger   *ledger.Repository
	cards    *inventory.Store
	settings *merchants.Repository
	metrics  *metrics.FulfillmentMetrics
}

// ServiceParams bundles the dependencies required to build the service.
type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	Txn      db.TxRunner
	Links    *links.Repository
	Ledger   *ledger.Repository
	Cards    *inventory.Store
	Settings *merchants.Repository
	Metrics  *metrics.FulfillmentMetrics
}

// NewService constructs the fulfillment service.
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
	if params.Links == nil {
		return nil, fmt.Errorf("links repository is required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("order ledger is required")
	}
	if params.Cards == nil {
		return nil, fmt.Errorf("card store is required")
	}
	if params.Settings == nil {
		return nil, fmt.Errorf("merchant settings repository is required")
	}
	if params.Metrics == nil {
		params.Metrics = metrics.NewFulfillmentMetrics(nil)
	}
	return &service{
		cfg:      params.Config,
		logger:   params.Logger,
		txn:      params.Txn,
		links:    params.Links,
		ledger:   params.Ledger,
		cards:    params.Cards,
		settings: params.Settings,
		metrics:  params.Metrics,
	}, nil
}

// CheckoutRequest describes a buyer's intent to purchase from a link.
type CheckoutRequest struct {
	ShortCode string
	Quantity  int
	Buyer     *auth.Buyer
	ReturnURL string
}

// CheckoutResponse carries everything a client needs to send the buyer to the
// gateway: the signed field set and the equivalent GET URL.
type CheckoutResponse struct {
	OutTradeNo string            `json:"out_trade_no"`
	Amount     decimal.Decimal   `json:"amount"`
	PayURL     string            `json:"pay_url"`
	Params     map[string]string `json:"params"`
}

// OrderStatusView is the buyer-facing order projection. Secrets appear only
// once the order is paid.
type OrderStatusView struct {
	OutTradeNo string            `json:"out_trade_no"`
	Status     enums.OrderStatus `json:"status"`
	Quantity   int               `json:"quantity,omitempty"`
	ShortCount int               `json:"short_count,omitempty"`
	Secrets    []string          `json:"secrets,omitempty"`
	PaidAt     *time.Time        `json:"paid_at,omitempty"`
}

func (s *service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	link, err := s.links.GetByShortCode(ctx, req.ShortCode)
	if err != nil {
		return nil, err
	}
	if !link.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "link is not accepting orders")
	}

	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	if quantity > s.cfg.Orders.MaxQuantityPerOrder {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity exceeds the per-order maximum")
	}

	if link.MinTrustLevel > 0 {
		if req.Buyer == nil {
			return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "sign in to purchase from this link")
		}
		if req.Buyer.TrustLevel < link.MinTrustLevel {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "trust level too low for this link")
		}
	}
	if link.PerBuyerLimit > 0 && req.Buyer != nil {
		held, err := s.ledger.CountBuyerQuantity(ctx, link.ID, req.Buyer.ID)
		if err != nil {
			return nil, err
		}
		if held+quantity > link.PerBuyerLimit {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "per-buyer purchase limit reached")
		}
	}

	// Advisory only. Capacity is enforced again, authoritatively, when the
	// payment notification arrives.
	if !link.Unlimited() && link.Remaining() < quantity {
		return nil, pkgerrors.New(pkgerrors.CodeSoldOut, "not enough stock remaining")
	}

	settings, err := s.settings.Get(ctx, link.MerchantID)
	if err != nil {
		return nil, err
	}

	tradeNo := NewCardTradeNo(link.ShortCode, quantity, time.Now())
	amount := link.Price.Mul(decimal.NewFromInt(int64(quantity)))
	order := &models.CardOrder{
		LinkID:     link.ID,
		OutTradeNo: tradeNo,
		Quantity:   quantity,
		Amount:     amount,
	}
	if req.Buyer != nil {
		order.BuyerID = &req.Buyer.ID
		order.BuyerName = &req.Buyer.Username
	}
	if err := s.ledger.CreatePending(ctx, order); err != nil {
		return nil, err
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = s.cfg.App.BaseURL + "/orders/" + tradeNo
	}
	params := epay.BuildPaymentParams(epay.PaymentRequest{
		PID:        settings.EpayPID,
		Secret:     settings.EpayKey,
		OutTradeNo: tradeNo,
		Name:       paymentName(link.Title, quantity, s.cfg.Orders.TitleMaxRunes),
		Money:      amount,
		NotifyURL:  s.cfg.App.BaseURL + "/webhooks/epay/notify",
		ReturnURL:  returnURL,
	})

	s.logger.Info(s.logger.WithTradeNo(ctx, tradeNo), "checkout created")
	return &CheckoutResponse{
		OutTradeNo: tradeNo,
		Amount:     amount,
		PayURL:     epay.PaymentURL(s.cfg.Gateway.SubmitURL, params),
		Params:     params,
	}, nil
}

// HandleNotification processes one gateway payment callback for the card
// flow. It is safe to call any number of times with the same trade number;
// exactly one call commits the allocation.
func (s *service) HandleNotification(ctx context.Context, notif epay.Notification) error {
	tradeNo := notif.OutTradeNo()
	ctx = s.logger.WithTradeNo(ctx, tradeNo)

	if notif.TradeStatus() != epay.TradeStatusSuccess {
		s.metrics.IncRejected("trade_status")
		return pkgerrors.New(pkgerrors.CodeValidation, "unexpected trade status")
	}
	// A trade number that cannot name an order is permanently bad; acking it
	// stops the gateway from redelivering it forever.
	token, err := ParseCardTradeNo(tradeNo)
	if err != nil {
		s.metrics.IncRejected("malformed_trade_no")
		s.logger.Warn(ctx, "malformed trade number acknowledged without processing")
		return nil
	}

	existing, err := s.ledger.GetByTradeNo(ctx, tradeNo)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == enums.OrderStatusPaid {
		s.metrics.IncDuplicate()
		s.logger.Info(ctx, "duplicate payment notification ignored")
		return nil
	}

	link, err := s.links.GetByShortCode(ctx, token.ShortCode)
	if err != nil {
		if pkgerrors.CodeOf(err) == pkgerrors.CodeNotFound {
			s.metrics.IncRejected("unknown_link")
			s.logger.Warn(ctx, "payment for unknown link acknowledged without processing")
			return nil
		}
		return err
	}
	settings, err := s.settings.Get(ctx, link.MerchantID)
	if err != nil {
		if pkgerrors.CodeOf(err) == pkgerrors.CodeNotFound {
			s.metrics.IncRejected("missing_settings")
			s.logger.Warn(ctx, "merchant gateway settings missing; notification acknowledged")
			return nil
		}
		return err
	}

	// A failed check is recorded but the payment is still honored: the money
	// has already moved, and trade numbers are not guessable.
	if !epay.Verify(notif.Params, settings.EpayKey) {
		s.logger.Warn(ctx, "signature verification failed on payment notification")
	}

	quantity := token.Quantity
	expected := link.Price.Mul(decimal.NewFromInt(int64(quantity)))
	if !notif.Money().Equal(expected) {
		s.logger.Warn(s.logger.WithFields(ctx, map[string]any{
			"paid":     notif.Money().String(),
			"expected": expected.String(),
		}), "paid amount differs from expected")
	}

	// Every capped mode advertises its capacity through the sold counter. A
	// notification asking for more than what is advertised is acked and
	// dropped before any card is touched; shipping short is reserved for
	// races that pass this check and then lose cards inside the claim loop.
	if !link.Unlimited() && link.Remaining() < quantity {
		s.metrics.IncRejected("capacity")
		s.logger.Warn(s.logger.WithFields(ctx, map[string]any{
			"remaining": link.Remaining(),
			"requested": quantity,
		}), "quantity exceeds advertised capacity; notification acknowledged")
		return nil
	}

	var shortCount int
	err = s.txn.WithTx(ctx, func(tx *gorm.DB) error {
		cards := s.cards.WithTx(tx)
		orders := s.ledger.WithTx(tx)
		products := s.links.WithTx(tx)

		result, err := allocation.Allocate(ctx, cards, link, quantity, tradeNo)
		if err != nil {
			return err
		}
		if len(result.Cards) == 0 {
			// A racing delivery may have drained the pool after this trade
			// was settled; tell that apart from a genuinely dry pool.
			row, err := orders.GetByTradeNo(ctx, tradeNo)
			if err != nil {
				return err
			}
			if row != nil && row.Status == enums.OrderStatusPaid {
				return errDuplicateDelivery
			}
			return errEmptyPool
		}
		shortCount = result.Missing

		ids := make(dbtypes.UUIDArray, 0, len(result.Cards))
		for _, card := range result.Cards {
			ids = append(ids, card.ID)
		}
		update := ledger.PaidUpdate{
			Amount:         notif.Money(),
			GatewayTradeNo: notif.GatewayTradeNo(),
			CardIDs:        ids,
			ShortCount:     shortCount,
		}

		transitioned, err := orders.MarkPaid(ctx, tradeNo, update)
		if err != nil {
			return err
		}
		if !transitioned {
			row, err := orders.GetByTradeNo(ctx, tradeNo)
			if err != nil {
				return err
			}
			if row != nil {
				return errDuplicateDelivery
			}
			gatewayNo := notif.GatewayTradeNo()
			direct := &models.CardOrder{
				LinkID:         link.ID,
				OutTradeNo:     tradeNo,
				Quantity:       quantity,
				Amount:         notif.Money(),
				CardIDs:        ids,
				ShortCount:     shortCount,
				GatewayTradeNo: &gatewayNo,
			}
			if err := orders.CreatePaidDirect(ctx, direct); err != nil {
				if pkgerrors.CodeOf(err) == pkgerrors.CodeConflict {
					return errDuplicateDelivery
				}
				return err
			}
		}

		var buyerID, buyerName *string
		if existing != nil {
			buyerID, buyerName = existing.BuyerID, existing.BuyerName
		}
		for _, card := range result.Claimed {
			if err := cards.MarkSold(ctx, card.ID, tradeNo, buyerID, buyerName); err != nil {
				return err
			}
		}

		if err := products.IncrementSold(ctx, link.ID, quantity); err != nil {
			return err
		}
		_, err = products.DeactivateIfExhausted(ctx, link.ID)
		return err
	})

	switch {
	case errors.Is(err, errDuplicateDelivery):
		s.metrics.IncDuplicate()
		s.logger.Info(ctx, "duplicate payment notification ignored")
		return nil
	case errors.Is(err, errEmptyPool):
		// The order stays pending so the gift can be delivered after a
		// restock. The gateway still gets an ack; retries cannot help.
		s.metrics.IncShortfall("empty")
		s.logger.Warn(ctx, "payment received with no cards available; order held pending")
		return nil
	case err != nil:
		return err
	}

	if shortCount > 0 {
		s.metrics.IncShortfall("partial")
		s.logger.Warn(s.logger.WithField(ctx, "short_count", shortCount), "order fulfilled short")
	}
	s.metrics.IncPaid(link.Mode.String())
	s.logger.Info(ctx, "order fulfilled")
	return nil
}

// OrderStatus reports an order as seen by the buyer polling after payment.
// Unknown trade numbers read as pending because the notification may simply
// not have arrived yet.
func (s *service) OrderStatus(ctx context.Context, tradeNo string) (*OrderStatusView, error) {
	if _, err := ParseCardTradeNo(tradeNo); err != nil {
		return nil, err
	}
	order, err := s.ledger.GetByTradeNo(ctx, tradeNo)
	if err != nil {
		return nil, err
	}
	if order == nil || order.Status != enums.OrderStatusPaid {
		return &OrderStatusView{OutTradeNo: tradeNo, Status: enums.OrderStatusPending}, nil
	}

	secrets, err := s.cards.SecretsByIDs(ctx, order.CardIDs)
	if err != nil {
		return nil, err
	}
	return &OrderStatusView{
		OutTradeNo: order.OutTradeNo,
		Status:     order.Status,
		Quantity:   order.Quantity,
		ShortCount: order.ShortCount,
		Secrets:    secrets,
		PaidAt:     order.PaidAt,
	}, nil
}

func (s *service) BuyerOrders(ctx context.Context, buyerID string, params pagination.Params) ([]models.CardOrder, string, error) {
	return s.ledger.ListByBuyer(ctx, buyerID, params)
}

// paymentName renders the gateway-facing product name. Long titles are cut to
// fit gateway form limits; multi-unit orders carry an xN suffix.
func paymentName(title string, quantity, maxRunes int) string {
	runes := []rune(title)
	if maxRunes > 0 && len(runes) > maxRunes {
		runes = runes[:maxRunes]
	}
	name := string(runes)
	if quantity > 1 {
		name = fmt.Sprintf("%s x%d", name, quantity)
	}
	return name
}
