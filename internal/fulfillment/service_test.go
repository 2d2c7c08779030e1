package fulfillment

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yuhenglin/cardvault-backend/internal/inventory"
	"github.com/yuhenglin/cardvault-backend/internal/ledger"
	"github.com/yuhenglin/cardvault-backend/internal/links"
	"github.com/yuhenglin/cardvault-backend/internal/merchants"
	"github.com/yuhenglin/cardvault-backend/pkg/auth"
	"github.com/yuhenglin/cardvault-backend/pkg/config"
	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
	"github.com/yuhenglin/cardvault-backend/pkg/epay"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/pagination"
)

const (
	testMerchantID = "m-100"
	testEpayKey    = "sk_test_secret"
)

type fixture struct {
	db      *gorm.DB
	service Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := "file:fulfillment_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	err = conn.AutoMigrate(
		&models.CardLink{},
		&models.Card{},
		&models.CardOrder{},
		&models.MerchantSettings{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	settings := models.MerchantSettings{MerchantID: testMerchantID, EpayPID: "1001", EpayKey: testEpayKey}
	if err := conn.Create(&settings).Error; err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	cfg := &config.Config{
		App:     config.AppConfig{Env: "test", BaseURL: "https://vault.test"},
		Gateway: config.GatewayConfig{SubmitURL: "https://gateway.test/submit.php"},
		Orders:  config.OrdersConfig{MaxQuantityPerOrder: 10, TitleMaxRunes: 20},
	}
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})

	service, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		Txn:      db.FromGorm(conn),
		Links:    links.NewRepository(conn),
		Ledger:   ledger.NewRepository(conn),
		Cards:    inventory.NewStore(conn),
		Settings: merchants.NewRepository(conn),
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return &fixture{db: conn, service: service}
}

func (f *fixture) seedLink(t *testing.T, mode enums.CardMode, price int64, secrets ...string) *models.CardLink {
	t.Helper()

	bundleSize := 1
	if mode == enums.CardModeBundle {
		bundleSize = 2
	}
	stock := len(secrets)
	if mode == enums.CardModeBundle {
		stock = len(secrets) / bundleSize
	}
	if mode == enums.CardModeShared {
		stock = 0
	}

	link := &models.CardLink{
		ID:           uuid.New(),
		MerchantID:   testMerchantID,
		MerchantName: "Test Shop",
		ShortCode:    "c" + uuid.NewString()[:7],
		Title:        "Gift Card",
		Price:        decimal.NewFromInt(price),
		Mode:         mode,
		BundleSize:   bundleSize,
		StockLimit:   stock,
		IsActive:     true,
	}
	if err := f.db.Create(link).Error; err != nil {
		t.Fatalf("seed link: %v", err)
	}
	for _, secret := range secrets {
		card := models.Card{ID: uuid.New(), LinkID: link.ID, Secret: secret, State: enums.CardStateAvailable}
		if err := f.db.Create(&card).Error; err != nil {
			t.Fatalf("seed card: %v", err)
		}
	}
	return link
}

func (f *fixture) reloadLink(t *testing.T, id uuid.UUID) *models.CardLink {
	t.Helper()
	var link models.CardLink
	if err := f.db.First(&link, "id = ?", id).Error; err != nil {
		t.Fatalf("reload link: %v", err)
	}
	return &link
}

func signedNotification(tradeNo, money string) epay.Notification {
	params := map[string]string{
		"pid":          "1001",
		"trade_no":     "GW-" + tradeNo,
		"out_trade_no": tradeNo,
		"type":         "epay",
		"name":         "Gift Card",
		"money":        money,
		"trade_status": epay.TradeStatusSuccess,
		"sign_type":    "MD5",
	}
	params["sign"] = epay.Sign(params, testEpayKey)
	return epay.Notification{Params: params}
}

func TestNotificationFulfillsExclusiveOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 5, "S1", "S2", "S3")

	tradeNo := NewCardTradeNo(link.ShortCode, 2, testNow())
	if err := f.service.HandleNotification(ctx, signedNotification(tradeNo, "10.00")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	status, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != enums.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", status.Status)
	}
	if len(status.Secrets) != 2 {
		t.Fatalf("expected 2 secrets, got %v", status.Secrets)
	}
	if status.Secrets[0] == status.Secrets[1] {
		t.Fatalf("exclusive order must deliver distinct cards")
	}

	reloaded := f.reloadLink(t, link.ID)
	if reloaded.SoldCount != 2 {
		t.Fatalf("expected sold_count 2, got %d", reloaded.SoldCount)
	}
	if !reloaded.IsActive {
		t.Fatalf("link with remaining stock must stay active")
	}

	var sold int64
	if err := f.db.Model(&models.Card{}).Where("link_id = ? AND state = ?", link.ID, enums.CardStateSold).Count(&sold).Error; err != nil {
		t.Fatalf("count sold: %v", err)
	}
	if sold != 2 {
		t.Fatalf("expected 2 sold cards, got %d", sold)
	}
}

func TestDuplicateNotificationReturnsOriginalCards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 5, "S1", "S2", "S3")

	tradeNo := NewCardTradeNo(link.ShortCode, 1, testNow())
	notif := signedNotification(tradeNo, "5.00")
	if err := f.service.HandleNotification(ctx, notif); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	// Redelivery must ack without touching inventory.
	for i := 0; i < 3; i++ {
		if err := f.service.HandleNotification(ctx, notif); err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
	}

	second, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status after redelivery: %v", err)
	}
	if len(second.Secrets) != 1 || second.Secrets[0] != first.Secrets[0] {
		t.Fatalf("redelivery changed the delivered card: %v vs %v", first.Secrets, second.Secrets)
	}

	reloaded := f.reloadLink(t, link.ID)
	if reloaded.SoldCount != 1 {
		t.Fatalf("expected sold_count 1 after redeliveries, got %d", reloaded.SoldCount)
	}
}

func TestDrainingPoolDeactivatesLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 5, "S1", "S2")

	for i, qty := range []int{1, 1} {
		tradeNo := NewCardTradeNo(link.ShortCode, qty, testNow().Add(testOffset(i)))
		if err := f.service.HandleNotification(ctx, signedNotification(tradeNo, "5.00")); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	reloaded := f.reloadLink(t, link.ID)
	if reloaded.SoldCount != 2 {
		t.Fatalf("expected sold_count 2, got %d", reloaded.SoldCount)
	}
	if reloaded.IsActive {
		t.Fatalf("sold-out link must deactivate")
	}

	var available int64
	if err := f.db.Model(&models.Card{}).Where("link_id = ? AND state = ?", link.ID, enums.CardStateAvailable).Count(&available).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if available != 0 {
		t.Fatalf("expected empty pool, got %d available", available)
	}
}

func TestSharedNotificationReplicatesCard(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeShared, 2, "SHARED-SECRET")

	tradeNo := NewCardTradeNo(link.ShortCode, 3, testNow())
	if err := f.service.HandleNotification(ctx, signedNotification(tradeNo, "6.00")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	status, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Secrets) != 3 {
		t.Fatalf("expected 3 copies, got %v", status.Secrets)
	}
	for _, secret := range status.Secrets {
		if secret != "SHARED-SECRET" {
			t.Fatalf("expected replicated secret, got %q", secret)
		}
	}

	var card models.Card
	if err := f.db.First(&card, "link_id = ?", link.ID).Error; err != nil {
		t.Fatalf("load card: %v", err)
	}
	if card.State != enums.CardStateAvailable {
		t.Fatalf("shared card must stay available, got %s", card.State)
	}

	if f.reloadLink(t, link.ID).SoldCount != 3 {
		t.Fatalf("expected sold_count 3")
	}
}

func TestOversubscribedSharedAcknowledgedUnfilled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeShared, 1, "SHARED-SECRET")
	if err := f.db.Model(&models.CardLink{}).Where("id = ?", link.ID).Update("stock_limit", 2).Error; err != nil {
		t.Fatalf("cap link: %v", err)
	}

	tradeNo := NewCardTradeNo(link.ShortCode, 3, testNow())
	if err := f.service.HandleNotification(ctx, signedNotification(tradeNo, "3.00")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	status, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != enums.OrderStatusPending {
		t.Fatalf("over-capacity order must stay pending, got %s", status.Status)
	}
	if reloaded := f.reloadLink(t, link.ID); reloaded.SoldCount != 0 {
		t.Fatalf("sold_count must not move past the cap, got %d", reloaded.SoldCount)
	}
}

func TestOversubscribedExclusiveLeavesPoolIntact(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 2, "S1")

	tradeNo := NewCardTradeNo(link.ShortCode, 3, testNow())
	if err := f.service.HandleNotification(ctx, signedNotification(tradeNo, "6.00")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	status, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != enums.OrderStatusPending || len(status.Secrets) != 0 {
		t.Fatalf("over-capacity order must not be paid or reveal cards, got %s/%d", status.Status, len(status.Secrets))
	}

	var available int64
	if err := f.db.Model(&models.Card{}).Where("link_id = ? AND state = ?", link.ID, enums.CardStateAvailable).Count(&available).Error; err != nil {
		t.Fatalf("count cards: %v", err)
	}
	if available != 1 {
		t.Fatalf("no card may be claimed for an oversubscribed order, got %d available", available)
	}
	if reloaded := f.reloadLink(t, link.ID); reloaded.SoldCount != 0 {
		t.Fatalf("sold_count must stay 0, got %d", reloaded.SoldCount)
	}
}

func TestEmptyPoolHoldsOrderPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 5, "ONLY")
	// The counter advertises more than the pool holds, as after a lost card.
	if err := f.db.Model(&models.CardLink{}).Where("id = ?", link.ID).Update("stock_limit", 2).Error; err != nil {
		t.Fatalf("drift stock: %v", err)
	}

	drain := NewCardTradeNo(link.ShortCode, 1, testNow())
	if err := f.service.HandleNotification(ctx, signedNotification(drain, "5.00")); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Pool is empty; the next paid order gets acked but held pending.
	tradeNo := NewCardTradeNo(link.ShortCode, 1, testNow().Add(testOffset(1)))
	if err := f.service.HandleNotification(ctx, signedNotification(tradeNo, "5.00")); err != nil {
		t.Fatalf("empty pool delivery: %v", err)
	}

	status, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != enums.OrderStatusPending {
		t.Fatalf("expected pending, got %s", status.Status)
	}
	if len(status.Secrets) != 0 {
		t.Fatalf("pending order must not expose secrets")
	}
}

func TestPartialShortfallStillDelivers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 2, "S1")
	// Counter says three cards remain but only one secret is loaded, so the
	// claim loop comes up short after the capacity check passes.
	if err := f.db.Model(&models.CardLink{}).Where("id = ?", link.ID).Update("stock_limit", 3).Error; err != nil {
		t.Fatalf("drift stock: %v", err)
	}

	tradeNo := NewCardTradeNo(link.ShortCode, 3, testNow())
	if err := f.service.HandleNotification(ctx, signedNotification(tradeNo, "6.00")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	status, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != enums.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", status.Status)
	}
	if len(status.Secrets) != 1 || status.ShortCount != 2 {
		t.Fatalf("expected 1 delivered and 2 short, got %d/%d", len(status.Secrets), status.ShortCount)
	}
}

func TestBundleNotification(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeBundle, 8, "B1", "B2", "B3", "B4")

	tradeNo := NewCardTradeNo(link.ShortCode, 2, testNow())
	if err := f.service.HandleNotification(ctx, signedNotification(tradeNo, "16.00")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	status, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Secrets) != 4 {
		t.Fatalf("expected 4 cards for 2 bundles of 2, got %v", status.Secrets)
	}

	reloaded := f.reloadLink(t, link.ID)
	if reloaded.SoldCount != 2 {
		t.Fatalf("sold_count counts bundles, got %d", reloaded.SoldCount)
	}
	if reloaded.IsActive {
		t.Fatalf("drained bundle link must deactivate")
	}
}

func TestNotificationRejectsBadTradeStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	link := f.seedLink(t, enums.CardModeExclusive, 5, "S1")

	tradeNo := NewCardTradeNo(link.ShortCode, 1, testNow())
	notif := signedNotification(tradeNo, "5.00")
	notif.Params["trade_status"] = "WAIT_BUYER_PAY"

	err := f.service.HandleNotification(context.Background(), notif)
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMalformedTradeNoAcknowledged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	notif := signedNotification("CARD_bogus", "5.00")
	if err := f.service.HandleNotification(context.Background(), notif); err != nil {
		t.Fatalf("malformed trade number must be acked, got %v", err)
	}

	var orders int64
	if err := f.db.Model(&models.CardOrder{}).Count(&orders).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orders != 0 {
		t.Fatalf("nothing may be recorded for a malformed trade number")
	}
}

func TestUnknownLinkAcknowledged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tradeNo := NewCardTradeNo("zzzzzzzz", 1, testNow())
	notif := signedNotification(tradeNo, "5.00")
	if err := f.service.HandleNotification(context.Background(), notif); err != nil {
		t.Fatalf("unknown link must be acked, got %v", err)
	}
}

func TestNotificationToleratesBadSignature(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 5, "S1")

	tradeNo := NewCardTradeNo(link.ShortCode, 1, testNow())
	notif := signedNotification(tradeNo, "5.00")
	notif.Params["sign"] = "0000deadbeef0000deadbeef0000dead"

	if err := f.service.HandleNotification(ctx, notif); err != nil {
		t.Fatalf("handle: %v", err)
	}
	status, err := f.service.OrderStatus(ctx, tradeNo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != enums.OrderStatusPaid {
		t.Fatalf("payment must be honored despite signature mismatch, got %s", status.Status)
	}
}

func TestCheckoutCreatesPendingOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 7, "S1", "S2")

	resp, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 2})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !resp.Amount.Equal(decimal.NewFromInt(14)) {
		t.Fatalf("expected amount 14, got %s", resp.Amount)
	}
	if !epay.Verify(resp.Params, testEpayKey) {
		t.Fatalf("checkout params must self-verify")
	}
	if resp.Params["money"] != "14.00" {
		t.Fatalf("expected two-decimal money, got %q", resp.Params["money"])
	}
	if resp.Params["name"] != "Gift Card x2" {
		t.Fatalf("expected quantity suffix, got %q", resp.Params["name"])
	}
	if !strings.HasPrefix(resp.PayURL, "https://gateway.test/submit.php?") {
		t.Fatalf("unexpected pay url %q", resp.PayURL)
	}

	var order models.CardOrder
	if err := f.db.First(&order, "out_trade_no = ?", resp.OutTradeNo).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != enums.OrderStatusPending || order.Quantity != 2 {
		t.Fatalf("unexpected pending order %+v", order)
	}
}

func TestCheckoutTruncatesLongTitles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 1, "S1")
	long := strings.Repeat("礼品卡", 10)
	if err := f.db.Model(&models.CardLink{}).Where("id = ?", link.ID).Update("title", long).Error; err != nil {
		t.Fatalf("retitle: %v", err)
	}

	resp, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 1})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if got := []rune(resp.Params["name"]); len(got) != 20 {
		t.Fatalf("expected 20-rune name, got %d (%q)", len(got), resp.Params["name"])
	}
}

func TestCheckoutGuards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	t.Run("inactive link", func(t *testing.T) {
		link := f.seedLink(t, enums.CardModeExclusive, 5, "S1")
		if err := f.db.Model(&models.CardLink{}).Where("id = ?", link.ID).Update("is_active", false).Error; err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		_, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 1})
		if pkgerrors.CodeOf(err) != pkgerrors.CodeStateConflict {
			t.Fatalf("expected state conflict, got %v", err)
		}
	})

	t.Run("sold out", func(t *testing.T) {
		link := f.seedLink(t, enums.CardModeExclusive, 5, "S1")
		_, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 2})
		if pkgerrors.CodeOf(err) != pkgerrors.CodeSoldOut {
			t.Fatalf("expected sold out, got %v", err)
		}
	})

	t.Run("quantity cap", func(t *testing.T) {
		secrets := make([]string, 12)
		for i := range secrets {
			secrets[i] = "Q" + uuid.NewString()
		}
		link := f.seedLink(t, enums.CardModeExclusive, 5, secrets...)
		_, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 11})
		if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("trust level", func(t *testing.T) {
		link := f.seedLink(t, enums.CardModeExclusive, 5, "S1")
		if err := f.db.Model(&models.CardLink{}).Where("id = ?", link.ID).Update("min_trust_level", 2).Error; err != nil {
			t.Fatalf("set trust: %v", err)
		}
		if _, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 1}); pkgerrors.CodeOf(err) != pkgerrors.CodeUnauthorized {
			t.Fatalf("expected unauthorized for anonymous buyer, got %v", err)
		}
		low := &auth.Buyer{ID: "b1", Username: "alice", TrustLevel: 1}
		if _, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 1, Buyer: low}); pkgerrors.CodeOf(err) != pkgerrors.CodeForbidden {
			t.Fatalf("expected forbidden for low trust, got %v", err)
		}
		ok := &auth.Buyer{ID: "b2", Username: "bob", TrustLevel: 3}
		if _, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 1, Buyer: ok}); err != nil {
			t.Fatalf("expected success for trusted buyer, got %v", err)
		}
	})

	t.Run("per-buyer limit", func(t *testing.T) {
		link := f.seedLink(t, enums.CardModeExclusive, 5, "S1", "S2", "S3")
		if err := f.db.Model(&models.CardLink{}).Where("id = ?", link.ID).Update("per_buyer_limit", 2).Error; err != nil {
			t.Fatalf("set limit: %v", err)
		}
		buyer := &auth.Buyer{ID: "b3", Username: "carol", TrustLevel: 0}
		if _, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 2, Buyer: buyer}); err != nil {
			t.Fatalf("first purchase: %v", err)
		}
		if _, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 1, Buyer: buyer}); pkgerrors.CodeOf(err) != pkgerrors.CodeForbidden {
			t.Fatalf("expected forbidden past the limit, got %v", err)
		}
	})
}

func TestBuyerAttributionFlowsToCards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 5, "S1")
	buyer := &auth.Buyer{ID: "b9", Username: "dave", TrustLevel: 1}

	resp, err := f.service.Checkout(ctx, CheckoutRequest{ShortCode: link.ShortCode, Quantity: 1, Buyer: buyer})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := f.service.HandleNotification(ctx, signedNotification(resp.OutTradeNo, "5.00")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var card models.Card
	if err := f.db.First(&card, "link_id = ? AND state = ?", link.ID, enums.CardStateSold).Error; err != nil {
		t.Fatalf("load card: %v", err)
	}
	if card.BuyerID == nil || *card.BuyerID != "b9" {
		t.Fatalf("expected buyer attribution, got %+v", card.BuyerID)
	}

	orders, _, err := f.service.BuyerOrders(ctx, "b9", paginationParams(10))
	if err != nil {
		t.Fatalf("buyer orders: %v", err)
	}
	if len(orders) != 1 || orders[0].OutTradeNo != resp.OutTradeNo {
		t.Fatalf("expected the buyer's order, got %+v", orders)
	}
}

// singleConn funnels every goroutine through one sqlite connection so races
// exercise the service's guards instead of the driver's lock errors.
func (f *fixture) singleConn(t *testing.T) {
	t.Helper()
	sqlDB, err := f.db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
}

func TestConcurrentNotificationsSettleOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.singleConn(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 5, "S1", "S2", "S3")

	tradeNo := NewCardTradeNo(link.ShortCode, 1, testNow())
	notif := signedNotification(tradeNo, "5.00")

	const racers = 6
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.service.HandleNotification(ctx, notif)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("every delivery must be acked, got %v", err)
		}
	}

	var paid int64
	if err := f.db.Model(&models.CardOrder{}).Where("out_trade_no = ? AND status = ?", tradeNo, enums.OrderStatusPaid).Count(&paid).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if paid != 1 {
		t.Fatalf("expected exactly one paid order, got %d", paid)
	}

	var sold int64
	if err := f.db.Model(&models.Card{}).Where("link_id = ? AND state = ?", link.ID, enums.CardStateSold).Count(&sold).Error; err != nil {
		t.Fatalf("count cards: %v", err)
	}
	if sold != 1 {
		t.Fatalf("racing duplicates must settle exactly one card, got %d sold", sold)
	}
	if reloaded := f.reloadLink(t, link.ID); reloaded.SoldCount != 1 {
		t.Fatalf("sold_count must move once, got %d", reloaded.SoldCount)
	}
}

func TestConcurrentDrainDeactivatesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.singleConn(t)
	ctx := context.Background()
	link := f.seedLink(t, enums.CardModeExclusive, 5, "S1", "S2")

	const buyers = 4
	errs := make(chan error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tradeNo := NewCardTradeNo(link.ShortCode, 1, testNow().Add(testOffset(i)))
			errs <- f.service.HandleNotification(ctx, signedNotification(tradeNo, "5.00"))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("every delivery must be acked, got %v", err)
		}
	}

	var paid int64
	if err := f.db.Model(&models.CardOrder{}).Where("link_id = ? AND status = ?", link.ID, enums.OrderStatusPaid).Count(&paid).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if paid != 2 {
		t.Fatalf("only the pool's two cards may be sold, got %d paid orders", paid)
	}
	if reloaded := f.reloadLink(t, link.ID); reloaded.SoldCount != 2 || reloaded.IsActive {
		t.Fatalf("drained link must read sold_count 2 and inactive, got %d/%v", reloaded.SoldCount, reloaded.IsActive)
	}
}

func testNow() time.Time {
	return time.Now()
}

// testOffset spaces trade number timestamps so same-link tokens stay unique.
func testOffset(i int) time.Duration {
	return time.Duration(i+1) * 10 * time.Millisecond
}

func paginationParams(limit int) pagination.Params {
	return pagination.Params{Limit: limit}
}

func TestOrderStatusUnknownReadsPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	status, err := f.service.OrderStatus(context.Background(), "CARD_nothere_1_1700000000000")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != enums.OrderStatusPending {
		t.Fatalf("unknown order must read pending, got %s", status.Status)
	}
}
