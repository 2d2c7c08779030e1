package links

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yuhenglin/cardvault-backend/internal/inventory"
	"github.com/yuhenglin/cardvault-backend/pkg/db"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/pagination"
)

func newTestService(t *testing.T) (*gorm.DB, Service) {
	t.Helper()

	dsn := "file:links_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(&models.CardLink{}, &models.Card{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	service, err := NewService(ServiceParams{
		Repo:   NewRepository(conn),
		Cards:  inventory.NewStore(conn),
		Txn:    db.FromGorm(conn),
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return conn, service
}

func createRequest(mode enums.CardMode, secrets ...string) CreateRequest {
	req := CreateRequest{
		MerchantID:   "m-1",
		MerchantName: "Shop",
		Title:        "Steam Key",
		Price:        decimal.NewFromInt(10),
		Mode:         mode,
		CardSecrets:  secrets,
	}
	if mode == enums.CardModeBundle {
		req.BundleSize = 3
	}
	return req
}

func TestCreateExclusiveLink(t *testing.T) {
	t.Parallel()

	conn, service := newTestService(t)
	link, err := service.Create(context.Background(), createRequest(enums.CardModeExclusive, "K1", "K2", "K3"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if link.StockLimit != 3 {
		t.Fatalf("exclusive stock tracks loaded cards, got %d", link.StockLimit)
	}
	if len(link.ShortCode) != 8 {
		t.Fatalf("expected 8-char short code, got %q", link.ShortCode)
	}

	var cards int64
	if err := conn.Model(&models.Card{}).Where("link_id = ?", link.ID).Count(&cards).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if cards != 3 {
		t.Fatalf("expected 3 cards, got %d", cards)
	}
}

func TestCreateDeduplicatesSecrets(t *testing.T) {
	t.Parallel()

	conn, service := newTestService(t)
	link, err := service.Create(context.Background(), createRequest(enums.CardModeExclusive, "K1", " K1 ", "K2", ""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var cards int64
	if err := conn.Model(&models.Card{}).Where("link_id = ?", link.ID).Count(&cards).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if cards != 2 {
		t.Fatalf("expected 2 distinct cards, got %d", cards)
	}
	if link.StockLimit != 2 {
		t.Fatalf("stock must count distinct cards, got %d", link.StockLimit)
	}
}

func TestCreateBundleDerivesWholeBundles(t *testing.T) {
	t.Parallel()

	_, service := newTestService(t)
	link, err := service.Create(context.Background(), createRequest(enums.CardModeBundle, "K1", "K2", "K3", "K4", "K5", "K6", "K7"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if link.StockLimit != 2 {
		t.Fatalf("7 cards at bundle size 3 is 2 bundles, got %d", link.StockLimit)
	}
}

func TestCreateSharedRequiresSingleCard(t *testing.T) {
	t.Parallel()

	_, service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Create(ctx, createRequest(enums.CardModeShared, "K1", "K2")); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for two cards, got %v", err)
	}

	req := createRequest(enums.CardModeShared, "K1")
	req.MaxSales = 50
	link, err := service.Create(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if link.StockLimit != 50 {
		t.Fatalf("shared stock is the sales cap, got %d", link.StockLimit)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	_, service := newTestService(t)
	ctx := context.Background()

	noCards := createRequest(enums.CardModeExclusive)
	if _, err := service.Create(ctx, noCards); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for empty pool, got %v", err)
	}

	freeReq := createRequest(enums.CardModeExclusive, "K1")
	freeReq.Price = decimal.Zero
	if _, err := service.Create(ctx, freeReq); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for zero price, got %v", err)
	}

	tinyBundle := createRequest(enums.CardModeBundle, "K1", "K2")
	tinyBundle.BundleSize = 1
	if _, err := service.Create(ctx, tinyBundle); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for bundle size 1, got %v", err)
	}
}

func TestAddCardsTopsUpAndReactivates(t *testing.T) {
	t.Parallel()

	conn, service := newTestService(t)
	ctx := context.Background()

	link, err := service.Create(ctx, createRequest(enums.CardModeExclusive, "K1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := conn.Model(&models.CardLink{}).Where("id = ?", link.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	updated, err := service.AddCards(ctx, "m-1", link.ID, []string{"K2", "K3"})
	if err != nil {
		t.Fatalf("add cards: %v", err)
	}
	if updated.StockLimit != 3 {
		t.Fatalf("expected stock 3 after top-up, got %d", updated.StockLimit)
	}
	if !updated.IsActive {
		t.Fatalf("top-up must reactivate the link")
	}
}

func TestAddCardsBundleCountsWholeBundles(t *testing.T) {
	t.Parallel()

	_, service := newTestService(t)
	ctx := context.Background()

	link, err := service.Create(ctx, createRequest(enums.CardModeBundle, "K1", "K2", "K3", "K4"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if link.StockLimit != 1 {
		t.Fatalf("4 cards at size 3 is 1 bundle, got %d", link.StockLimit)
	}

	// One leftover plus two new cards completes a second bundle.
	updated, err := service.AddCards(ctx, "m-1", link.ID, []string{"K5", "K6"})
	if err != nil {
		t.Fatalf("add cards: %v", err)
	}
	if updated.StockLimit != 2 {
		t.Fatalf("expected stock 2 after completing a bundle, got %d", updated.StockLimit)
	}
}

func TestAddCardsRejectsSharedAndForeign(t *testing.T) {
	t.Parallel()

	_, service := newTestService(t)
	ctx := context.Background()

	shared, err := service.Create(ctx, createRequest(enums.CardModeShared, "K1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.AddCards(ctx, "m-1", shared.ID, []string{"K2"}); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for shared top-up, got %v", err)
	}

	owned, err := service.Create(ctx, createRequest(enums.CardModeExclusive, "K1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.AddCards(ctx, "someone-else", owned.ID, []string{"K2"}); pkgerrors.CodeOf(err) != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden for foreign merchant, got %v", err)
	}
}

func TestDeleteGuardsSalesHistory(t *testing.T) {
	t.Parallel()

	conn, service := newTestService(t)
	ctx := context.Background()

	link, err := service.Create(ctx, createRequest(enums.CardModeExclusive, "K1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := conn.Model(&models.CardLink{}).Where("id = ?", link.ID).Update("sold_count", 1).Error; err != nil {
		t.Fatalf("mark sold: %v", err)
	}
	if err := service.Delete(ctx, "m-1", link.ID); pkgerrors.CodeOf(err) != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}

	fresh, err := service.Create(ctx, createRequest(enums.CardModeExclusive, "K9"))
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if err := service.Delete(ctx, "m-1", fresh.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestGetPublicProjection(t *testing.T) {
	t.Parallel()

	_, service := newTestService(t)
	ctx := context.Background()

	link, err := service.Create(ctx, createRequest(enums.CardModeExclusive, "SECRET-1", "SECRET-2"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	view, err := service.GetPublic(ctx, link.ShortCode)
	if err != nil {
		t.Fatalf("get public: %v", err)
	}
	if view.Remaining == nil || *view.Remaining != 2 {
		t.Fatalf("expected remaining 2, got %+v", view.Remaining)
	}

	req := createRequest(enums.CardModeShared, "SECRET-3")
	shared, err := service.Create(ctx, req)
	if err != nil {
		t.Fatalf("create shared: %v", err)
	}
	sharedView, err := service.GetPublic(ctx, shared.ShortCode)
	if err != nil {
		t.Fatalf("get shared: %v", err)
	}
	if sharedView.Remaining != nil {
		t.Fatalf("unlimited links must not advertise remaining stock")
	}
}

func TestListPaginates(t *testing.T) {
	t.Parallel()

	_, service := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := service.Create(ctx, createRequest(enums.CardModeExclusive, "K"+uuid.NewString())); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	page, next, err := service.List(ctx, "m-1", pagination.Params{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || next == "" {
		t.Fatalf("expected a full page with cursor, got %d/%q", len(page), next)
	}
	rest, _, err := service.List(ctx, "m-1", pagination.Params{Limit: 2, Cursor: next})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining link, got %d", len(rest))
	}
}
