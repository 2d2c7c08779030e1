package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yuhenglin/cardvault-backend/api/controllers"
	webhookcontrollers "github.com/yuhenglin/cardvault-backend/api/controllers/webhooks"
	"github.com/yuhenglin/cardvault-backend/api/middleware"
	"github.com/yuhenglin/cardvault-backend/internal/fulfillment"
	linksvc "github.com/yuhenglin/cardvault-backend/internal/links"
	"github.com/yuhenglin/cardvault-backend/internal/merchants"
	tipsvc "github.com/yuhenglin/cardvault-backend/internal/tips"
	"github.com/yuhenglin/cardvault-backend/pkg/config"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/redis"
)

// RouterParams carries everything the HTTP surface depends on. Redis may be
// nil; the notification guard then falls back to database-only dedupe.
type RouterParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          controllers.Pinger
	Redis       *redis.Client
	Links       linksvc.Service
	Tips        tipsvc.Service
	Fulfillment fulfillment.Service
	Settings    *merchants.Repository
}

func NewRouter(p RouterParams) http.Handler {
	cfg, logg := p.Config, p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"database": p.DB,
			"redis":    redisPinger(p.Redis),
		}))
	})

	// Gateway callback. No auth: the MD5 signature and the trade-number
	// ledger are the authenticity and idempotency checks.
	r.Route("/webhooks/epay", func(r chi.Router) {
		notify := webhookcontrollers.EpayNotify(webhookcontrollers.EpayNotifyParams{
			Cards:    p.Fulfillment,
			Tips:     p.Tips,
			Guard:    notifyGuard(p.Redis),
			GuardTTL: cfg.Redis.NotifyGuardTTL,
			Logger:   logg,
		})
		r.Get("/notify", notify)
		r.Post("/notify", notify)
	})

	// Buyer-facing surface. Checkout is optionally authenticated; links that
	// require a trust level reject anonymous buyers inside the service.
	r.Route("/api/v1/public", func(r chi.Router) {
		r.Use(middleware.OptionalUser(cfg.JWT, logg))
		r.Get("/links/{shortCode}", controllers.LinkPublicView(p.Links, logg))
		r.Post("/links/{shortCode}/checkout", controllers.Checkout(p.Fulfillment, logg))
		r.Get("/orders/{tradeNo}", controllers.OrderStatus(p.Fulfillment, logg))
		r.Get("/tips/{shortCode}", controllers.TipLinkPublicView(p.Tips, logg))
		r.Post("/tips/{shortCode}/checkout", controllers.TipCheckout(p.Tips, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser(cfg.JWT, logg))

		r.Get("/orders", controllers.MyOrders(p.Fulfillment, logg))

		r.Route("/merchant", func(r chi.Router) {
			r.Get("/settings", controllers.SettingsGet(p.Settings, logg))
			r.Put("/settings", controllers.SettingsPut(p.Settings, logg))

			r.Route("/links", func(r chi.Router) {
				r.Post("/", controllers.LinkCreate(p.Links, logg))
				r.Get("/", controllers.LinkList(p.Links, logg))
				r.Get("/{linkID}", controllers.LinkGet(p.Links, logg))
				r.Patch("/{linkID}", controllers.LinkUpdate(p.Links, logg))
				r.Post("/{linkID}/cards", controllers.LinkAddCards(p.Links, logg))
				r.Post("/{linkID}/active", controllers.LinkSetActive(p.Links, logg))
				r.Delete("/{linkID}", controllers.LinkDelete(p.Links, logg))
			})

			r.Route("/tips", func(r chi.Router) {
				r.Post("/", controllers.TipLinkCreate(p.Tips, logg))
				r.Get("/", controllers.TipLinkList(p.Tips, logg))
				r.Patch("/{linkID}", controllers.TipLinkUpdate(p.Tips, logg))
				r.Post("/{linkID}/active", controllers.TipLinkSetActive(p.Tips, logg))
			})
		})
	})

	return r
}

// redisPinger avoids a typed-nil interface when redis is not configured.
func redisPinger(client *redis.Client) controllers.Pinger {
	if client == nil {
		return nil
	}
	return client
}

func notifyGuard(client *redis.Client) webhookcontrollers.NotifyGuard {
	if client == nil {
		return nil
	}
	return client
}
