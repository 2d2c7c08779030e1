package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/yuhenglin/cardvault-backend/api/middleware"
	"github.com/yuhenglin/cardvault-backend/api/responses"
	"github.com/yuhenglin/cardvault-backend/api/validators"
	"github.com/yuhenglin/cardvault-backend/internal/fulfillment"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/pagination"
)

type orderSummary struct {
	OutTradeNo string            `json:"out_trade_no"`
	Status     enums.OrderStatus `json:"status"`
	Quantity   int               `json:"quantity"`
	Amount     decimal.Decimal   `json:"amount"`
	ShortCount int               `json:"short_count"`
	PaidAt     *time.Time        `json:"paid_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func newOrderSummary(order *models.CardOrder) orderSummary {
	return orderSummary{
		OutTradeNo: order.OutTradeNo,
		Status:     order.Status,
		Quantity:   order.Quantity,
		Amount:     order.Amount,
		ShortCount: order.ShortCount,
		PaidAt:     order.PaidAt,
		CreatedAt:  order.CreatedAt,
	}
}

// OrderStatus returns an order's state by trade number. For unpaid or unknown
// trade numbers the answer is always a bare pending view, so the endpoint
// leaks nothing about which orders exist.
func OrderStatus(svc fulfillment.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.OrderStatus(r.Context(), chi.URLParam(r, "tradeNo"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// MyOrders lists the authenticated buyer's orders, newest first.
func MyOrders(svc fulfillment.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buyer := middleware.BuyerFromContext(r.Context())
		if buyer == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		orders, next, err := svc.BuyerOrders(r.Context(), buyer.ID, pagination.Params{
			Limit:  limit,
			Cursor: r.URL.Query().Get("cursor"),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]orderSummary, 0, len(orders))
		for i := range orders {
			items = append(items, newOrderSummary(&orders[i]))
		}
		responses.WriteSuccess(w, map[string]any{"items": items, "next_cursor": next})
	}
}
