package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yuhenglin/cardvault-backend/api/middleware"
	"github.com/yuhenglin/cardvault-backend/api/responses"
	"github.com/yuhenglin/cardvault-backend/api/validators"
	"github.com/yuhenglin/cardvault-backend/internal/fulfillment"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
)

type checkoutRequest struct {
	Quantity  int    `json:"quantity" validate:"min=0"`
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
}

// Checkout creates a pending order and returns the signed gateway redirect.
func Checkout(svc fulfillment.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "fulfillment service unavailable"))
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp, err := svc.Checkout(r.Context(), fulfillment.CheckoutRequest{
			ShortCode: chi.URLParam(r, "shortCode"),
			Quantity:  payload.Quantity,
			Buyer:     middleware.BuyerFromContext(r.Context()),
			ReturnURL: payload.ReturnURL,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, resp)
	}
}
