package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yuhenglin/cardvault-backend/api/middleware"
	"github.com/yuhenglin/cardvault-backend/api/responses"
	"github.com/yuhenglin/cardvault-backend/api/validators"
	tipsvc "github.com/yuhenglin/cardvault-backend/internal/tips"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
)

type createTipLinkRequest struct {
	Title         string   `json:"title" validate:"required,max=120"`
	Description   *string  `json:"description"`
	PresetAmounts []string `json:"preset_amounts"`
	MinAmount     string   `json:"min_amount"`
	MaxAmount     string   `json:"max_amount"`
	AllowCustom   bool     `json:"allow_custom"`
}

type updateTipLinkRequest struct {
	Title         *string  `json:"title"`
	Description   *string  `json:"description"`
	PresetAmounts []string `json:"preset_amounts"`
	MinAmount     *string  `json:"min_amount"`
	MaxAmount     *string  `json:"max_amount"`
	AllowCustom   *bool    `json:"allow_custom"`
}

type tipCheckoutRequest struct {
	Amount    string `json:"amount" validate:"required"`
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
}

type tipLinkResponse struct {
	ID            uuid.UUID       `json:"id"`
	ShortCode     string          `json:"short_code"`
	Title         string          `json:"title"`
	Description   *string         `json:"description,omitempty"`
	MinAmount     decimal.Decimal `json:"min_amount"`
	MaxAmount     decimal.Decimal `json:"max_amount"`
	AllowCustom   bool            `json:"allow_custom"`
	TotalReceived decimal.Decimal `json:"total_received"`
	TipCount      int             `json:"tip_count"`
	IsActive      bool            `json:"is_active"`
}

func newTipLinkResponse(link *models.TipLink) tipLinkResponse {
	return tipLinkResponse{
		ID:            link.ID,
		ShortCode:     link.ShortCode,
		Title:         link.Title,
		Description:   link.Description,
		MinAmount:     link.MinAmount,
		MaxAmount:     link.MaxAmount,
		AllowCustom:   link.AllowCustom,
		TotalReceived: link.TotalReceived,
		TipCount:      link.TipCount,
		IsActive:      link.IsActive,
	}
}

func parseAmounts(raw []string) ([]decimal.Decimal, error) {
	amounts := make([]decimal.Decimal, 0, len(raw))
	for _, v := range raw {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid preset amount")
		}
		amounts = append(amounts, amount)
	}
	return amounts, nil
}

func parseOptionalAmount(raw *string, field string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	amount, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+field)
	}
	return &amount, nil
}

// TipLinkCreate handles creation of a tip link.
func TipLinkCreate(svc tipsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant := middleware.BuyerFromContext(r.Context())
		if merchant == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		var payload createTipLinkRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		presets, err := parseAmounts(payload.PresetAmounts)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		req := tipsvc.CreateRequest{
			MerchantID:    merchant.ID,
			MerchantName:  merchant.Username,
			Title:         payload.Title,
			Description:   payload.Description,
			PresetAmounts: presets,
			AllowCustom:   payload.AllowCustom,
		}
		if payload.MinAmount != "" {
			if req.MinAmount, err = decimal.NewFromString(payload.MinAmount); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid min amount"))
				return
			}
		}
		if payload.MaxAmount != "" {
			if req.MaxAmount, err = decimal.NewFromString(payload.MaxAmount); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid max amount"))
				return
			}
		}

		link, err := svc.Create(r.Context(), req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newTipLinkResponse(link))
	}
}

// TipLinkList returns the merchant's tip links.
func TipLinkList(svc tipsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant := middleware.BuyerFromContext(r.Context())
		if merchant == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		links, err := svc.List(r.Context(), merchant.ID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := make([]tipLinkResponse, 0, len(links))
		for i := range links {
			items = append(items, newTipLinkResponse(&links[i]))
		}
		responses.WriteSuccess(w, map[string]any{"items": items})
	}
}

// TipLinkUpdate applies a partial update to a merchant-owned tip link.
func TipLinkUpdate(svc tipsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant, linkID, err := ownedLinkParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload updateTipLinkRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		req := tipsvc.UpdateRequest{
			Title:       payload.Title,
			Description: payload.Description,
			AllowCustom: payload.AllowCustom,
		}
		if payload.PresetAmounts != nil {
			if req.PresetAmounts, err = parseAmounts(payload.PresetAmounts); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		if req.MinAmount, err = parseOptionalAmount(payload.MinAmount, "min amount"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if req.MaxAmount, err = parseOptionalAmount(payload.MaxAmount, "max amount"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		link, err := svc.Update(r.Context(), merchant.ID, linkID, req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newTipLinkResponse(link))
	}
}

// TipLinkSetActive toggles whether the tip link accepts payments.
func TipLinkSetActive(svc tipsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant, linkID, err := ownedLinkParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload setActiveRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.SetActive(r.Context(), merchant.ID, linkID, payload.IsActive); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"is_active": payload.IsActive})
	}
}

// TipLinkPublicView returns the buyer-facing projection by short code.
func TipLinkPublicView(svc tipsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.GetPublic(r.Context(), chi.URLParam(r, "shortCode"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// TipCheckout builds the signed gateway redirect for a tip.
func TipCheckout(svc tipsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "tips service unavailable"))
			return
		}

		var payload tipCheckoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		amount, err := decimal.NewFromString(payload.Amount)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid amount"))
			return
		}

		resp, err := svc.Checkout(r.Context(), chi.URLParam(r, "shortCode"), amount, payload.ReturnURL)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, resp)
	}
}
