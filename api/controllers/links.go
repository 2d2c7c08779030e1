package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yuhenglin/cardvault-backend/api/middleware"
	"github.com/yuhenglin/cardvault-backend/api/responses"
	"github.com/yuhenglin/cardvault-backend/api/validators"
	linksvc "github.com/yuhenglin/cardvault-backend/internal/links"
	"github.com/yuhenglin/cardvault-backend/pkg/auth"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/pagination"
)

type createLinkRequest struct {
	Title         string   `json:"title" validate:"required,max=120"`
	Description   *string  `json:"description"`
	Price         string   `json:"price" validate:"required"`
	Mode          string   `json:"mode" validate:"required,oneof=exclusive shared bundle"`
	BundleSize    int      `json:"bundle_size" validate:"min=0"`
	MaxSales      int      `json:"max_sales" validate:"min=0"`
	PerBuyerLimit int      `json:"per_buyer_limit" validate:"min=0"`
	MinTrustLevel int      `json:"min_trust_level" validate:"min=0"`
	CardSecrets   []string `json:"card_secrets"`
}

type updateLinkRequest struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	Price         *string `json:"price"`
	PerBuyerLimit *int    `json:"per_buyer_limit"`
	MinTrustLevel *int    `json:"min_trust_level"`
	MaxSales      *int    `json:"max_sales"`
}

type addCardsRequest struct {
	CardSecrets []string `json:"card_secrets" validate:"required,min=1"`
}

type setActiveRequest struct {
	IsActive bool `json:"is_active"`
}

type linkResponse struct {
	ID            uuid.UUID       `json:"id"`
	ShortCode     string          `json:"short_code"`
	Title         string          `json:"title"`
	Description   *string         `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Mode          enums.CardMode  `json:"mode"`
	BundleSize    int             `json:"bundle_size"`
	StockLimit    int             `json:"stock_limit"`
	SoldCount     int             `json:"sold_count"`
	PerBuyerLimit int             `json:"per_buyer_limit"`
	MinTrustLevel int             `json:"min_trust_level"`
	IsActive      bool            `json:"is_active"`
}

func newLinkResponse(link *models.CardLink) linkResponse {
	return linkResponse{
		ID:            link.ID,
		ShortCode:     link.ShortCode,
		Title:         link.Title,
		Description:   link.Description,
		Price:         link.Price,
		Mode:          link.Mode,
		BundleSize:    link.BundleSize,
		StockLimit:    link.StockLimit,
		SoldCount:     link.SoldCount,
		PerBuyerLimit: link.PerBuyerLimit,
		MinTrustLevel: link.MinTrustLevel,
		IsActive:      link.IsActive,
	}
}

// LinkCreate handles creation of a card link with its initial pool.
func LinkCreate(svc linksvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "links service unavailable"))
			return
		}

		merchant := middleware.BuyerFromContext(r.Context())
		if merchant == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		var payload createLinkRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		price, err := decimal.NewFromString(payload.Price)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid price"))
			return
		}
		mode, err := enums.ParseCardMode(payload.Mode)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid mode"))
			return
		}

		link, err := svc.Create(r.Context(), linksvc.CreateRequest{
			MerchantID:    merchant.ID,
			MerchantName:  merchant.Username,
			Title:         payload.Title,
			Description:   payload.Description,
			Price:         price,
			Mode:          mode,
			BundleSize:    payload.BundleSize,
			MaxSales:      payload.MaxSales,
			PerBuyerLimit: payload.PerBuyerLimit,
			MinTrustLevel: payload.MinTrustLevel,
			CardSecrets:   payload.CardSecrets,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newLinkResponse(link))
	}
}

// LinkList returns the merchant's links, newest first.
func LinkList(svc linksvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant := middleware.BuyerFromContext(r.Context())
		if merchant == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		links, next, err := svc.List(r.Context(), merchant.ID, pagination.Params{
			Limit:  limit,
			Cursor: r.URL.Query().Get("cursor"),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]linkResponse, 0, len(links))
		for i := range links {
			items = append(items, newLinkResponse(&links[i]))
		}
		responses.WriteSuccess(w, map[string]any{"items": items, "next_cursor": next})
	}
}

// LinkGet returns one merchant-owned link.
func LinkGet(svc linksvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant, linkID, err := ownedLinkParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		link, err := svc.GetOwned(r.Context(), merchant.ID, linkID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newLinkResponse(link))
	}
}

// LinkUpdate applies a partial update to a merchant-owned link.
func LinkUpdate(svc linksvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant, linkID, err := ownedLinkParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload updateLinkRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		req := linksvc.UpdateRequest{
			Title:         payload.Title,
			Description:   payload.Description,
			PerBuyerLimit: payload.PerBuyerLimit,
			MinTrustLevel: payload.MinTrustLevel,
			MaxSales:      payload.MaxSales,
		}
		if payload.Price != nil {
			price, err := decimal.NewFromString(*payload.Price)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid price"))
				return
			}
			req.Price = &price
		}

		link, err := svc.Update(r.Context(), merchant.ID, linkID, req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newLinkResponse(link))
	}
}

// LinkAddCards loads additional cards into an existing pool.
func LinkAddCards(svc linksvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant, linkID, err := ownedLinkParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload addCardsRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		link, err := svc.AddCards(r.Context(), merchant.ID, linkID, payload.CardSecrets)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newLinkResponse(link))
	}
}

// LinkSetActive toggles whether the link accepts new orders.
func LinkSetActive(svc linksvc.Service, logg *logger.Logger) http.HandlerFunc {
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

// LinkDelete removes a link without sales history.
func LinkDelete(svc linksvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant, linkID, err := ownedLinkParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.Delete(r.Context(), merchant.ID, linkID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusOK, map[string]any{"deleted": true})
	}
}

// LinkPublicView returns the buyer-facing projection by short code.
func LinkPublicView(svc linksvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "shortCode")
		view, err := svc.GetPublic(r.Context(), code)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func ownedLinkParams(r *http.Request) (*auth.Buyer, uuid.UUID, error) {
	merchant := middleware.BuyerFromContext(r.Context())
	if merchant == nil {
		return nil, uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	linkID, err := uuid.Parse(chi.URLParam(r, "linkID"))
	if err != nil {
		return nil, uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid link id")
	}
	return merchant, linkID, nil
}
