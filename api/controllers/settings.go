package controllers

import (
	"net/http"
	"strings"

	"github.com/yuhenglin/cardvault-backend/api/middleware"
	"github.com/yuhenglin/cardvault-backend/api/responses"
	"github.com/yuhenglin/cardvault-backend/api/validators"
	"github.com/yuhenglin/cardvault-backend/internal/merchants"
	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
)

type settingsRequest struct {
	EpayPID string `json:"epay_pid" validate:"required"`
	EpayKey string `json:"epay_key" validate:"required"`
}

type settingsResponse struct {
	EpayPID string `json:"epay_pid"`
	// The key is write-only. Only a masked tail comes back so a merchant can
	// recognize which key is on file.
	EpayKeyHint string `json:"epay_key_hint"`
}

func newSettingsResponse(settings *models.MerchantSettings) settingsResponse {
	return settingsResponse{
		EpayPID:     settings.EpayPID,
		EpayKeyHint: maskKey(settings.EpayKey),
	}
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

// SettingsGet returns the merchant's gateway credentials, key masked.
func SettingsGet(repo *merchants.Repository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant := middleware.BuyerFromContext(r.Context())
		if merchant == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		settings, err := repo.Get(r.Context(), merchant.ID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSettingsResponse(settings))
	}
}

// SettingsPut stores or replaces the merchant's gateway credentials.
func SettingsPut(repo *merchants.Repository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant := middleware.BuyerFromContext(r.Context())
		if merchant == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		var payload settingsRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		settings := &models.MerchantSettings{
			MerchantID: merchant.ID,
			EpayPID:    payload.EpayPID,
			EpayKey:    payload.EpayKey,
		}
		if err := repo.Upsert(r.Context(), settings); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSettingsResponse(settings))
	}
}
