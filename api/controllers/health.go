package controllers

import (
	"context"
	"net/http"

	"github.com/yuhenglin/cardvault-backend/api/responses"
	"github.com/yuhenglin/cardvault-backend/pkg/config"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
)

// Pinger is implemented by the database and redis clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-CardVault-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when every backing store answers a ping.
// A nil dependency is skipped so the sweeper and API can share this handler.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-CardVault-Env", cfg.App.Env)
		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(r.Context()); err != nil {
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" is unreachable"))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
