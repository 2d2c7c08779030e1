package webhooks

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/yuhenglin/cardvault-backend/api/responses"
	"github.com/yuhenglin/cardvault-backend/internal/fulfillment"
	"github.com/yuhenglin/cardvault-backend/internal/tips"
	"github.com/yuhenglin/cardvault-backend/pkg/epay"
	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/redis"
)

const guardScope = "epay_notify"

// NotifyGuard is the optional redis fast path that short-circuits gateway
// redelivery before it reaches the database. The database unique constraint
// on trade numbers remains the authority; the guard only sheds load.
type NotifyGuard interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

var _ NotifyGuard = (*redis.Client)(nil)

// EpayNotifyParams wires the two payment flows into one callback endpoint.
type EpayNotifyParams struct {
	Cards    fulfillment.Service
	Tips     tips.Service
	Guard    NotifyGuard
	GuardTTL time.Duration
	Logger   *logger.Logger
}

// EpayNotify handles the gateway's server-to-server payment callback. The
// gateway retries until it reads a plain "success" body, so every handled
// outcome, including duplicates, acks with that exact body.
func EpayNotify(p EpayNotifyParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values := notificationValues(r)
		notif := epay.ParseNotification(values)
		tradeNo := notif.OutTradeNo()
		ctx := p.Logger.WithTradeNo(r.Context(), tradeNo)

		if tradeNo == "" || notif.TradeStatus() != epay.TradeStatusSuccess {
			p.Logger.Warn(ctx, "notification dropped: not a settled trade")
			responses.WritePlain(w, http.StatusBadRequest, "fail")
			return
		}

		if p.Guard != nil {
			key := p.Guard.IdempotencyKey(guardScope, tradeNo)
			fresh, err := p.Guard.SetNX(ctx, key, time.Now().Unix(), p.GuardTTL)
			if err != nil {
				// The guard is best effort; the database still dedupes.
				p.Logger.Warn(ctx, "notification guard unavailable")
			} else if !fresh {
				responses.WritePlain(w, http.StatusOK, "success")
				return
			}
			defer func() {
				if err := recover(); err != nil {
					_ = p.Guard.Del(ctx, key)
					panic(err)
				}
			}()
		}

		var err error
		switch {
		case fulfillment.IsCardTradeNo(tradeNo):
			err = p.Cards.HandleNotification(ctx, notif)
		case fulfillment.IsTipTradeNo(tradeNo):
			err = p.Tips.HandleNotification(ctx, notif)
		default:
			// No retry can ever make this trade number resolvable.
			p.Logger.Warn(ctx, "unrecognized trade number acknowledged without processing")
			responses.WritePlain(w, http.StatusOK, "success")
			return
		}

		if err != nil {
			if p.Guard != nil {
				// Clear the guard so the gateway's retry gets a real attempt.
				_ = p.Guard.Del(ctx, p.Guard.IdempotencyKey(guardScope, tradeNo))
			}
			p.Logger.Error(ctx, "notification handling failed", err)
			responses.WritePlain(w, http.StatusBadRequest, "fail")
			return
		}

		responses.WritePlain(w, http.StatusOK, "success")
	}
}

// notificationValues accepts both delivery styles the gateway uses: GET with
// query parameters and POST with form fields.
func notificationValues(r *http.Request) url.Values {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil && len(r.PostForm) > 0 {
			return r.PostForm
		}
	}
	return r.URL.Query()
}
