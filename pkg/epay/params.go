package epay

import (
	"net/url"

	"github.com/shopspring/decimal"
)

const (
	payType  = "epay"
	signType = "MD5"

	// TradeStatusSuccess is the only trade_status worth fulfilling.
	TradeStatusSuccess = "TRADE_SUCCESS"
)

// PaymentRequest describes one outbound payment to be submitted to the
// gateway as auto-posting form fields.
type PaymentRequest struct {
	PID        string
	Secret     string
	OutTradeNo string
	Name       string
	Money      decimal.Decimal
	NotifyURL  string
	ReturnURL  string
}

// BuildPaymentParams renders the signed field set the gateway expects. Money
// is always formatted with two decimals.
func BuildPaymentParams(req PaymentRequest) map[string]string {
	params := map[string]string{
		"pid":          req.PID,
		"type":         payType,
		"out_trade_no": req.OutTradeNo,
		"name":         req.Name,
		"money":        req.Money.StringFixed(2),
		"notify_url":   req.NotifyURL,
		"return_url":   req.ReturnURL,
		"sign_type":    signType,
	}
	params["sign"] = Sign(params, req.Secret)
	return params
}

// PaymentURL renders params as a GET submit URL against the gateway base.
func PaymentURL(submitURL string, params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return submitURL + "?" + values.Encode()
}

// Notification is the parsed inbound callback parameter set. Fields beyond
// the typed accessors are opaque pass-through data fed verbatim to Verify.
type Notification struct {
	Params map[string]string
}

// ParseNotification flattens query values into a notification. Repeated keys
// keep the first value.
func ParseNotification(values url.Values) Notification {
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return Notification{Params: params}
}

func (n Notification) TradeStatus() string { return n.Params["trade_status"] }
func (n Notification) OutTradeNo() string  { return n.Params["out_trade_no"] }
func (n Notification) GatewayTradeNo() string { return n.Params["trade_no"] }

// Money parses the paid amount; invalid or absent amounts come back zero.
func (n Notification) Money() decimal.Decimal {
	d, err := decimal.NewFromString(n.Params["money"])
	if err != nil {
		return decimal.Zero
	}
	return d
}
