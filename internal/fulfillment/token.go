package fulfillment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
)

// Trade number prefixes route gateway notifications to the right handler.
const (
	cardTradePrefix = "CARD"
	tipTradePrefix  = "TIP"
)

// CardTradeNo is the decoded form of a card purchase trade number:
// CARD_{short_code}_{quantity}_{unix_millis}. Short codes never contain
// underscores, so the segment split is unambiguous.
type CardTradeNo struct {
	ShortCode string
	Quantity  int
	IssuedAt  time.Time
}

// NewCardTradeNo mints a trade number for a card purchase.
func NewCardTradeNo(shortCode string, quantity int, now time.Time) string {
	return fmt.Sprintf("%s_%s_%d_%d", cardTradePrefix, shortCode, quantity, now.UnixMilli())
}

// NewTipTradeNo mints a trade number for a tip payment.
func NewTipTradeNo(shortCode string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%d", tipTradePrefix, shortCode, now.UnixMilli())
}

// IsCardTradeNo reports whether the trade number belongs to the card flow.
func IsCardTradeNo(tradeNo string) bool {
	return strings.HasPrefix(tradeNo, cardTradePrefix+"_")
}

// IsTipTradeNo reports whether the trade number belongs to the tip flow.
func IsTipTradeNo(tradeNo string) bool {
	return strings.HasPrefix(tradeNo, tipTradePrefix+"_")
}

// ParseCardTradeNo decodes and validates a card trade number. Anything that
// does not match the exact four-segment shape is rejected; notifications for
// trade numbers this service never minted must not reach allocation.
func ParseCardTradeNo(tradeNo string) (*CardTradeNo, error) {
	parts := strings.Split(tradeNo, "_")
	if len(parts) != 4 || parts[0] != cardTradePrefix {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "malformed card trade number")
	}
	shortCode := parts[1]
	if shortCode == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "trade number missing product code")
	}
	quantity, err := strconv.Atoi(parts[2])
	if err != nil || quantity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "trade number has invalid quantity")
	}
	millis, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || millis <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "trade number has invalid timestamp")
	}
	return &CardTradeNo{
		ShortCode: shortCode,
		Quantity:  quantity,
		IssuedAt:  time.UnixMilli(millis).UTC(),
	}, nil
}

// ParseTipTradeNo decodes a tip trade number: TIP_{short_code}_{unix_millis}.
func ParseTipTradeNo(tradeNo string) (string, error) {
	parts := strings.Split(tradeNo, "_")
	if len(parts) != 3 || parts[0] != tipTradePrefix {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "malformed tip trade number")
	}
	if parts[1] == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "trade number missing tip code")
	}
	if _, err := strconv.ParseInt(parts[2], 10, 64); err != nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "trade number has invalid timestamp")
	}
	return parts[1], nil
}
