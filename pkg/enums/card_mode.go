package enums

import "fmt"

// CardMode selects how paid quantity maps onto cards.
type CardMode string

const (
	// CardModeExclusive hands each buyer distinct cards, one per unit bought.
	CardModeExclusive CardMode = "exclusive"
	// CardModeShared hands every buyer the same card; stock is never depleted.
	CardModeShared CardMode = "shared"
	// CardModeBundle hands out a fixed multiple of cards per unit bought.
	CardModeBundle CardMode = "bundle"
)

var validCardModes = []CardMode{
	CardModeExclusive,
	CardModeShared,
	CardModeBundle,
}

// String implements fmt.Stringer.
func (m CardMode) String() string {
	return string(m)
}

// IsValid reports whether the value is a known CardMode.
func (m CardMode) IsValid() bool {
	for _, candidate := range validCardModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseCardMode converts raw input into a CardMode.
func ParseCardMode(value string) (CardMode, error) {
	for _, candidate := range validCardModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid card mode %q", value)
}
