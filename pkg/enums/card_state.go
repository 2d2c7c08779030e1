package enums

import "fmt"

// CardState tracks the lifecycle of a single card.
type CardState string

const (
	CardStateAvailable CardState = "available"
	CardStateReserved  CardState = "reserved"
	CardStateSold      CardState = "sold"
)

var validCardStates = []CardState{
	CardStateAvailable,
	CardStateReserved,
	CardStateSold,
}

// String implements fmt.Stringer.
func (s CardState) String() string {
	return string(s)
}

// IsValid reports whether the value is a known CardState.
func (s CardState) IsValid() bool {
	for _, candidate := range validCardStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseCardState converts raw input into a CardState.
func ParseCardState(value string) (CardState, error) {
	for _, candidate := range validCardStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid card state %q", value)
}
