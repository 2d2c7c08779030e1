package allocation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
)

// ClaimStore is the slice of the inventory store the policies need.
type ClaimStore interface {
	ClaimOne(ctx context.Context, linkID uuid.UUID, tag string) (*models.Card, error)
	PeekShared(ctx context.Context, linkID uuid.UUID) (*models.Card, error)
}

// Result is the outcome of one allocation attempt.
//
// Cards is ordered by claim sequence. In shared mode the same card appears
// quantity times and no state transition has happened. Claimed lists the
// distinct reserved cards that need MarkSold or Release; it is empty in
// shared mode.
type Result struct {
	Cards   []models.Card
	Claimed []models.Card
	Short   bool
	Missing int
}

// Allocate claims cards for a paid quantity according to the link's mode.
//
// Exclusive claims quantity distinct cards; bundle claims
// quantity*bundle_size. When the pool runs dry mid-sequence the policy stops
// immediately and reports the shortfall; it never errors for an empty pool
// (the gap is the caller's decision) and never retries a lost claim.
func Allocate(ctx context.Context, store ClaimStore, link *models.CardLink, quantity int, tradeNo string) (*Result, error) {
	if quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	switch link.Mode {
	case enums.CardModeShared:
		return allocateShared(ctx, store, link, quantity)
	case enums.CardModeExclusive:
		return claimSequence(ctx, store, link, quantity, tradeNo)
	case enums.CardModeBundle:
		bundleSize := link.BundleSize
		if bundleSize <= 0 {
			bundleSize = 1
		}
		return claimSequence(ctx, store, link, quantity*bundleSize, tradeNo)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown card mode %q", link.Mode))
	}
}

func allocateShared(ctx context.Context, store ClaimStore, link *models.CardLink, quantity int) (*Result, error) {
	card, err := store.PeekShared(ctx, link.ID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return &Result{Short: true, Missing: quantity}, nil
	}
	cards := make([]models.Card, 0, quantity)
	for i := 0; i < quantity; i++ {
		cards = append(cards, *card)
	}
	return &Result{Cards: cards}, nil
}

func claimSequence(ctx context.Context, store ClaimStore, link *models.CardLink, needed int, tradeNo string) (*Result, error) {
	result := &Result{}
	for i := 0; i < needed; i++ {
		card, err := store.ClaimOne(ctx, link.ID, fmt.Sprintf("%s_%d", tradeNo, i))
		if err != nil {
			return nil, err
		}
		if card == nil {
			break
		}
		result.Cards = append(result.Cards, *card)
		result.Claimed = append(result.Claimed, *card)
	}
	if len(result.Cards) < needed {
		result.Short = true
		result.Missing = needed - len(result.Cards)
	}
	return result, nil
}
