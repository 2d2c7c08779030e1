package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yuhenglin/cardvault-backend/pkg/db/models"
	pkgerrors "github.com/yuhenglin/cardvault-backend/pkg/errors"
	"github.com/yuhenglin/cardvault-backend/pkg/enums"
)

// Store owns the card lifecycle. All state transitions go through guarded
// single-statement updates; the store never holds a claim across round trips.
type Store struct {
	db *gorm.DB
}

// NewStore builds a card store bound to the provided DB.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	return &Store{db: tx}
}

// ClaimOne picks an arbitrary available card for the link and reserves it
// under the given tag. The WHERE clause re-checks state so two racing callers
// can never reserve the same card; the loser gets (nil, nil), not an error,
// and must not retry against the same card.
func (s *Store) ClaimOne(ctx context.Context, linkID uuid.UUID, tag string) (*models.Card, error) {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE cards
		SET state = ?, reservation_tag = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM cards
			WHERE link_id = ? AND state = ?
			LIMIT 1
		) AND state = ?`,
		enums.CardStateReserved, tag, time.Now().UTC(),
		linkID, enums.CardStateAvailable,
		enums.CardStateAvailable,
	)
	if res.Error != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "claim card")
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var card models.Card
	err := s.db.WithContext(ctx).
		Where("reservation_tag = ? AND state = ?", tag, enums.CardStateReserved).
		First(&card).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load claimed card")
	}
	return &card, nil
}

// PeekShared returns the link's shared card without any state transition.
// Every buyer of a shared link legitimately receives the same card.
func (s *Store) PeekShared(ctx context.Context, linkID uuid.UUID) (*models.Card, error) {
	var card models.Card
	err := s.db.WithContext(ctx).
		Where("link_id = ?", linkID).
		Order("created_at ASC").
		First(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "peek shared card")
	}
	return &card, nil
}

// MarkSold finalizes a reserved card: sold state, owning trade number and,
// when known, the buyer attribution.
func (s *Store) MarkSold(ctx context.Context, cardID uuid.UUID, outTradeNo string, buyerID, buyerName *string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"state":          enums.CardStateSold,
		"order_trade_no": outTradeNo,
		"sold_at":        now,
		"updated_at":     now,
	}
	if buyerID != nil && *buyerID != "" {
		updates["buyer_id"] = *buyerID
		updates["buyer_name"] = buyerName
	}
	res := s.db.WithContext(ctx).
		Model(&models.Card{}).
		Where("id = ? AND state = ?", cardID, enums.CardStateReserved).
		Updates(updates)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "mark card sold")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "card is not reserved")
	}
	return nil
}

// Release returns a reserved card to the pool, clearing its reservation tag.
func (s *Store) Release(ctx context.Context, cardID uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Model(&models.Card{}).
		Where("id = ? AND state = ?", cardID, enums.CardStateReserved).
		Updates(map[string]any{
			"state":           enums.CardStateAvailable,
			"reservation_tag": nil,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release card")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "card is not reserved")
	}
	return nil
}

// Insert stores a batch of new cards for a link.
func (s *Store) Insert(ctx context.Context, cards []models.Card) error {
	if len(cards) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&cards).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert cards")
	}
	return nil
}

// SecretsByIDs loads card secrets in the order the ids were claimed.
func (s *Store) SecretsByIDs(ctx context.Context, ids []uuid.UUID) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var cards []models.Card
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&cards).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load card secrets")
	}
	byID := make(map[uuid.UUID]string, len(cards))
	for _, c := range cards {
		byID[c.ID] = c.Secret
	}
	secrets := make([]string, 0, len(ids))
	for _, id := range ids {
		if secret, ok := byID[id]; ok {
			secrets = append(secrets, secret)
		}
	}
	return secrets, nil
}

// ListStaleReserved returns cards stuck in reserved since before the cutoff.
// A crash between claim and ledger write leaves such cards; the sweeper
// decides whether a paid order owns them before releasing.
func (s *Store) ListStaleReserved(ctx context.Context, cutoff time.Time) ([]models.Card, error) {
	var cards []models.Card
	err := s.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", enums.CardStateReserved, cutoff).
		Find(&cards).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale reserved cards")
	}
	return cards, nil
}

// CountAvailable reports how many cards remain claimable for the link.
func (s *Store) CountAvailable(ctx context.Context, linkID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.Card{}).
		Where("link_id = ? AND state = ?", linkID, enums.CardStateAvailable).
		Count(&n).Error
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count available cards")
	}
	return n, nil
}
