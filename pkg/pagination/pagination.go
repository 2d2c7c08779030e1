// Package pagination provides the keyset cursors used by the order history
// and merchant link listings. Cursors are opaque to clients: an encoded
// (created_at, id) pair that the repositories turn back into a WHERE clause.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLimit is the page size applied when the caller sends none.
	DefaultLimit = 25
	// MaxLimit bounds a single page regardless of what the caller asks for.
	MaxLimit = 100
)

// Params carries the limit and opaque cursor taken from a list request.
type Params struct {
	Limit  int
	Cursor string
}

// Cursor is the decoded keyset position. CreatedAt orders the page and ID
// breaks ties between rows created in the same instant.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// NormalizeLimit clamps the requested limit into [DefaultLimit, MaxLimit].
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// LimitWithBuffer adds one row past the page so the repository can tell
// whether another page exists without a second query.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// EncodeCursor serializes a keyset position into the opaque form handed to
// clients.
func EncodeCursor(cursor Cursor) string {
	raw := cursor.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + cursor.ID.String()
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// ParseCursor reverses EncodeCursor. An empty value means the first page and
// yields a nil cursor without error.
func ParseCursor(value string) (*Cursor, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	createdAt, id, found := strings.Cut(string(raw), "|")
	if !found {
		return nil, fmt.Errorf("invalid cursor format")
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	rowID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor id: %w", err)
	}
	return &Cursor{CreatedAt: ts, ID: rowID}, nil
}
