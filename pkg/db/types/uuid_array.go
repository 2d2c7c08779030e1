package dbtypes

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UUIDArray stores an ordered list of card ids as comma-joined text so the
// same column works on Postgres and the sqlite test databases. Order matters:
// the list preserves the sequence cards were claimed in.
type UUIDArray []uuid.UUID

func (a *UUIDArray) Scan(src any) error {
	if src == nil {
		*a = UUIDArray{}
		return nil
	}

	switch v := src.(type) {
	case string:
		return a.parseFromString(v)
	case []byte:
		return a.parseFromString(string(v))
	default:
		return fmt.Errorf("UUIDArray: unsupported Scan type %T", src)
	}
}

func (a UUIDArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(a))
	for _, id := range a {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, ","), nil
}

// Strings returns the ids rendered as strings, preserving order.
func (a UUIDArray) Strings() []string {
	out := make([]string, 0, len(a))
	for _, id := range a {
		out = append(out, id.String())
	}
	return out
}

func (a *UUIDArray) parseFromString(s string) error {
	s = strings.TrimSpace(s)
	// tolerate a Postgres array literal from older rows
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if strings.TrimSpace(s) == "" {
		*a = UUIDArray{}
		return nil
	}

	raw := strings.Split(s, ",")
	out := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(strings.Trim(r, `"`))
		if r == "" {
			continue
		}
		id, err := uuid.Parse(r)
		if err != nil {
			return fmt.Errorf("UUIDArray: parse %q: %w", r, err)
		}
		out = append(out, id)
	}
	*a = UUIDArray(out)
	return nil
}
