package dbtypes

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDArrayRoundTripPreservesOrder(t *testing.T) {
	t.Parallel()

	ids := UUIDArray{uuid.New(), uuid.New(), uuid.New()}
	val, err := ids.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var decoded UUIDArray
	if err := decoded.Scan(val); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(decoded))
	}
	for i := range ids {
		if decoded[i] != ids[i] {
			t.Fatalf("order lost at %d: %s != %s", i, decoded[i], ids[i])
		}
	}
}

func TestUUIDArrayScanLegacyLiteral(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	var decoded UUIDArray
	if err := decoded.Scan("{" + id.String() + "}"); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(decoded) != 1 || decoded[0] != id {
		t.Fatalf("unexpected decode: %v", decoded)
	}
}

func TestUUIDArrayScanEmpty(t *testing.T) {
	t.Parallel()

	var decoded UUIDArray
	if err := decoded.Scan(""); err != nil {
		t.Fatalf("scan empty: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected empty array, got %v", decoded)
	}

	if err := decoded.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected empty array, got %v", decoded)
	}
}

func TestUUIDArrayScanGarbage(t *testing.T) {
	t.Parallel()

	var decoded UUIDArray
	if err := decoded.Scan("not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
}
