package fulfillment

import (
	"testing"
	"time"
)

func TestCardTradeNoRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tradeNo := NewCardTradeNo("aB3xY9kQ", 4, now)

	token, err := ParseCardTradeNo(tradeNo)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if token.ShortCode != "aB3xY9kQ" {
		t.Fatalf("expected short code aB3xY9kQ, got %q", token.ShortCode)
	}
	if token.Quantity != 4 {
		t.Fatalf("expected quantity 4, got %d", token.Quantity)
	}
	if token.IssuedAt.UnixMilli() != now.UnixMilli() {
		t.Fatalf("expected issue time %d, got %d", now.UnixMilli(), token.IssuedAt.UnixMilli())
	}
}

func TestParseCardTradeNoRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"CARD",
		"CARD_abc",
		"CARD_abc_1",
		"CARD_abc_1_2_3",
		"TIP_abc_1",
		"CARD__1_1700000000000",
		"CARD_abc_0_1700000000000",
		"CARD_abc_-1_1700000000000",
		"CARD_abc_x_1700000000000",
		"CARD_abc_1_notatime",
		"card_abc_1_1700000000000",
	}
	for _, tradeNo := range cases {
		if _, err := ParseCardTradeNo(tradeNo); err == nil {
			t.Fatalf("expected rejection for %q", tradeNo)
		}
	}
}

func TestTipTradeNoRoundTrip(t *testing.T) {
	t.Parallel()

	tradeNo := NewTipTradeNo("aB3xY9kQ", time.Now())
	code, err := ParseTipTradeNo(tradeNo)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if code != "aB3xY9kQ" {
		t.Fatalf("expected short code aB3xY9kQ, got %q", code)
	}
}

func TestParseTipTradeNoRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, tradeNo := range []string{"", "TIP", "TIP_abc", "TIP_abc_1_2", "CARD_abc_1", "TIP__1700000000000", "TIP_abc_x"} {
		if _, err := ParseTipTradeNo(tradeNo); err == nil {
			t.Fatalf("expected rejection for %q", tradeNo)
		}
	}
}

func TestTradeNoRouting(t *testing.T) {
	t.Parallel()

	if !IsCardTradeNo("CARD_abc_1_1") {
		t.Fatalf("expected card routing")
	}
	if !IsTipTradeNo("TIP_abc_1") {
		t.Fatalf("expected tip routing")
	}
	if IsCardTradeNo("TIP_abc_1") || IsTipTradeNo("CARD_abc_1_1") {
		t.Fatalf("prefixes must not cross-route")
	}
	if IsCardTradeNo("CARDX_abc_1_1") {
		t.Fatalf("prefix match must be exact")
	}
}
