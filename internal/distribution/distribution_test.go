package distribution

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/store"
)

func testOrder() domain.DistributionOrder {
	return domain.DistributionOrder{
		Number:      7,
		Origin:      "main",
		Destination: "branch",
		IssuedAt:    time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		Lines: []domain.DistributionLine{
			{ProductCode: "COLA", Quantity: decimal.RequireFromString("3"), UnitCost: decimal.RequireFromString("1.00")},
			{ProductCode: "BREAD", Quantity: decimal.RequireFromString("10"), UnitCost: decimal.RequireFromString("0.30")},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sealed := Seal(testOrder())
	payload, err := Encode(sealed)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Number != 7 || decoded.Origin != "main" || len(decoded.Lines) != 2 {
		t.Fatalf("unexpected decoded order %+v", decoded)
	}
	if decoded.Checksum != sealed.Checksum {
		t.Fatalf("checksum changed across round trip")
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	sealed := Seal(testOrder())
	sealed.Lines[0].Quantity = decimal.RequireFromString("30")

	err := Verify(sealed)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on tampered order, got %v", err)
	}
}

func TestVerifyRejectsMissingChecksum(t *testing.T) {
	err := Verify(testOrder())
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for missing checksum, got %v", err)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	_, err := Decode([]byte(`{"number": "not-a-number"`))
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for malformed payload, got %v", err)
	}
}

func TestChecksumCoversEveryContentField(t *testing.T) {
	base := Checksum(testOrder())

	renumbered := testOrder()
	renumbered.Number = 8
	if Checksum(renumbered) == base {
		t.Fatalf("expected number change to alter checksum")
	}

	rerouted := testOrder()
	rerouted.Destination = "other"
	if Checksum(rerouted) == base {
		t.Fatalf("expected destination change to alter checksum")
	}

	repriced := testOrder()
	repriced.Lines[1].UnitCost = decimal.RequireFromString("0.31")
	if Checksum(repriced) == base {
		t.Fatalf("expected line cost change to alter checksum")
	}
}
