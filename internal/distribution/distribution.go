// Package distribution handles the interchange format for distribution
// orders moved between locations: a JSON document whose checksum covers a
// canonical serialization of the order's content fields, so corruption or
// tampering in transit is detected on import.
package distribution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/store"
)

// Checksum hashes the order's content fields in a fixed canonical form:
// field order, RFC3339 UTC timestamps and plain decimal strings are all
// pinned so the same order always hashes the same regardless of how the
// surrounding JSON was formatted.
func Checksum(order domain.DistributionOrder) string {
	var b strings.Builder
	fmt.Fprintf(&b, "number=%d;origin=%s;destination=%s;issued_at=%s",
		order.Number, order.Origin, order.Destination, order.IssuedAt.UTC().Format(time.RFC3339))
	for _, line := range order.Lines {
		fmt.Fprintf(&b, ";line=%s,%s,%s", line.ProductCode, line.Quantity.String(), line.UnitCost.String())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Seal stamps the checksum onto the order.
func Seal(order domain.DistributionOrder) domain.DistributionOrder {
	order.Checksum = Checksum(order)
	return order
}

// Verify recomputes the checksum and compares it with the one the document
// carries.
func Verify(order domain.DistributionOrder) error {
	if order.Checksum == "" {
		return fmt.Errorf("%w: distribution order carries no checksum", store.ErrValidation)
	}
	if got := Checksum(order); got != order.Checksum {
		return fmt.Errorf("%w: distribution order checksum mismatch", store.ErrConflict)
	}
	return nil
}

func Encode(order domain.DistributionOrder) ([]byte, error) {
	return json.MarshalIndent(order, "", "  ")
}

func Decode(data []byte) (domain.DistributionOrder, error) {
	var order domain.DistributionOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return domain.DistributionOrder{}, fmt.Errorf("%w: malformed distribution order: %v", store.ErrValidation, err)
	}
	if err := Verify(order); err != nil {
		return domain.DistributionOrder{}, err
	}
	return order, nil
}
