package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/store"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	databaseURL := os.Getenv("MANGOPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set MANGOPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, ctx
}

func TestNullVariantFoldsIntoSingleBalanceRow(t *testing.T) {
	s, ctx := newTestStore(t)

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("p-it-%d", stamp)
	locationID := fmt.Sprintf("loc-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_balances WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, code, name, type, sellable, purchasable, base_unit, unit_cost, sell_price)
		VALUES ($1, $1, 'Integration Product', 'simple', true, true, 'unit', 1, 2)
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	at := time.Now().UTC()
	move := func(id string, qty string) domain.PlannedMovement {
		return domain.PlannedMovement{StockMovement: domain.StockMovement{
			ID:         id,
			At:         at,
			Reason:     domain.ReasonAdjustment,
			LocationID: locationID,
			ProductID:  productID,
			Quantity:   decimal.RequireFromString(qty),
		}}
	}

	if err := s.ApplyMovements(ctx, []domain.PlannedMovement{move(productID+"-m1", "3")}); err != nil {
		t.Fatalf("first movement: %v", err)
	}
	if err := s.ApplyMovements(ctx, []domain.PlannedMovement{move(productID+"-m2", "4")}); err != nil {
		t.Fatalf("second movement: %v", err)
	}

	var rows int
	var qty decimal.Decimal
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(quantity), 0)
		FROM stock_balances
		WHERE location_id = $1 AND product_id = $2
	`, locationID, productID).Scan(&rows, &qty); err != nil {
		t.Fatalf("query balances: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one balance row for the null variant, got %d", rows)
	}
	if !qty.Equal(decimal.RequireFromString("7")) {
		t.Fatalf("expected balance 7, got %s", qty)
	}

	mismatches, err := s.VerifyStockIntegrity(ctx, locationID)
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected no mismatches, got %+v", mismatches)
	}
}

func TestEnforcedShortfallRollsBackEverything(t *testing.T) {
	s, ctx := newTestStore(t)

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("p-it-short-%d", stamp)
	locationID := fmt.Sprintf("loc-it-short-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_balances WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, code, name, type, sellable, purchasable, base_unit, unit_cost, sell_price)
		VALUES ($1, $1, 'Integration Product', 'simple', true, true, 'unit', 1, 2)
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	at := time.Now().UTC()
	seed := domain.PlannedMovement{StockMovement: domain.StockMovement{
		ID: productID + "-seed", At: at, Reason: domain.ReasonAdjustment,
		LocationID: locationID, ProductID: productID,
		Quantity: decimal.NewFromInt(2),
	}}
	if err := s.ApplyMovements(ctx, []domain.PlannedMovement{seed}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	over := domain.PlannedMovement{StockMovement: domain.StockMovement{
		ID: productID + "-sale", At: at, Reason: domain.ReasonSaleOut,
		LocationID: locationID, ProductID: productID,
		Quantity: decimal.NewFromInt(-5),
	}, Enforce: true}
	err := s.ApplyMovements(ctx, []domain.PlannedMovement{over})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var journalRows int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_movements WHERE product_id = $1
	`, productID).Scan(&journalRows); err != nil {
		t.Fatalf("count journal: %v", err)
	}
	if journalRows != 1 {
		t.Fatalf("expected rejected movement to leave no journal row, got %d rows", journalRows)
	}

	var qty decimal.Decimal
	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM stock_balances
		WHERE location_id = $1 AND product_id = $2 AND variant_id IS NULL
	`, locationID, productID).Scan(&qty); err != nil {
		t.Fatalf("query balance: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected balance unchanged at 2, got %s", qty)
	}
}
