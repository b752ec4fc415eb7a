package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/store"
)

func adjustment(productID, variantID, qty string) domain.PlannedMovement {
	return domain.PlannedMovement{StockMovement: domain.StockMovement{
		ID:         productID + "-" + qty,
		At:         time.Now().UTC(),
		Reason:     domain.ReasonAdjustment,
		LocationID: "main",
		ProductID:  productID,
		VariantID:  variantID,
		Quantity:   dec(qty),
	}}
}

func TestEmptyVariantIsOneIdentity(t *testing.T) {
	s := New()
	s.AddProduct(domain.Product{ID: "p-1", Code: "P1", Type: domain.ProductSimple})
	ctx := context.Background()

	if err := s.ApplyMovements(ctx, []domain.PlannedMovement{adjustment("p-1", "", "3")}); err != nil {
		t.Fatalf("first movement: %v", err)
	}
	if err := s.ApplyMovements(ctx, []domain.PlannedMovement{adjustment("p-1", "", "4")}); err != nil {
		t.Fatalf("second movement: %v", err)
	}

	key := domain.StockKey{LocationID: "main", ProductID: "p-1"}
	balances, err := s.GetStockBalances(ctx, []domain.StockKey{key})
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("expected a single balance identity for the empty variant, got %d", len(balances))
	}
	if !balances[key].Equal(dec("7")) {
		t.Fatalf("expected folded balance 7, got %s", balances[key])
	}

	mismatches, err := s.VerifyStockIntegrity(ctx, "main")
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected no mismatches, got %+v", mismatches)
	}
}

func TestVariantsAreSeparateIdentities(t *testing.T) {
	s := New()
	s.AddProduct(domain.Product{ID: "p-1", Code: "P1", Type: domain.ProductSimple})
	ctx := context.Background()

	if err := s.ApplyMovements(ctx, []domain.PlannedMovement{
		adjustment("p-1", "red", "3"),
		adjustment("p-1", "blue", "4"),
	}); err != nil {
		t.Fatalf("apply movements: %v", err)
	}

	red := domain.StockKey{LocationID: "main", ProductID: "p-1", VariantID: "red"}
	blue := domain.StockKey{LocationID: "main", ProductID: "p-1", VariantID: "blue"}
	balances, err := s.GetStockBalances(ctx, []domain.StockKey{red, blue})
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}
	if !balances[red].Equal(dec("3")) || !balances[blue].Equal(dec("4")) {
		t.Fatalf("expected separate variant balances, got %+v", balances)
	}
}

func TestEnforcedShortfallAppliesNothing(t *testing.T) {
	s := New()
	s.AddProduct(domain.Product{ID: "p-1", Code: "P1", Type: domain.ProductSimple})
	s.AddProduct(domain.Product{ID: "p-2", Code: "P2", Type: domain.ProductSimple})
	s.SetBalance(domain.StockKey{LocationID: "main", ProductID: "p-1"}, dec("10"))
	s.SetBalance(domain.StockKey{LocationID: "main", ProductID: "p-2"}, dec("1"))
	ctx := context.Background()

	out := func(productID, qty string) domain.PlannedMovement {
		m := adjustment(productID, "", qty)
		m.Reason = domain.ReasonSaleOut
		m.Enforce = true
		return m
	}

	// The first movement alone would succeed; the second fails and must take
	// the first down with it.
	err := s.ApplyMovements(ctx, []domain.PlannedMovement{out("p-1", "-5"), out("p-2", "-2")})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	k1 := domain.StockKey{LocationID: "main", ProductID: "p-1"}
	k2 := domain.StockKey{LocationID: "main", ProductID: "p-2"}
	balances, _ := s.GetStockBalances(ctx, []domain.StockKey{k1, k2})
	if !balances[k1].Equal(dec("10")) || !balances[k2].Equal(dec("1")) {
		t.Fatalf("expected no partial write, got %+v", balances)
	}
	if movements, _ := s.ListMovements(ctx, k1, 0); len(movements) != 1 {
		t.Fatalf("expected only the seed journal row, got %d", len(movements))
	}
}

func TestUnenforcedMovementMayGoNegative(t *testing.T) {
	s := New()
	s.AddProduct(domain.Product{ID: "p-1", Code: "P1", Type: domain.ProductSimple})
	ctx := context.Background()

	if err := s.ApplyMovements(ctx, []domain.PlannedMovement{adjustment("p-1", "", "-5")}); err != nil {
		t.Fatalf("unenforced adjustment should be allowed to go negative: %v", err)
	}
	key := domain.StockKey{LocationID: "main", ProductID: "p-1"}
	balances, _ := s.GetStockBalances(ctx, []domain.StockKey{key})
	if !balances[key].Equal(dec("-5")) {
		t.Fatalf("expected balance -5, got %s", balances[key])
	}
}

func TestSeedCorrelativesIsIdempotent(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if err := s.SeedCorrelatives(ctx, domain.AllDocumentClasses); err != nil {
		t.Fatalf("seed: %v", err)
	}

	order, err := s.CommitDistributionExport(ctx, domain.DistributionOrder{Origin: "main", Destination: "b"}, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if order.Number != 1 {
		t.Fatalf("expected number 1, got %d", order.Number)
	}

	// Re-seeding must not reset counters that already advanced.
	if err := s.SeedCorrelatives(ctx, domain.AllDocumentClasses); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	order, err = s.CommitDistributionExport(ctx, domain.DistributionOrder{Origin: "main", Destination: "b"}, nil)
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if order.Number != 2 {
		t.Fatalf("expected number 2 after re-seed, got %d", order.Number)
	}
}

func TestCloseCashSessionWithoutOpenOne(t *testing.T) {
	s := New()
	_, err := s.CloseCashSession(context.Background(), "host-x", time.Now().UTC())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
