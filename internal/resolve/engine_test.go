package resolve

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	kitProduct = domain.Product{ID: "kit-1", Code: "KIT1", Type: domain.ProductKit}

	kitComponents = []domain.KitComponent{
		{KitProductID: "kit-1", ComponentProductID: "comp-a", QuantityPerUnit: dec("2"), Mandatory: true},
		{KitProductID: "kit-1", ComponentProductID: "comp-b", QuantityPerUnit: dec("1"), Mandatory: false},
	}
)

func kitStock(a, b string) map[domain.StockKey]decimal.Decimal {
	return map[domain.StockKey]decimal.Decimal{
		{LocationID: "main", ProductID: "comp-a"}: dec(a),
		{LocationID: "main", ProductID: "comp-b"}: dec(b),
	}
}

func TestExpandKitEmitsOutMovementPerComponent(t *testing.T) {
	engine := NewEngine(ConversionStrict, nil)

	movements, err := engine.ExpandKit(kitProduct, kitComponents, nil, dec("3"), "main", kitStock("10", "10"), time.Now())
	if err != nil {
		t.Fatalf("expand kit: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected 2 movements, got %d", len(movements))
	}
	if !movements[0].Quantity.Equal(dec("-6")) {
		t.Fatalf("expected comp-a quantity -6, got %s", movements[0].Quantity)
	}
	if !movements[1].Quantity.Equal(dec("-3")) {
		t.Fatalf("expected comp-b quantity -3, got %s", movements[1].Quantity)
	}
	for _, m := range movements {
		if !m.Enforce {
			t.Fatalf("expected kit component movements to be enforced")
		}
		if m.Reason != domain.ReasonSaleOut {
			t.Fatalf("expected reason sale_out, got %s", m.Reason)
		}
	}
}

func TestExpandKitFailureNamesTheShortComponent(t *testing.T) {
	engine := NewEngine(ConversionStrict, nil)

	_, err := engine.ExpandKit(kitProduct, kitComponents, nil, dec("3"), "main", kitStock("10", "2"), time.Now())
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if !strings.Contains(err.Error(), "comp-b") {
		t.Fatalf("expected error to name comp-b, got %q", err.Error())
	}
}

func TestExpandKitSelectionsReplaceDefaultComponents(t *testing.T) {
	engine := NewEngine(ConversionStrict, nil)

	selections := []domain.KitSelection{
		{ComponentProductID: "comp-b", Quantity: dec("2")},
	}
	movements, err := engine.ExpandKit(kitProduct, kitComponents, selections, dec("1"), "main", kitStock("0", "10"), time.Now())
	if err != nil {
		t.Fatalf("expand kit with selections: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected selections to replace the default bill of materials, got %d movements", len(movements))
	}
	if movements[0].ProductID != "comp-b" || !movements[0].Quantity.Equal(dec("-2")) {
		t.Fatalf("unexpected movement %+v", movements[0].StockMovement)
	}
}

func TestExpandCompoundConvertsIngredientUnits(t *testing.T) {
	engine := NewEngine(ConversionStrict, nil)
	compound := domain.Product{ID: "cmp-1", Code: "CMP1", Type: domain.ProductCompound, UnitCost: dec("1"), SellPrice: dec("3")}
	ingredients := []domain.CompoundIngredient{
		{CompoundProductID: "cmp-1", IngredientProductID: "ing-a", QuantityPerUnit: dec("250"), IngredientUnit: "g", ProductBaseUnit: "kg"},
	}
	stock := map[domain.StockKey]decimal.Decimal{
		{LocationID: "main", ProductID: "ing-a"}: dec("10"),
	}
	lookup := func(from, to string) (decimal.Decimal, bool, error) {
		if from == "g" && to == "kg" {
			return dec("0.001"), true, nil
		}
		return decimal.Zero, false, nil
	}

	movements, err := engine.ExpandCompound(compound, ingredients, dec("2"), "main", stock, lookup, time.Now())
	if err != nil {
		t.Fatalf("expand compound: %v", err)
	}
	if len(movements) != 3 {
		t.Fatalf("expected ingredient out + production in + sale out, got %d movements", len(movements))
	}
	if !movements[0].Quantity.Equal(dec("-0.5")) {
		t.Fatalf("expected 500g converted to -0.5kg, got %s", movements[0].Quantity)
	}
	if movements[1].Reason != domain.ReasonProductionIn || !movements[1].Quantity.Equal(dec("2")) {
		t.Fatalf("unexpected production movement %+v", movements[1].StockMovement)
	}
	if movements[2].Reason != domain.ReasonSaleOut || !movements[2].Quantity.Equal(dec("-2")) {
		t.Fatalf("unexpected sale movement %+v", movements[2].StockMovement)
	}
}

func TestExpandCompoundMissingConversionPolicies(t *testing.T) {
	compound := domain.Product{ID: "cmp-1", Code: "CMP1", Type: domain.ProductCompound}
	ingredients := []domain.CompoundIngredient{
		{CompoundProductID: "cmp-1", IngredientProductID: "ing-a", QuantityPerUnit: dec("1"), IngredientUnit: "oz", ProductBaseUnit: "kg"},
	}
	stock := map[domain.StockKey]decimal.Decimal{
		{LocationID: "main", ProductID: "ing-a"}: dec("10"),
	}
	noConversion := func(from, to string) (decimal.Decimal, bool, error) {
		return decimal.Zero, false, nil
	}

	strict := NewEngine(ConversionStrict, nil)
	if _, err := strict.ExpandCompound(compound, ingredients, dec("1"), "main", stock, noConversion, time.Now()); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected strict policy to fail on missing conversion, got %v", err)
	}

	fallback := NewEngine(ConversionFallbackOne, nil)
	movements, err := fallback.ExpandCompound(compound, ingredients, dec("1"), "main", stock, noConversion, time.Now())
	if err != nil {
		t.Fatalf("expected fallback policy to apply factor 1, got %v", err)
	}
	if !movements[0].Quantity.Equal(dec("-1")) {
		t.Fatalf("expected factor-1 fallback quantity -1, got %s", movements[0].Quantity)
	}
}

func TestPlanDisassemblyMultipliesByRatio(t *testing.T) {
	engine := NewEngine(ConversionStrict, nil)
	source := domain.Product{ID: "src", Code: "SRC", Type: domain.ProductSimple, UnitCost: dec("40")}
	result := domain.Product{ID: "res", Code: "RES", Type: domain.ProductSimple, UnitCost: dec("10")}
	rel := domain.DisassemblyRelation{SourceProductID: "src", ResultProductID: "res", ConversionRatio: dec("4")}

	movements, err := engine.PlanDisassembly(source, result, rel, dec("2"), "main", dec("5"), time.Now())
	if err != nil {
		t.Fatalf("plan disassembly: %v", err)
	}
	if !movements[0].Quantity.Equal(dec("-2")) || movements[0].Reason != domain.ReasonDisassemblyOut {
		t.Fatalf("unexpected source movement %+v", movements[0].StockMovement)
	}
	if !movements[1].Quantity.Equal(dec("8")) || movements[1].Reason != domain.ReasonDisassemblyIn {
		t.Fatalf("unexpected result movement %+v", movements[1].StockMovement)
	}
}

func TestPlanDisassemblyChecksSourceAvailability(t *testing.T) {
	engine := NewEngine(ConversionStrict, nil)
	source := domain.Product{ID: "src", Code: "SRC", Type: domain.ProductSimple}
	result := domain.Product{ID: "res", Code: "RES", Type: domain.ProductSimple}
	rel := domain.DisassemblyRelation{SourceProductID: "src", ResultProductID: "res", ConversionRatio: dec("4")}

	if _, err := engine.PlanDisassembly(source, result, rel, dec("6"), "main", dec("5"), time.Now()); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := engine.PlanDisassembly(source, result, rel, dec("0"), "main", dec("5"), time.Now()); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for zero quantity, got %v", err)
	}
}

func TestValidateDirectMovementRejectsDerivedStock(t *testing.T) {
	for _, productType := range []domain.ProductType{domain.ProductKit, domain.ProductCompound, domain.ProductService} {
		err := ValidateDirectMovement(domain.Product{ID: "p", Type: productType})
		if !errors.Is(err, store.ErrValidation) {
			t.Fatalf("expected %s to be rejected, got %v", productType, err)
		}
	}
	if err := ValidateDirectMovement(domain.Product{ID: "p", Type: domain.ProductSimple}); err != nil {
		t.Fatalf("expected simple product to pass, got %v", err)
	}
}
