// Package resolve expands composite products (kits, compounds, disassembly
// pairs) into the concrete stock movements that back them. It is pure
// planning: it reads a stock snapshot handed to it and emits planned
// movements, but never writes. The store re-checks enforced movements under
// row locks at commit time.
package resolve

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/store"
)

// ConversionPolicy decides what happens when a compound ingredient's unit
// differs from the product base unit and no conversion row exists.
type ConversionPolicy int

const (
	// ConversionStrict fails the expansion on a missing conversion.
	ConversionStrict ConversionPolicy = iota
	// ConversionFallbackOne applies factor 1 and logs a warning.
	ConversionFallbackOne
)

// ConversionLookup resolves a unit-conversion factor. The second return is
// false when no conversion row exists for the pair.
type ConversionLookup func(fromUnit string, toUnit string) (decimal.Decimal, bool, error)

type Engine struct {
	policy ConversionPolicy
	logger *zap.Logger
}

func NewEngine(policy ConversionPolicy, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{policy: policy, logger: logger}
}

// ValidateDirectMovement rejects products that must never receive a direct
// ledger write: kits and compounds derive stock, services have none.
func ValidateDirectMovement(p domain.Product) error {
	switch p.Type {
	case domain.ProductKit, domain.ProductCompound, domain.ProductService:
		return fmt.Errorf("%w: product %s has type %s and cannot receive direct stock movements", store.ErrValidation, p.ID, p.Type)
	}
	return nil
}

// ExpandKit turns one sale of `units` kit units into out-movements on the
// kit's components. When selections is non-empty it replaces the default
// bill of materials entirely (the caller chose alternatives in optional
// groups). Component stock is checked against the snapshot; the first
// under-stocked component aborts the whole expansion.
func (e *Engine) ExpandKit(
	kit domain.Product,
	components []domain.KitComponent,
	selections []domain.KitSelection,
	units decimal.Decimal,
	locationID string,
	stock map[domain.StockKey]decimal.Decimal,
	at time.Time,
) ([]domain.PlannedMovement, error) {
	if kit.Type != domain.ProductKit {
		return nil, fmt.Errorf("%w: product %s is not a kit", store.ErrValidation, kit.ID)
	}
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("%w: kit quantity must be positive", store.ErrValidation)
	}

	type demand struct {
		productID string
		qty       decimal.Decimal
	}
	var demands []demand
	if len(selections) > 0 {
		for _, sel := range selections {
			if sel.Quantity.Sign() <= 0 {
				return nil, fmt.Errorf("%w: kit selection for %s has non-positive quantity", store.ErrValidation, sel.ComponentProductID)
			}
			demands = append(demands, demand{sel.ComponentProductID, sel.Quantity.Mul(units)})
		}
	} else {
		if len(components) == 0 {
			return nil, fmt.Errorf("%w: kit %s has no components", store.ErrValidation, kit.ID)
		}
		for _, c := range components {
			demands = append(demands, demand{c.ComponentProductID, c.QuantityPerUnit.Mul(units)})
		}
	}

	movements := make([]domain.PlannedMovement, 0, len(demands))
	for _, d := range demands {
		key := domain.StockKey{LocationID: locationID, ProductID: d.productID}
		if avail := stock[key]; avail.LessThan(d.qty) {
			return nil, &store.InsufficientStockError{
				ProductID:  d.productID,
				LocationID: locationID,
				Requested:  d.qty,
				Available:  avail,
			}
		}
		movements = append(movements, domain.PlannedMovement{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         at,
				Reason:     domain.ReasonSaleOut,
				LocationID: locationID,
				ProductID:  d.productID,
				Quantity:   d.qty.Neg(),
				Memo:       fmt.Sprintf("kit %s x%s", kit.Code, units),
			},
			Enforce: true,
		})
	}
	return movements, nil
}

// ExpandCompound consumes the compound's ingredients (with unit conversion)
// and emits manufacture-then-sale bookkeeping on the compound itself: a
// production-in at cost followed by a sale-out at sell price, so the ledger
// records that the product existed before it was sold.
func (e *Engine) ExpandCompound(
	compound domain.Product,
	ingredients []domain.CompoundIngredient,
	units decimal.Decimal,
	locationID string,
	stock map[domain.StockKey]decimal.Decimal,
	conversions ConversionLookup,
	at time.Time,
) ([]domain.PlannedMovement, error) {
	if compound.Type != domain.ProductCompound {
		return nil, fmt.Errorf("%w: product %s is not a compound", store.ErrValidation, compound.ID)
	}
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("%w: compound quantity must be positive", store.ErrValidation)
	}
	if len(ingredients) == 0 {
		return nil, fmt.Errorf("%w: compound %s has no ingredients", store.ErrValidation, compound.ID)
	}

	movements := make([]domain.PlannedMovement, 0, len(ingredients)+2)
	for _, ing := range ingredients {
		factor := decimal.NewFromInt(1)
		if ing.IngredientUnit != ing.ProductBaseUnit {
			f, found, err := conversions(ing.IngredientUnit, ing.ProductBaseUnit)
			if err != nil {
				return nil, err
			}
			switch {
			case found:
				factor = f
			case e.policy == ConversionFallbackOne:
				e.logger.Warn("missing unit conversion, falling back to factor 1",
					zap.String("ingredient", ing.IngredientProductID),
					zap.String("from_unit", ing.IngredientUnit),
					zap.String("to_unit", ing.ProductBaseUnit))
			default:
				return nil, fmt.Errorf("%w: no unit conversion from %s to %s for ingredient %s",
					store.ErrValidation, ing.IngredientUnit, ing.ProductBaseUnit, ing.IngredientProductID)
			}
		}
		required := ing.QuantityPerUnit.Mul(units).Mul(factor)
		key := domain.StockKey{LocationID: locationID, ProductID: ing.IngredientProductID}
		if avail := stock[key]; avail.LessThan(required) {
			return nil, &store.InsufficientStockError{
				ProductID:  ing.IngredientProductID,
				LocationID: locationID,
				Requested:  required,
				Available:  avail,
			}
		}
		movements = append(movements, domain.PlannedMovement{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         at,
				Reason:     domain.ReasonSaleOut,
				LocationID: locationID,
				ProductID:  ing.IngredientProductID,
				Quantity:   required.Neg(),
				Memo:       fmt.Sprintf("compound %s x%s", compound.Code, units),
			},
			Enforce: true,
		})
	}

	movements = append(movements,
		domain.PlannedMovement{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         at,
				Reason:     domain.ReasonProductionIn,
				LocationID: locationID,
				ProductID:  compound.ID,
				Quantity:   units,
				UnitCost:   compound.UnitCost,
				Memo:       "compound production",
			},
		},
		domain.PlannedMovement{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         at,
				Reason:     domain.ReasonSaleOut,
				LocationID: locationID,
				ProductID:  compound.ID,
				Quantity:   units.Neg(),
				UnitCost:   compound.SellPrice,
				Memo:       "compound sale",
			},
		},
	)
	return movements, nil
}

// PlanDisassembly breaks `qty` units of the source product into
// qty*conversionRatio units of the result product. The two movements carry
// reciprocal memos so each side of the ledger names the other.
func (e *Engine) PlanDisassembly(
	source domain.Product,
	result domain.Product,
	rel domain.DisassemblyRelation,
	qty decimal.Decimal,
	locationID string,
	available decimal.Decimal,
	at time.Time,
) ([]domain.PlannedMovement, error) {
	if err := ValidateDirectMovement(source); err != nil {
		return nil, err
	}
	if err := ValidateDirectMovement(result); err != nil {
		return nil, err
	}
	if qty.Sign() <= 0 {
		return nil, fmt.Errorf("%w: disassembly quantity must be positive", store.ErrValidation)
	}
	if rel.ConversionRatio.Sign() <= 0 {
		return nil, fmt.Errorf("%w: disassembly ratio for %s -> %s must be positive", store.ErrValidation, source.ID, result.ID)
	}
	if available.LessThan(qty) {
		return nil, &store.InsufficientStockError{
			ProductID:  source.ID,
			LocationID: locationID,
			Requested:  qty,
			Available:  available,
		}
	}

	produced := qty.Mul(rel.ConversionRatio)
	return []domain.PlannedMovement{
		{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         at,
				Reason:     domain.ReasonDisassemblyOut,
				LocationID: locationID,
				ProductID:  source.ID,
				Quantity:   qty.Neg(),
				UnitCost:   source.UnitCost,
				Memo:       fmt.Sprintf("disassembled into %s", result.Code),
			},
			Enforce: true,
		},
		{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         at,
				Reason:     domain.ReasonDisassemblyIn,
				LocationID: locationID,
				ProductID:  result.ID,
				Quantity:   produced,
				UnitCost:   result.UnitCost,
				Memo:       fmt.Sprintf("disassembled from %s", source.Code),
			},
		},
	}, nil
}
