package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mangopos/backend/internal/domain"
)

// CreditEpsilon is the tolerance applied to credit-limit comparisons so that
// rounding in currency conversion never rejects a sale that is within one
// cent of the limit.
var CreditEpsilon = decimal.RequireFromString("0.01")

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid request")
	ErrConflict          = errors.New("conflict")
	ErrConcurrency       = errors.New("concurrent update, retry")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrCreditLimit       = errors.New("credit limit exceeded")
)

// InsufficientStockError names the under-stocked product so a multi-component
// failure tells the caller which line to fix.
type InsufficientStockError struct {
	ProductID  string
	VariantID  string
	LocationID string
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s at %s: requested %s, available %s",
		e.ProductID, e.LocationID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type CreditLimitError struct {
	CustomerID string
	Limit      decimal.Decimal
	Attempted  decimal.Decimal
}

func (e *CreditLimitError) Error() string {
	return fmt.Sprintf("credit limit exceeded for customer %s: limit %s, attempted debt %s",
		e.CustomerID, e.Limit, e.Attempted)
}

func (e *CreditLimitError) Is(target error) bool { return target == ErrCreditLimit }

type Repository interface {
	// Catalog reads. The catalog itself is maintained elsewhere; these are
	// the lookups the transaction flows need.
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetProductByCode(ctx context.Context, code string) (*domain.Product, error)
	GetKitComponents(ctx context.Context, kitProductID string) ([]domain.KitComponent, error)
	GetCompoundIngredients(ctx context.Context, compoundProductID string) ([]domain.CompoundIngredient, error)
	GetDisassemblyRelation(ctx context.Context, sourceProductID string, resultProductID string) (*domain.DisassemblyRelation, error)
	GetUnitConversion(ctx context.Context, fromUnit string, toUnit string) (decimal.Decimal, bool, error)
	GetTaxesByIDs(ctx context.Context, ids []string) (map[string]domain.Tax, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error)

	// Stock ledger.
	GetStockBalances(ctx context.Context, keys []domain.StockKey) (map[domain.StockKey]decimal.Decimal, error)
	ApplyMovements(ctx context.Context, movements []domain.PlannedMovement) error
	ListMovements(ctx context.Context, key domain.StockKey, limit int) ([]domain.StockMovement, error)
	VerifyStockIntegrity(ctx context.Context, locationID string) ([]domain.StockMismatch, error)

	// Correlative counters. Seeding is idempotent and runs at startup.
	SeedCorrelatives(ctx context.Context, classes []domain.DocumentClass) error

	// Document commits. Each owns one atomic unit of work: correlative
	// allocation, stock re-check under locks, ledger writes and balance
	// updates happen inside it or not at all.
	CommitSale(ctx context.Context, doc domain.SaleDocument) (*domain.SaleDocument, error)
	GetSale(ctx context.Context, id string) (*domain.SaleDocument, error)
	GetRefundedQuantities(ctx context.Context, saleID string) (map[string]decimal.Decimal, error)
	CommitPurchase(ctx context.Context, doc domain.PurchaseDocument) (*domain.PurchaseDocument, error)
	CommitRefund(ctx context.Context, doc domain.RefundDocument) (*domain.RefundDocument, error)
	CommitDebtPayment(ctx context.Context, doc domain.DebtPaymentDocument) (*domain.DebtPaymentDocument, error)

	// Cash sessions.
	OpenCashSession(ctx context.Context, session domain.CashSession, openingFloats []domain.CashMovement) (*domain.CashSession, error)
	CloseCashSession(ctx context.Context, hostID string, at time.Time) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, hostID string) (*domain.CashSession, error)
	AddCashMovement(ctx context.Context, movement domain.CashMovement) error
	GetSessionSummary(ctx context.Context, sessionID string) (*domain.SessionSummary, error)

	// Distribution interchange.
	CommitDistributionExport(ctx context.Context, order domain.DistributionOrder, movements []domain.PlannedMovement) (*domain.DistributionOrder, error)
	CommitDistributionImport(ctx context.Context, order domain.DistributionOrder, movements []domain.PlannedMovement) error
}

// LineKey joins a product and variant into the map key used for refund caps
// and plan merging.
func LineKey(productID string, variantID string) string {
	return productID + "|" + variantID
}
