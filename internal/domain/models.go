package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductType string

const (
	ProductSimple   ProductType = "simple"
	ProductKit      ProductType = "kit"
	ProductCompound ProductType = "compound"
	ProductService  ProductType = "service"
)

type Product struct {
	ID          string          `json:"id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Type        ProductType     `json:"type"`
	Sellable    bool            `json:"sellable"`
	Purchasable bool            `json:"purchasable"`
	BaseUnit    string          `json:"base_unit"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	SellPrice   decimal.Decimal `json:"sell_price"`
}

// TracksStock reports whether the product holds its own on-hand quantity.
// Kits and compounds derive stock from their components; services have none.
func (p Product) TracksStock() bool {
	return p.Type == ProductSimple
}

type KitComponent struct {
	KitProductID       string          `json:"kit_product_id"`
	ComponentProductID string          `json:"component_product_id"`
	QuantityPerUnit    decimal.Decimal `json:"quantity_per_unit"`
	GroupID            string          `json:"group_id"`
	GroupLabel         string          `json:"group_label"`
	Mandatory          bool            `json:"mandatory"`
}

type CompoundIngredient struct {
	CompoundProductID   string          `json:"compound_product_id"`
	IngredientProductID string          `json:"ingredient_product_id"`
	QuantityPerUnit     decimal.Decimal `json:"quantity_per_unit"`
	IngredientUnit      string          `json:"ingredient_unit"`
	ProductBaseUnit     string          `json:"product_base_unit"`
}

type DisassemblyRelation struct {
	SourceProductID string          `json:"source_product_id"`
	ResultProductID string          `json:"result_product_id"`
	ConversionRatio decimal.Decimal `json:"conversion_ratio"`
}

type Tax struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Rate decimal.Decimal `json:"rate"`
}

type Customer struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CurrentDebt decimal.Decimal `json:"current_debt"`
	MaxDebt     decimal.Decimal `json:"max_debt"`
}

type Supplier struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CurrentPayable decimal.Decimal `json:"current_payable"`
}

type BankAccount struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

type MovementReason string

const (
	ReasonSaleOut         MovementReason = "sale_out"
	ReasonPurchaseIn      MovementReason = "purchase_in"
	ReasonRefundIn        MovementReason = "refund_in"
	ReasonRefundOut       MovementReason = "refund_out"
	ReasonAdjustment      MovementReason = "adjustment"
	ReasonProductionIn    MovementReason = "production_in"
	ReasonDisassemblyOut  MovementReason = "disassembly_out"
	ReasonDisassemblyIn   MovementReason = "disassembly_in"
	ReasonDistributionOut MovementReason = "distribution_out"
	ReasonDistributionIn  MovementReason = "distribution_in"
)

// StockKey identifies one balance row. VariantID "" means the product has no
// variant; that empty value is a single identity, never one row per insert.
type StockKey struct {
	LocationID string `json:"location_id"`
	ProductID  string `json:"product_id"`
	VariantID  string `json:"variant_id"`
}

type StockMovement struct {
	ID         string          `json:"id"`
	At         time.Time       `json:"at"`
	Reason     MovementReason  `json:"reason"`
	LocationID string          `json:"location_id"`
	ProductID  string          `json:"product_id"`
	VariantID  string          `json:"variant_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Memo       string          `json:"memo,omitempty"`
}

func (m StockMovement) Key() StockKey {
	return StockKey{LocationID: m.LocationID, ProductID: m.ProductID, VariantID: m.VariantID}
}

// PlannedMovement is a ledger entry that has not been committed yet. Enforce
// marks movements whose stock sufficiency must be re-checked under row locks
// before the write; adjustments deliberately leave it false so corrections can
// push a balance negative.
type PlannedMovement struct {
	StockMovement
	Enforce bool `json:"enforce"`
}

type StockBalance struct {
	Key      StockKey        `json:"key"`
	Quantity decimal.Decimal `json:"quantity"`
}

// StockMismatch is one balance row whose materialized quantity disagrees with
// the ledger sum for its key.
type StockMismatch struct {
	Key       StockKey        `json:"key"`
	Balance   decimal.Decimal `json:"balance"`
	LedgerSum decimal.Decimal `json:"ledger_sum"`
}

type DocumentClass string

const (
	ClassSale               DocumentClass = "sale"
	ClassSaleRefund         DocumentClass = "sale_refund"
	ClassPurchase           DocumentClass = "purchase"
	ClassPurchaseRefund     DocumentClass = "purchase_refund"
	ClassCustomerDebtPaymnt DocumentClass = "customer_debt_payment"
	ClassSupplierDebtPaymnt DocumentClass = "supplier_debt_payment"
	ClassDistributionOrder  DocumentClass = "distribution_order"
)

// AllDocumentClasses is the seed set for correlative counters.
var AllDocumentClasses = []DocumentClass{
	ClassSale,
	ClassSaleRefund,
	ClassPurchase,
	ClassPurchaseRefund,
	ClassCustomerDebtPaymnt,
	ClassSupplierDebtPaymnt,
	ClassDistributionOrder,
}

type PaymentMethod string

const (
	PayCash     PaymentMethod = "cash"
	PayCard     PaymentMethod = "card"
	PayTransfer PaymentMethod = "transfer"
	PayCredit   PaymentMethod = "credit"
)

// Payment is one settled payment entry. Amount is in Currency; ExchangeRate
// is the snapshot taken at transaction time and is never looked up again.
type Payment struct {
	Method        PaymentMethod   `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
	BankAccountID string          `json:"bank_account_id,omitempty"`
	Reference     string          `json:"reference,omitempty"`
}

func (p Payment) BaseAmount() decimal.Decimal {
	return p.Amount.Mul(p.ExchangeRate)
}

type SaleLine struct {
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxID     string          `json:"tax_id,omitempty"`
}

type TaxSummaryLine struct {
	TaxID  string          `json:"tax_id"`
	Base   decimal.Decimal `json:"base"`
	Amount decimal.Decimal `json:"amount"`
}

type SaleDocument struct {
	ID           string            `json:"id"`
	Number       int64             `json:"number"`
	LocationID   string            `json:"location_id"`
	SessionID    string            `json:"session_id"`
	CashierID    string            `json:"cashier_id"`
	CustomerID   string            `json:"customer_id,omitempty"`
	Currency     string            `json:"currency"`
	Lines        []SaleLine        `json:"lines"`
	Movements    []PlannedMovement `json:"-"`
	TaxSummary   []TaxSummaryLine  `json:"tax_summary"`
	Payments     []Payment         `json:"payments"`
	Total        decimal.Decimal   `json:"total"`
	CreditAmount decimal.Decimal   `json:"credit_amount"`
	ChangeGiven  decimal.Decimal   `json:"change_given"`
	CreatedAt    time.Time         `json:"created_at"`
}

type PurchaseLine struct {
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	TaxID     string          `json:"tax_id,omitempty"`
}

type PurchaseDocument struct {
	ID            string            `json:"id"`
	Number        int64             `json:"number"`
	LocationID    string            `json:"location_id"`
	SupplierID    string            `json:"supplier_id"`
	Currency      string            `json:"currency"`
	Lines         []PurchaseLine    `json:"lines"`
	Movements     []PlannedMovement `json:"-"`
	TaxSummary    []TaxSummaryLine  `json:"tax_summary"`
	Payments      []Payment         `json:"payments"`
	Total         decimal.Decimal   `json:"total"`
	PayableAmount decimal.Decimal   `json:"payable_amount"`
	CreatedAt     time.Time         `json:"created_at"`
}

type RefundLine struct {
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxID     string          `json:"tax_id,omitempty"`
}

type RefundDocument struct {
	ID             string            `json:"id"`
	Number         int64             `json:"number"`
	OriginalSaleID string            `json:"original_sale_id"`
	LocationID     string            `json:"location_id"`
	SessionID      string            `json:"session_id,omitempty"`
	CustomerID     string            `json:"customer_id,omitempty"`
	Lines          []RefundLine      `json:"lines"`
	Movements      []PlannedMovement `json:"-"`
	Payments       []Payment         `json:"payments"`
	Total          decimal.Decimal   `json:"total"`
	CreditReversed decimal.Decimal   `json:"credit_reversed"`
	CreatedAt      time.Time         `json:"created_at"`
}

type DebtDirection string

const (
	DebtCustomer DebtDirection = "customer"
	DebtSupplier DebtDirection = "supplier"
)

type DebtPaymentDocument struct {
	ID            string          `json:"id"`
	Number        int64           `json:"number"`
	Direction     DebtDirection   `json:"direction"`
	PartyID       string          `json:"party_id"`
	SessionID     string          `json:"session_id,omitempty"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Payments      []Payment       `json:"payments"`
	Total         decimal.Decimal `json:"total"`
	CreatedAt     time.Time       `json:"created_at"`
}

type CashSession struct {
	ID           string     `json:"id"`
	RegisterID   string     `json:"register_id"`
	HostID       string     `json:"host_id"`
	HostSequence int64      `json:"host_sequence"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func (s CashSession) Open() bool { return s.EndedAt == nil }

type CashMovementKind string

const (
	CashIn           CashMovementKind = "in"
	CashOut          CashMovementKind = "out"
	CashChange       CashMovementKind = "change"
	CashOpeningFloat CashMovementKind = "opening_float"
)

type CashMovement struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	At        time.Time        `json:"at"`
	Kind      CashMovementKind `json:"kind"`
	Currency  string           `json:"currency"`
	Amount    decimal.Decimal  `json:"amount"`
	Memo      string           `json:"memo,omitempty"`
}

// SessionPaymentTotal is one aggregation bucket of a session summary: payments
// grouped by document kind, method and currency.
type SessionPaymentTotal struct {
	Kind     string          `json:"kind"`
	Method   PaymentMethod   `json:"method"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int             `json:"count"`
}

type SessionSummary struct {
	Session     CashSession           `json:"session"`
	Payments    []SessionPaymentTotal `json:"payments"`
	Movements   []CashMovement        `json:"movements"`
	ChangeGiven decimal.Decimal       `json:"change_given"`
}

type DistributionLine struct {
	ProductCode string          `json:"product_code"`
	ProductID   string          `json:"-"`
	VariantID   string          `json:"-"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type DistributionOrder struct {
	Number      int64              `json:"number"`
	Origin      string             `json:"origin"`
	Destination string             `json:"destination"`
	IssuedAt    time.Time          `json:"issued_at"`
	Lines       []DistributionLine `json:"lines"`
	Checksum    string             `json:"checksum"`
}
