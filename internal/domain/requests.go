package domain

import "github.com/shopspring/decimal"

type PaymentRequest struct {
	Method        string          `json:"method" validate:"required,oneof=cash card transfer credit"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
	BankAccountID string          `json:"bank_account_id"`
	Reference     string          `json:"reference"`
}

type SaleLineRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	VariantID string          `json:"variant_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxID     string          `json:"tax_id"`
}

// KitSelection overrides one default bill-of-materials line for a kit sale,
// e.g. the caller picked an alternative from an optional group. Quantity is
// per kit unit.
type KitSelection struct {
	ComponentProductID string          `json:"component_product_id" validate:"required"`
	Quantity           decimal.Decimal `json:"quantity"`
}

type SaleRequest struct {
	LocationID    string                    `json:"location_id"`
	HostID        string                    `json:"host_id" validate:"required"`
	CashierID     string                    `json:"cashier_id" validate:"required"`
	CustomerID    string                    `json:"customer_id"`
	Lines         []SaleLineRequest         `json:"lines" validate:"required,min=1,dive"`
	Payments      []PaymentRequest          `json:"payments" validate:"required,min=1,dive"`
	KitSelections map[string][]KitSelection `json:"kit_selections"`
}

type PurchaseLineRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	VariantID string          `json:"variant_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	TaxID     string          `json:"tax_id"`
}

type PurchaseRequest struct {
	LocationID string                `json:"location_id"`
	SupplierID string                `json:"supplier_id" validate:"required"`
	Lines      []PurchaseLineRequest `json:"lines" validate:"required,min=1,dive"`
	Payments   []PaymentRequest      `json:"payments" validate:"dive"`
}

type RefundLineRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	VariantID string          `json:"variant_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type RefundRequest struct {
	OriginalSaleID string              `json:"original_sale_id" validate:"required"`
	HostID         string              `json:"host_id"`
	Lines          []RefundLineRequest `json:"lines" validate:"required,min=1,dive"`
	Payments       []PaymentRequest    `json:"payments" validate:"dive"`
}

type DebtPaymentRequest struct {
	Direction     string           `json:"direction" validate:"required,oneof=customer supplier"`
	PartyID       string           `json:"party_id" validate:"required"`
	HostID        string           `json:"host_id"`
	InvoiceNumber string           `json:"invoice_number"`
	Payments      []PaymentRequest `json:"payments" validate:"required,min=1,dive"`
}

type StockEntryRequest struct {
	LocationID string          `json:"location_id"`
	ProductID  string          `json:"product_id" validate:"required"`
	VariantID  string          `json:"variant_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Memo       string          `json:"memo"`
}

type DisassemblyRequest struct {
	LocationID      string          `json:"location_id"`
	SourceProductID string          `json:"source_product_id" validate:"required"`
	ResultProductID string          `json:"result_product_id" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
}

type OpeningFloat struct {
	Currency string          `json:"currency" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

type SessionOpenRequest struct {
	RegisterID    string         `json:"register_id" validate:"required"`
	HostID        string         `json:"host_id" validate:"required"`
	OpeningFloats []OpeningFloat `json:"opening_floats" validate:"dive"`
}

type SessionCloseRequest struct {
	HostID string `json:"host_id" validate:"required"`
}

type CashMovementRequest struct {
	HostID   string          `json:"host_id" validate:"required"`
	Kind     string          `json:"kind" validate:"required,oneof=in out"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Memo     string          `json:"memo"`
}

type DistributionExportRequest struct {
	LocationID  string             `json:"location_id"`
	Destination string             `json:"destination" validate:"required"`
	Items       []DistributionItem `json:"items" validate:"required,min=1,dive"`
}

type DistributionItem struct {
	ProductID string          `json:"product_id" validate:"required"`
	VariantID string          `json:"variant_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}
