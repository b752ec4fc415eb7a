// Package service is the transaction orchestrator. Each operation validates
// its input, plans the stock movements (through the resolve engine for
// composite products), and hands one document to the store, whose commit
// methods own the atomic unit of work. A failure anywhere surfaces one error
// and leaves no partial state behind.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mangopos/backend/internal/cache"
	"mangopos/backend/internal/distribution"
	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/resolve"
	"mangopos/backend/internal/store"
)

type Service struct {
	repo              store.Repository
	products          cache.ProductCache
	resolver          *resolve.Engine
	validate          *validator.Validate
	logger            *zap.Logger
	defaultLocationID string
	baseCurrency      string
	cacheTTL          time.Duration
}

func New(
	repo store.Repository,
	products cache.ProductCache,
	resolver *resolve.Engine,
	logger *zap.Logger,
	defaultLocationID string,
	baseCurrency string,
	cacheTTL time.Duration,
) *Service {
	if defaultLocationID == "" {
		defaultLocationID = "main"
	}
	if baseCurrency == "" {
		baseCurrency = "PEN"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if products == nil {
		products = cache.NoopProductCache{}
	}

	return &Service{
		repo:              repo,
		products:          products,
		resolver:          resolver,
		validate:          validator.New(),
		logger:            logger,
		defaultLocationID: defaultLocationID,
		baseCurrency:      baseCurrency,
		cacheTTL:          cacheTTL,
	}
}

func (s *Service) checkInput(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return nil
}

func (s *Service) getProduct(ctx context.Context, id string) (*domain.Product, error) {
	if p, ok, err := s.products.Get(ctx, id); err == nil && ok {
		return p, nil
	}
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.products.Set(ctx, p, s.cacheTTL); err != nil {
		s.logger.Warn("product cache set failed", zap.String("product_id", id), zap.Error(err))
	}
	return p, nil
}

// normalizePayments fills currency and exchange-rate defaults and rejects
// malformed entries. A payment in the base currency always snapshots rate 1;
// a foreign-currency payment must carry a positive rate of its own.
func (s *Service) normalizePayments(reqs []domain.PaymentRequest, allowCredit bool) ([]domain.Payment, error) {
	payments := make([]domain.Payment, 0, len(reqs))
	for _, r := range reqs {
		if r.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
		}
		method := domain.PaymentMethod(r.Method)
		if method == domain.PayCredit && !allowCredit {
			return nil, fmt.Errorf("%w: credit payment method not allowed here", store.ErrValidation)
		}
		currency := r.Currency
		if currency == "" {
			currency = s.baseCurrency
		}
		rate := r.ExchangeRate
		if currency == s.baseCurrency {
			rate = decimal.NewFromInt(1)
		} else if rate.Sign() <= 0 {
			return nil, fmt.Errorf("%w: foreign-currency payment in %s requires a positive exchange rate", store.ErrValidation, currency)
		}
		if (method == domain.PayCard || method == domain.PayTransfer) && r.BankAccountID == "" {
			return nil, fmt.Errorf("%w: %s payment requires a bank account", store.ErrValidation, method)
		}
		payments = append(payments, domain.Payment{
			Method:        method,
			Amount:        r.Amount,
			Currency:      currency,
			ExchangeRate:  rate,
			BankAccountID: r.BankAccountID,
			Reference:     r.Reference,
		})
	}
	return payments, nil
}

func sumBase(payments []domain.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.BaseAmount())
	}
	return total
}

// taxAccumulator aggregates one summary row per tax code, never per line.
type taxAccumulator struct {
	order []string
	rows  map[string]*domain.TaxSummaryLine
	taxes map[string]domain.Tax
}

func newTaxAccumulator(taxes map[string]domain.Tax) *taxAccumulator {
	return &taxAccumulator{rows: map[string]*domain.TaxSummaryLine{}, taxes: taxes}
}

func (a *taxAccumulator) add(taxID string, base decimal.Decimal) (decimal.Decimal, error) {
	if taxID == "" {
		return decimal.Zero, nil
	}
	tax, ok := a.taxes[taxID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: tax %s", store.ErrNotFound, taxID)
	}
	amount := base.Mul(tax.Rate)
	row, ok := a.rows[taxID]
	if !ok {
		row = &domain.TaxSummaryLine{TaxID: taxID}
		a.rows[taxID] = row
		a.order = append(a.order, taxID)
	}
	row.Base = row.Base.Add(base)
	row.Amount = row.Amount.Add(amount)
	return amount, nil
}

func (a *taxAccumulator) summary() []domain.TaxSummaryLine {
	out := make([]domain.TaxSummaryLine, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.rows[id])
	}
	return out
}

func (s *Service) loadTaxes(ctx context.Context, taxIDs map[string]bool) (map[string]domain.Tax, error) {
	ids := make([]string, 0, len(taxIDs))
	for id := range taxIDs {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]domain.Tax{}, nil
	}
	return s.repo.GetTaxesByIDs(ctx, ids)
}

// Sale runs the full sale workflow: open-session check, line validation and
// composite expansion, tax aggregation, payment settlement planning, then one
// atomic commit.
func (s *Service) Sale(ctx context.Context, req domain.SaleRequest) (*domain.SaleDocument, error) {
	if err := s.checkInput(req); err != nil {
		return nil, err
	}
	locationID := req.LocationID
	if locationID == "" {
		locationID = s.defaultLocationID
	}

	session, err := s.repo.GetOpenCashSession(ctx, req.HostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no open cash session for host %s", store.ErrValidation, req.HostID)
		}
		return nil, err
	}

	payments, err := s.normalizePayments(req.Payments, true)
	if err != nil {
		return nil, err
	}
	creditTotal := decimal.Zero
	cashTotal := decimal.Zero
	for _, p := range payments {
		switch p.Method {
		case domain.PayCredit:
			creditTotal = creditTotal.Add(p.BaseAmount())
		case domain.PayCash:
			cashTotal = cashTotal.Add(p.BaseAmount())
		}
	}
	if creditTotal.Sign() > 0 && req.CustomerID == "" {
		return nil, fmt.Errorf("%w: credit payment requires a customer", store.ErrValidation)
	}

	taxIDs := map[string]bool{}
	for _, line := range req.Lines {
		if line.TaxID != "" {
			taxIDs[line.TaxID] = true
		}
	}
	taxes, err := s.loadTaxes(ctx, taxIDs)
	if err != nil {
		return nil, err
	}
	acc := newTaxAccumulator(taxes)

	now := time.Now().UTC()
	total := decimal.Zero
	var lines []domain.SaleLine
	var movements []domain.PlannedMovement

	for _, lineReq := range req.Lines {
		if lineReq.Quantity.Sign() <= 0 {
			return nil, fmt.Errorf("%w: line quantity for product %s must be positive", store.ErrValidation, lineReq.ProductID)
		}
		product, err := s.getProduct(ctx, lineReq.ProductID)
		if err != nil {
			return nil, err
		}
		if !product.Sellable {
			return nil, fmt.Errorf("%w: product %s is not sellable", store.ErrValidation, product.ID)
		}
		unitPrice := lineReq.UnitPrice
		if unitPrice.Sign() == 0 {
			unitPrice = product.SellPrice
		}

		planned, err := s.planSaleMovements(ctx, *product, lineReq, req.KitSelections[lineReq.ProductID], locationID, now)
		if err != nil {
			return nil, err
		}
		movements = append(movements, planned...)

		base := lineReq.Quantity.Mul(unitPrice)
		taxAmount, err := acc.add(lineReq.TaxID, base)
		if err != nil {
			return nil, err
		}
		total = total.Add(base).Add(taxAmount)
		lines = append(lines, domain.SaleLine{
			ProductID: product.ID,
			VariantID: lineReq.VariantID,
			Quantity:  lineReq.Quantity,
			UnitPrice: unitPrice,
			TaxID:     lineReq.TaxID,
		})
	}

	paid := sumBase(payments)
	if paid.Add(store.CreditEpsilon).LessThan(total) {
		return nil, fmt.Errorf("%w: payments %s do not cover total %s", store.ErrValidation, paid, total)
	}
	change := paid.Sub(total)
	if change.Sign() < 0 {
		change = decimal.Zero
	}
	if change.Sub(cashTotal).GreaterThan(store.CreditEpsilon) {
		return nil, fmt.Errorf("%w: change %s exceeds cash tendered %s", store.ErrValidation, change, cashTotal)
	}

	doc := domain.SaleDocument{
		ID:           uuid.NewString(),
		LocationID:   locationID,
		SessionID:    session.ID,
		CashierID:    req.CashierID,
		CustomerID:   req.CustomerID,
		Currency:     s.baseCurrency,
		Lines:        lines,
		Movements:    movements,
		TaxSummary:   acc.summary(),
		Payments:     payments,
		Total:        total,
		CreditAmount: creditTotal,
		ChangeGiven:  change,
		CreatedAt:    now,
	}

	committed, err := s.repo.CommitSale(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("sale committed",
		zap.String("sale_id", committed.ID),
		zap.Int64("number", committed.Number),
		zap.String("total", committed.Total.String()),
		zap.Int("lines", len(committed.Lines)))
	return committed, nil
}

// planSaleMovements dispatches on product type. Simple products get one
// enforced out-movement; kits and compounds expand through the resolver;
// services move no stock at all.
func (s *Service) planSaleMovements(
	ctx context.Context,
	product domain.Product,
	line domain.SaleLineRequest,
	selections []domain.KitSelection,
	locationID string,
	at time.Time,
) ([]domain.PlannedMovement, error) {
	switch product.Type {
	case domain.ProductService:
		return nil, nil

	case domain.ProductSimple:
		return []domain.PlannedMovement{{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         at,
				Reason:     domain.ReasonSaleOut,
				LocationID: locationID,
				ProductID:  product.ID,
				VariantID:  line.VariantID,
				Quantity:   line.Quantity.Neg(),
				UnitCost:   product.UnitCost,
			},
			Enforce: true,
		}}, nil

	case domain.ProductKit:
		components, err := s.repo.GetKitComponents(ctx, product.ID)
		if err != nil {
			return nil, err
		}
		stock, err := s.componentStock(ctx, locationID, kitComponentIDs(components, selections))
		if err != nil {
			return nil, err
		}
		return s.resolver.ExpandKit(product, components, selections, line.Quantity, locationID, stock, at)

	case domain.ProductCompound:
		ingredients, err := s.repo.GetCompoundIngredients(ctx, product.ID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(ingredients))
		for _, ing := range ingredients {
			ids = append(ids, ing.IngredientProductID)
		}
		stock, err := s.componentStock(ctx, locationID, ids)
		if err != nil {
			return nil, err
		}
		lookup := func(from, to string) (decimal.Decimal, bool, error) {
			return s.repo.GetUnitConversion(ctx, from, to)
		}
		return s.resolver.ExpandCompound(product, ingredients, line.Quantity, locationID, stock, lookup, at)

	default:
		return nil, fmt.Errorf("%w: unknown product type %q", store.ErrValidation, product.Type)
	}
}

func kitComponentIDs(components []domain.KitComponent, selections []domain.KitSelection) []string {
	if len(selections) > 0 {
		ids := make([]string, 0, len(selections))
		for _, sel := range selections {
			ids = append(ids, sel.ComponentProductID)
		}
		return ids
	}
	ids := make([]string, 0, len(components))
	for _, c := range components {
		ids = append(ids, c.ComponentProductID)
	}
	return ids
}

func (s *Service) componentStock(ctx context.Context, locationID string, productIDs []string) (map[domain.StockKey]decimal.Decimal, error) {
	keys := make([]domain.StockKey, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, domain.StockKey{LocationID: locationID, ProductID: id})
	}
	return s.repo.GetStockBalances(ctx, keys)
}

// Purchase increases stock. Only purchasable products may appear; composite
// products cannot hold stock and are rejected outright. The unpaid remainder
// of the total becomes supplier payable.
func (s *Service) Purchase(ctx context.Context, req domain.PurchaseRequest) (*domain.PurchaseDocument, error) {
	if err := s.checkInput(req); err != nil {
		return nil, err
	}
	locationID := req.LocationID
	if locationID == "" {
		locationID = s.defaultLocationID
	}

	payments, err := s.normalizePayments(req.Payments, false)
	if err != nil {
		return nil, err
	}

	taxIDs := map[string]bool{}
	for _, line := range req.Lines {
		if line.TaxID != "" {
			taxIDs[line.TaxID] = true
		}
	}
	taxes, err := s.loadTaxes(ctx, taxIDs)
	if err != nil {
		return nil, err
	}
	acc := newTaxAccumulator(taxes)

	now := time.Now().UTC()
	total := decimal.Zero
	var lines []domain.PurchaseLine
	var movements []domain.PlannedMovement

	for _, lineReq := range req.Lines {
		if lineReq.Quantity.Sign() <= 0 {
			return nil, fmt.Errorf("%w: line quantity for product %s must be positive", store.ErrValidation, lineReq.ProductID)
		}
		product, err := s.getProduct(ctx, lineReq.ProductID)
		if err != nil {
			return nil, err
		}
		if !product.Purchasable {
			return nil, fmt.Errorf("%w: product %s is not purchasable", store.ErrValidation, product.ID)
		}
		unitCost := lineReq.UnitCost
		if unitCost.Sign() == 0 {
			unitCost = product.UnitCost
		}

		switch product.Type {
		case domain.ProductService:
			// no stock held
		case domain.ProductSimple:
			movements = append(movements, domain.PlannedMovement{
				StockMovement: domain.StockMovement{
					ID:         uuid.NewString(),
					At:         now,
					Reason:     domain.ReasonPurchaseIn,
					LocationID: locationID,
					ProductID:  product.ID,
					VariantID:  lineReq.VariantID,
					Quantity:   lineReq.Quantity,
					UnitCost:   unitCost,
				},
			})
		default:
			return nil, fmt.Errorf("%w: product %s has type %s and cannot be purchased into stock", store.ErrValidation, product.ID, product.Type)
		}

		base := lineReq.Quantity.Mul(unitCost)
		taxAmount, err := acc.add(lineReq.TaxID, base)
		if err != nil {
			return nil, err
		}
		total = total.Add(base).Add(taxAmount)
		lines = append(lines, domain.PurchaseLine{
			ProductID: product.ID,
			VariantID: lineReq.VariantID,
			Quantity:  lineReq.Quantity,
			UnitCost:  unitCost,
			TaxID:     lineReq.TaxID,
		})
	}

	paid := sumBase(payments)
	payable := total.Sub(paid)
	if payable.Sign() < 0 {
		return nil, fmt.Errorf("%w: payments %s exceed purchase total %s", store.ErrValidation, paid, total)
	}

	doc := domain.PurchaseDocument{
		ID:            uuid.NewString(),
		LocationID:    locationID,
		SupplierID:    req.SupplierID,
		Currency:      s.baseCurrency,
		Lines:         lines,
		Movements:     movements,
		TaxSummary:    acc.summary(),
		Payments:      payments,
		Total:         total,
		PayableAmount: payable,
		CreatedAt:     now,
	}

	committed, err := s.repo.CommitPurchase(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("purchase committed",
		zap.String("purchase_id", committed.ID),
		zap.Int64("number", committed.Number),
		zap.String("supplier_id", committed.SupplierID),
		zap.String("total", committed.Total.String()))
	return committed, nil
}

// Refund reverses part of an original sale. Quantities are validated against
// the original ticket's lines and the running total of prior refunds, never
// against stock. The refund is a new document with its own number and its
// own ledger entries.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundDocument, error) {
	if err := s.checkInput(req); err != nil {
		return nil, err
	}

	original, err := s.repo.GetSale(ctx, req.OriginalSaleID)
	if err != nil {
		return nil, err
	}
	refunded, err := s.repo.GetRefundedQuantities(ctx, req.OriginalSaleID)
	if err != nil {
		return nil, err
	}

	originalByKey := map[string]domain.SaleLine{}
	soldByKey := map[string]decimal.Decimal{}
	taxIDs := map[string]bool{}
	for _, line := range original.Lines {
		k := store.LineKey(line.ProductID, line.VariantID)
		originalByKey[k] = line
		soldByKey[k] = soldByKey[k].Add(line.Quantity)
		if line.TaxID != "" {
			taxIDs[line.TaxID] = true
		}
	}
	taxes, err := s.loadTaxes(ctx, taxIDs)
	if err != nil {
		return nil, err
	}

	sessionID := ""
	if req.HostID != "" {
		if session, err := s.repo.GetOpenCashSession(ctx, req.HostID); err == nil {
			sessionID = session.ID
		}
	}

	payments, err := s.normalizePayments(req.Payments, true)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	total := decimal.Zero
	var lines []domain.RefundLine
	var movements []domain.PlannedMovement

	for _, lineReq := range req.Lines {
		if lineReq.Quantity.Sign() <= 0 {
			return nil, fmt.Errorf("%w: refund quantity for product %s must be positive", store.ErrValidation, lineReq.ProductID)
		}
		k := store.LineKey(lineReq.ProductID, lineReq.VariantID)
		origLine, ok := originalByKey[k]
		if !ok {
			return nil, fmt.Errorf("%w: product %s was not on the original sale", store.ErrValidation, lineReq.ProductID)
		}
		if refunded[k].Add(lineReq.Quantity).GreaterThan(soldByKey[k]) {
			return nil, fmt.Errorf("%w: refund quantity for product %s exceeds sold quantity", store.ErrValidation, lineReq.ProductID)
		}

		product, err := s.getProduct(ctx, lineReq.ProductID)
		if err != nil {
			return nil, err
		}
		planned, err := s.planRefundMovements(ctx, *product, lineReq, original.LocationID, now, original.Number)
		if err != nil {
			return nil, err
		}
		movements = append(movements, planned...)

		amount := lineReq.Quantity.Mul(origLine.UnitPrice)
		if origLine.TaxID != "" {
			tax, ok := taxes[origLine.TaxID]
			if !ok {
				return nil, fmt.Errorf("%w: tax %s", store.ErrNotFound, origLine.TaxID)
			}
			amount = amount.Add(amount.Mul(tax.Rate))
		}
		total = total.Add(amount)
		lines = append(lines, domain.RefundLine{
			ProductID: lineReq.ProductID,
			VariantID: lineReq.VariantID,
			Quantity:  lineReq.Quantity,
			UnitPrice: origLine.UnitPrice,
			TaxID:     origLine.TaxID,
		})
	}

	paid := sumBase(payments)
	if paid.Sub(total).Abs().GreaterThan(store.CreditEpsilon) {
		return nil, fmt.Errorf("%w: refund payments %s must match refund total %s", store.ErrValidation, paid, total)
	}
	creditReversed := decimal.Zero
	for _, p := range payments {
		if p.Method == domain.PayCredit {
			creditReversed = creditReversed.Add(p.BaseAmount())
		}
	}
	if creditReversed.Sign() > 0 && original.CustomerID == "" {
		return nil, fmt.Errorf("%w: original sale has no customer to credit back", store.ErrValidation)
	}

	doc := domain.RefundDocument{
		ID:             uuid.NewString(),
		OriginalSaleID: original.ID,
		LocationID:     original.LocationID,
		SessionID:      sessionID,
		CustomerID:     original.CustomerID,
		Lines:          lines,
		Movements:      movements,
		Payments:       payments,
		Total:          total,
		CreditReversed: creditReversed,
		CreatedAt:      now,
	}

	committed, err := s.repo.CommitRefund(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("refund committed",
		zap.String("refund_id", committed.ID),
		zap.Int64("number", committed.Number),
		zap.String("original_sale_id", committed.OriginalSaleID),
		zap.String("total", committed.Total.String()))
	return committed, nil
}

// planRefundMovements reverses the stock side of a sale line. A refunded kit
// restores its default components; a refunded compound restores the compound
// itself (its ingredients were consumed at manufacture and do not come back).
func (s *Service) planRefundMovements(
	ctx context.Context,
	product domain.Product,
	line domain.RefundLineRequest,
	locationID string,
	at time.Time,
	originalNumber int64,
) ([]domain.PlannedMovement, error) {
	memo := fmt.Sprintf("refund of sale %d", originalNumber)
	switch product.Type {
	case domain.ProductService:
		return nil, nil

	case domain.ProductKit:
		components, err := s.repo.GetKitComponents(ctx, product.ID)
		if err != nil {
			return nil, err
		}
		movements := make([]domain.PlannedMovement, 0, len(components))
		for _, c := range components {
			movements = append(movements, domain.PlannedMovement{
				StockMovement: domain.StockMovement{
					ID:         uuid.NewString(),
					At:         at,
					Reason:     domain.ReasonRefundIn,
					LocationID: locationID,
					ProductID:  c.ComponentProductID,
					Quantity:   c.QuantityPerUnit.Mul(line.Quantity),
					Memo:       memo,
				},
			})
		}
		return movements, nil

	default:
		return []domain.PlannedMovement{{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         at,
				Reason:     domain.ReasonRefundIn,
				LocationID: locationID,
				ProductID:  product.ID,
				VariantID:  line.VariantID,
				Quantity:   line.Quantity,
				UnitCost:   product.UnitCost,
				Memo:       memo,
			},
		}}, nil
	}
}

// DebtPayment settles one or more payments against a customer debt or a
// supplier payable and decreases the balance by their normalized sum.
func (s *Service) DebtPayment(ctx context.Context, req domain.DebtPaymentRequest) (*domain.DebtPaymentDocument, error) {
	if err := s.checkInput(req); err != nil {
		return nil, err
	}
	payments, err := s.normalizePayments(req.Payments, false)
	if err != nil {
		return nil, err
	}

	sessionID := ""
	if req.HostID != "" {
		if session, err := s.repo.GetOpenCashSession(ctx, req.HostID); err == nil {
			sessionID = session.ID
		}
	}

	doc := domain.DebtPaymentDocument{
		ID:            uuid.NewString(),
		Direction:     domain.DebtDirection(req.Direction),
		PartyID:       req.PartyID,
		SessionID:     sessionID,
		InvoiceNumber: req.InvoiceNumber,
		Payments:      payments,
		Total:         sumBase(payments),
		CreatedAt:     time.Now().UTC(),
	}

	committed, err := s.repo.CommitDebtPayment(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("debt payment committed",
		zap.String("debt_payment_id", committed.ID),
		zap.Int64("number", committed.Number),
		zap.String("direction", string(committed.Direction)),
		zap.String("party_id", committed.PartyID),
		zap.String("total", committed.Total.String()))
	return committed, nil
}

// StockEntry records one manual adjustment. It is the only flow allowed to
// push a balance negative; composite and service products are rejected
// before any write.
func (s *Service) StockEntry(ctx context.Context, req domain.StockEntryRequest) (*domain.StockMovement, error) {
	if err := s.checkInput(req); err != nil {
		return nil, err
	}
	if req.Quantity.Sign() == 0 {
		return nil, fmt.Errorf("%w: adjustment quantity must be non-zero", store.ErrValidation)
	}
	locationID := req.LocationID
	if locationID == "" {
		locationID = s.defaultLocationID
	}

	product, err := s.getProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if err := resolve.ValidateDirectMovement(*product); err != nil {
		return nil, err
	}

	unitCost := req.UnitCost
	if unitCost.Sign() == 0 {
		unitCost = product.UnitCost
	}
	movement := domain.PlannedMovement{
		StockMovement: domain.StockMovement{
			ID:         uuid.NewString(),
			At:         time.Now().UTC(),
			Reason:     domain.ReasonAdjustment,
			LocationID: locationID,
			ProductID:  product.ID,
			VariantID:  req.VariantID,
			Quantity:   req.Quantity,
			UnitCost:   unitCost,
			Memo:       req.Memo,
		},
	}
	if err := s.repo.ApplyMovements(ctx, []domain.PlannedMovement{movement}); err != nil {
		return nil, err
	}
	s.logger.Info("stock adjustment applied",
		zap.String("product_id", product.ID),
		zap.String("quantity", req.Quantity.String()),
		zap.String("location_id", locationID))
	return &movement.StockMovement, nil
}

// Disassembly converts stock of a source product into its result product at
// the configured ratio; both movements commit together.
func (s *Service) Disassembly(ctx context.Context, req domain.DisassemblyRequest) ([]domain.StockMovement, error) {
	if err := s.checkInput(req); err != nil {
		return nil, err
	}
	locationID := req.LocationID
	if locationID == "" {
		locationID = s.defaultLocationID
	}

	source, err := s.getProduct(ctx, req.SourceProductID)
	if err != nil {
		return nil, err
	}
	result, err := s.getProduct(ctx, req.ResultProductID)
	if err != nil {
		return nil, err
	}
	rel, err := s.repo.GetDisassemblyRelation(ctx, source.ID, result.ID)
	if err != nil {
		return nil, err
	}

	key := domain.StockKey{LocationID: locationID, ProductID: source.ID}
	balances, err := s.repo.GetStockBalances(ctx, []domain.StockKey{key})
	if err != nil {
		return nil, err
	}

	planned, err := s.resolver.PlanDisassembly(*source, *result, *rel, req.Quantity, locationID, balances[key], time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.repo.ApplyMovements(ctx, planned); err != nil {
		return nil, err
	}

	out := make([]domain.StockMovement, 0, len(planned))
	for _, m := range planned {
		out = append(out, m.StockMovement)
	}
	s.logger.Info("disassembly committed",
		zap.String("source_id", source.ID),
		zap.String("result_id", result.ID),
		zap.String("quantity", req.Quantity.String()))
	return out, nil
}

func (s *Service) VerifyStockIntegrity(ctx context.Context, locationID string) ([]domain.StockMismatch, error) {
	if locationID == "" {
		locationID = s.defaultLocationID
	}
	return s.repo.VerifyStockIntegrity(ctx, locationID)
}

// Cash sessions.

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (*domain.CashSession, error) {
	if err := s.checkInput(req); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	session := domain.CashSession{
		ID:         uuid.NewString(),
		RegisterID: req.RegisterID,
		HostID:     req.HostID,
		StartedAt:  now,
	}
	floats := make([]domain.CashMovement, 0, len(req.OpeningFloats))
	for _, f := range req.OpeningFloats {
		if f.Amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: opening float must not be negative", store.ErrValidation)
		}
		currency := f.Currency
		if currency == "" {
			currency = s.baseCurrency
		}
		floats = append(floats, domain.CashMovement{
			ID:       uuid.NewString(),
			At:       now,
			Kind:     domain.CashOpeningFloat,
			Currency: currency,
			Amount:   f.Amount,
			Memo:     "opening float",
		})
	}
	opened, err := s.repo.OpenCashSession(ctx, session, floats)
	if err != nil {
		return nil, err
	}
	s.logger.Info("cash session opened",
		zap.String("session_id", opened.ID),
		zap.String("host_id", opened.HostID),
		zap.Int64("host_sequence", opened.HostSequence))
	return opened, nil
}

func (s *Service) CloseSession(ctx context.Context, req domain.SessionCloseRequest) (*domain.CashSession, error) {
	if err := s.checkInput(req); err != nil {
		return nil, err
	}
	closed, err := s.repo.CloseCashSession(ctx, req.HostID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("cash session closed",
		zap.String("session_id", closed.ID),
		zap.String("host_id", closed.HostID))
	return closed, nil
}

func (s *Service) ActiveSession(ctx context.Context, hostID string) (*domain.CashSession, error) {
	if hostID == "" {
		return nil, fmt.Errorf("%w: host id required", store.ErrValidation)
	}
	return s.repo.GetOpenCashSession(ctx, hostID)
}

func (s *Service) RecordCashMovement(ctx context.Context, req domain.CashMovementRequest) (*domain.CashMovement, error) {
	if err := s.checkInput(req); err != nil {
		return nil, err
	}
	if req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: cash movement amount must be positive", store.ErrValidation)
	}
	session, err := s.repo.GetOpenCashSession(ctx, req.HostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no open cash session for host %s", store.ErrValidation, req.HostID)
		}
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = s.baseCurrency
	}
	movement := domain.CashMovement{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		At:        time.Now().UTC(),
		Kind:      domain.CashMovementKind(req.Kind),
		Currency:  currency,
		Amount:    req.Amount,
		Memo:      req.Memo,
	}
	if err := s.repo.AddCashMovement(ctx, movement); err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Service) SessionSummary(ctx context.Context, sessionID string) (*domain.SessionSummary, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id required", store.ErrValidation)
	}
	return s.repo.GetSessionSummary(ctx, sessionID)
}

// Distribution interchange.

// ExportDistribution moves stock out toward another location and returns the
// sealed interchange document ready to hand to the receiving side.
func (s *Service) ExportDistribution(ctx context.Context, req domain.DistributionExportRequest) (*domain.DistributionOrder, []byte, error) {
	if err := s.checkInput(req); err != nil {
		return nil, nil, err
	}
	locationID := req.LocationID
	if locationID == "" {
		locationID = s.defaultLocationID
	}

	now := time.Now().UTC()
	var lines []domain.DistributionLine
	var movements []domain.PlannedMovement
	for _, item := range req.Items {
		if item.Quantity.Sign() <= 0 {
			return nil, nil, fmt.Errorf("%w: distribution quantity for product %s must be positive", store.ErrValidation, item.ProductID)
		}
		product, err := s.getProduct(ctx, item.ProductID)
		if err != nil {
			return nil, nil, err
		}
		if err := resolve.ValidateDirectMovement(*product); err != nil {
			return nil, nil, err
		}
		lines = append(lines, domain.DistributionLine{
			ProductCode: product.Code,
			ProductID:   product.ID,
			VariantID:   item.VariantID,
			Quantity:    item.Quantity,
			UnitCost:    product.UnitCost,
		})
		movements = append(movements, domain.PlannedMovement{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         now,
				Reason:     domain.ReasonDistributionOut,
				LocationID: locationID,
				ProductID:  product.ID,
				VariantID:  item.VariantID,
				Quantity:   item.Quantity.Neg(),
				UnitCost:   product.UnitCost,
				Memo:       fmt.Sprintf("distribution to %s", req.Destination),
			},
			Enforce: true,
		})
	}

	order := domain.DistributionOrder{
		Origin:      locationID,
		Destination: req.Destination,
		IssuedAt:    now,
		Lines:       lines,
	}
	committed, err := s.repo.CommitDistributionExport(ctx, order, movements)
	if err != nil {
		return nil, nil, err
	}

	sealed := distribution.Seal(*committed)
	payload, err := distribution.Encode(sealed)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("distribution order exported",
		zap.Int64("number", sealed.Number),
		zap.String("destination", sealed.Destination),
		zap.Int("lines", len(sealed.Lines)))
	return &sealed, payload, nil
}

// ImportDistribution verifies the document checksum, maps product codes back
// to the local catalog, and books the stock in. A previously received order
// number is rejected.
func (s *Service) ImportDistribution(ctx context.Context, payload []byte) (*domain.DistributionOrder, error) {
	order, err := distribution.Decode(payload)
	if err != nil {
		return nil, err
	}

	locationID := order.Destination
	if locationID == "" {
		locationID = s.defaultLocationID
	}

	now := time.Now().UTC()
	movements := make([]domain.PlannedMovement, 0, len(order.Lines))
	for _, line := range order.Lines {
		if line.Quantity.Sign() <= 0 {
			return nil, fmt.Errorf("%w: distribution line for code %s has non-positive quantity", store.ErrValidation, line.ProductCode)
		}
		product, err := s.repo.GetProductByCode(ctx, line.ProductCode)
		if err != nil {
			return nil, fmt.Errorf("product code %s: %w", line.ProductCode, err)
		}
		movements = append(movements, domain.PlannedMovement{
			StockMovement: domain.StockMovement{
				ID:         uuid.NewString(),
				At:         now,
				Reason:     domain.ReasonDistributionIn,
				LocationID: locationID,
				ProductID:  product.ID,
				Quantity:   line.Quantity,
				UnitCost:   line.UnitCost,
				Memo:       fmt.Sprintf("distribution order %d from %s", order.Number, order.Origin),
			},
		})
	}

	if err := s.repo.CommitDistributionImport(ctx, order, movements); err != nil {
		return nil, err
	}
	s.logger.Info("distribution order imported",
		zap.Int64("number", order.Number),
		zap.String("origin", order.Origin),
		zap.Int("lines", len(order.Lines)))
	return &order, nil
}
