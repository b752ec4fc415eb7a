// Package memory is an in-memory Repository used for tests and for running
// the server without a database. Commit methods take the write lock for
// their whole unit of work, which gives the same all-or-nothing and
// serialization behavior the postgres store gets from transactions and row
// locks.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/store"
)

type paymentRecord struct {
	kind      string
	sessionID string
	payment   domain.Payment
}

type Store struct {
	mu sync.RWMutex

	products            map[string]domain.Product
	productIDByCode     map[string]string
	kitComponents       map[string][]domain.KitComponent
	compoundIngredients map[string][]domain.CompoundIngredient
	disassembly         map[string]domain.DisassemblyRelation
	conversions         map[string]decimal.Decimal
	taxes               map[string]domain.Tax
	customers           map[string]domain.Customer
	suppliers           map[string]domain.Supplier
	bankAccounts        map[string]domain.BankAccount

	movements []domain.StockMovement
	balances  map[domain.StockKey]decimal.Decimal

	correlatives map[domain.DocumentClass]int64

	sales       map[string]domain.SaleDocument
	refundedQty map[string]map[string]decimal.Decimal

	sessions      map[string]domain.CashSession
	hostSequences map[string]int64
	cashMovements []domain.CashMovement
	payments      []paymentRecord

	receivedOrders map[int64]bool
}

func New() *Store {
	return &Store{
		products:            map[string]domain.Product{},
		productIDByCode:     map[string]string{},
		kitComponents:       map[string][]domain.KitComponent{},
		compoundIngredients: map[string][]domain.CompoundIngredient{},
		disassembly:         map[string]domain.DisassemblyRelation{},
		conversions:         map[string]decimal.Decimal{},
		taxes:               map[string]domain.Tax{},
		customers:           map[string]domain.Customer{},
		suppliers:           map[string]domain.Supplier{},
		bankAccounts:        map[string]domain.BankAccount{},
		balances:            map[domain.StockKey]decimal.Decimal{},
		correlatives:        map[domain.DocumentClass]int64{},
		sales:               map[string]domain.SaleDocument{},
		refundedQty:         map[string]map[string]decimal.Decimal{},
		sessions:            map[string]domain.CashSession{},
		hostSequences:       map[string]int64{},
		receivedOrders:      map[int64]bool{},
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// NewSeeded returns a store with a small grocery catalog: simple products, a
// breakfast kit, a juice compound, a beef disassembly pair, a delivery
// service, one customer near the credit limit and one with headroom.
func NewSeeded() *Store {
	s := New()

	for _, p := range []domain.Product{
		{ID: "p-cola", Code: "COLA", Name: "Cola 500ml", Type: domain.ProductSimple, Sellable: true, Purchasable: true, BaseUnit: "unit", UnitCost: dec("1.00"), SellPrice: dec("2.50")},
		{ID: "p-bread", Code: "BREAD", Name: "Bread Roll", Type: domain.ProductSimple, Sellable: true, Purchasable: true, BaseUnit: "unit", UnitCost: dec("0.30"), SellPrice: dec("0.80")},
		{ID: "p-cheese", Code: "CHEESE", Name: "Cheese", Type: domain.ProductSimple, Sellable: true, Purchasable: true, BaseUnit: "kg", UnitCost: dec("8.00"), SellPrice: dec("15.00")},
		{ID: "p-ham", Code: "HAM", Name: "Ham", Type: domain.ProductSimple, Sellable: true, Purchasable: true, BaseUnit: "kg", UnitCost: dec("9.00"), SellPrice: dec("16.00")},
		{ID: "p-orange", Code: "ORANGE", Name: "Orange", Type: domain.ProductSimple, Sellable: true, Purchasable: true, BaseUnit: "kg", UnitCost: dec("1.00"), SellPrice: dec("3.00")},
		{ID: "p-sugar", Code: "SUGAR", Name: "Sugar", Type: domain.ProductSimple, Sellable: false, Purchasable: true, BaseUnit: "kg", UnitCost: dec("1.20"), SellPrice: dec("2.00")},
		{ID: "p-beef-quarter", Code: "BEEFQ", Name: "Beef Quarter", Type: domain.ProductSimple, Sellable: false, Purchasable: true, BaseUnit: "unit", UnitCost: dec("40.00"), SellPrice: dec("0")},
		{ID: "p-beef-cut", Code: "BEEFC", Name: "Beef Cut", Type: domain.ProductSimple, Sellable: true, Purchasable: false, BaseUnit: "unit", UnitCost: dec("10.00"), SellPrice: dec("18.00")},
		{ID: "k-breakfast", Code: "KITBRKF", Name: "Breakfast Kit", Type: domain.ProductKit, Sellable: true, Purchasable: false, BaseUnit: "unit", UnitCost: dec("0"), SellPrice: dec("5.00")},
		{ID: "c-juice", Code: "JUICE", Name: "Orange Juice", Type: domain.ProductCompound, Sellable: true, Purchasable: false, BaseUnit: "unit", UnitCost: dec("0.80"), SellPrice: dec("3.50")},
		{ID: "s-delivery", Code: "DELIV", Name: "Delivery", Type: domain.ProductService, Sellable: true, Purchasable: false, BaseUnit: "unit", UnitCost: dec("0"), SellPrice: dec("2.00")},
	} {
		s.AddProduct(p)
	}

	s.SetKitComponents("k-breakfast", []domain.KitComponent{
		{KitProductID: "k-breakfast", ComponentProductID: "p-bread", QuantityPerUnit: dec("2"), GroupID: "g1", GroupLabel: "Base", Mandatory: true},
		{KitProductID: "k-breakfast", ComponentProductID: "p-cheese", QuantityPerUnit: dec("0.1"), GroupID: "g2", GroupLabel: "Filling", Mandatory: false},
		{KitProductID: "k-breakfast", ComponentProductID: "p-ham", QuantityPerUnit: dec("0.1"), GroupID: "g2", GroupLabel: "Filling", Mandatory: false},
	})
	s.SetCompoundIngredients("c-juice", []domain.CompoundIngredient{
		{CompoundProductID: "c-juice", IngredientProductID: "p-orange", QuantityPerUnit: dec("250"), IngredientUnit: "g", ProductBaseUnit: "kg"},
		{CompoundProductID: "c-juice", IngredientProductID: "p-sugar", QuantityPerUnit: dec("0.02"), IngredientUnit: "kg", ProductBaseUnit: "kg"},
	})
	s.AddDisassembly(domain.DisassemblyRelation{SourceProductID: "p-beef-quarter", ResultProductID: "p-beef-cut", ConversionRatio: dec("4")})

	s.AddConversion("g", "kg", dec("0.001"))
	s.AddConversion("kg", "g", dec("1000"))
	s.AddConversion("ml", "l", dec("0.001"))
	s.AddConversion("l", "ml", dec("1000"))

	s.AddTax(domain.Tax{ID: "igv", Name: "IGV 18%", Rate: dec("0.18")})
	s.AddTax(domain.Tax{ID: "exempt", Name: "Exempt", Rate: dec("0")})

	s.AddCustomer(domain.Customer{ID: "cust-maria", Name: "Maria Quispe", CurrentDebt: dec("0"), MaxDebt: dec("200")})
	s.AddCustomer(domain.Customer{ID: "cust-jorge", Name: "Jorge Flores", CurrentDebt: dec("95.00"), MaxDebt: dec("100.00")})
	s.AddSupplier(domain.Supplier{ID: "sup-andina", Name: "Distribuidora Andina", CurrentPayable: dec("0")})
	s.AddBankAccount(domain.BankAccount{ID: "bank-main", Name: "Operating Account", Balance: dec("1000.00")})

	for _, b := range []struct {
		product string
		qty     string
	}{
		{"p-cola", "10"}, {"p-bread", "10"}, {"p-cheese", "5"}, {"p-ham", "5"},
		{"p-orange", "10"}, {"p-sugar", "5"}, {"p-beef-quarter", "10"}, {"p-beef-cut", "0"},
	} {
		s.SetBalance(domain.StockKey{LocationID: "main", ProductID: b.product}, dec(b.qty))
	}
	return s
}

// Seed mutators. These bypass the transaction flows and exist for fixtures.

func (s *Store) AddProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	s.productIDByCode[p.Code] = p.ID
}

func (s *Store) SetKitComponents(kitProductID string, components []domain.KitComponent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kitComponents[kitProductID] = components
}

func (s *Store) SetCompoundIngredients(compoundProductID string, ingredients []domain.CompoundIngredient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compoundIngredients[compoundProductID] = ingredients
}

func (s *Store) AddDisassembly(rel domain.DisassemblyRelation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disassembly[rel.SourceProductID+"|"+rel.ResultProductID] = rel
}

func (s *Store) AddConversion(fromUnit, toUnit string, factor decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversions[fromUnit+"|"+toUnit] = factor
}

func (s *Store) AddTax(t domain.Tax) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taxes[t.ID] = t
}

func (s *Store) AddCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *Store) AddSupplier(sup domain.Supplier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppliers[sup.ID] = sup
}

func (s *Store) AddBankAccount(b domain.BankAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bankAccounts[b.ID] = b
}

// SetBalance seeds a balance row together with a matching adjustment entry in
// the journal, keeping the ledger-sum invariant true from the start.
func (s *Store) SetBalance(key domain.StockKey, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[key] = qty
	s.movements = append(s.movements, domain.StockMovement{
		ID:         uuid.NewString(),
		At:         time.Now().UTC(),
		Reason:     domain.ReasonAdjustment,
		LocationID: key.LocationID,
		ProductID:  key.ProductID,
		VariantID:  key.VariantID,
		Quantity:   qty,
		Memo:       "seed",
	})
}

// Catalog reads.

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) GetProductByCode(_ context.Context, code string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.productIDByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := s.products[id]
	return &p, nil
}

func (s *Store) GetKitComponents(_ context.Context, kitProductID string) ([]domain.KitComponent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.KitComponent(nil), s.kitComponents[kitProductID]...), nil
}

func (s *Store) GetCompoundIngredients(_ context.Context, compoundProductID string) ([]domain.CompoundIngredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.CompoundIngredient(nil), s.compoundIngredients[compoundProductID]...), nil
}

func (s *Store) GetDisassemblyRelation(_ context.Context, sourceProductID, resultProductID string) (*domain.DisassemblyRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.disassembly[sourceProductID+"|"+resultProductID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rel, nil
}

func (s *Store) GetUnitConversion(_ context.Context, fromUnit, toUnit string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.conversions[fromUnit+"|"+toUnit]
	return f, ok, nil
}

func (s *Store) GetTaxesByIDs(_ context.Context, ids []string) (map[string]domain.Tax, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Tax, len(ids))
	for _, id := range ids {
		if t, ok := s.taxes[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.suppliers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sup, nil
}

func (s *Store) GetBankAccount(_ context.Context, id string) (*domain.BankAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bankAccounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

// Stock ledger.

func (s *Store) GetStockBalances(_ context.Context, keys []domain.StockKey) (map[domain.StockKey]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.StockKey]decimal.Decimal, len(keys))
	for _, k := range keys {
		if qty, ok := s.balances[k]; ok {
			out[k] = qty
		}
	}
	return out, nil
}

func (s *Store) ApplyMovements(_ context.Context, movements []domain.PlannedMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(movements)
}

// applyLocked simulates the full movement set against scratch balances before
// touching anything, so an enforced shortfall midway leaves no partial write.
func (s *Store) applyLocked(movements []domain.PlannedMovement) error {
	scratch := map[domain.StockKey]decimal.Decimal{}
	current := func(k domain.StockKey) decimal.Decimal {
		if v, ok := scratch[k]; ok {
			return v
		}
		return s.balances[k]
	}
	for _, m := range movements {
		key := m.Key()
		next := current(key).Add(m.Quantity)
		if m.Enforce && next.Sign() < 0 {
			return &store.InsufficientStockError{
				ProductID:  m.ProductID,
				VariantID:  m.VariantID,
				LocationID: m.LocationID,
				Requested:  m.Quantity.Neg(),
				Available:  current(key),
			}
		}
		scratch[key] = next
	}
	for _, m := range movements {
		s.movements = append(s.movements, m.StockMovement)
	}
	for k, v := range scratch {
		s.balances[k] = v
	}
	return nil
}

func (s *Store) ListMovements(_ context.Context, key domain.StockKey, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StockMovement
	for i := len(s.movements) - 1; i >= 0; i-- {
		if s.movements[i].Key() == key {
			out = append(out, s.movements[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) VerifyStockIntegrity(_ context.Context, locationID string) ([]domain.StockMismatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := map[domain.StockKey]decimal.Decimal{}
	for _, m := range s.movements {
		if m.LocationID != locationID {
			continue
		}
		k := m.Key()
		sums[k] = sums[k].Add(m.Quantity)
	}
	keys := map[domain.StockKey]bool{}
	for k := range sums {
		keys[k] = true
	}
	for k := range s.balances {
		if k.LocationID == locationID {
			keys[k] = true
		}
	}
	var mismatches []domain.StockMismatch
	for k := range keys {
		bal := s.balances[k]
		if !bal.Equal(sums[k]) {
			mismatches = append(mismatches, domain.StockMismatch{Key: k, Balance: bal, LedgerSum: sums[k]})
		}
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Key.ProductID < mismatches[j].Key.ProductID })
	return mismatches, nil
}

// Correlatives.

func (s *Store) SeedCorrelatives(_ context.Context, classes []domain.DocumentClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range classes {
		if _, ok := s.correlatives[c]; !ok {
			s.correlatives[c] = 0
		}
	}
	return nil
}

func (s *Store) nextCorrelativeLocked(class domain.DocumentClass) int64 {
	s.correlatives[class]++
	return s.correlatives[class]
}

// Document commits. Every commit validates first and mutates last, so a
// failure at any step leaves the store exactly as it was.

func (s *Store) CommitSale(_ context.Context, doc domain.SaleDocument) (*domain.SaleDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[doc.SessionID]
	if !ok || !sess.Open() {
		return nil, fmt.Errorf("%w: no open cash session", store.ErrValidation)
	}

	var customer domain.Customer
	if doc.CreditAmount.Sign() > 0 {
		customer, ok = s.customers[doc.CustomerID]
		if !ok {
			return nil, store.ErrNotFound
		}
		newDebt := customer.CurrentDebt.Add(doc.CreditAmount)
		if newDebt.Sub(customer.MaxDebt).GreaterThan(store.CreditEpsilon) {
			return nil, &store.CreditLimitError{CustomerID: customer.ID, Limit: customer.MaxDebt, Attempted: newDebt}
		}
	}
	for _, p := range doc.Payments {
		if p.BankAccountID != "" {
			if _, ok := s.bankAccounts[p.BankAccountID]; !ok {
				return nil, store.ErrNotFound
			}
		}
	}

	if err := s.applyLocked(doc.Movements); err != nil {
		return nil, err
	}

	doc.Number = s.nextCorrelativeLocked(domain.ClassSale)
	if doc.CreditAmount.Sign() > 0 {
		customer.CurrentDebt = customer.CurrentDebt.Add(doc.CreditAmount)
		s.customers[customer.ID] = customer
	}
	s.settlePaymentsLocked("sale", doc.SessionID, doc.Payments, 1)
	if doc.ChangeGiven.Sign() > 0 {
		s.cashMovements = append(s.cashMovements, domain.CashMovement{
			ID:        uuid.NewString(),
			SessionID: doc.SessionID,
			At:        doc.CreatedAt,
			Kind:      domain.CashChange,
			Currency:  doc.Currency,
			Amount:    doc.ChangeGiven,
			Memo:      fmt.Sprintf("change for sale %d", doc.Number),
		})
	}
	s.sales[doc.ID] = doc
	return &doc, nil
}

// settlePaymentsLocked applies bank balance deltas and records payment rows.
// sign is +1 for money coming in (sales, customer debt collection) and -1
// for money going out (purchases, supplier payments, refunds).
func (s *Store) settlePaymentsLocked(kind, sessionID string, payments []domain.Payment, sign int64) {
	factor := decimal.NewFromInt(sign)
	for _, p := range payments {
		if (p.Method == domain.PayCard || p.Method == domain.PayTransfer) && p.BankAccountID != "" {
			acct := s.bankAccounts[p.BankAccountID]
			acct.Balance = acct.Balance.Add(p.BaseAmount().Mul(factor))
			s.bankAccounts[p.BankAccountID] = acct
		}
		s.payments = append(s.payments, paymentRecord{kind: kind, sessionID: sessionID, payment: p})
	}
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.SaleDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &doc, nil
}

func (s *Store) GetRefundedQuantities(_ context.Context, saleID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]decimal.Decimal{}
	for k, v := range s.refundedQty[saleID] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) CommitPurchase(_ context.Context, doc domain.PurchaseDocument) (*domain.PurchaseDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sup, ok := s.suppliers[doc.SupplierID]
	if !ok {
		return nil, store.ErrNotFound
	}
	for _, p := range doc.Payments {
		if p.BankAccountID != "" {
			if _, ok := s.bankAccounts[p.BankAccountID]; !ok {
				return nil, store.ErrNotFound
			}
		}
	}

	if err := s.applyLocked(doc.Movements); err != nil {
		return nil, err
	}

	doc.Number = s.nextCorrelativeLocked(domain.ClassPurchase)
	sup.CurrentPayable = sup.CurrentPayable.Add(doc.PayableAmount)
	s.suppliers[sup.ID] = sup
	s.settlePaymentsLocked("purchase", "", doc.Payments, -1)
	return &doc, nil
}

func (s *Store) CommitRefund(_ context.Context, doc domain.RefundDocument) (*domain.RefundDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.sales[doc.OriginalSaleID]
	if !ok {
		return nil, store.ErrNotFound
	}

	// Re-check refund caps under the lock: cumulative refunded quantity per
	// line must never exceed what was originally sold.
	sold := map[string]decimal.Decimal{}
	for _, line := range original.Lines {
		k := store.LineKey(line.ProductID, line.VariantID)
		sold[k] = sold[k].Add(line.Quantity)
	}
	already := s.refundedQty[doc.OriginalSaleID]
	for _, line := range doc.Lines {
		k := store.LineKey(line.ProductID, line.VariantID)
		prior := decimal.Zero
		if already != nil {
			prior = already[k]
		}
		if prior.Add(line.Quantity).GreaterThan(sold[k]) {
			return nil, fmt.Errorf("%w: refund quantity for product %s exceeds sold quantity", store.ErrValidation, line.ProductID)
		}
	}
	for _, p := range doc.Payments {
		if p.BankAccountID != "" {
			if _, ok := s.bankAccounts[p.BankAccountID]; !ok {
				return nil, store.ErrNotFound
			}
		}
	}

	if err := s.applyLocked(doc.Movements); err != nil {
		return nil, err
	}

	doc.Number = s.nextCorrelativeLocked(domain.ClassSaleRefund)
	if doc.CreditReversed.Sign() > 0 && doc.CustomerID != "" {
		cust := s.customers[doc.CustomerID]
		cust.CurrentDebt = cust.CurrentDebt.Sub(doc.CreditReversed)
		s.customers[doc.CustomerID] = cust
	}
	s.settlePaymentsLocked("refund", doc.SessionID, doc.Payments, -1)
	if already == nil {
		already = map[string]decimal.Decimal{}
		s.refundedQty[doc.OriginalSaleID] = already
	}
	for _, line := range doc.Lines {
		k := store.LineKey(line.ProductID, line.VariantID)
		already[k] = already[k].Add(line.Quantity)
	}
	return &doc, nil
}

func (s *Store) CommitDebtPayment(_ context.Context, doc domain.DebtPaymentDocument) (*domain.DebtPaymentDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch doc.Direction {
	case domain.DebtCustomer:
		cust, ok := s.customers[doc.PartyID]
		if !ok {
			return nil, store.ErrNotFound
		}
		doc.Number = s.nextCorrelativeLocked(domain.ClassCustomerDebtPaymnt)
		cust.CurrentDebt = cust.CurrentDebt.Sub(doc.Total)
		s.customers[doc.PartyID] = cust
		s.settlePaymentsLocked("customer_debt", doc.SessionID, doc.Payments, 1)
	case domain.DebtSupplier:
		sup, ok := s.suppliers[doc.PartyID]
		if !ok {
			return nil, store.ErrNotFound
		}
		doc.Number = s.nextCorrelativeLocked(domain.ClassSupplierDebtPaymnt)
		sup.CurrentPayable = sup.CurrentPayable.Sub(doc.Total)
		s.suppliers[doc.PartyID] = sup
		s.settlePaymentsLocked("supplier_debt", doc.SessionID, doc.Payments, -1)
	default:
		return nil, fmt.Errorf("%w: unknown debt direction %q", store.ErrValidation, doc.Direction)
	}
	return &doc, nil
}

// Cash sessions.

func (s *Store) OpenCashSession(_ context.Context, session domain.CashSession, openingFloats []domain.CashMovement) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.HostID == session.HostID && existing.Open() {
			return nil, fmt.Errorf("%w: host %s already has an open session", store.ErrConflict, session.HostID)
		}
	}
	s.hostSequences[session.HostID]++
	session.HostSequence = s.hostSequences[session.HostID]
	s.sessions[session.ID] = session
	for _, m := range openingFloats {
		m.SessionID = session.ID
		s.cashMovements = append(s.cashMovements, m)
	}
	out := session
	return &out, nil
}

func (s *Store) CloseCashSession(_ context.Context, hostID string, at time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.HostID == hostID && sess.Open() {
			ended := at
			sess.EndedAt = &ended
			s.sessions[id] = sess
			out := sess
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetOpenCashSession(_ context.Context, hostID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.HostID == hostID && sess.Open() {
			out := sess
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) AddCashMovement(_ context.Context, movement domain.CashMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[movement.SessionID]
	if !ok {
		return store.ErrNotFound
	}
	if !sess.Open() {
		return fmt.Errorf("%w: session %s is closed", store.ErrValidation, movement.SessionID)
	}
	s.cashMovements = append(s.cashMovements, movement)
	return nil
}

func (s *Store) GetSessionSummary(_ context.Context, sessionID string) (*domain.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}

	type bucket struct {
		kind     string
		method   domain.PaymentMethod
		currency string
	}
	totals := map[bucket]*domain.SessionPaymentTotal{}
	var order []bucket
	for _, rec := range s.payments {
		if rec.sessionID != sessionID {
			continue
		}
		b := bucket{rec.kind, rec.payment.Method, rec.payment.Currency}
		t, ok := totals[b]
		if !ok {
			t = &domain.SessionPaymentTotal{Kind: rec.kind, Method: rec.payment.Method, Currency: rec.payment.Currency}
			totals[b] = t
			order = append(order, b)
		}
		t.Amount = t.Amount.Add(rec.payment.Amount)
		t.Count++
	}

	summary := domain.SessionSummary{Session: sess}
	for _, b := range order {
		summary.Payments = append(summary.Payments, *totals[b])
	}
	for _, m := range s.cashMovements {
		if m.SessionID != sessionID {
			continue
		}
		summary.Movements = append(summary.Movements, m)
		if m.Kind == domain.CashChange {
			summary.ChangeGiven = summary.ChangeGiven.Add(m.Amount)
		}
	}
	return &summary, nil
}

// Distribution interchange.

func (s *Store) CommitDistributionExport(_ context.Context, order domain.DistributionOrder, movements []domain.PlannedMovement) (*domain.DistributionOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyLocked(movements); err != nil {
		return nil, err
	}
	order.Number = s.nextCorrelativeLocked(domain.ClassDistributionOrder)
	return &order, nil
}

func (s *Store) CommitDistributionImport(_ context.Context, order domain.DistributionOrder, movements []domain.PlannedMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receivedOrders[order.Number] {
		return fmt.Errorf("%w: distribution order %d already received", store.ErrConflict, order.Number)
	}
	if err := s.applyLocked(movements); err != nil {
		return err
	}
	s.receivedOrders[order.Number] = true
	return nil
}
