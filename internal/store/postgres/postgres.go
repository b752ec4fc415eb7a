package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Catalog reads.

const productColumns = `id, code, name, type, sellable, purchasable, base_unit, unit_cost, sell_price`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Type, &p.Sellable, &p.Purchasable, &p.BaseUnit, &p.UnitCost, &p.SellPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id))
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE code = $1
	`, code))
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Type, &p.Sellable, &p.Purchasable, &p.BaseUnit, &p.UnitCost, &p.SellPrice); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *Store) GetKitComponents(ctx context.Context, kitProductID string) ([]domain.KitComponent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kit_product_id, component_product_id, quantity_per_unit, group_id, group_label, mandatory
		FROM kit_components
		WHERE kit_product_id = $1
		ORDER BY group_id, component_product_id
	`, kitProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var components []domain.KitComponent
	for rows.Next() {
		var c domain.KitComponent
		if err := rows.Scan(&c.KitProductID, &c.ComponentProductID, &c.QuantityPerUnit, &c.GroupID, &c.GroupLabel, &c.Mandatory); err != nil {
			return nil, err
		}
		components = append(components, c)
	}
	return components, rows.Err()
}

func (s *Store) GetCompoundIngredients(ctx context.Context, compoundProductID string) ([]domain.CompoundIngredient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT compound_product_id, ingredient_product_id, quantity_per_unit, ingredient_unit, product_base_unit
		FROM compound_ingredients
		WHERE compound_product_id = $1
		ORDER BY ingredient_product_id
	`, compoundProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ingredients []domain.CompoundIngredient
	for rows.Next() {
		var ing domain.CompoundIngredient
		if err := rows.Scan(&ing.CompoundProductID, &ing.IngredientProductID, &ing.QuantityPerUnit, &ing.IngredientUnit, &ing.ProductBaseUnit); err != nil {
			return nil, err
		}
		ingredients = append(ingredients, ing)
	}
	return ingredients, rows.Err()
}

func (s *Store) GetDisassemblyRelation(ctx context.Context, sourceProductID string, resultProductID string) (*domain.DisassemblyRelation, error) {
	var rel domain.DisassemblyRelation
	err := s.db.QueryRowContext(ctx, `
		SELECT source_product_id, result_product_id, conversion_ratio
		FROM disassembly_relations
		WHERE source_product_id = $1 AND result_product_id = $2
	`, sourceProductID, resultProductID).Scan(&rel.SourceProductID, &rel.ResultProductID, &rel.ConversionRatio)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rel, nil
}

func (s *Store) GetUnitConversion(ctx context.Context, fromUnit string, toUnit string) (decimal.Decimal, bool, error) {
	var factor decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT factor
		FROM unit_conversions
		WHERE from_unit = $1 AND to_unit = $2
	`, fromUnit, toUnit).Scan(&factor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	return factor, true, nil
}

func (s *Store) GetTaxesByIDs(ctx context.Context, ids []string) (map[string]domain.Tax, error) {
	out := make(map[string]domain.Tax, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rate
		FROM taxes
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.Tax
		if err := rows.Scan(&t.ID, &t.Name, &t.Rate); err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, current_debt, max_debt
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.CurrentDebt, &c.MaxDebt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	var sup domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, current_payable
		FROM suppliers
		WHERE id = $1
	`, id).Scan(&sup.ID, &sup.Name, &sup.CurrentPayable)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sup, nil
}

func (s *Store) GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error) {
	var b domain.BankAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, balance
		FROM bank_accounts
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.Balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// Stock ledger.

func (s *Store) GetStockBalances(ctx context.Context, keys []domain.StockKey) (map[domain.StockKey]decimal.Decimal, error) {
	out := make(map[domain.StockKey]decimal.Decimal, len(keys))
	for _, key := range keys {
		var qty decimal.Decimal
		err := s.db.QueryRowContext(ctx, `
			SELECT quantity
			FROM stock_balances
			WHERE location_id = $1 AND product_id = $2 AND COALESCE(variant_id, '') = $3
		`, key.LocationID, key.ProductID, key.VariantID).Scan(&qty)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		out[key] = qty
	}
	return out, nil
}

func (s *Store) ApplyMovements(ctx context.Context, movements []domain.PlannedMovement) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyMovementsTx(ctx, tx, movements); err != nil {
		return mapTxError(err)
	}
	return mapTxError(tx.Commit())
}

// applyMovementsTx writes each journal row and folds its delta into the
// balance row with one atomic upsert. The upsert returns the resulting
// quantity, so an enforced movement that would go negative is detected after
// the arithmetic and rolls the whole transaction back.
func applyMovementsTx(ctx context.Context, tx *sql.Tx, movements []domain.PlannedMovement) error {
	for _, m := range movements {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, at, reason, location_id, product_id, variant_id, quantity, unit_cost, memo)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, m.ID, m.At, m.Reason, m.LocationID, m.ProductID, nullIfEmpty(m.VariantID), m.Quantity, m.UnitCost, m.Memo)
		if err != nil {
			return err
		}

		var newQty decimal.Decimal
		err = tx.QueryRowContext(ctx, `
			INSERT INTO stock_balances (location_id, product_id, variant_id, quantity)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (location_id, product_id, COALESCE(variant_id, ''))
			DO UPDATE SET quantity = stock_balances.quantity + EXCLUDED.quantity
			RETURNING quantity
		`, m.LocationID, m.ProductID, nullIfEmpty(m.VariantID), m.Quantity).Scan(&newQty)
		if err != nil {
			return err
		}
		if m.Enforce && newQty.Sign() < 0 {
			return &store.InsufficientStockError{
				ProductID:  m.ProductID,
				VariantID:  m.VariantID,
				LocationID: m.LocationID,
				Requested:  m.Quantity.Neg(),
				Available:  newQty.Sub(m.Quantity),
			}
		}
	}
	return nil
}

func (s *Store) ListMovements(ctx context.Context, key domain.StockKey, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, reason, location_id, product_id, COALESCE(variant_id, ''), quantity, unit_cost, memo
		FROM stock_movements
		WHERE location_id = $1 AND product_id = $2 AND COALESCE(variant_id, '') = $3
		ORDER BY at DESC, id DESC
		LIMIT $4
	`, key.LocationID, key.ProductID, key.VariantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []domain.StockMovement
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.At, &m.Reason, &m.LocationID, &m.ProductID, &m.VariantID, &m.Quantity, &m.UnitCost, &m.Memo); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) VerifyStockIntegrity(ctx context.Context, locationID string) ([]domain.StockMismatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			COALESCE(b.product_id, m.product_id),
			COALESCE(b.vid, m.vid),
			COALESCE(b.quantity, 0),
			COALESCE(m.total, 0)
		FROM (
			SELECT product_id, COALESCE(variant_id, '') AS vid, quantity
			FROM stock_balances
			WHERE location_id = $1
		) b
		FULL OUTER JOIN (
			SELECT product_id, COALESCE(variant_id, '') AS vid, SUM(quantity) AS total
			FROM stock_movements
			WHERE location_id = $1
			GROUP BY product_id, COALESCE(variant_id, '')
		) m ON b.product_id = m.product_id AND b.vid = m.vid
		WHERE COALESCE(b.quantity, 0) <> COALESCE(m.total, 0)
		ORDER BY 1, 2
	`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mismatches []domain.StockMismatch
	for rows.Next() {
		mm := domain.StockMismatch{Key: domain.StockKey{LocationID: locationID}}
		if err := rows.Scan(&mm.Key.ProductID, &mm.Key.VariantID, &mm.Balance, &mm.LedgerSum); err != nil {
			return nil, err
		}
		mismatches = append(mismatches, mm)
	}
	return mismatches, rows.Err()
}

// Correlatives.

func (s *Store) SeedCorrelatives(ctx context.Context, classes []domain.DocumentClass) error {
	for _, class := range classes {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO correlatives (document_class, next_value)
			VALUES ($1, 0)
			ON CONFLICT (document_class) DO NOTHING
		`, class)
		if err != nil {
			return err
		}
	}
	return nil
}

// nextCorrelativeTx advances the counter with one arithmetic UPDATE and
// returns the new value; the implicit row lock serializes concurrent
// documents of the same class.
func nextCorrelativeTx(ctx context.Context, tx *sql.Tx, class domain.DocumentClass) (int64, error) {
	var value int64
	err := tx.QueryRowContext(ctx, `
		UPDATE correlatives
		SET next_value = next_value + 1
		WHERE document_class = $1
		RETURNING next_value
	`, class).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("correlative counter %q not seeded", class)
		}
		return 0, err
	}
	return value, nil
}

// Document commits.

func (s *Store) CommitSale(ctx context.Context, doc domain.SaleDocument) (*domain.SaleDocument, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var sessionOpen bool
	err = tx.QueryRowContext(ctx, `
		SELECT ended_at IS NULL
		FROM cash_sessions
		WHERE id = $1
	`, doc.SessionID).Scan(&sessionOpen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no open cash session", store.ErrValidation)
		}
		return nil, err
	}
	if !sessionOpen {
		return nil, fmt.Errorf("%w: cash session %s is closed", store.ErrValidation, doc.SessionID)
	}

	doc.Number, err = nextCorrelativeTx(ctx, tx, domain.ClassSale)
	if err != nil {
		return nil, mapTxError(err)
	}

	if doc.CreditAmount.Sign() > 0 {
		if err := addCustomerDebtTx(ctx, tx, doc.CustomerID, doc.CreditAmount); err != nil {
			return nil, mapTxError(err)
		}
	}

	if err := applyMovementsTx(ctx, tx, doc.Movements); err != nil {
		return nil, mapTxError(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, number, location_id, session_id, cashier_id, customer_id, currency, total, credit_amount, change_given, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, doc.ID, doc.Number, doc.LocationID, doc.SessionID, doc.CashierID, nullIfEmpty(doc.CustomerID),
		doc.Currency, doc.Total, doc.CreditAmount, doc.ChangeGiven, doc.CreatedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	for _, line := range doc.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, product_id, variant_id, quantity, unit_price, tax_id)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, doc.ID, line.ProductID, nullIfEmpty(line.VariantID), line.Quantity, line.UnitPrice, nullIfEmpty(line.TaxID))
		if err != nil {
			return nil, mapTxError(err)
		}
	}
	if err := insertTaxSummaryTx(ctx, tx, "sale", doc.ID, doc.TaxSummary); err != nil {
		return nil, mapTxError(err)
	}
	if err := settlePaymentsTx(ctx, tx, "sale", doc.ID, doc.SessionID, doc.Payments, 1, doc.CreatedAt); err != nil {
		return nil, mapTxError(err)
	}
	if doc.ChangeGiven.Sign() > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cash_movements (id, session_id, at, kind, currency, amount, memo)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, doc.ID+"-change", doc.SessionID, doc.CreatedAt, domain.CashChange, doc.Currency, doc.ChangeGiven,
			fmt.Sprintf("change for sale %d", doc.Number))
		if err != nil {
			return nil, mapTxError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &doc, nil
}

// addCustomerDebtTx locks the customer row, applies the epsilon-tolerant
// credit-limit check against the locked value, and writes the new debt.
func addCustomerDebtTx(ctx context.Context, tx *sql.Tx, customerID string, amount decimal.Decimal) error {
	var current, limit decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT current_debt, max_debt
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, customerID).Scan(&current, &limit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	newDebt := current.Add(amount)
	if newDebt.Sub(limit).GreaterThan(store.CreditEpsilon) {
		return &store.CreditLimitError{CustomerID: customerID, Limit: limit, Attempted: newDebt}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE customers SET current_debt = $2 WHERE id = $1
	`, customerID, newDebt)
	return err
}

func insertTaxSummaryTx(ctx context.Context, tx *sql.Tx, documentType string, documentID string, summary []domain.TaxSummaryLine) error {
	for _, row := range summary {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tax_summaries (document_type, document_id, tax_id, base, amount)
			VALUES ($1,$2,$3,$4,$5)
		`, documentType, documentID, row.TaxID, row.Base, row.Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

// settlePaymentsTx records payment rows and moves bank balances with one
// arithmetic UPDATE per payment. sign is +1 for incoming money and -1 for
// outgoing.
func settlePaymentsTx(ctx context.Context, tx *sql.Tx, kind string, documentID string, sessionID string, payments []domain.Payment, sign int64, at time.Time) error {
	factor := decimal.NewFromInt(sign)
	for i, p := range payments {
		if (p.Method == domain.PayCard || p.Method == domain.PayTransfer) && p.BankAccountID != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE bank_accounts SET balance = balance + $2 WHERE id = $1
			`, p.BankAccountID, p.BaseAmount().Mul(factor))
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return store.ErrNotFound
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, kind, document_id, session_id, method, currency, amount, exchange_rate, base_amount, bank_account_id, reference, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, fmt.Sprintf("%s-p%d", documentID, i), kind, documentID, nullIfEmpty(sessionID), p.Method, p.Currency,
			p.Amount, p.ExchangeRate, p.BaseAmount(), nullIfEmpty(p.BankAccountID), p.Reference, at)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.SaleDocument, error) {
	var doc domain.SaleDocument
	var customerID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, location_id, session_id, cashier_id, customer_id, currency, total, credit_amount, change_given, created_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&doc.ID, &doc.Number, &doc.LocationID, &doc.SessionID, &doc.CashierID, &customerID,
		&doc.Currency, &doc.Total, &doc.CreditAmount, &doc.ChangeGiven, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	doc.CustomerID = customerID.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, COALESCE(variant_id, ''), quantity, unit_price, COALESCE(tax_id, '')
		FROM sale_lines
		WHERE sale_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.VariantID, &line.Quantity, &line.UnitPrice, &line.TaxID); err != nil {
			return nil, err
		}
		doc.Lines = append(doc.Lines, line)
	}
	return &doc, rows.Err()
}

func (s *Store) GetRefundedQuantities(ctx context.Context, saleID string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rl.product_id, COALESCE(rl.variant_id, ''), SUM(rl.quantity)
		FROM refund_lines rl
		JOIN refunds r ON r.id = rl.refund_id
		WHERE r.original_sale_id = $1
		GROUP BY rl.product_id, COALESCE(rl.variant_id, '')
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]decimal.Decimal{}
	for rows.Next() {
		var productID, variantID string
		var qty decimal.Decimal
		if err := rows.Scan(&productID, &variantID, &qty); err != nil {
			return nil, err
		}
		out[store.LineKey(productID, variantID)] = qty
	}
	return out, rows.Err()
}

func (s *Store) CommitPurchase(ctx context.Context, doc domain.PurchaseDocument) (*domain.PurchaseDocument, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var payable decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT current_payable
		FROM suppliers
		WHERE id = $1
		FOR UPDATE
	`, doc.SupplierID).Scan(&payable)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	doc.Number, err = nextCorrelativeTx(ctx, tx, domain.ClassPurchase)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := applyMovementsTx(ctx, tx, doc.Movements); err != nil {
		return nil, mapTxError(err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE suppliers SET current_payable = current_payable + $2 WHERE id = $1
	`, doc.SupplierID, doc.PayableAmount)
	if err != nil {
		return nil, mapTxError(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchases (id, number, location_id, supplier_id, currency, total, payable_amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, doc.ID, doc.Number, doc.LocationID, doc.SupplierID, doc.Currency, doc.Total, doc.PayableAmount, doc.CreatedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	for _, line := range doc.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_lines (purchase_id, product_id, variant_id, quantity, unit_cost, tax_id)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, doc.ID, line.ProductID, nullIfEmpty(line.VariantID), line.Quantity, line.UnitCost, nullIfEmpty(line.TaxID))
		if err != nil {
			return nil, mapTxError(err)
		}
	}
	if err := insertTaxSummaryTx(ctx, tx, "purchase", doc.ID, doc.TaxSummary); err != nil {
		return nil, mapTxError(err)
	}
	if err := settlePaymentsTx(ctx, tx, "purchase", doc.ID, "", doc.Payments, -1, doc.CreatedAt); err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &doc, nil
}

func (s *Store) CommitRefund(ctx context.Context, doc domain.RefundDocument) (*domain.RefundDocument, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the original sale so concurrent refunds of the same ticket
	// serialize their cap checks.
	var originalID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM sales WHERE id = $1 FOR UPDATE
	`, doc.OriginalSaleID).Scan(&originalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	sold := map[string]decimal.Decimal{}
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, COALESCE(variant_id, ''), quantity
		FROM sale_lines
		WHERE sale_id = $1
	`, doc.OriginalSaleID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var productID, variantID string
		var qty decimal.Decimal
		if err := rows.Scan(&productID, &variantID, &qty); err != nil {
			rows.Close()
			return nil, err
		}
		k := store.LineKey(productID, variantID)
		sold[k] = sold[k].Add(qty)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	already := map[string]decimal.Decimal{}
	rows, err = tx.QueryContext(ctx, `
		SELECT rl.product_id, COALESCE(rl.variant_id, ''), SUM(rl.quantity)
		FROM refund_lines rl
		JOIN refunds r ON r.id = rl.refund_id
		WHERE r.original_sale_id = $1
		GROUP BY rl.product_id, COALESCE(rl.variant_id, '')
	`, doc.OriginalSaleID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var productID, variantID string
		var qty decimal.Decimal
		if err := rows.Scan(&productID, &variantID, &qty); err != nil {
			rows.Close()
			return nil, err
		}
		already[store.LineKey(productID, variantID)] = qty
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, line := range doc.Lines {
		k := store.LineKey(line.ProductID, line.VariantID)
		if already[k].Add(line.Quantity).GreaterThan(sold[k]) {
			return nil, fmt.Errorf("%w: refund quantity for product %s exceeds sold quantity", store.ErrValidation, line.ProductID)
		}
	}

	doc.Number, err = nextCorrelativeTx(ctx, tx, domain.ClassSaleRefund)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := applyMovementsTx(ctx, tx, doc.Movements); err != nil {
		return nil, mapTxError(err)
	}

	if doc.CreditReversed.Sign() > 0 && doc.CustomerID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE customers SET current_debt = current_debt - $2 WHERE id = $1
		`, doc.CustomerID, doc.CreditReversed)
		if err != nil {
			return nil, mapTxError(err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refunds (id, number, original_sale_id, location_id, session_id, customer_id, total, credit_reversed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, doc.ID, doc.Number, doc.OriginalSaleID, doc.LocationID, nullIfEmpty(doc.SessionID), nullIfEmpty(doc.CustomerID),
		doc.Total, doc.CreditReversed, doc.CreatedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	for _, line := range doc.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO refund_lines (refund_id, product_id, variant_id, quantity, unit_price, tax_id)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, doc.ID, line.ProductID, nullIfEmpty(line.VariantID), line.Quantity, line.UnitPrice, nullIfEmpty(line.TaxID))
		if err != nil {
			return nil, mapTxError(err)
		}
	}
	if err := settlePaymentsTx(ctx, tx, "refund", doc.ID, doc.SessionID, doc.Payments, -1, doc.CreatedAt); err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &doc, nil
}

func (s *Store) CommitDebtPayment(ctx context.Context, doc domain.DebtPaymentDocument) (*domain.DebtPaymentDocument, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var kind string
	switch doc.Direction {
	case domain.DebtCustomer:
		var debt decimal.Decimal
		err = tx.QueryRowContext(ctx, `
			SELECT current_debt FROM customers WHERE id = $1 FOR UPDATE
		`, doc.PartyID).Scan(&debt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		doc.Number, err = nextCorrelativeTx(ctx, tx, domain.ClassCustomerDebtPaymnt)
		if err != nil {
			return nil, mapTxError(err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE customers SET current_debt = current_debt - $2 WHERE id = $1
		`, doc.PartyID, doc.Total)
		if err != nil {
			return nil, mapTxError(err)
		}
		kind = "customer_debt"
	case domain.DebtSupplier:
		var payable decimal.Decimal
		err = tx.QueryRowContext(ctx, `
			SELECT current_payable FROM suppliers WHERE id = $1 FOR UPDATE
		`, doc.PartyID).Scan(&payable)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		doc.Number, err = nextCorrelativeTx(ctx, tx, domain.ClassSupplierDebtPaymnt)
		if err != nil {
			return nil, mapTxError(err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE suppliers SET current_payable = current_payable - $2 WHERE id = $1
		`, doc.PartyID, doc.Total)
		if err != nil {
			return nil, mapTxError(err)
		}
		kind = "supplier_debt"
	default:
		return nil, fmt.Errorf("%w: unknown debt direction %q", store.ErrValidation, doc.Direction)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO debt_payments (id, number, direction, party_id, session_id, invoice_number, total, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, doc.ID, doc.Number, doc.Direction, doc.PartyID, nullIfEmpty(doc.SessionID), nullIfEmpty(doc.InvoiceNumber),
		doc.Total, doc.CreatedAt)
	if err != nil {
		return nil, mapTxError(err)
	}

	sign := int64(1)
	if doc.Direction == domain.DebtSupplier {
		sign = -1
	}
	if err := settlePaymentsTx(ctx, tx, kind, doc.ID, doc.SessionID, doc.Payments, sign, doc.CreatedAt); err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &doc, nil
}

// Cash sessions.

func (s *Store) OpenCashSession(ctx context.Context, session domain.CashSession, openingFloats []domain.CashMovement) (*domain.CashSession, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(host_sequence), 0) + 1
		FROM cash_sessions
		WHERE host_id = $1
	`, session.HostID).Scan(&session.HostSequence)
	if err != nil {
		return nil, err
	}

	// The partial unique index on (host_id) WHERE ended_at IS NULL turns a
	// lost race into a unique violation instead of two open sessions.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, register_id, host_id, host_sequence, started_at, ended_at)
		VALUES ($1,$2,$3,$4,$5,NULL)
	`, session.ID, session.RegisterID, session.HostID, session.HostSequence, session.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: host %s already has an open session", store.ErrConflict, session.HostID)
		}
		return nil, mapTxError(err)
	}

	for _, m := range openingFloats {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cash_movements (id, session_id, at, kind, currency, amount, memo)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, m.ID, session.ID, m.At, m.Kind, m.Currency, m.Amount, m.Memo)
		if err != nil {
			return nil, mapTxError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	saved := session
	return &saved, nil
}

func (s *Store) CloseCashSession(ctx context.Context, hostID string, at time.Time) (*domain.CashSession, error) {
	var session domain.CashSession
	var endedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE cash_sessions
		SET ended_at = $2
		WHERE host_id = $1 AND ended_at IS NULL
		RETURNING id, register_id, host_id, host_sequence, started_at, ended_at
	`, hostID, at).Scan(&session.ID, &session.RegisterID, &session.HostID, &session.HostSequence, &session.StartedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.EndedAt = &endedAt
	return &session, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, hostID string) (*domain.CashSession, error) {
	var session domain.CashSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, register_id, host_id, host_sequence, started_at
		FROM cash_sessions
		WHERE host_id = $1 AND ended_at IS NULL
	`, hostID).Scan(&session.ID, &session.RegisterID, &session.HostID, &session.HostSequence, &session.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) AddCashMovement(ctx context.Context, movement domain.CashMovement) error {
	var open bool
	err := s.db.QueryRowContext(ctx, `
		SELECT ended_at IS NULL FROM cash_sessions WHERE id = $1
	`, movement.SessionID).Scan(&open)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if !open {
		return fmt.Errorf("%w: session %s is closed", store.ErrValidation, movement.SessionID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, at, kind, currency, amount, memo)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, movement.ID, movement.SessionID, movement.At, movement.Kind, movement.Currency, movement.Amount, movement.Memo)
	return err
}

func (s *Store) GetSessionSummary(ctx context.Context, sessionID string) (*domain.SessionSummary, error) {
	var session domain.CashSession
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, register_id, host_id, host_sequence, started_at, ended_at
		FROM cash_sessions
		WHERE id = $1
	`, sessionID).Scan(&session.ID, &session.RegisterID, &session.HostID, &session.HostSequence, &session.StartedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	summary := domain.SessionSummary{Session: session}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, method, currency, SUM(amount), COUNT(*)
		FROM payments
		WHERE session_id = $1
		GROUP BY kind, method, currency
		ORDER BY kind, method, currency
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.SessionPaymentTotal
		if err := rows.Scan(&t.Kind, &t.Method, &t.Currency, &t.Amount, &t.Count); err != nil {
			return nil, err
		}
		summary.Payments = append(summary.Payments, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	moveRows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, at, kind, currency, amount, memo
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer moveRows.Close()
	for moveRows.Next() {
		var m domain.CashMovement
		if err := moveRows.Scan(&m.ID, &m.SessionID, &m.At, &m.Kind, &m.Currency, &m.Amount, &m.Memo); err != nil {
			return nil, err
		}
		summary.Movements = append(summary.Movements, m)
		if m.Kind == domain.CashChange {
			summary.ChangeGiven = summary.ChangeGiven.Add(m.Amount)
		}
	}
	return &summary, moveRows.Err()
}

// Distribution interchange.

func (s *Store) CommitDistributionExport(ctx context.Context, order domain.DistributionOrder, movements []domain.PlannedMovement) (*domain.DistributionOrder, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order.Number, err = nextCorrelativeTx(ctx, tx, domain.ClassDistributionOrder)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := applyMovementsTx(ctx, tx, movements); err != nil {
		return nil, mapTxError(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO distribution_orders (number, origin, destination, issued_at)
		VALUES ($1,$2,$3,$4)
	`, order.Number, order.Origin, order.Destination, order.IssuedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	for _, line := range order.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO distribution_order_lines (order_number, product_code, quantity, unit_cost)
			VALUES ($1,$2,$3,$4)
		`, order.Number, line.ProductCode, line.Quantity, line.UnitCost)
		if err != nil {
			return nil, mapTxError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &order, nil
}

func (s *Store) CommitDistributionImport(ctx context.Context, order domain.DistributionOrder, movements []domain.PlannedMovement) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO received_distribution_orders (number, origin, destination, received_at)
		VALUES ($1,$2,$3,now())
	`, order.Number, order.Origin, order.Destination)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: distribution order %d already received", store.ErrConflict, order.Number)
		}
		return mapTxError(err)
	}

	if err := applyMovementsTx(ctx, tx, movements); err != nil {
		return mapTxError(err)
	}
	return mapTxError(tx.Commit())
}

// Helpers.

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapTxError folds serialization failures, deadlocks and lock timeouts into
// the retryable concurrency error.
func mapTxError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", store.ErrConcurrency, err)
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
