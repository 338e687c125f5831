package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market/internal/models"
	"market/internal/storage"
)

// Ensure Store satisfies the storage.Storage interface at compile time.
var _ storage.Storage = (*Store)(nil)

// Store is the SQLite-backed ledger. Every balance, quantity and order
// mutation runs inside a BEGIN IMMEDIATE transaction.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// DSN builds the connection string used for the ledger file
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate", path)
}

// New opens the SQLite ledger at path
func New(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Initialize applies the embedded schema migrations
func (s *Store) Initialize(ctx context.Context) error {
	return MigrateUp(ctx, s.db, s.logger)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// EnsureUser creates the user on first interaction and refreshes the username
func (s *Store) EnsureUser(ctx context.Context, id int64, username string) (models.User, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, balance, notify_enabled, created_at)
		VALUES (?, ?, '0', 1, ?)
		ON CONFLICT (user_id) DO UPDATE SET username = excluded.username`,
		id, username, s.now().UTC())
	if err != nil {
		return models.User{}, fmt.Errorf("failed to ensure user: %w", err)
	}
	return s.GetUser(ctx, id)
}

const selectUser = `SELECT user_id, username, balance, notify_enabled, created_at FROM users`

func scanUser(row rowScanner) (models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.Balance, &user.NotifyEnabled, &user.CreatedAt); err != nil {
		return models.User{}, notFound(err)
	}
	return user, nil
}

// GetUser returns a user by Telegram ID
func (s *Store) GetUser(ctx context.Context, id int64) (models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE user_id = ?`, id))
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return user, nil
}

// SetNotifications stores the notification preference of a user
func (s *Store) SetNotifications(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET notify_enabled = ? WHERE user_id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update notifications: %w", err)
	}
	return requireAffected(res, storage.ErrNotFound)
}

func requireAffected(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}

const selectSeller = `
	SELECT s.id, s.user_id, u.username, s.info, s.created_at
	FROM sellers s JOIN users u ON u.user_id = s.user_id`

func scanSeller(row rowScanner) (models.Seller, error) {
	var seller models.Seller
	if err := row.Scan(&seller.ID, &seller.UserID, &seller.Username, &seller.Info, &seller.CreatedAt); err != nil {
		return models.Seller{}, notFound(err)
	}
	return seller, nil
}

// CreateSeller opens a shop for the user. One shop per user.
func (s *Store) CreateSeller(ctx context.Context, userID int64, info string) (models.Seller, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sellers WHERE user_id = ?`, userID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check seller: %w", err)
		}
		if exists > 0 {
			return storage.ErrAlreadyExists
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO sellers (user_id, info, created_at) VALUES (?, ?, ?)`,
			userID, info, s.now().UTC())
		if err != nil {
			return fmt.Errorf("failed to create seller: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return models.Seller{}, err
	}
	return s.GetSeller(ctx, id)
}

// GetSeller returns a seller by shop ID
func (s *Store) GetSeller(ctx context.Context, id int64) (models.Seller, error) {
	seller, err := scanSeller(s.db.QueryRowContext(ctx, selectSeller+` WHERE s.id = ?`, id))
	if err != nil {
		return models.Seller{}, fmt.Errorf("failed to get seller %d: %w", id, err)
	}
	return seller, nil
}

// GetSellerByUser returns the shop owned by a user
func (s *Store) GetSellerByUser(ctx context.Context, userID int64) (models.Seller, error) {
	seller, err := scanSeller(s.db.QueryRowContext(ctx, selectSeller+` WHERE s.user_id = ?`, userID))
	if err != nil {
		return models.Seller{}, fmt.Errorf("failed to get seller for user %d: %w", userID, err)
	}
	return seller, nil
}

// UpdateSellerInfo replaces the shop description
func (s *Store) UpdateSellerInfo(ctx context.Context, userID int64, info string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sellers SET info = ? WHERE user_id = ?`, info, userID)
	if err != nil {
		return fmt.Errorf("failed to update seller info: %w", err)
	}
	return requireAffected(res, storage.ErrNotFound)
}

const selectProduct = `
	SELECT id, seller_id, title, description, price, quantity, content_text, content_file_id, created_at
	FROM products`

func scanProduct(row rowScanner) (models.Product, error) {
	var p models.Product
	err := row.Scan(&p.ID, &p.SellerID, &p.Title, &p.Description, &p.Price, &p.Quantity,
		&p.ContentText, &p.ContentFileID, &p.CreatedAt)
	if err != nil {
		return models.Product{}, notFound(err)
	}
	return p, nil
}

func scanProducts(rows *sql.Rows) ([]models.Product, error) {
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// CreateProduct lists a new product and returns it with its ID
func (s *Store) CreateProduct(ctx context.Context, product models.Product) (models.Product, error) {
	product.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO products (seller_id, title, description, price, quantity, content_text, content_file_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		product.SellerID, product.Title, product.Description, product.Price, product.Quantity,
		product.ContentText, product.ContentFileID, product.CreatedAt)
	if err != nil {
		return models.Product{}, fmt.Errorf("failed to create product: %w", err)
	}

	product.ID, err = res.LastInsertId()
	if err != nil {
		return models.Product{}, fmt.Errorf("failed to read product id: %w", err)
	}
	return product, nil
}

// GetProduct returns a product by ID
func (s *Store) GetProduct(ctx context.Context, id int64) (models.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, selectProduct+` WHERE id = ?`, id))
	if err != nil {
		return models.Product{}, fmt.Errorf("failed to get product %d: %w", id, err)
	}
	return p, nil
}

// ListAvailableProducts returns products in stock, newest first
func (s *Store) ListAvailableProducts(ctx context.Context, limit int) ([]models.Product, error) {
	rows, err := s.db.QueryContext(ctx, selectProduct+` WHERE quantity > 0 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return scanProducts(rows)
}

// ListSellerProducts returns every product of a shop, including sold out ones
func (s *Store) ListSellerProducts(ctx context.Context, sellerID int64) ([]models.Product, error) {
	rows, err := s.db.QueryContext(ctx, selectProduct+` WHERE seller_id = ? ORDER BY id DESC`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list seller products: %w", err)
	}
	return scanProducts(rows)
}

// UpdateProductPrice changes the price for future purchases only
func (s *Store) UpdateProductPrice(ctx context.Context, sellerID, productID int64, price decimal.Decimal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx, `SELECT seller_id FROM products WHERE id = ?`, productID).Scan(&owner)
		if err != nil {
			return notFound(err)
		}
		if owner != sellerID {
			return storage.ErrNotOwner
		}

		_, err = tx.ExecContext(ctx, `UPDATE products SET price = ? WHERE id = ?`, price, productID)
		if err != nil {
			return fmt.Errorf("failed to update price: %w", err)
		}
		return nil
	})
}

func balanceOf(ctx context.Context, tx *sql.Tx, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE user_id = ?`, userID).Scan(&balance)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to load balance of %d: %w", userID, notFound(err))
	}
	return balance, nil
}

func setBalance(ctx context.Context, tx *sql.Tx, userID int64, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("balance of %d would become %s: %w", userID, balance, storage.ErrInsufficientFunds)
	}
	res, err := tx.ExecContext(ctx, `UPDATE users SET balance = ? WHERE user_id = ?`, balance, userID)
	if err != nil {
		return fmt.Errorf("failed to update balance of %d: %w", userID, err)
	}
	return requireAffected(res, storage.ErrNotFound)
}

// Purchase runs the buy sequence as a single transaction
func (s *Store) Purchase(ctx context.Context, buyerID, productID int64) (models.Purchase, error) {
	var result models.Purchase

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		product, err := scanProduct(tx.QueryRowContext(ctx, selectProduct+` WHERE id = ?`, productID))
		if err != nil {
			return err
		}
		if !product.Available() {
			return storage.ErrOutOfStock
		}

		buyerBalance, err := balanceOf(ctx, tx, buyerID)
		if err != nil {
			return err
		}
		if buyerBalance.LessThan(product.Price) {
			return storage.ErrInsufficientFunds
		}

		var sellerUserID int64
		err = tx.QueryRowContext(ctx, `SELECT user_id FROM sellers WHERE id = ?`, product.SellerID).Scan(&sellerUserID)
		if err != nil {
			return fmt.Errorf("failed to load seller %d: %w", product.SellerID, notFound(err))
		}

		if err := setBalance(ctx, tx, buyerID, buyerBalance.Sub(product.Price)); err != nil {
			return err
		}

		// Read after the debit so a seller buying their own product nets out.
		sellerBalance, err := balanceOf(ctx, tx, sellerUserID)
		if err != nil {
			return err
		}
		if err := setBalance(ctx, tx, sellerUserID, sellerBalance.Add(product.Price)); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE products SET quantity = quantity - 1 WHERE id = ? AND quantity > 0`, productID)
		if err != nil {
			return fmt.Errorf("failed to decrement quantity: %w", err)
		}
		if err := requireAffected(res, storage.ErrOutOfStock); err != nil {
			return err
		}

		order := models.Order{
			BuyerID:      buyerID,
			ProductID:    product.ID,
			SellerID:     product.SellerID,
			ProductTitle: product.Title,
			Price:        product.Price,
			CreatedAt:    s.now().UTC(),
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO orders (user_id, product_id, seller_id, product_title, price, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			order.BuyerID, order.ProductID, order.SellerID, order.ProductTitle, order.Price, order.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
		if order.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read order id: %w", err)
		}

		finalBalance, err := balanceOf(ctx, tx, buyerID)
		if err != nil {
			return err
		}

		product.Quantity--
		result = models.Purchase{
			Order:        order,
			Product:      product,
			BuyerBalance: finalBalance,
			SellerUserID: sellerUserID,
		}
		return nil
	})
	if err != nil {
		return models.Purchase{}, err
	}
	return result, nil
}

const selectOrder = `SELECT id, user_id, product_id, seller_id, product_title, price, created_at FROM orders`

func (s *Store) listOrders(ctx context.Context, where string, arg int64, limit int) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, selectOrder+` WHERE `+where+` ORDER BY id DESC LIMIT ?`, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.BuyerID, &o.ProductID, &o.SellerID, &o.ProductTitle, &o.Price, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListUserOrders returns the latest purchases of a buyer
func (s *Store) ListUserOrders(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	return s.listOrders(ctx, "user_id = ?", userID, limit)
}

// ListSellerSales returns the latest sales of a shop
func (s *Store) ListSellerSales(ctx context.Context, sellerID int64, limit int) ([]models.Order, error) {
	return s.listOrders(ctx, "seller_id = ?", sellerID, limit)
}

const selectInvoice = `
	SELECT invoice_id, user_id, amount, asset, fiat_amount, status, hash, pay_url, payload,
	       credited_amount, rate, created_at, paid_at
	FROM invoices`

func scanInvoice(row rowScanner) (models.Invoice, error) {
	var inv models.Invoice
	var paidAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.UserID, &inv.Amount, &inv.Asset, &inv.FiatAmount, &inv.Status,
		&inv.Hash, &inv.PayURL, &inv.Payload, &inv.CreditedAmount, &inv.Rate, &inv.CreatedAt, &paidAt)
	if err != nil {
		return models.Invoice{}, notFound(err)
	}
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}
	return inv, nil
}

// CreateInvoice stores a freshly issued provider invoice as unpaid
func (s *Store) CreateInvoice(ctx context.Context, inv models.Invoice) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (invoice_id, user_id, amount, asset, fiat_amount, status, hash, pay_url, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.UserID, inv.Amount, inv.Asset, inv.FiatAmount, models.InvoiceUnpaid,
		inv.Hash, inv.PayURL, inv.Payload, inv.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// GetInvoice returns an invoice by provider ID
func (s *Store) GetInvoice(ctx context.Context, id int64) (models.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, selectInvoice+` WHERE invoice_id = ?`, id))
	if err != nil {
		return models.Invoice{}, fmt.Errorf("failed to get invoice %d: %w", id, err)
	}
	return inv, nil
}

// ListUnpaidInvoices returns every invoice still awaiting payment
func (s *Store) ListUnpaidInvoices(ctx context.Context) ([]models.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, selectInvoice+` WHERE status = ? ORDER BY invoice_id`, models.InvoiceUnpaid)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaid invoices: %w", err)
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// CreditInvoice marks the invoice paid and credits amount*rate to its owner
func (s *Store) CreditInvoice(ctx context.Context, id int64, rate decimal.Decimal) (models.Invoice, error) {
	var credited models.Invoice

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inv, err := scanInvoice(tx.QueryRowContext(ctx, selectInvoice+` WHERE invoice_id = ?`, id))
		if err != nil {
			return err
		}
		if inv.Status != models.InvoiceUnpaid {
			return storage.ErrInvoiceSettled
		}

		amount := inv.Amount.Mul(rate)
		paidAt := s.now().UTC()

		res, err := tx.ExecContext(ctx, `
			UPDATE invoices SET status = ?, credited_amount = ?, rate = ?, paid_at = ?
			WHERE invoice_id = ? AND status = ?`,
			models.InvoicePaid, amount, rate, paidAt, id, models.InvoiceUnpaid)
		if err != nil {
			return fmt.Errorf("failed to mark invoice paid: %w", err)
		}
		if err := requireAffected(res, storage.ErrInvoiceSettled); err != nil {
			return err
		}

		balance, err := balanceOf(ctx, tx, inv.UserID)
		if err != nil {
			return err
		}
		if err := setBalance(ctx, tx, inv.UserID, balance.Add(amount)); err != nil {
			return err
		}

		inv.Status = models.InvoicePaid
		inv.CreditedAmount = amount
		inv.Rate = rate
		inv.PaidAt = &paidAt
		credited = inv
		return nil
	})
	if err != nil {
		return models.Invoice{}, err
	}
	return credited, nil
}

// ExpireInvoice moves an unpaid invoice to expired
func (s *Store) ExpireInvoice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE invoices SET status = ? WHERE invoice_id = ? AND status = ?`,
		models.InvoiceExpired, id, models.InvoiceUnpaid)
	if err != nil {
		return fmt.Errorf("failed to expire invoice: %w", err)
	}
	return requireAffected(res, storage.ErrInvoiceSettled)
}

// CancelInvoice deletes an unpaid invoice owned by userID
func (s *Store) CancelInvoice(ctx context.Context, userID, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		var status models.InvoiceStatus
		err := tx.QueryRowContext(ctx, `SELECT user_id, status FROM invoices WHERE invoice_id = ?`, id).Scan(&owner, &status)
		if err != nil {
			return notFound(err)
		}
		if owner != userID {
			return storage.ErrNotOwner
		}
		if status != models.InvoiceUnpaid {
			return storage.ErrInvoiceSettled
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM invoices WHERE invoice_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete invoice: %w", err)
		}
		return nil
	})
}

// SaveConversation creates or replaces the dialog state of a user
func (s *Store) SaveConversation(ctx context.Context, conv models.Conversation) error {
	data, err := json.Marshal(conv.Data)
	if err != nil {
		return fmt.Errorf("failed to encode conversation data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, command, step, data, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			command = excluded.command, step = excluded.step, data = excluded.data, expires_at = excluded.expires_at`,
		conv.UserID, conv.Command, conv.Step, string(data), conv.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// LoadConversation returns the live dialog state of a user
func (s *Store) LoadConversation(ctx context.Context, userID int64, now time.Time) (models.Conversation, error) {
	var conv models.Conversation
	var data string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id, command, step, data, expires_at FROM conversations WHERE user_id = ?`, userID).
		Scan(&conv.UserID, &conv.Command, &conv.Step, &data, &expiresAt)
	if err != nil {
		return models.Conversation{}, notFound(err)
	}

	conv.ExpiresAt = time.Unix(expiresAt, 0)
	if conv.Expired(now) {
		return models.Conversation{}, storage.ErrNotFound
	}
	if err := json.Unmarshal([]byte(data), &conv.Data); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to decode conversation data: %w", err)
	}
	if conv.Data == nil {
		conv.Data = make(map[string]string)
	}
	return conv, nil
}

// DeleteConversation drops the dialog state of a user
func (s *Store) DeleteConversation(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// PurgeExpiredConversations deletes expired dialog states and returns how many
func (s *Store) PurgeExpiredConversations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge conversations: %w", err)
	}
	return res.RowsAffected()
}

// Maintenance reports whether maintenance mode is on
func (s *Store) Maintenance(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'maintenance'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read maintenance flag: %w", err)
	}
	return value == "on", nil
}

// SetMaintenance switches maintenance mode
func (s *Store) SetMaintenance(ctx context.Context, on bool) error {
	value := "off"
	if on {
		value = "on"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ('maintenance', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, value)
	if err != nil {
		return fmt.Errorf("failed to update maintenance flag: %w", err)
	}
	return nil
}

// Stats collects counters for the admin panel
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM sellers),
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM orders),
			(SELECT COUNT(*) FROM invoices WHERE status = 'unpaid')`).
		Scan(&stats.Users, &stats.Sellers, &stats.Products, &stats.Orders, &stats.UnpaidInvoices)
	if err != nil {
		return models.Stats{}, fmt.Errorf("failed to count records: %w", err)
	}

	// Prices are stored as exact decimal text, so the sum is taken here.
	rows, err := s.db.QueryContext(ctx, `SELECT price FROM orders`)
	if err != nil {
		return models.Stats{}, fmt.Errorf("failed to load turnover: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var price decimal.Decimal
		if err := rows.Scan(&price); err != nil {
			return models.Stats{}, fmt.Errorf("failed to scan price: %w", err)
		}
		stats.Turnover = stats.Turnover.Add(price)
	}
	if err := rows.Err(); err != nil {
		return models.Stats{}, err
	}

	stats.Maintenance, err = s.Maintenance(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	return stats, nil
}
