package stubs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market/internal/models"
	"market/internal/storage"
)

var _ storage.Storage = (*MockDB)(nil)

// MockDB is an in-memory implementation of the Storage interface for testing.
// A single mutex stands in for the database transaction.
type MockDB struct {
	mu            sync.RWMutex
	users         map[int64]models.User
	sellers       map[int64]models.Seller
	products      map[int64]models.Product
	orders        []models.Order
	invoices      map[int64]models.Invoice
	conversations map[int64]models.Conversation
	maintenance   bool
	nextID        int64
}

// NewMockDB creates a new mock database
func NewMockDB() *MockDB {
	return &MockDB{
		users:         make(map[int64]models.User),
		sellers:       make(map[int64]models.Seller),
		products:      make(map[int64]models.Product),
		orders:        make([]models.Order, 0),
		invoices:      make(map[int64]models.Invoice),
		conversations: make(map[int64]models.Conversation),
	}
}

// Initialize is a no-op for the in-memory store
func (m *MockDB) Initialize(ctx context.Context) error {
	return nil
}

// Close is a no-op for mock
func (m *MockDB) Close() error {
	return nil
}

func (m *MockDB) id() int64 {
	m.nextID++
	return m.nextID
}

// SetBalance overwrites a user balance. Test fixture only.
func (m *MockDB) SetBalance(userID int64, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.users[userID]
	user.ID = userID
	user.Balance = balance
	m.users[userID] = user
}

func (m *MockDB) EnsureUser(ctx context.Context, id int64, username string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		user = models.User{ID: id, NotifyEnabled: true, CreatedAt: time.Now().UTC()}
	}
	user.Username = username
	m.users[id] = user
	return user, nil
}

func (m *MockDB) GetUser(ctx context.Context, id int64) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (m *MockDB) SetNotifications(ctx context.Context, id int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	user.NotifyEnabled = enabled
	m.users[id] = user
	return nil
}

func (m *MockDB) CreateSeller(ctx context.Context, userID int64, info string) (models.Seller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sellerOf(userID); ok {
		return models.Seller{}, storage.ErrAlreadyExists
	}
	user, ok := m.users[userID]
	if !ok {
		return models.Seller{}, storage.ErrNotFound
	}

	seller := models.Seller{
		ID:        m.id(),
		UserID:    userID,
		Username:  user.Username,
		Info:      info,
		CreatedAt: time.Now().UTC(),
	}
	m.sellers[seller.ID] = seller
	return seller, nil
}

func (m *MockDB) sellerOf(userID int64) (models.Seller, bool) {
	for _, seller := range m.sellers {
		if seller.UserID == userID {
			return seller, true
		}
	}
	return models.Seller{}, false
}

func (m *MockDB) GetSeller(ctx context.Context, id int64) (models.Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seller, ok := m.sellers[id]
	if !ok {
		return models.Seller{}, storage.ErrNotFound
	}
	return seller, nil
}

func (m *MockDB) GetSellerByUser(ctx context.Context, userID int64) (models.Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seller, ok := m.sellerOf(userID)
	if !ok {
		return models.Seller{}, storage.ErrNotFound
	}
	return seller, nil
}

func (m *MockDB) UpdateSellerInfo(ctx context.Context, userID int64, info string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seller, ok := m.sellerOf(userID)
	if !ok {
		return storage.ErrNotFound
	}
	seller.Info = info
	m.sellers[seller.ID] = seller
	return nil
}

func (m *MockDB) CreateProduct(ctx context.Context, product models.Product) (models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sellers[product.SellerID]; !ok {
		return models.Product{}, storage.ErrNotFound
	}
	product.ID = m.id()
	product.CreatedAt = time.Now().UTC()
	m.products[product.ID] = product
	return product, nil
}

func (m *MockDB) GetProduct(ctx context.Context, id int64) (models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	product, ok := m.products[id]
	if !ok {
		return models.Product{}, storage.ErrNotFound
	}
	return product, nil
}

func (m *MockDB) listProducts(keep func(models.Product) bool) []models.Product {
	var products []models.Product
	for _, p := range m.products {
		if keep(p) {
			products = append(products, p)
		}
	}

	// Newest first
	sort.Slice(products, func(i, j int) bool {
		return products[i].ID > products[j].ID
	})
	return products
}

func (m *MockDB) ListAvailableProducts(ctx context.Context, limit int) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := m.listProducts(models.Product.Available)
	if len(products) > limit {
		products = products[:limit]
	}
	return products, nil
}

func (m *MockDB) ListSellerProducts(ctx context.Context, sellerID int64) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.listProducts(func(p models.Product) bool { return p.SellerID == sellerID }), nil
}

func (m *MockDB) UpdateProductPrice(ctx context.Context, sellerID, productID int64, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	product, ok := m.products[productID]
	if !ok {
		return storage.ErrNotFound
	}
	if product.SellerID != sellerID {
		return storage.ErrNotOwner
	}
	product.Price = price
	m.products[productID] = product
	return nil
}

// Purchase mirrors the SQL transaction. All checks run before any mutation,
// so a failure leaves the maps untouched.
func (m *MockDB) Purchase(ctx context.Context, buyerID, productID int64) (models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	product, ok := m.products[productID]
	if !ok {
		return models.Purchase{}, storage.ErrNotFound
	}
	if !product.Available() {
		return models.Purchase{}, storage.ErrOutOfStock
	}
	buyer, ok := m.users[buyerID]
	if !ok {
		return models.Purchase{}, storage.ErrNotFound
	}
	if buyer.Balance.LessThan(product.Price) {
		return models.Purchase{}, storage.ErrInsufficientFunds
	}
	seller, ok := m.sellers[product.SellerID]
	if !ok {
		return models.Purchase{}, storage.ErrNotFound
	}
	if _, ok := m.users[seller.UserID]; !ok {
		return models.Purchase{}, storage.ErrNotFound
	}

	buyer.Balance = buyer.Balance.Sub(product.Price)
	m.users[buyerID] = buyer

	sellerUser := m.users[seller.UserID]
	sellerUser.Balance = sellerUser.Balance.Add(product.Price)
	m.users[seller.UserID] = sellerUser

	product.Quantity--
	m.products[productID] = product

	order := models.Order{
		ID:           m.id(),
		BuyerID:      buyerID,
		ProductID:    productID,
		SellerID:     product.SellerID,
		ProductTitle: product.Title,
		Price:        product.Price,
		CreatedAt:    time.Now().UTC(),
	}
	m.orders = append(m.orders, order)

	return models.Purchase{
		Order:        order,
		Product:      product,
		BuyerBalance: m.users[buyerID].Balance,
		SellerUserID: seller.UserID,
	}, nil
}

func (m *MockDB) listOrders(keep func(models.Order) bool, limit int) []models.Order {
	var orders []models.Order
	for i := len(m.orders) - 1; i >= 0 && len(orders) < limit; i-- {
		if keep(m.orders[i]) {
			orders = append(orders, m.orders[i])
		}
	}
	return orders
}

func (m *MockDB) ListUserOrders(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.listOrders(func(o models.Order) bool { return o.BuyerID == userID }, limit), nil
}

func (m *MockDB) ListSellerSales(ctx context.Context, sellerID int64, limit int) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.listOrders(func(o models.Order) bool { return o.SellerID == sellerID }, limit), nil
}

func (m *MockDB) CreateInvoice(ctx context.Context, invoice models.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[invoice.ID]; ok {
		return storage.ErrAlreadyExists
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	invoice.Status = models.InvoiceUnpaid
	m.invoices[invoice.ID] = invoice
	return nil
}

func (m *MockDB) GetInvoice(ctx context.Context, id int64) (models.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	invoice, ok := m.invoices[id]
	if !ok {
		return models.Invoice{}, storage.ErrNotFound
	}
	return invoice, nil
}

func (m *MockDB) ListUnpaidInvoices(ctx context.Context) ([]models.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var invoices []models.Invoice
	for _, invoice := range m.invoices {
		if invoice.Status == models.InvoiceUnpaid {
			invoices = append(invoices, invoice)
		}
	}
	sort.Slice(invoices, func(i, j int) bool {
		return invoices[i].ID < invoices[j].ID
	})
	return invoices, nil
}

func (m *MockDB) CreditInvoice(ctx context.Context, id int64, rate decimal.Decimal) (models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	invoice, ok := m.invoices[id]
	if !ok {
		return models.Invoice{}, storage.ErrNotFound
	}
	if invoice.Status != models.InvoiceUnpaid {
		return models.Invoice{}, storage.ErrInvoiceSettled
	}
	user, ok := m.users[invoice.UserID]
	if !ok {
		return models.Invoice{}, storage.ErrNotFound
	}

	paidAt := time.Now().UTC()
	invoice.Status = models.InvoicePaid
	invoice.Rate = rate
	invoice.CreditedAmount = invoice.Amount.Mul(rate)
	invoice.PaidAt = &paidAt
	m.invoices[id] = invoice

	user.Balance = user.Balance.Add(invoice.CreditedAmount)
	m.users[user.ID] = user
	return invoice, nil
}

func (m *MockDB) ExpireInvoice(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	invoice, ok := m.invoices[id]
	if !ok || invoice.Status != models.InvoiceUnpaid {
		return storage.ErrInvoiceSettled
	}
	invoice.Status = models.InvoiceExpired
	m.invoices[id] = invoice
	return nil
}

func (m *MockDB) CancelInvoice(ctx context.Context, userID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	invoice, ok := m.invoices[id]
	if !ok {
		return storage.ErrNotFound
	}
	if invoice.UserID != userID {
		return storage.ErrNotOwner
	}
	if invoice.Status != models.InvoiceUnpaid {
		return storage.ErrInvoiceSettled
	}
	delete(m.invoices, id)
	return nil
}

func (m *MockDB) SaveConversation(ctx context.Context, conv models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make(map[string]string, len(conv.Data))
	for k, v := range conv.Data {
		data[k] = v
	}
	conv.Data = data
	m.conversations[conv.UserID] = conv
	return nil
}

func (m *MockDB) LoadConversation(ctx context.Context, userID int64, now time.Time) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[userID]
	if !ok || conv.Expired(now) {
		return models.Conversation{}, storage.ErrNotFound
	}

	data := make(map[string]string, len(conv.Data))
	for k, v := range conv.Data {
		data[k] = v
	}
	conv.Data = data
	return conv, nil
}

func (m *MockDB) DeleteConversation(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conversations, userID)
	return nil
}

func (m *MockDB) PurgeExpiredConversations(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for userID, conv := range m.conversations {
		if conv.Expired(now) {
			delete(m.conversations, userID)
			purged++
		}
	}
	return purged, nil
}

func (m *MockDB) Maintenance(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maintenance, nil
}

func (m *MockDB) SetMaintenance(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maintenance = on
	return nil
}

func (m *MockDB) Stats(ctx context.Context) (models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := models.Stats{
		Users:       len(m.users),
		Sellers:     len(m.sellers),
		Products:    len(m.products),
		Orders:      len(m.orders),
		Maintenance: m.maintenance,
	}
	for _, order := range m.orders {
		stats.Turnover = stats.Turnover.Add(order.Price)
	}
	for _, invoice := range m.invoices {
		if invoice.Status == models.InvoiceUnpaid {
			stats.UnpaidInvoices++
		}
	}
	return stats, nil
}
