package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market/internal/models"
	"market/internal/storage"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "market.db"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))

	t.Cleanup(func() { store.Close() })
	return store
}

var nextInvoiceID int64 = 1000

// fund tops a user up through a credited invoice at rate 1
func fund(t *testing.T, s *Store, userID int64, amount string) {
	t.Helper()
	ctx := context.Background()

	nextInvoiceID++
	require.NoError(t, s.CreateInvoice(ctx, models.Invoice{
		ID:     nextInvoiceID,
		UserID: userID,
		Amount: decimal.RequireFromString(amount),
		Asset:  "USDT",
	}))
	_, err := s.CreditInvoice(ctx, nextInvoiceID, decimal.NewFromInt(1))
	require.NoError(t, err)
}

// seedProduct creates a seller owned by sellerUser with one product
func seedProduct(t *testing.T, s *Store, sellerUser int64, price string, qty int) models.Product {
	t.Helper()
	ctx := context.Background()

	_, err := s.EnsureUser(ctx, sellerUser, "seller")
	require.NoError(t, err)

	seller, err := s.GetSellerByUser(ctx, sellerUser)
	if err != nil {
		seller, err = s.CreateSeller(ctx, sellerUser, "keys and codes")
		require.NoError(t, err)
	}

	product, err := s.CreateProduct(ctx, models.Product{
		SellerID:    seller.ID,
		Title:       "Game key",
		Description: "Steam key",
		Price:       decimal.RequireFromString(price),
		Quantity:    qty,
		ContentText: "AAAA-BBBB-CCCC",
	})
	require.NoError(t, err)
	return product
}

func balance(t *testing.T, s *Store, userID int64) decimal.Decimal {
	t.Helper()
	user, err := s.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return user.Balance
}

func TestStore_EnsureUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, 42, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.ID)
	assert.True(t, user.Balance.IsZero())
	assert.True(t, user.NotifyEnabled)

	user, err = s.EnsureUser(ctx, 42, "alice_renamed")
	require.NoError(t, err)
	assert.Equal(t, "alice_renamed", user.Username)

	_, err = s.GetUser(ctx, 7)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetNotifications(ctx, 42, false))
	user, err = s.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.False(t, user.NotifyEnabled)
}

func TestStore_CreateSellerOncePerUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureUser(ctx, 1, "bob")
	require.NoError(t, err)

	seller, err := s.CreateSeller(ctx, 1, "first shop")
	require.NoError(t, err)
	assert.Equal(t, "bob", seller.Username)

	_, err = s.CreateSeller(ctx, 1, "second shop")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	require.NoError(t, s.UpdateSellerInfo(ctx, 1, "renamed"))
	seller, err = s.GetSellerByUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", seller.Info)
}

func TestStore_PurchaseSuccess(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	product := seedProduct(t, s, 2, "300", 1)
	_, err := s.EnsureUser(ctx, 1, "buyer")
	require.NoError(t, err)
	fund(t, s, 1, "500")

	purchase, err := s.Purchase(ctx, 1, product.ID)
	require.NoError(t, err)

	assert.True(t, purchase.BuyerBalance.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, int64(2), purchase.SellerUserID)
	assert.Equal(t, 0, purchase.Product.Quantity)
	assert.True(t, purchase.Order.Price.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, "Game key", purchase.Order.ProductTitle)

	assert.True(t, balance(t, s, 1).Equal(decimal.NewFromInt(200)))
	assert.True(t, balance(t, s, 2).Equal(decimal.NewFromInt(300)))

	stored, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Quantity)

	orders, err := s.ListUserOrders(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, product.ID, orders[0].ProductID)

	sales, err := s.ListSellerSales(ctx, product.SellerID, 10)
	require.NoError(t, err)
	assert.Len(t, sales, 1)

	available, err := s.ListAvailableProducts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, available)
}

func TestStore_PurchaseFailuresLeaveNoTrace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureUser(ctx, 1, "buyer")
	require.NoError(t, err)
	fund(t, s, 1, "100")

	t.Run("insufficient funds", func(t *testing.T) {
		product := seedProduct(t, s, 2, "300", 1)

		_, err := s.Purchase(ctx, 1, product.ID)
		assert.ErrorIs(t, err, storage.ErrInsufficientFunds)

		stored, err := s.GetProduct(ctx, product.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Quantity)
	})

	t.Run("out of stock", func(t *testing.T) {
		product := seedProduct(t, s, 2, "10", 0)

		_, err := s.Purchase(ctx, 1, product.ID)
		assert.ErrorIs(t, err, storage.ErrOutOfStock)
	})

	t.Run("missing product", func(t *testing.T) {
		_, err := s.Purchase(ctx, 1, 9999)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("out of stock wins over funds", func(t *testing.T) {
		product := seedProduct(t, s, 2, "5000", 0)

		_, err := s.Purchase(ctx, 1, product.ID)
		assert.ErrorIs(t, err, storage.ErrOutOfStock)
	})

	assert.True(t, balance(t, s, 1).Equal(decimal.NewFromInt(100)))
	assert.True(t, balance(t, s, 2).IsZero())

	orders, err := s.ListUserOrders(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestStore_PurchaseRollsBackOnLateFailure(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	product := seedProduct(t, s, 2, "300", 1)
	_, err := s.EnsureUser(ctx, 1, "buyer")
	require.NoError(t, err)
	fund(t, s, 1, "500")

	// The order insert runs after both balances and the quantity were written
	_, err = s.DB().ExecContext(ctx, `
		CREATE TRIGGER fail_order_insert BEFORE INSERT ON orders
		BEGIN
			SELECT RAISE(ABORT, 'boom');
		END`)
	require.NoError(t, err)

	_, err = s.Purchase(ctx, 1, product.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.True(t, balance(t, s, 1).Equal(decimal.NewFromInt(500)))
	assert.True(t, balance(t, s, 2).IsZero())

	stored, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Quantity)

	orders, err := s.ListUserOrders(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestStore_PurchaseOwnProduct(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	product := seedProduct(t, s, 1, "40", 2)
	fund(t, s, 1, "100")

	purchase, err := s.Purchase(ctx, 1, product.ID)
	require.NoError(t, err)
	assert.True(t, purchase.BuyerBalance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, purchase.Product.Quantity)
}

func TestStore_PurchaseKeepsOrderPriceAfterChange(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	product := seedProduct(t, s, 2, "10", 5)
	_, err := s.EnsureUser(ctx, 1, "buyer")
	require.NoError(t, err)
	fund(t, s, 1, "100")

	_, err = s.Purchase(ctx, 1, product.ID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateProductPrice(ctx, product.SellerID, product.ID, decimal.NewFromInt(25)))
	assert.ErrorIs(t, s.UpdateProductPrice(ctx, product.SellerID+100, product.ID, decimal.NewFromInt(1)), storage.ErrNotOwner)

	orders, err := s.ListUserOrders(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Price.Equal(decimal.NewFromInt(10)))
}

func TestStore_ConcurrentPurchasesOfLastUnit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	product := seedProduct(t, s, 100, "50", 1)

	const buyers = 8
	for i := int64(1); i <= buyers; i++ {
		_, err := s.EnsureUser(ctx, i, "buyer")
		require.NoError(t, err)
		fund(t, s, i, "50")
	}

	var wg sync.WaitGroup
	results := make(chan error, buyers)
	for i := int64(1); i <= buyers; i++ {
		wg.Add(1)
		go func(buyer int64) {
			defer wg.Done()
			_, err := s.Purchase(ctx, buyer, product.ID)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var succeeded, outOfStock int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, storage.ErrOutOfStock):
			outOfStock++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, buyers-1, outOfStock)

	stored, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Quantity)
	assert.True(t, balance(t, s, 100).Equal(decimal.NewFromInt(50)))
}

func TestStore_CreditInvoiceOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureUser(ctx, 1, "payer")
	require.NoError(t, err)
	require.NoError(t, s.CreateInvoice(ctx, models.Invoice{
		ID:         77,
		UserID:     1,
		Amount:     decimal.RequireFromString("0.01"),
		Asset:      "BTC",
		FiatAmount: decimal.NewFromInt(50000),
		PayURL:     "https://t.me/CryptoBot?start=IV77",
	}))

	unpaid, err := s.ListUnpaidInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, models.InvoiceUnpaid, unpaid[0].Status)

	inv, err := s.CreditInvoice(ctx, 77, decimal.NewFromInt(5_000_000))
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, inv.Status)
	assert.True(t, inv.CreditedAmount.Equal(decimal.NewFromInt(50000)))
	require.NotNil(t, inv.PaidAt)

	_, err = s.CreditInvoice(ctx, 77, decimal.NewFromInt(5_000_000))
	assert.ErrorIs(t, err, storage.ErrInvoiceSettled)
	assert.ErrorIs(t, s.ExpireInvoice(ctx, 77), storage.ErrInvoiceSettled)

	assert.True(t, balance(t, s, 1).Equal(decimal.NewFromInt(50000)))

	stored, err := s.GetInvoice(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, stored.Status)
	assert.True(t, stored.Rate.Equal(decimal.NewFromInt(5_000_000)))
	require.NotNil(t, stored.PaidAt)

	unpaid, err = s.ListUnpaidInvoices(ctx)
	require.NoError(t, err)
	assert.Empty(t, unpaid)
}

func TestStore_CancelInvoice(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		_, err := s.EnsureUser(ctx, id, "")
		require.NoError(t, err)
	}
	require.NoError(t, s.CreateInvoice(ctx, models.Invoice{ID: 5, UserID: 1, Amount: decimal.NewFromInt(3), Asset: "TON"}))

	assert.ErrorIs(t, s.CancelInvoice(ctx, 2, 5), storage.ErrNotOwner)
	assert.ErrorIs(t, s.CancelInvoice(ctx, 1, 6), storage.ErrNotFound)
	require.NoError(t, s.CancelInvoice(ctx, 1, 5))

	_, err := s.GetInvoice(ctx, 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CreateInvoice(ctx, models.Invoice{ID: 8, UserID: 1, Amount: decimal.NewFromInt(3), Asset: "TON"}))
	require.NoError(t, s.ExpireInvoice(ctx, 8))
	assert.ErrorIs(t, s.CancelInvoice(ctx, 1, 8), storage.ErrInvoiceSettled)
}

func TestStore_Conversations(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.EnsureUser(ctx, 1, "")
	require.NoError(t, err)

	conv := models.Conversation{
		UserID:    1,
		Command:   "add_product",
		Step:      1,
		Data:      map[string]string{"title": "Key"},
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, s.SaveConversation(ctx, conv))

	loaded, err := s.LoadConversation(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, "add_product", loaded.Command)
	assert.Equal(t, "Key", loaded.Data["title"])

	_, err = s.LoadConversation(ctx, 1, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	purged, err := s.PurgeExpiredConversations(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = s.LoadConversation(ctx, 1, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_MaintenanceAndStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	on, err := s.Maintenance(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, s.SetMaintenance(ctx, true))
	on, err = s.Maintenance(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	product := seedProduct(t, s, 2, "12.5", 3)
	_, err = s.EnsureUser(ctx, 1, "buyer")
	require.NoError(t, err)
	fund(t, s, 1, "100")
	for i := 0; i < 2; i++ {
		_, err = s.Purchase(ctx, 1, product.ID)
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 1, stats.Sellers)
	assert.Equal(t, 1, stats.Products)
	assert.Equal(t, 2, stats.Orders)
	assert.True(t, stats.Turnover.Equal(decimal.NewFromInt(25)))
	assert.True(t, stats.Maintenance)
}
