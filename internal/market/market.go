// Package market implements buying and selling on top of the ledger store.
package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market/internal/models"
	"market/internal/storage"
)

const journalTimeout = 5 * time.Second

var (
	// ErrInvalidProduct is returned when a product draft fails validation.
	ErrInvalidProduct = errors.New("invalid product")
	// ErrNotSeller is returned when a user without a shop uses seller features.
	ErrNotSeller = errors.New("user has no shop")
)

// Notifier schedules best-effort messages
type Notifier interface {
	Notify(userID int64, text string)
}

// Service wraps the purchase transaction with its post-commit side effects
type Service struct {
	store    storage.Storage
	journal  storage.Journal
	notifier Notifier
	currency string
	logger   *zap.Logger
}

// New creates a market service. currency is the label shown next to prices.
func New(store storage.Storage, journal storage.Journal, notifier Notifier, currency string, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		journal:  journal,
		notifier: notifier,
		currency: strings.ToUpper(currency),
		logger:   logger,
	}
}

// Currency returns the display label of the ledger currency
func (s *Service) Currency() string {
	return s.currency
}

// Buy purchases one unit of productID for buyerID. Only a committed purchase
// triggers the journal entry and the seller notification.
func (s *Service) Buy(ctx context.Context, buyerID, productID int64) (models.Purchase, error) {
	purchase, err := s.store.Purchase(ctx, buyerID, productID)
	if err != nil {
		return models.Purchase{}, err
	}

	s.logger.Info("Purchase committed",
		zap.Int64("order_id", purchase.Order.ID),
		zap.Int64("buyer_id", buyerID),
		zap.Int64("seller_user_id", purchase.SellerUserID),
		zap.Int64("product_id", productID),
		zap.String("price", purchase.Order.Price.String()))

	s.record(ctx, models.LedgerEvent{
		Kind:           models.EventPurchase,
		UserID:         buyerID,
		CounterpartyID: purchase.SellerUserID,
		ProductID:      productID,
		OrderID:        purchase.Order.ID,
		Amount:         purchase.Order.Price,
		Asset:          s.currency,
		OccurredAt:     purchase.Order.CreatedAt,
	})

	if purchase.SellerUserID != buyerID {
		s.notifier.Notify(purchase.SellerUserID, fmt.Sprintf(
			"💰 Sold: %s for %s %s. Units left: %d",
			purchase.Order.ProductTitle, purchase.Order.Price, s.currency, purchase.Product.Quantity))
	}
	return purchase, nil
}

func (s *Service) record(ctx context.Context, event models.LedgerEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	if err := s.journal.Record(ctx, event); err != nil {
		s.logger.Warn("Failed to journal ledger event",
			zap.String("kind", string(event.Kind)),
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
	}
}

// ListProducts returns products that can be bought right now
func (s *Service) ListProducts(ctx context.Context, limit int) ([]models.Product, error) {
	return s.store.ListAvailableProducts(ctx, limit)
}

// Product returns a single product with its seller
func (s *Service) Product(ctx context.Context, id int64) (models.Product, models.Seller, error) {
	product, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return models.Product{}, models.Seller{}, err
	}
	seller, err := s.store.GetSeller(ctx, product.SellerID)
	if err != nil {
		return models.Product{}, models.Seller{}, err
	}
	return product, seller, nil
}

// Orders returns the latest purchases of a user
func (s *Service) Orders(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	return s.store.ListUserOrders(ctx, userID, limit)
}

// Shop returns the seller profile of a user
func (s *Service) Shop(ctx context.Context, userID int64) (models.Seller, error) {
	seller, err := s.store.GetSellerByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Seller{}, ErrNotSeller
	}
	return seller, err
}

// OpenShop creates the seller profile of a user
func (s *Service) OpenShop(ctx context.Context, userID int64, info string) (models.Seller, error) {
	info = strings.TrimSpace(info)
	if info == "" {
		return models.Seller{}, fmt.Errorf("%w: shop description is empty", ErrInvalidProduct)
	}
	return s.store.CreateSeller(ctx, userID, info)
}

// EditShop replaces the description of the user's shop
func (s *Service) EditShop(ctx context.Context, userID int64, info string) error {
	info = strings.TrimSpace(info)
	if info == "" {
		return fmt.Errorf("%w: shop description is empty", ErrInvalidProduct)
	}
	if _, err := s.Shop(ctx, userID); err != nil {
		return err
	}
	if err := s.store.UpdateSellerInfo(ctx, userID, info); err != nil {
		return fmt.Errorf("failed to update shop info: %w", err)
	}

	s.logger.Info("Shop info updated", zap.Int64("user_id", userID))
	return nil
}

// SellerProducts lists all products of the user's shop
func (s *Service) SellerProducts(ctx context.Context, userID int64) ([]models.Product, error) {
	seller, err := s.Shop(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListSellerProducts(ctx, seller.ID)
}

// Sales lists the latest orders of the user's shop
func (s *Service) Sales(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	seller, err := s.Shop(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListSellerSales(ctx, seller.ID, limit)
}

// ProductDraft is a product as entered by a seller
type ProductDraft struct {
	Title       string
	Description string
	Price       decimal.Decimal
	Quantity    int
	Content     string
	FileID      string
}

// Validate checks the draft before it reaches the store
func (d ProductDraft) Validate() error {
	switch {
	case strings.TrimSpace(d.Title) == "":
		return fmt.Errorf("%w: title is empty", ErrInvalidProduct)
	case len([]rune(d.Title)) > 100:
		return fmt.Errorf("%w: title is longer than 100 characters", ErrInvalidProduct)
	case !d.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidProduct)
	case !d.Price.Equal(d.Price.Truncate(2)):
		return fmt.Errorf("%w: price has more than two decimals", ErrInvalidProduct)
	case d.Quantity < 1:
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidProduct)
	case strings.TrimSpace(d.Content) == "" && d.FileID == "":
		return fmt.Errorf("%w: content is empty", ErrInvalidProduct)
	}
	return nil
}

// ParseProductLine parses "title | price | quantity | content"
func ParseProductLine(line string) (ProductDraft, error) {
	parts := strings.SplitN(line, "|", 4)
	if len(parts) != 4 {
		return ProductDraft{}, fmt.Errorf("%w: expected title | price | quantity | content", ErrInvalidProduct)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	price, err := ParseAmount(parts[1])
	if err != nil {
		return ProductDraft{}, fmt.Errorf("%w: bad price %q", ErrInvalidProduct, parts[1])
	}
	quantity, err := strconv.Atoi(parts[2])
	if err != nil {
		return ProductDraft{}, fmt.Errorf("%w: bad quantity %q", ErrInvalidProduct, parts[2])
	}

	draft := ProductDraft{
		Title:    parts[0],
		Price:    price,
		Quantity: quantity,
		Content:  parts[3],
	}
	return draft, draft.Validate()
}

// ParseAmount accepts both "12.50" and "12,50"
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	s = strings.ReplaceAll(s, " ", "")
	return decimal.NewFromString(s)
}

// AddProduct lists a new product in the user's shop
func (s *Service) AddProduct(ctx context.Context, userID int64, draft ProductDraft) (models.Product, error) {
	if err := draft.Validate(); err != nil {
		return models.Product{}, err
	}
	seller, err := s.Shop(ctx, userID)
	if err != nil {
		return models.Product{}, err
	}

	product, err := s.store.CreateProduct(ctx, models.Product{
		SellerID:      seller.ID,
		Title:         strings.TrimSpace(draft.Title),
		Description:   strings.TrimSpace(draft.Description),
		Price:         draft.Price,
		Quantity:      draft.Quantity,
		ContentText:   strings.TrimSpace(draft.Content),
		ContentFileID: draft.FileID,
	})
	if err != nil {
		return models.Product{}, err
	}

	s.logger.Info("Product listed",
		zap.Int64("product_id", product.ID),
		zap.Int64("seller_id", seller.ID),
		zap.String("price", product.Price.String()))
	return product, nil
}

// ChangePrice updates the price of a product owned by the user's shop
func (s *Service) ChangePrice(ctx context.Context, userID, productID int64, price decimal.Decimal) error {
	if !price.IsPositive() || !price.Equal(price.Truncate(2)) {
		return fmt.Errorf("%w: price must be positive with at most two decimals", ErrInvalidProduct)
	}
	seller, err := s.Shop(ctx, userID)
	if err != nil {
		return err
	}
	return s.store.UpdateProductPrice(ctx, seller.ID, productID, price)
}
