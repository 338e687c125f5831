package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"market/internal/models"
)

var (
	// ErrNotFound indicates a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness conflict.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrOutOfStock is returned when a product has no remaining units.
	ErrOutOfStock = errors.New("product is out of stock")
	// ErrInsufficientFunds is returned when the buyer balance is below the price.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNotOwner is returned when a user acts on a record owned by someone else.
	ErrNotOwner = errors.New("not the owner")
	// ErrInvoiceSettled is returned when an invoice is no longer unpaid.
	ErrInvoiceSettled = errors.New("invoice is not unpaid")
	// ErrJournalDisabled is returned by journals that do not keep history.
	ErrJournalDisabled = errors.New("journal is disabled")
)

// Storage defines the ledger operations. Balance, quantity and order mutations
// happen only inside Purchase and CreditInvoice, each as one transaction.
type Storage interface {
	// User operations
	EnsureUser(ctx context.Context, id int64, username string) (models.User, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	SetNotifications(ctx context.Context, id int64, enabled bool) error

	// Seller operations
	CreateSeller(ctx context.Context, userID int64, info string) (models.Seller, error)
	GetSeller(ctx context.Context, id int64) (models.Seller, error)
	GetSellerByUser(ctx context.Context, userID int64) (models.Seller, error)
	UpdateSellerInfo(ctx context.Context, userID int64, info string) error

	// Product operations
	CreateProduct(ctx context.Context, product models.Product) (models.Product, error)
	GetProduct(ctx context.Context, id int64) (models.Product, error)
	ListAvailableProducts(ctx context.Context, limit int) ([]models.Product, error)
	ListSellerProducts(ctx context.Context, sellerID int64) ([]models.Product, error)
	UpdateProductPrice(ctx context.Context, sellerID, productID int64, price decimal.Decimal) error

	// Purchase debits the buyer, credits the seller, decrements quantity and
	// appends an order atomically. Preconditions are checked in order:
	// product exists, quantity > 0, balance >= price.
	Purchase(ctx context.Context, buyerID, productID int64) (models.Purchase, error)
	ListUserOrders(ctx context.Context, userID int64, limit int) ([]models.Order, error)
	ListSellerSales(ctx context.Context, sellerID int64, limit int) ([]models.Order, error)

	// Invoice operations
	CreateInvoice(ctx context.Context, invoice models.Invoice) error
	GetInvoice(ctx context.Context, id int64) (models.Invoice, error)
	ListUnpaidInvoices(ctx context.Context) ([]models.Invoice, error)

	// CreditInvoice transitions an unpaid invoice to paid and credits
	// amount*rate to its owner in one transaction. It returns
	// ErrInvoiceSettled without side effects if the invoice is not unpaid.
	CreditInvoice(ctx context.Context, id int64, rate decimal.Decimal) (models.Invoice, error)
	ExpireInvoice(ctx context.Context, id int64) error
	CancelInvoice(ctx context.Context, userID, id int64) error

	// Conversation operations
	SaveConversation(ctx context.Context, conv models.Conversation) error
	// LoadConversation returns ErrNotFound for missing or expired records
	LoadConversation(ctx context.Context, userID int64, now time.Time) (models.Conversation, error)
	DeleteConversation(ctx context.Context, userID int64) error
	PurgeExpiredConversations(ctx context.Context, now time.Time) (int64, error)

	// Settings
	Maintenance(ctx context.Context) (bool, error)
	SetMaintenance(ctx context.Context, on bool) error
	Stats(ctx context.Context) (models.Stats, error)

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}

// Journal is an append-only sink of committed ledger events used for reporting.
// It is never part of a ledger transaction.
type Journal interface {
	Record(ctx context.Context, event models.LedgerEvent) error
	Summary(ctx context.Context, since time.Time) ([]models.EventSummary, error)
	Initialize(ctx context.Context) error
	Close() error
}
