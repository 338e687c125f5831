package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a marketplace customer identified by their Telegram ID
type User struct {
	ID            int64
	Username      string
	Balance       decimal.Decimal
	NotifyEnabled bool
	CreatedAt     time.Time
}

// Seller is the shop profile of a user. A user owns at most one.
type Seller struct {
	ID        int64
	UserID    int64
	Username  string
	Info      string
	CreatedAt time.Time
}

// Product represents a digital good listed by a seller
type Product struct {
	ID            int64
	SellerID      int64
	Title         string
	Description   string
	Price         decimal.Decimal
	Quantity      int
	ContentText   string
	ContentFileID string
	CreatedAt     time.Time
}

// Available reports whether at least one unit can still be bought
func (p Product) Available() bool {
	return p.Quantity > 0
}

// Order is an append-only purchase record. Price is captured at purchase time.
type Order struct {
	ID           int64
	BuyerID      int64
	ProductID    int64
	SellerID     int64
	ProductTitle string
	Price        decimal.Decimal
	CreatedAt    time.Time
}

// Purchase is the outcome of a committed purchase transaction
type Purchase struct {
	Order        Order
	Product      Product // state after the purchase
	BuyerBalance decimal.Decimal
	SellerUserID int64
}

// InvoiceStatus is the local lifecycle state of a top-up invoice
type InvoiceStatus string

const (
	InvoiceUnpaid  InvoiceStatus = "unpaid"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
)

// Invoice represents a cryptocurrency top-up request tracked until payment
type Invoice struct {
	ID             int64 // assigned by the payment provider
	UserID         int64
	Amount         decimal.Decimal // crypto amount requested
	Asset          string
	FiatAmount     decimal.Decimal // local amount the user asked for
	Status         InvoiceStatus
	Hash           string
	PayURL         string
	Payload        string
	CreditedAmount decimal.Decimal
	Rate           decimal.Decimal
	CreatedAt      time.Time
	PaidAt         *time.Time
}

// Conversation tracks the state of a multi-step dialog for a single user
type Conversation struct {
	UserID    int64
	Command   string
	Step      int
	Data      map[string]string
	ExpiresAt time.Time
}

// Expired reports whether the conversation is no longer valid at now
func (c Conversation) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// EventKind classifies journal entries
type EventKind string

const (
	EventPurchase EventKind = "purchase"
	EventDeposit  EventKind = "deposit"
)

// LedgerEvent is an append-only journal record of a committed ledger change
type LedgerEvent struct {
	Kind           EventKind
	UserID         int64
	CounterpartyID int64
	ProductID      int64
	OrderID        int64
	InvoiceID      int64
	Amount         decimal.Decimal
	Asset          string
	OccurredAt     time.Time
}

// EventSummary aggregates journal events of one kind
type EventSummary struct {
	Kind  EventKind
	Count uint64
	Total decimal.Decimal
}

// Stats is a snapshot of marketplace counters for the admin panel
type Stats struct {
	Users          int
	Sellers        int
	Products       int
	Orders         int
	Turnover       decimal.Decimal
	UnpaidInvoices int
	Maintenance    bool
}
