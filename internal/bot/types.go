package bot

import (
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"market/internal/market"
	"market/internal/payments"
	"market/internal/storage"
)

// Transport is the outbound half of the Telegram Bot API.
// *tgbotapi.BotAPI satisfies it.
type Transport interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Deps groups the services the bot drives
type Deps struct {
	Store    storage.Storage
	Journal  storage.Journal
	Market   *market.Service
	Deposits *payments.Deposits
}

// Settings holds presentation and throttling options
type Settings struct {
	MarketName     string
	SupportContact string
	SessionTTL     time.Duration
	UserRate       rate.Limit // inbound updates per second per user
	UserBurst      int
}

// Bot represents the Telegram bot wrapper
type Bot struct {
	api        Transport
	client     *tgbotapi.BotAPI // nil in tests
	token      string
	store      storage.Storage
	journal    storage.Journal
	market     *market.Service
	deposits   *payments.Deposits
	admins     map[int64]bool
	settings   Settings
	limiters   map[int64]*rate.Limiter
	limitersMu sync.Mutex
	logger     *zap.Logger
	now        func() time.Time
}

// Callback data actions. Arguments follow a "|" separator.
const (
	cbMainMenu         = "menu_back_main"
	cbBalance          = "menu_balance"
	cbDeposit          = "menu_deposit"
	cbDepositAsset     = "deposit_asset"
	cbInvoiceCancel    = "invoice_cancel"
	cbProducts         = "menu_products"
	cbViewProduct      = "view_product"
	cbBuy              = "buy"
	cbMyOrders         = "menu_my_orders"
	cbSell             = "menu_sell"
	cbSellerCreate     = "seller_create"
	cbSellerAdd        = "seller_add_product"
	cbSellerProducts   = "seller_products"
	cbSellerSales      = "seller_sales"
	cbSellerEdit       = "seller_edit_info"
	cbProductPrice     = "product_price"
	cbSettings         = "menu_settings"
	cbToggleNotify     = "toggle_notify"
	cbSupport          = "menu_support"
	cbAdmin            = "menu_admin"
	cbAdminStats       = "admin_stats"
	cbAdminMaintenance = "admin_maintenance"
	cbAdminUser        = "admin_user"
)

// Conversation commands persisted between messages
const (
	convDepositAmount = "deposit_amount"
	convOpenShop      = "open_shop"
	convEditShop      = "edit_shop"
	convAddProduct    = "add_product"
	convChangePrice   = "change_price"
	convAdminUser     = "admin_user"
)

const (
	productsPageSize = 20
	ordersPageSize   = 10
)
