package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"market/internal/models"
	"market/internal/storage"
)

// sendMainMenu shows the welcome message with the balance and the main menu
func (b *Bot) sendMainMenu(ctx context.Context, chatID, userID int64) {
	user, err := b.store.GetUser(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to load user", zap.Int64("user_id", userID), zap.Error(err))
		b.sendText(chatID, "Service is temporarily unavailable. Please try again later.")
		return
	}

	text := fmt.Sprintf("Welcome to %s! 🛒\n\nYour balance: %s\n\nChoose an action:",
		b.settings.MarketName, b.money(user.Balance))

	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🛍 Products", cbProducts),
			tgbotapi.NewInlineKeyboardButtonData("📦 My orders", cbMyOrders),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💰 Balance", cbBalance),
			tgbotapi.NewInlineKeyboardButtonData("➕ Top up", cbDeposit),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🏪 Sell", cbSell),
			tgbotapi.NewInlineKeyboardButtonData("⚙️ Settings", cbSettings),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🆘 Support", cbSupport),
		),
	}
	if b.isAdmin(userID) {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🛡 Admin panel", cbAdmin),
		))
	}

	b.sendWithKeyboard(chatID, text, tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *Bot) handleHelp(chatID int64) {
	text := `Available commands:
/start - Main menu
/products - Browse products
/balance - Show your balance
/deposit - Top up with crypto
/orders - Your purchases
/sell - Seller panel
/cancel - Cancel the current action`

	b.sendText(chatID, text)
}

func (b *Bot) handleBalance(ctx context.Context, chatID, userID int64) {
	user, err := b.store.GetUser(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to load user", zap.Int64("user_id", userID), zap.Error(err))
		b.sendText(chatID, "Failed to load your balance. Please try again.")
		return
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("➕ Top up", cbDeposit)),
		backButton(),
	)
	b.sendWithKeyboard(chatID, fmt.Sprintf("💰 Your balance: %s", b.money(user.Balance)), keyboard)
}

// handleProducts lists products in stock
func (b *Bot) handleProducts(ctx context.Context, chatID int64) {
	products, err := b.market.ListProducts(ctx, productsPageSize)
	if err != nil {
		b.logger.Error("Failed to list products", zap.Error(err))
		b.sendText(chatID, "Failed to load products. Please try again.")
		return
	}

	if len(products) == 0 {
		b.sendWithKeyboard(chatID, "No products available right now.", tgbotapi.NewInlineKeyboardMarkup(backButton()))
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range products {
		label := fmt.Sprintf("%s · %s", truncate(p.Title, 40), b.money(p.Price))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, callbackData(cbViewProduct, p.ID)),
		))
	}
	rows = append(rows, backButton())

	b.sendWithKeyboard(chatID, "🛍 Available products:", tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *Bot) handleViewProduct(ctx context.Context, chatID int64, arg string) {
	id, ok := parseID(arg)
	if !ok {
		return
	}

	product, seller, err := b.market.Product(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendText(chatID, "❌ Product not found.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to load product", zap.Int64("product_id", id), zap.Error(err))
		b.sendText(chatID, "Failed to load the product. Please try again.")
		return
	}

	var text strings.Builder
	fmt.Fprintf(&text, "📦 %s\n\n", product.Title)
	if product.Description != "" {
		fmt.Fprintf(&text, "%s\n\n", product.Description)
	}
	fmt.Fprintf(&text, "Price: %s\nIn stock: %d\nSeller: %s", b.money(product.Price), product.Quantity, sellerName(seller))

	rows := [][]tgbotapi.InlineKeyboardButton{}
	if product.Available() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🛒 Buy for "+b.money(product.Price), callbackData(cbBuy, product.ID)),
		))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Products", cbProducts)),
	)

	b.sendWithKeyboard(chatID, text.String(), tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func sellerName(seller models.Seller) string {
	if seller.Username != "" {
		return "@" + seller.Username
	}
	return fmt.Sprintf("shop #%d", seller.ID)
}

// handleBuy runs the purchase and delivers the content on success
func (b *Bot) handleBuy(ctx context.Context, chatID, userID int64, arg string) {
	id, ok := parseID(arg)
	if !ok {
		return
	}

	purchase, err := b.market.Buy(ctx, userID, id)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		b.sendText(chatID, "❌ Product not found.")
		return
	case errors.Is(err, storage.ErrOutOfStock):
		b.sendText(chatID, "❌ This product is out of stock.")
		return
	case errors.Is(err, storage.ErrInsufficientFunds):
		b.replyInsufficientFunds(ctx, chatID, userID, id)
		return
	default:
		b.logger.Error("Purchase failed",
			zap.Int64("user_id", userID),
			zap.Int64("product_id", id),
			zap.Error(err))
		b.sendText(chatID, "❌ Purchase failed. Your balance was not charged. Please try again.")
		return
	}

	b.sendText(chatID, fmt.Sprintf("✅ Purchase complete!\n\nOrder #%d\n%s for %s\nBalance: %s",
		purchase.Order.ID, purchase.Order.ProductTitle, b.money(purchase.Order.Price), b.money(purchase.BuyerBalance)))
	b.deliverContent(chatID, purchase.Product)
}

func (b *Bot) replyInsufficientFunds(ctx context.Context, chatID, userID, productID int64) {
	text := "❌ Insufficient funds."
	user, uErr := b.store.GetUser(ctx, userID)
	product, pErr := b.store.GetProduct(ctx, productID)
	if uErr == nil && pErr == nil {
		text = fmt.Sprintf("❌ Insufficient funds.\n\nPrice: %s\nYour balance: %s",
			b.money(product.Price), b.money(user.Balance))
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("➕ Top up", cbDeposit)),
		backButton(),
	)
	b.sendWithKeyboard(chatID, text, keyboard)
}

// deliverContent sends the purchased goods to the buyer
func (b *Bot) deliverContent(chatID int64, product models.Product) {
	if product.ContentText != "" {
		b.sendText(chatID, "🎁 Your item:\n\n"+product.ContentText)
	}
	if product.ContentFileID != "" {
		b.sendMessage(tgbotapi.NewDocument(chatID, tgbotapi.FileID(product.ContentFileID)))
	}
}

func (b *Bot) handleMyOrders(ctx context.Context, chatID, userID int64) {
	orders, err := b.market.Orders(ctx, userID, ordersPageSize)
	if err != nil {
		b.logger.Error("Failed to list orders", zap.Int64("user_id", userID), zap.Error(err))
		b.sendText(chatID, "Failed to load your orders. Please try again.")
		return
	}

	if len(orders) == 0 {
		b.sendWithKeyboard(chatID, "You have no purchases yet.", tgbotapi.NewInlineKeyboardMarkup(backButton()))
		return
	}

	var text strings.Builder
	text.WriteString("📦 Your latest orders:\n\n")
	for _, o := range orders {
		fmt.Fprintf(&text, "#%d · %s · %s · %s\n",
			o.ID, o.CreatedAt.Format("2006-01-02"), truncate(o.ProductTitle, 40), b.money(o.Price))
	}
	b.sendWithKeyboard(chatID, text.String(), tgbotapi.NewInlineKeyboardMarkup(backButton()))
}

func (b *Bot) handleSettings(ctx context.Context, chatID, userID int64) {
	user, err := b.store.GetUser(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to load user", zap.Int64("user_id", userID), zap.Error(err))
		b.sendText(chatID, "Failed to load settings. Please try again.")
		return
	}

	state, toggle := "off", "🔔 Turn on notifications"
	if user.NotifyEnabled {
		state, toggle = "on", "🔕 Turn off notifications"
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(toggle, cbToggleNotify)),
		backButton(),
	)
	b.sendWithKeyboard(chatID, fmt.Sprintf("⚙️ Settings\n\nNotifications: %s", state), keyboard)
}

func (b *Bot) handleToggleNotify(ctx context.Context, chatID, userID int64) {
	user, err := b.store.GetUser(ctx, userID)
	if err == nil {
		err = b.store.SetNotifications(ctx, userID, !user.NotifyEnabled)
	}
	if err != nil {
		b.logger.Error("Failed to toggle notifications", zap.Int64("user_id", userID), zap.Error(err))
		b.sendText(chatID, "Failed to update settings. Please try again.")
		return
	}
	b.handleSettings(ctx, chatID, userID)
}

func (b *Bot) handleSupport(chatID int64) {
	text := "🆘 Support\n\nDescribe your problem and include the order number."
	if b.settings.SupportContact != "" {
		text += "\nContact: " + b.settings.SupportContact
	}
	b.sendWithKeyboard(chatID, text, tgbotapi.NewInlineKeyboardMarkup(backButton()))
}
