package bot

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"market/internal/storage"
)

// handleMessage processes a single message
func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	userID := message.From.ID

	// Any command interrupts an ongoing conversation
	if message.IsCommand() {
		b.endConversation(ctx, userID)
		b.handleCommand(ctx, message)
		return
	}

	conv, err := b.store.LoadConversation(ctx, userID, b.now())
	switch {
	case err == nil:
		b.handleConversation(ctx, message, conv)
	case errors.Is(err, storage.ErrNotFound):
		b.sendMainMenu(ctx, message.Chat.ID, userID)
	default:
		b.logger.Error("Failed to load conversation", zap.Int64("user_id", userID), zap.Error(err))
		b.sendText(message.Chat.ID, "Service is temporarily unavailable. Please try again later.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	userID := message.From.ID

	switch message.Command() {
	case "start", "menu":
		b.sendMainMenu(ctx, chatID, userID)
	case "help":
		b.handleHelp(chatID)
	case "balance":
		b.handleBalance(ctx, chatID, userID)
	case "deposit":
		b.handleDepositMenu(chatID)
	case "products":
		b.handleProducts(ctx, chatID)
	case "orders":
		b.handleMyOrders(ctx, chatID, userID)
	case "sell":
		b.handleSellMenu(ctx, chatID, userID)
	case "cancel":
		b.sendText(chatID, "Cancelled.")
	case "admin":
		if !b.isAdmin(userID) {
			b.sendText(chatID, "Unknown command. Use /start to see available commands.")
			return
		}
		b.handleAdminMenu(chatID)
	default:
		b.sendText(chatID, "Unknown command. Use /start to see available commands.")
	}
}

// handleCallbackQuery processes inline keyboard button clicks
func (b *Bot) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	b.answerCallback(query.ID, "")

	if query.Message == nil {
		return
	}
	chatID := query.Message.Chat.ID
	userID := query.From.ID

	action, arg := parseCallback(query.Data)

	// Pressing any button abandons a pending prompt
	b.endConversation(ctx, userID)

	switch action {
	case cbMainMenu:
		b.sendMainMenu(ctx, chatID, userID)
	case cbBalance:
		b.handleBalance(ctx, chatID, userID)
	case cbDeposit:
		b.handleDepositMenu(chatID)
	case cbDepositAsset:
		b.handleDepositAsset(ctx, chatID, userID, arg)
	case cbInvoiceCancel:
		b.handleInvoiceCancel(ctx, chatID, userID, arg)
	case cbProducts:
		b.handleProducts(ctx, chatID)
	case cbViewProduct:
		b.handleViewProduct(ctx, chatID, arg)
	case cbBuy:
		b.handleBuy(ctx, chatID, userID, arg)
	case cbMyOrders:
		b.handleMyOrders(ctx, chatID, userID)
	case cbSell:
		b.handleSellMenu(ctx, chatID, userID)
	case cbSellerCreate:
		b.startConversation(ctx, chatID, userID, convOpenShop, nil,
			"🏪 Describe your shop in one message (what you sell, contacts):")
	case cbSellerEdit:
		b.startConversation(ctx, chatID, userID, convEditShop, nil,
			"✏️ Send the new description of your shop in one message:")
	case cbSellerAdd:
		b.startConversation(ctx, chatID, userID, convAddProduct, nil,
			"📦 Send the product in one line:\n\ntitle | price | quantity | content\n\n"+
				"Example: Steam key | 299 | 5 | XXXX-YYYY-ZZZZ\n"+
				"To sell a file, attach it with that line as the caption and put - as content.")
	case cbSellerProducts:
		b.handleSellerProducts(ctx, chatID, userID)
	case cbSellerSales:
		b.handleSellerSales(ctx, chatID, userID)
	case cbProductPrice:
		b.handleProductPriceStart(ctx, chatID, userID, arg)
	case cbSettings:
		b.handleSettings(ctx, chatID, userID)
	case cbToggleNotify:
		b.handleToggleNotify(ctx, chatID, userID)
	case cbSupport:
		b.handleSupport(chatID)
	case cbAdmin, cbAdminStats, cbAdminMaintenance, cbAdminUser:
		if !b.isAdmin(userID) {
			b.logger.Warn("Non-admin used admin callback",
				zap.Int64("user_id", userID),
				zap.String("callback_data", query.Data))
			return
		}
		b.handleAdminCallback(ctx, chatID, userID, action)
	default:
		b.logger.Debug("Unknown callback", zap.String("callback_data", query.Data))
	}
}
