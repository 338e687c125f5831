package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"market/internal/cryptopay"
	"market/internal/market"
	"market/internal/models"
	"market/internal/payments"
	"market/internal/storage"
)

// startConversation persists a new dialog state and sends the first prompt
func (b *Bot) startConversation(ctx context.Context, chatID, userID int64, command string, data map[string]string, prompt string) {
	if data == nil {
		data = make(map[string]string)
	}
	conv := models.Conversation{
		UserID:    userID,
		Command:   command,
		Step:      1,
		Data:      data,
		ExpiresAt: b.now().Add(b.settings.SessionTTL),
	}
	if err := b.store.SaveConversation(ctx, conv); err != nil {
		b.logger.Error("Failed to save conversation",
			zap.Int64("user_id", userID),
			zap.String("command", command),
			zap.Error(err))
		b.sendText(chatID, "Service is temporarily unavailable. Please try again later.")
		return
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(backButton())
	b.sendWithKeyboard(chatID, prompt, keyboard)
}

func (b *Bot) endConversation(ctx context.Context, userID int64) {
	if err := b.store.DeleteConversation(ctx, userID); err != nil {
		b.logger.Warn("Failed to delete conversation", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// handleConversation processes multi-step conversations
func (b *Bot) handleConversation(ctx context.Context, message *tgbotapi.Message, conv models.Conversation) {
	var done bool
	switch conv.Command {
	case convDepositAmount:
		done = b.handleDepositAmount(ctx, message, conv)
	case convOpenShop:
		done = b.handleOpenShop(ctx, message)
	case convEditShop:
		done = b.handleEditShop(ctx, message)
	case convAddProduct:
		done = b.handleAddProduct(ctx, message)
	case convChangePrice:
		done = b.handleChangePrice(ctx, message, conv)
	case convAdminUser:
		done = b.handleAdminUserLookup(ctx, message)
	default:
		done = true
	}

	// Completed conversations are removed, unfinished ones stay for a retry
	if done {
		b.endConversation(ctx, message.From.ID)
	}
}

func (b *Bot) handleDepositAmount(ctx context.Context, message *tgbotapi.Message, conv models.Conversation) bool {
	chatID := message.Chat.ID
	asset := conv.Data["asset"]

	amount, err := market.ParseAmount(message.Text)
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Enter a number, for example 500. Amount in %s:", b.market.Currency()))
		return false
	}

	invoice, err := b.deposits.CreateTopUp(ctx, message.From.ID, amount, asset)
	var apiErr *cryptopay.Error
	switch {
	case err == nil:
		b.sendInvoice(chatID, invoice)
		return true
	case errors.Is(err, payments.ErrInvalidAmount):
		b.sendText(chatID, fmt.Sprintf("❌ The amount is too small or invalid. Amount in %s:", b.market.Currency()))
		return false
	case errors.Is(err, payments.ErrUnknownAsset):
		b.sendText(chatID, fmt.Sprintf("❌ %s is not accepted. Choose another asset with /deposit.", asset))
		return true
	case errors.As(err, &apiErr):
		reason := apiErr.Name
		if reason == "" {
			reason = "payment service is unreachable"
		}
		b.sendText(chatID, fmt.Sprintf("❌ Could not create the invoice: %s. Please try again later.", reason))
		return true
	default:
		b.logger.Error("Failed to create top-up", zap.Int64("user_id", message.From.ID), zap.Error(err))
		b.sendText(chatID, "❌ Could not create the invoice. Please try again later.")
		return true
	}
}

func (b *Bot) handleOpenShop(ctx context.Context, message *tgbotapi.Message) bool {
	chatID := message.Chat.ID

	seller, err := b.market.OpenShop(ctx, message.From.ID, message.Text)
	switch {
	case err == nil:
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("➕ Add product", cbSellerAdd)),
			backButton(),
		)
		b.sendWithKeyboard(chatID, fmt.Sprintf("✅ Shop #%d is open!", seller.ID), keyboard)
		return true
	case errors.Is(err, market.ErrInvalidProduct):
		b.sendText(chatID, "❌ The description can't be empty. Describe your shop:")
		return false
	case errors.Is(err, storage.ErrAlreadyExists):
		b.sendText(chatID, "You already have a shop. Use /sell to manage it.")
		return true
	default:
		b.logger.Error("Failed to open shop", zap.Int64("user_id", message.From.ID), zap.Error(err))
		b.sendText(chatID, "❌ Could not open the shop. Please try again later.")
		return true
	}
}

func (b *Bot) handleEditShop(ctx context.Context, message *tgbotapi.Message) bool {
	chatID := message.Chat.ID

	err := b.market.EditShop(ctx, message.From.ID, message.Text)
	switch {
	case err == nil:
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🏪 My shop", cbSell)),
		)
		b.sendWithKeyboard(chatID, "✅ Shop info updated.", keyboard)
		return true
	case errors.Is(err, market.ErrInvalidProduct):
		b.sendText(chatID, "❌ The description can't be empty. Describe your shop:")
		return false
	case errors.Is(err, market.ErrNotSeller):
		b.sendText(chatID, "You don't have a shop yet. Use /sell to open one.")
		return true
	default:
		b.logger.Error("Failed to update shop info", zap.Int64("user_id", message.From.ID), zap.Error(err))
		b.sendText(chatID, "❌ Could not update the shop. Please try again later.")
		return true
	}
}

func (b *Bot) handleAddProduct(ctx context.Context, message *tgbotapi.Message) bool {
	chatID := message.Chat.ID

	line := message.Text
	var fileID string
	if message.Document != nil {
		line = message.Caption
		fileID = message.Document.FileID
	}

	draft, err := market.ParseProductLine(line)
	if fileID != "" {
		if strings.TrimSpace(draft.Content) == "-" {
			draft.Content = ""
		}
		draft.FileID = fileID
		err = draft.Validate()
	}
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ %v\n\nSend: title | price | quantity | content", err))
		return false
	}

	product, err := b.market.AddProduct(ctx, message.From.ID, draft)
	switch {
	case err == nil:
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("➕ Add another", cbSellerAdd)),
			backButton(),
		)
		b.sendWithKeyboard(chatID, fmt.Sprintf("✅ Product #%d listed: %s for %s, %d in stock.",
			product.ID, product.Title, b.money(product.Price), product.Quantity), keyboard)
		return true
	case errors.Is(err, market.ErrNotSeller):
		b.sendText(chatID, "You need a shop first. Use /sell to open one.")
		return true
	default:
		b.logger.Error("Failed to add product", zap.Int64("user_id", message.From.ID), zap.Error(err))
		b.sendText(chatID, "❌ Could not save the product. Please try again later.")
		return true
	}
}

func (b *Bot) handleChangePrice(ctx context.Context, message *tgbotapi.Message, conv models.Conversation) bool {
	chatID := message.Chat.ID

	productID, err := strconv.ParseInt(conv.Data["product_id"], 10, 64)
	if err != nil {
		return true
	}

	price, err := market.ParseAmount(message.Text)
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Enter a number. New price in %s:", b.market.Currency()))
		return false
	}

	err = b.market.ChangePrice(ctx, message.From.ID, productID, price)
	switch {
	case err == nil:
		b.sendWithKeyboard(chatID, fmt.Sprintf("✅ New price: %s", b.money(price)),
			tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📋 My products", cbSellerProducts)),
				backButton(),
			))
		return true
	case errors.Is(err, market.ErrInvalidProduct):
		b.sendText(chatID, fmt.Sprintf("❌ The price must be positive with at most two decimals. New price in %s:", b.market.Currency()))
		return false
	case errors.Is(err, storage.ErrNotOwner), errors.Is(err, storage.ErrNotFound), errors.Is(err, market.ErrNotSeller):
		b.sendText(chatID, "❌ You can only change prices of your own products.")
		return true
	default:
		b.logger.Error("Failed to change price",
			zap.Int64("user_id", message.From.ID),
			zap.Int64("product_id", productID),
			zap.Error(err))
		b.sendText(chatID, "❌ Could not update the price. Please try again later.")
		return true
	}
}
