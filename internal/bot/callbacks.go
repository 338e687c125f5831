package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"market/internal/market"
	"market/internal/models"
	"market/internal/storage"
)

// handleDepositMenu shows the accepted assets
func (b *Bot) handleDepositMenu(chatID int64) {
	var rows [][]tgbotapi.InlineKeyboardButton
	var currentRow []tgbotapi.InlineKeyboardButton
	assets := b.deposits.Assets()
	for i, asset := range assets {
		currentRow = append(currentRow, tgbotapi.NewInlineKeyboardButtonData(asset, callbackData(cbDepositAsset, asset)))

		// 3 buttons per row
		if len(currentRow) == 3 || i == len(assets)-1 {
			rows = append(rows, currentRow)
			currentRow = nil
		}
	}
	rows = append(rows, backButton())

	b.sendWithKeyboard(chatID, "➕ Choose the cryptocurrency to pay with:", tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *Bot) handleDepositAsset(ctx context.Context, chatID, userID int64, asset string) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return
	}
	b.startConversation(ctx, chatID, userID, convDepositAmount, map[string]string{"asset": asset},
		fmt.Sprintf("Enter the amount in %s to top up with %s:", b.market.Currency(), asset))
}

func (b *Bot) sendInvoice(chatID int64, invoice models.Invoice) {
	text := fmt.Sprintf("🧾 Invoice #%d\n\nPay: %s %s\nYou will receive: ≈ %s\n\n"+
		"Your balance is credited automatically after payment.",
		invoice.ID, invoice.Amount, invoice.Asset, b.money(invoice.FiatAmount))

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("💳 Pay", invoice.PayURL)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("❌ Cancel invoice", callbackData(cbInvoiceCancel, invoice.ID))),
		backButton(),
	)
	b.sendWithKeyboard(chatID, text, keyboard)
}

func (b *Bot) handleInvoiceCancel(ctx context.Context, chatID, userID int64, arg string) {
	id, ok := parseID(arg)
	if !ok {
		return
	}

	err := b.deposits.Cancel(ctx, userID, id)
	switch {
	case err == nil:
		b.sendWithKeyboard(chatID, fmt.Sprintf("Invoice #%d cancelled.", id), tgbotapi.NewInlineKeyboardMarkup(backButton()))
	case errors.Is(err, storage.ErrNotFound):
		b.sendText(chatID, "❌ Invoice not found.")
	case errors.Is(err, storage.ErrNotOwner):
		b.sendText(chatID, "❌ This is not your invoice.")
	case errors.Is(err, storage.ErrInvoiceSettled):
		b.sendText(chatID, "❌ This invoice is already paid or expired.")
	default:
		b.logger.Warn("Failed to cancel invoice", zap.Int64("invoice_id", id), zap.Error(err))
		b.sendText(chatID, "❌ Could not cancel the invoice right now. Please try again later.")
	}
}

// handleSellMenu shows the seller panel or the offer to open a shop
func (b *Bot) handleSellMenu(ctx context.Context, chatID, userID int64) {
	seller, err := b.market.Shop(ctx, userID)
	if errors.Is(err, market.ErrNotSeller) {
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🏪 Open a shop", cbSellerCreate)),
			backButton(),
		)
		b.sendWithKeyboard(chatID, "You don't have a shop yet. Open one to start selling.", keyboard)
		return
	}
	if err != nil {
		b.logger.Error("Failed to load shop", zap.Int64("user_id", userID), zap.Error(err))
		b.sendText(chatID, "Failed to load your shop. Please try again.")
		return
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("➕ Add product", cbSellerAdd)),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📋 My products", cbSellerProducts),
			tgbotapi.NewInlineKeyboardButtonData("📈 My sales", cbSellerSales),
		),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✏️ Edit shop info", cbSellerEdit)),
		backButton(),
	)
	b.sendWithKeyboard(chatID, fmt.Sprintf("🏪 Your shop #%d\n\n%s", seller.ID, seller.Info), keyboard)
}

func (b *Bot) handleSellerProducts(ctx context.Context, chatID, userID int64) {
	products, err := b.market.SellerProducts(ctx, userID)
	if errors.Is(err, market.ErrNotSeller) {
		b.sendText(chatID, "You don't have a shop yet.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to list seller products", zap.Int64("user_id", userID), zap.Error(err))
		b.sendText(chatID, "Failed to load your products. Please try again.")
		return
	}

	if len(products) == 0 {
		b.sendWithKeyboard(chatID, "You have no products yet.", tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("➕ Add product", cbSellerAdd)),
			backButton(),
		))
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range products {
		label := fmt.Sprintf("✏️ %s · %s · %d left", truncate(p.Title, 30), b.money(p.Price), p.Quantity)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, callbackData(cbProductPrice, p.ID)),
		))
	}
	rows = append(rows, backButton())
	b.sendWithKeyboard(chatID, "📋 Your products (tap to change the price):", tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *Bot) handleSellerSales(ctx context.Context, chatID, userID int64) {
	sales, err := b.market.Sales(ctx, userID, ordersPageSize)
	if errors.Is(err, market.ErrNotSeller) {
		b.sendText(chatID, "You don't have a shop yet.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to list sales", zap.Int64("user_id", userID), zap.Error(err))
		b.sendText(chatID, "Failed to load your sales. Please try again.")
		return
	}

	if len(sales) == 0 {
		b.sendWithKeyboard(chatID, "No sales yet.", tgbotapi.NewInlineKeyboardMarkup(backButton()))
		return
	}

	var text strings.Builder
	text.WriteString("📈 Latest sales:\n\n")
	for _, o := range sales {
		fmt.Fprintf(&text, "#%d · %s · %s · buyer %d\n",
			o.ID, truncate(o.ProductTitle, 30), b.money(o.Price), o.BuyerID)
	}
	b.sendWithKeyboard(chatID, text.String(), tgbotapi.NewInlineKeyboardMarkup(backButton()))
}

func (b *Bot) handleProductPriceStart(ctx context.Context, chatID, userID int64, arg string) {
	id, ok := parseID(arg)
	if !ok {
		return
	}
	b.startConversation(ctx, chatID, userID, convChangePrice,
		map[string]string{"product_id": strconv.FormatInt(id, 10)},
		fmt.Sprintf("Enter the new price in %s:", b.market.Currency()))
}
