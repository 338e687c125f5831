package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"market/internal/market"
	"market/internal/storage"
)

func (b *Bot) handleAdminMenu(chatID int64) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📊 Stats", cbAdminStats),
			tgbotapi.NewInlineKeyboardButtonData("🛠 Maintenance", cbAdminMaintenance),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔎 Find user", cbAdminUser),
		),
		backButton(),
	)
	b.sendWithKeyboard(chatID, "🛡 Admin panel", keyboard)
}

func (b *Bot) handleAdminCallback(ctx context.Context, chatID, userID int64, action string) {
	switch action {
	case cbAdmin:
		b.handleAdminMenu(chatID)
	case cbAdminStats:
		b.handleAdminStats(ctx, chatID)
	case cbAdminMaintenance:
		b.handleAdminMaintenance(ctx, chatID, userID)
	case cbAdminUser:
		b.startConversation(ctx, chatID, userID, convAdminUser, nil, "Enter the Telegram user ID:")
	}
}

func (b *Bot) handleAdminStats(ctx context.Context, chatID int64) {
	stats, err := b.store.Stats(ctx)
	if err != nil {
		b.logger.Error("Failed to collect stats", zap.Error(err))
		b.sendText(chatID, "Failed to collect stats.")
		return
	}

	maintenance := "off"
	if stats.Maintenance {
		maintenance = "on"
	}

	var text strings.Builder
	fmt.Fprintf(&text, "📊 Stats\n\nUsers: %d\nShops: %d\nProducts: %d\nOrders: %d\nTurnover: %s\nUnpaid invoices: %d\nMaintenance: %s",
		stats.Users, stats.Sellers, stats.Products, stats.Orders, b.money(stats.Turnover), stats.UnpaidInvoices, maintenance)

	summaries, err := b.journal.Summary(ctx, b.now().Add(-24*time.Hour))
	switch {
	case err == nil && len(summaries) > 0:
		text.WriteString("\n\nLast 24h:")
		for _, s := range summaries {
			fmt.Fprintf(&text, "\n%s: %d · %s", s.Kind, s.Count, b.money(s.Total))
		}
	case err != nil && !errors.Is(err, storage.ErrJournalDisabled):
		b.logger.Warn("Failed to summarize journal", zap.Error(err))
	}

	b.sendWithKeyboard(chatID, text.String(), tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Admin panel", cbAdmin)),
	))
}

func (b *Bot) handleAdminMaintenance(ctx context.Context, chatID, userID int64) {
	on, err := b.store.Maintenance(ctx)
	if err == nil {
		err = b.store.SetMaintenance(ctx, !on)
	}
	if err != nil {
		b.logger.Error("Failed to toggle maintenance", zap.Error(err))
		b.sendText(chatID, "Failed to toggle maintenance mode.")
		return
	}

	state := "on"
	if on {
		state = "off"
	}
	b.logger.Info("Maintenance mode toggled", zap.Int64("admin_id", userID), zap.String("state", state))
	b.sendWithKeyboard(chatID, "🛠 Maintenance mode is now "+state, tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Admin panel", cbAdmin)),
	))
}

func (b *Bot) handleAdminUserLookup(ctx context.Context, message *tgbotapi.Message) bool {
	chatID := message.Chat.ID

	id, ok := parseID(message.Text)
	if !ok {
		b.sendText(chatID, "❌ Enter a numeric user ID:")
		return false
	}

	user, err := b.store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendText(chatID, fmt.Sprintf("User %d not found.", id))
		return true
	}
	if err != nil {
		b.logger.Error("Failed to load user", zap.Int64("user_id", id), zap.Error(err))
		b.sendText(chatID, "Failed to load the user.")
		return true
	}

	orders, err := b.market.Orders(ctx, id, ordersPageSize)
	if err != nil {
		b.logger.Warn("Failed to load user orders", zap.Int64("user_id", id), zap.Error(err))
	}

	var text strings.Builder
	fmt.Fprintf(&text, "👤 User %d", user.ID)
	if user.Username != "" {
		fmt.Fprintf(&text, " (@%s)", user.Username)
	}
	fmt.Fprintf(&text, "\nBalance: %s\nJoined: %s\nRecent orders: %d",
		b.money(user.Balance), user.CreatedAt.Format("2006-01-02"), len(orders))

	seller, err := b.market.Shop(ctx, id)
	switch {
	case err == nil:
		fmt.Fprintf(&text, "\nShop #%d: %s", seller.ID, truncate(seller.Info, 100))
	case !errors.Is(err, market.ErrNotSeller):
		b.logger.Warn("Failed to load shop", zap.Int64("user_id", id), zap.Error(err))
	}

	b.sendWithKeyboard(chatID, text.String(), tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Admin panel", cbAdmin)),
	))
	return true
}
