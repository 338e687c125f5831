package bot

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Start receives updates by long polling until ctx is cancelled
func (b *Bot) Start(ctx context.Context) error {
	if b.client == nil {
		return errors.New("bot client is not configured")
	}
	b.logger.Info("Starting bot in polling mode")

	// Remove webhook (if any was set previously)
	if _, err := b.client.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		b.logger.Warn("Failed to delete webhook", zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.client.GetUpdatesChan(u)

	b.logger.Info("Bot started successfully. Waiting for updates...")

	for {
		select {
		case <-ctx.Done():
			b.client.StopReceivingUpdates()
			b.logger.Info("Polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// StartWebhook registers the webhook URL with Telegram
func (b *Bot) StartWebhook(webhookURL string) error {
	if b.client == nil {
		return errors.New("bot client is not configured")
	}
	b.logger.Info("Setting up webhook", zap.String("webhook_url", webhookURL))

	webhookConfig, err := tgbotapi.NewWebhook(webhookURL + "/telegram-webhook")
	if err != nil {
		return err
	}
	webhookConfig.MaxConnections = 40

	if _, err := b.client.Request(webhookConfig); err != nil {
		b.logger.Error("Failed to set webhook", zap.Error(err), zap.String("webhook_url", webhookURL))
		return err
	}

	info, err := b.client.GetWebhookInfo()
	if err != nil {
		b.logger.Warn("Failed to get webhook info", zap.Error(err))
	} else {
		b.logger.Info("Webhook set successfully",
			zap.String("url", info.URL),
			zap.Int("pending_updates", info.PendingUpdateCount),
		)
	}
	return nil
}

// HandleWebhookUpdate processes a single update from webhook
func (b *Bot) HandleWebhookUpdate(ctx context.Context, update tgbotapi.Update) {
	b.handleUpdate(ctx, update)
}

func updateSender(update tgbotapi.Update) (*tgbotapi.User, int64) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From, update.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		chatID := update.CallbackQuery.From.ID
		if update.CallbackQuery.Message != nil {
			chatID = update.CallbackQuery.Message.Chat.ID
		}
		return update.CallbackQuery.From, chatID
	}
	return nil, 0
}

// handleUpdate applies the checks shared by every update, then dispatches it
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	from, chatID := updateSender(update)
	if from == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic while handling update",
				zap.Int64("user_id", from.ID),
				zap.Any("panic", r))
			b.sendText(chatID, "An error occurred while processing your request. Please try again.")
		}
	}()

	if !b.allow(from.ID) {
		b.logger.Debug("Update throttled", zap.Int64("user_id", from.ID))
		if update.CallbackQuery != nil {
			b.answerCallback(update.CallbackQuery.ID, "Too many requests, slow down")
		}
		return
	}

	if _, err := b.store.EnsureUser(ctx, from.ID, from.UserName); err != nil {
		b.logger.Error("Failed to register user", zap.Int64("user_id", from.ID), zap.Error(err))
		b.sendText(chatID, "Service is temporarily unavailable. Please try again later.")
		return
	}

	if !b.isAdmin(from.ID) {
		on, err := b.store.Maintenance(ctx)
		if err != nil {
			b.logger.Warn("Failed to read maintenance flag", zap.Error(err))
		}
		if on {
			if update.CallbackQuery != nil {
				b.answerCallback(update.CallbackQuery.ID, "")
			}
			b.sendText(chatID, "🛠 The market is under maintenance. Please come back later.")
			return
		}
	}

	if update.Message != nil {
		b.handleMessage(ctx, update.Message)
	}
	if update.CallbackQuery != nil {
		b.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}
