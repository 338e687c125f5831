package bot

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NewBot creates a new Telegram bot
func NewBot(token string, deps Deps, adminIDs []int64, settings Settings, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Error("Failed to create bot API", zap.Error(err))
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Bot created", zap.String("bot_username", api.Self.UserName))

	b := newBot(api, deps, adminIDs, settings, logger)
	b.client = api
	b.token = token
	return b, nil
}

func newBot(api Transport, deps Deps, adminIDs []int64, settings Settings, logger *zap.Logger) *Bot {
	admins := make(map[int64]bool)
	for _, id := range adminIDs {
		admins[id] = true
	}

	if settings.SessionTTL <= 0 {
		settings.SessionTTL = 15 * time.Minute
	}
	if settings.UserRate <= 0 {
		settings.UserRate = rate.Limit(2)
	}
	if settings.UserBurst <= 0 {
		settings.UserBurst = 5
	}
	if settings.MarketName == "" {
		settings.MarketName = "Crypto Market"
	}

	return &Bot{
		api:      api,
		store:    deps.Store,
		journal:  deps.Journal,
		market:   deps.Market,
		deposits: deps.Deposits,
		admins:   admins,
		settings: settings,
		limiters: make(map[int64]*rate.Limiter),
		logger:   logger,
		now:      time.Now,
	}
}

// GetAPI returns the bot API
func (b *Bot) GetAPI() *tgbotapi.BotAPI {
	return b.client
}

func (b *Bot) isAdmin(userID int64) bool {
	return b.admins[userID]
}

// allow applies the per-user inbound rate limit
func (b *Bot) allow(userID int64) bool {
	b.limitersMu.Lock()
	limiter, ok := b.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(b.settings.UserRate, b.settings.UserBurst)
		b.limiters[userID] = limiter
	}
	b.limitersMu.Unlock()

	return limiter.Allow()
}
