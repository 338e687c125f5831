// Package notify delivers best-effort messages to users outside of the
// request that triggered them.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"market/internal/models"
	"market/internal/storage"
)

const sendTimeout = 10 * time.Second

// Sender delivers a text message to a chat
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Preferences resolves whether a user accepts notifications
type Preferences interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
}

// Notifier sends messages asynchronously. Failures never reach the caller.
type Notifier struct {
	sender  Sender
	prefs   Preferences
	limiter *rate.Limiter
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New creates a notifier allowing perSecond messages per second overall
func New(sender Sender, prefs Preferences, perSecond float64, logger *zap.Logger) *Notifier {
	if perSecond <= 0 {
		perSecond = 25
	}
	return &Notifier{
		sender:  sender,
		prefs:   prefs,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  logger,
	}
}

// Notify schedules a message to userID and returns immediately
func (n *Notifier) Notify(userID int64, text string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("Panic while sending notification",
					zap.Int64("user_id", userID),
					zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		n.deliver(ctx, userID, text)
	}()
}

func (n *Notifier) deliver(ctx context.Context, userID int64, text string) {
	user, err := n.prefs.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		n.logger.Warn("Failed to load notification preference",
			zap.Int64("user_id", userID),
			zap.Error(err))
		return
	}
	if err == nil && !user.NotifyEnabled {
		n.logger.Debug("Notifications disabled, skipping", zap.Int64("user_id", userID))
		return
	}

	if err := n.limiter.Wait(ctx); err != nil {
		n.logger.Warn("Notification dropped by rate limiter",
			zap.Int64("user_id", userID),
			zap.Error(err))
		return
	}

	if err := n.sender.SendText(ctx, userID, text); err != nil {
		n.logger.Warn("Failed to send notification",
			zap.Int64("user_id", userID),
			zap.Error(err))
	}
}

// Wait blocks until all scheduled notifications finished
func (n *Notifier) Wait() {
	n.wg.Wait()
}
