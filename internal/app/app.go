package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"market/internal/bot"
	"market/internal/config"
	"market/internal/cryptopay"
	"market/internal/market"
	"market/internal/notify"
	"market/internal/payments"
	"market/internal/rates"
	"market/internal/storage"
	"market/internal/storage/ch"
	"market/internal/storage/sqlite"
	"market/internal/storage/stubs"
)

const purgeInterval = time.Minute

// App represents the application
type App struct {
	config     *config.Config
	logger     *zap.Logger
	db         storage.Storage
	journal    storage.Journal
	provider   *cryptopay.Client
	notifier   *notify.Notifier
	reconciler *payments.Reconciler
	bot        *bot.Bot
	server     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// botSink forwards notifications to the bot once it is built.
// The market service needs a notifier before the bot exists.
type botSink struct {
	bot *bot.Bot
}

func (s *botSink) SendText(ctx context.Context, chatID int64, text string) error {
	if s.bot == nil {
		return errors.New("bot is not ready")
	}
	return s.bot.SendText(ctx, chatID, text)
}

// New creates and initializes a new application instance
func New() (*App, error) {
	// Load .env file if it exists
	envErr := godotenv.Load()

	// Load configuration from environment variables
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	if envErr != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	app := &App{config: cfg, logger: logger}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	logger.Info("Starting market bot...", zap.String("market", cfg.MarketName))

	if err := app.initDatabase(); err != nil {
		app.cancel()
		return nil, err
	}
	if err := app.initJournal(); err != nil {
		app.cancel()
		app.db.Close()
		return nil, err
	}
	if err := app.initServices(); err != nil {
		app.cancel()
		app.closeStores()
		return nil, err
	}
	app.initHTTPServer()

	return app, nil
}

// initDatabase opens the ledger store
func (a *App) initDatabase() error {
	var db storage.Storage
	if a.config.UseMockDB {
		a.logger.Warn("Using in-memory mock database, balances are lost on restart")
		db = stubs.NewMockDB()
	} else {
		a.logger.Info("Opening SQLite ledger", zap.String("path", a.config.DBPath))
		store, err := sqlite.New(a.config.DBPath, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db = store
	}

	// Apply schema migrations and default settings
	if err := db.Initialize(a.ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Info("Database initialized successfully")

	a.db = db
	return nil
}

// initJournal connects the ClickHouse ledger journal when configured
func (a *App) initJournal() error {
	if !a.config.JournalEnabled() {
		a.logger.Info("ClickHouse journal disabled")
		a.journal = stubs.NopJournal{}
		return nil
	}

	tlsStatus := "without TLS"
	if a.config.ClickHouseUseTLS {
		tlsStatus = "with TLS"
	}
	a.logger.Info("Connecting to ClickHouse",
		zap.String("addr", fmt.Sprintf("%s:%d", a.config.ClickHouseHost, a.config.ClickHousePort)),
		zap.String("database", a.config.ClickHouseDatabase),
		zap.String("user", a.config.ClickHouseUser),
		zap.String("tls", tlsStatus))

	journal, err := ch.NewJournal(
		a.config.ClickHouseHost,
		a.config.ClickHousePort,
		a.config.ClickHouseDatabase,
		a.config.ClickHouseUser,
		a.config.ClickHousePassword,
		a.config.ClickHouseUseTLS,
	)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := journal.Initialize(a.ctx); err != nil {
		journal.Close()
		return fmt.Errorf("failed to initialize journal: %w", err)
	}

	a.journal = journal
	return nil
}

// initServices wires the payment, market and bot layers
func (a *App) initServices() error {
	currency := strings.ToUpper(a.config.FiatCurrency)

	a.provider = cryptopay.New(a.config.CryptoPayURL, a.config.CryptoPayToken, a.config.CryptoPayTimeout)
	rateClient := rates.New(a.config.RatesURL, a.config.FiatCurrency, a.config.FallbackRate, a.config.RatesTimeout, a.logger)

	sink := &botSink{}
	a.notifier = notify.New(sink, a.db, a.config.NotifyRate, a.logger)

	marketService := market.New(a.db, a.journal, a.notifier, currency, a.logger)
	deposits := payments.NewDeposits(a.db, a.provider, rateClient, a.config.CryptoAssets,
		a.config.MarketName, currency, a.logger)
	a.reconciler = payments.NewReconciler(a.db, a.provider, rateClient, a.journal, a.notifier,
		a.config.ReconcileInterval, currency, a.logger)

	telegramBot, err := bot.NewBot(a.config.TelegramToken, bot.Deps{
		Store:    a.db,
		Journal:  a.journal,
		Market:   marketService,
		Deposits: deposits,
	}, a.config.AdminUserIDs, bot.Settings{
		MarketName:     a.config.MarketName,
		SupportContact: a.config.SupportContact,
		SessionTTL:     a.config.SessionTTL,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	a.logger.Info("Bot created successfully", zap.Int64s("admins", a.config.AdminUserIDs))

	sink.bot = telegramBot
	a.bot = telegramBot
	return nil
}

// initHTTPServer initializes the HTTP server for health checks, webhook and the Mini App API
func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	})

	// Root endpoint
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		mode := "polling"
		if a.config.WebhookMode {
			mode = "webhook"
		}
		fmt.Fprintf(w, "%s is running (mode: %s)", a.config.MarketName, mode)
	})

	// Webhook endpoint (only used in webhook mode)
	mux.HandleFunc("POST /telegram-webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			a.logger.Warn("Error decoding webhook update", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// Process update in background to respond quickly to Telegram
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.bot.HandleWebhookUpdate(a.ctx, update)
		}()

		w.WriteHeader(http.StatusOK)
	})

	bot.NewHTTPServer(a.bot, a.config.WebhookMode).RegisterRoutes(mux)

	a.server = &http.Server{
		Addr:         ":" + a.config.Port,
		Handler:      WithRequestID(WithLogging(a.logger, mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Run starts the application and blocks until shutdown
func (a *App) Run() error {
	// Handle graceful shutdown
	sigCtx, stop := signal.NotifyContext(a.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if me, err := a.provider.GetMe(a.ctx); err != nil {
		a.logger.Warn("Crypto Pay token check failed", zap.Error(err))
	} else {
		a.logger.Info("Crypto Pay connected", zap.String("app", me.Name))
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server", zap.String("port", a.config.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.goBackground(func(ctx context.Context) { a.reconciler.Run(ctx) })
	a.goBackground(a.purgeConversations)

	// Start bot in appropriate mode
	if a.config.WebhookMode {
		a.logger.Info("Starting bot in WEBHOOK mode", zap.String("url", a.config.WebhookURL))
		if err := a.bot.StartWebhook(a.config.WebhookURL); err != nil {
			a.cancel()
			a.Shutdown()
			return fmt.Errorf("failed to setup webhook: %w", err)
		}
		a.logger.Info("Webhook configured. Bot will receive updates via HTTP endpoint /telegram-webhook")
	} else {
		a.goBackground(func(ctx context.Context) {
			if err := a.bot.Start(ctx); err != nil {
				a.logger.Error("Polling stopped with error", zap.Error(err))
			}
		})
	}

	var runErr error
	select {
	case <-sigCtx.Done():
		a.logger.Info("Shutting down...")
	case runErr = <-serverErr:
		a.logger.Error("HTTP server error", zap.Error(runErr))
	}

	a.cancel()
	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// goBackground runs fn until the root context is cancelled
func (a *App) goBackground(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(a.ctx)
	}()
}

func (a *App) purgeConversations(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.db.PurgeExpiredConversations(ctx, time.Now())
			if err != nil {
				a.logger.Warn("Failed to purge conversations", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Debug("Expired conversations purged", zap.Int64("count", n))
			}
		}
	}
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown() error {
	a.cancel()

	// Shutdown HTTP server gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	// Background loops and in-flight notifications finish before the stores close
	a.wg.Wait()
	a.notifier.Wait()

	a.closeStores()
	a.logger.Info("Shutdown complete")
	a.logger.Sync()
	return nil
}

func (a *App) closeStores() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("Error closing journal", zap.Error(err))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database", zap.Error(err))
	}
}
