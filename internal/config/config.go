package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the application configuration
type Config struct {
	TelegramToken string
	AdminUserIDs  []int64

	// Bot mode configuration
	WebhookMode bool   // If true, use webhook mode; if false, use polling mode
	WebhookURL  string // URL for webhook (required if WebhookMode is true)
	Port        string

	// Ledger
	DBPath    string
	UseMockDB bool

	// Payments
	CryptoPayToken    string
	CryptoPayURL      string
	CryptoPayTimeout  time.Duration
	CryptoAssets      []string
	ReconcileInterval time.Duration

	// Exchange rates
	RatesURL     string
	RatesTimeout time.Duration
	FiatCurrency string
	FallbackRate decimal.Decimal

	// Presentation and throttling
	NotifyRate     float64 // outbound notifications per second
	SessionTTL     time.Duration
	MarketName     string
	SupportContact string

	// ClickHouse journal, enabled when ClickHouseHost is set
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseUseTLS   bool

	LogLevel  string
	LogFormat string
}

// JournalEnabled reports whether ledger events should be shipped to ClickHouse
func (c *Config) JournalEnabled() bool {
	return c.ClickHouseHost != ""
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{}

	// Telegram Bot Token (required)
	config.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if config.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	// Crypto Pay token (required)
	config.CryptoPayToken = os.Getenv("CRYPTO_PAY_TOKEN")
	if config.CryptoPayToken == "" {
		return nil, fmt.Errorf("CRYPTO_PAY_TOKEN is required")
	}

	// Admin User IDs (optional)
	if adminIDsStr := os.Getenv("ADMIN_USER_IDS"); adminIDsStr != "" {
		for _, idStr := range strings.Split(adminIDsStr, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID in ADMIN_USER_IDS: %s", idStr)
			}
			config.AdminUserIDs = append(config.AdminUserIDs, id)
		}
	}

	// Bot mode configuration
	config.WebhookMode = os.Getenv("WEBHOOK_MODE") == "true"
	if config.WebhookMode {
		config.WebhookURL = strings.TrimRight(os.Getenv("WEBHOOK_URL"), "/")
		if config.WebhookURL == "" {
			return nil, fmt.Errorf("WEBHOOK_URL is required when WEBHOOK_MODE is true")
		}
	}
	config.Port = getEnv("PORT", "8080")

	config.UseMockDB = os.Getenv("USE_MOCK_DB") == "true"
	config.DBPath = getEnv("DB_PATH", "market.db")

	config.CryptoPayURL = strings.TrimRight(getEnv("CRYPTO_PAY_URL", "https://pay.crypt.bot/api"), "/")
	config.RatesURL = strings.TrimRight(getEnv("RATES_URL", "https://api.coingecko.com/api/v3"), "/")
	config.FiatCurrency = strings.ToLower(getEnv("FIAT_CURRENCY", "rub"))
	config.MarketName = getEnv("MARKET_NAME", "Crypto Market")
	config.SupportContact = os.Getenv("SUPPORT_CONTACT")

	for _, asset := range strings.Split(getEnv("CRYPTO_ASSETS", "USDT,BTC,ETH,TON,TRX"), ",") {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset != "" {
			config.CryptoAssets = append(config.CryptoAssets, asset)
		}
	}
	if len(config.CryptoAssets) == 0 {
		return nil, fmt.Errorf("CRYPTO_ASSETS must list at least one asset")
	}

	var err error
	if config.CryptoPayTimeout, err = getDuration("CRYPTO_PAY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if config.RatesTimeout, err = getDuration("RATES_TIMEOUT", 8*time.Second); err != nil {
		return nil, err
	}
	if config.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", 20*time.Second); err != nil {
		return nil, err
	}
	if config.SessionTTL, err = getDuration("SESSION_TTL", 15*time.Minute); err != nil {
		return nil, err
	}

	config.FallbackRate, err = decimal.NewFromString(getEnv("FALLBACK_RATE", "100"))
	if err != nil || !config.FallbackRate.IsPositive() {
		return nil, fmt.Errorf("invalid FALLBACK_RATE: must be a positive number")
	}

	config.NotifyRate, err = strconv.ParseFloat(getEnv("NOTIFY_RATE", "25"), 64)
	if err != nil || config.NotifyRate <= 0 {
		return nil, fmt.Errorf("invalid NOTIFY_RATE: must be a positive number")
	}

	// ClickHouse journal (optional)
	config.ClickHouseHost = os.Getenv("CLICKHOUSE_HOST")
	if config.ClickHouseHost != "" {
		portStr := os.Getenv("CLICKHOUSE_PORT")
		if portStr == "" {
			config.ClickHousePort = 9000 // Default ClickHouse native port
		} else {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid CLICKHOUSE_PORT: %w", err)
			}
			config.ClickHousePort = port
		}

		config.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", "default")
		config.ClickHouseUser = getEnv("CLICKHOUSE_USER", "default")
		config.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
		config.ClickHouseUseTLS = os.Getenv("CLICKHOUSE_USE_TLS") == "true"
	}

	config.LogLevel = getEnv("LOG_LEVEL", "info")
	config.LogFormat = getEnv("LOG_FORMAT", "json")

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getDuration accepts Go durations ("20s") or plain seconds ("20")
func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s: must be positive", key)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return d, nil
}
