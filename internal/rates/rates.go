// Package rates resolves crypto to fiat exchange rates.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// ErrUnknownAsset is returned for assets missing from the asset table
var ErrUnknownAsset = errors.New("unknown asset")

// Asset maps a ticker to its CoinGecko id and the number of decimals used
// when converting fiat into an invoice amount.
type Asset struct {
	Code      string
	CoinID    string
	Precision int32
}

var knownAssets = map[string]Asset{
	"USDT": {Code: "USDT", CoinID: "tether", Precision: 2},
	"USDC": {Code: "USDC", CoinID: "usd-coin", Precision: 2},
	"BTC":  {Code: "BTC", CoinID: "bitcoin", Precision: 8},
	"ETH":  {Code: "ETH", CoinID: "ethereum", Precision: 6},
	"TON":  {Code: "TON", CoinID: "the-open-network", Precision: 4},
	"TRX":  {Code: "TRX", CoinID: "tron", Precision: 2},
	"LTC":  {Code: "LTC", CoinID: "litecoin", Precision: 6},
	"BNB":  {Code: "BNB", CoinID: "binancecoin", Precision: 6},
}

// LookupAsset returns the table entry for a ticker
func LookupAsset(code string) (Asset, bool) {
	asset, ok := knownAssets[strings.ToUpper(code)]
	return asset, ok
}

// Client queries the CoinGecko simple price endpoint
type Client struct {
	baseURL  string
	fiat     string
	fallback decimal.Decimal
	http     *http.Client
	logger   *zap.Logger
}

// New creates a rate client. fallback is returned by Rate whenever a lookup fails.
func New(baseURL, fiat string, fallback decimal.Decimal, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		fiat:     strings.ToLower(fiat),
		fallback: fallback,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Fiat returns the lowercase fiat currency code rates are quoted in
func (c *Client) Fiat() string {
	return c.fiat
}

// Lookup fetches the current price of one unit of asset in the fiat currency
func (c *Client) Lookup(ctx context.Context, code string) (decimal.Decimal, error) {
	asset, ok := LookupAsset(code)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownAsset, code)
	}

	query := url.Values{}
	query.Set("ids", asset.CoinID)
	query.Set("vs_currencies", c.fiat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+query.Encode(), nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("rate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("rate request failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to read rate response: %w", err)
	}

	var prices map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to decode rate response: %w", err)
	}

	rate, ok := prices[asset.CoinID][c.fiat]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no %s price for %s", c.fiat, asset.CoinID)
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive %s price for %s: %s", c.fiat, asset.CoinID, rate)
	}
	return rate, nil
}

// Rate never fails. Any lookup error yields the configured fallback.
func (c *Client) Rate(ctx context.Context, code string) decimal.Decimal {
	rate, err := c.Lookup(ctx, code)
	if err != nil {
		c.logger.Warn("Rate lookup failed, using fallback",
			zap.String("asset", code),
			zap.String("fallback", c.fallback.String()),
			zap.Error(err))
		return c.fallback
	}
	return rate
}
