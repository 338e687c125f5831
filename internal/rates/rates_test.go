package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClient_Lookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
		assert.Equal(t, "rub", r.URL.Query().Get("vs_currencies"))
		w.Write([]byte(`{"bitcoin":{"rub":5000000}}`))
	}))
	defer server.Close()

	client := New(server.URL, "RUB", decimal.NewFromInt(100), time.Second, zap.NewNop())

	rate, err := client.Lookup(context.Background(), "btc")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(5_000_000)))
	assert.True(t, client.Rate(context.Background(), "BTC").Equal(decimal.NewFromInt(5_000_000)))
}

func TestClient_RateFallback(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		asset   string
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
			asset:   "TON",
		},
		{
			name:    "missing price",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) },
			asset:   "TON",
		},
		{
			name:    "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`not json`)) },
			asset:   "ETH",
		},
		{
			name:    "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) { time.Sleep(200 * time.Millisecond) },
			asset:   "USDT",
		},
		{
			name:    "unknown asset",
			handler: func(w http.ResponseWriter, r *http.Request) { t.Error("unexpected request") },
			asset:   "DOGE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := New(server.URL, "rub", decimal.NewFromInt(100), 50*time.Millisecond, zap.NewNop())

			_, err := client.Lookup(context.Background(), tt.asset)
			assert.Error(t, err)
			assert.True(t, client.Rate(context.Background(), tt.asset).Equal(decimal.NewFromInt(100)))
		})
	}
}

func TestLookupAsset(t *testing.T) {
	asset, ok := LookupAsset("ton")
	require.True(t, ok)
	assert.Equal(t, "the-open-network", asset.CoinID)

	_, ok = LookupAsset("DOGE")
	assert.False(t, ok)
}
