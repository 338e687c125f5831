package cryptopay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, "test-token", 2*time.Second)
}

func TestClient_CreateInvoice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/createInvoice", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("Crypto-Pay-API-Token"))

		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "BTC", params["asset"])
		assert.Equal(t, "0.01", params["amount"])
		assert.Equal(t, "nonce", params["payload"])

		w.Write([]byte(`{"ok":true,"result":{"invoice_id":77,"status":"active","hash":"IVabc","asset":"BTC",
			"amount":"0.01","pay_url":"https://t.me/CryptoBot?start=IVabc","payload":"nonce",
			"created_at":"2024-05-01T10:00:00.000Z"}}`))
	})

	invoice, err := client.CreateInvoice(context.Background(), CreateInvoiceParams{
		Asset:   "BTC",
		Amount:  decimal.RequireFromString("0.01"),
		Payload: "nonce",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), invoice.InvoiceID)
	assert.Equal(t, StatusActive, invoice.Status)
	assert.True(t, invoice.Amount.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, "https://t.me/CryptoBot?start=IVabc", invoice.URL())
	assert.Nil(t, invoice.PaidAt)
}

func TestClient_GetInvoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getInvoices", r.URL.Path)

		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "1,2", params["invoice_ids"])

		w.Write([]byte(`{"ok":true,"result":{"items":[
			{"invoice_id":1,"status":"paid","asset":"TON","amount":"3","paid_at":"2024-05-01T10:05:00Z"},
			{"invoice_id":2,"status":"expired","asset":"TON","amount":"4"}]}}`))
	})

	invoices, err := client.GetInvoices(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, StatusPaid, invoices[0].Status)
	require.NotNil(t, invoices[0].PaidAt)
	assert.Equal(t, StatusExpired, invoices[1].Status)

	none, err := client.GetInvoices(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClient_APIError(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantName string
		wantCode int
	}{
		{"structured", `{"ok":false,"error":{"code":400,"name":"AMOUNT_TOO_SMALL"}}`, "AMOUNT_TOO_SMALL", 400},
		{"string", `{"ok":false,"error":"UNAUTHORIZED"}`, "UNAUTHORIZED", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.wantCode == http.StatusUnauthorized {
					w.WriteHeader(http.StatusUnauthorized)
				}
				w.Write([]byte(tt.body))
			})

			err := client.DeleteInvoice(context.Background(), 5)
			require.Error(t, err)

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, "deleteInvoice", apiErr.Op)
			assert.Equal(t, tt.wantName, apiErr.Name)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.True(t, IsAPIError(err, tt.wantName))
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	client.http.Timeout = 50 * time.Millisecond

	_, err := client.GetMe(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "getMe", apiErr.Op)
	assert.Empty(t, apiErr.Name)
	assert.NotNil(t, apiErr.Err)
}
