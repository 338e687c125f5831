// Package cryptopay is a small client for the Crypto Pay API (@CryptoBot).
package cryptopay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://pay.crypt.bot/api"
	tokenHeader    = "Crypto-Pay-API-Token"
)

// Invoice statuses reported by the provider
const (
	StatusActive  = "active"
	StatusPaid    = "paid"
	StatusExpired = "expired"
)

// Error is returned for transport failures and for responses with ok=false
type Error struct {
	Op   string // API method
	Code int    // provider error code or HTTP status, 0 for transport errors
	Name string // provider error name, e.g. ASSET_INVALID
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Name != "":
		return fmt.Sprintf("cryptopay %s: %s (%d)", e.Op, e.Name, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("cryptopay %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("cryptopay %s: request failed (%d)", e.Op, e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to the Crypto Pay API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Crypto Pay client. An empty baseURL selects the mainnet API.
func New(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateInvoiceParams defines the parameters of createInvoice
type CreateInvoiceParams struct {
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description,omitempty"`
	HiddenMessage  string          `json:"hidden_message,omitempty"`
	PaidBtnName    string          `json:"paid_btn_name,omitempty"`
	PaidBtnURL     string          `json:"paid_btn_url,omitempty"`
	Payload        string          `json:"payload,omitempty"`
	AllowComments  bool            `json:"allow_comments"`
	AllowAnonymous bool            `json:"allow_anonymous"`
	ExpiresIn      int             `json:"expires_in,omitempty"`
}

// Invoice is the provider view of an invoice
type Invoice struct {
	InvoiceID   int64           `json:"invoice_id"`
	Status      string          `json:"status"`
	Hash        string          `json:"hash"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	PayURL      string          `json:"pay_url"`
	BotPayURL   string          `json:"bot_invoice_url"`
	Description string          `json:"description"`
	Payload     string          `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
}

// URL returns the link the user should open to pay
func (i Invoice) URL() string {
	if i.BotPayURL != "" {
		return i.BotPayURL
	}
	return i.PayURL
}

// App describes the application owning the API token
type App struct {
	AppID                        int64  `json:"app_id"`
	Name                         string `json:"name"`
	PaymentProcessingBotUsername string `json:"payment_processing_bot_username"`
}

type apiResponse struct {
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// parseAPIError accepts both {"code":400,"name":"X"} and a bare string
func parseAPIError(op string, status int, raw json.RawMessage) *Error {
	apiErr := &Error{Op: op, Code: status}

	var structured struct {
		Code    int    `json:"code"`
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &structured); err == nil {
		if structured.Code != 0 {
			apiErr.Code = structured.Code
		}
		apiErr.Name = structured.Name
		if apiErr.Name == "" {
			apiErr.Name = structured.Message
		}
		return apiErr
	}

	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		apiErr.Name = msg
		return apiErr
	}

	apiErr.Name = "UNKNOWN_ERROR"
	return apiErr
}

func (c *Client) call(ctx context.Context, op string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to encode params: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Code: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var apiResp apiResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return &Error{Op: op, Code: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if !apiResp.Ok {
		return parseAPIError(op, resp.StatusCode, apiResp.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(apiResp.Result, out); err != nil {
		return &Error{Op: op, Code: resp.StatusCode, Err: fmt.Errorf("failed to decode result: %w", err)}
	}
	return nil
}

// GetMe checks the token and returns the owning app
func (c *Client) GetMe(ctx context.Context) (*App, error) {
	var app App
	if err := c.call(ctx, "getMe", struct{}{}, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// CreateInvoice creates an invoice for payment
func (c *Client) CreateInvoice(ctx context.Context, params CreateInvoiceParams) (*Invoice, error) {
	var invoice Invoice
	if err := c.call(ctx, "createInvoice", params, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// GetInvoices fetches the given invoices in one request
func (c *Client) GetInvoices(ctx context.Context, ids []int64) ([]Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	params := map[string]any{
		"invoice_ids": strings.Join(parts, ","),
		"count":       len(ids),
	}

	var result struct {
		Items []Invoice `json:"items"`
	}
	if err := c.call(ctx, "getInvoices", params, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// DeleteInvoice removes an invoice on the provider side
func (c *Client) DeleteInvoice(ctx context.Context, id int64) error {
	return c.call(ctx, "deleteInvoice", map[string]int64{"invoice_id": id}, nil)
}

// IsAPIError reports whether err carries a provider error with the given name
func IsAPIError(err error, name string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Name == name
}
