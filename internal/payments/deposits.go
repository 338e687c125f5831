// Package payments turns crypto invoices into ledger balance.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market/internal/cryptopay"
	"market/internal/models"
	"market/internal/rates"
	"market/internal/storage"
)

var (
	// ErrInvalidAmount is returned for non-positive or too small top-ups.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrUnknownAsset is returned for assets outside the accepted list.
	ErrUnknownAsset = errors.New("unsupported asset")
)

// Provider is the subset of the payment provider API used here
type Provider interface {
	CreateInvoice(ctx context.Context, params cryptopay.CreateInvoiceParams) (*cryptopay.Invoice, error)
	GetInvoices(ctx context.Context, ids []int64) ([]cryptopay.Invoice, error)
	DeleteInvoice(ctx context.Context, id int64) error
}

// RateSource converts one unit of an asset to the ledger currency. It never fails.
type RateSource interface {
	Rate(ctx context.Context, asset string) decimal.Decimal
}

// Notifier schedules best-effort messages
type Notifier interface {
	Notify(userID int64, text string)
}

// Deposits issues and cancels top-up invoices
type Deposits struct {
	store    storage.Storage
	provider Provider
	rates    RateSource
	assets   []string
	label    string
	currency string
	logger   *zap.Logger
}

// NewDeposits creates the top-up service. assets is the accepted asset list,
// label is shown in invoice descriptions.
func NewDeposits(store storage.Storage, provider Provider, rates RateSource, assets []string, label, currency string, logger *zap.Logger) *Deposits {
	normalized := make([]string, 0, len(assets))
	for _, a := range assets {
		normalized = append(normalized, strings.ToUpper(strings.TrimSpace(a)))
	}
	return &Deposits{
		store:    store,
		provider: provider,
		rates:    rates,
		assets:   normalized,
		label:    label,
		currency: strings.ToUpper(currency),
		logger:   logger,
	}
}

// Assets returns the accepted asset codes in configuration order
func (d *Deposits) Assets() []string {
	return d.assets
}

func (d *Deposits) asset(code string) (rates.Asset, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, allowed := range d.assets {
		if allowed != code {
			continue
		}
		if asset, ok := rates.LookupAsset(code); ok {
			return asset, nil
		}
	}
	return rates.Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, code)
}

// Quote converts a fiat amount into a crypto amount rounded down to the
// asset precision
func Quote(fiat, rate decimal.Decimal, precision int32) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return fiat.DivRound(rate, precision+4).Truncate(precision)
}

// CreateTopUp issues a provider invoice worth fiat in asset and stores it as unpaid
func (d *Deposits) CreateTopUp(ctx context.Context, userID int64, fiat decimal.Decimal, code string) (models.Invoice, error) {
	if !fiat.IsPositive() {
		return models.Invoice{}, fmt.Errorf("%w: %s", ErrInvalidAmount, fiat)
	}
	asset, err := d.asset(code)
	if err != nil {
		return models.Invoice{}, err
	}

	rate := d.rates.Rate(ctx, asset.Code)
	amount := Quote(fiat, rate, asset.Precision)
	if !amount.IsPositive() {
		return models.Invoice{}, fmt.Errorf("%w: %s %s is below the smallest %s unit", ErrInvalidAmount, fiat, d.currency, asset.Code)
	}

	payload := uuid.NewString()
	created, err := d.provider.CreateInvoice(ctx, cryptopay.CreateInvoiceParams{
		Asset:          asset.Code,
		Amount:         amount,
		Description:    fmt.Sprintf("%s: top up %s %s", d.label, fiat.StringFixed(2), d.currency),
		Payload:        payload,
		AllowComments:  false,
		AllowAnonymous: true,
	})
	if err != nil {
		d.logger.Warn("Failed to create provider invoice",
			zap.Int64("user_id", userID),
			zap.String("asset", asset.Code),
			zap.Error(err))
		return models.Invoice{}, err
	}

	invoice := models.Invoice{
		ID:         created.InvoiceID,
		UserID:     userID,
		Amount:     amount,
		Asset:      asset.Code,
		FiatAmount: fiat,
		Status:     models.InvoiceUnpaid,
		Hash:       created.Hash,
		PayURL:     created.URL(),
		Payload:    payload,
	}
	if err := d.store.CreateInvoice(ctx, invoice); err != nil {
		return models.Invoice{}, err
	}

	d.logger.Info("Invoice created",
		zap.Int64("invoice_id", invoice.ID),
		zap.Int64("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("asset", asset.Code),
		zap.String("rate", rate.String()))
	return invoice, nil
}

// Cancel deletes an unpaid invoice of the user. The provider copy goes first:
// if it cannot be deleted the local record stays unpaid so a late payment is
// still credited by the reconciler.
func (d *Deposits) Cancel(ctx context.Context, userID, invoiceID int64) error {
	invoice, err := d.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.UserID != userID {
		return storage.ErrNotOwner
	}
	if invoice.Status != models.InvoiceUnpaid {
		return storage.ErrInvoiceSettled
	}

	if err := d.provider.DeleteInvoice(ctx, invoiceID); err != nil {
		d.logger.Warn("Failed to delete provider invoice",
			zap.Int64("invoice_id", invoiceID),
			zap.Error(err))
		return err
	}

	return d.store.CancelInvoice(ctx, userID, invoiceID)
}
