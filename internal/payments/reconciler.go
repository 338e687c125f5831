package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market/internal/cryptopay"
	"market/internal/models"
	"market/internal/storage"
)

// batchSize bounds the number of ids per getInvoices request
const batchSize = 100

// Reconciler periodically settles unpaid invoices against the provider.
// Crediting is gated by the unpaid->paid transition in the store, so running
// a cycle any number of times credits each paid invoice exactly once.
type Reconciler struct {
	store    storage.Storage
	provider Provider
	rates    RateSource
	journal  storage.Journal
	notifier Notifier
	interval time.Duration
	currency string
	logger   *zap.Logger
}

// NewReconciler creates a reconciler ticking every interval
func NewReconciler(store storage.Storage, provider Provider, rates RateSource, journal storage.Journal,
	notifier Notifier, interval time.Duration, currency string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		provider: provider,
		rates:    rates,
		journal:  journal,
		notifier: notifier,
		interval: interval,
		currency: strings.ToUpper(currency),
		logger:   logger,
	}
}

// Run executes a cycle every interval until ctx is cancelled.
// Cycle failures are logged and never stop the loop.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Invoice reconciliation started", zap.Duration("interval", r.interval))

	// Payments made while the process was down are settled right away
	r.Cycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Invoice reconciliation stopped")
			return
		case <-ticker.C:
			r.Cycle(ctx)
		}
	}
}

// CycleResult counts what a single cycle did
type CycleResult struct {
	Checked  int
	Credited int
	Expired  int
}

// Cycle runs one reconciliation pass. It never panics.
func (r *Reconciler) Cycle(ctx context.Context) (result CycleResult) {
	logger := r.logger.With(zap.String("cycle_id", uuid.NewString()))

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Panic in reconciliation cycle", zap.Any("panic", rec))
		}
	}()

	unpaid, err := r.store.ListUnpaidInvoices(ctx)
	if err != nil {
		logger.Error("Failed to list unpaid invoices", zap.Error(err))
		return result
	}
	if len(unpaid) == 0 {
		return result
	}

	for start := 0; start < len(unpaid); start += batchSize {
		end := min(start+batchSize, len(unpaid))
		if err := r.settleBatch(ctx, logger, unpaid[start:end], &result); err != nil {
			logger.Warn("Failed to query provider invoices",
				zap.Int("batch_size", end-start),
				zap.Error(err))
		}
	}

	if result.Credited > 0 || result.Expired > 0 {
		logger.Info("Reconciliation cycle finished",
			zap.Int("checked", result.Checked),
			zap.Int("credited", result.Credited),
			zap.Int("expired", result.Expired))
	}
	return result
}

func (r *Reconciler) settleBatch(ctx context.Context, logger *zap.Logger, batch []models.Invoice, result *CycleResult) error {
	ids := make([]int64, len(batch))
	known := make(map[int64]bool, len(batch))
	for i, inv := range batch {
		ids[i] = inv.ID
		known[inv.ID] = true
	}

	remote, err := r.provider.GetInvoices(ctx, ids)
	if err != nil {
		return err
	}
	result.Checked += len(remote)

	for _, item := range remote {
		if !known[item.InvoiceID] {
			continue
		}
		switch item.Status {
		case cryptopay.StatusPaid:
			if r.credit(ctx, logger, item) {
				result.Credited++
			}
		case cryptopay.StatusExpired:
			if r.expire(ctx, logger, item.InvoiceID) {
				result.Expired++
			}
		}
	}
	return nil
}

func (r *Reconciler) credit(ctx context.Context, logger *zap.Logger, item cryptopay.Invoice) bool {
	rate := r.rates.Rate(ctx, item.Asset)

	invoice, err := r.store.CreditInvoice(ctx, item.InvoiceID, rate)
	if errors.Is(err, storage.ErrInvoiceSettled) {
		return false
	}
	if err != nil {
		logger.Error("Failed to credit invoice",
			zap.Int64("invoice_id", item.InvoiceID),
			zap.Error(err))
		return false
	}

	logger.Info("Invoice credited",
		zap.Int64("invoice_id", invoice.ID),
		zap.Int64("user_id", invoice.UserID),
		zap.String("amount", invoice.Amount.String()),
		zap.String("asset", invoice.Asset),
		zap.String("rate", rate.String()),
		zap.String("credited", invoice.CreditedAmount.String()))

	occurredAt := time.Now()
	if invoice.PaidAt != nil {
		occurredAt = *invoice.PaidAt
	}
	if err := r.journal.Record(ctx, models.LedgerEvent{
		Kind:       models.EventDeposit,
		UserID:     invoice.UserID,
		InvoiceID:  invoice.ID,
		Amount:     invoice.CreditedAmount,
		Asset:      invoice.Asset,
		OccurredAt: occurredAt,
	}); err != nil {
		logger.Warn("Failed to journal deposit", zap.Int64("invoice_id", invoice.ID), zap.Error(err))
	}

	r.notifier.Notify(invoice.UserID, fmt.Sprintf(
		"✅ Payment received: %s %s. Credited %s %s.",
		invoice.Amount, invoice.Asset, invoice.CreditedAmount.StringFixed(2), r.currency))
	return true
}

func (r *Reconciler) expire(ctx context.Context, logger *zap.Logger, id int64) bool {
	err := r.store.ExpireInvoice(ctx, id)
	if errors.Is(err, storage.ErrInvoiceSettled) {
		return false
	}
	if err != nil {
		logger.Error("Failed to expire invoice", zap.Int64("invoice_id", id), zap.Error(err))
		return false
	}
	logger.Info("Invoice expired", zap.Int64("invoice_id", id))
	return true
}
