package payments

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market/internal/cryptopay"
	"market/internal/models"
	"market/internal/storage"
	"market/internal/storage/sqlite"
	"market/internal/storage/stubs"
)

type fakeProvider struct {
	mu         sync.Mutex
	nextID     int64
	created    []cryptopay.CreateInvoiceParams
	statuses   map[int64]string
	assets     map[int64]string
	deleted    []int64
	createErr  error
	getErr     error
	deleteErr  error
	panicOnGet bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{nextID: 100, statuses: make(map[int64]string), assets: make(map[int64]string)}
}

func (p *fakeProvider) CreateInvoice(ctx context.Context, params cryptopay.CreateInvoiceParams) (*cryptopay.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.nextID++
	p.created = append(p.created, params)
	p.statuses[p.nextID] = cryptopay.StatusActive
	p.assets[p.nextID] = params.Asset
	return &cryptopay.Invoice{
		InvoiceID: p.nextID,
		Status:    cryptopay.StatusActive,
		Hash:      "IVhash",
		Asset:     params.Asset,
		Amount:    params.Amount,
		PayURL:    "https://t.me/CryptoBot?start=IVhash",
		Payload:   params.Payload,
	}, nil
}

func (p *fakeProvider) GetInvoices(ctx context.Context, ids []int64) ([]cryptopay.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOnGet {
		panic("provider exploded")
	}
	if p.getErr != nil {
		return nil, p.getErr
	}
	var items []cryptopay.Invoice
	for _, id := range ids {
		if status, ok := p.statuses[id]; ok {
			items = append(items, cryptopay.Invoice{InvoiceID: id, Status: status, Asset: p.assets[id]})
		}
	}
	return items, nil
}

func (p *fakeProvider) DeleteInvoice(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deleted = append(p.deleted, id)
	delete(p.statuses, id)
	return nil
}

func (p *fakeProvider) setStatus(id int64, asset, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[id] = status
	p.assets[id] = asset
}

type fixedRates map[string]decimal.Decimal

func (r fixedRates) Rate(ctx context.Context, asset string) decimal.Decimal {
	if rate, ok := r[asset]; ok {
		return rate
	}
	return decimal.NewFromInt(100)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (n *recordingNotifier) Notify(userID int64, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[int64][]string)
	}
	n.sent[userID] = append(n.sent[userID], text)
}

type fixture struct {
	store      *sqlite.Store
	provider   *fakeProvider
	journal    *stubs.MemoryJournal
	notifier   *recordingNotifier
	deposits   *Deposits
	reconciler *Reconciler
}

func newFixture(t *testing.T, rates RateSource) *fixture {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "market.db"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		provider: newFakeProvider(),
		journal:  stubs.NewMemoryJournal(),
		notifier: &recordingNotifier{},
	}
	f.deposits = NewDeposits(store, f.provider, rates, []string{"USDT", "BTC", "TON"}, "Test Market", "rub", zap.NewNop())
	f.reconciler = NewReconciler(store, f.provider, rates, f.journal, f.notifier, time.Hour, "rub", zap.NewNop())

	_, err = store.EnsureUser(context.Background(), 1, "payer")
	require.NoError(t, err)
	return f
}

func (f *fixture) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	user, err := f.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return user.Balance
}

func TestQuote(t *testing.T) {
	assert.True(t, Quote(decimal.NewFromInt(50000), decimal.NewFromInt(5_000_000), 8).Equal(decimal.RequireFromString("0.01")))
	assert.True(t, Quote(decimal.NewFromInt(100), decimal.NewFromInt(3), 2).Equal(decimal.RequireFromString("33.33")))
	assert.True(t, Quote(decimal.NewFromInt(1), decimal.NewFromInt(1_000_000_000), 8).Equal(decimal.Zero))
	assert.True(t, Quote(decimal.NewFromInt(1), decimal.Zero, 8).IsZero())
}

func TestDeposits_CreateTopUp(t *testing.T) {
	f := newFixture(t, fixedRates{"BTC": decimal.NewFromInt(5_000_000)})
	ctx := context.Background()

	invoice, err := f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(50000), "btc")
	require.NoError(t, err)
	assert.Equal(t, "BTC", invoice.Asset)
	assert.True(t, invoice.Amount.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, models.InvoiceUnpaid, invoice.Status)
	assert.NotEmpty(t, invoice.PayURL)

	require.Len(t, f.provider.created, 1)
	assert.Equal(t, invoice.Payload, f.provider.created[0].Payload)
	assert.Contains(t, f.provider.created[0].Description, "Test Market")

	stored, err := f.store.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UserID)
	assert.True(t, stored.FiatAmount.Equal(decimal.NewFromInt(50000)))
	assert.True(t, f.balance(t, 1).IsZero())
}

func TestDeposits_CreateTopUpValidation(t *testing.T) {
	f := newFixture(t, fixedRates{"BTC": decimal.NewFromInt(5_000_000)})
	ctx := context.Background()

	_, err := f.deposits.CreateTopUp(ctx, 1, decimal.Zero, "TON")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(-5), "TON")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(10), "DOGE")
	assert.ErrorIs(t, err, ErrUnknownAsset)

	_, err = f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(10), "ETH")
	assert.ErrorIs(t, err, ErrUnknownAsset, "known asset outside the accepted list")

	_, err = f.deposits.CreateTopUp(ctx, 1, decimal.RequireFromString("0.00001"), "BTC")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Empty(t, f.provider.created)
}

func TestDeposits_ProviderFailureStoresNothing(t *testing.T) {
	f := newFixture(t, fixedRates{})
	f.provider.createErr = &cryptopay.Error{Op: "createInvoice", Code: 400, Name: "AMOUNT_TOO_SMALL"}

	_, err := f.deposits.CreateTopUp(context.Background(), 1, decimal.NewFromInt(10), "TON")
	var apiErr *cryptopay.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "AMOUNT_TOO_SMALL", apiErr.Name)

	unpaid, err := f.store.ListUnpaidInvoices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unpaid)
}

func TestDeposits_Cancel(t *testing.T) {
	f := newFixture(t, fixedRates{})
	ctx := context.Background()
	_, err := f.store.EnsureUser(ctx, 2, "other")
	require.NoError(t, err)

	invoice, err := f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(100), "TON")
	require.NoError(t, err)

	assert.ErrorIs(t, f.deposits.Cancel(ctx, 2, invoice.ID), storage.ErrNotOwner)
	assert.ErrorIs(t, f.deposits.Cancel(ctx, 1, 999), storage.ErrNotFound)

	f.provider.deleteErr = errors.New("network down")
	assert.Error(t, f.deposits.Cancel(ctx, 1, invoice.ID))
	_, err = f.store.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err, "invoice stays when the provider copy could not be deleted")

	f.provider.deleteErr = nil
	require.NoError(t, f.deposits.Cancel(ctx, 1, invoice.ID))
	assert.Equal(t, []int64{invoice.ID}, f.provider.deleted)

	_, err = f.store.GetInvoice(ctx, invoice.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReconciler_CreditsExactlyOnce(t *testing.T) {
	f := newFixture(t, fixedRates{"BTC": decimal.NewFromInt(5_000_000)})
	ctx := context.Background()

	invoice, err := f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(50000), "BTC")
	require.NoError(t, err)

	result := f.reconciler.Cycle(ctx)
	assert.Equal(t, 0, result.Credited)
	assert.True(t, f.balance(t, 1).IsZero())

	f.provider.setStatus(invoice.ID, "BTC", cryptopay.StatusPaid)

	for i := 0; i < 3; i++ {
		f.reconciler.Cycle(ctx)
	}

	assert.True(t, f.balance(t, 1).Equal(decimal.NewFromInt(50000)))

	stored, err := f.store.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, stored.Status)
	assert.True(t, stored.CreditedAmount.Equal(decimal.NewFromInt(50000)))

	events := f.journal.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDeposit, events[0].Kind)
	assert.Len(t, f.notifier.sent[1], 1)
}

func TestReconciler_ConcurrentCyclesCreditOnce(t *testing.T) {
	f := newFixture(t, fixedRates{"TON": decimal.NewFromInt(250)})
	ctx := context.Background()

	invoice, err := f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(1000), "TON")
	require.NoError(t, err)
	f.provider.setStatus(invoice.ID, "TON", cryptopay.StatusPaid)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.reconciler.Cycle(ctx)
		}()
	}
	wg.Wait()

	assert.True(t, f.balance(t, 1).Equal(decimal.NewFromInt(1000)))
	assert.Len(t, f.journal.Events(), 1)
}

func TestReconciler_UsesFallbackRate(t *testing.T) {
	// fixedRates returns 100 for assets it does not know, like the real client on failure
	f := newFixture(t, fixedRates{})
	ctx := context.Background()

	invoice, err := f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(300), "TON")
	require.NoError(t, err)
	assert.True(t, invoice.Amount.Equal(decimal.NewFromInt(3)))

	f.provider.setStatus(invoice.ID, "TON", cryptopay.StatusPaid)
	result := f.reconciler.Cycle(ctx)
	assert.Equal(t, 1, result.Credited)
	assert.True(t, f.balance(t, 1).Equal(decimal.NewFromInt(300)))
}

func TestReconciler_ExpiresInvoices(t *testing.T) {
	f := newFixture(t, fixedRates{})
	ctx := context.Background()

	invoice, err := f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(300), "TON")
	require.NoError(t, err)
	f.provider.setStatus(invoice.ID, "TON", cryptopay.StatusExpired)

	result := f.reconciler.Cycle(ctx)
	assert.Equal(t, 1, result.Expired)

	stored, err := f.store.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceExpired, stored.Status)

	// A later paid report for an expired invoice is not credited
	f.provider.setStatus(invoice.ID, "TON", cryptopay.StatusPaid)
	result = f.reconciler.Cycle(ctx)
	assert.Equal(t, 0, result.Credited)
	assert.True(t, f.balance(t, 1).IsZero())
}

func TestReconciler_SurvivesProviderFailures(t *testing.T) {
	f := newFixture(t, fixedRates{})
	ctx := context.Background()

	invoice, err := f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(300), "TON")
	require.NoError(t, err)

	f.provider.getErr = errors.New("timeout")
	assert.NotPanics(t, func() { f.reconciler.Cycle(ctx) })

	f.provider.getErr = nil
	f.provider.panicOnGet = true
	assert.NotPanics(t, func() { f.reconciler.Cycle(ctx) })

	f.provider.panicOnGet = false
	f.provider.setStatus(invoice.ID, "TON", cryptopay.StatusPaid)
	result := f.reconciler.Cycle(ctx)
	assert.Equal(t, 1, result.Credited)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, fixedRates{})
	f.reconciler.interval = 10 * time.Millisecond

	invoice, err := f.deposits.CreateTopUp(context.Background(), 1, decimal.NewFromInt(300), "TON")
	require.NoError(t, err)
	f.provider.setStatus(invoice.ID, "TON", cryptopay.StatusPaid)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		user, err := f.store.GetUser(context.Background(), 1)
		return err == nil && user.Balance.Equal(decimal.NewFromInt(300))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
}

func TestReconciler_RunSettlesAtStartup(t *testing.T) {
	f := newFixture(t, fixedRates{})

	invoice, err := f.deposits.CreateTopUp(context.Background(), 1, decimal.NewFromInt(300), "TON")
	require.NoError(t, err)
	f.provider.setStatus(invoice.ID, "TON", cryptopay.StatusPaid)

	// The interval is an hour, so only the startup cycle can credit the invoice
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		user, err := f.store.GetUser(context.Background(), 1)
		return err == nil && user.Balance.Equal(decimal.NewFromInt(300))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestPurchaseAfterDeposit(t *testing.T) {
	f := newFixture(t, fixedRates{"USDT": decimal.NewFromInt(100)})
	ctx := context.Background()

	invoice, err := f.deposits.CreateTopUp(ctx, 1, decimal.NewFromInt(500), "USDT")
	require.NoError(t, err)
	f.provider.setStatus(invoice.ID, "USDT", cryptopay.StatusPaid)
	f.reconciler.Cycle(ctx)

	_, err = f.store.EnsureUser(ctx, 2, "seller")
	require.NoError(t, err)
	seller, err := f.store.CreateSeller(ctx, 2, "shop")
	require.NoError(t, err)
	product, err := f.store.CreateProduct(ctx, models.Product{
		SellerID: seller.ID, Title: "Key", Price: decimal.NewFromInt(300), Quantity: 1, ContentText: "X",
	})
	require.NoError(t, err)

	purchase, err := f.store.Purchase(ctx, 1, product.ID)
	require.NoError(t, err)
	assert.True(t, purchase.BuyerBalance.Equal(decimal.NewFromInt(200)))
	assert.True(t, f.balance(t, 2).Equal(decimal.NewFromInt(300)))
}
