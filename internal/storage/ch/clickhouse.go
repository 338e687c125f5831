package ch

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"

	"market/internal/models"
	"market/internal/storage"
)

var _ storage.Journal = (*Journal)(nil)

// Journal appends committed ledger events to ClickHouse for reporting.
// It is written after the SQLite transaction commits and is never read back
// by the purchase or reconciliation paths.
type Journal struct {
	conn clickhouse.Conn
}

// NewJournal creates a new ClickHouse connection
func NewJournal(host string, port int, database, user, password string, useTLS bool) (*Journal, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	options := &clickhouse.Options{
		Addr:     []string{addr},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	}

	if useTLS {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Journal{conn: conn}, nil
}

// Initialize creates the events table if it does not exist
func (j *Journal) Initialize(ctx context.Context) error {
	err := j.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_events (
			occurred_at DateTime64(3, 'UTC'),
			kind LowCardinality(String),
			user_id Int64,
			counterparty_id Int64,
			product_id Int64,
			order_id Int64,
			invoice_id Int64,
			amount Decimal(38, 18),
			asset LowCardinality(String)
		) ENGINE = MergeTree()
		ORDER BY (kind, occurred_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ledger_events table: %w", err)
	}
	return nil
}

// Record appends a single event
func (j *Journal) Record(ctx context.Context, event models.LedgerEvent) error {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	err := j.conn.Exec(ctx, `
		INSERT INTO ledger_events
			(occurred_at, kind, user_id, counterparty_id, product_id, order_id, invoice_id, amount, asset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		occurredAt.UTC(), string(event.Kind), event.UserID, event.CounterpartyID,
		event.ProductID, event.OrderID, event.InvoiceID, event.Amount, event.Asset)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", event.Kind, err)
	}
	return nil
}

// Summary aggregates events per kind since the given time
func (j *Journal) Summary(ctx context.Context, since time.Time) ([]models.EventSummary, error) {
	rows, err := j.conn.Query(ctx, `
		SELECT kind, count(), sum(amount)
		FROM ledger_events
		WHERE occurred_at >= ?
		GROUP BY kind
		ORDER BY kind`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize ledger events: %w", err)
	}
	defer rows.Close()

	var summaries []models.EventSummary
	for rows.Next() {
		var (
			kind  string
			count uint64
			total decimal.Decimal
		)
		if err := rows.Scan(&kind, &count, &total); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summaries = append(summaries, models.EventSummary{
			Kind:  models.EventKind(kind),
			Count: count,
			Total: total,
		})
	}
	return summaries, rows.Err()
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j.conn != nil {
		return j.conn.Close()
	}
	return nil
}
