package stubs

import (
	"context"
	"sort"
	"sync"
	"time"

	"market/internal/models"
	"market/internal/storage"
)

var (
	_ storage.Journal = (*MemoryJournal)(nil)
	_ storage.Journal = NopJournal{}
)

// NopJournal discards events. Used when no ClickHouse host is configured.
type NopJournal struct{}

func (NopJournal) Record(ctx context.Context, event models.LedgerEvent) error { return nil }

func (NopJournal) Summary(ctx context.Context, since time.Time) ([]models.EventSummary, error) {
	return nil, storage.ErrJournalDisabled
}

func (NopJournal) Initialize(ctx context.Context) error { return nil }
func (NopJournal) Close() error                         { return nil }

// MemoryJournal keeps events in memory for tests
type MemoryJournal struct {
	mu     sync.Mutex
	events []models.LedgerEvent
	err    error
}

// NewMemoryJournal creates an empty in-memory journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// FailWith makes subsequent Record calls return err
func (j *MemoryJournal) FailWith(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.err = err
}

func (j *MemoryJournal) Record(ctx context.Context, event models.LedgerEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.err != nil {
		return j.err
	}
	j.events = append(j.events, event)
	return nil
}

// Events returns a copy of the recorded events
func (j *MemoryJournal) Events() []models.LedgerEvent {
	j.mu.Lock()
	defer j.mu.Unlock()

	events := make([]models.LedgerEvent, len(j.events))
	copy(events, j.events)
	return events
}

func (j *MemoryJournal) Summary(ctx context.Context, since time.Time) ([]models.EventSummary, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	byKind := make(map[models.EventKind]*models.EventSummary)
	for _, event := range j.events {
		if event.OccurredAt.Before(since) {
			continue
		}
		summary, ok := byKind[event.Kind]
		if !ok {
			summary = &models.EventSummary{Kind: event.Kind}
			byKind[event.Kind] = summary
		}
		summary.Count++
		summary.Total = summary.Total.Add(event.Amount)
	}

	summaries := make([]models.EventSummary, 0, len(byKind))
	for _, summary := range byKind {
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Kind < summaries[j].Kind
	})
	return summaries, nil
}

func (j *MemoryJournal) Initialize(ctx context.Context) error { return nil }
func (j *MemoryJournal) Close() error                         { return nil }
