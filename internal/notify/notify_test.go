package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market/internal/storage/stubs"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[int64][]string
	err  error
}

func (s *recordingSender) SendText(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.sent == nil {
		s.sent = make(map[int64][]string)
	}
	s.sent[chatID] = append(s.sent[chatID], text)
	return nil
}

type panickingSender struct{}

func (panickingSender) SendText(ctx context.Context, chatID int64, text string) error {
	panic("boom")
}

func TestNotifier_RespectsPreference(t *testing.T) {
	db := stubs.NewMockDB()
	ctx := context.Background()

	_, err := db.EnsureUser(ctx, 1, "on")
	require.NoError(t, err)
	_, err = db.EnsureUser(ctx, 2, "off")
	require.NoError(t, err)
	require.NoError(t, db.SetNotifications(ctx, 2, false))

	sender := &recordingSender{}
	n := New(sender, db, 1000, zap.NewNop())

	n.Notify(1, "sold")
	n.Notify(2, "sold")
	n.Notify(3, "unknown users still get messages")
	n.Wait()

	assert.Equal(t, []string{"sold"}, sender.sent[1])
	assert.Empty(t, sender.sent[2])
	assert.Len(t, sender.sent[3], 1)
}

func TestNotifier_SwallowsFailures(t *testing.T) {
	db := stubs.NewMockDB()

	n := New(&recordingSender{err: errors.New("blocked by user")}, db, 1000, zap.NewNop())
	n.Notify(1, "hello")
	n.Wait()

	n = New(panickingSender{}, db, 1000, zap.NewNop())
	assert.NotPanics(t, func() {
		n.Notify(1, "hello")
		n.Wait()
	})
}
