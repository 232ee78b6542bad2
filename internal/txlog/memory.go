package txlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryLog struct {
	mu     sync.RWMutex
	seq    int64
	byUser map[string][]Transaction
	now    func() time.Time
}

// NewMemoryLog creates a concurrency-safe in-memory log useful for tests and development.
func NewMemoryLog() Log {
	return &memoryLog{byUser: make(map[string][]Transaction), now: time.Now}
}

func (l *memoryLog) Append(_ context.Context, t Transaction) (string, error) {
	if t.UserID == "" {
		return "", errors.New("transaction user is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now().UTC()
	}
	l.seq++
	t.Seq = l.seq
	l.byUser[t.UserID] = append(l.byUser[t.UserID], t)
	return t.ID, nil
}

func (l *memoryLog) List(_ context.Context, userID string, filter Filter) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.byUser[userID]
	out := make([]Transaction, 0, min(len(entries), max(filter.Limit, 0)))
	for i := len(entries) - 1; i >= 0; i-- {
		if !filter.matches(entries[i]) {
			continue
		}
		out = append(out, entries[i])
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
