package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"support-agent/internal/domain"
)

// Memory is a process-local pending batch store with the same atomicity as
// the DynamoDB client: appends never lose a fragment and a batch is handed
// to at most one TakeAndClear caller. It does not survive restarts.
type Memory struct {
	mu      sync.Mutex
	batches map[string]*domain.PendingBatch
	now     func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{batches: make(map[string]*domain.PendingBatch), now: time.Now}
}

// Append adds fragment to the conversation's pending batch.
func (m *Memory) Append(_ context.Context, conversationID, fragment string) (int64, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, errors.New("repository: Append: conversation id is required")
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[conversationID]
	if !ok {
		b = &domain.PendingBatch{ConversationID: conversationID, FirstUpdateTime: now}
		m.batches[conversationID] = b
	}
	b.Fragments = append(b.Fragments, fragment)
	b.LastUpdateTime = now
	b.Version++
	return b.Version, nil
}

// TakeAndClear removes the conversation's batch and returns it joined.
func (m *Memory) TakeAndClear(_ context.Context, conversationID string, version int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[conversationID]
	if !ok {
		return "", nil
	}
	if version > 0 && b.Version != version {
		return "", ErrSuperseded
	}
	delete(m.batches, conversationID)
	return JoinFragments(b.Fragments), nil
}

// Pending reports how many conversations currently hold a batch.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}
