package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miosa-osa/osa/pkg/models"
)

// maxMessagesPerSession bounds in-memory transcripts. When exceeded, the
// oldest messages are trimmed.
const maxMessagesPerSession = 1000

// MemoryStore is an in-memory Store for tests and ephemeral sessions
// (heartbeat tasks, scheduler agent jobs).
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]models.Message
}

// NewMemoryStore creates an empty in-memory transcript store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: map[string][]models.Message{}}
}

func (m *MemoryStore) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("sessions: message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID

	m.messages[sessionID] = append(m.messages[sessionID], *msg)
	if len(m.messages[sessionID]) > maxMessagesPerSession {
		excess := len(m.messages[sessionID]) - maxMessagesPerSession
		m.messages[sessionID] = m.messages[sessionID][excess:]
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs, ok := m.messages[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]models.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.messages))
	for id := range m.messages {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.messages, sessionID)
	return nil
}
