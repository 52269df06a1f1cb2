package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*models.Message
	events   map[string][]models.RuntimeEvent
	tasks    map[string]models.RuntimeTask
	settings map[string]string
	closed   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]*models.Message),
		events:   make(map[string][]models.RuntimeEvent),
		tasks:    make(map[string]models.RuntimeTask),
		settings: make(map[string]string),
	}
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	stored := msg.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	s.messages[stored.SessionID] = append(s.messages[stored.SessionID], stored)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.messages[sessionID]
	out := make([]*models.Message, 0, len(stored))
	for _, msg := range stored {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event models.RuntimeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.events[event.TaskID] = append(s.events[event.TaskID], event)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, taskID string, afterSeq uint64) ([]models.RuntimeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RuntimeEvent
	for _, e := range s.events[taskID] {
		if e.Sequence > afterSeq {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) SaveTask(ctx context.Context, task *models.RuntimeTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.RuntimeTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &task, nil
}

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[key]
	return value, ok, nil
}

func (s *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) Settings(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
