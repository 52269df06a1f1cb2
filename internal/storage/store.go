// Package storage persists conversations, task records, the runtime event log
// and provider settings.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/codeloop/internal/agent/providers"
	"github.com/haasonsaas/codeloop/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Store is the persistence boundary of the runtime.
type Store interface {
	// AppendMessage stores one conversation turn. Messages are immutable
	// once appended.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// ListMessages returns a session's turns in append order.
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)

	// AppendEvent stores one runtime event. The event log is the complete
	// record consumers fall back to when the bus dropped events.
	AppendEvent(ctx context.Context, event models.RuntimeEvent) error

	// ListEvents returns a task's events with a sequence above afterSeq.
	ListEvents(ctx context.Context, taskID string, afterSeq uint64) ([]models.RuntimeEvent, error)

	SaveTask(ctx context.Context, task *models.RuntimeTask) error
	GetTask(ctx context.Context, id string) (*models.RuntimeTask, error)

	// GetSetting returns a setting and whether it exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	Settings(ctx context.Context) (map[string]string, error)

	Close() error
}

var (
	_ providers.SettingsReader = (Store)(nil)
	_ Store                    = (*MemoryStore)(nil)
	_ Store                    = (*SQLStore)(nil)
)
