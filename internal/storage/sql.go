package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"   // postgres driver
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/haasonsaas/codeloop/pkg/models"
)

// Config selects and tunes the SQL backend.
type Config struct {
	// Driver is "sqlite" or "postgres". Default: sqlite.
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the connection string; for sqlite a file path or ":memory:".
	DSN string `yaml:"dsn" json:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// DefaultConfig returns pool settings for a local sqlite database.
func DefaultConfig() Config {
	return Config{
		Driver:          string(DialectSQLite),
		DSN:             "codeloop.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects, pings and migrates the configured database.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	store, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Connect opens and pings the configured database without migrating it.
func Connect(ctx context.Context, cfg Config) (*SQLStore, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("storage dsn is required")
	}
	defaults := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	db, err := sql.Open(dialect.driverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewSQLStore(db, dialect), nil
}

// NewSQLStore wraps an open database without migrating it.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal message content: %w", err)
	}
	var metadata []byte
	if len(msg.Metadata) > 0 {
		if metadata, err = json.Marshal(msg.Metadata); err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.exec(ctx,
		`INSERT INTO messages (id, session_id, task_id, role, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, msg.SessionID, msg.TaskID, string(msg.Role), string(content), nullableJSON(metadata), createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.query(ctx,
		`SELECT id, session_id, task_id, role, content, metadata, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			msg      models.Message
			role     string
			content  []byte
			metadata []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.TaskID, &role, &content, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if err := json.Unmarshal(content, &msg.Content); err != nil {
			return nil, fmt.Errorf("unmarshal message %s content: %w", msg.ID, err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal message %s metadata: %w", msg.ID, err)
			}
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, event models.RuntimeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	at := event.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.exec(ctx,
		`INSERT INTO runtime_events (task_id, sequence, type, session_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.TaskID, int64(event.Sequence), string(event.Type), event.SessionID, string(payload), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListEvents(ctx context.Context, taskID string, afterSeq uint64) ([]models.RuntimeEvent, error) {
	rows, err := s.query(ctx,
		`SELECT payload FROM runtime_events
		 WHERE task_id = ? AND sequence > ? ORDER BY sequence`, taskID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.RuntimeEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var event models.RuntimeEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveTask(ctx context.Context, task *models.RuntimeTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task is required")
	}
	_, err := s.exec(ctx,
		`INSERT INTO tasks (id, session_id, state, model, iterations, error, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state,
		   model = excluded.model,
		   iterations = excluded.iterations,
		   error = excluded.error,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at`,
		task.ID, task.SessionID, string(task.State), task.Model, task.Iterations, task.Error,
		task.CreatedAt.UTC(), nullTime(task.StartedAt), nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*models.RuntimeTask, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.queryRow(ctx,
		`SELECT id, session_id, state, model, iterations, error, created_at, started_at, completed_at
		 FROM tasks WHERE id = ?`, id)

	var (
		task      models.RuntimeTask
		state     string
		started   sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(&task.ID, &task.SessionID, &state, &task.Model, &task.Iterations, &task.Error,
		&task.CreatedAt, &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	task.State = models.TaskState(state)
	if started.Valid {
		t := started.Time
		task.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	}
	return &task, nil
}

func (s *SQLStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.queryRow(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStore) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	_, err := s.exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
