package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// exerciseStore runs the behaviour every Store implementation shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	user := models.UserMessage("fix the build")
	user.ID = "m1"
	user.SessionID = "s1"
	assistant := models.AssistantMessage(
		models.TextPart("reading"),
		models.ToolCallPart("call_1", "read_file", []byte(`{"path":"go.mod"}`), map[string]any{"thought_signature": "sig"}),
	)
	assistant.ID = "m2"
	assistant.SessionID = "s1"
	other := models.UserMessage("elsewhere")
	other.ID = "m3"
	other.SessionID = "s2"

	for _, msg := range []*models.Message{user, assistant, other} {
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage(%s): %v", msg.ID, err)
		}
	}
	msgs, err := store.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("messages = %+v", msgs)
	}
	calls := msgs[1].ToolCalls()
	if len(calls) != 1 || calls[0].Name != "read_file" || calls[0].Metadata["thought_signature"] != "sig" {
		t.Fatalf("tool calls = %+v", calls)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		e := models.NewRuntimeEvent(models.EventToken, "t1", "s1")
		e.Sequence = seq
		e.Text = "x"
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	events, err := store.ListEvents(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 2 || events[1].Sequence != 3 {
		t.Fatalf("events = %+v", events)
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask(missing) error = %v", err)
	}
	created := time.Now().UTC().Truncate(time.Second)
	task := &models.RuntimeTask{ID: "t1", SessionID: "s1", State: models.TaskRunning, Model: "openai/gpt-4o", CreatedAt: created, StartedAt: &created}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	task.State = models.TaskCompleted
	task.Iterations = 2
	task.CompletedAt = &created
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask update: %v", err)
	}
	got, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != models.TaskCompleted || got.Iterations != 2 || got.CompletedAt == nil || got.StartedAt == nil {
		t.Fatalf("task = %+v", got)
	}

	if _, ok, err := store.GetSetting(ctx, "api_key_openai"); err != nil || ok {
		t.Fatalf("GetSetting(missing) = %v, %v", ok, err)
	}
	if err := store.SetSetting(ctx, "api_key_openai", "sk-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSetting(ctx, "api_key_openai", "sk-2"); err != nil {
		t.Fatal(err)
	}
	value, ok, err := store.GetSetting(ctx, "api_key_openai")
	if err != nil || !ok || value != "sk-2" {
		t.Fatalf("GetSetting = %q, %v, %v", value, ok, err)
	}
	all, err := store.Settings(ctx)
	if err != nil || len(all) != 1 || all["api_key_openai"] != "sk-2" {
		t.Fatalf("Settings = %v, %v", all, err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	msg := models.UserMessage("original")
	msg.SessionID = "s1"
	if err := store.AppendMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Content.Text = "mutated"

	msgs, _ := store.ListMessages(ctx, "s1")
	if msgs[0].Content.Text != "original" {
		t.Fatalf("stored message was mutated: %q", msgs[0].Content.Text)
	}
	if msgs[0].ID == "" {
		t.Fatal("expected a generated id")
	}

	_ = store.Close()
	if err := store.AppendMessage(ctx, msg); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close error = %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "codeloop.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)

	applied, err := store.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("second Migrate applied %v", applied)
	}
}
