package sessions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/miosa-osa/osa/pkg/models"
)

func TestFileStoreAppendAndHistory(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	ctx := context.Background()

	turns := []models.Message{
		{Role: models.RoleUser, Content: "deploy the site"},
		{Role: models.RoleAssistant, Content: "running deploy"},
		{Role: models.RoleAssistant, Content: "deployed v2"},
	}
	for i := range turns {
		if err := s.Append(ctx, "sess-1", &turns[i]); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
		if turns[i].ID == "" {
			t.Errorf("Append(%d) did not assign message ID", i)
		}
	}

	got, err := s.History(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("History() returned %d messages, want 3", len(got))
	}
	for i, m := range got {
		if m.Content != turns[i].Content {
			t.Errorf("History()[%d].Content = %q, want %q", i, m.Content, turns[i].Content)
		}
		if m.SessionID != "sess-1" {
			t.Errorf("History()[%d].SessionID = %q, want sess-1", i, m.SessionID)
		}
	}

	// Limit keeps the most recent messages.
	tail, err := s.History(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("History(limit=2) error: %v", err)
	}
	if len(tail) != 2 || tail[0].Content != "running deploy" {
		t.Errorf("History(limit=2) = %v, want last two turns", tail)
	}
}

func TestFileStoreHistoryNotFound(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	if _, err := s.History(context.Background(), "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("History(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"../escape", "a/b", "", "x\x00y"} {
		msg := &models.Message{Role: models.RoleUser, Content: "hi"}
		if err := s.Append(ctx, id, msg); err == nil {
			t.Errorf("Append(%q) did not reject invalid session id", id)
		}
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	ctx := context.Background()

	if err := s.Append(ctx, "sess-1", &models.Message{Role: models.RoleUser, Content: "kept"}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "sess-1.jsonl"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	if _, err := f.WriteString("{broken\n"); err != nil {
		t.Fatalf("write corrupt line: %v", err)
	}
	f.Close()
	if err := s.Append(ctx, "sess-1", &models.Message{Role: models.RoleAssistant, Content: "also kept"}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, err := s.History(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("History() returned %d messages, want 2 (corrupt line skipped)", len(got))
	}
}

func TestFileStoreListAndDelete(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.Append(ctx, id, &models.Message{Role: models.RoleUser, Content: "x"}); err != nil {
			t.Fatalf("Append(%q) error: %v", id, err)
		}
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("List() returned %d sessions, want 2", len(ids))
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete(a) error: %v", err)
	}
	if err := s.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(a) again error = %v, want ErrNotFound", err)
	}
	if _, err := s.History(ctx, "a", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("History(a) after delete error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreTrimsOldMessages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < maxMessagesPerSession+10; i++ {
		if err := s.Append(ctx, "sess", &models.Message{Role: models.RoleUser, Content: "m"}); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}
	got, err := s.History(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(got) != maxMessagesPerSession {
		t.Errorf("History() returned %d messages, want %d", len(got), maxMessagesPerSession)
	}
}
