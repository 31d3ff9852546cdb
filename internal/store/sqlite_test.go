package store

import (
	"errors"
	"testing"
	"time"

	"github.com/peakform/coach/internal/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConversation(id, tenantID string, updatedAt time.Time) chat.Conversation {
	return chat.Conversation{
		ID:        id,
		TenantID:  tenantID,
		Title:     "quarterly review",
		Persona:   "coach",
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: updatedAt,
		Messages: []chat.Message{
			{ID: id + "-m1", Role: chat.RoleUser, Content: "how did q2 go?", Timestamp: updatedAt.Add(-time.Hour)},
			{
				ID: id + "-m2", Role: chat.RoleAssistant, Content: "Revenue grew 12%.", Timestamp: updatedAt,
				Metadata: &chat.Metadata{Phase: "answer", Tools: []string{"cashflow"}},
			},
		},
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 || versions[0] != 1 {
		t.Errorf("versions = %v, want migration 1 applied", versions)
	}
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	want := testConversation("c1", "acme", now)

	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get("c1", "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != want.Title || got.Persona != want.Persona || got.TenantID != "acme" {
		t.Errorf("got = %+v", got)
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, want.UpdatedAt)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	reply := got.Messages[1]
	if reply.Content != "Revenue grew 12%." {
		t.Errorf("reply content = %q", reply.Content)
	}
	if reply.Metadata == nil || reply.Metadata.Phase != "answer" || len(reply.Metadata.Tools) != 1 {
		t.Errorf("reply metadata = %+v", reply.Metadata)
	}
}

func TestSave_RequiresTenant(t *testing.T) {
	s := newTestStore(t)
	c := testConversation("c1", "", time.Now().UTC())

	if err := s.Save(c); err == nil {
		t.Fatal("Save accepted a conversation without a tenant")
	}
}

func TestSave_LastWriteWins(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first := testConversation("c1", "acme", now)
	if err := s.Save(first); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	second := first
	second.Title = "renamed thread"
	second.UpdatedAt = now.Add(time.Minute)
	second.Messages = append(second.Messages, chat.Message{
		ID: "c1-m3", Role: chat.RoleUser, Content: "and q3?", Timestamp: second.UpdatedAt,
	})
	if err := s.Save(second); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := s.Get("c1", "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "renamed thread" {
		t.Errorf("Title = %q, want the newer snapshot", got.Title)
	}
	if len(got.Messages) != 3 {
		t.Errorf("got %d messages, want 3", len(got.Messages))
	}
}

func TestGet_TenantScoped(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(testConversation("c1", "acme", time.Now().UTC())); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := s.Get("c1", "globex"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant Get = %v, want ErrNotFound", err)
	}
	if _, err := s.Get("missing", "acme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing Get = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if err := s.Save(testConversation("old", "acme", base)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(testConversation("new", "acme", base.Add(time.Hour))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(testConversation("other", "globex", base.Add(2*time.Hour))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.List("acme")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d conversations, want 2", len(got))
	}
	if got[0].ID != "new" || got[1].ID != "old" {
		t.Errorf("order = [%s %s], want most recently updated first", got[0].ID, got[1].ID)
	}
	if got[0].MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", got[0].MessageCount)
	}
}

func TestList_EmptyTenant(t *testing.T) {
	s := newTestStore(t)

	got, err := s.List("nobody")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty non-nil list", got)
	}
}

func TestRename(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(testConversation("c1", "acme", time.Now().UTC())); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Rename("c1", "acme", "margin deep dive"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, err := s.Get("c1", "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "margin deep dive" {
		t.Errorf("Title = %q", got.Title)
	}

	if err := s.Rename("c1", "globex", "stolen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant Rename = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(testConversation("c1", "acme", time.Now().UTC())); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Delete("c1", "globex"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant Delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete("c1", "acme"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("c1", "acme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete("c1", "acme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}
