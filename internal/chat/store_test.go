package chat

import (
	"testing"
	"time"
)

func TestNewStoreDefaultMax(t *testing.T) {
	store := NewStore(0)
	if store.maxPerSession != 1000 {
		t.Errorf("expected default maxPerSession = 1000, got %d", store.maxPerSession)
	}
	store = NewStore(-1)
	if store.maxPerSession != 1000 {
		t.Errorf("expected default maxPerSession = 1000, got %d", store.maxPerSession)
	}
}

func TestCreateAndGet(t *testing.T) {
	store := NewStore(100)
	session := store.Create("/tmp/project")

	if session.ID == "" {
		t.Fatal("session id not assigned")
	}
	if session.WorkingDir != "/tmp/project" {
		t.Errorf("working dir = %q", session.WorkingDir)
	}
	if session.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	got, ok := store.Get(session.ID)
	if !ok {
		t.Fatal("session not found after create")
	}
	if got.ID != session.ID {
		t.Errorf("got id %q, want %q", got.ID, session.ID)
	}
}

func TestGetMissing(t *testing.T) {
	store := NewStore(100)
	if _, ok := store.Get("nope"); ok {
		t.Error("expected missing session")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewStore(100)
	session := store.Create("/tmp")

	got, _ := store.Get(session.ID)
	got.WorkingDir = "/elsewhere"

	fresh, _ := store.Get(session.ID)
	if fresh.WorkingDir != "/tmp" {
		t.Error("mutating a returned session leaked into the store")
	}
}

func TestListOrderedByCreation(t *testing.T) {
	store := NewStore(100)
	first := store.Create("/a")
	time.Sleep(time.Millisecond)
	second := store.Create("/b")
	time.Sleep(time.Millisecond)
	third := store.Create("/c")

	list := store.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	wantOrder := []string{first.ID, second.ID, third.ID}
	for i, session := range list {
		if session.ID != wantOrder[i] {
			t.Errorf("position %d = %s, want %s", i, session.ID, wantOrder[i])
		}
	}
}

func TestDelete(t *testing.T) {
	store := NewStore(100)
	keep := store.Create("/keep")
	drop := store.Create("/drop")
	store.Append(keep.ID, RoleUser, "stays")
	store.Append(drop.ID, RoleUser, "goes")

	if !store.Delete(drop.ID) {
		t.Fatal("delete reported missing session")
	}
	if store.Delete(drop.ID) {
		t.Error("second delete should report false")
	}
	if _, ok := store.Get(drop.ID); ok {
		t.Error("session still present after delete")
	}
	if msgs := store.Messages(drop.ID, 0, time.Time{}); len(msgs) != 0 {
		t.Errorf("transcript survived delete: %d entries", len(msgs))
	}
	if msgs := store.Messages(keep.ID, 0, time.Time{}); len(msgs) != 1 {
		t.Errorf("delete touched another session's transcript")
	}
}

func TestAppendTrimsOldest(t *testing.T) {
	store := NewStore(3)
	session := store.Create("/tmp")

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		store.Append(session.ID, RoleAssistant, text)
	}

	msgs := store.Messages(session.ID, 0, time.Time{})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after trimming, got %d", len(msgs))
	}
	want := []string{"three", "four", "five"}
	for i, msg := range msgs {
		if msg.Text != want[i] {
			t.Errorf("message %d = %q, want %q", i, msg.Text, want[i])
		}
	}
}

func TestAppendToMissingSessionDropped(t *testing.T) {
	store := NewStore(100)
	if msg := store.Append("ghost", RoleUser, "hello"); msg != nil {
		t.Error("append to missing session should be dropped")
	}
}

func TestMessagesWithLimit(t *testing.T) {
	store := NewStore(100)
	session := store.Create("/tmp")
	for i := 0; i < 10; i++ {
		store.Append(session.ID, RoleAssistant, "entry")
	}

	msgs := store.Messages(session.ID, 3, time.Time{})
	if len(msgs) != 3 {
		t.Errorf("expected 3 messages with limit, got %d", len(msgs))
	}
}

func TestMessagesWithSince(t *testing.T) {
	store := NewStore(100)
	session := store.Create("/tmp")
	store.Append(session.ID, RoleUser, "early")
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	store.Append(session.ID, RoleAssistant, "late")

	msgs := store.Messages(session.ID, 0, cutoff)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after cutoff, got %d", len(msgs))
	}
	if msgs[0].Text != "late" {
		t.Errorf("message = %q, want %q", msgs[0].Text, "late")
	}
}

func TestMessagesReturnsCopies(t *testing.T) {
	store := NewStore(100)
	session := store.Create("/tmp")
	store.Append(session.ID, RoleUser, "original")

	first := store.Messages(session.ID, 0, time.Time{})
	first[0].Text = "mutated"

	second := store.Messages(session.ID, 0, time.Time{})
	if second[0].Text != "original" {
		t.Error("mutating a returned message leaked into the store")
	}
}

func TestStartProcessingClaims(t *testing.T) {
	store := NewStore(100)
	session := store.Create("/tmp")

	claimed, found := store.StartProcessing(session.ID)
	if !found || !claimed {
		t.Fatalf("first claim = (%v, %v), want (true, true)", claimed, found)
	}
	claimed, found = store.StartProcessing(session.ID)
	if !found || claimed {
		t.Fatalf("second claim = (%v, %v), want (false, true)", claimed, found)
	}

	got, _ := store.Get(session.ID)
	if !got.Processing {
		t.Error("session not marked processing")
	}

	store.EndProcessing(session.ID)
	claimed, _ = store.StartProcessing(session.ID)
	if !claimed {
		t.Error("claim after release failed")
	}
}

func TestStartProcessingMissingSession(t *testing.T) {
	store := NewStore(100)
	if _, found := store.StartProcessing("ghost"); found {
		t.Error("expected missing session")
	}
}

func TestSetAgentSessionID(t *testing.T) {
	store := NewStore(100)
	session := store.Create("/tmp")
	store.SetAgentSessionID(session.ID, "agent-abc")

	got, _ := store.Get(session.ID)
	if got.AgentSessionID != "agent-abc" {
		t.Errorf("agent session id = %q, want agent-abc", got.AgentSessionID)
	}
}
