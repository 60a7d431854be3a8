package conversations

import (
	"testing"
	"time"

	"chainmsg/pkg/models"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestPollerLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.Cache().Append(models.Message{ID: "m1", Sender: "bob", Receiver: "alice", Content: "hi", Timestamp: 1, ReadBy: []string{"bob"}}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	var updates []Update
	p := NewPoller(eng, "alice", 10*time.Millisecond, func(u Update) {
		updates = append(updates, u)
	})
	if p.State() != Idle {
		t.Fatalf("expected idle before select, got %v", p.State())
	}

	key := models.DirectKey("alice", "bob")
	p.Select(key)

	waitFor(t, func() bool { return p.State() == Loaded && len(p.Snapshot()) == 1 }, "first refresh")
	if p.Active() != key {
		t.Fatalf("expected active key %v, got %v", key, p.Active())
	}
	if got := p.Snapshot(); got[0].ID != "m1" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	p.Deselect()
	if p.State() != Idle {
		t.Fatalf("expected idle after deselect, got %v", p.State())
	}
	if !p.Active().IsZero() {
		t.Fatalf("expected no active conversation, got %v", p.Active())
	}
	if len(p.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot after deselect")
	}
}

func TestPollerDetectsNewMessages(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.Cache().Append(models.Message{ID: "m1", Sender: "bob", Receiver: "alice", Timestamp: 1, ReadBy: []string{"bob"}}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	p := NewPoller(eng, "alice", 10*time.Millisecond, nil)
	key := models.DirectKey("alice", "bob")
	p.Select(key)
	defer p.Deselect()

	waitFor(t, func() bool { return len(p.Snapshot()) == 1 }, "initial snapshot")

	if err := eng.Cache().Append(models.Message{ID: "m2", Sender: "bob", Receiver: "alice", Timestamp: 2, ReadBy: []string{"bob"}}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	waitFor(t, func() bool { return len(p.Snapshot()) == 2 }, "snapshot after new message")
}

func TestPollerSelectSwitchesConversation(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.Cache().Append(models.Message{ID: "m1", Sender: "bob", Receiver: "alice", Timestamp: 1, ReadBy: []string{"bob"}}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := eng.Cache().Append(models.Message{ID: "m2", Sender: "carol", Receiver: "alice", Timestamp: 2, ReadBy: []string{"carol"}}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	p := NewPoller(eng, "alice", 10*time.Millisecond, nil)
	defer p.Deselect()

	p.Select(models.DirectKey("alice", "bob"))
	// Immediately switch; the first conversation's result must never
	// land in the snapshot once a newer selection exists.
	p.Select(models.DirectKey("alice", "carol"))

	waitFor(t, func() bool {
		s := p.Snapshot()
		return len(s) == 1 && s[0].ID == "m2"
	}, "snapshot for the second selection")
	if p.Active() != models.DirectKey("alice", "carol") {
		t.Fatalf("expected carol conversation active, got %v", p.Active())
	}
}
