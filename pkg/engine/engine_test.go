package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"chainmsg/pkg/ipfs"
	"chainmsg/pkg/ledger"
	"chainmsg/pkg/models"
	"chainmsg/pkg/store"
)

// fakeLedger is an in-memory Ledger with switchable failure modes.
type fakeLedger struct {
	mu       sync.Mutex
	rows     map[string]models.Message
	failAll  bool
	inserted []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]models.Message{}}
}

func (f *fakeLedger) Insert(_ context.Context, m models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("ledger down")
	}
	f.rows[m.ID] = m
	f.inserted = append(f.inserted, m.ID)
	return nil
}

func (f *fakeLedger) Query(_ context.Context, key models.ConversationKey) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("ledger down")
	}
	var out []models.Message
	for _, m := range f.rows {
		if key.Matches(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeLedger) AppendReader(_ context.Context, messageID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("ledger down")
	}
	m, ok := f.rows[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, messageID)
	}
	m.AddReader(userID)
	f.rows[messageID] = m
	return nil
}

// fakeArchive resolves whatever was published through it.
type fakeArchive struct {
	mu       sync.Mutex
	payloads map[string]models.ArchivePayload
	n        int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{payloads: map[string]models.ArchivePayload{}}
}

func (f *fakeArchive) Publish(_ context.Context, payload models.ArchivePayload) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	loc := fmt.Sprintf("QmFake%d", f.n)
	f.payloads[loc] = payload
	return loc
}

func (f *fakeArchive) Resolve(_ context.Context, locator string) (models.ArchivePayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[locator]
	return p, ok
}

func (f *fakeArchive) Mode() models.PublishMode { return models.PublishPinned }

func newTestEngine(t *testing.T, l ledger.Ledger, content ipfs.Store) *Engine {
	t.Helper()
	cache, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	if content == nil {
		content = ipfs.NewClient(ipfs.Config{LocalLatency: -1})
	}
	return New(cache, l, content)
}

func TestSendUnconfiguredPublishing(t *testing.T) {
	l := newFakeLedger()
	eng := newTestEngine(t, l, nil)
	ctx := context.Background()

	m, err := eng.Send(ctx, "alice", models.DirectKey("alice", "bob"), "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if m.ID == "" {
		t.Fatalf("expected generated id")
	}
	if m.Receiver != "bob" {
		t.Fatalf("expected receiver bob, got %q", m.Receiver)
	}
	if !ipfs.IsFallbackLocator(m.ContentHash) {
		t.Fatalf("expected placeholder locator, got %q", m.ContentHash)
	}
	if len(m.ReadBy) != 1 || m.ReadBy[0] != "alice" {
		t.Fatalf("expected read_by seeded with sender, got %v", m.ReadBy)
	}

	msgs, err := eng.Fetch(ctx, models.DirectKey("alice", "bob"), "alice")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID || msgs[0].Content != "hello" {
		t.Fatalf("expected the sent message back, got %+v", msgs)
	}
}

func TestSendSurvivesLedgerOutage(t *testing.T) {
	l := newFakeLedger()
	l.failAll = true
	eng := newTestEngine(t, l, nil)
	ctx := context.Background()

	m, err := eng.Send(ctx, "alice", models.DirectKey("alice", "bob"), "hello")
	if err != nil {
		t.Fatalf("send must succeed when only the remote write fails: %v", err)
	}

	// The cache holds the message even though the remote insert failed,
	// and fetch degrades to local-only results.
	msgs, err := eng.Fetch(ctx, models.DirectKey("alice", "bob"), "alice")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("expected local-only result, got %+v", msgs)
	}
}

func TestSendValidation(t *testing.T) {
	eng := newTestEngine(t, newFakeLedger(), nil)
	ctx := context.Background()

	if _, err := eng.Send(ctx, "", models.DirectKey("alice", "bob"), "hi"); err == nil {
		t.Fatalf("expected error for empty sender")
	}
	if _, err := eng.Send(ctx, "alice", models.ConversationKey{}, "hi"); err == nil {
		t.Fatalf("expected error for zero key")
	}
	if _, err := eng.Send(ctx, "alice", models.DirectKey("alice", "bob"), ""); err == nil {
		t.Fatalf("expected error for empty content")
	}
	if _, err := eng.Send(ctx, "alice", models.DirectKey("alice", "alice"), "hi"); err == nil {
		t.Fatalf("expected error for self-addressed message")
	}
}

func TestFetchMergesReadReceipts(t *testing.T) {
	l := newFakeLedger()
	eng := newTestEngine(t, l, nil)
	ctx := context.Background()
	key := models.DirectKey("alice", "bob")

	// Same id on both sides with diverged receipt sets; the merged view
	// must be one record with the union.
	m := models.Message{ID: "m1", Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: 100, ReadBy: []string{"alice", "carol"}}
	l.rows["m1"] = m
	local := m
	local.ReadBy = []string{"alice", "bob"}
	if err := eng.Cache().Append(local); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	msgs, err := eng.Fetch(ctx, key, "alice")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one merged record, got %d", len(msgs))
	}
	for _, r := range []string{"alice", "bob", "carol"} {
		if !msgs[0].ReadByUser(r) {
			t.Fatalf("expected %s in merged read_by, got %v", r, msgs[0].ReadBy)
		}
	}
}

func TestFetchOrdersByTimestampThenID(t *testing.T) {
	l := newFakeLedger()
	eng := newTestEngine(t, l, nil)
	key := models.DirectKey("alice", "bob")

	for _, m := range []models.Message{
		{ID: "m5", Sender: "alice", Receiver: "bob", Timestamp: 5, ReadBy: []string{"alice"}},
		{ID: "m1", Sender: "bob", Receiver: "alice", Timestamp: 1, ReadBy: []string{"bob"}},
		{ID: "m3", Sender: "alice", Receiver: "bob", Timestamp: 3, ReadBy: []string{"alice"}},
		{ID: "m3b", Sender: "bob", Receiver: "alice", Timestamp: 3, ReadBy: []string{"bob"}},
	} {
		if err := eng.Cache().Append(m); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	msgs, err := eng.Fetch(context.Background(), key, "alice")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	want := []string{"m1", "m3", "m3b", "m5"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
}

func TestFetchEnrichesFromArchive(t *testing.T) {
	l := newFakeLedger()
	archive := newFakeArchive()
	eng := newTestEngine(t, l, archive)
	ctx := context.Background()
	key := models.DirectKey("alice", "bob")

	loc := archive.Publish(ctx, models.ArchivePayload{Sender: "bob", Receiver: "alice", Content: "archived text", Timestamp: 100})
	l.rows["m1"] = models.Message{ID: "m1", Sender: "bob", Receiver: "alice", Content: "", Timestamp: 100, ReadBy: []string{"bob"}, ContentHash: loc}

	msgs, err := eng.Fetch(ctx, key, "alice")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "archived text" {
		t.Fatalf("expected enriched content, got %+v", msgs)
	}
}

func TestFetchSkipsEnrichmentForPlaceholders(t *testing.T) {
	l := newFakeLedger()
	eng := newTestEngine(t, l, nil)
	key := models.DirectKey("alice", "bob")

	l.rows["m1"] = models.Message{ID: "m1", Sender: "bob", Receiver: "alice", Content: "", Timestamp: 100, ReadBy: []string{"bob"}, ContentHash: ipfs.FallbackLocator()}

	msgs, err := eng.Fetch(context.Background(), key, "alice")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "" {
		t.Fatalf("placeholder locators must not resolve, got %+v", msgs)
	}
}

func TestHideIsPerViewer(t *testing.T) {
	l := newFakeLedger()
	eng := newTestEngine(t, l, nil)
	ctx := context.Background()
	key := models.DirectKey("alice", "bob")

	m, err := eng.Send(ctx, "alice", key, "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := eng.Hide(m.ID, "alice"); err != nil {
		t.Fatalf("hide failed: %v", err)
	}

	aliceView, err := eng.Fetch(ctx, key, "alice")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(aliceView) != 0 {
		t.Fatalf("expected message hidden from alice, got %+v", aliceView)
	}
	bobView, err := eng.Fetch(ctx, key, "bob")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(bobView) != 1 {
		t.Fatalf("expected message still visible to bob, got %+v", bobView)
	}

	if err := eng.RestoreHidden("alice"); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	aliceView, err = eng.Fetch(ctx, key, "alice")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(aliceView) != 1 {
		t.Fatalf("expected message restored for alice, got %+v", aliceView)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	l := newFakeLedger()
	eng := newTestEngine(t, l, nil)
	ctx := context.Background()
	key := models.DirectKey("alice", "bob")

	m, err := eng.Send(ctx, "alice", key, "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := eng.MarkRead(ctx, []string{m.ID}, "bob"); err != nil {
			t.Fatalf("mark read failed: %v", err)
		}
	}

	got, ok, err := eng.Cache().Get(m.ID)
	if err != nil || !ok {
		t.Fatalf("cached message missing: ok=%v err=%v", ok, err)
	}
	if len(got.ReadBy) != 2 || !got.ReadByUser("bob") {
		t.Fatalf("expected exactly {alice, bob}, got %v", got.ReadBy)
	}
	remote := l.rows[m.ID]
	if len(remote.ReadBy) != 2 || !remote.ReadByUser("bob") {
		t.Fatalf("expected remote receipt recorded once, got %v", remote.ReadBy)
	}
}

func TestMarkReadSurvivesLedgerOutage(t *testing.T) {
	l := newFakeLedger()
	eng := newTestEngine(t, l, nil)
	ctx := context.Background()
	key := models.DirectKey("alice", "bob")

	m, err := eng.Send(ctx, "alice", key, "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	l.failAll = true
	if err := eng.MarkRead(ctx, []string{m.ID}, "bob"); err != nil {
		t.Fatalf("mark read must not surface remote failures: %v", err)
	}
	got, _, err := eng.Cache().Get(m.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.ReadByUser("bob") {
		t.Fatalf("expected local receipt despite remote outage, got %v", got.ReadBy)
	}
}

func TestSendGroupMessage(t *testing.T) {
	l := newFakeLedger()
	eng := newTestEngine(t, l, nil)
	ctx := context.Background()

	m, err := eng.Send(ctx, "alice", models.GroupKey("g1"), "hi all")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if m.GroupID != "g1" || m.Receiver != "" {
		t.Fatalf("expected group-addressed message, got %+v", m)
	}

	msgs, err := eng.Fetch(ctx, models.GroupKey("g1"), "bob")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("expected group message back, got %+v", msgs)
	}
}
