package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainmsg/pkg/ipfs"
	"chainmsg/pkg/ledger"
	"chainmsg/pkg/logger"
	"chainmsg/pkg/models"
	"chainmsg/pkg/store"
)

// Engine reconciles the three sources of truth for messages: the local
// cache, the remote ledger and the content-addressed archive. It is an
// explicitly constructed instance; independent engines can coexist in
// one process.
type Engine struct {
	cache   *store.Store
	ledger  ledger.Ledger
	content ipfs.Store
}

// New wires an engine from its adapters.
func New(cache *store.Store, l ledger.Ledger, content ipfs.Store) *Engine {
	return &Engine{cache: cache, ledger: l, content: content}
}

// Cache exposes the engine's local cache handle for the overlay and
// aggregation call paths.
func (e *Engine) Cache() *store.Store { return e.cache }

// Send authors a message: archive the payload, mirror it locally, then
// best-effort insert into the remote ledger. The returned message is
// canonical and ready for immediate display. Only a local cache failure
// is surfaced; archival and remote-write failures degrade silently.
func (e *Engine) Send(ctx context.Context, sender string, key models.ConversationKey, content string) (models.Message, error) {
	if sender == "" {
		return models.Message{}, fmt.Errorf("sender is required")
	}
	if key.IsZero() {
		return models.Message{}, fmt.Errorf("conversation key is required")
	}
	if content == "" {
		return models.Message{}, fmt.Errorf("content is required")
	}

	now := time.Now().UTC().UnixMilli()
	m := models.Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Timestamp: now,
		ReadBy:    []string{sender},
	}
	if key.IsGroup() {
		m.GroupID = key.GroupID
	} else {
		m.Receiver = key.UserA
		if m.Receiver == sender {
			m.Receiver = key.UserB
		}
		if m.Receiver == sender {
			return models.Message{}, fmt.Errorf("cannot send a direct message to yourself")
		}
	}

	payload := models.ArchivePayload{
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		GroupID:   m.GroupID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	// Never raises: a pinning failure degrades to a placeholder locator.
	m.ContentHash = e.content.Publish(ctx, payload)

	// The cache write is the durability backstop and is unconditional;
	// it must happen regardless of the remote outcome.
	if err := e.cache.Append(m); err != nil {
		return models.Message{}, fmt.Errorf("local append failed: %w", err)
	}

	if err := e.ledger.Insert(ctx, m); err != nil {
		logger.Warn("remote_insert_failed", "id", m.ID, "error", err)
	}

	messagesSentTotal.Inc()
	logger.Info("message_sent", "id", m.ID, "conversation", key.String())
	return m, nil
}

// Fetch returns the merged, filtered and ordered view of a conversation
// for the given viewer. The remote ledger and the local cache are read
// concurrently; a remote failure degrades to local-only results.
func (e *Engine) Fetch(ctx context.Context, key models.ConversationKey, viewer string) ([]models.Message, error) {
	fetchTotal.Inc()

	remoteCh := make(chan []models.Message, 1)
	go func() {
		msgs, err := e.ledger.Query(ctx, key)
		if err != nil {
			logger.Warn("remote_query_failed", "conversation", key.String(), "error", err)
			msgs = nil
		}
		remoteCh <- msgs
	}()

	cached, err := e.cache.All()
	if err != nil {
		return nil, fmt.Errorf("local read failed: %w", err)
	}
	var local []models.Message
	for _, m := range cached {
		if key.Matches(m) {
			local = append(local, m)
		}
	}

	remote := <-remoteCh
	merged := mergeByID(remote, local)

	e.enrich(ctx, merged)

	hidden, err := e.cache.HiddenFor(viewer)
	if err != nil {
		return nil, fmt.Errorf("overlay read failed: %w", err)
	}
	out := merged[:0]
	for _, m := range merged {
		if _, ok := hidden[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// mergeByID starts from the remote result set, which is authoritative
// for any id both sources hold, and appends cache-only messages (sends
// the remote write missed). The one mutable field, read_by, merges as a
// set union so a receipt recorded on either side survives.
func mergeByID(remote, local []models.Message) []models.Message {
	merged := make([]models.Message, len(remote))
	index := make(map[string]int, len(remote))
	for i, m := range remote {
		merged[i] = m
		index[m.ID] = i
	}
	for _, m := range local {
		if i, ok := index[m.ID]; ok {
			merged[i].MergeReaders(m.ReadBy)
			continue
		}
		merged = append(merged, m)
	}
	return merged
}

// enrich resolves provider-issued locators in parallel and backfills
// content only where the merged record carries none. Failures and
// placeholder locators are ignored; display never blocks on archival.
func (e *Engine) enrich(ctx context.Context, msgs []models.Message) {
	var wg sync.WaitGroup
	for i := range msgs {
		if msgs[i].ContentHash == "" || ipfs.IsFallbackLocator(msgs[i].ContentHash) {
			continue
		}
		if msgs[i].Content != "" {
			continue
		}
		wg.Add(1)
		go func(m *models.Message) {
			defer wg.Done()
			if payload, ok := e.content.Resolve(ctx, m.ContentHash); ok {
				m.Content = payload.Content
			}
		}(&msgs[i])
	}
	wg.Wait()
}

// MarkRead records that the viewer has observed the given messages. The
// local cache is updated first; the remote append is best-effort per id
// and a failure never blocks the remaining ids. Appends are idempotent,
// so a failed id is safely retried on the next call.
func (e *Engine) MarkRead(ctx context.Context, messageIDs []string, viewer string) error {
	if viewer == "" {
		return fmt.Errorf("viewer is required")
	}
	for _, id := range messageIDs {
		m, ok, err := e.cache.Get(id)
		if err != nil {
			return err
		}
		if ok {
			if !m.AddReader(viewer) {
				continue
			}
			if err := e.cache.Append(m); err != nil {
				return err
			}
		}
		if err := e.ledger.AppendReader(ctx, id, viewer); err != nil {
			logger.Warn("read_receipt_write_failed", "id", id, "user", viewer, "error", err)
		}
	}
	return nil
}

// Hide removes a message from the viewer's own view only. The shared
// history is never mutated.
func (e *Engine) Hide(messageID, viewer string) error {
	return e.cache.Hide(messageID, viewer)
}

// RestoreHidden clears the viewer's entire hidden set.
func (e *Engine) RestoreHidden(viewer string) error {
	return e.cache.ClearHidden(viewer)
}
