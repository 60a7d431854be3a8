package conversations

import (
	"context"

	"chainmsg/pkg/engine"
	"chainmsg/pkg/logger"
	"chainmsg/pkg/models"
)

// Aggregator derives conversation previews (last message and unread
// count) for a viewer. Conversations are views: they are recomputed on
// every cycle, never stored.
type Aggregator struct {
	eng *engine.Engine
}

// NewAggregator builds an aggregator over the given engine.
func NewAggregator(eng *engine.Engine) *Aggregator {
	return &Aggregator{eng: eng}
}

// Preview fills LastMessage and UnreadCount on each conversation. A
// per-conversation fetch failure leaves that preview empty and moves on.
func (a *Aggregator) Preview(ctx context.Context, viewer string, convs []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, len(convs))
	for i, conv := range convs {
		out[i] = conv
		out[i].LastMessage = nil
		out[i].UnreadCount = 0

		key := conv.Key(viewer)
		if key.IsZero() {
			continue
		}
		msgs, err := a.eng.Fetch(ctx, key, viewer)
		if err != nil {
			logger.Warn("preview_fetch_failed", "conversation", key.String(), "error", err)
			continue
		}
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			out[i].LastMessage = &last
		}
		for _, m := range msgs {
			if m.Sender != viewer && !m.ReadByUser(viewer) {
				out[i].UnreadCount++
			}
		}
	}
	return out
}

// List derives the viewer's conversation set from local state: one
// direct conversation per peer seen in cached traffic, plus every
// stored group the viewer belongs to.
func (a *Aggregator) List(viewer string) ([]models.Conversation, error) {
	cached, err := a.eng.Cache().All()
	if err != nil {
		return nil, err
	}
	peers := map[string]struct{}{}
	for _, m := range cached {
		if m.GroupID != "" {
			continue
		}
		switch viewer {
		case m.Sender:
			peers[m.Receiver] = struct{}{}
		case m.Receiver:
			peers[m.Sender] = struct{}{}
		}
	}

	var out []models.Conversation
	for peer := range peers {
		if peer == "" {
			continue
		}
		out = append(out, models.Conversation{
			ID:           "conv_" + peer,
			Type:         models.ConversationDirect,
			Participants: []string{peer},
		})
	}

	groups, err := a.eng.Cache().Groups()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if !g.HasMember(viewer) {
			continue
		}
		grp := g
		out = append(out, models.Conversation{
			ID:           "conv_" + g.ID,
			Type:         models.ConversationGroup,
			Participants: g.Members,
			GroupInfo:    &grp,
		})
	}
	return out, nil
}
