package conversations

import (
	"context"
	"sync"
	"time"

	"chainmsg/pkg/engine"
	"chainmsg/pkg/logger"
	"chainmsg/pkg/models"
)

// State is the poller's lifecycle for the selected conversation.
type State int

const (
	// Idle means no conversation is selected and no timer is armed.
	Idle State = iota
	// Loading means a refresh is in flight.
	Loading
	// Loaded means the last refresh completed; the timer is armed.
	Loaded
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "idle"
	}
}

// Update carries a refreshed message list for the selected conversation.
type Update struct {
	Conversation models.ConversationKey
	Messages     []models.Message
}

// Poller drives periodic refresh of the selected conversation for one
// user session. Selecting a conversation cancels the previous one's
// timer; a still-in-flight fetch for an abandoned conversation may
// complete, but its result is discarded by generation check and never
// overwrites the now-active conversation.
type Poller struct {
	eng      *engine.Engine
	viewer   string
	interval time.Duration
	onUpdate func(Update)

	mu        sync.Mutex
	state     State
	active    models.ConversationKey
	gen       uint64
	cancel    context.CancelFunc
	lastCount int
	snapshot  []models.Message
}

// NewPoller builds a poller for one viewer. onUpdate fires only when a
// refresh observed a changed message count; it may be nil.
func NewPoller(eng *engine.Engine, viewer string, interval time.Duration, onUpdate func(Update)) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{eng: eng, viewer: viewer, interval: interval, onUpdate: onUpdate}
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Active returns the currently selected conversation key.
func (p *Poller) Active() models.ConversationKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Snapshot returns the most recent applied message list.
func (p *Poller) Snapshot() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Message, len(p.snapshot))
	copy(out, p.snapshot)
	return out
}

// Select makes key the active conversation and starts its refresh loop,
// cancelling any previous one first.
func (p *Poller) Select(key models.ConversationKey) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	gen := p.gen
	p.active = key
	p.state = Loading
	p.lastCount = -1
	p.snapshot = nil
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	logger.Info("conversation_selected", "conversation", key.String())
	go p.loop(ctx, gen, key)
}

// Deselect stops polling and returns the poller to Idle. The refresh
// timer is cancelled immediately.
func (p *Poller) Deselect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	p.active = models.ConversationKey{}
	p.state = Idle
	p.snapshot = nil
	p.lastCount = -1
	logger.Info("conversation_deselected")
}

func (p *Poller) loop(ctx context.Context, gen uint64, key models.ConversationKey) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		msgs, err := p.eng.Fetch(ctx, key, p.viewer)
		if err != nil {
			logger.Warn("poll_fetch_failed", "conversation", key.String(), "error", err)
		}

		var cb func(Update)
		p.mu.Lock()
		if p.gen != gen {
			// A different conversation was selected while this fetch
			// was in flight; its result must not be applied.
			p.mu.Unlock()
			return
		}
		p.state = Loaded
		if err == nil {
			// Only a changed message count updates the visible
			// snapshot; receipt-only churn is skipped.
			if len(msgs) != p.lastCount {
				p.lastCount = len(msgs)
				p.snapshot = msgs
				cb = p.onUpdate
			}
		}
		p.mu.Unlock()

		if cb != nil {
			pollRefreshTotal.Inc()
			cb(Update{Conversation: key, Messages: msgs})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.gen != gen {
				p.mu.Unlock()
				return
			}
			p.state = Loading
			p.mu.Unlock()
		}
	}
}
