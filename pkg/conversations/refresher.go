package conversations

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chainmsg/pkg/logger"
	"chainmsg/pkg/models"
)

// Refresher recomputes previews for every conversation the viewer holds
// on a cron schedule, keeping conversation-list previews current even
// while no conversation is selected.
type Refresher struct {
	agg        *Aggregator
	viewer     string
	cron       string
	onPreviews func([]models.Conversation)
}

// NewRefresher builds a preview refresher. onPreviews receives each
// recomputed snapshot; it may be nil.
func NewRefresher(agg *Aggregator, viewer, cronExpr string, onPreviews func([]models.Conversation)) *Refresher {
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	return &Refresher{agg: agg, viewer: viewer, cron: cronExpr, onPreviews: onPreviews}
}

// Start validates the schedule and launches the refresh loop. It
// returns a cancel func that stops the loop.
func (r *Refresher) Start(ctx context.Context) (context.CancelFunc, error) {
	if !gronx.IsValid(r.cron) {
		return nil, fmt.Errorf("invalid preview cron expression: %s", r.cron)
	}
	ctx2, cancel := context.WithCancel(ctx)
	logger.Info("preview_refresher_started", "cron", r.cron, "viewer", r.viewer)
	go r.run(ctx2)
	return cancel, nil
}

// RunOnce recomputes all previews immediately.
func (r *Refresher) RunOnce(ctx context.Context) ([]models.Conversation, error) {
	convs, err := r.agg.List(r.viewer)
	if err != nil {
		return nil, err
	}
	previews := r.agg.Preview(ctx, r.viewer, convs)
	if r.onPreviews != nil {
		r.onPreviews(previews)
	}
	return previews, nil
}

func (r *Refresher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("preview_refresher_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(r.cron, now, false)
		if err != nil {
			logger.Error("preview_nexttick_failed", "cron", r.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("preview_refresher_stopping")
			return
		}

		if _, err := r.RunOnce(ctx); err != nil {
			logger.Warn("preview_refresh_failed", "error", err)
		}
	}
}
