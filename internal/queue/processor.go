// Package queue delivers human-composed queued messages into open requests.
// One message per conversation is in flight at a time; delivery order is the
// queue position, and a message outlives any number of failed attempts.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/basket/go-cue/internal/bus"
	"github.com/basket/go-cue/internal/otel"
	"github.com/basket/go-cue/internal/store"
)

// PendingSweepAge is the default for how long a non-pause request may sit
// PENDING before the tick auto-cancels it. Keeps abandoned agents from
// pinning console cards. Tunable via queue.pending_timeout_minutes.
const PendingSweepAge = 10 * time.Minute

// TickResult summarizes one tick for callers and the CLI.
type TickResult struct {
	Claimed         int      `json:"claimed"`
	Sent            int      `json:"sent"`
	Rescheduled     int      `json:"rescheduled"`
	Failed          int      `json:"failed"`
	RemovedQueueIDs []string `json:"removedQueueIds"`
}

// ProcessorConfig holds the dependencies for a queue Processor. Bus and
// Metrics may be nil.
type ProcessorConfig struct {
	Store    *store.Store
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	SweepAge time.Duration // pending sweep age; defaults to PendingSweepAge
}

// Processor runs queue ticks against one store.
type Processor struct {
	store    *store.Store
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	sweepAge time.Duration
}

// NewProcessor creates a Processor with the given config.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = PendingSweepAge
	}
	return &Processor{
		store:    cfg.Store,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		sweepAge: cfg.SweepAge,
	}
}

// queuedMessage is the stored shape of message_json. Unknown fields are
// ignored and malformed JSON degrades to an empty message rather than
// poisoning the item.
type queuedMessage struct {
	Text     string                  `json:"text"`
	Images   []store.ImageAttachment `json:"images"`
	Mentions []store.Mention         `json:"mentions"`
}

// Tick runs one delivery pass: sweep stale pending requests, claim the due
// head item of each conversation, and deliver each into its conversation's
// open request(s). Items with no target are released with a short delay;
// delivery errors push the item back with exponential backoff.
func (p *Processor) Tick(ctx context.Context, workerID string, limit int) (*TickResult, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	p.sweepExpiredPending(ctx)

	claimed, err := p.store.ClaimDueQueueItems(ctx, workerID, limit)
	if err != nil {
		return nil, err
	}

	result := &TickResult{Claimed: len(claimed), RemovedQueueIDs: []string{}}
	for _, item := range claimed {
		p.deliver(ctx, item, result)
	}

	if result.Claimed > 0 {
		p.logger.Info("queue tick",
			"worker_id", workerID,
			"claimed", result.Claimed,
			"sent", result.Sent,
			"rescheduled", result.Rescheduled,
			"failed", result.Failed,
		)
	}
	return result, nil
}

func (p *Processor) deliver(ctx context.Context, item store.QueueItem, result *TickResult) {
	var msg queuedMessage
	// Malformed message_json falls through as an empty message.
	_ = json.Unmarshal([]byte(item.MessageJSON), &msg)

	resp := store.UserResponse{Text: msg.Text, Images: msg.Images, Mentions: msg.Mentions}

	targets, err := p.targetRequestIDs(ctx, item)
	if err != nil {
		p.fail(ctx, item, result, err)
		return
	}
	if len(targets) == 0 {
		if rerr := p.store.ReleaseQueueItem(ctx, item.ID, time.Now().Add(NoTargetDelay)); rerr != nil {
			p.fail(ctx, item, result, rerr)
			return
		}
		result.Rescheduled++
		if p.metrics != nil {
			p.metrics.QueueRescheduled.Add(ctx, 1)
		}
		p.bus.Publish(bus.TopicQueueRescheduled, bus.QueueEvent{
			ItemID: item.ID, ConvType: string(item.ConvType), ConvID: item.ConvID, Attempts: item.Attempts,
		})
		return
	}

	for _, rid := range targets {
		if err := p.store.SendResponse(ctx, rid, resp, false); err != nil {
			p.fail(ctx, item, result, err)
			return
		}
	}
	if err := p.store.DeleteQueueItem(ctx, item.ID); err != nil {
		p.fail(ctx, item, result, err)
		return
	}
	result.Sent++
	result.RemovedQueueIDs = append(result.RemovedQueueIDs, item.ID)
	if p.metrics != nil {
		p.metrics.QueueSent.Add(ctx, 1)
	}
	p.bus.Publish(bus.TopicQueueSent, bus.QueueEvent{
		ItemID: item.ID, ConvType: string(item.ConvType), ConvID: item.ConvID, Attempts: item.Attempts,
	})
}

// targetRequestIDs resolves where a claimed item should be delivered: the
// newest open request for an agent conversation, or every open request
// across a group's members.
func (p *Processor) targetRequestIDs(ctx context.Context, item store.QueueItem) ([]string, error) {
	if item.ConvType == store.ConvAgent {
		rid, err := p.store.LatestPendingRequestID(ctx, item.ConvID)
		if err != nil {
			return nil, err
		}
		if rid == "" {
			return nil, nil
		}
		return []string{rid}, nil
	}
	return p.store.GroupPendingRequestIDs(ctx, item.ConvID)
}

func (p *Processor) fail(ctx context.Context, item store.QueueItem, result *TickResult, cause error) {
	attempts := item.Attempts + 1
	nextRun := time.Now().Add(NextBackoff(attempts))
	if err := p.store.FailQueueItem(ctx, item.ID, attempts, nextRun); err != nil {
		p.logger.Error("record queue failure", "queue_id", item.ID, "error", err)
	}
	result.Failed++
	if p.metrics != nil {
		p.metrics.QueueFailed.Add(ctx, 1)
	}
	p.logger.Warn("queue delivery failed",
		"queue_id", item.ID, "attempts", attempts, "next_run_at", nextRun, "error", cause)
	p.bus.Publish(bus.TopicQueueFailed, bus.QueueEvent{
		ItemID: item.ID, ConvType: string(item.ConvType), ConvID: item.ConvID, Attempts: attempts,
	})
}

// sweepExpiredPending auto-cancels requests stuck PENDING past the sweep
// age. Pause confirmations are exempt; they wait for a human resume
// indefinitely. Sweep errors are logged, never fatal to the tick.
func (p *Processor) sweepExpiredPending(ctx context.Context) {
	cutoff := time.Now().Add(-p.sweepAge)
	ids, err := p.store.ExpiredPendingRequestIDs(ctx, cutoff)
	if err != nil {
		p.logger.Error("sweep query failed", "error", err)
		return
	}
	for _, rid := range ids {
		if err := p.store.SendResponse(ctx, rid, store.UserResponse{}, true); err != nil {
			p.logger.Error("sweep cancel failed", "request_id", rid, "error", err)
			continue
		}
		if p.metrics != nil {
			p.metrics.SweepCancelled.Add(ctx, 1)
		}
		p.bus.Publish(bus.TopicRequestCancelled, bus.RequestEvent{
			RequestID: rid, Status: string(store.RequestCancelled),
		})
	}
	if len(ids) > 0 {
		p.logger.Info("swept expired pending requests", "cancelled", len(ids))
	}
}
