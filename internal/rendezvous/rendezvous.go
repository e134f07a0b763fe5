// Package rendezvous implements the blocking cue/pause exchange: an agent
// opens a request against the shared store and polls until a human answers,
// the wait times out, or the caller's context ends.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-cue/internal/otel"
	"github.com/basket/go-cue/internal/store"
)

type mode string

const (
	modeCue   mode = "cue"
	modePause mode = "pause"
)

// Defaults for the poll loop. A cue wait gives the human ten minutes; a
// pause waits until resumed.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultCueTimeout   = 600 * time.Second
)

// pausePayload is the fixed confirmation card shown for a pause request.
const pausePayload = `{"type":"confirm","variant":"pause","text":"Paused. Click Continue when you are ready.","confirm_label":"Continue","cancel_label":""}`

const defaultPausePrompt = "Paused. Click Continue when you are ready."

// ResponseData is the human reply carried inside a Result.
type ResponseData struct {
	Text  string    `json:"text"`
	Files []FileRef `json:"files,omitempty"`
}

// Result is the outcome of a completed rendezvous, shaped for JSON output.
type Result struct {
	RequestID      string       `json:"request_id"`
	Cancelled      bool         `json:"cancelled"`
	Response       ResponseData `json:"response"`
	Contents       []Content    `json:"contents"`
	ConstraintText string       `json:"constraint_text,omitempty"`
}

// Waiter runs rendezvous exchanges against one store.
type Waiter struct {
	store        *store.Store
	logger       *slog.Logger
	pollInterval time.Duration
	metrics      *otel.Metrics
}

// NewWaiter wires a Waiter. pollInterval <= 0 selects the default; metrics
// may be nil.
func NewWaiter(st *store.Store, logger *slog.Logger, pollInterval time.Duration, metrics *otel.Metrics) *Waiter {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{store: st, logger: logger, pollInterval: pollInterval, metrics: metrics}
}

// Cue opens a request and blocks until a human replies or timeout elapses.
// timeout <= 0 selects the default; the context cancels the wait early and
// is treated like a timeout (the request is auto-cancelled so the console
// does not show an orphaned card).
func (w *Waiter) Cue(ctx context.Context, agentID, prompt, payload string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultCueTimeout
	}
	return w.wait(ctx, modeCue, agentID, prompt, payload, store.VariantNone, timeout)
}

// Pause opens a pause confirmation and blocks indefinitely until the human
// resumes (or the context ends).
func (w *Waiter) Pause(ctx context.Context, agentID, prompt string) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultPausePrompt
	}
	return w.wait(ctx, modePause, agentID, prompt, pausePayload, store.VariantPause, 0)
}

func (w *Waiter) wait(ctx context.Context, m mode, agentID, prompt, payload, variant string, timeout time.Duration) (*Result, error) {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.RendezvousWait.Record(ctx, time.Since(start).Seconds())
		}
	}()

	requestID, err := w.store.CreateRequest(ctx, agentID, prompt, payload, variant)
	if err != nil {
		return nil, err
	}
	w.logger.Info("rendezvous opened",
		"mode", string(m), "agent_id", agentID, "request_id", requestID)

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		resp, err := w.store.GetResponse(ctx, requestID)
		if err == nil {
			return w.finish(ctx, m, requestID, resp)
		}
		if !errors.Is(err, store.ErrResponseNotFound) {
			return nil, fmt.Errorf("poll response: %w", err)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return w.timeout(ctx, m, requestID)
		}

		select {
		case <-ctx.Done():
			// Best-effort cleanup on a detached context so the card closes.
			res, terr := w.timeoutDetached(m, requestID)
			if terr != nil {
				return nil, errors.Join(ctx.Err(), terr)
			}
			return res, nil
		case <-ticker.C:
		}
	}
}

// finish classifies a found response row into the three reply shapes.
func (w *Waiter) finish(ctx context.Context, m mode, requestID string, resp *store.Response) (*Result, error) {
	if resp.Cancelled {
		return &Result{
			RequestID: requestID,
			Cancelled: true,
			Contents:  cancelledContents(m),
		}, nil
	}

	data := ResponseData{Text: store.ParseResponseText(resp.ResponseJSON)}
	for _, f := range resp.Files {
		data.Files = append(data.Files, FileRef{Path: f.Path, MimeType: f.MimeType})
	}

	if strings.TrimSpace(data.Text) == "" && len(data.Files) == 0 {
		// An empty resume: cue closes the request itself, pause was already
		// completed by the resume write.
		if m == modeCue {
			if err := w.store.MarkRequestStatus(ctx, requestID, store.RequestCompleted); err != nil {
				return nil, err
			}
		}
		return &Result{
			RequestID: requestID,
			Response:  data,
			Contents:  emptyContents(m),
		}, nil
	}

	return &Result{
		RequestID:      requestID,
		Response:       data,
		Contents:       buildReplyContents(data.Text, data.Files),
		ConstraintText: ProtocolReminder,
	}, nil
}

// timeout cancels the request and synthesizes an empty cancelled response so
// late console reads see a closed exchange rather than a vanished one.
func (w *Waiter) timeout(ctx context.Context, m mode, requestID string) (*Result, error) {
	w.logger.Warn("rendezvous timed out", "mode", string(m), "request_id", requestID)
	if err := w.store.SendResponse(ctx, requestID, store.UserResponse{}, true); err != nil {
		return nil, fmt.Errorf("cancel timed out request: %w", err)
	}
	return &Result{
		RequestID: requestID,
		Cancelled: true,
		Contents:  timeoutContents(m),
	}, nil
}

func (w *Waiter) timeoutDetached(m mode, requestID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.timeout(ctx, m, requestID)
}
