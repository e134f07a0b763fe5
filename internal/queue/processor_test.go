package queue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-cue/internal/queue"
	"github.com/basket/go-cue/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cue.db"), nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newProcessor(st *store.Store) *queue.Processor {
	return queue.NewProcessor(queue.ProcessorConfig{Store: st})
}

func TestTick_DeliversQueuedMessageToPendingRequest(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	proc := newProcessor(st)

	rid, err := st.CreateRequest(ctx, "fox", "what next?", "", store.VariantNone)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := st.Enqueue(ctx, store.ConvAgent, "fox", `{"text":"keep going"}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := proc.Tick(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Claimed != 1 || res.Sent != 1 || res.Rescheduled != 0 || res.Failed != 0 {
		t.Fatalf("tick result = %+v, want sent:1", res)
	}
	if len(res.RemovedQueueIDs) != 1 {
		t.Fatalf("removed ids = %v", res.RemovedQueueIDs)
	}

	resp, err := st.GetResponse(ctx, rid)
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if got := store.ParseResponseText(resp.ResponseJSON); got != "keep going" {
		t.Fatalf("delivered text = %q", got)
	}

	items, err := st.ListQueue(ctx, store.ConvAgent, "fox")
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("queue not drained: %+v", items)
	}
}

func TestTick_NoTargetReschedulesWithDelay(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	proc := newProcessor(st)

	item, err := st.Enqueue(ctx, store.ConvAgent, "fox", `{"text":"early"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := proc.Tick(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Claimed != 1 || res.Rescheduled != 1 || res.Sent != 0 {
		t.Fatalf("tick result = %+v, want rescheduled:1", res)
	}

	got, err := st.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != store.QueueStatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if !got.NextRunAt.After(time.Now().UTC()) {
		t.Fatalf("next_run_at %v should be in the future", got.NextRunAt)
	}
	// The message survives; it delivers once the agent opens a request.
	if _, err := st.CreateRequest(ctx, "fox", "now open", "", store.VariantNone); err != nil {
		t.Fatalf("create request: %v", err)
	}
}

func TestTick_MessagesDeliverInQueueOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	proc := newProcessor(st)

	rid1, err := st.CreateRequest(ctx, "fox", "first?", "", store.VariantNone)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := st.Enqueue(ctx, store.ConvAgent, "fox", `{"text":"A"}`); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	if _, err := st.Enqueue(ctx, store.ConvAgent, "fox", `{"text":"B"}`); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}

	res, err := proc.Tick(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("tick 1 result = %+v, want sent:1 (head of line only)", res)
	}
	resp1, err := st.GetResponse(ctx, rid1)
	if err != nil {
		t.Fatalf("get response 1: %v", err)
	}
	if got := store.ParseResponseText(resp1.ResponseJSON); got != "A" {
		t.Fatalf("first delivery = %q, want A", got)
	}

	// B only delivers into the next exchange the agent opens.
	rid2, err := st.CreateRequest(ctx, "fox", "second?", "", store.VariantNone)
	if err != nil {
		t.Fatalf("create request 2: %v", err)
	}
	if _, err := proc.Tick(ctx, "w1", 10); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	resp2, err := st.GetResponse(ctx, rid2)
	if err != nil {
		t.Fatalf("get response 2: %v", err)
	}
	if got := store.ParseResponseText(resp2.ResponseJSON); got != "B" {
		t.Fatalf("second delivery = %q, want B", got)
	}
}

func TestTick_GroupFanOutDeliversToAllMembers(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	proc := newProcessor(st)

	g, err := st.CreateGroup(ctx, "pack")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	rids := make(map[string]string)
	for _, member := range []string{"fox", "owl"} {
		if err := st.AddGroupMember(ctx, g.ID, member); err != nil {
			t.Fatalf("add member: %v", err)
		}
		rid, err := st.CreateRequest(ctx, member, "ready", "", store.VariantNone)
		if err != nil {
			t.Fatalf("create request: %v", err)
		}
		rids[member] = rid
	}
	if _, err := st.Enqueue(ctx, store.ConvGroup, g.ID, `{"text":"everyone"}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := proc.Tick(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("tick result = %+v", res)
	}
	for member, rid := range rids {
		resp, err := st.GetResponse(ctx, rid)
		if err != nil {
			t.Fatalf("get response for %s: %v", member, err)
		}
		if got := store.ParseResponseText(resp.ResponseJSON); got != "everyone" {
			t.Fatalf("%s got %q", member, got)
		}
	}
}

func TestTick_SweepHonorsConfiguredAge(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	// A one-hour sweep age: requests younger than that must survive the tick.
	proc := queue.NewProcessor(queue.ProcessorConfig{Store: st, SweepAge: time.Hour})

	halfHour := time.Now().Add(-30 * time.Minute).UTC().Format("2006-01-02 15:04:05.000")
	if _, err := st.DB().Exec(`
		INSERT INTO cue_requests (request_id, agent_id, prompt, payload_variant, status, created_at, updated_at)
		VALUES ('req_cccccccccccc', 'fox', 'x', '', 'PENDING', ?, ?);
	`, halfHour, halfHour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := proc.Tick(ctx, "w1", 10); err != nil {
		t.Fatalf("tick: %v", err)
	}
	req, err := st.GetRequest(ctx, "req_cccccccccccc")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != store.RequestPending {
		t.Fatalf("status = %s, a 30min request must outlive a 1h sweep age", req.Status)
	}

	// The default-configured processor sweeps the same request.
	if _, err := newProcessor(st).Tick(ctx, "w1", 10); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	req, err = st.GetRequest(ctx, "req_cccccccccccc")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != store.RequestCancelled {
		t.Fatalf("status = %s, want CANCELLED under the 10min default", req.Status)
	}
}

func TestTick_SweepCancelsStalePendingButNotPause(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	proc := newProcessor(st)

	old := time.Now().Add(-time.Hour).UTC().Format("2006-01-02 15:04:05.000")
	seed := func(rid, variant string) {
		if _, err := st.DB().Exec(`
			INSERT INTO cue_requests (request_id, agent_id, prompt, payload_variant, status, created_at, updated_at)
			VALUES (?, 'fox', 'x', ?, 'PENDING', ?, ?);
		`, rid, variant, old, old); err != nil {
			t.Fatalf("seed %s: %v", rid, err)
		}
	}
	seed("req_aaaaaaaaaaaa", "")
	seed("req_bbbbbbbbbbbb", "pause")

	if _, err := proc.Tick(ctx, "w1", 10); err != nil {
		t.Fatalf("tick: %v", err)
	}

	swept, err := st.GetRequest(ctx, "req_aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("get swept: %v", err)
	}
	if swept.Status != store.RequestCancelled {
		t.Fatalf("stale request status = %s, want CANCELLED", swept.Status)
	}
	resp, err := st.GetResponse(ctx, "req_aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("get swept response: %v", err)
	}
	if !resp.Cancelled {
		t.Fatal("sweep should synthesize a cancelled response")
	}

	paused, err := st.GetRequest(ctx, "req_bbbbbbbbbbbb")
	if err != nil {
		t.Fatalf("get pause: %v", err)
	}
	if paused.Status != store.RequestPending {
		t.Fatalf("pause request status = %s, want PENDING", paused.Status)
	}
}
