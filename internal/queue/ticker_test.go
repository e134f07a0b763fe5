package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-cue/internal/queue"
	"github.com/basket/go-cue/internal/store"
)

func TestTicker_DeliversWhileHoldingLease(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rid, err := st.CreateRequest(ctx, "fox", "go?", "", store.VariantNone)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := st.Enqueue(ctx, store.ConvAgent, "fox", `{"text":"ticked"}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ticker := queue.NewTicker(queue.TickerConfig{
		Store:     st,
		Processor: queue.NewProcessor(queue.ProcessorConfig{Store: st}),
		WorkerID:  "w1",
		Interval:  10 * time.Millisecond,
	})
	ticker.Start(ctx)
	defer ticker.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := st.GetResponse(ctx, rid); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ticker never delivered the queued message")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTicker_StopReleasesLease(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ticker := queue.NewTicker(queue.TickerConfig{
		Store:     st,
		Processor: queue.NewProcessor(queue.ProcessorConfig{Store: st}),
		WorkerID:  "w1",
		Interval:  10 * time.Millisecond,
	})
	ticker.Start(ctx)

	// Wait until w1 actually holds the lease, then stop.
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := st.AcquireLease(ctx, store.DefaultLeaseKey, "watcher", time.Second)
		if err != nil {
			t.Fatalf("watcher lease: %v", err)
		}
		if !res.Acquired && res.HolderID == "w1" {
			break
		}
		if res.Acquired {
			// The watcher must not keep the lease from w1.
			if err := st.ReleaseLease(ctx, store.DefaultLeaseKey, "watcher"); err != nil {
				t.Fatalf("release watcher lease: %v", err)
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("ticker never took the lease")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ticker.Stop()

	res, err := st.AcquireLease(ctx, store.DefaultLeaseKey, "w2", 30*time.Second)
	if err != nil {
		t.Fatalf("w2 acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("lease not released on stop: %+v", res)
	}
}
