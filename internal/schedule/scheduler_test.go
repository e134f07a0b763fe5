package schedule_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-cue/internal/schedule"
	"github.com/basket/go-cue/internal/store"
)

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := schedule.NextRunTime("0 9 * * *", now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	next, err = schedule.NextRunTime("*/15 * * * *", now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !next.Equal(time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC)) {
		t.Fatalf("next = %v", next)
	}
}

func TestValidateExpr(t *testing.T) {
	if err := schedule.ValidateExpr("*/5 * * * *"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := schedule.ValidateExpr("not a cron"); err == nil {
		t.Fatal("garbage expression accepted")
	}
	// 6-field (seconds) expressions are not part of the accepted format.
	if err := schedule.ValidateExpr("0 0 9 * * *"); err == nil {
		t.Fatal("6-field expression accepted")
	}
}

func TestScheduler_FiresDueScheduleIntoQueue(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "cue.db"), nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	sched, err := st.CreateSchedule(ctx, store.ConvAgent, "fox", "*/1 * * * *",
		`{"text":"standup time"}`, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	s := schedule.NewScheduler(schedule.Config{Store: st, Interval: 10 * time.Millisecond})
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		items, err := st.ListQueue(ctx, store.ConvAgent, "fox")
		if err != nil {
			t.Fatalf("list queue: %v", err)
		}
		if len(items) > 0 {
			if items[0].MessageJSON != `{"text":"standup time"}` {
				t.Fatalf("queued message = %q", items[0].MessageJSON)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("schedule never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The run advanced next_run_at, so the schedule is no longer due.
	got, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("next_run_at not advanced: %+v", got)
	}
	if got.LastRunAt == nil {
		t.Fatal("last_run_at not recorded")
	}
}

func TestScheduler_DisablesUnparseableExpression(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "cue.db"), nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	// An expression can become unparseable after a stricter parser upgrade;
	// seed one directly since CreateSchedule would validate it upstream.
	sched, err := st.CreateSchedule(ctx, store.ConvAgent, "fox", "*/1 * * * *",
		`{"text":"x"}`, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if _, err := st.DB().Exec(`UPDATE schedules SET cron_expr = 'broken' WHERE id = ?;`, sched.ID); err != nil {
		t.Fatalf("break expr: %v", err)
	}

	s := schedule.NewScheduler(schedule.Config{Store: st, Interval: 10 * time.Millisecond})
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := st.GetSchedule(ctx, sched.ID)
		if err != nil {
			t.Fatalf("get schedule: %v", err)
		}
		if !got.Enabled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("broken schedule never disabled")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
