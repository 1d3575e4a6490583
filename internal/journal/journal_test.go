package journal

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/model"
)

func testJournal(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	t0 := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{WithRunID("run-1"), WithClock(func() time.Time { return t0 })}, opts...)
	j, err := Open(context.Background(), ":memory:", opts...)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// runUntilDrained starts Run, lets fn enqueue, then stops and waits.
func runUntilDrained(t *testing.T, j *Journal, fn func()) {
	t.Helper()
	fn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	j := testJournal(t)
	if err := j.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate error: %v", err)
	}
}

func TestRecordsAreStored(t *testing.T) {
	j := testJournal(t)
	sl := model.SlotPointFromCount(1, 42)
	runUntilDrained(t, j, func() {
		j.RecordRLF(0, 7, model.Downlink, 4, sl)
		j.RecordMissedDeadline(1, sl, 750*time.Microsecond)
		j.RecordMissedDeadline(0, sl.Add(1), 600*time.Microsecond)
	})

	ctx := context.Background()
	rlfs, err := j.RLFEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RLFEvents error: %v", err)
	}
	if len(rlfs) != 1 {
		t.Fatalf("got %d rlf events, want 1", len(rlfs))
	}
	if e := rlfs[0]; e.UE != 7 || e.Dir != "dl" || e.ConsecutiveKOs != 4 || e.Slot != sl.String() || e.RunID != "run-1" {
		t.Fatalf("rlf event = %+v", e)
	}

	missed, err := j.MissedDeadlines(ctx, 1)
	if err != nil {
		t.Fatalf("MissedDeadlines error: %v", err)
	}
	if len(missed) != 1 || missed[0].Elapsed != 750*time.Microsecond {
		t.Fatalf("cell 1 missed = %+v", missed)
	}
	all, err := j.MissedDeadlines(ctx, -1)
	if err != nil {
		t.Fatalf("MissedDeadlines error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d missed deadlines, want 2", len(all))
	}
}

func TestThroughputAggregatesAcrossFlushes(t *testing.T) {
	j := testJournal(t)
	sl := model.SlotPointFromCount(0, 10)
	result := func(s model.SlotPoint, newTx bool, tbs uint32) grant.Result {
		return grant.Result{Cell: 0, Slot: s, Grants: []model.Grant{
			{Kind: model.GrantDLControl, Cell: 0, Slot: s, UE: 3},
			{Kind: model.GrantPDSCH, Cell: 0, Slot: s, UE: 3, TBS: tbs, NewTx: newTx},
			{Kind: model.GrantPUSCH, Cell: 0, Slot: s, UE: 5, TBS: 100, NewTx: true},
		}}
	}
	runUntilDrained(t, j, func() {
		j.Deliver(result(sl, true, 1000))
		j.Deliver(result(sl.Add(1), false, 1000))
	})
	runUntilDrained(t, j, func() {
		j.Deliver(result(sl.Add(2), true, 500))
	})

	rows, err := j.Throughput(context.Background(), "")
	if err != nil {
		t.Fatalf("Throughput error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d throughput rows, want 2: %+v", len(rows), rows)
	}
	dl := rows[0]
	if dl.UE != 3 || dl.Dir != "dl" || dl.Bytes != 1500 || dl.Grants != 3 || dl.Retx != 1 {
		t.Fatalf("dl row = %+v", dl)
	}
	if dl.FirstSlot != sl.String() || dl.LastSlot != sl.Add(2).String() {
		t.Fatalf("dl row slots = %s..%s", dl.FirstSlot, dl.LastSlot)
	}
	if ul := rows[1]; ul.UE != 5 || ul.Dir != "ul" || ul.Bytes != 300 {
		t.Fatalf("ul row = %+v", ul)
	}
}

func TestFullQueueDrops(t *testing.T) {
	j := testJournal(t, WithBuffer(1))
	sl := model.SlotPointFromCount(0, 1)
	j.RecordMissedDeadline(0, sl, time.Millisecond)
	j.RecordMissedDeadline(0, sl.Add(1), time.Millisecond)
	if ok := j.Deliver(grant.Result{Cell: 0, Slot: sl}); !ok {
		t.Fatalf("first Deliver dropped")
	}
	if ok := j.Deliver(grant.Result{Cell: 0, Slot: sl.Add(1)}); ok {
		t.Fatalf("second Deliver accepted by a full queue")
	}
	if got := j.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestQueriesAfterClose(t *testing.T) {
	j := testJournal(t)
	if err := j.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err := j.RLFEvents(context.Background(), 1); err != ErrClosed {
		t.Fatalf("RLFEvents after Close = %v, want ErrClosed", err)
	}
}
