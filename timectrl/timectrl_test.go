package timectrl

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/ran-scheduler/model"
)

func TestStepAdvancesSlotAndTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewSlotController(1, start, Accelerated)

	var seen []model.SlotPoint
	tc.AddListener(func(sl model.SlotPoint, _ time.Time) { seen = append(seen, sl) })

	if tc.Current().Valid() {
		t.Fatalf("Current() valid before the first step")
	}
	tc.Step()
	tc.Step()
	tc.Step()

	if got := tc.Current(); got != model.SlotPointFromCount(1, 2) {
		t.Fatalf("Current() = %s, want slot 2", got)
	}
	if want := start.Add(time.Millisecond); !tc.Now().Equal(want) {
		t.Fatalf("Now() = %v, want %v", tc.Now(), want)
	}
	if len(seen) != 3 || seen[0].Count() != 0 || seen[2].Count() != 2 {
		t.Fatalf("listener saw %v", seen)
	}
}

func TestStartAcceleratedRunsRequestedSlots(t *testing.T) {
	tc := NewSlotController(0, time.Unix(0, 0), Accelerated)
	n := 0
	tc.AddListener(func(model.SlotPoint, time.Time) { n++ })

	<-tc.Start(context.Background(), 25)
	if n != 25 {
		t.Fatalf("listener called %d times, want 25", n)
	}
	if got := tc.Current().Count(); got != 24 {
		t.Fatalf("last slot = %d, want 24", got)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	tc := NewSlotController(3, time.Unix(0, 0), RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	done := tc.Start(ctx, 0)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not stop after cancel")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", RealTime, false},
		{"RealTime", RealTime, false},
		{"accelerated", Accelerated, false},
		{"warp", RealTime, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
