package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, RealTime)

	done := tc.Start(context.Background(), 15*time.Millisecond)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestAcceleratedNotifiesEveryTick(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Accelerated)

	var ticks []time.Time
	tc.AddListener(func(now time.Time) error {
		ticks = append(ticks, now)
		return nil
	})
	<-tc.Start(context.Background(), time.Hour)

	if len(ticks) != 3600 {
		t.Fatalf("ticks = %d, want 3600", len(ticks))
	}
	if !ticks[len(ticks)-1].Equal(start.Add(time.Hour)) {
		t.Fatalf("last tick = %v", ticks[len(ticks)-1])
	}
}

func TestListenerErrorStopsController(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Accelerated)
	boom := errors.New("boom")
	calls := 0
	tc.AddListener(func(time.Time) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})
	<-tc.Start(context.Background(), 0)

	if !errors.Is(tc.Err(), boom) {
		t.Fatalf("Err() = %v, want boom", tc.Err())
	}
	if got := tc.Now(); !got.Equal(start.Add(3 * time.Second)) {
		t.Fatalf("Now() = %v", got)
	}
}
