package sim

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLoopRunsEventsInTimeOrder(t *testing.T) {
	loop := NewLoop(epoch)
	var order []string
	loop.Schedule(epoch.Add(3*time.Second), func() error { order = append(order, "c"); return nil })
	loop.Schedule(epoch.Add(1*time.Second), func() error { order = append(order, "a"); return nil })
	loop.Schedule(epoch.Add(2*time.Second), func() error { order = append(order, "b"); return nil })

	if err := loop.AdvanceTo(epoch.Add(2 * time.Second)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if got := len(order); got != 2 {
		t.Fatalf("expected 2 events by t=2s, got %d (%v)", got, order)
	}
	if err := loop.AdvanceTo(epoch.Add(10 * time.Second)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if want := "abc"; strings.Join(order, "") != want {
		t.Fatalf("order = %v, want %s", order, want)
	}
	if got := loop.Now(); !got.Equal(epoch.Add(10 * time.Second)) {
		t.Fatalf("Now() = %v, want %v", got, epoch.Add(10*time.Second))
	}
}

func TestLoopEqualTimesRunInEnqueueOrder(t *testing.T) {
	loop := NewLoop(epoch)
	at := epoch.Add(time.Second)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		loop.Schedule(at, func() error { order = append(order, name); return nil })
	}
	// Scheduled during the run at the same instant: goes after the others.
	loop.Schedule(at, func() error {
		loop.Schedule(at, func() error { order = append(order, "nested"); return nil })
		return nil
	})

	if err := loop.AdvanceTo(at); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	want := []string{"first", "second", "third", "nested"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLoopNowInsideCallback(t *testing.T) {
	loop := NewLoop(epoch)
	at := epoch.Add(1500 * time.Millisecond)
	var seen time.Time
	loop.Schedule(at, func() error { seen = loop.Now(); return nil })
	if err := loop.AdvanceTo(epoch.Add(time.Hour)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if !seen.Equal(at) {
		t.Fatalf("Now() inside callback = %v, want %v", seen, at)
	}
}

func TestLoopCancel(t *testing.T) {
	loop := NewLoop(epoch)
	ran := false
	id := loop.After(time.Second, func() error { ran = true; return nil })
	loop.Cancel(id)
	loop.Cancel(id)
	loop.Cancel(EventID(999))

	if err := loop.AdvanceTo(epoch.Add(2 * time.Second)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if ran {
		t.Fatalf("cancelled event ran")
	}
	if loop.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", loop.Pending())
	}
}

func TestLoopHaltsOnFirstError(t *testing.T) {
	loop := NewLoop(epoch)
	boom := errors.New("boom")
	ranAfter := false
	loop.After(time.Second, func() error { return boom })
	loop.After(2*time.Second, func() error { ranAfter = true; return nil })

	err := loop.AdvanceTo(epoch.Add(5 * time.Second))
	if !errors.Is(err, boom) {
		t.Fatalf("AdvanceTo error = %v, want boom", err)
	}
	if ranAfter {
		t.Fatalf("event after the failure ran")
	}
	if err := loop.AdvanceTo(epoch.Add(6 * time.Second)); !errors.Is(err, ErrHalted) {
		t.Fatalf("second AdvanceTo error = %v, want ErrHalted", err)
	}
	if !errors.Is(loop.Err(), boom) {
		t.Fatalf("Err() = %v, want boom", loop.Err())
	}
}

func TestLoopTimeIsMonotonic(t *testing.T) {
	loop := NewLoop(epoch.Add(time.Minute))
	if err := loop.AdvanceTo(epoch); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if got := loop.Now(); !got.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("Now() moved backwards to %v", got)
	}
}

func TestLoopPostFromOtherGoroutines(t *testing.T) {
	loop := NewLoop(epoch)
	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Post(func() error {
				mu.Lock()
				count++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if err := loop.AdvanceTo(epoch); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if count != 10 {
		t.Fatalf("posted callbacks run = %d, want 10", count)
	}
}

func TestRunUntilHonoursContext(t *testing.T) {
	loop := NewLoop(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	loop.After(time.Second, func() error { cancel(); return nil })
	ran := false
	loop.After(2*time.Second, func() error { ran = true; return nil })

	if err := loop.RunUntil(ctx, epoch.Add(time.Minute)); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunUntil error = %v, want context.Canceled", err)
	}
	if ran {
		t.Fatalf("event ran after cancellation")
	}
	if got := loop.Now(); !got.Equal(epoch.Add(time.Second)) {
		t.Fatalf("Now() = %v, want %v", got, epoch.Add(time.Second))
	}
}

func TestEveryRunsPeriodically(t *testing.T) {
	loop := NewLoop(epoch)
	var fired []time.Duration
	task := loop.Every(20*time.Millisecond, func() error {
		fired = append(fired, loop.Now().Sub(epoch))
		return nil
	})

	if err := loop.AdvanceTo(epoch.Add(65 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	want := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}

	task.Stop()
	if err := loop.AdvanceTo(epoch.Add(time.Second)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if len(fired) != 3 {
		t.Fatalf("task fired after Stop: %v", fired)
	}
	if !task.Stopped() {
		t.Fatalf("Stopped() = false after Stop")
	}
}

func TestEveryStopFromInsideCallback(t *testing.T) {
	loop := NewLoop(epoch)
	runs := 0
	var task *Task
	task = loop.Every(time.Millisecond, func() error {
		runs++
		if runs == 2 {
			task.Stop()
		}
		return nil
	})
	if err := loop.AdvanceTo(epoch.Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
}

func TestEveryPeriodicFiresBeforeLaterSameTimeEvents(t *testing.T) {
	loop := NewLoop(epoch)
	var order []string
	loop.Every(10*time.Millisecond, func() error { order = append(order, "periodic"); return nil })
	loop.Schedule(epoch.Add(10*time.Millisecond), func() error { order = append(order, "opportunistic"); return nil })

	if err := loop.AdvanceTo(epoch.Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if strings.Join(order, "") != "periodicopportunistic" {
		t.Fatalf("order = %v", order)
	}
}
