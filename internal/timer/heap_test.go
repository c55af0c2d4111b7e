package timer

import (
	"sync"
	"testing"
	"time"
)

func TestScheduler_FiresAtDeadline(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	fired := make(chan struct{})
	err := s.Schedule("backoff-1", time.Now().Add(50*time.Millisecond), func() {
		close(fired)
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	fired := false
	var mu sync.Mutex
	s.Schedule("backoff-1", time.Now().Add(50*time.Millisecond), func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	if !s.Cancel("backoff-1") {
		t.Error("Cancel returned false for an armed entry")
	}

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	if fired {
		t.Error("callback fired despite being cancelled")
	}
	mu.Unlock()
}

func TestScheduler_FiresInDeadlineOrder(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	var results []int
	var mu sync.Mutex
	record := func(n int) func() {
		return func() {
			mu.Lock()
			results = append(results, n)
			mu.Unlock()
		}
	}

	// Armed out of order; must fire in deadline order.
	s.Schedule("c", time.Now().Add(150*time.Millisecond), record(3))
	s.Schedule("a", time.Now().Add(50*time.Millisecond), record(1))
	s.Schedule("b", time.Now().Add(100*time.Millisecond), record(2))

	time.Sleep(250 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 3 {
		t.Fatalf("expected 3 firings, got %d", len(results))
	}
	if results[0] != 1 || results[1] != 2 || results[2] != 3 {
		t.Errorf("fired in wrong order: %v", results)
	}
}

func TestScheduler_RearmReplacesEntry(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	count := 0
	var mu sync.Mutex
	s.Schedule("retry", time.Now().Add(100*time.Millisecond), func() {
		mu.Lock()
		count++
		mu.Unlock()
	})
	s.Schedule("retry", time.Now().Add(30*time.Millisecond), func() {
		mu.Lock()
		count += 10
		mu.Unlock()
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("expected only the re-armed entry to fire (count=10), got %d", count)
	}
}

func TestScheduler_ScheduleAfterStop(t *testing.T) {
	s := NewScheduler()
	s.Start()
	s.Stop()

	if err := s.Schedule("late", time.Now(), func() {}); err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestScheduler_Pending(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	s.Schedule("a", time.Now().Add(time.Hour), func() {})
	s.Schedule("b", time.Now().Add(2*time.Hour), func() {})

	if got := s.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
}
