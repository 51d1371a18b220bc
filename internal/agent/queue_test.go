package agent

import (
	"sync"
	"testing"
	"time"
)

func TestQueueSerializesPerKey(t *testing.T) {
	q := newSessionQueue()

	var mu sync.Mutex
	var order []int
	running := 0
	maxRunning := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.do("s1", func() {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
			})
		}()
		// Stagger submissions so arrival order is deterministic.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("max concurrent = %d, want 1", maxRunning)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want FIFO", order)
		}
	}
}

func TestQueueIndependentKeys(t *testing.T) {
	q := newSessionQueue()

	blockerStarted := make(chan struct{})
	release := make(chan struct{})
	go q.do("slow", func() {
		close(blockerStarted)
		<-release
	})
	<-blockerStarted

	done := make(chan struct{})
	go q.do("fast", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("work for an unrelated session was blocked")
	}
	close(release)
}

func TestQueueCleansUpIdleKeys(t *testing.T) {
	q := newSessionQueue()
	q.do("s1", func() {})

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tails) != 0 {
		t.Errorf("tails = %d after drain, want 0", len(q.tails))
	}
}
