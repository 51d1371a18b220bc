package agent

import "sync"

// sessionQueue serializes work per session key. Each call chains behind
// the previous call for the same key, giving FIFO order with at most
// one function running per session at a time. Different keys never
// block each other.
type sessionQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newSessionQueue() *sessionQueue {
	return &sessionQueue{tails: make(map[string]chan struct{})}
}

// do runs fn after all previously enqueued functions for key have
// finished. It blocks until fn returns.
func (q *sessionQueue) do(key string, fn func()) {
	q.mu.Lock()
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.mu.Unlock()

	if prev != nil {
		<-prev
	}

	defer func() {
		close(done)
		q.mu.Lock()
		// Only the last waiter removes the entry; a newer waiter may
		// have replaced the tail already.
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}()

	fn()
}
