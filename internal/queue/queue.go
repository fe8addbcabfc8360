// Package queue implements the outbound message queue a GatewayShard
// drains: a mutex-guarded deque with front/back insertion and a rate
// limiter pacing the drain so heartbeats and other urgent traffic
// never sit behind a large request-guild-members backlog.
package queue

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Queue is a FIFO of already-encoded outbound payloads, guarded by one
// mutex, matching the queue_mutex/message_queue pairing of the shard
// this is modeled on — but with a push_front lane for urgent traffic.
type Queue struct {
	mu sync.Mutex
	items *list.List

	limiter *rate.Limiter
}

// New creates an empty queue. If limiter is nil, Drain pops without
// rate pacing.
func New(limiter *rate.Limiter) *Queue {
	return &Queue{
		items: list.New(),
		limiter: limiter,
	}
}

// PushBack enqueues a payload for normal delivery order.
func (q *Queue) PushBack(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items.PushBack(payload)
}

// PushFront enqueues a payload ahead of everything already queued,
// for heartbeats, presence updates, and voice state changes.
func (q *Queue) PushFront(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items.PushFront(payload)
}

// PopFront removes and returns the next payload to send, or ok=false
// if the queue is empty.
func (q *Queue) PopFront() (payload []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return nil, false
	}

	q.items.Remove(front)

	return front.Value.([]byte), true
}

// Clear discards every queued payload, used when a reconnect makes
// stale outbound traffic meaningless.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items.Init()
}

// Size reports the number of payloads currently queued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Len()
}

// Drain pops and returns the next payload to send, blocking on the
// rate limiter (if one was configured) so sends are paced rather than
// bursty. It returns ok=false if the queue was empty and no wait was
// needed, or if ctx is cancelled while waiting on the limiter.
func (q *Queue) Drain(ctx context.Context) (payload []byte, ok bool, err error) {
	payload, ok = q.PopFront()
	if !ok {
		return nil, false, nil
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			q.PushFront(payload)
			return nil, false, err
		}
	}

	return payload, true, nil
}
