/*
 * Copyright 2025 The MedFlow Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"container/heap"
	"sync"
	"time"

	"github.com/medflow/medflow/api/types"
)

const (
	defaultQueueCapacity = 1024
	defaultBlockTimeout  = 5 * time.Second
)

// workQueue is the per-host work queue. Ordering and overflow behavior
// are fixed at construction from the host definition. All methods are
// safe for concurrent use by submitters and worker loops.
type workQueue struct {
	mu       sync.Mutex
	ordering types.QueueOrdering
	overflow types.OverflowPolicy
	capacity int
	blockFor time.Duration

	items []*types.Envelope // fifo and lifo
	pq    pqHeap            // priority ordering only
	seq   int64

	closed  bool
	dropped int64

	// Capacity-1 signal channels: a lost wakeup only costs one poll
	// interval, never a stall, because waiters re-check under the lock.
	notEmpty chan struct{}
	notFull  chan struct{}
}

func newWorkQueue(def types.QueueDef) *workQueue {
	q := &workQueue{
		ordering: def.Ordering,
		overflow: def.Overflow,
		capacity: def.Capacity,
		blockFor: time.Duration(def.BlockTimeoutMs) * time.Millisecond,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
	if q.ordering == "" {
		q.ordering = types.OrderingFIFO
	}
	if q.overflow == "" {
		q.overflow = types.OverflowReject
	}
	if q.capacity <= 0 {
		q.capacity = defaultQueueCapacity
	}
	if q.blockFor <= 0 {
		q.blockFor = defaultBlockTimeout
	}
	return q
}

// Submit enqueues the envelope according to the overflow policy. Under
// dropOldest the evicted envelope is returned so the caller can report
// it; it is never dropped silently.
func (q *workQueue) Submit(env *types.Envelope) (evicted *types.Envelope, err error) {
	deadline := time.Now().Add(q.blockFor)
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return nil, types.ErrStopped
		}
		if q.len() < q.capacity {
			break
		}
		switch q.overflow {
		case types.OverflowReject:
			q.mu.Unlock()
			return nil, types.ErrQueueFull
		case types.OverflowDropOldest:
			evicted = q.evictHead()
			q.dropped++
		case types.OverflowBlock:
			wait := time.Until(deadline)
			if wait <= 0 {
				q.mu.Unlock()
				return evicted, types.ErrQueueFull
			}
			q.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-q.notFull:
			case <-timer.C:
			}
			timer.Stop()
			q.mu.Lock()
			continue
		}
		break
	}
	q.push(env)
	q.mu.Unlock()
	q.signal(q.notEmpty)
	return evicted, nil
}

// Poll dequeues one envelope, waiting up to timeout. ok is false when
// the wait expired or the queue is closed and empty.
func (q *workQueue) Poll(timeout time.Duration) (*types.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if env := q.pop(); env != nil {
			q.mu.Unlock()
			q.signal(q.notFull)
			return env, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, false
		}
		timer := time.NewTimer(wait)
		select {
		case <-q.notEmpty:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Drain removes and returns everything left in the queue.
func (q *workQueue) Drain() []*types.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*types.Envelope
	for {
		env := q.pop()
		if env == nil {
			return out
		}
		out = append(out, env)
	}
}

func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len()
}

func (q *workQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting submissions. Queued items remain pollable so a
// draining worker can still empty the queue.
func (q *workQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal(q.notEmpty)
	q.signal(q.notFull)
}

func (q *workQueue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// len, push, pop, evictHead run under q.mu.

func (q *workQueue) len() int {
	if q.ordering == types.OrderingPriority {
		return q.pq.Len()
	}
	return len(q.items)
}

func (q *workQueue) push(env *types.Envelope) {
	if q.ordering == types.OrderingPriority {
		q.seq++
		heap.Push(&q.pq, &pqItem{env: env, seq: q.seq})
		return
	}
	q.items = append(q.items, env)
}

func (q *workQueue) pop() *types.Envelope {
	switch q.ordering {
	case types.OrderingPriority:
		if q.pq.Len() == 0 {
			return nil
		}
		return heap.Pop(&q.pq).(*pqItem).env
	case types.OrderingLIFO:
		if len(q.items) == 0 {
			return nil
		}
		env := q.items[len(q.items)-1]
		q.items = q.items[:len(q.items)-1]
		return env
	default:
		if len(q.items) == 0 {
			return nil
		}
		env := q.items[0]
		q.items = q.items[1:]
		return env
	}
}

// evictHead removes the item that would otherwise wait the longest: the
// queue head under fifo/lifo arrival order, the lowest-priority item
// under priority ordering.
func (q *workQueue) evictHead() *types.Envelope {
	if q.ordering == types.OrderingPriority {
		if q.pq.Len() == 0 {
			return nil
		}
		lowest := 0
		for i := 1; i < q.pq.Len(); i++ {
			if q.pq.less(lowest, i) {
				lowest = i
			}
		}
		return heap.Remove(&q.pq, lowest).(*pqItem).env
	}
	if len(q.items) == 0 {
		return nil
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env
}

type pqItem struct {
	env   *types.Envelope
	seq   int64
	index int
}

// pqHeap orders by priority descending, arrival order within equal
// priority.
type pqHeap []*pqItem

func (h pqHeap) Len() int { return len(h) }

func (h pqHeap) less(i, j int) bool {
	return h.Less(i, j)
}

func (h pqHeap) Less(i, j int) bool {
	pi, pj := h[i].env.Priority(), h[j].env.Priority()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h pqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pqHeap) Push(x interface{}) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *pqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
