// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import "sync"

// workQueue is an unbounded FIFO with many producers and one consumer.
// Producers never block. The consumer waits on Ready() and then pops until
// the queue is empty. The signal channel has capacity one so any number of
// pushes between two waits wake the consumer exactly once.
type workQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newWorkQueue[T any]() *workQueue[T] {
	return &workQueue[T]{signal: make(chan struct{}, 1)}
}

func (q *workQueue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop removes the oldest item. Every pushed item is returned by exactly one
// pop.
func (q *workQueue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}

	return item, true
}

// drain removes and returns everything queued.
func (q *workQueue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

func (q *workQueue[T]) ready() <-chan struct{} {
	return q.signal
}
