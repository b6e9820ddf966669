// priority_queue.go - Min-Heap based priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
//
// This was inspired by the priority queue example in the godocs:
// https://golang.org/pkg/container/heap/
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a priority queue.
package queue

import "container/heap"

// Entry is a PriorityQueue entry.
type Entry[T any] struct {
	Value    T
	Priority uint64
}

// PriorityQueue is a priority queue instance.  It is not safe for
// concurrent use.
type PriorityQueue[T any] struct {
	h entryHeap[T]
}

type entryHeap[T any] []*Entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	return h[i].Priority < h[j].Priority
}

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *entryHeap[T]) Push(x any) {
	*h = append(*h, x.(*Entry[T]))
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Enqueue inserts the provided value, into the queue with the specified
// priority.
func (q *PriorityQueue[T]) Enqueue(priority uint64, value T) {
	heap.Push(&q.h, &Entry[T]{
		Value:    value,
		Priority: priority,
	})
}

// Peek returns the 0th entry (lowest priority) if any, leaving the
// PriorityQueue unaltered.  Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue[T]) Peek() *Entry[T] {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

// Dequeue removes and returns the 0th entry (lowest priority) if any.
func (q *PriorityQueue[T]) Dequeue() *Entry[T] {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Entry[T])
}

// DequeueIndex removes the specified entry from the queue.
func (q *PriorityQueue[T]) DequeueIndex(index int) *Entry[T] {
	if index < 0 || index >= q.h.Len() {
		return nil
	}
	return heap.Remove(&q.h, index).(*Entry[T])
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue[T]) Len() int {
	return q.h.Len()
}

// New creates a new PriorityQueue.
func New[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{
		h: make(entryHeap[T], 0),
	}
}
