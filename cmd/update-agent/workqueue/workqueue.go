// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workqueue provides the in-memory FIFO between the MQTT
// response handlers and the update worker goroutine.
package workqueue

import (
	"sync"
	"time"
)

// DefaultPopTimeout is how long the worker blocks waiting for work
// before it gets a chance to observe shutdown.
const DefaultPopTimeout = 15 * time.Second

// Item is one unit of work. Context is an opaque handle the producer
// attaches so the consumer can find its way back to the originating
// operation.
type Item struct {
	JSON      string
	TimeAdded time.Time
	Context   any
}

// PopStatus tells the consumer why GetNextWork returned.
type PopStatus int

const (
	PopOK PopStatus = iota
	PopTimeout
	PopClosed
)

// Queue is an unbounded FIFO with a blocking timed pop. It is written
// for a single consumer goroutine and any number of producers.
type Queue struct {
	mu     sync.Mutex
	items  []*Item
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func New() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// EnqueueWork appends an item stamped with the current time. Enqueueing
// on a closed queue is a silent no-op.
func (q *Queue) EnqueueWork(json string, context any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, &Item{
		JSON:      json,
		TimeAdded: time.Now(),
		Context:   context,
	})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// GetNextWork pops the oldest item, blocking up to timeout. The status
// distinguishes an item, an empty-queue timeout and queue closure.
func (q *Queue) GetNextWork(timeout time.Duration) (*Item, PopStatus) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, PopOK
		}
		if q.closed {
			q.mu.Unlock()
			return nil, PopClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-timer.C:
			return nil, PopTimeout
		}
	}
}

// GetSize returns a snapshot of the number of queued items.
func (q *Queue) GetSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes the consumer and makes all further pops return PopClosed
// once the queue drains.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}
