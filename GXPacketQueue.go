package gxenclave

// --------------------------------------------------------------------------
//
//	Gurux Ltd
//
// Filename:        $HeadURL$
//
// Version:         $Revision$,
//
//	$Date$
//	$Author$
//
// # Copyright (c) Gurux Ltd
//
// ---------------------------------------------------------------------------
//
//	DESCRIPTION
//
// This file is a part of Gurux Device Framework.
//
// Gurux Device Framework is Open Source software; you can redistribute it
// and/or modify it under the terms of the GNU General Public License
// as published by the Free Software Foundation; version 2 of the License.
// Gurux Device Framework is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU General Public License for more details.
//
// More information of Gurux products: https://www.gurux.org
//
// This code is licensed under the GNU General Public License v2.
// Full text may be retrieved at http://www.gnu.org/licenses/gpl-2.0.txt
// ---------------------------------------------------------------------------

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// queueSize bounds the outbound packet queue. Must be larger than any
// expected burst of forwarded packets; overflow drops the oldest unread
// bytes.
const queueSize = 2048

var (
	// ErrWouldBlock is returned by a non-blocking Read on an empty queue.
	ErrWouldBlock = errors.New("read would block")
	// ErrInterrupted is returned when a blocking Read is unblocked by Close.
	ErrInterrupted = errors.New("read interrupted")
)

// packetQueue is a fixed-capacity circular byte buffer shared between the
// receive path (producer) and Read/Receive callers (consumers). head==tail
// means empty; one slot is kept free so a full queue is head+1==tail.
// Waiters are woken by swapping and closing the wait channel, one wakeup
// per enqueue.
type packetQueue struct {
	mu   sync.Mutex
	buf  []byte
	head int
	tail int
	wait chan struct{}
	done chan struct{}

	dropped atomic.Uint64
}

func newPacketQueue() *packetQueue {
	return &packetQueue{
		buf:  make([]byte, queueSize),
		wait: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// enqueue appends p to the ring, dropping the oldest unread bytes if the
// queue is full, then wakes all waiting consumers. Never blocks.
func (q *packetQueue) enqueue(p []byte) {
	if len(p) == 0 {
		return
	}
	q.mu.Lock()
	for _, b := range p {
		q.buf[q.head] = b
		q.head = (q.head + 1) % len(q.buf)
		if q.head == q.tail {
			q.tail = (q.tail + 1) % len(q.buf)
			q.dropped.Add(1)
		}
	}
	old := q.wait
	q.wait = make(chan struct{})
	q.mu.Unlock()
	close(old)
}

// dequeue copies up to len(p) bytes into p in FIFO order and returns the
// number copied. On an empty queue a non-blocking call returns
// ErrWouldBlock; a blocking call suspends until a producer enqueues data or
// interrupt unblocks it with ErrInterrupted. The condition is re-checked
// after every wakeup.
func (q *packetQueue) dequeue(p []byte, blocking bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		q.mu.Lock()
		select {
		case <-q.done:
			q.mu.Unlock()
			return 0, ErrInterrupted
		default:
		}
		if q.head != q.tail {
			n := 0
			for q.head != q.tail && n < len(p) {
				p[n] = q.buf[q.tail]
				q.tail = (q.tail + 1) % len(q.buf)
				n++
			}
			q.mu.Unlock()
			return n, nil
		}
		ch := q.wait
		q.mu.Unlock()

		if !blocking {
			return 0, ErrWouldBlock
		}
		select {
		case <-ch:
		case <-q.done:
			return 0, ErrInterrupted
		}
	}
}

// get consumes and returns count bytes, or all buffered bytes if count is
// -1 or at least the buffered length.
func (q *packetQueue) get(count int) []byte {
	q.mu.Lock()
	n := q.lengthLocked()
	if count == -1 || count > n {
		count = n
	}
	ret := make([]byte, count)
	for i := 0; i < count; i++ {
		ret[i] = q.buf[q.tail]
		q.tail = (q.tail + 1) % len(q.buf)
	}
	q.mu.Unlock()
	return ret
}

// search waits until the buffered data contains pattern (after at least
// minLen bytes are buffered) and returns the byte count through the end of
// the first occurrence, without consuming anything. An empty pattern waits
// for minLen bytes and returns minLen. Returns -1 when maxWait elapses, or
// immediately when maxWait is zero and the condition does not already hold.
func (q *packetQueue) search(pattern []byte, minLen int, maxWait time.Duration) int {
	if minLen < 0 {
		minLen = 0
	}
	deadline := time.Time{}
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	for {
		// Snapshot and the wait channel are taken under one lock so an
		// enqueue between the scan and the wait still wakes this pass.
		q.mu.Lock()
		view := q.snapshotLocked()
		ch := q.wait
		q.mu.Unlock()

		if len(view) >= minLen {
			if len(pattern) == 0 {
				return minLen
			}
			if i := bytes.Index(view, pattern); i >= 0 {
				return i + len(pattern)
			}
		}
		// Not found yet. The ring may drop its oldest bytes between
		// wakeups, so every pass rescans the full snapshot.
		if maxWait <= 0 {
			return -1
		}
		rem := time.Until(deadline)
		if rem <= 0 {
			return -1
		}
		timer := time.NewTimer(rem)
		select {
		case <-ch:
			if !timer.Stop() {
				<-timer.C
			}
		case <-q.done:
			if !timer.Stop() {
				<-timer.C
			}
			return -1
		case <-timer.C:
			return -1
		}
	}
}

// interrupt permanently unblocks all pending and future blocking dequeues.
func (q *packetQueue) interrupt() {
	q.mu.Lock()
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.mu.Unlock()
}

// reopen re-arms an interrupted queue so blocking dequeues suspend again.
func (q *packetQueue) reopen() {
	q.mu.Lock()
	select {
	case <-q.done:
		q.done = make(chan struct{})
	default:
	}
	q.mu.Unlock()
}

// reset discards all buffered bytes.
func (q *packetQueue) reset() {
	q.mu.Lock()
	q.head = 0
	q.tail = 0
	q.mu.Unlock()
}

func (q *packetQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lengthLocked()
}

func (q *packetQueue) lengthLocked() int {
	return (q.head - q.tail + len(q.buf)) % len(q.buf)
}

func (q *packetQueue) snapshotLocked() []byte {
	n := q.lengthLocked()
	view := make([]byte, n)
	for i := 0; i < n; i++ {
		view[i] = q.buf[(q.tail+i)%len(q.buf)]
	}
	return view
}

func (q *packetQueue) dropCount() uint64 {
	return q.dropped.Load()
}
