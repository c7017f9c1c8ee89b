package gxenclave

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacketQueue_FIFO(t *testing.T) {
	q := newPacketQueue()
	q.enqueue([]byte{1, 2, 3})
	q.enqueue([]byte{4, 5})

	buf := make([]byte, 2)
	n, err := q.dequeue(buf, false)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{1, 2}, buf)

	buf = make([]byte, 8)
	n, err = q.dequeue(buf, false)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []byte{3, 4, 5}, buf[:n])
}

func TestPacketQueue_WouldBlock(t *testing.T) {
	q := newPacketQueue()
	buf := make([]byte, 4)
	n, err := q.dequeue(buf, false)
	require.ErrorIs(t, err, ErrWouldBlock)
	require.Zero(t, n)
}

func TestPacketQueue_BlockingWakeup(t *testing.T) {
	q := newPacketQueue()
	type result struct {
		n   int
		err error
		buf []byte
	}
	results := make(chan result, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := q.dequeue(buf, true)
		results <- result{n, err, buf[:n]}
	}()

	time.Sleep(50 * time.Millisecond)
	q.enqueue([]byte("wake"))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.Equal(t, []byte("wake"), r.buf)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocking dequeue to wake")
	}
}

func TestPacketQueue_InterruptUnblocks(t *testing.T) {
	q := newPacketQueue()
	errs := make(chan error, 1)
	go func() {
		buf := make([]byte, 4)
		_, err := q.dequeue(buf, true)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	q.interrupt()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for interrupt to unblock dequeue")
	}

	// Interrupted for good until reopened.
	_, err := q.dequeue(make([]byte, 1), true)
	require.ErrorIs(t, err, ErrInterrupted)

	q.reopen()
	_, err = q.dequeue(make([]byte, 1), false)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestPacketQueue_DropOldestKeepsOrder(t *testing.T) {
	q := newPacketQueue()

	// One slot stays free, so the ring holds queueSize-1 bytes.
	input := make([]byte, queueSize+100)
	for i := range input {
		input[i] = byte(i % 251)
	}
	q.enqueue(input)

	kept := queueSize - 1
	require.Equal(t, kept, q.length())
	require.Equal(t, uint64(len(input)-kept), q.dropCount())

	out := make([]byte, len(input))
	n, err := q.dequeue(out, false)
	require.NoError(t, err)
	require.Equal(t, kept, n)
	// Exactly the oldest bytes were dropped; the rest keep their order.
	require.Equal(t, input[len(input)-kept:], out[:n])
}

func TestPacketQueue_Search(t *testing.T) {
	q := newPacketQueue()
	q.enqueue([]byte("hello\nworld"))

	require.Equal(t, 6, q.search([]byte("\n"), 0, 0))
	require.Equal(t, []byte("hello\n"), q.get(6))

	// Pattern already consumed, no wait requested.
	require.Equal(t, -1, q.search([]byte("\n"), 0, 0))

	// Waiting search times out when the pattern never arrives.
	start := time.Now()
	require.Equal(t, -1, q.search([]byte("\n"), 0, 50*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Empty pattern waits for a byte count only.
	require.Equal(t, 5, q.search(nil, 5, 0))
	require.Equal(t, []byte("world"), q.get(-1))
}

func TestPacketQueue_SearchWakesOnEnqueue(t *testing.T) {
	q := newPacketQueue()
	results := make(chan int, 1)
	go func() {
		results <- q.search([]byte{0x0A}, 0, time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	q.enqueue([]byte{0x01, 0x0A})

	select {
	case n := <-results:
		require.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for search to wake")
	}
}

func TestPacketQueue_Reset(t *testing.T) {
	q := newPacketQueue()
	q.enqueue([]byte{1, 2, 3})
	q.reset()
	require.Zero(t, q.length())
	_, err := q.dequeue(make([]byte, 1), false)
	require.ErrorIs(t, err, ErrWouldBlock)
}
