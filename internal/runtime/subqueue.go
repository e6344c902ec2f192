package runtime

import (
	"sync"
)

// SubQueue is an unbounded FIFO that feeds a single consumer channel.
// Producers never block on Enqueue; a dedicated goroutine moves items to the
// channel in order. A paused queue holds items back until it is resumed.
type SubQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	head   int
	closed bool

	outCh  chan T
	done   chan struct{}
	paused bool
}

// NewSubQueue returns a paused queue. Call SetPaused(false) to go live.
func NewSubQueue[T any](outBuf int) *SubQueue[T] {
	return newSubQueue[T](outBuf, true)
}

// NewLiveSubQueue returns a queue that dispatches immediately.
func NewLiveSubQueue[T any](outBuf int) *SubQueue[T] {
	return newSubQueue[T](outBuf, false)
}

func newSubQueue[T any](outBuf int, paused bool) *SubQueue[T] {
	sq := &SubQueue[T]{
		outCh:  make(chan T, outBuf),
		done:   make(chan struct{}),
		paused: paused,
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.dispatch()
	return sq
}

// Chan is the consumer side. It is closed after Close.
func (sq *SubQueue[T]) Chan() <-chan T { return sq.outCh }

// Enqueue appends ev unless the queue is closed.
func (sq *SubQueue[T]) Enqueue(ev T) bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return false
	}
	sq.queue = append(sq.queue, ev)
	sq.cond.Signal()
	return true
}

// Len reports how many items are waiting to be handed to the channel.
func (sq *SubQueue[T]) Len() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.queue) - sq.head
}

// SetPaused gates dispatching. Used to hold live events back while a
// snapshot is written with OutOfBandSnapshotSend.
func (sq *SubQueue[T]) SetPaused(v bool) {
	sq.mu.Lock()
	sq.paused = v
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// OutOfBandSnapshotSend writes straight to the channel, bypassing the queue.
// Only valid while paused and with enough channel buffer for the whole
// snapshot.
func (sq *SubQueue[T]) OutOfBandSnapshotSend(ev T) {
	sq.outCh <- ev
}

// Close stops the dispatcher. Pending items are dropped and the channel is
// closed. Safe to call more than once.
func (sq *SubQueue[T]) Close() {
	sq.mu.Lock()
	if !sq.closed {
		sq.closed = true
		close(sq.done)
	}
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

func (sq *SubQueue[T]) dispatch() {
	for {
		sq.mu.Lock()
		for !sq.closed && (sq.paused || sq.head == len(sq.queue)) {
			sq.cond.Wait()
		}
		if sq.closed {
			sq.queue = nil
			sq.head = 0
			sq.mu.Unlock()
			close(sq.outCh)
			return
		}
		ev := sq.queue[sq.head]
		var zero T
		sq.queue[sq.head] = zero
		sq.head++
		if sq.head == len(sq.queue) {
			sq.queue = sq.queue[:0]
			sq.head = 0
		}
		sq.mu.Unlock()

		// A consumer that stopped reading must not pin the dispatcher.
		select {
		case sq.outCh <- ev:
		case <-sq.done:
			close(sq.outCh)
			return
		}
	}
}
