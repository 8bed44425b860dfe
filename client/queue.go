package client

import "sync"

const defaultQueueCapacity = 64

// msgQueue is an unbounded FIFO ring buffer. wake holds at most one
// pending signal, so a single waiter never misses a push.
type msgQueue struct {
	mu   sync.Mutex
	buf  []*Msg
	head int
	n    int

	wake chan struct{}
}

func newMsgQueue(capacity int) *msgQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &msgQueue{
		buf:  make([]*Msg, capacity),
		wake: make(chan struct{}, 1),
	}
}

func (q *msgQueue) push(m *Msg) {
	q.mu.Lock()
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = m
	q.n++
	q.mu.Unlock()

	q.signal()
}

// pop passes the wake signal on while messages remain, so concurrent
// waiters keep draining.
func (q *msgQueue) pop() (*Msg, bool) {
	q.mu.Lock()
	if q.n == 0 {
		q.mu.Unlock()
		return nil, false
	}
	m := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	more := q.n > 0
	q.mu.Unlock()

	if more {
		q.signal()
	}
	return m, true
}

func (q *msgQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// clear drops everything buffered and returns how many messages were lost.
func (q *msgQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.n
	for i := 0; i < q.n; i++ {
		q.buf[(q.head+i)%len(q.buf)] = nil
	}
	q.head, q.n = 0, 0
	return n
}

func (q *msgQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *msgQueue) grow() {
	buf := make([]*Msg, 2*len(q.buf))
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf, q.head = buf, 0
}
