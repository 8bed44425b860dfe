package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/natsflow/internal/observability"
)

type (
	MsgHandler func(m *Msg)
	ErrHandler func(err error)
)

const drainPollInterval = 10 * time.Millisecond

// consumer is the part shared by listeners and iterators: the private
// inbox subscription, the pull controller and the buffer of received
// messages. Frames are accepted on the connection read loop.
type consumer struct {
	js     *JetStream
	conn   *Conn
	stream string
	name   string
	inbox  string
	next   string
	opts   ConsumerOptions

	sub *subscription
	pc  *pullController
	q   *msgQueue

	inflight atomic.Int64

	errMu    sync.Mutex
	err      error
	errTaken bool
	silent   bool

	closed    atomic.Bool
	closeOnce sync.Once

	l *slog.Logger
}

func (js *JetStream) newConsumer(ctx context.Context, stream string, cfg ConsumerConfig, opts ConsumerOptions) (*consumer, error) {
	if js.conn.IsClosed() {
		return nil, ErrConnClosed
	}
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validate options: %w", err)
	}

	info, err := js.CreateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	c := &consumer{
		js:     js,
		conn:   js.conn,
		stream: stream,
		name:   info.Name,
		inbox:  js.conn.NewInbox(),
		next:   js.apiSubject(fmt.Sprintf(apiRequestNextT, stream, info.Name)),
		opts:   opts,
		q:      newMsgQueue(opts.QueueCapacity),
		l:      js.l.With("stream", stream, "consumer", info.Name),
	}

	c.pc, err = newPullController(opts, stream, info.Name, c.sendPull, c.pullClosed, c.l)
	if err != nil {
		return nil, err
	}

	c.sub, err = js.conn.subscribe(c.inbox, c.deliver, c.subscriptionLost)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}

	return c, nil
}

func (c *consumer) Stream() string { return c.stream }
func (c *consumer) Name() string   { return c.name }

func (c *consumer) sendPull(body []byte) error {
	m, err := NewMsg(c.next, c.inbox, nil, body)
	if err != nil {
		return err
	}
	return c.conn.PublishMsg(m)
}

// deliver runs on the read loop. Status frames only feed the controller.
func (c *consumer) deliver(m *Msg) {
	if c.closed.Load() {
		return
	}

	if m.kind == KindStatus {
		if observability.MetricsEnabled() {
			observability.IncStatus(m.status.Code)
		}
		if m.status.IsFlowControl() && m.reply != "" {
			if err := c.conn.publishAck(m.reply, nil); err != nil {
				c.l.Error("flow control reply", "err", err)
			}
		}
		c.pc.onStatus(m.status, m.hdr)
		return
	}

	m.acker = c
	c.inflight.Add(1)
	c.q.push(m)
	if observability.MetricsEnabled() {
		observability.IncDelivered(c.stream, c.name)
	}
	c.pc.onMessage(m.sizeInBytes())
}

func (c *consumer) publishAck(reply string, body []byte) error {
	return c.conn.publishAck(reply, body)
}

func (c *consumer) requestAck(ctx context.Context, reply string, body []byte) error {
	return c.conn.requestAck(ctx, reply, body)
}

func (c *consumer) ackRecorded(kind AckKind) {
	c.pc.onAck(kind)
	c.conn.ackRecorded(kind)
}

func (c *consumer) pullClosed(err error) {
	c.shutdown(fmt.Errorf("%w: %w", ErrConsumerClosed, err), false)
}

func (c *consumer) subscriptionLost(err error) {
	c.shutdown(fmt.Errorf("%w: %w", ErrConsumerClosed, err), false)
}

// shutdown stops pulling and leaves the inbox. Buffered messages stay
// deliverable unless discard is set. Only the first call has an effect.
func (c *consumer) shutdown(cause error, discard bool) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.pc.close(nil)
		if err := c.conn.unsubscribe(c.sub); err != nil {
			c.l.Error("unsubscribe", "err", err)
		}
		if discard {
			c.inflight.Add(-int64(c.q.clear()))
		}

		c.errMu.Lock()
		c.err = cause
		c.silent = discard
		c.errMu.Unlock()

		c.q.signal()
	})
}

// takeErr returns the terminal error once.
func (c *consumer) takeErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if c.err == nil || c.errTaken {
		return nil
	}
	c.errTaken = true
	return c.err
}

func (c *consumer) terminated() bool {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.errTaken
}

func (c *consumer) report(err error) {
	if c.opts.ErrHandler != nil {
		c.opts.ErrHandler(err)
		return
	}
	c.l.Error("consumer", "err", err)
}

// Unsubscribe stops the consumer and drops buffered messages. It is safe
// to call more than once.
func (c *consumer) Unsubscribe() error {
	c.shutdown(ErrConsumerClosed, true)
	return nil
}

// Drain stops pulling, waits until every requested message has arrived and
// been handed out, then unsubscribes. It gives up after timeout.
//
// Messages of an outstanding pull count as requested until the server
// answers it, so on an idle consumer Drain returns once the pull expires
// (ConsumerOptions.ExpiresIn) or with ErrTimeout if timeout is shorter.
func (c *consumer) Drain(timeout time.Duration) error {
	if c.closed.Load() {
		return nil
	}
	c.pc.stopPulling()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if c.closed.Load() {
			return nil
		}
		if c.pc.pendingCount() == 0 && c.inflight.Load() == 0 {
			c.shutdown(ErrConsumerClosed, true)
			return nil
		}
		if !time.Now().Before(deadline) {
			c.shutdown(ErrConsumerClosed, true)
			return fmt.Errorf("drain: %w", ErrTimeout)
		}
		<-ticker.C
	}
}

func (c *consumer) Stats() PullStats {
	return c.pc.snapshot()
}

func (c *consumer) ConsumerInfo(ctx context.Context) (*ConsumerInfo, error) {
	return c.js.ConsumerInfo(ctx, c.stream, c.name)
}

// Listener invokes a handler for every message, one at a time and in
// arrival order. Handlers acknowledge messages themselves.
type Listener struct {
	*consumer
	h MsgHandler
}

func (js *JetStream) CreateListener(ctx context.Context, stream string, cfg ConsumerConfig, h MsgHandler, opts ConsumerOptions) (*Listener, error) {
	if h == nil {
		return nil, validationErr("nil handler")
	}

	c, err := js.newConsumer(ctx, stream, cfg, opts)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		consumer: c,
		h:        h,
	}

	if err := js.conn.pool.Submit(l.dispatch); err != nil {
		c.shutdown(ErrConsumerClosed, true)
		return nil, fmt.Errorf("submit dispatch loop: %w", err)
	}
	if err := c.pc.start(); err != nil {
		c.shutdown(ErrConsumerClosed, true)
		return nil, fmt.Errorf("start pulling: %w", err)
	}

	return l, nil
}

func (l *Listener) dispatch() {
	for {
		for {
			m, ok := l.q.pop()
			if !ok {
				break
			}
			l.handle(m)
		}

		if err := l.takeErr(); err != nil {
			l.errMu.Lock()
			silent := l.silent
			l.errMu.Unlock()
			if !silent {
				l.report(err)
			}
			return
		}

		<-l.q.wake
	}
}

func (l *Listener) handle(m *Msg) {
	defer l.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			l.report(fmt.Errorf("handler panic: %v", r))
		}
	}()

	l.h(m)
}

// Iterator hands messages out on demand through NextMsg.
type Iterator struct {
	*consumer
}

func (js *JetStream) CreateIterator(ctx context.Context, stream string, cfg ConsumerConfig, opts ConsumerOptions) (*Iterator, error) {
	c, err := js.newConsumer(ctx, stream, cfg, opts)
	if err != nil {
		return nil, err
	}

	if err := c.pc.start(); err != nil {
		c.shutdown(ErrConsumerClosed, true)
		return nil, fmt.Errorf("start pulling: %w", err)
	}

	return &Iterator{consumer: c}, nil
}

// NextMsg returns the next message, waiting up to timeout. It returns
// (nil, nil) when nothing arrived in time; a timeout <= 0 only polls. A
// terminal condition is returned once, after which NextMsg always returns
// (nil, nil).
func (it *Iterator) NextMsg(timeout time.Duration) (*Msg, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		if m, ok := it.q.pop(); ok {
			it.inflight.Add(-1)
			return m, nil
		}
		if err := it.takeErr(); err != nil {
			return nil, err
		}
		if it.terminated() || timeoutCh == nil {
			return nil, nil
		}

		select {
		case <-it.q.wake:
		case <-timeoutCh:
			return nil, nil
		}
	}
}
