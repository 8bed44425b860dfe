package client

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValerySidorin/natsflow/header"
	"github.com/ValerySidorin/natsflow/internal/observability"
	"github.com/bytedance/sonic"
)

const pullRetryDelay = time.Second

// Conflict descriptions for pulls the server will refuse every time.
var rejectedConflicts = []string{
	"Consumer Deleted",
	"Consumer is push based",
	"Exceeded MaxRequestBatch",
	"Exceeded MaxRequestExpires",
	"Exceeded MaxRequestMaxBytes",
	"Message Size Exceeds MaxBytes",
}

type pullState int

const (
	pullIdle pullState = iota
	pullIssued
	pullDraining
	pullStopped
)

func (s pullState) String() string {
	switch s {
	case pullIdle:
		return "idle"
	case pullIssued:
		return "pull_issued"
	case pullDraining:
		return "draining"
	case pullStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type pullRequest struct {
	Batch     int           `json:"batch"`
	MaxBytes  int           `json:"max_bytes,omitempty"`
	Expires   time.Duration `json:"expires,omitempty"`
	Heartbeat time.Duration `json:"idle_heartbeat,omitempty"`
}

type PullStats struct {
	Pulls      uint64
	Received   uint64
	Heartbeats uint64
	Statuses   uint64

	Acked      uint64
	Naked      uint64
	InProgress uint64
	Termed     uint64

	Pending      int
	PendingBytes int
}

// pullController decides when to ask the server for more messages. It keeps
// pending, the number of messages requested and not yet received, and
// issues the next pull once pending drops to repullAt, so a new batch is on
// its way before the current one runs out. A pull is outstanding from the
// moment it is sent until the first frame after it arrives, and at most one
// pull is outstanding at any time.
type pullController struct {
	mu sync.Mutex

	batch     int
	repullAt  int
	maxBytes  int
	heartbeat time.Duration
	body      []byte

	pending      int
	pendingBytes int
	state        pullState
	closed       bool
	stats        PullStats
	watchdog     *time.Timer
	retry        *time.Timer
	retryDelay   time.Duration

	send    func(body []byte) error
	onClose func(error)

	stream   string
	consumer string
	l        *slog.Logger
}

func newPullController(
	opts ConsumerOptions, stream, consumer string,
	send func([]byte) error, onClose func(error),
	l *slog.Logger) (*pullController, error) {
	req := pullRequest{
		Batch:     opts.BatchSize,
		MaxBytes:  opts.MaxBytes,
		Heartbeat: opts.IdleHeartbeat,
	}
	if opts.ExpiresIn > 0 {
		req.Expires = opts.ExpiresIn
	}

	body, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal pull request: %w", err)
	}

	return &pullController{
		batch:      opts.BatchSize,
		repullAt:   opts.RepullAt,
		maxBytes:   opts.MaxBytes,
		heartbeat:  opts.IdleHeartbeat,
		body:       body,
		retryDelay: pullRetryDelay,
		send:       send,
		onClose:    onClose,
		stream:     stream,
		consumer:   consumer,
		l:          l,
	}, nil
}

func (c *pullController) start() error {
	c.mu.Lock()
	err := c.pullLocked()
	c.mu.Unlock()

	if err != nil {
		c.close(err)
	}
	return err
}

func (c *pullController) shouldPullLocked() bool {
	return !c.closed && c.state != pullStopped && c.state != pullIssued && c.pending <= c.repullAt
}

// pullLocked sends while holding the lock, which keeps pulls serialized.
func (c *pullController) pullLocked() error {
	if err := c.send(c.body); err != nil {
		return fmt.Errorf("send pull: %w: %w", ErrTransport, err)
	}

	c.pending += c.batch
	if c.maxBytes > 0 {
		c.pendingBytes += c.maxBytes
	}
	c.state = pullIssued
	c.stats.Pulls++
	c.resetWatchdogLocked()

	if observability.MetricsEnabled() {
		observability.IncPull(c.stream, c.consumer)
	}
	return nil
}

// onMessage accounts for one delivered user message of size bytes. The
// re-pull rule sees the message being delivered as still in flight.
func (c *pullController) onMessage(size int) {
	c.mu.Lock()

	c.stats.Received++
	c.resetWatchdogLocked()
	if c.state == pullIssued {
		c.state = pullDraining
	}

	var err error
	if c.shouldPullLocked() {
		err = c.pullLocked()
	}

	if c.pending > 0 {
		c.pending--
	}
	if c.maxBytes > 0 {
		c.pendingBytes -= size
		if c.pendingBytes <= 0 {
			c.pending, c.pendingBytes = 0, 0
		}
	}

	if c.pending == 0 && c.state == pullDraining {
		c.state = pullIdle
		if err == nil && c.shouldPullLocked() {
			err = c.pullLocked()
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.close(err)
	}
}

// onStatus handles a status frame addressed to the consumer inbox.
func (c *pullController) onStatus(st *header.Status, h *header.Header) {
	if st.Code == header.StatusIdleHeartbeat {
		c.mu.Lock()
		c.stats.Heartbeats++
		c.resetWatchdogLocked()
		if c.state == pullIssued {
			c.state = pullDraining
		}
		c.mu.Unlock()
		return
	}

	if rejected(st) {
		c.close(fmt.Errorf("%s: %w", st, ErrPullRejected))
		return
	}

	c.mu.Lock()
	c.stats.Statuses++
	c.resetWatchdogLocked()

	msgs, okMsgs := headerInt(h, header.PendingMessages)
	bytes, okBytes := headerInt(h, header.PendingBytes)
	if okMsgs || okBytes {
		c.pending = max(c.pending-msgs, 0)
		c.pendingBytes = max(c.pendingBytes-bytes, 0)
	} else {
		c.pending, c.pendingBytes = 0, 0
	}

	if c.pending == 0 && !c.closed && c.state != pullStopped {
		c.state = pullIdle
	}

	var err error
	switch {
	case st.Code == header.StatusConflict:
		// Transient conflict: re-pull on the next delivery or after retryDelay.
		c.scheduleRetryLocked()
	case c.shouldPullLocked():
		err = c.pullLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.close(err)
	}
}

func (c *pullController) scheduleRetryLocked() {
	if c.closed || c.state == pullStopped || c.retry != nil {
		return
	}
	c.retry = time.AfterFunc(c.retryDelay, c.retryPull)
}

func (c *pullController) retryPull() {
	c.mu.Lock()
	c.retry = nil

	var err error
	if c.shouldPullLocked() {
		err = c.pullLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.close(err)
	}
}

func (c *pullController) onAck(kind AckKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case AckAck:
		c.stats.Acked++
	case AckNak:
		c.stats.Naked++
	case AckProgress:
		c.stats.InProgress++
	case AckTerm:
		c.stats.Termed++
	}
}

// stopPulling keeps accounting for what is in flight but never pulls again.
func (c *pullController) stopPulling() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = pullStopped
	c.stopWatchdogLocked()
}

// close stops the controller for good. A non-nil err is passed to onClose
// once.
func (c *pullController) close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = pullStopped
	c.stopWatchdogLocked()
	c.mu.Unlock()

	if err != nil {
		c.l.Error("pull controller closed", "err", err)
		if c.onClose != nil {
			c.onClose(err)
		}
	}
}

func (c *pullController) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *pullController) currentState() pullState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *pullController) snapshot() PullStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Pending = c.pending
	s.PendingBytes = c.pendingBytes
	return s
}

func (c *pullController) resetWatchdogLocked() {
	if c.heartbeat <= 0 || c.closed || c.state == pullStopped {
		return
	}
	if c.watchdog == nil {
		c.watchdog = time.AfterFunc(2*c.heartbeat, c.heartbeatMissed)
		return
	}
	c.watchdog.Reset(2 * c.heartbeat)
}

func (c *pullController) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// heartbeatMissed treats the outstanding pull as lost and starts over.
func (c *pullController) heartbeatMissed() {
	c.mu.Lock()
	if c.closed || c.state == pullStopped {
		c.mu.Unlock()
		return
	}

	c.l.Warn("idle heartbeats missed, pulling again", "pending", c.pending)
	c.pending, c.pendingBytes, c.state = 0, 0, pullIdle
	err := c.pullLocked()
	c.mu.Unlock()

	if err != nil {
		c.close(err)
	}
}

// rejected reports statuses after which pulling can never succeed. Any
// other 409 is treated as transient.
func rejected(st *header.Status) bool {
	switch st.Code {
	case header.StatusBadRequest, header.StatusNoResponders:
		return true
	case header.StatusConflict:
		for _, desc := range rejectedConflicts {
			if strings.HasPrefix(st.Description, desc) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func headerInt(h *header.Header, name string) (int, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
