package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/natsflow/internal/observability"
	"github.com/ValerySidorin/natsflow/internal/pool"
	"github.com/bytedance/sonic"
	"github.com/nats-io/nuid"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

var ReadBufferSize = 32768

const (
	Version = "0.1.0"
	lang    = "go"

	defaultTimeout          = 10 * time.Second
	defaultWriteDeadline    = 10 * time.Second
	defaultMaxControlLine   = 4096
	defaultDispatchPoolSize = 1000

	inboxPrefix = "_INBOX."
)

var (
	pingProto = newProtocolMsg("PING")
	pongProto = newProtocolMsg("PONG")
)

type serverInfo struct {
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	Version    string `json:"version"`
	Proto      int    `json:"proto"`
	Headers    bool   `json:"headers"`
	MaxPayload int64  `json:"max_payload"`
	JetStream  bool   `json:"jetstream"`
}

type connectInfo struct {
	Verbose      bool   `json:"verbose"`
	Pedantic     bool   `json:"pedantic"`
	Name         string `json:"name,omitempty"`
	Lang         string `json:"lang"`
	Version      string `json:"version"`
	Protocol     int    `json:"protocol"`
	Headers      bool   `json:"headers"`
	NoResponders bool   `json:"no_responders"`
}

// Conn is a single connection to a NATS server. All subscriptions of a
// connection are served by one read loop, so callbacks see frames in the
// order the server sent them.
type Conn struct {
	nc  net.Conn
	out *outbound
	ps  parseState

	infoMu   sync.RWMutex
	info     serverInfo
	infoCh   chan struct{}
	infoOnce sync.Once
	errCh    chan error

	timeout        time.Duration
	wdl            time.Duration
	name           string
	maxControlLine int
	poolSize       int
	pool           *ants.Pool

	subsMu sync.RWMutex
	subs   map[uint64]*subscription
	ssid   uint64

	respOnce   sync.Once
	respPrefix string
	respErr    error
	reqs       *correlator[*Msg]

	pongMu sync.Mutex
	pongs  []chan error

	eg        errgroup.Group
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	l *slog.Logger
}

// Connect dials url (host:port, optionally prefixed with nats://) and
// completes the INFO/CONNECT/PING handshake.
func Connect(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	c := &Conn{
		infoCh:         make(chan struct{}),
		errCh:          make(chan error, 1),
		timeout:        defaultTimeout,
		wdl:            defaultWriteDeadline,
		maxControlLine: defaultMaxControlLine,
		poolSize:       defaultDispatchPoolSize,
		subs:           make(map[uint64]*subscription),
		reqs:           newCorrelator[*Msg](),
		done:           make(chan struct{}),
		l:              slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	addr := strings.TrimPrefix(url, "nats://")

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", addr, ErrTransport, err)
	}

	p, err := ants.NewPool(c.poolSize, ants.WithNonblocking(true))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("new pool: %w", err)
	}

	c.nc = nc
	c.pool = p
	c.l = c.l.With("addr", addr)
	c.out = newOutbound(nc, c.wdl, func(err error) {
		c.close(fmt.Errorf("%w: %w", ErrTransport, err))
	}, c.l)

	c.eg.Go(func() error {
		c.readLoop()
		return nil
	})
	c.eg.Go(func() error {
		c.out.writeLoop()
		return nil
	})

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-c.infoCh:
	case err := <-c.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("wait info: %w", ErrTimeout)
	case <-c.done:
		return ErrConnClosed
	}

	c.infoMu.RLock()
	ci := connectInfo{
		Name:         c.name,
		Lang:         lang,
		Version:      Version,
		Protocol:     1,
		Headers:      c.info.Headers,
		NoResponders: c.info.Headers,
	}
	c.infoMu.RUnlock()

	b, err := sonic.Marshal(ci)
	if err != nil {
		return fmt.Errorf("marshal connect: %w", err)
	}

	pong := c.pingWaiter(newProtocolMsg("CONNECT " + string(b)))

	select {
	case err := <-pong:
		return err
	case err := <-c.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("wait pong: %w", ErrTimeout)
	}
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}

	c.out.close()
	select {
	case <-c.out.done:
	case <-time.After(c.wdl):
	}

	c.close(nil)
	_ = c.eg.Wait()
	return nil
}

// close tears the connection down without waiting for its goroutines.
func (c *Conn) close(cause error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		_ = c.nc.Close()
		c.out.close()

		err := ErrConnClosed
		if cause != nil {
			err = fmt.Errorf("%w: %w", ErrConnClosed, cause)
			c.l.Error("connection closed", "err", cause)
		}

		c.subsMu.Lock()
		subs := c.subs
		c.subs = make(map[uint64]*subscription)
		c.subsMu.Unlock()

		for _, s := range subs {
			if s.onClose != nil {
				s.onClose(err)
			}
		}

		c.pongMu.Lock()
		for _, ch := range c.pongs {
			ch <- err
		}
		c.pongs = nil
		c.pongMu.Unlock()

		c.pool.Release()
	})
}

func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) readLoop() {
	buf := pool.Get(ReadBufferSize)[:ReadBufferSize]
	defer pool.Put(buf)

	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if perr := c.parse(buf[:n]); perr != nil {
				c.l.Error("read loop", "err", perr)
				c.close(perr)
				return
			}
		}
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.close(fmt.Errorf("%w: %w", ErrTransport, err))
			return
		}
	}
}

func (c *Conn) processInfo(args []byte) error {
	var info serverInfo
	if err := sonic.Unmarshal(args, &info); err != nil {
		return fmt.Errorf("unmarshal info: %w: %w", ErrParseProto, err)
	}

	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()

	c.infoOnce.Do(func() {
		close(c.infoCh)
	})
	return nil
}

func (c *Conn) processErr(text string) {
	c.l.Error("server error", "err", text)

	select {
	case c.errCh <- fmt.Errorf("server: %s", text):
	default:
	}
}

func (c *Conn) processPong() {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()

	if len(c.pongs) == 0 {
		return
	}
	ch := c.pongs[0]
	c.pongs = c.pongs[1:]
	ch <- nil
}

// pingWaiter sends protos followed by PING and returns a channel that
// receives once the matching PONG arrives.
func (c *Conn) pingWaiter(protos ...*Msg) chan error {
	ch := make(chan error, 1)

	c.pongMu.Lock()
	defer c.pongMu.Unlock()

	if c.closed.Load() {
		ch <- ErrConnClosed
		return ch
	}

	c.pongs = append(c.pongs, ch)
	c.sendProto(append(protos, pingProto)...)
	return ch
}

// Flush returns once the server has processed everything sent before it.
func (c *Conn) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	ch := c.pingWaiter()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("flush: %w", ErrTimeout)
	}
}

func (c *Conn) sendProto(msgs ...*Msg) {
	size := 0
	for _, m := range msgs {
		size += m.sizeInBytes()
	}

	buf := pool.Get(size)
	defer pool.Put(buf)

	for _, m := range msgs {
		buf = m.appendFrame(buf)
	}
	c.out.EnqueueProto(buf)
}

func (c *Conn) ServerVersion() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info.Version
}

func (c *Conn) HeadersSupported() bool {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info.Headers
}

func (c *Conn) MaxPayload() int64 {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info.MaxPayload
}

func (c *Conn) NewInbox() string {
	return inboxPrefix + nuid.Next()
}

func (c *Conn) Publish(subject string, data []byte) error {
	m, err := NewMsg(subject, "", nil, data)
	if err != nil {
		return err
	}
	return c.PublishMsg(m)
}

func (c *Conn) PublishMsg(m *Msg) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if m.kind != KindPublish {
		return validationErr(fmt.Sprintf("publish %s message", m.kind))
	}
	if m.hasHeader() && !c.HeadersSupported() {
		return ErrHeadersNotSupported
	}

	m.computeEncoding()
	if len(m.line) > c.maxControlLine {
		return fmt.Errorf("control line of %d bytes: %w", len(m.line), ErrMaxControlLine)
	}
	if mp := c.MaxPayload(); mp > 0 && int64(m.headerLen()+len(m.data)) > mp {
		return fmt.Errorf("payload of %d bytes: %w", m.headerLen()+len(m.data), ErrMaxPayload)
	}

	c.sendProto(m)

	if observability.MetricsEnabled() {
		observability.AddPublished(m.sizeInBytes())
	}
	return nil
}

func (c *Conn) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	m, err := NewMsg(subject, "", nil, data)
	if err != nil {
		return nil, err
	}
	return c.RequestMsg(ctx, m)
}

// RequestMsg publishes m with a reply subject on the connection's response
// inbox and waits for the first response.
func (c *Conn) RequestMsg(ctx context.Context, m *Msg) (*Msg, error) {
	if err := c.initRespMux(); err != nil {
		return nil, err
	}

	ch := make(chan *Msg, 1)
	id := c.reqs.next(ch)
	defer c.reqs.delete(id)

	if err := m.SetReply(c.respPrefix + strconv.FormatUint(uint64(id), 10)); err != nil {
		return nil, err
	}
	if err := c.PublishMsg(m); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.status != nil && resp.status.IsNoResponders() {
			return nil, fmt.Errorf("request %s: %w", m.subject, ErrNoResponders)
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("request %s: %w", m.subject, ErrTimeout)
		}
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request %s: %w", m.subject, ErrTimeout)
	case <-c.done:
		return nil, ErrConnClosed
	}
}

func (c *Conn) initRespMux() error {
	c.respOnce.Do(func() {
		c.respPrefix = c.NewInbox() + "."
		_, c.respErr = c.subscribe(c.respPrefix+"*", c.processResp, nil)
	})
	return c.respErr
}

func (c *Conn) processResp(m *Msg) {
	id, err := strconv.ParseUint(strings.TrimPrefix(m.subject, c.respPrefix), 10, 32)
	if err != nil {
		return
	}
	c.reqs.send(uint32(id), m)
}

func (c *Conn) publishAck(reply string, body []byte) error {
	m, err := NewMsg(reply, "", nil, body)
	if err != nil {
		return err
	}
	return c.PublishMsg(m)
}

func (c *Conn) requestAck(ctx context.Context, reply string, body []byte) error {
	ctx, end := observability.StartSpan(ctx, "natsflow.ack_sync")

	m, err := NewMsg(reply, "", nil, body)
	if err == nil {
		_, err = c.RequestMsg(ctx, m)
	}
	end(err)
	return err
}

func (c *Conn) ackRecorded(kind AckKind) {
	if observability.MetricsEnabled() {
		observability.IncAck(kind.String())
	}
}
