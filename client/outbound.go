package client

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/natsflow/internal/pool"
)

const (
	maxVectorSize = 1024
)

// outbound coalesces frames into pooled buffers and writes them to the
// socket from a single goroutine with vectored writes.
type outbound struct {
	v      net.Buffers   // vector
	wv     net.Buffers   // working vector
	wdl    time.Duration // write deadline
	c      *sync.Cond
	pb     int64 // pending bytes
	mu     sync.Mutex
	w      net.Conn
	closed atomic.Bool
	done   chan struct{}
	onErr  func(error)
	l      *slog.Logger
}

func newOutbound(w net.Conn, wdl time.Duration, onErr func(error), l *slog.Logger) *outbound {
	o := &outbound{
		w:     w,
		wdl:   wdl,
		done:  make(chan struct{}),
		onErr: onErr,
		l:     l,
	}
	o.c = sync.NewCond(&(o.mu))

	return o
}

func (o *outbound) writeLoop() {
	defer close(o.done)

	var closed bool

	for {
		o.mu.Lock()
		if closed = o.isClosed(); !closed {
			if o.pb == 0 {
				o.c.Wait()
				closed = o.isClosed()
			}
		}

		if closed {
			o.flushOutbound()
			o.release()
			o.mu.Unlock()
			return
		}

		if err := o.flushOutbound(); err != nil {
			o.closed.Store(true)
			o.release()
			o.mu.Unlock()
			go o.onErr(err)
			return
		}
		o.mu.Unlock()
	}
}

func (o *outbound) EnqueueProto(proto []byte) {
	if o.isClosed() {
		return
	}

	o.mu.Lock()
	o.queueOutbound(proto)
	o.mu.Unlock()
	o.c.Signal()
}

func (o *outbound) flushOutbound() error {
	if o.pb == 0 {
		return nil
	}

	o.wv = append(o.wv, o.v...)
	o.v = nil

	var _orig [maxVectorSize][]byte
	orig := append(_orig[:0], o.wv...)
	startOfWv := o.wv[0:]

	start := time.Now()

	var n int64
	var err error

	for len(o.wv) > 0 {
		wv := o.wv
		if len(wv) > maxVectorSize {
			wv = wv[:maxVectorSize]
		}
		consumed := len(wv)

		_ = o.w.SetWriteDeadline(start.Add(o.wdl))
		var wn int64
		wn, err = wv.WriteTo(o.w)
		_ = o.w.SetWriteDeadline(time.Time{})

		n += wn
		o.wv = o.wv[consumed-len(wv):]
		if err != nil {
			o.l.Error("write buffers", "err", err)
			break
		}
	}

	for i := 0; i < len(orig)-len(o.wv); i++ {
		pool.Put(orig[i])
	}

	o.wv = append(startOfWv[:0], o.wv...)
	o.pb -= n

	return err
}

func (o *outbound) queueOutbound(data []byte) {
	o.pb += int64(len(data))
	toBuffer := data
	if len(o.v) > 0 {
		last := &o.v[len(o.v)-1]
		if free := cap(*last) - len(*last); free > 0 {
			if l := len(toBuffer); l < free {
				free = l
			}
			*last = append(*last, toBuffer[:free]...)
			toBuffer = toBuffer[free:]
		}
	}

	for len(toBuffer) > 0 {
		buf := pool.Get(len(toBuffer))
		n := copy(buf[:cap(buf)], toBuffer)
		o.v = append(o.v, buf[:n])
		toBuffer = toBuffer[n:]
	}
}

func (o *outbound) release() {
	for i := range o.wv {
		pool.Put(o.wv[i])
	}
	for i := range o.v {
		pool.Put(o.v[i])
	}
	o.wv, o.v, o.pb = nil, nil, 0
}

func (o *outbound) isClosed() bool {
	return o.closed.Load()
}

func (o *outbound) close() {
	o.mu.Lock()
	o.closed.Store(true)
	o.c.Broadcast()
	o.mu.Unlock()
}
