package client

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValerySidorin/natsflow/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recordingAcker struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	synced   int
	recorded []AckKind
	err      error
}

func (a *recordingAcker) publishAck(reply string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.subjects = append(a.subjects, reply)
	a.bodies = append(a.bodies, string(body))
	return nil
}

func (a *recordingAcker) requestAck(_ context.Context, reply string, body []byte) error {
	a.mu.Lock()
	a.synced++
	a.mu.Unlock()
	return a.publishAck(reply, body)
}

func (a *recordingAcker) ackRecorded(kind AckKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorded = append(a.recorded, kind)
}

const testAckReply = "$JS.ACK.ORDERS.worker.1.42.7.1700000000000000000.3"

func TestMsg_Encoding(t *testing.T) {
	t.Run("pub with reply", func(t *testing.T) {
		m, err := NewMsg("subj", "reply", nil, []byte("0123456789"))
		require.NoError(t, err)

		assert.True(t, m.computeEncoding())
		assert.Equal(t, "PUB subj reply 10", string(m.line))
		assert.Equal(t, len("PUB subj reply 10")+10+4, m.sizeInBytes())
		assert.Equal(t, len("PUB subj reply 10")+2, m.controlLineLength())
	})

	t.Run("pub without reply or data", func(t *testing.T) {
		m, err := NewMsg("subj", "", nil, nil)
		require.NoError(t, err)

		assert.Equal(t, len("PUB subj 0")+4, m.sizeInBytes())
		assert.Equal(t, "PUB subj 0", string(m.line))
		assert.NotNil(t, m.Data())
	})

	t.Run("hpub", func(t *testing.T) {
		h := header.New()
		require.NoError(t, h.Add("foo", "bar"))

		m, err := NewMsg("subj", "reply", h, nil)
		require.NoError(t, err)

		assert.Equal(t, len("HPUB subj reply 21 21")+21+4, m.sizeInBytes())
		assert.Equal(t, "HPUB subj reply 21 21", string(m.line))
	})

	t.Run("hpub control line length", func(t *testing.T) {
		h := header.New()
		require.NoError(t, h.Add("key", "value"))

		m, err := NewMsg("test", "reply", h, []byte("data"))
		require.NoError(t, err)

		assert.Equal(t, 23, m.controlLineLength())
		assert.Equal(t, "HPUB test reply 23 27", string(m.line))
	})

	t.Run("empty header is not sent", func(t *testing.T) {
		m, err := NewMsg("subj", "", header.New(), []byte("x"))
		require.NoError(t, err)

		m.computeEncoding()
		assert.Equal(t, "PUB subj 1", string(m.line))
	})

	t.Run("frame", func(t *testing.T) {
		h := header.New()
		require.NoError(t, h.Add("foo", "bar"))
		m, err := NewMsg("subj", "", h, []byte("hi"))
		require.NoError(t, err)

		frame := m.appendFrame(nil)
		assert.Equal(t, "HPUB subj 21 23\r\nNATS/1.0\r\nfoo:bar\r\n\r\nhi\r\n", string(frame))
		assert.Equal(t, len(frame), m.sizeInBytes())
	})
}

func TestMsg_EncodingIsCached(t *testing.T) {
	h := header.New()
	require.NoError(t, h.Add("a", "1"))

	m, err := NewMsg("subj", "", h, []byte("data"))
	require.NoError(t, err)

	assert.True(t, m.computeEncoding())
	line := m.line
	size := m.sizeInBytes()

	assert.False(t, m.computeEncoding())
	assert.Equal(t, &line[0], &m.line[0])
	assert.Equal(t, size, m.sizeInBytes())

	require.NoError(t, h.Add("b", "2"))
	assert.True(t, m.computeEncoding(), "header change must invalidate the cached line")
	assert.Greater(t, m.sizeInBytes(), size)
	assert.False(t, m.computeEncoding())
}

func TestMsg_SettersDirty(t *testing.T) {
	m, err := NewMsg("subj", "", nil, nil)
	require.NoError(t, err)
	m.computeEncoding()

	require.NoError(t, m.SetSubject("other"))
	assert.True(t, m.computeEncoding())
	assert.Equal(t, "PUB other 0", string(m.line))

	require.NoError(t, m.SetReply("inbox"))
	assert.True(t, m.computeEncoding())
	assert.Equal(t, "PUB other inbox 0", string(m.line))

	m.SetData([]byte("abc"))
	assert.True(t, m.computeEncoding())
	assert.Equal(t, "PUB other inbox 3", string(m.line))

	h := header.New()
	require.NoError(t, h.Add("k", "v"))
	m.SetHeader(h)
	assert.True(t, m.computeEncoding())
	assert.Equal(t, "HPUB other inbox 17 20", string(m.line))

	assert.ErrorIs(t, m.SetSubject(""), ErrInvalidSubject)
	assert.ErrorIs(t, m.SetReply("a b"), ErrInvalidReply)
}

func TestMsg_Validation(t *testing.T) {
	_, err := NewMsg("", "", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidSubject)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewMsg("a..b", "", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = NewMsg("subj", "bad reply", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidReply)
}

func TestMsg_Protocol(t *testing.T) {
	m := newProtocolMsg("PING")

	assert.True(t, m.IsProtocol())
	assert.Equal(t, 6, m.sizeInBytes())
	assert.Equal(t, 6, m.controlLineLength())
	assert.False(t, m.computeEncoding())
	assert.Equal(t, "PING\r\n", string(m.appendFrame(nil)))

	empty := newProtocolMsg("")
	assert.Equal(t, -1, empty.controlLineLength())
}

func TestMsg_IncomingKinds(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		block := []byte("NATS/1.0 503 No Responders\r\n")
		h, st, err := header.Decode(block, len(block))
		require.NoError(t, err)

		m := newIncomingMsg("_INBOX.x", "", 1, len("HMSG _INBOX.x 1 28 28"), h, st, nil)
		assert.Equal(t, KindStatus, m.Kind())
		assert.True(t, m.IsStatus())
		assert.True(t, m.Status().IsNoResponders())
		assert.False(t, m.computeEncoding())
		assert.Equal(t, len("HMSG _INBOX.x 1 28 28")+2+len(block)+2, m.sizeInBytes())
	})

	t.Run("stream", func(t *testing.T) {
		m := newIncomingMsg("orders.new", testAckReply, 1, 10, nil, nil, []byte("x"))
		assert.Equal(t, KindStream, m.Kind())
		assert.True(t, m.IsJetStream())
	})

	t.Run("plain", func(t *testing.T) {
		m := newIncomingMsg("orders.new", "reply", 1, 10, nil, nil, nil)
		assert.Equal(t, KindPlain, m.Kind())
		assert.NotNil(t, m.Data())

		m.SetData([]byte("changed"))
		assert.False(t, m.computeEncoding())
	})
}

func TestMsg_NonStreamAckIsNoop(t *testing.T) {
	acker := &recordingAcker{}
	m := newIncomingMsg("subj", "reply", 1, 10, nil, nil, nil)
	m.acker = acker

	assert.NoError(t, m.Ack())
	assert.NoError(t, m.Nak())
	assert.NoError(t, m.Term())
	assert.NoError(t, m.InProgress())
	assert.NoError(t, m.AckSync(time.Second))
	assert.Empty(t, acker.bodies)
	assert.Equal(t, AckNone, m.LastAck())

	_, err := m.Metadata()
	assert.ErrorIs(t, err, ErrNotJSMessage)

	out, err := NewMsg("subj", "", nil, nil)
	require.NoError(t, err)
	assert.NoError(t, out.Ack())
}

func TestMsg_StreamAck(t *testing.T) {
	t.Run("terminal once", func(t *testing.T) {
		acker := &recordingAcker{}
		m := newIncomingMsg("orders.new", testAckReply, 1, 10, nil, nil, nil)
		m.acker = acker

		require.NoError(t, m.InProgress())
		require.NoError(t, m.InProgress())
		require.NoError(t, m.Ack())
		assert.ErrorIs(t, m.Ack(), ErrMsgAlreadyAcked)
		assert.ErrorIs(t, m.Nak(), ErrMsgAlreadyAcked)
		assert.ErrorIs(t, m.InProgress(), ErrMsgAlreadyAcked)

		assert.Equal(t, []string{"+WPI", "+WPI", "+ACK"}, acker.bodies)
		assert.Equal(t, []string{testAckReply, testAckReply, testAckReply}, acker.subjects)
		assert.Equal(t, []AckKind{AckProgress, AckProgress, AckAck}, acker.recorded)
		assert.Equal(t, AckAck, m.LastAck())
	})

	t.Run("nak with delay", func(t *testing.T) {
		acker := &recordingAcker{}
		m := newIncomingMsg("orders.new", testAckReply, 1, 10, nil, nil, nil)
		m.acker = acker

		require.NoError(t, m.NakWithDelay(time.Second))
		assert.Equal(t, []string{`-NAK {"delay":1000000000}`}, acker.bodies)
		assert.Equal(t, AckNak, m.LastAck())
	})

	t.Run("term", func(t *testing.T) {
		acker := &recordingAcker{}
		m := newIncomingMsg("orders.new", testAckReply, 1, 10, nil, nil, nil)
		m.acker = acker

		require.NoError(t, m.Term())
		assert.Equal(t, []string{"+TERM"}, acker.bodies)
	})

	t.Run("sync", func(t *testing.T) {
		acker := &recordingAcker{}
		m := newIncomingMsg("orders.new", testAckReply, 1, 10, nil, nil, nil)
		m.acker = acker

		require.NoError(t, m.AckSync(time.Second))
		assert.Equal(t, 1, acker.synced)
	})

	t.Run("failed send can be retried", func(t *testing.T) {
		acker := &recordingAcker{err: ErrConnClosed}
		m := newIncomingMsg("orders.new", testAckReply, 1, 10, nil, nil, nil)
		m.acker = acker

		assert.ErrorIs(t, m.Ack(), ErrConnClosed)
		assert.Equal(t, AckNone, m.LastAck())

		acker.err = nil
		assert.NoError(t, m.Ack())
	})

	t.Run("unbound", func(t *testing.T) {
		m := newIncomingMsg("orders.new", testAckReply, 1, 10, nil, nil, nil)
		assert.ErrorIs(t, m.Ack(), ErrNotJSMessage)
	})
}

// slowAcker holds sync acks until release is closed.
type slowAcker struct {
	recordingAcker
	started chan struct{}
	release chan struct{}
}

func (a *slowAcker) requestAck(ctx context.Context, reply string, body []byte) error {
	close(a.started)
	select {
	case <-a.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.recordingAcker.requestAck(ctx, reply, body)
}

func TestMsg_AckSyncDoesNotBlockLastAck(t *testing.T) {
	acker := &slowAcker{started: make(chan struct{}), release: make(chan struct{})}
	m := newIncomingMsg("orders.new", testAckReply, 1, 10, nil, nil, nil)
	m.acker = acker

	done := make(chan error, 1)
	go func() {
		done <- m.AckSync(5 * time.Second)
	}()
	<-acker.started

	got := make(chan AckKind, 1)
	go func() {
		got <- m.LastAck()
	}()
	select {
	case k := <-got:
		assert.Equal(t, AckNone, k)
	case <-time.After(time.Second):
		t.Fatal("LastAck blocked by an in-flight AckSync")
	}

	assert.ErrorIs(t, m.Ack(), ErrMsgAlreadyAcked)
	assert.ErrorIs(t, m.InProgress(), ErrMsgAlreadyAcked)

	close(acker.release)
	require.NoError(t, <-done)
	assert.Equal(t, AckAck, m.LastAck())
	assert.Equal(t, []string{"+ACK"}, acker.bodies)
}

func TestMsg_String(t *testing.T) {
	m, err := NewMsg("subj", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "publish subject=subj reply=<no reply> data=<no data>", m.String())

	m, err = NewMsg("subj", "inbox", nil, []byte(strings.Repeat("a", 40)))
	require.NoError(t, err)
	assert.Equal(t, "publish subject=subj reply=inbox data="+strings.Repeat("a", 27)+"...", m.String())
}

func TestMsg_FrameSizeProperty(t *testing.T) {
	token := rapid.StringMatching(`[a-zA-Z0-9_-]{1,8}`)

	rapid.Check(t, func(t *rapid.T) {
		subject := strings.Join(rapid.SliceOfN(token, 1, 4).Draw(t, "subject"), ".")
		reply := ""
		if rapid.Bool().Draw(t, "has reply") {
			reply = strings.Join(rapid.SliceOfN(token, 1, 3).Draw(t, "reply"), ".")
		}
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data")

		var h *header.Header
		if rapid.Bool().Draw(t, "has header") {
			h = header.New()
			for _, k := range rapid.SliceOfN(token, 0, 4).Draw(t, "keys") {
				if err := h.Add(k, rapid.StringMatching(`[ -~]{0,10}`).Draw(t, "value")); err != nil {
					t.Fatalf("add header: %v", err)
				}
			}
		}

		m, err := NewMsg(subject, reply, h, data)
		if err != nil {
			t.Fatalf("new msg: %v", err)
		}

		first := m.sizeInBytes()
		if m.computeEncoding() {
			t.Fatalf("second encoding must be a no-op")
		}
		if got := len(m.appendFrame(nil)); got != first {
			t.Fatalf("frame is %d bytes, size reports %d", got, first)
		}
		if m.controlLineLength() != len(m.line)+2 {
			t.Fatalf("control line length mismatch")
		}
	})
}
